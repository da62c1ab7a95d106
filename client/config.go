// Package client is the native façade: it wires admission, cluster
// selection, the handshake FSM, the packet pipeline, and keepalive into
// a single Handle with create/connect/disconnect/status/attach_tun/
// stats/free semantics (spec §4.9).
package client

import (
	"time"

	"github.com/devstroop/vpnse/admission"
	"github.com/devstroop/vpnse/cluster"
	"github.com/devstroop/vpnse/keepalive"
	"github.com/devstroop/vpnse/session"
)

// DefaultDrainDeadline bounds how long Disconnect waits for pending
// writes to flush before forcing the stream closed (spec §5 "hard
// deadline: drain deadline (2s)").
const DefaultDrainDeadline = 2 * time.Second

// Config is everything one Handle needs: cluster membership and
// selection policy, admission limits and retry schedule, the
// handshake's per-attempt parameters, and keepalive thresholds (spec §6
// [server]/[auth]/[connection_limits]/[clustering]/[network] sections,
// collapsed into their Go-native owners).
type Config struct {
	Cluster      cluster.Config
	Admission    admission.Limits
	Session      session.Config
	Keepalive    keepalive.Config
	QueueSize    int // pipeline queue depth; <=0 uses pipeline.DefaultQueueSize
	DrainDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = DefaultDrainDeadline
	}
	return c
}
