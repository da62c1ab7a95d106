// Package session drives the handshake: TLS up, watermark POST,
// hello/auth PACK round trips, session parameters ingested, handoff to
// the binary frame phase. It owns exactly one TLS stream at a time and
// never retries — retry/failover is the admission+cluster layer's job
// (see the client package).
package session

import (
	"time"

	"github.com/go-kit/kit/log"

	"github.com/devstroop/vpnse/internal/xlog"
)

// State is a Session's position in the handshake/teardown sequence.
// Transitions are monotonic along Idle -> ... -> Tunneling -> Draining
// -> Closed, except Failed, which can be entered from any non-terminal
// state and is itself terminal.
type State int

const (
	StateIdle State = iota
	StateTlsUp
	StateHandshaking
	StateAuthenticating
	StateTunneling
	StateDraining
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateTlsUp:
		return "TlsUp"
	case StateHandshaking:
		return "Handshaking"
	case StateAuthenticating:
		return "Authenticating"
	case StateTunneling:
		return "Tunneling"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Target is what's needed to open a TLS connection to one server; it
// is a deliberately thin copy of whatever the cluster's Endpoint holds,
// so this package doesn't need to import the cluster package.
type Target struct {
	Host   string
	Port   uint16
	SNI    string
	Verify bool
}

// Stats are the Session counters the façade surfaces to the host
// (spec §3's Session.stats).
type Stats struct {
	BytesIn, BytesOut     uint64
	PacketsIn, PacketsOut uint64
	KeepalivesSent        uint64
	KeepalivesAcked       uint64
	Reconnects            uint64
	LastRx, LastTx        time.Time
}

// Session is the internal state machine instance; one per live
// connection attempt. It has no internal locking, the Stats accessor
// methods included, matching spec §5's "owned by one Handle; no
// sharing" invariant.
type Session struct {
	state      State
	target     Target
	descriptor Descriptor
	stats      Stats
	logger     log.Logger
}

// New creates a Session in StateIdle against target. A nil logger is
// replaced with a no-op logger.
func New(target Target, logger log.Logger) *Session {
	return &Session{
		state:  StateIdle,
		target: target,
		logger: xlog.Scope(logger, "session"),
	}
}

func (s *Session) State() State           { return s.state }
func (s *Session) Descriptor() Descriptor { return s.descriptor }
func (s *Session) Stats() Stats           { return s.stats }

// RecordRx/RecordTx add one packet of n bytes to the inbound/outbound
// counters and stamp LastRx/LastTx. Neither the packet pipeline nor the
// keepalive component calls them or the keepalive counters below (each
// keeps its own counts), so a Session's Stats stay at their zero values.
func (s *Session) RecordRx(n int) {
	s.stats.BytesIn += uint64(n)
	s.stats.PacketsIn++
	s.stats.LastRx = time.Now()
}

func (s *Session) RecordTx(n int) {
	s.stats.BytesOut += uint64(n)
	s.stats.PacketsOut++
	s.stats.LastTx = time.Now()
}

func (s *Session) RecordKeepaliveSent() { s.stats.KeepalivesSent++ }
func (s *Session) RecordKeepaliveAcked() {
	if s.stats.KeepalivesAcked < s.stats.KeepalivesSent {
		s.stats.KeepalivesAcked++
	}
}

func (s *Session) setState(next State) {
	s.logger.Log("transition", s.state.String()+"->"+next.String())
	s.state = next
}
