package client

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/devstroop/vpnse/admission"
	"github.com/devstroop/vpnse/cluster"
	"github.com/devstroop/vpnse/errs"
	"github.com/devstroop/vpnse/internal/xlog"
	"github.com/devstroop/vpnse/keepalive"
	"github.com/devstroop/vpnse/pipeline"
	"github.com/devstroop/vpnse/session"
)

// Stats is the façade-level view the host polls (spec §4.9 stats(Handle)).
type Stats struct {
	session.Stats
	PipelineDropped uint64
}

// Client is one Handle: it owns exactly one Session attempt at a time,
// a dedicated admission Grant and cluster Endpoint while connected, and
// the background pipeline/keepalive tasks (spec §5 "Session state:
// owned by one Handle; no sharing").
type Client struct {
	cfg     Config
	cluster *cluster.Cluster
	gate    *admission.Gate
	policy  admission.Policy
	logger  log.Logger

	mu           sync.Mutex
	sess         *session.Session
	conn         net.Conn
	tunSink      pipeline.TunSink
	pipe         *pipeline.Pipeline
	ka           *keepalive.Keepalive
	grant        *admission.Grant
	endpoint     *cluster.Endpoint
	lastErr      error
	freed        bool
	pipelineDone chan struct{}
	pipelineStop context.CancelFunc
	kaStop       chan struct{}
}

// New creates a Handle in the Idle state (spec §4.9 create(config) -> Handle).
func New(cfg Config, logger log.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		cluster: cluster.New(cfg.Cluster, logger),
		gate:    admission.NewGate(cfg.Admission),
		policy:  admission.NewPolicy(cfg.Admission),
		logger:  xlog.Scope(logger, "client"),
	}
}

// AttachTun installs the host-provided packet sink (spec §4.9
// attach_tun(Handle, TunSink)). If the Handle is already Tunneling, the
// pipeline starts immediately against the live connection; otherwise it
// starts the moment Connect succeeds.
func (c *Client) AttachTun(sink pipeline.TunSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tunSink = sink
	if c.sess != nil && c.sess.State() == session.StateTunneling && c.pipe == nil {
		c.startPipelineLocked()
	}
}

// Connect runs the admission-gated, cluster-selected, retrying connect
// sequence and returns the negotiated Descriptor on success (spec §4.9
// connect(Handle) -> SessionDescriptor | Error).
func (c *Client) Connect(ctx context.Context) (_ session.Descriptor, err error) {
	defer func() {
		if err != nil {
			c.recordErr(err)
		}
	}()
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return session.Descriptor{}, errs.New(errs.KindProtocol, "Connect called on an already-used Handle", nil)
	}
	c.mu.Unlock()

	grant, err := c.gate.Acquire()
	if err != nil {
		return session.Descriptor{}, err
	}

	attempt := 0
	for {
		ep, wait, err := c.cluster.Select()
		if err != nil {
			grant.Release()
			return session.Descriptor{}, err
		}
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				grant.Release()
				return session.Descriptor{}, ctx.Err()
			}
		}

		target := session.Target{Host: ep.Host, Port: ep.Port, SNI: ep.SNI, Verify: ep.Verify}
		sess := session.New(target, c.logger)
		conn, desc, connErr := sess.Connect(ctx, c.cfg.Session)
		if connErr != nil {
			c.cluster.MarkFailure(ep, connErr)
			if !admission.ShouldRetry(ctx, connErr, attempt, c.policy) {
				grant.Release()
				return session.Descriptor{}, connErr
			}
			attempt++
			select {
			case <-time.After(c.policy.Delay(attempt - 1)):
			case <-ctx.Done():
				grant.Release()
				return session.Descriptor{}, ctx.Err()
			}
			continue
		}

		c.cluster.MarkSuccess(ep)

		c.mu.Lock()
		c.sess = sess
		c.conn = conn
		c.grant = grant
		c.endpoint = ep
		if c.tunSink != nil {
			c.startPipelineLocked()
		}
		c.mu.Unlock()

		return desc, nil
	}
}

// startPipelineLocked wires the pipeline and keepalive over the live
// connection; caller holds c.mu.
func (c *Client) startPipelineLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	c.pipelineStop = cancel
	c.pipelineDone = make(chan struct{})
	c.kaStop = make(chan struct{})

	ka := keepalive.New(c.cfg.Keepalive, nil, c.onLivenessLost, c.logger)
	pipe := pipeline.New(c.conn, c.tunSink, ka, c.cfg.QueueSize, c.logger)
	ka.SetSender(pipe)
	c.ka = ka
	c.pipe = pipe

	go func() {
		defer close(c.pipelineDone)
		if err := pipe.Run(ctx); err != nil {
			c.logger.Log("pipeline", "stopped", "err", err)
		}
	}()
	go ka.Run(c.kaStop)
}

func (c *Client) onLivenessLost(cause error) {
	c.mu.Lock()
	if c.sess != nil {
		c.sess.Fail(cause)
	}
	c.lastErr = cause
	c.mu.Unlock()
	c.shutdownBackground()
}

func (c *Client) recordErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// shutdownBackground stops the pipeline and keepalive tasks without
// releasing admission/cluster bookkeeping (callers that already hold
// those, like Disconnect, do that separately).
func (c *Client) shutdownBackground() {
	c.mu.Lock()
	stop, done, kaStop := c.pipelineStop, c.pipelineDone, c.kaStop
	c.mu.Unlock()
	if kaStop != nil {
		select {
		case <-kaStop:
		default:
			close(kaStop)
		}
	}
	if stop != nil {
		stop()
	}
	if done != nil {
		<-done
	}
}

// Disconnect sends a graceful Bye, waits up to DrainDeadline for the
// pipeline to settle, then forces the stream closed and releases the
// admission grant and cluster connection count (spec §4.9
// disconnect(Handle), §5 "hard deadline: drain deadline (2s)").
func (c *Client) Disconnect() {
	c.mu.Lock()
	sess, pipe, conn, grant, ep := c.sess, c.pipe, c.conn, c.grant, c.endpoint
	c.mu.Unlock()

	if sess == nil {
		return
	}

	if pipe != nil {
		_ = pipe.SendBye("client disconnect")
	}
	sess.Bye()

	done := make(chan struct{})
	go func() {
		c.shutdownBackground()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.DrainDeadline):
	}

	if conn != nil {
		_ = conn.Close()
	}
	sess.Close(c.cfg.DrainDeadline)

	if grant != nil {
		grant.Release()
	}
	if ep != nil {
		c.cluster.Release(ep)
	}
}

// Status reports the Handle's current session state (spec §4.9
// status(Handle) -> State); an unconnected Handle reports Idle.
func (c *Client) Status() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return session.StateIdle
	}
	return c.sess.State()
}

// Stats reports the façade-level counters (spec §4.9 stats(Handle)).
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Stats{}
	if c.sess != nil {
		out.Stats = c.sess.Stats()
	}
	if c.pipe != nil {
		out.PipelineDropped = c.pipe.Stats().Dropped
	}
	return out
}

// LastError returns the most recent non-nil error this Handle produced,
// for the C-ABI's per-Handle error-message retrieval (spec §7
// "the façade also records the last error kind+message per Handle").
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Free tears down the Handle; safe to call at most once (spec §4.9
// "each Handle owns its own worker tasks and can be freed at most
// once"). A second call is a no-op.
func (c *Client) Free() {
	c.mu.Lock()
	if c.freed {
		c.mu.Unlock()
		return
	}
	c.freed = true
	c.mu.Unlock()

	c.Disconnect()
	c.cluster.Stop()
}
