// Package keepalive tracks session liveness: it emits Pings on a
// timer, tracks outstanding unanswered Pings, and signals LivenessLost
// when the server goes quiet (spec §4.6).
package keepalive

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/devstroop/vpnse/errs"
	"github.com/devstroop/vpnse/internal/xlog"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultMaxMissed = 2
)

// DefaultTimeout is 3x the interval, per spec §4.6's default.
func DefaultTimeout(interval time.Duration) time.Duration { return 3 * interval }

// Sender writes a Ping frame through the pipeline's serialized writer.
// pipeline.Pipeline satisfies this.
type Sender interface {
	SendPing() error
}

// Config holds the tunable thresholds; zero values take the spec's
// defaults.
type Config struct {
	Interval  time.Duration
	Timeout   time.Duration
	MaxMissed int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout(c.Interval)
	}
	if c.MaxMissed <= 0 {
		c.MaxMissed = DefaultMaxMissed
	}
	return c
}

// Keepalive implements pipeline.KeepaliveSink and drives the Ping
// timer. Construct one per Session and call Run in its own goroutine
// alongside the pipeline.
type Keepalive struct {
	cfg    Config
	sender Sender
	logger log.Logger
	onLost func(error)

	outstanding   int32
	lastInboundAt atomic.Int64 // unix nanos
	dataSentAt    atomic.Int64 // unix nanos of last outbound Data frame

	mu      sync.Mutex
	stopped bool
}

// New builds a Keepalive. sender may be nil if the pipeline that will
// answer Pings doesn't exist yet (the client façade wires both
// directions of the pipeline<->keepalive cycle after construction); set
// it with SetSender before calling Run. onLost is invoked at most once,
// the first time liveness is judged lost; the client façade passes its
// onLivenessLost, which fails the Session and records the error.
func New(cfg Config, sender Sender, onLost func(error), logger log.Logger) *Keepalive {
	k := &Keepalive{
		cfg:    cfg.withDefaults(),
		sender: sender,
		onLost: onLost,
		logger: xlog.Scope(logger, "keepalive"),
	}
	now := time.Now().UnixNano()
	k.lastInboundAt.Store(now)
	k.dataSentAt.Store(now)
	return k
}

// SetSender installs the Ping writer, for callers that must construct
// the Keepalive before its pipeline exists.
func (k *Keepalive) SetSender(sender Sender) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sender = sender
}

func (k *Keepalive) OnPing() {
	// A Ping from the server doesn't itself prove anything about our
	// outstanding counter; the pipeline answers it with an immediate
	// Pong outside this component entirely (spec §4.6 "bypass
	// fairness"). OnInboundFrame already records the liveness proof.
}

func (k *Keepalive) OnPong() {
	k.decrementOutstanding()
}

func (k *Keepalive) OnBye(reason string) {
	k.logger.Log("bye", reason)
}

func (k *Keepalive) OnInboundFrame() {
	k.lastInboundAt.Store(time.Now().UnixNano())
	// "the counter is also decremented by any inbound frame" (spec §4.6).
	k.decrementOutstanding()
}

func (k *Keepalive) OnOutboundData() {
	k.dataSentAt.Store(time.Now().UnixNano())
}

func (k *Keepalive) decrementOutstanding() {
	for {
		cur := atomic.LoadInt32(&k.outstanding)
		if cur <= 0 {
			return
		}
		if atomic.CompareAndSwapInt32(&k.outstanding, cur, cur-1) {
			return
		}
	}
}

// Run drives the Ping timer until stop is closed. It emits a Ping
// every Interval unless an outbound Data frame was sent more recently
// than Interval ago, and declares LivenessLost when outstanding pings
// exceed MaxMissed or no inbound frame has arrived within Timeout.
func (k *Keepalive) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if k.checkLiveness() {
				return
			}
		}
	}
}

// checkLiveness runs one tick's worth of evaluation; returns true if
// it declared LivenessLost (and Run should stop).
func (k *Keepalive) checkLiveness() bool {
	now := time.Now()
	sinceInbound := now.Sub(time.Unix(0, k.lastInboundAt.Load()))
	if atomic.LoadInt32(&k.outstanding) > int32(k.cfg.MaxMissed) || sinceInbound > k.cfg.Timeout {
		k.declareLost(sinceInbound)
		return true
	}

	sinceData := now.Sub(time.Unix(0, k.dataSentAt.Load()))
	if sinceData < k.cfg.Interval {
		return false
	}

	k.mu.Lock()
	sender := k.sender
	k.mu.Unlock()
	if sender == nil {
		return false
	}
	if err := sender.SendPing(); err != nil {
		k.declareLost(sinceInbound)
		return true
	}
	atomic.AddInt32(&k.outstanding, 1)
	return false
}

func (k *Keepalive) declareLost(sinceInbound time.Duration) {
	k.mu.Lock()
	already := k.stopped
	k.stopped = true
	k.mu.Unlock()
	if already {
		return
	}
	k.logger.Log("liveness", "lost", "since_inbound", sinceInbound.String())
	if k.onLost != nil {
		k.onLost(errs.New(errs.KindLivenessLost, "no liveness proof within timeout", nil))
	}
}
