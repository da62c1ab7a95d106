// Package cluster selects among candidate servers, tracks their health,
// and quarantines endpoints that fail repeatedly (spec §4.8).
package cluster

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/miekg/dns"
	"golang.org/x/time/rate"

	"github.com/devstroop/vpnse/errs"
	"github.com/devstroop/vpnse/internal/xlog"
)

// Config configures a Cluster (spec §3 ClusterConfig, §6 [clustering]).
type Config struct {
	Endpoints       []Endpoint
	PolicyName      string // "round_robin" | "least_connections" | "random" | "weighted_round_robin" | "consistent_hash"
	StickyKey       string
	ProbeInterval   time.Duration // health-prober pacing (default 15s)
	ProbeTimeout    time.Duration // per-probe dial timeout (default 5s)
	ResolverAddr    string        // DNS server for explicit resolution; empty disables it

	QuarantineAfter  int   // consecutive failures before quarantine (default 3)
	QuarantineBaseMs int64 // initial quarantine duration (default 60000)
	QuarantineCapMs  int64 // quarantine duration cap after doubling (default 600000)
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 15 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	return c
}

// Cluster is the shared registry of candidate endpoints plus the
// selection policy and background health prober (spec §4.8).
type Cluster struct {
	cfg       Config
	logger    log.Logger
	endpoints []*Endpoint
	policy    Policy

	limiter *rate.Limiter

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New builds a Cluster and selects the Policy implementation named by
// cfg.PolicyName, defaulting to round_robin.
func New(cfg Config, logger log.Logger) *Cluster {
	cfg = cfg.withDefaults()
	endpoints := make([]*Endpoint, len(cfg.Endpoints))
	for i := range cfg.Endpoints {
		ep := cfg.Endpoints[i]
		endpoints[i] = &ep
		endpoints[i].configureQuarantine(
			cfg.QuarantineAfter,
			time.Duration(cfg.QuarantineBaseMs)*time.Millisecond,
			time.Duration(cfg.QuarantineCapMs)*time.Millisecond,
		)
	}

	var policy Policy
	switch cfg.PolicyName {
	case "least_connections":
		policy = LeastConnectionsPolicy{}
	case "random":
		policy = RandomPolicy{Intn: defaultIntn}
	case "weighted_round_robin":
		policy = &WeightedRoundRobinPolicy{}
	case "consistent_hash":
		policy = ConsistentHashPolicy{}
	default:
		policy = &RoundRobinPolicy{}
	}

	return &Cluster{
		cfg:       cfg,
		logger:    xlog.Scope(logger, "cluster"),
		endpoints: endpoints,
		policy:    policy,
		limiter:   rate.NewLimiter(rate.Every(cfg.ProbeInterval/time.Duration(max(len(endpoints), 1))), 1),
		stop:      make(chan struct{}),
	}
}

// Select returns the next endpoint per policy. If every endpoint is
// Quarantined, it returns the one whose quarantine expires soonest and
// RetryAfter reports how long the caller should sleep before dialing
// it (spec §4.8 "selector returns the one whose quarantine expires
// soonest and the retry loop sleeps until that moment").
func (c *Cluster) Select() (ep *Endpoint, retryAfter time.Duration, err error) {
	now := time.Now()
	candidates := make([]*Endpoint, 0, len(c.endpoints))
	for _, e := range c.endpoints {
		e.clearQuarantineIfExpired(now)
		if !e.isQuarantined(now) {
			candidates = append(candidates, e)
		}
	}

	if len(candidates) > 0 {
		chosen := c.policy.Select(candidates, c.cfg.StickyKey)
		return chosen, 0, nil
	}

	if len(c.endpoints) == 0 {
		return nil, 0, errs.New(errs.KindConfig, "cluster has no endpoints configured", nil)
	}

	soonest := c.endpoints[0]
	for _, e := range c.endpoints[1:] {
		if e.quarantineExpiry().Before(soonest.quarantineExpiry()) {
			soonest = e
		}
	}
	wait := time.Until(soonest.quarantineExpiry())
	if wait < 0 {
		wait = 0
	}
	return soonest, wait, nil
}

// MarkSuccess records a successful connect/auth against ep, restoring
// it to Healthy and un-counting any prior consecutive failures.
func (c *Cluster) MarkSuccess(ep *Endpoint) {
	ep.markSuccess(time.Now())
	ep.incrementConnections()
}

// MarkFailure records a connect/auth failure against ep (spec §4.8).
func (c *Cluster) MarkFailure(ep *Endpoint, cause error) {
	ep.markFailure(cause, time.Now())
	c.logger.Log("endpoint", ep.Host, "event", "failure", "status", ep.status.String(), "err", cause)
}

// Release decrements ep's active-connection count when a session using
// it ends (spec §4.8 policy "least_connections" bookkeeping).
func (c *Cluster) Release(ep *Endpoint) {
	ep.decrementConnections()
}

// Endpoints returns a snapshot slice of all registered endpoints, for
// Status reporting.
func (c *Cluster) Endpoints() []*Endpoint {
	out := make([]*Endpoint, len(c.endpoints))
	copy(out, c.endpoints)
	return out
}

// RunProber starts the background TLS-only health prober (spec §4.8
// "periodically dials each Quarantined/Degraded endpoint ... a bare TLS
// handshake, no auth"); it runs until Stop is called.
func (c *Cluster) RunProber(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.probeOnce(ctx)
			}
		}
	}()
}

// Stop halts the background prober; safe to call multiple times.
func (c *Cluster) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *Cluster) probeOnce(ctx context.Context) {
	now := time.Now()
	for _, ep := range c.endpoints {
		status, _, _, _ := ep.Status()
		if status == Healthy {
			continue
		}
		if !c.limiter.Allow() {
			return
		}
		go c.probeEndpoint(ctx, ep, now)
	}
}

func (c *Cluster) probeEndpoint(ctx context.Context, ep *Endpoint, now time.Time) {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	addr := net.JoinHostPort(ep.Host, portString(ep.Port))
	dialer := &tls.Dialer{Config: &tls.Config{ServerName: ep.SNI, InsecureSkipVerify: !ep.Verify}}
	conn, err := dialer.DialContext(pctx, "tcp", addr)
	if err != nil {
		c.logger.Log("probe", ep.Host, "result", "fail", "err", err)
		return
	}
	_ = conn.Close()
	ep.markSuccess(now)
	c.logger.Log("probe", ep.Host, "result", "ok")
}

// ResolveHost resolves host to its candidate A records (IPv4 only; no
// AAAA query is made) using an
// explicit DNS query against cfg.ResolverAddr (spec §4.8's dependency on
// explicit resolution rather than the OS resolver, so clustering can
// keep its own timeout and retry policy independent of libc). If
// ResolverAddr is empty, the caller should fall back to ordinary dialing
// (which resolves via the OS).
func (c *Cluster) ResolveHost(ctx context.Context, host string) ([]net.IP, error) {
	if c.cfg.ResolverAddr == "" {
		return nil, errs.New(errs.KindConfig, "no resolver configured", nil)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)

	client := new(dns.Client)
	client.Timeout = c.cfg.ProbeTimeout

	resp, _, err := client.ExchangeContext(ctx, msg, c.cfg.ResolverAddr)
	if err != nil {
		return nil, errs.Wrap(errs.KindDNS, err, "resolve %s via %s", host, c.cfg.ResolverAddr)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errs.New(errs.KindDNS, fmt.Sprintf("resolve %s: rcode %d", host, resp.Rcode), nil)
	}

	var ips []net.IP
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}
	if len(ips) == 0 {
		return nil, errs.New(errs.KindDNS, fmt.Sprintf("no A records for %s", host), nil)
	}
	return ips, nil
}

func portString(p uint16) string {
	return fmt.Sprintf("%d", p)
}

func defaultIntn(n int) int {
	return int(time.Now().UnixNano() % int64(n))
}
