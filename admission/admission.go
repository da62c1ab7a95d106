// Package admission gates connect attempts with a concurrency cap and
// a sliding-window rate limit, and computes the façade's retry backoff
// schedule (spec §4.7).
package admission

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/devstroop/vpnse/errs"
)

// Limits configures the Gate and Policy (spec §3 AdmissionState.limits).
type Limits struct {
	MaxConcurrent int
	MaxPerWindow  int
	WindowLen     time.Duration
	MaxRetries    int
	RetryBaseMs   int64
	RetryFactor   float64
	RetryCapMs    int64
}

func (l Limits) withDefaults() Limits {
	if l.MaxConcurrent <= 0 {
		l.MaxConcurrent = 8
	}
	if l.MaxPerWindow <= 0 {
		l.MaxPerWindow = 10
	}
	if l.WindowLen <= 0 {
		l.WindowLen = 60 * time.Second
	}
	if l.MaxRetries <= 0 {
		l.MaxRetries = 5
	}
	if l.RetryBaseMs <= 0 {
		l.RetryBaseMs = 500
	}
	if l.RetryFactor <= 0 {
		l.RetryFactor = 2.0
	}
	if l.RetryCapMs <= 0 {
		l.RetryCapMs = 30_000
	}
	return l
}

// Gate is the admission state shared by every connect attempt made
// through it: a concurrency cap plus a sliding window of recent attempt
// timestamps (spec §3 AdmissionState). client.New builds one Gate per
// Client, so its limits apply to each Client separately, not across
// the whole process.
type Gate struct {
	limits Limits
	sem    *semaphore.Weighted

	mu       sync.Mutex
	attempts []time.Time // ring-ish slice of timestamps within the window
	active   int
}

// NewGate builds a Gate from limits, filling in spec defaults for any
// zero field.
func NewGate(limits Limits) *Gate {
	l := limits.withDefaults()
	return &Gate{
		limits: l,
		sem:    semaphore.NewWeighted(int64(l.MaxConcurrent)),
	}
}

// Grant is returned by Acquire; call Release when the Session it
// represents leaves the active set (Closed or Failed).
type Grant struct {
	gate *Gate
}

// Release frees the concurrency slot this Grant holds. Safe to call at
// most once; a second call is a no-op.
func (g *Grant) Release() {
	if g == nil || g.gate == nil {
		return
	}
	g.gate.sem.Release(1)
	g.gate.mu.Lock()
	g.gate.active--
	g.gate.mu.Unlock()
	g.gate = nil
}

// Acquire evaluates the admission gate before a connect attempt (spec
// §4.7): evicts attempts outside the window, checks the concurrency
// cap, then the rate limit, and on success records the attempt and
// returns a Grant the caller must Release.
func (g *Gate) Acquire() (*Grant, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	g.evict(now)

	if !g.sem.TryAcquire(1) {
		return nil, errs.New(errs.KindConnectionLimitReached, "max_concurrent reached", nil)
	}

	if len(g.attempts) >= g.limits.MaxPerWindow {
		oldest := g.attempts[0]
		retryAfter := g.limits.WindowLen - now.Sub(oldest)
		if retryAfter < 0 {
			retryAfter = 0
		}
		g.sem.Release(1)
		return nil, errs.New(errs.KindRateLimited, "max_per_window reached", nil).
			WithRetryAfter(retryAfter.Milliseconds())
	}

	g.attempts = append(g.attempts, now)
	g.active++
	return &Grant{gate: g}, nil
}

// evict drops attempt timestamps older than WindowLen; caller holds mu.
func (g *Gate) evict(now time.Time) {
	cutoff := now.Add(-g.limits.WindowLen)
	i := 0
	for i < len(g.attempts) && g.attempts[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		g.attempts = g.attempts[i:]
	}
}

// Active returns the current count of in-flight grants (for Status
// reporting).
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Policy computes the retry-loop backoff schedule (spec §4.7).
type Policy struct {
	limits Limits
}

func NewPolicy(limits Limits) Policy {
	return Policy{limits: limits.withDefaults()}
}

// Delay returns the backoff before retry attempt n (0-indexed):
// min(retry_cap_ms, retry_base_ms * retry_factor^n) scaled by a
// full-jitter multiplier in [0.5, 1.0].
func (p Policy) Delay(n int) time.Duration {
	base := float64(p.limits.RetryBaseMs) * pow(p.limits.RetryFactor, n)
	capped := base
	if capped > float64(p.limits.RetryCapMs) {
		capped = float64(p.limits.RetryCapMs)
	}
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(capped*jitter) * time.Millisecond
}

// MaxRetries is the attempt bound the façade's retry loop stops at.
func (p Policy) MaxRetries() int { return p.limits.MaxRetries }

func pow(base float64, n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= base
	}
	return result
}

// ShouldRetry reports whether the façade should attempt another
// connect after err: certain kinds are fatal and break the loop
// immediately regardless of remaining attempts (spec §4.7).
func ShouldRetry(ctx context.Context, err error, attemptsMade int, policy Policy) bool {
	if ctx.Err() != nil {
		return false
	}
	if errs.Fatal(err) {
		return false
	}
	if attemptsMade >= policy.MaxRetries() {
		return false
	}
	return errs.Retryable(err)
}
