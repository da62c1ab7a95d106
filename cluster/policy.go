package cluster

import (
	"sync/atomic"

	"lukechampine.com/blake3"
)

// Policy picks one endpoint out of a candidate set. Candidates passed
// in are already filtered to non-Quarantined (spec §4.8); implementations
// only need to choose among them.
type Policy interface {
	Select(candidates []*Endpoint, stickyKey string) *Endpoint
}

// RoundRobinPolicy cycles through candidates in the order given,
// ignoring Weight (spec §4.8 policy "round_robin").
type RoundRobinPolicy struct {
	counter uint64
}

func (p *RoundRobinPolicy) Select(candidates []*Endpoint, _ string) *Endpoint {
	if len(candidates) == 0 {
		return nil
	}
	n := atomic.AddUint64(&p.counter, 1) - 1
	return candidates[n%uint64(len(candidates))]
}

// LeastConnectionsPolicy picks the candidate with the fewest active
// connections, breaking ties by input order (spec §4.8 "least_connections").
type LeastConnectionsPolicy struct{}

func (LeastConnectionsPolicy) Select(candidates []*Endpoint, _ string) *Endpoint {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	bestN := best.ActiveConnections()
	for _, c := range candidates[1:] {
		if n := c.ActiveConnections(); n < bestN {
			best, bestN = c, n
		}
	}
	return best
}

// RandomPolicy picks uniformly at random via the injected source func,
// so tests can supply a deterministic one.
type RandomPolicy struct {
	Intn func(n int) int
}

func (p RandomPolicy) Select(candidates []*Endpoint, _ string) *Endpoint {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[p.Intn(len(candidates))]
}

// WeightedRoundRobinPolicy visits candidates proportionally to Weight,
// using the smooth weighted round-robin algorithm (each call picks the
// candidate with the highest current weight, then subtracts the total
// from it and adds its own Weight to everyone). For weights
// {A:1,B:1,C:2} this settles into the fixed deterministic cycle
// C,A,B,C (spec S4 only requires "some fixed deterministic rotation"
// with C picked twice as often as A or B, not a specific ordering).
type WeightedRoundRobinPolicy struct {
	current map[*Endpoint]int
}

func (p *WeightedRoundRobinPolicy) Select(candidates []*Endpoint, _ string) *Endpoint {
	if len(candidates) == 0 {
		return nil
	}
	if p.current == nil {
		p.current = make(map[*Endpoint]int)
	}

	total := 0
	var best *Endpoint
	bestCurrent := 0
	for _, c := range candidates {
		w := int(c.Weight)
		if w <= 0 {
			w = 1
		}
		p.current[c] += w
		total += w
		if best == nil || p.current[c] > bestCurrent {
			best, bestCurrent = c, p.current[c]
		}
	}
	p.current[best] -= total
	return best
}

// ConsistentHashPolicy routes by stickyKey (e.g. a session-sticky key)
// hashed with blake3 into the candidate set, so the same key returns
// the same endpoint across calls as long as the candidate set is
// unchanged (spec §4.8 policy "consistent_hash").
type ConsistentHashPolicy struct{}

func (ConsistentHashPolicy) Select(candidates []*Endpoint, stickyKey string) *Endpoint {
	if len(candidates) == 0 {
		return nil
	}
	sum := blake3.Sum256([]byte(stickyKey))
	var h uint64
	for i := 0; i < 8; i++ {
		h = h<<8 | uint64(sum[i])
	}
	return candidates[h%uint64(len(candidates))]
}
