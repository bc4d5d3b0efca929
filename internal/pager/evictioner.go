package pager

import (
	"math/rand"
	"sync"
)

// EvictionPolicy selects how the evictioner picks a victim frame among
// evictable candidates, per spec §4.9 ("RANDOM, LOOP (plain clock),
// 0CLOCK, CLOCK, GCLOCK, CART").
type EvictionPolicy uint8

const (
	PolicyRandom EvictionPolicy = iota
	PolicyLoop
	Policy0Clock
	PolicyClock
	PolicyGClock
	PolicyCART
)

// clockState is the per-frame bookkeeping a CLOCK-family policy needs: a
// reference bit (and, for GCLOCK, a small hit counter used as the
// reference-cost "cost to refetch" weight).
type clockState struct {
	ref   bool
	hits  uint32
}

// Evictioner picks victim frames for the buffer pool, implementing the
// policy families spec §4.9 lists. It runs no sweep of its own: the
// buffer pool calls PickVictim inline when a fix misses and no frame
// is free.
type Evictioner struct {
	mu       sync.Mutex
	pool     *BufferPool
	policy   EvictionPolicy
	clock    []clockState
	hand     int
	cartT1   map[uint32]bool // CART's T1 (recent) vs T2 (frequent) partition, by frame index
}

// NewEvictioner wires an Evictioner to a pool with the given policy.
func NewEvictioner(pool *BufferPool, policy EvictionPolicy) *Evictioner {
	return &Evictioner{
		pool:   pool,
		policy: policy,
		clock:  make([]clockState, pool.NumFrames()),
		cartT1: make(map[uint32]bool),
	}
}

// Touch records a reference to frame idx, used by LOOP/CLOCK/GCLOCK/CART
// to set the reference bit (or bump the hit counter) on access.
func (e *Evictioner) Touch(idx uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock[idx].ref = true
	e.clock[idx].hits++
}

// isEvictable reports whether a frame can be reclaimed right now, per spec
// §4.3/§4.9: unpinned and unlatched, plus the pool's own exclusion set
// (dirty, root, interior, or mid-split pages never come back true here).
func (e *Evictioner) isEvictable(idx int) bool {
	return e.pool.canEvict(idx)
}

// PickVictim scans candidates (frame indices currently resident, passed
// in by the buffer pool's hash table) and returns one to reclaim, or
// false if none are evictable.
func (e *Evictioner) PickVictim(candidates []int) (int, bool) {
	switch e.policy {
	case PolicyRandom:
		return e.pickRandom(candidates)
	case PolicyCART:
		return e.pickCART(candidates)
	default: // PolicyLoop, Policy0Clock, PolicyClock, PolicyGClock all sweep the clock hand
		return e.pickClock(candidates)
	}
}

func (e *Evictioner) pickRandom(candidates []int) (int, bool) {
	var evictable []int
	for _, c := range candidates {
		if e.isEvictable(c) {
			evictable = append(evictable, c)
		}
	}
	if len(evictable) == 0 {
		return 0, false
	}
	return evictable[rand.Intn(len(evictable))], true
}

// pickClock implements LOOP/0CLOCK/CLOCK/GCLOCK: sweep from the hand,
// clearing reference bits as it passes, stopping at the first unpinned
// frame whose bit is already clear (or, for GCLOCK, whose hit counter has
// decayed to zero).
func (e *Evictioner) pickClock(candidates []int) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(candidates) == 0 {
		return 0, false
	}
	n := len(e.clock)
	for sweeps := 0; sweeps < 2*n+1; sweeps++ {
		idx := e.hand
		e.hand = (e.hand + 1) % n
		if !contains(candidates, idx) {
			continue
		}
		if !e.isEvictable(idx) {
			continue
		}
		st := &e.clock[idx]
		if e.policy == PolicyGClock && st.hits > 0 {
			st.hits--
			continue
		}
		if st.ref {
			st.ref = false
			continue
		}
		return idx, true
	}
	return 0, false
}

// pickCART approximates CART (Clock with Adaptive Replacement): prefer a
// T1 (recently-inserted, not-yet-reused) candidate whose reference bit is
// clear over a T2 (reused/frequent) one, falling back to a clock sweep
// over whatever remains.
func (e *Evictioner) pickCART(candidates []int) (int, bool) {
	e.mu.Lock()
	for _, c := range candidates {
		if e.cartT1[uint32(c)] && e.isEvictable(c) && !e.clock[c].ref {
			delete(e.cartT1, uint32(c))
			e.mu.Unlock()
			return c, true
		}
	}
	e.mu.Unlock()
	return e.pickClock(candidates)
}

// MarkFreshT1 records a just-loaded frame as a CART T1 entry.
func (e *Evictioner) MarkFreshT1(idx uint32) {
	e.mu.Lock()
	e.cartT1[idx] = true
	e.mu.Unlock()
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
