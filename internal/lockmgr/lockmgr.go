// Package lockmgr implements the OKVL (ordered key-value locking) scheme of
// spec §5: every lock request names a resource (store, key) pair plus a
// key mode and a gap mode, and compatibility is computed as the pairwise
// conjunction of the two. It generalizes the teacher's channel/worker-pool
// concurrency style (internal/storage/concurrency.go's WorkerPool,
// semaphore-backed admission control) from generic read/write work queues
// to per-resource wait queues keyed by a lock hash bucket.
package lockmgr

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nyxdb/zero/internal/errs"
)

// KeyMode is the lock mode held on the key itself, per spec §5's OKVL
// table (N, S, X, IS, IX, SIX); the gap (range) part is the separate
// GapMode.
type KeyMode uint8

const (
	KeyN KeyMode = iota
	KeyS
	KeyX
	KeyIS
	KeyIX
	KeySIX
)

// GapMode is the lock mode held on the gap preceding the key, used to
// protect phantom inserts (spec §5 "next-key locking").
type GapMode uint8

const (
	GapN GapMode = iota
	GapS
	GapX
)

// compatKey[a][b] reports whether a granted KeyMode a is compatible with a
// requested KeyMode b.
var compatKey = map[KeyMode]map[KeyMode]bool{
	KeyN:   {KeyN: true, KeyS: true, KeyX: true, KeyIS: true, KeyIX: true, KeySIX: true},
	KeyS:   {KeyN: true, KeyS: true, KeyIS: true},
	KeyX:   {KeyN: true},
	KeyIS:  {KeyN: true, KeyS: true, KeyIS: true, KeyIX: true, KeySIX: true},
	KeyIX:  {KeyN: true, KeyIS: true, KeyIX: true},
	KeySIX: {KeyN: true, KeyIS: true},
}

var compatGap = map[GapMode]map[GapMode]bool{
	GapN: {GapN: true, GapS: true, GapX: true},
	GapS: {GapN: true, GapS: true},
	GapX: {GapN: true},
}

// storeLock is the per-StoreID counting intent lock spec §4.8 names LIL
// (the logical index lock layered above OKVL's per-key table): every key
// acquisition against a store takes a shared intent count here first, so
// a store-wide exclusive request (index drop/rebuild) can wait for that
// count to drain instead of racing every in-flight key lock individually.
type storeLock struct {
	mu     sync.Mutex
	cond   *sync.Cond
	shared int
	excl   bool
}

// StoreLocks is the LIL table: one counting intent lock per StoreID,
// created lazily on first use.
type StoreLocks struct {
	mu   sync.Mutex
	byID map[uint32]*storeLock
}

func NewStoreLocks() *StoreLocks {
	return &StoreLocks{byID: make(map[uint32]*storeLock)}
}

func (s *StoreLocks) get(store uint32) *storeLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byID[store]
	if !ok {
		l = &storeLock{}
		l.cond = sync.NewCond(&l.mu)
		s.byID[store] = l
	}
	return l
}

// AcquireIntent takes a shared intent count on store, blocking while a
// store-wide exclusive lock is held. Every Manager.Acquire takes one of
// these automatically; ReleaseIntent must be called exactly once per
// AcquireIntent.
func (s *StoreLocks) AcquireIntent(store uint32) {
	l := s.get(store)
	l.mu.Lock()
	for l.excl {
		l.cond.Wait()
	}
	l.shared++
	l.mu.Unlock()
}

func (s *StoreLocks) ReleaseIntent(store uint32) {
	l := s.get(store)
	l.mu.Lock()
	l.shared--
	if l.shared == 0 {
		l.cond.Broadcast()
	}
	l.mu.Unlock()
}

// AcquireExclusive blocks until every outstanding intent on store has
// drained, then holds the store exclusively — for operations (index
// drop/rebuild) that must not race any in-flight key lock on the store.
func (s *StoreLocks) AcquireExclusive(store uint32) {
	l := s.get(store)
	l.mu.Lock()
	for l.excl || l.shared > 0 {
		l.cond.Wait()
	}
	l.excl = true
	l.mu.Unlock()
}

func (s *StoreLocks) ReleaseExclusive(store uint32) {
	l := s.get(store)
	l.mu.Lock()
	l.excl = false
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Holder identifies a transaction asking for (or holding) a lock.
type Holder uint64

// Request names one lock ask: a store+key resource plus both halves of an
// OKVL mode.
type Request struct {
	Store uint32
	Key   []byte
	Key_  KeyMode
	Gap   GapMode
}

type grant struct {
	holder Holder
	key    KeyMode
	gap    GapMode
}

// resource is the per-key lock state: a small list of current grants,
// protected by its own mutex so unrelated keys never contend. The
// waiters field is not used; blocked callers poll with backoff in Acquire.
type resource struct {
	mu      sync.Mutex
	grants  []grant
	waiters []chan struct{}
}

// Config tunes retry behavior for contended acquisitions.
type Config struct {
	Buckets    int
	RetryLimit int
}

func (c *Config) setDefaults() {
	if c.Buckets == 0 {
		c.Buckets = 1024
	}
	if c.RetryLimit == 0 {
		c.RetryLimit = 8
	}
}

// Manager is the lock table, sharded into a fixed number of buckets by a
// hash of (store, key) so independent keys don't serialize through one
// map.
type Manager struct {
	cfg     Config
	buckets []*resourceBucket
	stores  *StoreLocks

	mu         sync.Mutex // protects waitFor/heldBy/heldStores only
	waitFor    map[Holder]map[Holder]bool
	heldBy     map[Holder][]*resource
	heldStores map[Holder]map[uint32]int
}

type resourceBucket struct {
	mu   sync.Mutex
	byID map[string]*resource
}

// NewManager builds a lock table with cfg.Buckets independent shards.
func NewManager(cfg Config) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:        cfg,
		buckets:    make([]*resourceBucket, cfg.Buckets),
		stores:     NewStoreLocks(),
		waitFor:    make(map[Holder]map[Holder]bool),
		heldBy:     make(map[Holder][]*resource),
		heldStores: make(map[Holder]map[uint32]int),
	}
	for i := range m.buckets {
		m.buckets[i] = &resourceBucket{byID: make(map[string]*resource)}
	}
	return m
}

func resourceKey(store uint32, key []byte) string {
	return string(append([]byte{byte(store), byte(store >> 8), byte(store >> 16), byte(store >> 24)}, key...))
}

func (m *Manager) bucketFor(store uint32, key []byte) *resourceBucket {
	h := fnv.New32a()
	h.Write([]byte(resourceKey(store, key)))
	return m.buckets[h.Sum32()%uint32(m.cfg.Buckets)]
}

func (m *Manager) resourceFor(store uint32, key []byte) *resource {
	b := m.bucketFor(store, key)
	id := resourceKey(store, key)
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.byID[id]
	if !ok {
		r = &resource{}
		b.byID[id] = r
	}
	return r
}

// Acquire attempts to grant req to holder, blocking (with exponential
// backoff between polls, via cenkalti/backoff/v4, the same library the
// engine wires in elsewhere for retryable environmental errors) up to
// cfg.RetryLimit attempts; it fails with errs.ErrLockRetry, errs.ErrDeadlock
// or errs.ErrTimeout.
func (m *Manager) Acquire(ctx context.Context, holder Holder, req Request) error {
	m.stores.AcquireIntent(req.Store)
	r := m.resourceFor(req.Store, req.Key)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxInterval = 20 * time.Millisecond

	for attempt := 0; attempt < m.cfg.RetryLimit; attempt++ {
		if m.tryGrant(r, holder, req) {
			m.trackHeld(holder, r, req.Store)
			return nil
		}
		select {
		case <-ctx.Done():
			m.stores.ReleaseIntent(req.Store)
			return errs.ErrTimeout
		case <-time.After(bo.NextBackOff()):
		}
	}
	m.stores.ReleaseIntent(req.Store)
	if m.hasCycle(holder) {
		return errs.ErrDeadlock
	}
	return errs.ErrLockRetry
}

// AcquireStoreExclusive blocks until no key lock is outstanding against
// store, then takes the LIL exclusive mode spec §4.8 reserves for
// whole-store operations (index drop/rebuild).
func (m *Manager) AcquireStoreExclusive(store uint32) { m.stores.AcquireExclusive(store) }

// ReleaseStoreExclusive releases a lock taken by AcquireStoreExclusive.
func (m *Manager) ReleaseStoreExclusive(store uint32) { m.stores.ReleaseExclusive(store) }

func (m *Manager) tryGrant(r *resource, holder Holder, req Request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.grants {
		if g.holder == holder {
			continue
		}
		if !compatKey[g.key][req.Key_] || !compatGap[g.gap][req.Gap] {
			m.recordWait(holder, g.holder)
			return false
		}
	}
	r.grants = append(r.grants, grant{holder: holder, key: req.Key_, gap: req.Gap})
	m.clearWait(holder)
	return true
}

func (m *Manager) trackHeld(holder Holder, r *resource, store uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heldBy[holder] = append(m.heldBy[holder], r)
	if m.heldStores[holder] == nil {
		m.heldStores[holder] = make(map[uint32]int)
	}
	m.heldStores[holder][store]++
}

func (m *Manager) recordWait(waiter, blocker Holder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waitFor[waiter] == nil {
		m.waitFor[waiter] = make(map[Holder]bool)
	}
	m.waitFor[waiter][blocker] = true
}

func (m *Manager) clearWait(holder Holder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waitFor, holder)
}

// hasCycle runs a Dreadlock-style DFS over the in-memory wait-for graph
// (spec §5's "cycle detection") to distinguish a genuinely deadlocked
// holder from one that is merely contended.
func (m *Manager) hasCycle(start Holder) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	visited := make(map[Holder]bool)
	var dfs func(h Holder) bool
	dfs = func(h Holder) bool {
		if h == start && visited[h] {
			return true
		}
		if visited[h] {
			return false
		}
		visited[h] = true
		for next := range m.waitFor[h] {
			if next == start || dfs(next) {
				return true
			}
		}
		return false
	}
	for next := range m.waitFor[start] {
		if dfs(next) {
			return true
		}
	}
	return false
}

// Release drops every grant holder has accumulated (spec §5 "locks are
// released at commit/abort, never earlier under strict 2PL").
func (m *Manager) Release(holder Holder) {
	m.mu.Lock()
	resources := m.heldBy[holder]
	stores := m.heldStores[holder]
	delete(m.heldBy, holder)
	delete(m.heldStores, holder)
	delete(m.waitFor, holder)
	m.mu.Unlock()

	for _, r := range resources {
		r.mu.Lock()
		out := r.grants[:0]
		for _, g := range r.grants {
			if g.holder != holder {
				out = append(out, g)
			}
		}
		r.grants = out
		r.mu.Unlock()
	}
	for store, n := range stores {
		for i := 0; i < n; i++ {
			m.stores.ReleaseIntent(store)
		}
	}
}
