package pager

import (
	"sync"
	"sync/atomic"

	"github.com/nyxdb/zero/internal/errs"
)

// Frame is one fixable frame of the buffer pool, per spec §4.2. It
// generalizes the teacher's doubly-linked PageFrame
// (internal/storage/pager/pager.go) by adding a pin count, an EMLSN
// watermark and a per-frame Latch instead of one pool-wide mutex — the
// pool protects only its hash table/free list, not page contents.
type Frame struct {
	latch Latch

	selfIndex uint32 // this frame's fixed index within the pool's frame array
	pid    PageID
	store  StoreID
	buf    []byte
	pin    atomic.Int32
	dirty  atomic.Bool
	pageLSN atomic.Uint64 // LSN of the last update applied to this page
	emlsn   atomic.Uint64 // Expected Min LSN: the oldest LSN a recovery walk must reach
}

func (f *Frame) PID() PageID   { return f.pid }
func (f *Frame) Bytes() []byte { return f.buf }
func (f *Frame) PageLSN() LSN  { return LSN(f.pageLSN.Load()) }
func (f *Frame) SetPageLSN(l LSN) {
	f.pageLSN.Store(uint64(l))
	SetPageCRC(f.buf)
}
func (f *Frame) EMLSN() LSN        { return LSN(f.emlsn.Load()) }
func (f *Frame) SetEMLSN(l LSN)    { f.emlsn.Store(uint64(l)) }
func (f *Frame) MarkDirty()        { f.dirty.Store(true) }
func (f *Frame) IsDirty() bool     { return f.dirty.Load() }
func (f *Frame) clearDirty()       { f.dirty.Store(false) }
func (f *Frame) pinCount() int32   { return f.pin.Load() }
func (f *Frame) isEvictable() bool { return f.pin.Load() == 0 && !f.latch.IsLatched() }

// BufferPoolConfig configures the pool, per spec §4.2/§9
// (sm_bufpoolsize).
type BufferPoolConfig struct {
	NumFrames int
	PageSize  int
}

// swizzleBacklink records where a swizzled child pointer lives so eviction
// can restore the on-disk PageID before the child's frame index is reused.
type swizzleBacklink struct {
	parentIdx uint32
	ptrOff    int
	diskPID   PageID
}

// BufferPool is the fixable-frame buffer pool of spec §4.2: "fix_root,
// fix_nonroot, unfix; pointer swizzling turns a child PageID into a
// direct frame index so repeat traversals skip the hash table." Frame
// slots are a flat array so a swizzled PageID (SwizzledPIDBit set) can
// address a frame by index in O(1) without a lookup.
type BufferPool struct {
	cfg    BufferPoolConfig
	frames []Frame

	mu        sync.Mutex
	byPID     map[PageID]int // unswizzled lookup: disk PageID -> frame index
	freeList  []int
	fetcher   func(PageID) ([]byte, error)
	evictioner *Evictioner
	swizzleOf map[uint32]swizzleBacklink // child frame idx -> its swizzle backlink

	rootsMu sync.Mutex
	roots   map[PageID]bool // B-tree root pages, excluded from eviction
}

// NewBufferPool creates a pool of cfg.NumFrames frames. fetcher loads a
// page's bytes from the volume (or single-page recovery) on a miss.
func NewBufferPool(cfg BufferPoolConfig, fetcher func(PageID) ([]byte, error)) *BufferPool {
	bp := &BufferPool{
		cfg:       cfg,
		frames:    make([]Frame, cfg.NumFrames),
		byPID:     make(map[PageID]int, cfg.NumFrames),
		freeList:  make([]int, cfg.NumFrames),
		fetcher:   fetcher,
		swizzleOf: make(map[uint32]swizzleBacklink),
		roots:     make(map[PageID]bool),
	}
	for i := range bp.freeList {
		bp.freeList[i] = i
		bp.frames[i].selfIndex = uint32(i)
	}
	return bp
}

// SetEvictioner wires the pool's eviction to run through e instead of the
// bare first-evictable-frame fallback. Must be called before the pool sees
// any traffic that could trigger eviction.
func (bp *BufferPool) SetEvictioner(e *Evictioner) { bp.evictioner = e }

// MarkRoot/UnmarkRoot record which pages are currently a store's root, per
// spec §4.3's eviction exclusion set ("never evict a B-tree root").
func (bp *BufferPool) MarkRoot(pid PageID) {
	bp.rootsMu.Lock()
	bp.roots[pid] = true
	bp.rootsMu.Unlock()
}
func (bp *BufferPool) UnmarkRoot(pid PageID) {
	bp.rootsMu.Lock()
	delete(bp.roots, pid)
	bp.rootsMu.Unlock()
}

func (bp *BufferPool) isRoot(pid PageID) bool {
	bp.rootsMu.Lock()
	defer bp.rootsMu.Unlock()
	return bp.roots[pid]
}

// canEvict applies spec §4.3's isEvictable exclusion set on top of the
// frame-local pin/latch check: dirty frames (the cleaner, not eviction,
// is responsible for persisting them), B-tree roots, interior pages (they
// may hold swizzled child pointers with live backlinks) and pages
// currently mid-split (a live foster pointer) are never picked.
func (bp *BufferPool) canEvict(idx int) bool {
	f := &bp.frames[idx]
	if !f.isEvictable() || f.IsDirty() {
		return false
	}
	if bp.isRoot(f.pid) {
		return false
	}
	if len(f.buf) >= PageHeaderSize {
		hdr := UnmarshalHeader(f.buf)
		if hdr.Tag == TagBtree {
			bpg := WrapBTreePage(f.buf)
			if !bpg.IsLeaf() || bpg.HasFoster() {
				return false
			}
		}
	}
	return true
}

func (bp *BufferPool) recordSwizzle(childIdx, parentIdx uint32, ptrOff int, diskPID PageID) {
	bp.mu.Lock()
	bp.swizzleOf[childIdx] = swizzleBacklink{parentIdx: parentIdx, ptrOff: ptrOff, diskPID: diskPID}
	bp.mu.Unlock()
}

// reclaimSwizzle undoes a recorded swizzle before idx's frame is handed to
// another page, restoring the parent's on-disk PageID in place (spec
// §4.3 "unswizzle_and_update_emlsn"). The parent frame is never itself
// evictable while the backlink exists (it is always an interior page),
// so its frame index is stable here without any extra latching.
func (bp *BufferPool) reclaimSwizzle(idx uint32) {
	bp.mu.Lock()
	link, ok := bp.swizzleOf[idx]
	if ok {
		delete(bp.swizzleOf, idx)
	}
	bp.mu.Unlock()
	if !ok {
		return
	}
	UnswizzlePtr(bp.frames[link.parentIdx].buf, link.ptrOff, link.diskPID)
}

// FixRoot fixes a store's root page, identical to FixNonroot except the
// caller has no parent pointer to swizzle against (spec §4.2: "fix_root
// is fix_nonroot without a parent").
func (bp *BufferPool) FixRoot(pid PageID, mode LatchMode, holder *LatchHolder, wait WaitPolicy) (*Frame, error) {
	return bp.FixNonroot(InvalidPageID, pid, mode, holder, wait)
}

// FixNonroot pins and latches the page identified by childPID, which may
// already be a swizzled frame index (spec §4.2 "pointer swizzling"). On a
// miss it loads the page via the fetcher (volume read or single-page
// recovery) and may evict another frame to make room.
func (bp *BufferPool) FixNonroot(parentPID, childPID PageID, mode LatchMode, holder *LatchHolder, wait WaitPolicy) (*Frame, error) {
	var idx int
	if childPID.IsSwizzled() {
		idx = childPID.FrameIndex()
	} else {
		var err error
		idx, err = bp.resolve(childPID)
		if err != nil {
			return nil, err
		}
	}
	f := &bp.frames[idx]
	if !f.latch.Acquire(mode, holder, wait) {
		return nil, errs.ErrTimeout
	}
	f.pin.Add(1)
	if bp.evictioner != nil {
		bp.evictioner.Touch(uint32(idx))
	}
	return f, nil
}

// resolve finds or loads the frame for an on-disk PageID, evicting if the
// pool is full.
func (bp *BufferPool) resolve(pid PageID) (int, error) {
	bp.mu.Lock()
	if idx, ok := bp.byPID[pid]; ok {
		bp.mu.Unlock()
		return idx, nil
	}
	idx, ok := bp.takeFreeFrame()
	bp.mu.Unlock()
	if !ok {
		idx, ok = bp.evictVictim()
		if !ok {
			return 0, errs.ErrBufferFull
		}
	}

	buf, err := bp.fetcher(pid)
	if err != nil {
		bp.frames[idx].pin.Store(0)
		bp.mu.Lock()
		bp.freeList = append(bp.freeList, idx)
		bp.mu.Unlock()
		return 0, err
	}

	f := &bp.frames[idx]
	f.pid = pid
	f.buf = buf
	f.dirty.Store(false)
	hdr := UnmarshalHeader(buf)
	f.pageLSN.Store(uint64(hdr.LSN))
	f.emlsn.Store(uint64(hdr.LSN))
	f.pin.Store(0)

	bp.mu.Lock()
	bp.byPID[pid] = idx
	bp.mu.Unlock()
	if bp.evictioner != nil {
		bp.evictioner.MarkFreshT1(uint32(idx))
	}
	return idx, nil
}

func (bp *BufferPool) takeFreeFrame() (int, bool) {
	if len(bp.freeList) == 0 {
		return 0, false
	}
	idx := bp.freeList[len(bp.freeList)-1]
	bp.freeList = bp.freeList[:len(bp.freeList)-1]
	return idx, true
}

// evictVictim asks the wired Evictioner (evictioner.go) to pick a victim
// among resident frames, falling back to a first-fit scan over canEvict
// when no Evictioner has been set. The chosen frame's pin count is set to
// -1 as a reservation so a concurrent evictVictim cannot double-pick it
// before resolve() claims the slot for its new page, and any swizzled
// pointer pointing at it is undone before its index is handed back.
// Returns false if no frame is currently evictable (spec §4.2 "eBFFULL"
// when the whole pool is pinned, latched, dirty, or structural).
func (bp *BufferPool) evictVictim() (int, bool) {
	bp.mu.Lock()
	candidates := make([]int, 0, len(bp.byPID))
	for _, idx := range bp.byPID {
		candidates = append(candidates, idx)
	}
	bp.mu.Unlock()

	var idx int
	var ok bool
	if bp.evictioner != nil {
		idx, ok = bp.evictioner.PickVictim(candidates)
	} else {
		for _, c := range candidates {
			if bp.canEvict(c) {
				idx, ok = c, true
				break
			}
		}
	}
	if !ok {
		return 0, false
	}

	bp.mu.Lock()
	if !bp.canEvict(idx) {
		// Lost a race against a concurrent fixer between the pick and here.
		bp.mu.Unlock()
		return bp.evictVictim()
	}
	pid := bp.frames[idx].pid
	delete(bp.byPID, pid)
	bp.frames[idx].pin.Store(-1)
	bp.mu.Unlock()

	bp.reclaimSwizzle(uint32(idx))
	return idx, true
}

// Unfix releases a latch previously obtained via FixRoot/FixNonroot and
// decrements the pin count.
func (bp *BufferPool) Unfix(f *Frame, mode LatchMode) {
	switch mode {
	case LatchSH:
		f.latch.ReleaseSH()
	case LatchEX:
		f.latch.ReleaseEX()
	}
	f.pin.Add(-1)
}

// DirtyFrames returns every currently dirty frame, for the cleaner
// (cleaner.go) to flush.
func (bp *BufferPool) DirtyFrames() []*Frame {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	var out []*Frame
	for _, idx := range bp.byPID {
		f := &bp.frames[idx]
		if f.IsDirty() {
			out = append(out, f)
		}
	}
	return out
}

// NumFrames reports the pool's fixed capacity.
func (bp *BufferPool) NumFrames() int { return bp.cfg.NumFrames }
