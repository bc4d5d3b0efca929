package pager

import (
	"encoding/binary"
	"sync"

	"github.com/nyxdb/zero/internal/errs"
)

// stnode_p (spec §4.6) is the volume's store directory: a fixed-size array
// of (root PageID, flags) entries indexed by StoreID. Layout mirrors
// AllocExtentPage's bitmap style — a common header followed by a flat
// array — the same "header + typed array" shape the teacher uses for its
// free-list pages (internal/storage/pager/freelist.go).
const (
	stnodeEntrySize = 4 + 1 // root PageID (uint32 LE) + flags byte
	stnodeDataOff   = PageHeaderSize
)

// StnodeCapacity returns how many store entries fit in one stnode_p page.
func StnodeCapacity(pageSize int) int {
	return (pageSize - stnodeDataOff) / stnodeEntrySize
}

const (
	stnodeFlagAllocated byte = 1 << 0
)

// StnodePage wraps a stnode_p page buffer.
type StnodePage struct{ buf []byte }

func WrapStnodePage(buf []byte) *StnodePage { return &StnodePage{buf: buf} }

func InitStnodePage(buf []byte, id PageID) *StnodePage {
	h := &PageHeader{Tag: TagStnode, ID: id}
	MarshalHeader(h, buf)
	return &StnodePage{buf: buf}
}

func (s *StnodePage) entryOff(i int) int { return stnodeDataOff + i*stnodeEntrySize }

func (s *StnodePage) root(i int) PageID {
	off := s.entryOff(i)
	return PageID(binary.LittleEndian.Uint32(s.buf[off:]))
}

func (s *StnodePage) setRoot(i int, pid PageID) {
	off := s.entryOff(i)
	binary.LittleEndian.PutUint32(s.buf[off:], uint32(pid))
}

func (s *StnodePage) flags(i int) byte { return s.buf[s.entryOff(i)+4] }

func (s *StnodePage) setFlags(i int, f byte) { s.buf[s.entryOff(i)+4] = f }

func (s *StnodePage) Bytes() []byte { return s.buf }

// storeEntry is the in-memory mirror of one stnode_p slot.
type storeEntry struct {
	root      PageID
	allocated bool
}

// StnodeCache is the transactional shadow of the store directory, per
// spec §4.6 ("stnode cache: sx_create_store/get_root_pid/is_allocated").
// Like AllocCache, it logs nothing itself; CreateBTree logs RtCreateStore
// after the shadow is updated.
type StnodeCache struct {
	mu      sync.Mutex
	entries []storeEntry
}

func NewStnodeCache() *StnodeCache { return &StnodeCache{} }

// LoadFromPages rebuilds the cache from on-disk stnode_p pages, each
// holding `capacity` consecutive store slots.
func (sc *StnodeCache) LoadFromPages(pages []*StnodePage, capacity int) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.entries = sc.entries[:0]
	for _, p := range pages {
		for i := 0; i < capacity; i++ {
			sc.entries = append(sc.entries, storeEntry{
				root:      p.root(i),
				allocated: p.flags(i)&stnodeFlagAllocated != 0,
			})
		}
	}
}

// CreateStore allocates the next StoreID, records its root page, and
// returns the id. rootPID is typically a freshly allocated, freshly
// formatted B-tree root page.
func (sc *StnodeCache) CreateStore(rootPID PageID) StoreID {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for i := range sc.entries {
		if !sc.entries[i].allocated {
			sc.entries[i] = storeEntry{root: rootPID, allocated: true}
			return StoreID(i)
		}
	}
	sc.entries = append(sc.entries, storeEntry{root: rootPID, allocated: true})
	return StoreID(len(sc.entries) - 1)
}

// GetRootPID returns the current root page of a store.
func (sc *StnodeCache) GetRootPID(id StoreID) (PageID, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if int(id) >= len(sc.entries) || !sc.entries[id].allocated {
		return InvalidPageID, errs.ErrNotFound
	}
	return sc.entries[id].root, nil
}

// SetRootPID updates a store's root page, used after a root split
// replaces the physical root page id.
func (sc *StnodeCache) SetRootPID(id StoreID, pid PageID) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if int(id) >= len(sc.entries) || !sc.entries[id].allocated {
		return errs.ErrNotFound
	}
	sc.entries[id].root = pid
	return nil
}

// IsAllocated reports whether a store id currently names a live store.
func (sc *StnodeCache) IsAllocated(id StoreID) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return int(id) < len(sc.entries) && sc.entries[id].allocated
}

// DeleteStore marks a store slot free for reuse.
func (sc *StnodeCache) DeleteStore(id StoreID) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if int(id) >= len(sc.entries) || !sc.entries[id].allocated {
		return errs.ErrNotFound
	}
	sc.entries[id] = storeEntry{}
	return nil
}
