package pager

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/nyxdb/zero/internal/errs"
)

// Volume header occupies page 0, with stnode_p at page 1 and data pages
// from page 2 on (see package doc in page.go). The
// layout below generalizes the teacher's Superblock
// (internal/storage/pager/superblock.go, page 0 = magic/version/page
// size/roots/checkpoint LSN/next ids) from a single-store catalog root to
// the alloc-cache/stnode-cache root pair spec §4.4/§4.6 need.
const (
	volMagic        = "ZEROVOL1"
	volHdrMagicOff  = PageHeaderSize
	volHdrVerOff    = volHdrMagicOff + 8
	volHdrPageSzOff = volHdrVerOff + 4
	volHdrPageCtOff = volHdrPageSzOff + 4
	volHdrAllocOff  = volHdrPageCtOff + 8
	volHdrStnodeOff = volHdrAllocOff + 4
	volHdrCkptOff   = volHdrStnodeOff + 4
	volHdrNextPIDOf = volHdrCkptOff + 8

	volFormatVersion uint32 = 1

	stnodePID PageID = 1 // fixed location, per package doc
)

// VolumeHeader is the parsed contents of page 0.
type VolumeHeader struct {
	PageSize      uint32
	PageCount     uint64
	AllocRootPID  PageID
	StnodeRootPID PageID
	CheckpointLSN LSN
	NextPageID    PageID
}

func marshalVolumeHeader(h *VolumeHeader, pageSize int) []byte {
	buf := NewPage(pageSize, TagAlloc, InvalidPageID, 0)
	copy(buf[volHdrMagicOff:volHdrMagicOff+8], volMagic)
	binary.LittleEndian.PutUint32(buf[volHdrVerOff:], volFormatVersion)
	binary.LittleEndian.PutUint32(buf[volHdrPageSzOff:], h.PageSize)
	binary.LittleEndian.PutUint64(buf[volHdrPageCtOff:], h.PageCount)
	binary.LittleEndian.PutUint32(buf[volHdrAllocOff:], uint32(h.AllocRootPID))
	binary.LittleEndian.PutUint32(buf[volHdrStnodeOff:], uint32(h.StnodeRootPID))
	binary.LittleEndian.PutUint64(buf[volHdrCkptOff:], uint64(h.CheckpointLSN))
	binary.LittleEndian.PutUint32(buf[volHdrNextPIDOf:], uint32(h.NextPageID))
	SetPageCRC(buf)
	return buf
}

func unmarshalVolumeHeader(buf []byte) (*VolumeHeader, error) {
	if len(buf) < MinPageSize {
		return nil, fmt.Errorf("volume header too small: %d bytes", len(buf))
	}
	if err := VerifyPageCRC(buf); err != nil {
		return nil, errs.ErrChecksumMismatch
	}
	if string(buf[volHdrMagicOff:volHdrMagicOff+8]) != volMagic {
		return nil, fmt.Errorf("not a zero volume file")
	}
	return &VolumeHeader{
		PageSize:      binary.LittleEndian.Uint32(buf[volHdrPageSzOff:]),
		PageCount:     binary.LittleEndian.Uint64(buf[volHdrPageCtOff:]),
		AllocRootPID:  PageID(binary.LittleEndian.Uint32(buf[volHdrAllocOff:])),
		StnodeRootPID: PageID(binary.LittleEndian.Uint32(buf[volHdrStnodeOff:])),
		CheckpointLSN: LSN(binary.LittleEndian.Uint64(buf[volHdrCkptOff:])),
		NextPageID:    PageID(binary.LittleEndian.Uint32(buf[volHdrNextPIDOf:])),
	}, nil
}

// Volume is the file-backed page store of spec §4.4: "read_page,
// read_many_pages, write_many_pages; alloc_a_page/deallocate_page/
// create_store delegate to the alloc and stnode caches." It generalizes
// the teacher's os.File-based page I/O (internal/storage/pager/pager.go)
// plus its Superblock (superblock.go) into the volume-header + alloc-cache
// + stnode-cache trio spec §4.6 describes.
type Volume struct {
	mu       sync.RWMutex
	f        *os.File
	pageSize int
	hdr      *VolumeHeader
	alloc    *AllocCache
	stnodes  *StnodeCache

	failNext error // failure-simulation hook, spec §4.4/§10 ("sm options: a failure-simulation hook")
}

// CreateVolume formats a brand new volume file.
func CreateVolume(path string, pageSize int) (*Volume, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create volume: %w", err)
	}
	hdr := &VolumeHeader{
		PageSize:      uint32(pageSize),
		PageCount:     2,
		AllocRootPID:  InvalidPageID,
		StnodeRootPID: stnodePID,
		NextPageID:    2,
	}
	if _, err := f.WriteAt(marshalVolumeHeader(hdr, pageSize), 0); err != nil {
		f.Close()
		return nil, err
	}
	stPage := InitStnodePage(make([]byte, pageSize), stnodePID)
	if _, err := f.WriteAt(stPage.Bytes(), int64(pageSize)); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	v := &Volume{f: f, pageSize: pageSize, hdr: hdr, alloc: NewAllocCache(2), stnodes: NewStnodeCache()}
	return v, nil
}

// OpenVolume opens an existing volume file and rebuilds its caches.
func OpenVolume(path string) (*Volume, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open volume: %w", err)
	}
	hdrBuf := make([]byte, MinPageSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		f.Close()
		return nil, err
	}
	hdr, err := unmarshalVolumeHeader(hdrBuf)
	if err != nil {
		f.Close()
		return nil, err
	}
	buf := make([]byte, hdr.PageSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, err
	}
	hdr, err = unmarshalVolumeHeader(buf)
	if err != nil {
		f.Close()
		return nil, err
	}
	v := &Volume{f: f, pageSize: int(hdr.PageSize), hdr: hdr, alloc: NewAllocCache(2), stnodes: NewStnodeCache()}
	if err := v.rebuildCaches(); err != nil {
		f.Close()
		return nil, err
	}
	return v, nil
}

func (v *Volume) rebuildCaches() error {
	stBuf := make([]byte, v.pageSize)
	if _, err := v.f.ReadAt(stBuf, int64(v.pageSize)); err != nil {
		return err
	}
	v.stnodes.LoadFromPages([]*StnodePage{WrapStnodePage(stBuf)}, StnodeCapacity(v.pageSize))
	return nil
}

// SimulateFailure arranges for the next I/O operation to return err,
// exercising the restore coordinator and retry paths without needing a
// real crash.
func (v *Volume) SimulateFailure(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failNext = err
}

func (v *Volume) takeFailure() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failNext != nil {
		err := v.failNext
		v.failNext = nil
		return err
	}
	return nil
}

// ReadPage reads one page by id.
func (v *Volume) ReadPage(pid PageID) ([]byte, error) {
	if err := v.takeFailure(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	buf := make([]byte, v.pageSize)
	if _, err := v.f.ReadAt(buf, int64(pid)*int64(v.pageSize)); err != nil {
		return nil, errs.ErrVolumeFailed
	}
	return buf, nil
}

// ReadManyPages reads a contiguous run [first, first+n).
func (v *Volume) ReadManyPages(first PageID, n int) ([][]byte, error) {
	pages := make([][]byte, n)
	for i := 0; i < n; i++ {
		buf, err := v.ReadPage(first + PageID(i))
		if err != nil {
			return nil, err
		}
		pages[i] = buf
	}
	return pages, nil
}

// WriteManyPages writes a batch of (possibly non-contiguous) pages, as
// the cleaner does when flushing a cluster (spec §4.9).
func (v *Volume) WriteManyPages(pages map[PageID][]byte) error {
	if err := v.takeFailure(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for pid, buf := range pages {
		if _, err := v.f.WriteAt(buf, int64(pid)*int64(v.pageSize)); err != nil {
			return errs.ErrVolumeFailed
		}
	}
	return v.f.Sync()
}

// AllocCache exposes the volume's allocation shadow directly, for
// CreateBTree, which takes it as a constructor argument rather than going
// through AllocAPage one page at a time.
func (v *Volume) AllocCache() *AllocCache { return v.alloc }

// Stnodes exposes the volume's store directory shadow directly, for
// CreateBTree and similar constructors.
func (v *Volume) Stnodes() *StnodeCache { return v.stnodes }

// AllocAPage hands out a fresh page id via the alloc cache.
func (v *Volume) AllocAPage() PageID { return v.alloc.Allocate() }

// DeallocatePage returns a page id to the free pool.
func (v *Volume) DeallocatePage(pid PageID) { v.alloc.Deallocate(pid) }

// CreateStore registers a new store whose root is the given, already
// allocated page.
func (v *Volume) CreateStore(rootPID PageID) StoreID { return v.stnodes.CreateStore(rootPID) }

// RootPID returns a store's current root page.
func (v *Volume) RootPID(id StoreID) (PageID, error) { return v.stnodes.GetRootPID(id) }

// SetRootPID updates a store's root page after a root split.
func (v *Volume) SetRootPID(id StoreID, pid PageID) error { return v.stnodes.SetRootPID(id, pid) }

// PageSize returns the volume's fixed page size.
func (v *Volume) PageSize() int { return v.pageSize }

// Close closes the underlying file without syncing it first.
func (v *Volume) Close() error { return v.f.Close() }
