// Package pager implements the page-oriented mechanics of the Zero storage
// engine: generic page headers, the write-ahead log, the consolidation
// array, the buffer pool with pointer swizzling, the allocation and store
// caches, the page cleaner/evictioner, single-page recovery, and the
// Foster B-tree built on top of all of it.
//
// The on-disk format is a contiguous array of fixed-size pages (default
// 8 KiB): page 0 is the volume header, page 1 is the store-node page, and
// data pages start at page 2; no allocation-bitmap pages are written. Every
// page carries a 32-byte header with its PageID, owning store, tag, last
// applied LSN and a CRC32-C checksum.
package pager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// ───────────────────────────────────────────────────────────────────────────
// Constants
// ───────────────────────────────────────────────────────────────────────────

const (
	// DefaultPageSize is the default page size in bytes (8 KiB), per spec §3.
	DefaultPageSize = 8192

	// MinPageSize is the minimum allowed page size.
	MinPageSize = 4096

	// MaxPageSize is the maximum allowed page size.
	MaxPageSize = 65536

	// PageHeaderSize is the size of the common page header in bytes.
	// Layout:
	//   [0]     Tag        (1 byte)
	//   [1]     Flags      (1 byte, bit0 = t_to_be_deleted)
	//   [2:4]   Reserved   (2 bytes)
	//   [4:8]   PageID     (4 bytes, uint32 LE)
	//   [8:12]  StoreID    (4 bytes, uint32 LE)
	//   [12:20] LSN        (8 bytes, uint64 LE)
	//   [20:24] CRC32      (4 bytes, uint32 LE)
	//   [24:32] Reserved   (8 bytes)
	PageHeaderSize = 32

	// InvalidPageID is the null page pointer. Page 0 is never a data page.
	InvalidPageID PageID = 0

	// SwizzledPIDBit marks a PageID as an in-memory frame index rather
	// than an on-disk page number, per spec §3.
	SwizzledPIDBit PageID = 1 << 31

	// MaxEntrySizeFraction: a single key+element pair is bounded by
	// pageSize/MaxEntrySizeFraction, per spec §3
	// ("bounded by max_entry_size (≈ ½ page)").
	MaxEntrySizeFraction = 2
)

// ───────────────────────────────────────────────────────────────────────────
// Page tags
// ───────────────────────────────────────────────────────────────────────────

// PageTag identifies the kind of data stored on a page, per spec §3
// ("tag ∈ {alloc_p, stnode_p, btree_p}").
type PageTag uint8

const (
	TagAlloc    PageTag = 0x01
	TagStnode   PageTag = 0x02
	TagBtree    PageTag = 0x03
	TagOverflow PageTag = 0x04
)

func (t PageTag) String() string {
	switch t {
	case TagAlloc:
		return "alloc_p"
	case TagStnode:
		return "stnode_p"
	case TagBtree:
		return "btree_p"
	case TagOverflow:
		return "overflow_p"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// PageFlags holds the bits described in spec §3 ("page_flags contains
// t_to_be_deleted").
type PageFlags uint8

const (
	FlagToBeDeleted PageFlags = 1 << 0
)

// ───────────────────────────────────────────────────────────────────────────
// Core identifiers
// ───────────────────────────────────────────────────────────────────────────

// PageID is a 32-bit page identifier, per spec §3. The high bit
// (SwizzledPIDBit) distinguishes a swizzled in-memory frame index from an
// on-disk page number.
type PageID uint32

// IsSwizzled reports whether pid is an in-memory frame index.
func (pid PageID) IsSwizzled() bool { return pid&SwizzledPIDBit != 0 }

// FrameIndex extracts the frame index from a swizzled PageID. The caller
// must have checked IsSwizzled first.
func (pid PageID) FrameIndex() uint32 { return uint32(pid &^ SwizzledPIDBit) }

// SwizzledPageID packs a frame index into a PageID that reads as swizzled.
func SwizzledPageID(frameIdx uint32) PageID {
	return PageID(frameIdx) | SwizzledPIDBit
}

// LSN is a monotonically increasing Log Sequence Number encoding a
// (partition, offset) pair, per spec §3. LSNNull is the bottom value.
type LSN uint64

const LSNNull LSN = 0

// Partition and Offset decode the two halves of an LSN. The partition
// occupies the high 32 bits and the offset the low 32 bits — this keeps
// comparisons total-ordered with plain integer comparison, matching
// spec §3 ("Total-ordered").
func (l LSN) Partition() uint32 { return uint32(l >> 32) }
func (l LSN) Offset() uint32    { return uint32(l) }

// MakeLSN packs a partition number and an in-partition byte offset into
// a single comparable LSN.
func MakeLSN(partition uint32, offset uint32) LSN {
	return LSN(uint64(partition)<<32 | uint64(offset))
}

func (l LSN) String() string { return fmt.Sprintf("%d.%d", l.Partition(), l.Offset()) }

// TxID is a transaction identifier, per spec §3.
type TxID uint64

// StoreID identifies a logical collection of pages on a volume, per
// spec §3. Store 0 is reserved for volume metadata.
type StoreID uint32

// ───────────────────────────────────────────────────────────────────────────
// Page header
// ───────────────────────────────────────────────────────────────────────────

// PageHeader is the 32-byte header present at the start of every page,
// per spec §3 ("Generic page... header {pid, store, tag, lsn, checksum,
// page_flags}").
type PageHeader struct {
	Tag      PageTag
	Flags    PageFlags
	Reserved uint16
	ID       PageID
	Store    StoreID
	LSN      LSN
	CRC      uint32
	Pad      [8]byte
}

// MarshalHeader writes h into the first PageHeaderSize bytes of buf.
func MarshalHeader(h *PageHeader, buf []byte) {
	if len(buf) < PageHeaderSize {
		panic("buffer too small for PageHeader")
	}
	buf[0] = byte(h.Tag)
	buf[1] = byte(h.Flags)
	binary.LittleEndian.PutUint16(buf[2:4], h.Reserved)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.ID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Store))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(h.LSN))
	binary.LittleEndian.PutUint32(buf[20:24], h.CRC)
	copy(buf[24:32], h.Pad[:])
}

// UnmarshalHeader reads a PageHeader from the first PageHeaderSize bytes
// of buf.
func UnmarshalHeader(buf []byte) PageHeader {
	var h PageHeader
	h.Tag = PageTag(buf[0])
	h.Flags = PageFlags(buf[1])
	h.Reserved = binary.LittleEndian.Uint16(buf[2:4])
	h.ID = PageID(binary.LittleEndian.Uint32(buf[4:8]))
	h.Store = StoreID(binary.LittleEndian.Uint32(buf[8:12]))
	h.LSN = LSN(binary.LittleEndian.Uint64(buf[12:20]))
	h.CRC = binary.LittleEndian.Uint32(buf[20:24])
	copy(h.Pad[:], buf[24:32])
	return h
}

// ───────────────────────────────────────────────────────────────────────────
// CRC helpers
// ───────────────────────────────────────────────────────────────────────────

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ComputePageCRC computes the CRC32-C of a full page, treating the CRC
// field (bytes 20..24) as zero during computation.
func ComputePageCRC(page []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(page[:20])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(page[24:])
	return h.Sum32()
}

// SetPageCRC computes and writes the CRC into the page header.
func SetPageCRC(page []byte) {
	binary.LittleEndian.PutUint32(page[20:24], ComputePageCRC(page))
}

// VerifyPageCRC checks the CRC32 checksum of a page, returning a plain
// error describing the mismatch; callers map it to their own error (the
// volume header reader reports errs.ErrChecksumMismatch).
func VerifyPageCRC(page []byte) error {
	stored := binary.LittleEndian.Uint32(page[20:24])
	computed := ComputePageCRC(page)
	if stored != computed {
		pid := PageID(binary.LittleEndian.Uint32(page[4:8]))
		return fmt.Errorf("checksum mismatch on page %d: stored=%08x computed=%08x", pid, stored, computed)
	}
	return nil
}

// NewPage allocates a zeroed page buffer of the given size and writes its
// header.
func NewPage(pageSize int, tag PageTag, id PageID, store StoreID) []byte {
	buf := make([]byte, pageSize)
	h := &PageHeader{Tag: tag, ID: id, Store: store}
	MarshalHeader(h, buf)
	return buf
}
