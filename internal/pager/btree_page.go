package pager

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Foster B-tree page format, adapted from the teacher's
// internal/storage/pager/btree_page.go (same slotted-record design:
// internal pages hold sorted separator+child-pointer records, leaf pages
// hold sorted key+value records) with the foster relationship spec §4.14
// asks for added on top: every page, leaf or internal, can carry a
// temporary "foster" right link plus the separator key for it. A page
// with a live foster pointer is mid-split — its right half has already
// been physically created as the foster child, but the parent has not
// yet adopted it. Readers follow the foster link transparently; adoption
// (btree.go) gives the parent a real separator+child entry for the same
// page and leaves the foster link itself in place.
//
// Metadata layout after the common PageHeader (offset 32):
//
//	[32]      IsLeaf         (1 byte)
//	[33:35]   KeyCount       (uint16 LE)
//	[35:39]   RightChild     (uint32 LE) — internal pages' pid0 (leftmost child)
//	[39:43]   PrevLeaf       (uint32 LE) — leaf pages' backward sibling
//	[43:47]   FosterChildPID (uint32 LE) — InvalidPageID if not mid-split
//	[47:49]   FosterKeyLen   (uint16 LE)
//	[49:177]  FosterKey      (128-byte fixed slot, first FosterKeyLen bytes live)
//	[177:181] slotted-page SlotCount + FreeSpaceEnd
//	[181:...] slot directory
const (
	btreeMetaOff        = PageHeaderSize // 32
	btreeIsLeafOff      = btreeMetaOff
	btreeKeyCountOff    = btreeMetaOff + 1  // 33
	btreeRightChildOff  = btreeMetaOff + 3  // 35
	btreePrevLeafOff    = btreeMetaOff + 7  // 39
	btreeFosterPIDOff   = btreeMetaOff + 11 // 43
	btreeFosterKeyLenOf = btreeMetaOff + 15 // 47
	btreeFosterKeyOff   = btreeMetaOff + 17 // 49
	btreeFosterKeyMax   = 128
	btreeSlotHdrOff     = btreeFosterKeyOff + btreeFosterKeyMax // 177
	btreeSlotDirOff     = btreeSlotHdrOff + 4                   // 181
)

// Leaf record flags.
const (
	leafFlagOverflow uint16 = 1 << 0
	leafFlagGhost    uint16 = 1 << 1 // spec §4.14 "ghost records: lazily deleted, physically present until reclaimed"
)

// BTreePage wraps a page buffer as a Foster B-tree node.
type BTreePage struct {
	buf      []byte
	pageSize int
}

func WrapBTreePage(buf []byte) *BTreePage { return &BTreePage{buf: buf, pageSize: len(buf)} }

// InitBTreePage initializes a page as an empty Foster B-tree node with no
// foster pointer.
func InitBTreePage(buf []byte, id PageID, store StoreID, leaf bool) *BTreePage {
	h := &PageHeader{Tag: TagBtree, ID: id, Store: store}
	MarshalHeader(h, buf)
	if leaf {
		buf[btreeIsLeafOff] = 1
	} else {
		buf[btreeIsLeafOff] = 0
	}
	binary.LittleEndian.PutUint16(buf[btreeKeyCountOff:], 0)
	binary.LittleEndian.PutUint32(buf[btreeRightChildOff:], uint32(InvalidPageID))
	binary.LittleEndian.PutUint32(buf[btreePrevLeafOff:], uint32(InvalidPageID))
	binary.LittleEndian.PutUint32(buf[btreeFosterPIDOff:], uint32(InvalidPageID))
	binary.LittleEndian.PutUint16(buf[btreeFosterKeyLenOf:], 0)
	binary.LittleEndian.PutUint16(buf[btreeSlotHdrOff:], 0)
	binary.LittleEndian.PutUint16(buf[btreeSlotHdrOff+2:], uint16(len(buf)))
	return &BTreePage{buf: buf, pageSize: len(buf)}
}

func (bp *BTreePage) IsLeaf() bool { return bp.buf[btreeIsLeafOff] == 1 }

func (bp *BTreePage) KeyCount() int { return int(binary.LittleEndian.Uint16(bp.buf[btreeKeyCountOff:])) }
func (bp *BTreePage) setKeyCount(n int) {
	binary.LittleEndian.PutUint16(bp.buf[btreeKeyCountOff:], uint16(n))
}

func (bp *BTreePage) PageID() PageID { return PageID(binary.LittleEndian.Uint32(bp.buf[4:8])) }

// RightChild returns an internal page's pid0: the child for keys below
// every separator entry on the page (spec §3's "pid0 is the leftmost
// child of an interior node").
func (bp *BTreePage) RightChild() PageID {
	return PageID(binary.LittleEndian.Uint32(bp.buf[btreeRightChildOff:]))
}
func (bp *BTreePage) SetRightChild(pid PageID) {
	binary.LittleEndian.PutUint32(bp.buf[btreeRightChildOff:], uint32(pid))
}

func (bp *BTreePage) PrevLeaf() PageID {
	return PageID(binary.LittleEndian.Uint32(bp.buf[btreePrevLeafOff:]))
}
func (bp *BTreePage) SetPrevLeaf(pid PageID) {
	binary.LittleEndian.PutUint32(bp.buf[btreePrevLeafOff:], uint32(pid))
}

// FosterChild returns the page's foster right link, or InvalidPageID if
// the page is not currently mid-split.
func (bp *BTreePage) FosterChild() PageID {
	return PageID(binary.LittleEndian.Uint32(bp.buf[btreeFosterPIDOff:]))
}

// FosterKey returns the separator key between this page's own entries and
// its foster child's entries: keys >= FosterKey belong on the foster side.
func (bp *BTreePage) FosterKey() []byte {
	kl := int(binary.LittleEndian.Uint16(bp.buf[btreeFosterKeyLenOf:]))
	if kl == 0 {
		return nil
	}
	return bp.buf[btreeFosterKeyOff : btreeFosterKeyOff+kl]
}

// SetFoster installs (or clears, with pid==InvalidPageID) a foster
// pointer, per spec §4.14's norec split ("atomically set a foster
// pointer + high key on the original page").
func (bp *BTreePage) SetFoster(pid PageID, key []byte) error {
	if len(key) > btreeFosterKeyMax {
		return fmt.Errorf("foster key of %d bytes exceeds max %d", len(key), btreeFosterKeyMax)
	}
	binary.LittleEndian.PutUint32(bp.buf[btreeFosterPIDOff:], uint32(pid))
	binary.LittleEndian.PutUint16(bp.buf[btreeFosterKeyLenOf:], uint16(len(key)))
	copy(bp.buf[btreeFosterKeyOff:btreeFosterKeyOff+btreeFosterKeyMax], make([]byte, btreeFosterKeyMax))
	copy(bp.buf[btreeFosterKeyOff:], key)
	return nil
}

// HasFoster reports whether the page is currently mid-split.
func (bp *BTreePage) HasFoster() bool { return bp.FosterChild() != InvalidPageID }

func (bp *BTreePage) Bytes() []byte { return bp.buf }

// ── Slotted-page helpers (custom offsets to make room for foster state) ──

func (bp *BTreePage) slotCount() int { return int(binary.LittleEndian.Uint16(bp.buf[btreeSlotHdrOff:])) }
func (bp *BTreePage) setSlotCount(n int) {
	binary.LittleEndian.PutUint16(bp.buf[btreeSlotHdrOff:], uint16(n))
}
func (bp *BTreePage) freeSpaceEnd() int {
	return int(binary.LittleEndian.Uint16(bp.buf[btreeSlotHdrOff+2:]))
}
func (bp *BTreePage) setFreeSpaceEnd(off int) {
	binary.LittleEndian.PutUint16(bp.buf[btreeSlotHdrOff+2:], uint16(off))
}
func (bp *BTreePage) slotDirEnd() int { return btreeSlotDirOff + bp.slotCount()*slotEntrySize }
func (bp *BTreePage) freeSpace() int  { return bp.freeSpaceEnd() - bp.slotDirEnd() - slotEntrySize }
func (bp *BTreePage) getSlotEntry(i int) SlotEntry {
	off := btreeSlotDirOff + i*slotEntrySize
	return SlotEntry{
		Offset: binary.LittleEndian.Uint16(bp.buf[off:]),
		Length: binary.LittleEndian.Uint16(bp.buf[off+2:]),
	}
}
func (bp *BTreePage) setSlotEntry(i int, e SlotEntry) {
	off := btreeSlotDirOff + i*slotEntrySize
	binary.LittleEndian.PutUint16(bp.buf[off:], e.Offset)
	binary.LittleEndian.PutUint16(bp.buf[off+2:], e.Length)
}
func (bp *BTreePage) getRecord(i int) []byte {
	e := bp.getSlotEntry(i)
	if e.Offset == 0 && e.Length == 0 {
		return nil
	}
	return bp.buf[e.Offset : e.Offset+e.Length]
}

func (bp *BTreePage) insertRecordAt(pos int, data []byte) error {
	needed := len(data)
	if bp.freeSpace() < needed {
		return fmt.Errorf("btree page full: need %d, have %d free", needed, bp.freeSpace())
	}
	newEnd := bp.freeSpaceEnd() - needed
	copy(bp.buf[newEnd:], data)
	bp.setFreeSpaceEnd(newEnd)

	sc := bp.slotCount()
	bp.setSlotCount(sc + 1)
	for i := sc; i > pos; i-- {
		bp.setSlotEntry(i, bp.getSlotEntry(i-1))
	}
	bp.setSlotEntry(pos, SlotEntry{Offset: uint16(newEnd), Length: uint16(needed)})
	return nil
}

func (bp *BTreePage) removeSlotAt(pos int) {
	sc := bp.slotCount()
	for i := pos; i < sc-1; i++ {
		bp.setSlotEntry(i, bp.getSlotEntry(i+1))
	}
	bp.setSlotEntry(sc-1, SlotEntry{})
	bp.setSlotCount(sc - 1)
}

// ── Internal page operations ──

// InternalEntry is a separator key plus the child holding keys >= it.
type InternalEntry struct {
	ChildID PageID
	Key     []byte
}

func marshalInternalRecord(entry InternalEntry) []byte {
	rec := make([]byte, 4+2+len(entry.Key))
	binary.LittleEndian.PutUint32(rec[0:4], uint32(entry.ChildID))
	binary.LittleEndian.PutUint16(rec[4:6], uint16(len(entry.Key)))
	copy(rec[6:], entry.Key)
	return rec
}

func unmarshalInternalRecord(rec []byte) InternalEntry {
	child := PageID(binary.LittleEndian.Uint32(rec[0:4]))
	kl := int(binary.LittleEndian.Uint16(rec[4:6]))
	key := make([]byte, kl)
	copy(key, rec[6:6+kl])
	return InternalEntry{ChildID: child, Key: key}
}

func (bp *BTreePage) GetInternalEntry(i int) InternalEntry { return unmarshalInternalRecord(bp.getRecord(i)) }

func (bp *BTreePage) searchInternal(key []byte) int {
	sc := bp.slotCount()
	lo, hi := 0, sc
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(bp.GetInternalEntry(mid).Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// InsertInternalEntry inserts a separator key at its sorted position.
func (bp *BTreePage) InsertInternalEntry(entry InternalEntry) error {
	rec := marshalInternalRecord(entry)
	pos := bp.searchInternal(entry.Key)
	if err := bp.insertRecordAt(pos, rec); err != nil {
		return err
	}
	bp.setKeyCount(bp.KeyCount() + 1)
	return nil
}

// RemoveInternalEntry removes the separator at slot pos (used during
// adoption/de-adoption when a child is merged away).
func (bp *BTreePage) RemoveInternalEntry(pos int) {
	bp.removeSlotAt(pos)
	bp.setKeyCount(bp.KeyCount() - 1)
}

// FindChild returns the child to descend into for key: the foster child
// when key is at or past the foster high key, otherwise the child found
// among the page's own separators (spec §4.11 "traverse foster
// pointer first, then the normal child pointer"). Each InternalEntry's
// ChildID is the child holding keys >= its Key (up to the next, larger
// separator); RightChild is pid0 — the leftmost child, holding keys
// below every separator on the page (named for its layout slot, not its
// role: it is populated first, on a fresh root, before any separator
// exists).
func (bp *BTreePage) FindChild(key []byte) (PageID, bool) {
	if bp.HasFoster() && bytes.Compare(key, bp.FosterKey()) >= 0 {
		return bp.FosterChild(), true
	}
	sc := bp.slotCount()
	for i := sc - 1; i >= 0; i-- {
		e := bp.GetInternalEntry(i)
		if bytes.Compare(key, e.Key) >= 0 {
			return e.ChildID, false
		}
	}
	return bp.RightChild(), false
}

// FindChildPtrOff mirrors FindChild but also returns the absolute byte
// offset of the 4-byte pointer slot that named the chosen child, so a
// caller can swizzle it in place, and whether the chosen route was the
// foster link. The foster link is never swizzled — its target is
// reassigned by every split and adoption, so it is re-read fresh on every
// descent instead of cached as a frame index.
func (bp *BTreePage) FindChildPtrOff(key []byte) (pid PageID, off int, isFoster bool) {
	if bp.HasFoster() && bytes.Compare(key, bp.FosterKey()) >= 0 {
		return bp.FosterChild(), btreeFosterPIDOff, true
	}
	sc := bp.slotCount()
	for i := sc - 1; i >= 0; i-- {
		e := bp.GetInternalEntry(i)
		if bytes.Compare(key, e.Key) >= 0 {
			return e.ChildID, int(bp.getSlotEntry(i).Offset), false
		}
	}
	return bp.RightChild(), btreeRightChildOff, false
}

func (bp *BTreePage) GetAllInternalEntries() []InternalEntry {
	sc := bp.slotCount()
	entries := make([]InternalEntry, sc)
	for i := 0; i < sc; i++ {
		entries[i] = bp.GetInternalEntry(i)
	}
	return entries
}

// ── Leaf page operations ──

// LeafEntry is a key-value pair, possibly a ghost (lazily deleted) or an
// overflow pointer for oversized values.
type LeafEntry struct {
	Key            []byte
	Value          []byte
	Ghost          bool
	Overflow       bool
	OverflowPageID PageID
	TotalSize      uint32
}

func marshalLeafRecord(entry LeafEntry) []byte {
	kl := len(entry.Key)
	var flags uint16
	if entry.Ghost {
		flags |= leafFlagGhost
	}
	if entry.Overflow {
		flags |= leafFlagOverflow
		rec := make([]byte, 2+kl+2+4+4)
		binary.LittleEndian.PutUint16(rec[0:2], uint16(kl))
		copy(rec[2:2+kl], entry.Key)
		off := 2 + kl
		binary.LittleEndian.PutUint16(rec[off:off+2], flags)
		binary.LittleEndian.PutUint32(rec[off+2:off+6], uint32(entry.OverflowPageID))
		binary.LittleEndian.PutUint32(rec[off+6:off+10], entry.TotalSize)
		return rec
	}
	vl := len(entry.Value)
	rec := make([]byte, 2+kl+2+2+vl)
	binary.LittleEndian.PutUint16(rec[0:2], uint16(kl))
	copy(rec[2:2+kl], entry.Key)
	off := 2 + kl
	binary.LittleEndian.PutUint16(rec[off:off+2], flags)
	binary.LittleEndian.PutUint16(rec[off+2:off+4], uint16(vl))
	copy(rec[off+4:], entry.Value)
	return rec
}

func unmarshalLeafRecord(rec []byte) LeafEntry {
	kl := int(binary.LittleEndian.Uint16(rec[0:2]))
	key := make([]byte, kl)
	copy(key, rec[2:2+kl])
	off := 2 + kl
	flags := binary.LittleEndian.Uint16(rec[off : off+2])
	ghost := flags&leafFlagGhost != 0
	if flags&leafFlagOverflow != 0 {
		opid := PageID(binary.LittleEndian.Uint32(rec[off+2 : off+6]))
		ts := binary.LittleEndian.Uint32(rec[off+6 : off+10])
		return LeafEntry{Key: key, Ghost: ghost, Overflow: true, OverflowPageID: opid, TotalSize: ts}
	}
	vl := int(binary.LittleEndian.Uint16(rec[off+2 : off+4]))
	val := make([]byte, vl)
	copy(val, rec[off+4:off+4+vl])
	return LeafEntry{Key: key, Ghost: ghost, Value: val}
}

func (bp *BTreePage) GetLeafEntry(i int) LeafEntry { return unmarshalLeafRecord(bp.getRecord(i)) }

func (bp *BTreePage) searchLeaf(key []byte) int {
	sc := bp.slotCount()
	lo, hi := 0, sc
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(bp.GetLeafEntry(mid).Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// InsertLeafEntry inserts a key-value pair at its sorted position.
func (bp *BTreePage) InsertLeafEntry(entry LeafEntry) (int, error) {
	rec := marshalLeafRecord(entry)
	pos := bp.searchLeaf(entry.Key)
	if err := bp.insertRecordAt(pos, rec); err != nil {
		return -1, err
	}
	bp.setKeyCount(bp.KeyCount() + 1)
	return pos, nil
}

// UpdateLeafEntry replaces the value at slot pos, reusing the slot's
// space when the new record fits.
func (bp *BTreePage) UpdateLeafEntry(pos int, entry LeafEntry) error {
	rec := marshalLeafRecord(entry)
	old := bp.getSlotEntry(pos)
	if int(old.Length) >= len(rec) {
		copy(bp.buf[old.Offset:], rec)
		for j := int(old.Offset) + len(rec); j < int(old.Offset+old.Length); j++ {
			bp.buf[j] = 0
		}
		bp.setSlotEntry(pos, SlotEntry{Offset: old.Offset, Length: uint16(len(rec))})
		return nil
	}
	if bp.freeSpace()+slotEntrySize < len(rec) {
		return fmt.Errorf("leaf page full on update: need %d", len(rec))
	}
	newEnd := bp.freeSpaceEnd() - len(rec)
	copy(bp.buf[newEnd:], rec)
	bp.setFreeSpaceEnd(newEnd)
	bp.setSlotEntry(pos, SlotEntry{Offset: uint16(newEnd), Length: uint16(len(rec))})
	return nil
}

// MarkGhost flips the ghost bit on the entry at pos without removing its
// slot, per spec §4.14's lazy-deletion model.
func (bp *BTreePage) MarkGhost(pos int) error {
	e := bp.GetLeafEntry(pos)
	e.Ghost = true
	return bp.UpdateLeafEntry(pos, e)
}

// ReclaimGhost physically removes a ghost entry's slot; BTree.ReclaimGhost
// calls it.
func (bp *BTreePage) ReclaimGhost(pos int) error {
	e := bp.GetLeafEntry(pos)
	if !e.Ghost {
		return fmt.Errorf("slot %d is not a ghost", pos)
	}
	bp.removeSlotAt(pos)
	bp.setKeyCount(bp.KeyCount() - 1)
	return nil
}

// DeleteLeafEntry removes the entry at pos immediately (bypassing the
// ghost stage) — used by redo of a remove record.
func (bp *BTreePage) DeleteLeafEntry(pos int) error {
	if pos < 0 || pos >= bp.slotCount() {
		return fmt.Errorf("delete: slot %d out of range", pos)
	}
	bp.removeSlotAt(pos)
	bp.setKeyCount(bp.KeyCount() - 1)
	return nil
}

// FindLeafEntry searches this page for an exact key match. A key at or
// past the foster high key is reported as not found; the caller re-dispatches
// to the foster child.
func (bp *BTreePage) FindLeafEntry(key []byte) (int, bool) {
	if bp.HasFoster() && bytes.Compare(key, bp.FosterKey()) >= 0 {
		return -1, false // caller must re-dispatch to the foster child
	}
	pos := bp.searchLeaf(key)
	if pos < bp.slotCount() {
		e := bp.GetLeafEntry(pos)
		if bytes.Equal(e.Key, key) {
			return pos, true
		}
	}
	return -1, false
}

func (bp *BTreePage) GetAllLeafEntries() []LeafEntry {
	sc := bp.slotCount()
	entries := make([]LeafEntry, sc)
	for i := 0; i < sc; i++ {
		entries[i] = bp.GetLeafEntry(i)
	}
	return entries
}

// LiveLeafEntries returns leaf entries excluding ghosts, the view any
// reader outside the deleting transaction should see.
func (bp *BTreePage) LiveLeafEntries() []LeafEntry {
	all := bp.GetAllLeafEntries()
	out := all[:0]
	for _, e := range all {
		if !e.Ghost {
			out = append(out, e)
		}
	}
	return out
}

// redoSlottedMutation reapplies an insert/update/overwrite/ghost-mark
// record idempotently: it looks the entry's key up by position first, so
// replaying the same record twice updates the same slot instead of
// inserting a duplicate (spec §4.10's idempotent-REDO requirement).
func redoSlottedMutation(page []byte, rec *LogRecord) error {
	bp := WrapBTreePage(page)
	entry := unmarshalLeafRecord(rec.Payload)
	if rec.Type == RtGhostMark {
		entry.Ghost = true
	}
	if pos, ok := bp.FindLeafEntry(entry.Key); ok {
		return bp.UpdateLeafEntry(pos, entry)
	}
	_, err := bp.InsertLeafEntry(entry)
	return err
}

// redoSlottedRemove reapplies a remove record: payload is a marshaled
// LeafEntry whose key identifies the slot to drop. A second application
// is a no-op since the key is already gone.
func redoSlottedRemove(page []byte, rec *LogRecord) error {
	bp := WrapBTreePage(page)
	entry := unmarshalLeafRecord(rec.Payload)
	if pos, ok := bp.FindLeafEntry(entry.Key); ok {
		return bp.DeleteLeafEntry(pos)
	}
	return nil
}

// redoFosterStructural reapplies a split/rebalance/de-adopt
// record's foster-pointer effect. Payload layout: 4-byte foster child
// PageID followed by the foster high key. Setting the same foster state
// twice is a no-op by construction.
func redoFosterStructural(page []byte, rec *LogRecord) error {
	bp := WrapBTreePage(page)
	if len(rec.Payload) < 4 {
		return fmt.Errorf("short foster-structural payload")
	}
	pid := PageID(binary.LittleEndian.Uint32(rec.Payload[0:4]))
	key := rec.Payload[4:]
	return bp.SetFoster(pid, key)
}
