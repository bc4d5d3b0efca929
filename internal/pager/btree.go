package pager

import (
	"bytes"
	"fmt"

	"github.com/nyxdb/zero/internal/errs"
)

// BTree is the Foster B-tree handle of spec §4.11/§4.14: a single-rooted
// tree of BTreePage nodes, reached through the buffer pool so fixes get
// pointer swizzling for free. It generalizes the teacher's BTree
// (internal/storage/pager/btree.go — root handle, findLeaf/insertIntoTree
// walking via the pager) from plain B+Tree splits to foster splits: an
// overflowing page grows a same-level right link instead of blocking on
// a parent update, and a separate adoption step later folds that link
// into the parent.
type BTree struct {
	pool    *BufferPool
	logc    *LogCore
	alloc   *AllocCache
	vol     *Volume
	store   StoreID
	pageSz  int
	overflowThresh int
}

// NewBTree opens a handle to an existing store's tree. vol is used only
// for overflow-page I/O, which bypasses the buffer pool since overflow
// chains are written once and streamed, never repeatedly fixed.
func NewBTree(pool *BufferPool, logc *LogCore, alloc *AllocCache, vol *Volume, store StoreID, pageSize int) *BTree {
	return &BTree{pool: pool, logc: logc, alloc: alloc, vol: vol, store: store, pageSz: pageSize, overflowThresh: overflowThresholdFor(pageSize)}
}

func overflowThresholdFor(pageSize int) int {
	usable := pageSize - btreeSlotDirOff - 64
	t := usable / MaxEntrySizeFraction
	if t < 256 {
		t = 256
	}
	return t
}

// CreateBTree allocates a fresh leaf root page and registers it in the
// stnode cache, returning a ready handle. tid names the SSX that owns
// the allocation for logging purposes.
func CreateBTree(pool *BufferPool, logc *LogCore, alloc *AllocCache, stnodes *StnodeCache, vol *Volume, tid TxID, pageSize int) (*BTree, StoreID, error) {
	rootID := alloc.Allocate()
	logc.Insert(uint64(tid), &LogRecord{Type: RtAllocPage, Tid: tid, PagePID: rootID})

	store := stnodes.CreateStore(rootID)
	logc.Insert(uint64(tid), &LogRecord{Type: RtCreateStore, Tid: tid, PagePID: rootID})

	buf := make([]byte, pageSize)
	InitBTreePage(buf, rootID, store, true)
	lsn, _ := logc.Insert(uint64(tid), &LogRecord{
		Type: RtPageImgFormat, Tid: tid, PagePID: rootID,
		Payload: append([]byte(nil), buf...),
	})
	hdr := UnmarshalHeader(buf)
	hdr.LSN = lsn
	MarshalHeader(&hdr, buf)
	SetPageCRC(buf)
	if err := vol.WriteManyPages(map[PageID][]byte{rootID: buf}); err != nil {
		return nil, 0, err
	}
	pool.MarkRoot(rootID)

	bt := &BTree{pool: pool, logc: logc, alloc: alloc, vol: vol, store: store, pageSz: pageSize, overflowThresh: overflowThresholdFor(pageSize)}
	return bt, store, nil
}

// findLeaf descends from root to the leaf that would contain key,
// following foster pointers first at every level (spec §4.11) and
// releasing each parent latch only after the child is fixed (latch
// coupling). The caller receives the leaf frame still SH-latched and
// pinned; it must Unfix it.
func (bt *BTree) findLeaf(rootPID PageID, key []byte, holder *LatchHolder) (*Frame, error) {
	f, err := bt.pool.FixRoot(rootPID, LatchSH, holder, WaitForever)
	if err != nil {
		return nil, err
	}
	for {
		bp := WrapBTreePage(f.Bytes())
		if bp.IsLeaf() {
			// A leaf can itself carry an unadopted foster pointer (every
			// split past the first installs one, since growRootIfNeeded
			// only promotes the tree when the splitting page is still the
			// root). Follow it the same way an interior page's foster link
			// is followed, or migrated keys become unreachable.
			for bp.HasFoster() && bytes.Compare(key, bp.FosterKey()) >= 0 {
				next, err := bt.pool.FixNonroot(f.PID(), bp.FosterChild(), LatchSH, holder, WaitForever)
				bt.pool.Unfix(f, LatchSH)
				if err != nil {
					return nil, err
				}
				f = next
				bp = WrapBTreePage(f.Bytes())
			}
			return f, nil
		}
		childPID, ptrOff, isFoster := bp.FindChildPtrOff(key)
		var next *Frame
		var ferr error
		if isFoster {
			// The foster link is reassigned by every split/adoption, so it
			// is always re-read fresh rather than swizzled.
			next, ferr = bt.pool.FixNonroot(f.PID(), childPID, LatchSH, holder, WaitForever)
		} else {
			next, ferr = bt.pool.FixFollowingSwizzle(f, ptrOff, LatchSH, holder, WaitForever)
		}
		bt.pool.Unfix(f, LatchSH)
		if ferr != nil {
			return nil, ferr
		}
		f = next
	}
}

// lockLeafForWrite descends to the leaf that should hold key and upgrades
// its latch to EX, re-descending across any foster pointer installed by a
// concurrent split between the SH find and the EX upgrade instead of
// failing outright — a split landing in that window must not strand the
// caller on a leaf that no longer owns key.
func (bt *BTree) lockLeafForWrite(rootPID PageID, key []byte, holder *LatchHolder) (*Frame, error) {
	leaf, err := bt.findLeaf(rootPID, key, holder)
	if err != nil {
		return nil, err
	}
	for {
		if !leaf.latch.Upgrade(holder, WaitForever) {
			bt.pool.Unfix(leaf, LatchSH)
			return nil, errs.ErrTimeout
		}
		bp := WrapBTreePage(leaf.Bytes())
		if !bp.HasFoster() || bytes.Compare(key, bp.FosterKey()) < 0 {
			return leaf, nil
		}
		fosterPID := bp.FosterChild()
		next, err := bt.pool.FixNonroot(leaf.PID(), fosterPID, LatchSH, holder, WaitForever)
		bt.pool.Unfix(leaf, LatchEX)
		if err != nil {
			return nil, err
		}
		leaf = next
	}
}

// Get looks up key, transparently following overflow pages and ghosts
// (a ghost entry is treated as absent by readers outside the deleting
// transaction — this handle has no snapshot concept of its own, so it
// always hides ghosts; the transaction manager is responsible for
// exposing the pre-ghost value to the deleting transaction's own reads
// via its undo chain instead).
func (bt *BTree) Get(rootPID PageID, key []byte, holder *LatchHolder) ([]byte, bool, error) {
	leaf, err := bt.findLeaf(rootPID, key, holder)
	if err != nil {
		return nil, false, err
	}
	defer bt.pool.Unfix(leaf, LatchSH)

	bp := WrapBTreePage(leaf.Bytes())
	pos, found := bp.FindLeafEntry(key)
	if !found {
		return nil, false, nil
	}
	entry := bp.GetLeafEntry(pos)
	if entry.Ghost {
		return nil, false, nil
	}
	if entry.Overflow {
		val, err := bt.readOverflow(entry.OverflowPageID, entry.TotalSize)
		if err != nil {
			return nil, false, err
		}
		return val, true, nil
	}
	return entry.Value, true, nil
}

// Insert adds key/value, splitting the leaf via a foster split (spec
// §4.14's "norec split": allocate a new right page, move the top half of
// entries to it, install a foster pointer + high key on the original
// page) when the leaf has no room. A live (non-ghost) entry already
// occupying key is rejected with ErrDuplicateKey, per spec §4.14 step 2;
// a ghost occupying the slot is replaced in place when it fits, per step
// 3. tid names the owning transaction for undo/redo logging. Use Put to
// upsert instead.
func (bt *BTree) Insert(rootPID PageID, tid TxID, key, value []byte) error {
	return bt.insertOrPut(rootPID, tid, key, value, false)
}

// Put upserts key/value: an existing live entry is overwritten instead
// of rejected, matching spec §4.11's "Put" variant and §8's round-trip
// law ("put(k,v1); put(k,v2) yields v2 under a subsequent lookup(k)").
func (bt *BTree) Put(rootPID PageID, tid TxID, key, value []byte) error {
	return bt.insertOrPut(rootPID, tid, key, value, true)
}

// Update replaces the value of an existing live key, returning
// ErrNotFound if the key is absent or ghosted — the spec §4.14 "Update"
// variant, as distinct from Put's upsert behavior.
func (bt *BTree) Update(rootPID PageID, tid TxID, key, value []byte) error {
	holder := NewLatchHolder()
	leaf, err := bt.lockLeafForWrite(rootPID, key, holder)
	if err != nil {
		return err
	}
	defer bt.pool.Unfix(leaf, LatchEX)

	bp := WrapBTreePage(leaf.Bytes())
	pos, ok := bp.FindLeafEntry(key)
	if !ok {
		return errs.ErrNotFound
	}
	if bp.GetLeafEntry(pos).Ghost {
		return errs.ErrNotFound
	}
	return bt.overwriteAt(leaf, bp, pos, tid, key, value)
}

// Overwrite replaces the value at offset..offset+len(part) of an
// existing live entry's element, the spec §4.14 "Overwrite" variant
// ("replace... a slice of it"). A part that would extend past the
// current value's length grows it.
func (bt *BTree) Overwrite(rootPID PageID, tid TxID, key []byte, offset int, part []byte) error {
	holder := NewLatchHolder()
	leaf, err := bt.lockLeafForWrite(rootPID, key, holder)
	if err != nil {
		return err
	}
	defer bt.pool.Unfix(leaf, LatchEX)

	bp := WrapBTreePage(leaf.Bytes())
	pos, ok := bp.FindLeafEntry(key)
	if !ok {
		return errs.ErrNotFound
	}
	existing := bp.GetLeafEntry(pos)
	if existing.Ghost {
		return errs.ErrNotFound
	}
	if existing.Overflow {
		return fmt.Errorf("overwrite of an overflow value is not supported")
	}
	newLen := offset + len(part)
	if newLen < len(existing.Value) {
		newLen = len(existing.Value)
	}
	value := make([]byte, newLen)
	copy(value, existing.Value)
	copy(value[offset:], part)
	return bt.overwriteAt(leaf, bp, pos, tid, key, value)
}

// overwriteAt replaces the element at an already-located, already
// EX-latched slot with a new value, falling back to remove+insert (spec
// §4.14: "If growing past page capacity, degenerate to remove+insert")
// when the new record no longer fits.
func (bt *BTree) overwriteAt(leaf *Frame, bp *BTreePage, pos int, tid TxID, key, value []byte) error {
	entry := LeafEntry{Key: key, Value: value}
	if len(value) > bt.overflowThresh {
		head, err := bt.writeOverflow(tid, value)
		if err != nil {
			return err
		}
		entry = LeafEntry{Key: key, Overflow: true, OverflowPageID: head, TotalSize: uint32(len(value))}
	}
	payload := marshalLeafRecord(entry)

	old := bp.getSlotEntry(pos)
	if int(old.Length) < len(payload) && bp.freeSpace()+int(old.Length) < len(payload) {
		bp.removeSlotAt(pos)
		bp.setKeyCount(bp.KeyCount() - 1)
		if bp.freeSpace() < len(payload) {
			return errs.ErrRecordTooLarge
		}
		lsn, _ := bt.logc.Insert(uint64(tid), &LogRecord{Type: RtBtreeOverwrite, Tid: tid, PagePID: leaf.PID(), PagePrev: leaf.PageLSN(), Payload: payload})
		if _, err := bp.InsertLeafEntry(entry); err != nil {
			return err
		}
		leaf.SetPageLSN(lsn)
		leaf.MarkDirty()
		return nil
	}

	lsn, _ := bt.logc.Insert(uint64(tid), &LogRecord{Type: RtBtreeOverwrite, Tid: tid, PagePID: leaf.PID(), PagePrev: leaf.PageLSN(), Payload: payload})
	if err := bp.UpdateLeafEntry(pos, entry); err != nil {
		return err
	}
	leaf.SetPageLSN(lsn)
	leaf.MarkDirty()
	return nil
}

func (bt *BTree) insertOrPut(rootPID PageID, tid TxID, key, value []byte, upsert bool) error {
	entry := LeafEntry{Key: key}
	if len(value) > bt.overflowThresh {
		head, err := bt.writeOverflow(tid, value)
		if err != nil {
			return err
		}
		entry.Overflow = true
		entry.OverflowPageID = head
		entry.TotalSize = uint32(len(value))
	} else {
		entry.Value = value
	}

	holder := NewLatchHolder()
	leaf, err := bt.lockLeafForWrite(rootPID, key, holder)
	if err != nil {
		return err
	}
	defer bt.pool.Unfix(leaf, LatchEX)

	bp := WrapBTreePage(leaf.Bytes())
	if pos, ok := bp.FindLeafEntry(key); ok {
		existing := bp.GetLeafEntry(pos)
		if !existing.Ghost && !upsert {
			return errs.ErrDuplicateKey
		}
		// A ghost slot, or an upsert of a live entry: replace in place
		// (spec §4.14 step 3, "replace the ghost with the new element").
		payload := marshalLeafRecord(entry)
		old := bp.getSlotEntry(pos)
		if int(old.Length) < len(payload) && bp.freeSpace()+int(old.Length) < len(payload) {
			bp.removeSlotAt(pos)
			bp.setKeyCount(bp.KeyCount() - 1)
			return bt.splitAndInsert(rootPID, leaf, tid, entry)
		}
		lsn, _ := bt.logc.Insert(uint64(tid), &LogRecord{Type: RtBtreeUpdate, Tid: tid, PagePID: leaf.PID(), PagePrev: leaf.PageLSN(), Payload: payload})
		if err := bp.UpdateLeafEntry(pos, entry); err != nil {
			return err
		}
		leaf.SetPageLSN(lsn)
		leaf.MarkDirty()
		return nil
	}

	payload := marshalLeafRecord(entry)
	if bp.freeSpace() < len(payload) {
		return bt.splitAndInsert(rootPID, leaf, tid, entry)
	}

	lsn, _ := bt.logc.Insert(uint64(tid), &LogRecord{Type: RtBtreeInsert, Tid: tid, PagePID: leaf.PID(), PagePrev: leaf.PageLSN(), Payload: payload})
	if _, err := bp.InsertLeafEntry(entry); err != nil {
		return err
	}
	leaf.SetPageLSN(lsn)
	leaf.MarkDirty()
	return nil
}

// splitAndInsert performs a foster split of a full leaf and then inserts
// entry into whichever half it belongs on, per spec §4.14. This is
// logged as a single SSX (FlagSSX) since a crash between allocating the
// foster child and installing its pointer must not leave the page half
// split. When the page being split is the tree's current root, it also
// grows the tree by one level (growRoot) rather than leaving the root
// leaf foster-linked to an unadopted sibling forever — a bare foster
// pointer works as a structure but would never let the root's own level
// advance past 1, which a tree under sustained insert load must do.
func (bt *BTree) splitAndInsert(rootPID PageID, leaf *Frame, tid TxID, entry LeafEntry) error {
	bp := WrapBTreePage(leaf.Bytes())
	all := bp.GetAllLeafEntries()
	mid := len(all) / 2
	if mid == 0 {
		return fmt.Errorf("leaf page cannot be split: single oversized entry")
	}
	rightEntries := all[mid:]
	fosterKey := rightEntries[0].Key

	newPID := bt.alloc.Allocate()
	bt.logc.Insert(uint64(tid), &LogRecord{Type: RtAllocPage, Tid: tid, PagePID: newPID, Flags: FlagSSX})

	rightBuf := make([]byte, bt.pageSz)
	rp := InitBTreePage(rightBuf, newPID, bt.store, true)
	rp.SetFoster(bp.FosterChild(), bp.FosterKey())
	for _, e := range rightEntries {
		if _, err := rp.InsertLeafEntry(e); err != nil {
			return err
		}
	}
	imgLSN, _ := bt.logc.Insert(uint64(tid), &LogRecord{Type: RtPageImgFormat, Tid: tid, PagePID: newPID, Flags: FlagSSX, Payload: append([]byte(nil), rightBuf...)})
	rhdr := UnmarshalHeader(rightBuf)
	rhdr.LSN = imgLSN
	MarshalHeader(&rhdr, rightBuf)
	SetPageCRC(rightBuf)

	// Shrink the original page to its left half and install the foster
	// pointer — this is the atomic moment the split becomes visible.
	bp2 := InitBTreePage(leaf.Bytes(), leaf.PID(), bt.store, true)
	for _, e := range all[:mid] {
		if _, err := bp2.InsertLeafEntry(e); err != nil {
			return err
		}
	}
	bp2.SetFoster(newPID, fosterKey)

	splitPayload := append(append([]byte(nil), u32le(uint32(newPID))...), fosterKey...)
	splitLSN, _ := bt.logc.Insert(uint64(tid), &LogRecord{Type: RtNorecSplit, Tid: tid, PagePID: leaf.PID(), PagePrev: leaf.PageLSN(), Flags: FlagSSX, Payload: splitPayload})
	leaf.SetPageLSN(splitLSN)
	leaf.MarkDirty()

	if bytes.Compare(entry.Key, fosterKey) >= 0 {
		// The new entry belongs on the foster child, which is not tracked
		// by a live Frame yet — write it through to the volume directly,
		// the same way a freshly allocated overflow page is persisted.
		payload := marshalLeafRecord(entry)
		rLSN, _ := bt.logc.Insert(uint64(tid), &LogRecord{Type: RtBtreeInsert, Tid: tid, PagePID: newPID, Payload: payload})
		if _, err := rp.InsertLeafEntry(entry); err != nil {
			return err
		}
		rhdr = UnmarshalHeader(rightBuf)
		rhdr.LSN = rLSN
		MarshalHeader(&rhdr, rightBuf)
		SetPageCRC(rightBuf)
		if err := bt.vol.WriteManyPages(map[PageID][]byte{newPID: rightBuf}); err != nil {
			return err
		}
		return bt.growRootIfNeeded(rootPID, leaf, tid, newPID, fosterKey)
	}

	payload := marshalLeafRecord(entry)
	lLSN, _ := bt.logc.Insert(uint64(tid), &LogRecord{Type: RtBtreeInsert, Tid: tid, PagePID: leaf.PID(), PagePrev: leaf.PageLSN(), Payload: payload})
	if _, err := bp2.InsertLeafEntry(entry); err != nil {
		return err
	}
	leaf.SetPageLSN(lLSN)
	leaf.MarkDirty()
	if err := bt.vol.WriteManyPages(map[PageID][]byte{newPID: rightBuf}); err != nil {
		return err
	}
	return bt.growRootIfNeeded(rootPID, leaf, tid, newPID, fosterKey)
}

// growRootIfNeeded promotes the tree by one level when the page that just
// split is the store's current root: it allocates a fresh interior page,
// makes it pid0=the old root and its sole separator point at the new
// foster sibling, and repoints the store's root at the new page (spec
// §4.14's adoption, applied eagerly to the root rather than waiting for a
// later background pass — see DESIGN.md for the scope this covers versus
// deeper, non-root adoption, which still requires an explicit Adopt call).
func (bt *BTree) growRootIfNeeded(rootPID PageID, splitPage *Frame, tid TxID, newChildPID PageID, fosterKey []byte) error {
	if splitPage.PID() != rootPID {
		return nil
	}
	return bt.growRoot(tid, rootPID, newChildPID, fosterKey)
}

// growRoot allocates a new interior root page above oldRootPID, with
// oldRootPID as pid0 (the catch-all child for keys below every
// separator) and a single separator entry routing keys >= fosterKey to
// newChildPID, then repoints the store at the new page. The old root
// keeps its own foster pointer set (it is harmless — both routes name
// the same child — and clearing it would need its own logged record);
// findLeaf reaches newChildPID either way, through the new root's
// separator or the old root's foster link.
func (bt *BTree) growRoot(tid TxID, oldRootPID, newChildPID PageID, fosterKey []byte) error {
	newRootPID := bt.alloc.Allocate()
	bt.logc.Insert(uint64(tid), &LogRecord{Type: RtAllocPage, Tid: tid, PagePID: newRootPID, Flags: FlagSSX})

	buf := make([]byte, bt.pageSz)
	np := InitBTreePage(buf, newRootPID, bt.store, false)
	np.SetRightChild(oldRootPID)
	if err := np.InsertInternalEntry(InternalEntry{ChildID: newChildPID, Key: fosterKey}); err != nil {
		return err
	}
	imgLSN, _ := bt.logc.Insert(uint64(tid), &LogRecord{Type: RtPageImgFormat, Tid: tid, PagePID: newRootPID, Flags: FlagSSX, Payload: append([]byte(nil), buf...)})
	hdr := UnmarshalHeader(buf)
	hdr.LSN = imgLSN
	MarshalHeader(&hdr, buf)
	SetPageCRC(buf)
	if err := bt.vol.WriteManyPages(map[PageID][]byte{newRootPID: buf}); err != nil {
		return err
	}

	bt.logc.Insert(uint64(tid), &LogRecord{Type: RtFosterAdopt, Tid: tid, PagePID: newRootPID, Payload: marshalInternalRecord(InternalEntry{ChildID: newChildPID, Key: fosterKey})})
	if err := bt.vol.SetRootPID(bt.store, newRootPID); err != nil {
		return err
	}
	bt.pool.MarkRoot(newRootPID)
	bt.pool.UnmarkRoot(oldRootPID)
	return nil
}

// Remove ghost-marks key's entry (spec §4.14 "ghost records: lazily
// deleted"); physical removal happens later via ReclaimGhost once no
// active transaction can observe the old value.
func (bt *BTree) Remove(rootPID PageID, tid TxID, key []byte) error {
	holder := NewLatchHolder()
	leaf, err := bt.lockLeafForWrite(rootPID, key, holder)
	if err != nil {
		return err
	}
	defer bt.pool.Unfix(leaf, LatchEX)

	bp := WrapBTreePage(leaf.Bytes())
	pos, found := bp.FindLeafEntry(key)
	if !found {
		return errs.ErrNotFound
	}
	entry := bp.GetLeafEntry(pos)
	if entry.Ghost {
		return errs.ErrNotFound
	}

	payload := marshalLeafRecord(entry)
	lsn, _ := bt.logc.Insert(uint64(tid), &LogRecord{Type: RtGhostMark, Tid: tid, PagePID: leaf.PID(), PagePrev: leaf.PageLSN(), Payload: payload})
	if err := bp.MarkGhost(pos); err != nil {
		return err
	}
	leaf.SetPageLSN(lsn)
	leaf.MarkDirty()
	return nil
}

// ReclaimGhost physically drops a ghosted key's slot, run once no active
// transaction can still observe the pre-delete value — the spec §4.14
// "ghost-reclaim" operation, as distinct from Remove's lazy ghost-mark.
func (bt *BTree) ReclaimGhost(rootPID PageID, tid TxID, key []byte) error {
	holder := NewLatchHolder()
	leaf, err := bt.lockLeafForWrite(rootPID, key, holder)
	if err != nil {
		return err
	}
	defer bt.pool.Unfix(leaf, LatchEX)

	bp := WrapBTreePage(leaf.Bytes())
	pos, found := bp.FindLeafEntry(key)
	if !found {
		return errs.ErrNotFound
	}
	if !bp.GetLeafEntry(pos).Ghost {
		return errs.ErrNotFound
	}

	lsn, _ := bt.logc.Insert(uint64(tid), &LogRecord{Type: RtGhostReclaim, Tid: tid, PagePID: leaf.PID(), PagePrev: leaf.PageLSN()})
	if err := bp.ReclaimGhost(pos); err != nil {
		return err
	}
	leaf.SetPageLSN(lsn)
	leaf.MarkDirty()
	return nil
}

// Adopt folds a foster child into its parent's separator list by adding
// a normal separator+child entry for it (spec §4.14 "adoption"); it does
// not clear any foster pointer. parentFrame must already be EX-latched by the
// caller; child is the page currently named by parentFrame's (now stale)
// foster pointer.
func (bt *BTree) Adopt(parentFrame *Frame, tid TxID, childPID PageID, separatorKey []byte) error {
	pbp := WrapBTreePage(parentFrame.Bytes())
	entry := InternalEntry{ChildID: childPID, Key: separatorKey}
	payload := marshalInternalRecord(entry)
	lsn, _ := bt.logc.Insert(uint64(tid), &LogRecord{Type: RtFosterAdopt, Tid: tid, PagePID: parentFrame.PID(), PagePrev: parentFrame.PageLSN(), Payload: payload})
	if err := pbp.InsertInternalEntry(entry); err != nil {
		return err
	}
	parentFrame.SetPageLSN(lsn)
	parentFrame.MarkDirty()
	return nil
}

func u32le(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
