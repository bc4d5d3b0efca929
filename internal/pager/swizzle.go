package pager

import "encoding/binary"

// Pointer swizzling (spec §4.2, §4.11): the first time a child page is
// fixed through a parent pointer, the buffer pool replaces the on-disk
// PageID stored in the parent with a SwizzledPageID wrapping the child's
// frame index. Later traversals read the swizzled id straight out of the
// parent's bytes and skip BufferPool.resolve's hash lookup entirely.
//
// SwizzlePtr and UnswizzlePtr operate directly on the little-endian
// uint32 slot a B-tree page stores a child pointer in, so the B-tree
// layer can call them without reaching into BufferPool internals.

// SwizzlePtr overwrites the 4-byte PageID slot at ptrOff in page with a
// swizzled reference to frameIdx.
func SwizzlePtr(page []byte, ptrOff int, frameIdx uint32) {
	binary.LittleEndian.PutUint32(page[ptrOff:ptrOff+4], uint32(SwizzledPageID(frameIdx)))
}

// UnswizzlePtr restores the on-disk PageID at ptrOff, undoing SwizzlePtr.
// BufferPool.reclaimSwizzle calls this before a frame is reused so the parent's
// pointer remains valid once the frame index is reused for another page.
func UnswizzlePtr(page []byte, ptrOff int, diskPID PageID) {
	binary.LittleEndian.PutUint32(page[ptrOff:ptrOff+4], uint32(diskPID))
}

// ReadPtr reads the raw PageID (swizzled or not) out of ptrOff.
func ReadPtr(page []byte, ptrOff int) PageID {
	return PageID(binary.LittleEndian.Uint32(page[ptrOff : ptrOff+4]))
}

// FixFollowingSwizzle resolves a child pointer that may already be
// swizzled, fixing the frame and — on a first-time disk fetch — swizzling
// parent's pointer in place so subsequent traversals skip the hash table.
// The disk PageID and parent location are recorded in bp.swizzleOf so
// eviction can restore the on-disk pointer before the child's frame index
// is handed to another page (see BufferPool.reclaimSwizzle).
func (bp *BufferPool) FixFollowingSwizzle(parent *Frame, ptrOff int, mode LatchMode, holder *LatchHolder, wait WaitPolicy) (*Frame, error) {
	childPID := ReadPtr(parent.Bytes(), ptrOff)
	wasSwizzled := childPID.IsSwizzled()
	f, err := bp.FixNonroot(InvalidPageID, childPID, mode, holder, wait)
	if err != nil {
		return nil, err
	}
	if !wasSwizzled {
		SwizzlePtr(parent.Bytes(), ptrOff, f.selfIndex)
		bp.recordSwizzle(f.selfIndex, parent.selfIndex, ptrOff, childPID)
	}
	return f, nil
}

// UnswizzleForWrite returns a copy of page with every swizzled B-tree
// child pointer restored to its on-disk PageID. A live frame's in-memory
// bytes are free to keep swizzled pointers for fast traversal — only the
// copy handed to the volume or the log archive must never carry one,
// since a frame index is meaningless once the page is read back after a
// restart.
func (bp *BufferPool) UnswizzleForWrite(page []byte) []byte {
	out := append([]byte(nil), page...)
	if len(out) < PageHeaderSize {
		return out
	}
	hdr := UnmarshalHeader(out)
	if hdr.Tag != TagBtree {
		return out
	}
	bpg := WrapBTreePage(out)
	if bpg.IsLeaf() {
		return out
	}
	if rc := bpg.RightChild(); rc.IsSwizzled() {
		bpg.SetRightChild(bp.frames[rc.FrameIndex()].pid)
	}
	sc := bpg.slotCount()
	for i := 0; i < sc; i++ {
		off := bpg.getSlotEntry(i).Offset
		child := PageID(binary.LittleEndian.Uint32(out[off:]))
		if child.IsSwizzled() {
			binary.LittleEndian.PutUint32(out[off:], uint32(bp.frames[child.FrameIndex()].pid))
		}
	}
	return out
}
