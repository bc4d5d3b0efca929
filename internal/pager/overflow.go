package pager

import (
	"encoding/binary"
	"fmt"
)

// Overflow pages store values too large to fit inline in a Foster B-tree
// leaf record (spec §3's max_entry_size bound), adapted from the
// teacher's internal/storage/pager/overflow.go (same singly-linked-chain
// layout) onto the common PageHeader (Tag instead of Type):
//
//	[0:32]   Common PageHeader (Tag=TagOverflow)
//	[32:36]  NextOverflow (uint32 LE) — next page in chain, InvalidPageID = end
//	[36:40]  DataLen      (uint32 LE)
//	[40:...] Payload
const (
	overflowNextOff    = PageHeaderSize
	overflowDataLenOff = overflowNextOff + 4
	overflowDataOff    = overflowDataLenOff + 4
)

func OverflowCapacity(pageSize int) int { return pageSize - overflowDataOff }

type OverflowPage struct {
	buf      []byte
	pageSize int
}

func WrapOverflowPage(buf []byte) *OverflowPage { return &OverflowPage{buf: buf, pageSize: len(buf)} }

func InitOverflowPage(buf []byte, id PageID, store StoreID) *OverflowPage {
	h := &PageHeader{Tag: TagOverflow, ID: id, Store: store}
	MarshalHeader(h, buf)
	binary.LittleEndian.PutUint32(buf[overflowNextOff:], uint32(InvalidPageID))
	binary.LittleEndian.PutUint32(buf[overflowDataLenOff:], 0)
	return &OverflowPage{buf: buf, pageSize: len(buf)}
}

func (op *OverflowPage) NextOverflow() PageID {
	return PageID(binary.LittleEndian.Uint32(op.buf[overflowNextOff:]))
}
func (op *OverflowPage) SetNextOverflow(pid PageID) {
	binary.LittleEndian.PutUint32(op.buf[overflowNextOff:], uint32(pid))
}
func (op *OverflowPage) DataLen() int {
	return int(binary.LittleEndian.Uint32(op.buf[overflowDataLenOff:]))
}

func (op *OverflowPage) SetData(data []byte) error {
	capacity := OverflowCapacity(op.pageSize)
	if len(data) > capacity {
		return fmt.Errorf("overflow data %d bytes exceeds capacity %d", len(data), capacity)
	}
	binary.LittleEndian.PutUint32(op.buf[overflowDataLenOff:], uint32(len(data)))
	copy(op.buf[overflowDataOff:], data)
	return nil
}

func (op *OverflowPage) Data() []byte {
	dl := op.DataLen()
	return op.buf[overflowDataOff : overflowDataOff+dl]
}

func (op *OverflowPage) Bytes() []byte { return op.buf }

// writeOverflow splits value across as many freshly allocated overflow
// pages as needed and returns the head PageID, logging each page as a
// full image (they are born with all their content, so a page-image
// record is the natural and only REDO they need).
func (bt *BTree) writeOverflow(tid TxID, value []byte) (PageID, error) {
	capacity := OverflowCapacity(bt.pageSz)
	var chunks [][]byte
	for off := 0; off < len(value); off += capacity {
		end := off + capacity
		if end > len(value) {
			end = len(value)
		}
		chunks = append(chunks, value[off:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}

	pids := make([]PageID, len(chunks))
	for i := range chunks {
		pids[i] = bt.alloc.Allocate()
	}

	batch := make(map[PageID][]byte, len(chunks))
	for i := len(chunks) - 1; i >= 0; i-- {
		buf := make([]byte, bt.pageSz)
		op := InitOverflowPage(buf, pids[i], bt.store)
		if i+1 < len(chunks) {
			op.SetNextOverflow(pids[i+1])
		}
		if err := op.SetData(chunks[i]); err != nil {
			return InvalidPageID, err
		}
		bt.logc.Insert(uint64(tid), &LogRecord{Type: RtAllocPage, Tid: tid, PagePID: pids[i]})
		lsn, err := bt.logc.Insert(uint64(tid), &LogRecord{
			Type: RtPageImgFormat, Tid: tid, PagePID: pids[i],
			Payload: append([]byte(nil), buf...),
		})
		if err != nil {
			return InvalidPageID, err
		}
		hdr := UnmarshalHeader(buf)
		hdr.LSN = lsn
		MarshalHeader(&hdr, buf)
		SetPageCRC(buf)
		batch[pids[i]] = buf
	}

	// Overflow pages are written once and then only ever read back
	// sequentially, so they go straight to the volume rather than through
	// the buffer pool's fix/unfix/evict machinery.
	if err := bt.vol.WriteManyPages(batch); err != nil {
		return InvalidPageID, err
	}
	return pids[0], nil
}

// readOverflow walks the chain starting at head and reassembles the
// original value, which is expected to be exactly totalSize bytes.
func (bt *BTree) readOverflow(head PageID, totalSize uint32) ([]byte, error) {
	out := make([]byte, 0, totalSize)
	cur := head
	for cur != InvalidPageID && uint32(len(out)) < totalSize {
		buf, err := bt.vol.ReadPage(cur)
		if err != nil {
			return nil, err
		}
		op := WrapOverflowPage(buf)
		out = append(out, op.Data()...)
		cur = op.NextOverflow()
	}
	return out, nil
}
