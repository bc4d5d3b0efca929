package pager

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/nyxdb/zero/internal/errs"
	"github.com/pkg/errors"
)

// LogRecType enumerates the record kinds named in spec §4.1. Only the
// kinds actually exercised by a component in SPEC_FULL.md are given
// constants — an exhaustive ~60-kind enum with forty unused entries
// would be dead code (see DESIGN.md, "wire it or delete it").
type LogRecType uint16

const (
	RtVolumeFormat LogRecType = iota + 1
	RtAddBackup
	RtRestoreBegin
	RtRestoreSegment
	RtPageRead
	RtPageWrite
	RtEvictPage
	RtFetchPage
	RtBtreeInsert
	RtBtreeRemove
	RtBtreeUpdate
	RtBtreeOverwrite
	RtGhostMark
	RtGhostReserve
	RtGhostReclaim
	RtNorecSplit
	RtFosterAdopt
	RtFosterRebalance
	RtFosterDeadopt
	RtPageImgFormat
	RtAllocPage
	RtDeallocPage
	RtCreateStore
	RtUpdateEMLSN
	RtXctBegin
	RtXctEnd
	RtXctAbort
	RtCompensate
	RtCheckpoint
	RtBenchmarkStart
	RtComment
)

// RecKind classifies a record for undo/redo purposes, per spec §4.1
// ("A log record is system..., redo-only, redo+undo, or compensation").
type RecKind uint8

const (
	KindSystem RecKind = iota
	KindRedoOnly
	KindRedoUndo
	KindCompensation
)

// kindOf is the static table mapping each record type to its kind. Most
// volume/buffer/checkpoint records are system (no undo); B-tree mutations
// are redo+undo; compensation records undo B-tree mutations during
// rollback.
var kindOf = map[LogRecType]RecKind{
	RtVolumeFormat:    KindSystem,
	RtAddBackup:       KindSystem,
	RtRestoreBegin:    KindSystem,
	RtRestoreSegment:  KindSystem,
	RtPageRead:        KindSystem,
	RtPageWrite:       KindSystem,
	RtEvictPage:       KindSystem,
	RtFetchPage:       KindSystem,
	RtBtreeInsert:     KindRedoUndo,
	RtBtreeRemove:     KindRedoUndo,
	RtBtreeUpdate:     KindRedoUndo,
	RtBtreeOverwrite:  KindRedoUndo,
	RtGhostMark:       KindRedoUndo,
	RtGhostReserve:    KindSystem,
	RtGhostReclaim:    KindSystem,
	RtNorecSplit:      KindSystem,
	RtFosterAdopt:     KindSystem,
	RtFosterRebalance: KindSystem,
	RtFosterDeadopt:   KindSystem,
	RtPageImgFormat:   KindSystem,
	RtAllocPage:       KindSystem,
	RtDeallocPage:     KindSystem,
	RtCreateStore:     KindSystem,
	RtUpdateEMLSN:     KindSystem,
	RtXctBegin:        KindSystem,
	RtXctEnd:          KindSystem,
	RtXctAbort:        KindSystem,
	RtCompensate:      KindCompensation,
	RtCheckpoint:      KindSystem,
	RtBenchmarkStart:  KindSystem,
	RtComment:         KindSystem,
}

func (t LogRecType) Kind() RecKind { return kindOf[t] }
func (t LogRecType) IsSystem() bool      { return t.Kind() == KindSystem }
func (t LogRecType) IsRedoUndo() bool    { return t.Kind() == KindRedoUndo }
func (t LogRecType) IsCompensation() bool { return t.Kind() == KindCompensation }

// RecFlags are per-record bits.
type RecFlags uint8

const (
	FlagMultiPage RecFlags = 1 << 0 // carries a secondary page (page2)
	FlagSSX       RecFlags = 1 << 1 // single-log system sub-transaction
)

// LogRecord is the tagged, variable-length record described in spec §3
// ("Log record") and §4.1 ("Record format"). Header layout is fixed at
// logRecHeaderSize bytes (the second-page fields are always present, zero
// unless FlagMultiPage is set), followed by the payload and a CRC.
type LogRecord struct {
	LSN       LSN // assigned on insert, zero before
	Type      LogRecType
	Flags     RecFlags
	Tid       TxID // zero for system/SSX records
	Prev      LSN  // previous LSN in this xct's undo chain
	PagePID   PageID
	PagePrev  LSN // previous LSN in this page's page-LSN chain
	Page2PID  PageID
	Page2Prev LSN
	Payload   []byte
}

const logRecHeaderSize = 1 + 2 + 8 + 8 + 4 + 8 + 4 + 8 + 8 // flags+type+tid+prev+pid+pageprev+pid2+page2prev+payloadlen = 51
const logRecCRCSize = 4

// IsSystem, IsUndoable, IsCompensation mirror spec §9's sum-type
// guidance: callers switch on these predicates instead of a type switch
// over all ~30 constants.
func (r *LogRecord) IsSystem() bool       { return r.Type.IsSystem() }
func (r *LogRecord) IsUndoable() bool     { return r.Type.IsRedoUndo() }
func (r *LogRecord) IsCompensation() bool { return r.Type.IsCompensation() }
func (r *LogRecord) IsMultiPage() bool    { return r.Flags&FlagMultiPage != 0 }
func (r *LogRecord) IsSSX() bool          { return r.Flags&FlagSSX != 0 }

// Marshal encodes the record (without its LSN, which the log core assigns
// on insert) into a byte slice ready to append to a segment.
func Marshal(r *LogRecord) []byte {
	total := logRecHeaderSize + len(r.Payload) + logRecCRCSize
	buf := make([]byte, total)
	buf[0] = byte(r.Flags)
	binary.LittleEndian.PutUint16(buf[1:3], uint16(r.Type))
	binary.LittleEndian.PutUint64(buf[3:11], uint64(r.Tid))
	binary.LittleEndian.PutUint64(buf[11:19], uint64(r.Prev))
	binary.LittleEndian.PutUint32(buf[19:23], uint32(r.PagePID))
	binary.LittleEndian.PutUint64(buf[23:31], uint64(r.PagePrev))
	binary.LittleEndian.PutUint32(buf[31:35], uint32(r.Page2PID))
	binary.LittleEndian.PutUint64(buf[35:43], uint64(r.Page2Prev))
	binary.LittleEndian.PutUint64(buf[43:logRecHeaderSize], uint64(len(r.Payload)))
	copy(buf[logRecHeaderSize:], r.Payload)
	crc := crc32.Checksum(buf[:logRecHeaderSize+len(r.Payload)], crcTable)
	binary.LittleEndian.PutUint32(buf[total-4:], crc)
	return buf
}

// Unmarshal decodes the record at the start of buf, as produced by
// Marshal; bytes past its end are ignored. The encoding carries no LSN,
// so the returned record's LSN is zero. Returns ErrBadLogRecord on checksum
// mismatch or truncation, per spec §6/§7 (eBADLOGREC).
func Unmarshal(buf []byte) (*LogRecord, error) {
	if len(buf) < logRecHeaderSize+logRecCRCSize {
		return nil, errors.Wrap(errs.ErrBadLogRecord, "truncated log record")
	}
	payloadLen := int(binary.LittleEndian.Uint64(buf[43:logRecHeaderSize]))
	total := logRecHeaderSize + payloadLen + logRecCRCSize
	if len(buf) < total {
		return nil, errors.Wrap(errs.ErrBadLogRecord, "truncated log record payload")
	}
	storedCRC := binary.LittleEndian.Uint32(buf[total-4:])
	computedCRC := crc32.Checksum(buf[:total-4], crcTable)
	if storedCRC != computedCRC {
		return nil, errors.Wrap(errs.ErrBadLogRecord, "log record checksum mismatch")
	}
	r := &LogRecord{
		Flags:     RecFlags(buf[0]),
		Type:      LogRecType(binary.LittleEndian.Uint16(buf[1:3])),
		Tid:       TxID(binary.LittleEndian.Uint64(buf[3:11])),
		Prev:      LSN(binary.LittleEndian.Uint64(buf[11:19])),
		PagePID:   PageID(binary.LittleEndian.Uint32(buf[19:23])),
		PagePrev:  LSN(binary.LittleEndian.Uint64(buf[23:31])),
		Page2PID:  PageID(binary.LittleEndian.Uint32(buf[31:35])),
		Page2Prev: LSN(binary.LittleEndian.Uint64(buf[35:43])),
	}
	if payloadLen > 0 {
		r.Payload = append([]byte(nil), buf[logRecHeaderSize:logRecHeaderSize+payloadLen]...)
	}
	return r, nil
}

// EncodedLen returns the number of bytes Marshal(r) will occupy.
func EncodedLen(r *LogRecord) int {
	return logRecHeaderSize + len(r.Payload) + logRecCRCSize
}
