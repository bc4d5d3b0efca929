package pager

import (
	"fmt"
)

// RecoveryPolicy selects where single-page recovery looks for the page's
// LSN chain, resolving an open point left ambiguous by spec §4.10 (see
// DESIGN.md, "Open Questions resolved").
type RecoveryPolicy uint8

const (
	// PreferLogChain walks PagePrev links backward through the live log
	// core first, falling back to the archive only past its horizon.
	PreferLogChain RecoveryPolicy = iota
	// PreferArchive probes the (pre-sorted, pre-merged) log archive
	// first, since a long-cold page's chain is more likely to have
	// rolled off active log partitions.
	PreferArchive
)

// ArchiveProbe is the narrow interface single-page recovery needs from
// the log archive (internal/archive), kept here rather than imported
// directly to avoid a pager -> archive dependency; the engine wires a
// concrete implementation in at startup.
type ArchiveProbe interface {
	// ProbeBackward returns the newest record for pid with LSN <= before,
	// or ok=false if the archive has nothing for that page at or below
	// that LSN.
	ProbeBackward(pid PageID, before LSN) (rec *LogRecord, ok bool)
}

// SprContext bundles what RecoverPage needs to walk and replay a page's
// LSN chain: a way to fetch a record by LSN from the live log, and
// (optionally) an archive to fall back to once the chain runs off the
// partitions still on disk.
type SprContext struct {
	Fetch   func(LSN, int) (*LogRecord, error) // typically LogCore.Fetch
	Archive ArchiveProbe                       // may be nil
	Policy  RecoveryPolicy
	MaxLen  int // upper bound passed to Fetch; defaults to 1<<20 if zero
}

// RecoverPage implements single-page recovery (spec §4.10): given a page
// buffer whose header carries the last LSN it was flushed at, and an
// EMLSN naming the most recent update any in-memory frame or index entry
// believes the page should reflect, walk the page's LSN chain backward
// from EMLSN down to (but not including) the page's own page_lsn, collect the
// REDO-able records found, then apply them in forward (oldest-first)
// order. The walk stops early the moment it crosses a RtPageImgFormat
// record, since that record is a full-page image and makes everything
// older irrelevant.
//
// This generalizes the teacher's whole-log replay
// (internal/storage/pager/recovery.go, "read all WAL records, replay
// committed transactions") from "replay the entire log once at startup"
// to "replay just one page's chain, on demand" — the core requirement
// that gives the engine its instant-restart property.
func RecoverPage(ctx SprContext, page []byte, emlsn LSN) error {
	maxLen := ctx.MaxLen
	if maxLen == 0 {
		maxLen = 1 << 20
	}
	hdr := UnmarshalHeader(page)
	pageLSN := hdr.LSN

	var chain []*LogRecord
	cur := emlsn
	for cur != LSNNull && cur > pageLSN {
		rec, err := ctx.fetch(cur, maxLen)
		if err != nil {
			if ctx.Archive != nil {
				if arec, ok := ctx.Archive.ProbeBackward(hdr.ID, cur); ok {
					rec = arec
				} else {
					return fmt.Errorf("single-page recovery: chain broken at %s: %w", cur, err)
				}
			} else {
				return fmt.Errorf("single-page recovery: chain broken at %s: %w", cur, err)
			}
		}
		chain = append(chain, rec)
		if rec.Type == RtPageImgFormat {
			break
		}
		cur = rec.PagePrev
	}

	for i := len(chain) - 1; i >= 0; i-- {
		rec := chain[i]
		if !rec.Type.IsRedoUndo() && rec.Type != RtPageImgFormat && !rec.Type.IsCompensation() {
			continue
		}
		if err := applyRedo(page, rec); err != nil {
			return fmt.Errorf("single-page recovery: apply %s at %s: %w", rec.Type, rec.LSN, err)
		}
	}

	hdr = UnmarshalHeader(page)
	if hdr.LSN < emlsn {
		hdr.LSN = emlsn
		MarshalHeader(&hdr, page)
	}
	SetPageCRC(page)
	return nil
}

// fetch tries the live log first under PreferLogChain, or the archive
// first under PreferArchive, honoring the resolved policy.
func (ctx *SprContext) fetch(lsn LSN, maxLen int) (*LogRecord, error) {
	if ctx.Policy == PreferArchive && ctx.Archive != nil {
		if rec, ok := ctx.Archive.ProbeBackward(InvalidPageID, lsn); ok {
			return rec, nil
		}
	}
	return ctx.Fetch(lsn, maxLen)
}

// applyRedo applies one idempotent REDO function to page, per spec §4.10
// ("Idempotent REDO functions: reapplying an already-applied record must
// be a no-op"). Every redo here re-derives its effect from the record's
// payload rather than from relative deltas, so replaying the same record
// twice leaves the page unchanged.
func applyRedo(page []byte, rec *LogRecord) error {
	switch rec.Type {
	case RtPageImgFormat:
		if len(rec.Payload) != len(page) {
			return fmt.Errorf("page image size mismatch: have %d want %d", len(rec.Payload), len(page))
		}
		copy(page, rec.Payload)
		return nil
	case RtBtreeInsert, RtBtreeUpdate, RtBtreeOverwrite, RtGhostMark, RtCompensate:
		return redoSlottedMutation(page, rec)
	case RtBtreeRemove:
		return redoSlottedRemove(page, rec)
	case RtNorecSplit, RtFosterRebalance, RtFosterDeadopt:
		return redoFosterStructural(page, rec)
	case RtFosterAdopt:
		bp := WrapBTreePage(page)
		e := unmarshalInternalRecord(rec.Payload)
		for _, x := range bp.GetAllInternalEntries() {
			if string(x.Key) == string(e.Key) {
				return nil
			}
		}
		return bp.InsertInternalEntry(e)
	case RtAllocPage, RtDeallocPage, RtCreateStore, RtUpdateEMLSN:
		// Pure metadata records with no page-body effect beyond the LSN
		// stamp already applied by the caller.
		return nil
	default:
		return nil
	}
}
