// Package errs holds the sentinel errors shared by every engine
// subsystem, classified per spec §7. It exists as its own package (rather
// than living in the root package, as the teacher's error constants live
// alongside its ConcurrencyManager) because internal/pager,
// internal/archive, internal/restore, internal/lockmgr and internal/txn
// all need to return and compare these errors, and none of them may
// import the root package without an import cycle.
package errs

import "github.com/pkg/errors"

// Kind classifies an error the way spec §7 does, so callers can dispatch
// on behavior (retry, surface, panic, drive restore) instead of string
// matching.
type Kind uint8

const (
	KindRetryable Kind = iota
	KindTransactional
	KindStructural
	KindEnvironmental
)

// coded is a sentinel error that remembers its own Kind and a stable
// spec error-code name (spec §6, "Error codes (selection)").
type coded struct {
	code string
	kind Kind
}

func (c *coded) Error() string { return c.code }
func (c *coded) Kind() Kind    { return c.kind }

func newErr(code string, kind Kind) error { return &coded{code: code, kind: kind} }

// KindOf extracts the Kind of an error produced by this package, walking
// wrapped errors via errors.Cause (github.com/pkg/errors — already a
// teacher dependency, promoted to direct use here, see SPEC_FULL.md).
func KindOf(err error) (Kind, bool) {
	if c, ok := errors.Cause(err).(*coded); ok {
		return c.kind, true
	}
	return 0, false
}

// Sentinels — spec §6 "Error codes (selection)" and §4 per-component
// mentions (eBFFULL, eVOLFAILED, ...).
var (
	ErrDuplicateKey    = newErr("eDUPLICATE", KindTransactional)
	ErrNotFound        = newErr("eNOTFOUND", KindTransactional)
	ErrRecordTooLarge  = newErr("eRECWONTFIT", KindTransactional)
	ErrBufferFull      = newErr("eBFFULL", KindEnvironmental)
	ErrVolumeFailed    = newErr("eVOLFAILED", KindEnvironmental)
	ErrBackupBusy      = newErr("eBACKUPBUSY", KindEnvironmental)
	ErrLockRetry       = newErr("eLOCKRETRY", KindRetryable)
	ErrDeadlock        = newErr("eDEADLOCK", KindTransactional)
	ErrLockTimeout     = newErr("eLOCKTIMEOUT", KindTransactional)
	ErrCondLockTimeout = newErr("eCONDLOCKTIMEOUT", KindRetryable)
	ErrOutOfLogSpace   = newErr("eOUTOFLOGSPACE", KindTransactional)
	ErrBadLogRecord    = newErr("eBADLOGREC", KindStructural)
	ErrInUse           = newErr("stINUSE", KindRetryable)
	ErrTimeout         = newErr("stTIMEOUT", KindRetryable)
	ErrChecksumMismatch = newErr("eCHECKSUM", KindStructural)
)
