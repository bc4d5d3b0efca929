// Package zero is a research single-node transactional storage engine:
// a page-oriented WAL, a swizzling buffer pool, a Foster B-tree, OKVL
// locking, and a strict two-phase-locked transaction manager, wired
// together behind the Engine type in engine.go.
package zero

import (
	"github.com/nyxdb/zero/internal/errs"
)

// Sentinel errors re-exported at the root so callers of the public API
// never need to import internal/errs directly, matching spec §6's error
// list and §7's classification (Retryable/Transactional/Structural/
// Environmental).
var (
	ErrDuplicateKey    = errs.ErrDuplicateKey
	ErrNotFound        = errs.ErrNotFound
	ErrRecordTooLarge  = errs.ErrRecordTooLarge
	ErrBufferFull      = errs.ErrBufferFull
	ErrVolumeFailed    = errs.ErrVolumeFailed
	ErrBackupBusy      = errs.ErrBackupBusy
	ErrLockRetry       = errs.ErrLockRetry
	ErrDeadlock        = errs.ErrDeadlock
	ErrLockTimeout     = errs.ErrLockTimeout
	ErrCondLockTimeout = errs.ErrCondLockTimeout
	ErrOutOfLogSpace   = errs.ErrOutOfLogSpace
	ErrBadLogRecord    = errs.ErrBadLogRecord
	ErrChecksumMismatch = errs.ErrChecksumMismatch
	ErrTimeout         = errs.ErrTimeout
)

// ErrorKind classifies a sentinel error per spec §7, letting a caller
// dispatch on behavior (retry, surface to the application, panic with a
// diagnostic dump) instead of string matching.
type ErrorKind = errs.Kind

const (
	KindRetryable     = errs.KindRetryable
	KindTransactional = errs.KindTransactional
	KindStructural    = errs.KindStructural
	KindEnvironmental = errs.KindEnvironmental
)

// ClassifyError reports the Kind of an error produced anywhere in the
// engine, or ok=false if err is not one of the engine's sentinels.
func ClassifyError(err error) (kind ErrorKind, ok bool) {
	return errs.KindOf(err)
}
