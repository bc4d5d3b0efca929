//go:build linux

package pager

import "golang.org/x/sys/unix"

// platformDirectFlag wires golang.org/x/sys/unix's O_DIRECT into the
// partition file open path (spec §4.4, "Opened with O_SYNC/O_DIRECT per
// options"). Only Linux exposes O_DIRECT; other platforms fall back to
// buffered I/O with an explicit fsync per segment write (see wal.go).
const platformDirectFlag = unix.O_DIRECT
