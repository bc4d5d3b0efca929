//go:build !linux

package pager

// platformDirectFlag is a no-op outside Linux; partition.writeAt still
// fsyncs every write explicitly so durability does not depend on O_DIRECT.
const platformDirectFlag = 0
