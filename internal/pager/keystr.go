package pager

import "bytes"

// Keystr is a length-prefixed, order-preserving key byte string, per
// spec §3 ("Key string... length_as_keystr()... lexicographic order").
// It is kept as a thin wrapper around []byte rather than a struct with
// a cached length: Go slices already carry their length, so the only
// thing Keystr adds is the vocabulary the rest of the engine uses
// (Compare, LengthAsKeystr); construction does no size check.
type Keystr []byte

// Vec is an element (value) byte string; it has no ordering semantics of
// its own.
type Vec []byte

// Compare returns -1, 0, or 1 comparing two keys lexicographically by
// unsigned byte value.
func (k Keystr) Compare(other Keystr) int {
	return bytes.Compare(k, other)
}

// LengthAsKeystr returns the length to store when this byte string is
// serialized as a key (the value itself; keys carry no separate tag byte
// in this implementation since page items already know their own kind).
func (k Keystr) LengthAsKeystr() int { return len(k) }

// LengthAsNonkeystr returns the length to store when this byte string is
// serialized as a plain (non-ordered) value, per spec §3.
func (v Vec) LengthAsNonkeystr() int { return len(v) }

// MaxEntrySize returns the largest key+element pair a page of the given
// size may hold, per spec §3 ("bounded by max_entry_size (≈ ½ page)").
func MaxEntrySize(pageSize int) int {
	return pageSize / MaxEntrySizeFraction
}

// FitsEntry reports whether key+element together satisfy max_entry_size
// for the given page size.
func FitsEntry(key Keystr, elem Vec, pageSize int) bool {
	return len(key)+len(elem) <= MaxEntrySize(pageSize)
}

// PrefixLen returns the length of the common prefix of a and b, used by
// the Foster B-tree to compute prefix_length for a page (spec §3).
func PrefixLen(a, b Keystr) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
