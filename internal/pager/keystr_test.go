package pager

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeystr_Compare(t *testing.T) {
	require.Equal(t, 0, Keystr("abc").Compare(Keystr("abc")))
	require.Less(t, Keystr("abc").Compare(Keystr("abd")), 0)
	require.Greater(t, Keystr("abd").Compare(Keystr("abc")), 0)
	require.Less(t, Keystr("ab").Compare(Keystr("abc")), 0)
}

func TestPrefixLen(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"abcdef", "abcxyz", 3},
		{"abc", "abc", 3},
		{"abc", "xyz", 0},
		{"", "abc", 0},
		{"abc", "ab", 2},
	}
	for _, c := range cases {
		require.Equal(t, c.want, PrefixLen(Keystr(c.a), Keystr(c.b)), "PrefixLen(%q, %q)", c.a, c.b)
	}
}

func TestMaxEntrySizeAndFits(t *testing.T) {
	pageSize := 8192
	max := MaxEntrySize(pageSize)
	require.Equal(t, pageSize/MaxEntrySizeFraction, max)

	key := Keystr(make([]byte, max/2))
	val := Vec(make([]byte, max/2))
	require.True(t, FitsEntry(key, val, pageSize))

	tooBig := Vec(make([]byte, max))
	require.False(t, FitsEntry(key, tooBig, pageSize))
}
