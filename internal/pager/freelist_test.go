package pager

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocCache_AllocateSkipsAllocatedAndIsMonotonic(t *testing.T) {
	ac := NewAllocCache(2)

	p1 := ac.Allocate()
	p2 := ac.Allocate()
	require.Equal(t, PageID(2), p1)
	require.Equal(t, PageID(3), p2)
	require.Equal(t, PageID(3), ac.LastAllocatedPID())

	require.True(t, ac.IsAllocated(p1))
	require.True(t, ac.IsAllocated(p2))
	require.False(t, ac.IsAllocated(PageID(4)))
}

func TestAllocCache_DeallocateFreesForReuse(t *testing.T) {
	ac := NewAllocCache(2)
	p1 := ac.Allocate()
	ac.Allocate()

	ac.Deallocate(p1)
	require.False(t, ac.IsAllocated(p1))

	// The freed id is the lowest free slot again, so it is handed out
	// before growing past the high watermark.
	reused := ac.Allocate()
	require.Equal(t, p1, reused)
}

func TestAllocCache_LoadFromExtentsRebuildsBitmap(t *testing.T) {
	pageSize := 4096
	cap := AllocBitmapCapacity(pageSize)
	require.Greater(t, cap, 0)

	buf := make([]byte, pageSize)
	ext := InitAllocExtentPage(buf, PageID(10))
	ext.setBit(0, true)
	ext.setBit(5, true)

	ac := NewAllocCache(2)
	ac.LoadFromExtents([]struct {
		Base PageID
		Page *AllocExtentPage
	}{{Base: 2, Page: ext}}, cap)

	require.True(t, ac.IsAllocated(PageID(2)))
	require.True(t, ac.IsAllocated(PageID(7)))
	require.False(t, ac.IsAllocated(PageID(3)))
	require.Equal(t, PageID(7), ac.LastAllocatedPID())
}
