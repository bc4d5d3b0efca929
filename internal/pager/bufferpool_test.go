package pager

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxdb/zero/internal/errs"
)

func newTestVolume(t *testing.T) *Volume {
	t.Helper()
	vol, err := CreateVolume(filepath.Join(t.TempDir(), "data.zvol"), testPageSize)
	require.NoError(t, err)
	t.Cleanup(func() { vol.Close() })
	return vol
}

func TestBufferPool_FixRootLoadsAndUnfixReleases(t *testing.T) {
	vol := newTestVolume(t)
	pid := vol.AllocAPage()
	buf := make([]byte, testPageSize)
	InitBTreePage(buf, pid, 0, true)
	require.NoError(t, vol.WriteManyPages(map[PageID][]byte{pid: buf}))

	pool := NewBufferPool(BufferPoolConfig{NumFrames: 4, PageSize: testPageSize}, vol.ReadPage)
	holder := NewLatchHolder()

	f, err := pool.FixRoot(pid, LatchSH, holder, WaitForever)
	require.NoError(t, err)
	require.Equal(t, pid, f.PID())
	require.True(t, f.latch.IsLatched())

	pool.Unfix(f, LatchSH)
	require.False(t, f.latch.IsLatched())
}

func TestBufferPool_FixNonrootReusesFrameForSamePID(t *testing.T) {
	vol := newTestVolume(t)
	pid := vol.AllocAPage()
	buf := make([]byte, testPageSize)
	InitBTreePage(buf, pid, 0, true)
	require.NoError(t, vol.WriteManyPages(map[PageID][]byte{pid: buf}))

	pool := NewBufferPool(BufferPoolConfig{NumFrames: 4, PageSize: testPageSize}, vol.ReadPage)
	holder := NewLatchHolder()

	f1, err := pool.FixRoot(pid, LatchSH, holder, WaitForever)
	require.NoError(t, err)
	pool.Unfix(f1, LatchSH)

	f2, err := pool.FixNonroot(InvalidPageID, pid, LatchSH, holder, WaitForever)
	require.NoError(t, err)
	defer pool.Unfix(f2, LatchSH)
	require.Same(t, f1, f2)
}

func TestBufferPool_ExhaustionReturnsErrBufferFull(t *testing.T) {
	vol := newTestVolume(t)
	pids := make([]PageID, 3)
	for i := range pids {
		pid := vol.AllocAPage()
		buf := make([]byte, testPageSize)
		InitBTreePage(buf, pid, 0, true)
		require.NoError(t, vol.WriteManyPages(map[PageID][]byte{pid: buf}))
		pids[i] = pid
	}

	pool := NewBufferPool(BufferPoolConfig{NumFrames: 2, PageSize: testPageSize}, vol.ReadPage)
	holder := NewLatchHolder()

	f0, err := pool.FixRoot(pids[0], LatchSH, holder, WaitForever)
	require.NoError(t, err)
	f1, err := pool.FixRoot(pids[1], LatchSH, holder, WaitForever)
	require.NoError(t, err)

	// Both frames are pinned (still fixed), so a third distinct page
	// cannot find room.
	_, err = pool.FixRoot(pids[2], LatchSH, holder, WaitForever)
	require.ErrorIs(t, err, errs.ErrBufferFull)

	pool.Unfix(f0, LatchSH)
	pool.Unfix(f1, LatchSH)
}

func TestBufferPool_DirtyFramesTracksMarkDirty(t *testing.T) {
	vol := newTestVolume(t)
	pid := vol.AllocAPage()
	buf := make([]byte, testPageSize)
	InitBTreePage(buf, pid, 0, true)
	require.NoError(t, vol.WriteManyPages(map[PageID][]byte{pid: buf}))

	pool := NewBufferPool(BufferPoolConfig{NumFrames: 4, PageSize: testPageSize}, vol.ReadPage)
	holder := NewLatchHolder()

	f, err := pool.FixRoot(pid, LatchSH, holder, WaitForever)
	require.NoError(t, err)
	require.Empty(t, pool.DirtyFrames())

	f.MarkDirty()
	dirty := pool.DirtyFrames()
	require.Len(t, dirty, 1)
	require.Equal(t, pid, dirty[0].PID())

	pool.Unfix(f, LatchSH)
}
