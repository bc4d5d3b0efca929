package restore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxdb/zero/internal/pager"
)

func openTestVolume(t *testing.T, pages int) (*pager.Volume, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vol.db")
	vol, err := pager.CreateVolume(path, pager.DefaultPageSize)
	require.NoError(t, err)
	t.Cleanup(func() { vol.Close() })

	batch := make(map[pager.PageID][]byte, pages)
	for i := 0; i < pages; i++ {
		buf := pager.NewPage(pager.DefaultPageSize, pager.TagAlloc, pager.PageID(i), 0)
		buf[50] = byte(i)
		pager.SetPageCRC(buf)
		batch[pager.PageID(i)] = buf
	}
	require.NoError(t, vol.WriteManyPages(batch))
	return vol, dir
}

func TestCoordinator_RunSweepMarksEverythingClean(t *testing.T) {
	vol, dir := openTestVolume(t, 16)
	backup, err := pager.TakeBackup(vol, dir, pager.LSN(1))
	require.NoError(t, err)

	c := NewCoordinator(backup, vol, 4, 2)
	require.False(t, c.Finished())

	require.NoError(t, c.RunSweep(context.Background()))
	require.True(t, c.Finished())

	clean, total := c.Progress()
	require.Equal(t, total, clean)
}

func TestCoordinator_RequestRestoreIsIdempotent(t *testing.T) {
	vol, dir := openTestVolume(t, 8)
	backup, err := pager.TakeBackup(vol, dir, pager.LSN(1))
	require.NoError(t, err)

	c := NewCoordinator(backup, vol, 4, 1)

	require.NoError(t, c.RequestRestore(context.Background(), pager.PageID(1)))
	require.NoError(t, c.RequestRestore(context.Background(), pager.PageID(1)))

	clean, _ := c.Progress()
	require.Equal(t, 1, clean)
}

func TestCoordinator_RequestRestoreUnknownPage(t *testing.T) {
	vol, dir := openTestVolume(t, 4)
	backup, err := pager.TakeBackup(vol, dir, pager.LSN(1))
	require.NoError(t, err)

	c := NewCoordinator(backup, vol, 4, 1)
	err = c.RequestRestore(context.Background(), pager.PageID(999))
	require.Error(t, err)
}

func TestCoordinator_SegmentBoundaries(t *testing.T) {
	vol, dir := openTestVolume(t, 10)
	backup, err := pager.TakeBackup(vol, dir, pager.LSN(1))
	require.NoError(t, err)

	c := NewCoordinator(backup, vol, 3, 4)
	require.Equal(t, 4, len(c.segments))
	require.Equal(t, 1, c.segments[3].Count)

	require.NoError(t, c.RunSweep(context.Background()))
	require.True(t, c.Finished())
}
