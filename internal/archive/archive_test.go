package archive

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxdb/zero/internal/pager"
)

func newTestArchive(t *testing.T, flushSize int) *Archive {
	t.Helper()
	a, err := New(Config{Dir: t.TempDir(), FlushSize: flushSize}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestArchive_ProbeBackwardFindsNewestRecordAtOrBelowLSN(t *testing.T) {
	a := newTestArchive(t, 100)

	require.NoError(t, a.Append(pager.PageID(5), &pager.LogRecord{Type: pager.RtBtreeInsert, LSN: pager.LSN(10)}))
	require.NoError(t, a.Append(pager.PageID(5), &pager.LogRecord{Type: pager.RtBtreeUpdate, LSN: pager.LSN(20)}))
	require.NoError(t, a.Append(pager.PageID(5), &pager.LogRecord{Type: pager.RtBtreeInsert, LSN: pager.LSN(30)}))
	require.NoError(t, a.flush())

	rec, ok := a.ProbeBackward(pager.PageID(5), pager.LSN(25))
	require.True(t, ok)
	require.Equal(t, pager.RtBtreeUpdate, rec.Type)

	rec, ok = a.ProbeBackward(pager.PageID(5), pager.LSN(5))
	require.False(t, ok)
	require.Nil(t, rec)
}

func TestArchive_ProbeBackwardIgnoresOtherPages(t *testing.T) {
	a := newTestArchive(t, 100)

	require.NoError(t, a.Append(pager.PageID(1), &pager.LogRecord{Type: pager.RtBtreeInsert, LSN: pager.LSN(10)}))
	require.NoError(t, a.Append(pager.PageID(2), &pager.LogRecord{Type: pager.RtBtreeInsert, LSN: pager.LSN(11)}))
	require.NoError(t, a.flush())

	rec, ok := a.ProbeBackward(pager.PageID(2), pager.LSN(100))
	require.True(t, ok)
	require.Equal(t, pager.LSN(11), rec.LSN)

	_, ok = a.ProbeBackward(pager.PageID(3), pager.LSN(100))
	require.False(t, ok)
}

func TestArchive_AutoFlushesAtFlushSize(t *testing.T) {
	a := newTestArchive(t, 2)

	require.NoError(t, a.Append(pager.PageID(1), &pager.LogRecord{Type: pager.RtBtreeInsert, LSN: pager.LSN(1)}))
	require.NoError(t, a.Append(pager.PageID(1), &pager.LogRecord{Type: pager.RtBtreeInsert, LSN: pager.LSN(2)}))

	a.mu.Lock()
	runCount := len(a.runs)
	a.mu.Unlock()
	require.Equal(t, 1, runCount)
}

func TestArchive_MergeFansInRuns(t *testing.T) {
	a := newTestArchive(t, 1)

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Append(pager.PageID(1), &pager.LogRecord{Type: pager.RtBtreeInsert, LSN: pager.LSN(i + 1)}))
	}
	a.cfg.FanIn = 4

	require.NoError(t, a.Merge())

	a.mu.Lock()
	runCount := len(a.runs)
	a.mu.Unlock()
	require.Equal(t, 2, runCount)

	rec, ok := a.ProbeBackward(pager.PageID(1), pager.LSN(4))
	require.True(t, ok)
	require.Equal(t, pager.LSN(4), rec.LSN)
}
