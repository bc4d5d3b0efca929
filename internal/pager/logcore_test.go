package pager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLogCore(t *testing.T, opts LogCoreOptions) *LogCore {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	lc, err := OpenLogCore(opts)
	require.NoError(t, err)
	t.Cleanup(func() { lc.Close() })
	return lc
}

func TestLogCore_InsertFetchRoundTrip(t *testing.T) {
	lc := newTestLogCore(t, LogCoreOptions{})

	rec := &LogRecord{Type: RtBtreeInsert, Tid: TxID(7), PagePID: PageID(3), Payload: []byte("hello")}
	lsn, err := lc.Insert(uint64(rec.Tid), rec)
	require.NoError(t, err)
	require.NotEqual(t, LSNNull, lsn)

	lc.Flush(lsn)

	got, err := lc.Fetch(lsn, 1<<16)
	require.NoError(t, err)
	require.Equal(t, RtBtreeInsert, got.Type)
	require.Equal(t, TxID(7), got.Tid)
	require.Equal(t, PageID(3), got.PagePID)
	require.Equal(t, []byte("hello"), got.Payload)
}

func TestLogCore_DurableAdvancesOnFlush(t *testing.T) {
	lc := newTestLogCore(t, LogCoreOptions{})

	before := lc.Durable()
	rec := &LogRecord{Type: RtBtreeInsert, Tid: TxID(1), Payload: []byte("x")}
	lsn, err := lc.Insert(uint64(rec.Tid), rec)
	require.NoError(t, err)

	lc.Flush(lsn)
	require.GreaterOrEqual(t, lc.Durable(), lsn)
	require.Greater(t, lc.Durable(), before)
}

func TestLogCore_GroupCommitTimeoutFlushesWithoutExplicitCall(t *testing.T) {
	lc := newTestLogCore(t, LogCoreOptions{GroupCommitTimeout: 5 * time.Millisecond})

	rec := &LogRecord{Type: RtBtreeInsert, Tid: TxID(1), Payload: []byte("y")}
	lsn, err := lc.Insert(uint64(rec.Tid), rec)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return lc.Durable() >= lsn
	}, time.Second, time.Millisecond)
}

func TestLogCore_InsertTooLargeForSegmentFails(t *testing.T) {
	lc := newTestLogCore(t, LogCoreOptions{SegmentSize: 64})

	rec := &LogRecord{Type: RtBtreeInsert, Tid: TxID(1), Payload: make([]byte, 128)}
	_, err := lc.Insert(uint64(rec.Tid), rec)
	require.Error(t, err)
}

func TestLogCore_MultipleInsertsGetDistinctIncreasingLSNs(t *testing.T) {
	lc := newTestLogCore(t, LogCoreOptions{})

	var lsns []LSN
	for i := 0; i < 5; i++ {
		rec := &LogRecord{Type: RtBtreeInsert, Tid: TxID(1), Payload: []byte{byte(i)}}
		lsn, err := lc.Insert(uint64(rec.Tid), rec)
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}

	for i := 1; i < len(lsns); i++ {
		require.Greater(t, lsns[i], lsns[i-1])
	}

	lc.Flush(lsns[len(lsns)-1])
	for i, lsn := range lsns {
		got, err := lc.Fetch(lsn, 1<<16)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, got.Payload)
	}
}
