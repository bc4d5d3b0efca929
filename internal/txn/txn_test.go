package txn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxdb/zero/internal/lockmgr"
	"github.com/nyxdb/zero/internal/pager"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logc, err := pager.OpenLogCore(pager.LogCoreOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { logc.Close() })
	return NewManager(logc, lockmgr.NewManager(lockmgr.Config{}))
}

func TestTx_CommitEndsTransaction(t *testing.T) {
	m := newTestManager(t)
	tx := m.Begin()
	require.Equal(t, 1, m.Active())

	require.NoError(t, tx.Commit(true))
	require.Equal(t, 0, m.Active())
}

func TestTx_AbortUndoesInLIFOOrder(t *testing.T) {
	m := newTestManager(t)
	tx := m.Begin()

	tx.LogUndo(1, pager.StoreID(1), []byte("a"), nil, false)
	tx.LogUndo(2, pager.StoreID(1), []byte("a"), []byte("v1"), true)
	tx.LogUndo(3, pager.StoreID(1), []byte("a"), []byte("v2"), true)

	var order []string
	err := tx.Abort(func(store pager.StoreID, key, oldValue []byte, hadOld bool) error {
		if hadOld {
			order = append(order, string(oldValue))
		} else {
			order = append(order, "deleted")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"v2", "v1", "deleted"}, order)
	require.Equal(t, 0, m.Active())
}

func TestTx_RollbackToSavepointKeepsTxActive(t *testing.T) {
	m := newTestManager(t)
	tx := m.Begin()

	tx.LogUndo(1, pager.StoreID(1), []byte("a"), nil, false)
	sp := tx.Savepoint()
	tx.LogUndo(2, pager.StoreID(1), []byte("b"), nil, false)
	tx.LogUndo(3, pager.StoreID(1), []byte("c"), nil, false)

	var undone []string
	err := tx.RollbackTo(sp, func(store pager.StoreID, key, oldValue []byte, hadOld bool) error {
		undone = append(undone, string(key))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b"}, undone)
	require.Equal(t, 1, m.Active())

	require.NoError(t, tx.Commit(true))
}

func TestTx_DoubleCommitFails(t *testing.T) {
	m := newTestManager(t)
	tx := m.Begin()
	require.NoError(t, tx.Commit(true))
	require.Error(t, tx.Commit(true))
}
