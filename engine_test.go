package zero

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxdb/zero/internal/pager"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	opts := DefaultOptions()
	opts.Dir = t.TempDir()
	opts.ArchiverMergeMS = 60_000 // keep the merger from racing the test
	e, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine_OpenCreatesVolumeAndDaemons(t *testing.T) {
	e := openTestEngine(t)
	require.NotNil(t, e.Vol)
	require.NotNil(t, e.LogC)
	require.NotNil(t, e.Pool)
	require.NotNil(t, e.Arc)
	require.False(t, e.Restoring())
}

func TestEngine_CreateStoreInsertAndGet(t *testing.T) {
	e := openTestEngine(t)

	tx := e.Txns.Begin()
	store, err := e.CreateStore(tx.ID())
	require.NoError(t, err)
	require.NoError(t, tx.Commit(true))

	root, err := e.RootPID(store)
	require.NoError(t, err)

	tx2 := e.Txns.Begin()
	require.NoError(t, e.Btree.Insert(root, tx2.ID(), []byte("alpha"), []byte("1")))
	require.NoError(t, e.Btree.Insert(root, tx2.ID(), []byte("beta"), []byte("2")))
	require.NoError(t, tx2.Commit(true))

	holder := pager.NewLatchHolder()
	val, ok, err := e.Btree.Get(root, []byte("alpha"), holder)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), val)
}

func TestEngine_BackupAndRestoreRoundTrip(t *testing.T) {
	e := openTestEngine(t)

	tx := e.Txns.Begin()
	store, err := e.CreateStore(tx.ID())
	require.NoError(t, err)
	require.NoError(t, tx.Commit(true))

	root, err := e.RootPID(store)
	require.NoError(t, err)
	tx2 := e.Txns.Begin()
	require.NoError(t, e.Btree.Insert(root, tx2.ID(), []byte("k"), []byte("v")))
	require.NoError(t, tx2.Commit(true))

	backupDir := filepath.Join(t.TempDir())
	backup, err := e.Backup(backupDir)
	require.NoError(t, err)

	e.EnableRestore(backup)
	require.True(t, e.Restoring())
	require.NoError(t, e.restore.RunSweep(context.Background()))
	require.False(t, e.Restoring())
}
