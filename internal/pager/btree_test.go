package pager

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxdb/zero/internal/errs"
)

const testPageSize = 4096

type testBTree struct {
	bt    *BTree
	vol   *Volume
	logc  *LogCore
	store StoreID
}

func newTestBTree(t *testing.T) *testBTree {
	t.Helper()
	vol, err := CreateVolume(filepath.Join(t.TempDir(), "data.zvol"), testPageSize)
	require.NoError(t, err)
	t.Cleanup(func() { vol.Close() })

	logc, err := OpenLogCore(LogCoreOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { logc.Close() })

	pool := NewBufferPool(BufferPoolConfig{NumFrames: 64, PageSize: testPageSize}, vol.ReadPage)

	bt, store, err := CreateBTree(pool, logc, vol.AllocCache(), vol.Stnodes(), vol, TxID(1), testPageSize)
	require.NoError(t, err)

	return &testBTree{bt: bt, vol: vol, logc: logc, store: store}
}

func (tb *testBTree) root(t *testing.T) PageID {
	t.Helper()
	pid, err := tb.vol.RootPID(tb.store)
	require.NoError(t, err)
	return pid
}

func (tb *testBTree) insert(t *testing.T, tid TxID, key, value string) error {
	return tb.bt.Insert(tb.root(t), tid, []byte(key), []byte(value))
}

func (tb *testBTree) get(t *testing.T, key string) ([]byte, bool) {
	t.Helper()
	holder := NewLatchHolder()
	val, ok, err := tb.bt.Get(tb.root(t), []byte(key), holder)
	require.NoError(t, err)
	return val, ok
}

func TestBTree_InsertGetRoundTrip(t *testing.T) {
	tb := newTestBTree(t)
	require.NoError(t, tb.insert(t, TxID(1), "alpha", "1"))
	require.NoError(t, tb.insert(t, TxID(1), "beta", "2"))
	require.NoError(t, tb.insert(t, TxID(1), "gamma", "3"))

	for key, want := range map[string]string{"alpha": "1", "beta": "2", "gamma": "3"} {
		val, ok := tb.get(t, key)
		require.True(t, ok, key)
		require.Equal(t, want, string(val), key)
	}

	_, ok := tb.get(t, "delta")
	require.False(t, ok)
}

func TestBTree_InsertDuplicateKeyIsRejected(t *testing.T) {
	tb := newTestBTree(t)
	require.NoError(t, tb.insert(t, TxID(1), "k", "v1"))

	err := tb.insert(t, TxID(1), "k", "v2")
	require.ErrorIs(t, err, errs.ErrDuplicateKey)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindTransactional, kind)

	// The original value must be untouched.
	val, ok2 := tb.get(t, "k")
	require.True(t, ok2)
	require.Equal(t, "v1", string(val))
}

func TestBTree_PutUpsertsExistingKey(t *testing.T) {
	tb := newTestBTree(t)
	root := tb.root(t)
	require.NoError(t, tb.bt.Put(root, TxID(1), []byte("k"), []byte("v1")))
	require.NoError(t, tb.bt.Put(root, TxID(1), []byte("k"), []byte("v2")))

	val, ok := tb.get(t, "k")
	require.True(t, ok)
	require.Equal(t, "v2", string(val))
}

func TestBTree_UpdateRequiresExistingKey(t *testing.T) {
	tb := newTestBTree(t)
	root := tb.root(t)

	err := tb.bt.Update(root, TxID(1), []byte("missing"), []byte("v"))
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, tb.insert(t, TxID(1), "k", "v1"))
	require.NoError(t, tb.bt.Update(tb.root(t), TxID(1), []byte("k"), []byte("v2")))
	val, ok := tb.get(t, "k")
	require.True(t, ok)
	require.Equal(t, "v2", string(val))
}

func TestBTree_OverwriteReplacesByteRange(t *testing.T) {
	tb := newTestBTree(t)
	require.NoError(t, tb.insert(t, TxID(1), "k", "aaaaaaaaaa"))

	require.NoError(t, tb.bt.Overwrite(tb.root(t), TxID(1), []byte("k"), 2, []byte("XYZ")))
	val, ok := tb.get(t, "k")
	require.True(t, ok)
	require.Equal(t, "aaXYZaaaaa", string(val))

	// Overwrite past the current length grows the value.
	require.NoError(t, tb.bt.Overwrite(tb.root(t), TxID(1), []byte("k"), 8, []byte("END")))
	val, ok = tb.get(t, "k")
	require.True(t, ok)
	require.Equal(t, "aaXYZaaaEND", string(val))
}

func TestBTree_RemoveHidesValueThenAllowsReinsert(t *testing.T) {
	tb := newTestBTree(t)
	require.NoError(t, tb.insert(t, TxID(1), "k", "v1"))

	require.NoError(t, tb.bt.Remove(tb.root(t), TxID(1), []byte("k")))
	_, ok := tb.get(t, "k")
	require.False(t, ok)

	// A ghosted key is not a live duplicate: Insert must succeed, not
	// return ErrDuplicateKey.
	require.NoError(t, tb.insert(t, TxID(1), "k", "v2"))
	val, ok := tb.get(t, "k")
	require.True(t, ok)
	require.Equal(t, "v2", string(val))
}

func TestBTree_RemoveOnMissingOrGhostedKeyFails(t *testing.T) {
	tb := newTestBTree(t)
	err := tb.bt.Remove(tb.root(t), TxID(1), []byte("missing"))
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, tb.insert(t, TxID(1), "k", "v"))
	require.NoError(t, tb.bt.Remove(tb.root(t), TxID(1), []byte("k")))
	err = tb.bt.Remove(tb.root(t), TxID(1), []byte("k"))
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestBTree_ReclaimGhostRemovesSlotPhysically(t *testing.T) {
	tb := newTestBTree(t)
	require.NoError(t, tb.insert(t, TxID(1), "k", "v"))
	require.NoError(t, tb.bt.Remove(tb.root(t), TxID(1), []byte("k")))

	require.NoError(t, tb.bt.ReclaimGhost(tb.root(t), TxID(1), []byte("k")))

	// Reclaiming an already-reclaimed (now entirely absent) key fails.
	err := tb.bt.ReclaimGhost(tb.root(t), TxID(1), []byte("k"))
	require.ErrorIs(t, err, errs.ErrNotFound)

	// Reclaiming a live (non-ghost) key also fails.
	require.NoError(t, tb.insert(t, TxID(1), "live", "v"))
	err = tb.bt.ReclaimGhost(tb.root(t), TxID(1), []byte("live"))
	require.ErrorIs(t, err, errs.ErrNotFound)
}

// TestBTree_SplitGrowsRootLevel drives enough sequential inserts into a
// single-page store to force exactly one foster split of the root, and
// checks that the tree gains a level: the store's root page changes and
// becomes an interior page with one separator over the two leaves the
// split produced, per the root-level-growth scenario.
func TestBTree_SplitGrowsRootLevel(t *testing.T) {
	tb := newTestBTree(t)
	originalRoot := tb.root(t)

	const n = 50
	value := make([]byte, 80)
	for i := range value {
		value[i] = 'v'
	}
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%04d", i)
		keys[i] = key
		require.NoError(t, tb.insert(t, TxID(1), key, string(value)))
	}

	newRoot := tb.root(t)
	require.NotEqual(t, originalRoot, newRoot, "root should have been promoted to a new page")

	rootBuf, err := tb.vol.ReadPage(newRoot)
	require.NoError(t, err)
	rootPage := WrapBTreePage(rootBuf)
	require.False(t, rootPage.IsLeaf(), "promoted root must be an interior page")
	require.Equal(t, 1, rootPage.KeyCount())
	require.NotEqual(t, InvalidPageID, rootPage.RightChild())
	entries := rootPage.GetAllInternalEntries()
	require.Len(t, entries, 1)
	require.NotEqual(t, InvalidPageID, entries[0].ChildID)

	for i, key := range keys {
		val, ok := tb.get(t, key)
		require.True(t, ok, "key %d (%s) missing after split", i, key)
		require.Equal(t, string(value), string(val))
	}
}

func TestBTree_AdoptFoldsFosterChildIntoParent(t *testing.T) {
	tb := newTestBTree(t)
	root := tb.root(t)

	holder := NewLatchHolder()
	f, err := tb.bt.pool.FixRoot(root, LatchEX, holder, WaitForever)
	require.NoError(t, err)
	defer tb.bt.pool.Unfix(f, LatchEX)

	bp := InitBTreePage(f.Bytes(), f.PID(), tb.store, false)
	bp.SetRightChild(PageID(100))
	require.NoError(t, tb.bt.Adopt(f, TxID(1), PageID(200), []byte("m")))

	got, ok := bp.FindChild([]byte("z"))
	require.False(t, ok)
	require.Equal(t, PageID(200), got)

	got, ok = bp.FindChild([]byte("a"))
	require.False(t, ok)
	require.Equal(t, PageID(100), got)
}
