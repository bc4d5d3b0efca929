package pager

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxdb/zero/internal/errs"
)

func TestStnodeCache_CreateGetSetRoot(t *testing.T) {
	sc := NewStnodeCache()

	id := sc.CreateStore(PageID(10))
	require.True(t, sc.IsAllocated(id))

	root, err := sc.GetRootPID(id)
	require.NoError(t, err)
	require.Equal(t, PageID(10), root)

	require.NoError(t, sc.SetRootPID(id, PageID(99)))
	root, err = sc.GetRootPID(id)
	require.NoError(t, err)
	require.Equal(t, PageID(99), root)
}

func TestStnodeCache_UnknownStoreFails(t *testing.T) {
	sc := NewStnodeCache()
	_, err := sc.GetRootPID(StoreID(5))
	require.ErrorIs(t, err, errs.ErrNotFound)

	err = sc.SetRootPID(StoreID(5), PageID(1))
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStnodeCache_DeleteStoreFreesSlotForReuse(t *testing.T) {
	sc := NewStnodeCache()
	id := sc.CreateStore(PageID(1))
	require.NoError(t, sc.DeleteStore(id))
	require.False(t, sc.IsAllocated(id))

	reused := sc.CreateStore(PageID(2))
	require.Equal(t, id, reused)
}

func TestStnodeCache_LoadFromPagesRebuildsEntries(t *testing.T) {
	pageSize := 4096
	cap := StnodeCapacity(pageSize)
	require.Greater(t, cap, 0)

	buf := make([]byte, pageSize)
	sp := InitStnodePage(buf, PageID(1))
	sp.setRoot(0, PageID(42))
	sp.setFlags(0, stnodeFlagAllocated)

	sc := NewStnodeCache()
	sc.LoadFromPages([]*StnodePage{sp}, cap)

	require.True(t, sc.IsAllocated(StoreID(0)))
	root, err := sc.GetRootPID(StoreID(0))
	require.NoError(t, err)
	require.Equal(t, PageID(42), root)
	require.False(t, sc.IsAllocated(StoreID(1)))
}
