package lockmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nyxdb/zero/internal/errs"
)

func TestManager_SharedLocksAreCompatible(t *testing.T) {
	m := NewManager(Config{})
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, Holder(1), Request{Store: 1, Key: []byte("a"), Key_: KeyS}))
	require.NoError(t, m.Acquire(ctx, Holder(2), Request{Store: 1, Key: []byte("a"), Key_: KeyS}))
}

func TestManager_ExclusiveBlocksShared(t *testing.T) {
	m := NewManager(Config{RetryLimit: 3})
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, Holder(1), Request{Store: 1, Key: []byte("a"), Key_: KeyX}))

	err := m.Acquire(ctx, Holder(2), Request{Store: 1, Key: []byte("a"), Key_: KeyS})
	require.ErrorIs(t, err, errs.ErrLockRetry)
}

func TestManager_ReleaseUnblocksWaiters(t *testing.T) {
	m := NewManager(Config{RetryLimit: 50})
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, Holder(1), Request{Store: 1, Key: []byte("a"), Key_: KeyX}))

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(ctx, Holder(2), Request{Store: 1, Key: []byte("a"), Key_: KeyX})
	}()

	time.Sleep(5 * time.Millisecond)
	m.Release(Holder(1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never unblocked after release")
	}
}

func TestManager_DetectsDeadlock(t *testing.T) {
	m := NewManager(Config{RetryLimit: 5})
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, Holder(1), Request{Store: 1, Key: []byte("a"), Key_: KeyX}))
	require.NoError(t, m.Acquire(ctx, Holder(2), Request{Store: 1, Key: []byte("b"), Key_: KeyX}))

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Acquire(ctx, Holder(1), Request{Store: 1, Key: []byte("b"), Key_: KeyX})
	}()
	time.Sleep(5 * time.Millisecond)

	err := m.Acquire(ctx, Holder(2), Request{Store: 1, Key: []byte("a"), Key_: KeyX})
	require.True(t, err == errs.ErrDeadlock || err == errs.ErrLockRetry)
	<-errCh
}

func TestManager_IntentLocksCoexist(t *testing.T) {
	m := NewManager(Config{})
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, Holder(1), Request{Store: 1, Key: []byte("row"), Key_: KeyIX, Gap: GapN}))
	require.NoError(t, m.Acquire(ctx, Holder(2), Request{Store: 1, Key: []byte("row"), Key_: KeyIX, Gap: GapN}))
}

func TestManager_StoreExclusiveWaitsForOutstandingIntent(t *testing.T) {
	m := NewManager(Config{})
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, Holder(1), Request{Store: 9, Key: []byte("k"), Key_: KeyIX}))

	done := make(chan struct{})
	go func() {
		m.AcquireStoreExclusive(9)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("store exclusive granted while a key intent is still held")
	case <-time.After(20 * time.Millisecond):
	}

	m.Release(Holder(1))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("store exclusive never granted after intent released")
	}
	m.ReleaseStoreExclusive(9)

	require.NoError(t, m.Acquire(ctx, Holder(2), Request{Store: 9, Key: []byte("k2"), Key_: KeyS}))
}

func TestManager_GapLockBlocksInsert(t *testing.T) {
	m := NewManager(Config{RetryLimit: 3})
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, Holder(1), Request{Store: 1, Key: []byte("k"), Key_: KeyN, Gap: GapX}))
	err := m.Acquire(ctx, Holder(2), Request{Store: 1, Key: []byte("k"), Key_: KeyN, Gap: GapX})
	require.ErrorIs(t, err, errs.ErrLockRetry)
}
