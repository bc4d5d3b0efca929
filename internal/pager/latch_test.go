package pager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatch_SharedAllowsMultipleReaders(t *testing.T) {
	var l Latch
	h1, h2 := NewLatchHolder(), NewLatchHolder()

	require.True(t, l.Acquire(LatchSH, h1, WaitImmediate))
	require.True(t, l.Acquire(LatchSH, h2, WaitImmediate))
	require.True(t, l.IsLatched())

	l.ReleaseSH()
	l.ReleaseSH()
	require.False(t, l.IsLatched())
}

func TestLatch_ExclusiveBlocksOthers(t *testing.T) {
	var l Latch
	h1, h2 := NewLatchHolder(), NewLatchHolder()

	require.True(t, l.Acquire(LatchEX, h1, WaitImmediate))
	require.False(t, l.Acquire(LatchSH, h2, WaitImmediate))
	require.False(t, l.Acquire(LatchEX, h2, WaitImmediate))

	l.ReleaseEX()
	require.True(t, l.Acquire(LatchSH, h2, WaitImmediate))
	l.ReleaseSH()
}

func TestLatch_UpgradeMovesSHToEX(t *testing.T) {
	var l Latch
	h := NewLatchHolder()

	require.True(t, l.Acquire(LatchSH, h, WaitForever))
	require.True(t, l.Upgrade(h, WaitForever))
	require.Equal(t, LatchEX, l.Mode())
	l.ReleaseEX()
	require.False(t, l.IsLatched())
}

func TestLatch_TimedWaitGivesUp(t *testing.T) {
	var l Latch
	h1, h2 := NewLatchHolder(), NewLatchHolder()

	require.True(t, l.Acquire(LatchEX, h1, WaitImmediate))
	start := time.Now()
	ok := l.Acquire(LatchEX, h2, WaitPolicy(20))
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	l.ReleaseEX()
}
