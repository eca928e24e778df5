package acme

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTableFailsFast(t *testing.T) {
	locks := NewLockTable()

	release, err := locks.TryLock("example", OpAdd)
	require.NoError(t, err)

	_, err = locks.TryLock("example", OpDelete)
	require.ErrorIs(t, err, ErrLocked)
	var lerr *LockError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "example", lerr.Name)
	assert.Equal(t, OpDelete, lerr.Op)
	assert.Equal(t, OpAdd, lerr.Holder)

	// Other names are independent.
	releaseOther, err := locks.TryLock("other", OpRenew)
	require.NoError(t, err)
	releaseOther()

	release()
	release()

	_, held := locks.Holder("example")
	assert.False(t, held)
	release, err = locks.TryLock("example", OpRenew)
	require.NoError(t, err)
	release()
}

func TestLockTableSingleHolderUnderContention(t *testing.T) {
	locks := NewLockTable()

	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		holding atomic.Int32
		maxSeen atomic.Int32
		wins    atomic.Int32
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			release, err := locks.TryLock("example", OpRenew)
			if err != nil {
				return
			}
			wins.Add(1)
			n := holding.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			holding.Add(-1)
			release()
		}()
	}
	close(start)
	wg.Wait()

	assert.GreaterOrEqual(t, wins.Load(), int32(1))
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestLockTableClear(t *testing.T) {
	locks := NewLockTable()
	stale, err := locks.TryLock("a", OpAdd)
	require.NoError(t, err)
	_, err = locks.TryLock("b", OpRevoke)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": OpAdd, "b": OpRevoke}, locks.Held())

	locks.Clear()
	assert.Empty(t, locks.Held())

	fresh, err := locks.TryLock("a", OpRenew)
	require.NoError(t, err)

	// A release from before Clear must not drop the new holder.
	stale()
	op, held := locks.Holder("a")
	assert.True(t, held)
	assert.Equal(t, OpRenew, op)
	fresh()
}
