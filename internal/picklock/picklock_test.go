package picklock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/visionpick/internal/timeutil"
)

func TestLockLifecycle(t *testing.T) {
	t0 := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(t0)
	l := New(clock)

	assert.False(t, l.IsLocked())
	_, held := l.Release()
	assert.False(t, held)

	require.True(t, l.TryAcquire("A"))
	assert.True(t, l.IsLocked())
	assert.True(t, l.Holds("A"))
	assert.False(t, l.Holds("B"))
	assert.False(t, l.TryAcquire("B"), "only one zone may hold the lock")

	clock.Advance(90 * time.Second)
	assert.Equal(t, 90*time.Second, l.Age())
	assert.True(t, l.IsLocked(), "no timeout")

	prev, held := l.Release()
	assert.True(t, held)
	assert.Equal(t, State{Picking: true, ZoneID: "A", LockedAt: t0}, prev)
	assert.Equal(t, State{}, l.Snapshot())
	assert.Zero(t, l.Age())

	assert.True(t, l.TryAcquire("B"))
}

func TestLockConcurrentAcquire(t *testing.T) {
	l := New(nil)
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won []string
	)
	for _, z := range []string{"A", "B", "C", "D", "E", "F"} {
		wg.Add(1)
		go func(z string) {
			defer wg.Done()
			if l.TryAcquire(z) {
				mu.Lock()
				won = append(won, z)
				mu.Unlock()
			}
		}(z)
	}
	wg.Wait()
	require.Len(t, won, 1)
	assert.True(t, l.Holds(won[0]))
}
