package occlusion

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/visionpick/internal/timeutil"
)

var t0 = time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

func TestAdmit_Debounce(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	g := New(Config{DebounceInterval: 200 * time.Millisecond}, clock)

	release, v := g.Admit("10.0.0.5")
	require.Equal(t, Accepted, v)
	release()

	clock.Advance(150 * time.Millisecond)
	_, v = g.Admit("10.0.0.5")
	assert.Equal(t, TooFrequent, v)

	// The reject did not move the window.
	clock.Advance(50 * time.Millisecond)
	release, v = g.Admit("10.0.0.5")
	assert.Equal(t, Accepted, v)
	release()

	// Channels are independent.
	_, v = g.Admit("10.0.0.6")
	assert.Equal(t, Accepted, v)
}

func TestAdmit_BusyRejectsWithoutWaiting(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	g := New(Config{}, clock)

	release, v := g.Admit("a")
	require.Equal(t, Accepted, v)

	_, v = g.Admit("a")
	assert.Equal(t, Busy, v)
	assert.True(t, g.Snapshot()["a"].InFlight)

	release()
	release() // idempotent
	assert.False(t, g.Snapshot()["a"].InFlight)

	release, v = g.Admit("a")
	assert.Equal(t, Accepted, v)
	release()
}

func TestAdmit_ConcurrentSameChannel(t *testing.T) {
	g := New(Config{DebounceInterval: time.Hour}, timeutil.NewMockClock(t0))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		verdicts = map[Verdict]int{}
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, v := g.Admit("same")
			mu.Lock()
			verdicts[v]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, verdicts[Accepted])
	assert.Equal(t, 15, verdicts[TooFrequent])
}

func TestOccluded_Scenario(t *testing.T) {
	g := New(Config{TriggerGap: 700 * time.Millisecond, IgnoreCount: 3}, nil)

	assert.True(t, g.Occluded("c", 800*time.Millisecond))
	assert.True(t, g.Occluded("c", 100*time.Millisecond))
	assert.True(t, g.Occluded("c", 100*time.Millisecond))
	assert.False(t, g.Occluded("c", 100*time.Millisecond))
	assert.Equal(t, 0, g.Snapshot()["c"].IgnoreRemaining)
}

func TestOccluded_GapAtThresholdDoesNotTrigger(t *testing.T) {
	g := New(Config{TriggerGap: 700 * time.Millisecond, IgnoreCount: 3}, nil)
	assert.False(t, g.Occluded("c", 700*time.Millisecond))
}

func TestOccluded_LongGapDuringSuppressionDoesNotRearm(t *testing.T) {
	g := New(Config{TriggerGap: 700 * time.Millisecond, IgnoreCount: 2}, nil)
	assert.True(t, g.Occluded("c", time.Second))
	assert.True(t, g.Occluded("c", time.Second))
	assert.Equal(t, 0, g.Snapshot()["c"].IgnoreRemaining)
}

func TestOccluded_Disabled(t *testing.T) {
	g := New(Config{TriggerGap: 700 * time.Millisecond}, nil)
	assert.False(t, g.Occluded("c", time.Hour))
}

func TestObserve(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	g := New(Config{}, clock)
	assert.Equal(t, time.Duration(0), g.Observe("c"))
	clock.Advance(820 * time.Millisecond)
	assert.Equal(t, 820*time.Millisecond, g.Observe("c"))
	assert.Equal(t, t0.Add(820*time.Millisecond), g.Snapshot()["c"].LastSeen)
}

func TestGap(t *testing.T) {
	measuring := New(Config{MeasureGap: true}, nil)
	plain := New(Config{}, nil)

	assert.Equal(t, 50*time.Millisecond, plain.Gap(50*time.Millisecond, true, time.Second))
	assert.Equal(t, time.Duration(0), plain.Gap(0, false, time.Second))
	assert.Equal(t, time.Second, measuring.Gap(0, false, time.Second))
	assert.Equal(t, time.Duration(0), measuring.Gap(0, true, time.Second))
}
