// Package picklock is the interlock shared by the conveyor loop, which takes
// it after pushing a coordinate, and the completion handler, which clears it
// once the robot reports the pick is done. It has no timeout: a zone stays
// locked until completion is signalled.
package picklock

import (
	"sync"
	"time"

	"github.com/banshee-data/visionpick/internal/timeutil"
)

// State is a snapshot of the lock.
type State struct {
	Picking  bool      `json:"picking"`
	ZoneID   string    `json:"zone_id,omitempty"`
	LockedAt time.Time `json:"locked_at,omitzero"`
}

// Lock holds at most one zone at a time.
type Lock struct {
	clock timeutil.Clock

	mu    sync.Mutex
	state State
}

// New creates an unlocked Lock. A nil clock uses the real clock.
func New(clock timeutil.Clock) *Lock {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Lock{clock: clock}
}

// TryAcquire locks zoneID if the lock is free.
func (l *Lock) TryAcquire(zoneID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Picking {
		return false
	}
	l.state = State{Picking: true, ZoneID: zoneID, LockedAt: l.clock.Now()}
	return true
}

// Release clears the lock and returns what was held. held is false when the
// lock was already free.
func (l *Lock) Release() (prev State, held bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev = l.state
	l.state = State{}
	return prev, prev.Picking
}

// IsLocked reports whether any zone holds the lock.
func (l *Lock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Picking
}

// Holds reports whether zoneID holds the lock.
func (l *Lock) Holds(zoneID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Picking && l.state.ZoneID == zoneID
}

// Snapshot returns the current state.
func (l *Lock) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Age returns how long the current lock has been held, or 0.
func (l *Lock) Age() time.Duration {
	s := l.Snapshot()
	if !s.Picking {
		return 0
	}
	return l.clock.Since(s.LockedAt)
}
