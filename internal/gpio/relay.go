package gpio

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/visionpick/internal/serialmux"
)

// RelayBoard is a Driver backed by a serial relay board, one relay per line.
// Get answers from the last level commanded or reported by the board, so the
// control loop can compare levels every tick without a serial round trip.
type RelayBoard struct {
	mux  serialmux.SerialMuxInterface
	bind Bindings

	mu     sync.Mutex
	levels map[int]Level
}

func NewRelayBoard(mux serialmux.SerialMuxInterface, b Bindings) *RelayBoard {
	return &RelayBoard{mux: mux, bind: b, levels: make(map[int]Level)}
}

// Init switches every relay off.
func (r *RelayBoard) Init() error {
	if err := r.mux.Initialize(); err != nil {
		return fmt.Errorf("init relay board: %w", err)
	}
	r.mu.Lock()
	clear(r.levels)
	r.mu.Unlock()
	return nil
}

func (r *RelayBoard) Set(zoneID string, level Level) error {
	line, err := r.bind.Line(zoneID)
	if err != nil {
		return err
	}
	if err := r.mux.SendCommand(serialmux.RelayCommand(line, level == High)); err != nil {
		opsf("set line %d (%s) %s: %v", line, zoneID, level, err)
		return fmt.Errorf("set relay %d: %w", line, err)
	}
	r.mu.Lock()
	prev := r.levels[line]
	r.levels[line] = level
	r.mu.Unlock()
	if prev != level {
		diagf("line %d (%s) -> %s", line, zoneID, level)
	}
	return nil
}

func (r *RelayBoard) Get(zoneID string) (Level, error) {
	line, err := r.bind.Line(zoneID)
	if err != nil {
		return Low, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.levels[line], nil
}

// Watch follows the lines reported by the board until ctx is cancelled,
// folding relay states into the levels Get returns. A relay switched by hand
// on the board is therefore seen by the next tick and corrected.
func (r *RelayBoard) Watch(ctx context.Context) error {
	return serialmux.WatchRelayEvents(ctx, r.mux, r.observe)
}

func (r *RelayBoard) observe(ev serialmux.RelayEvent) {
	tracef("board: %s", ev.Message)
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev.Type {
	case serialmux.EventTypeAllOff:
		clear(r.levels)
	case serialmux.EventTypeRelayState:
		if ev.Ack {
			// Acks echo a command Set already recorded.
			return
		}
		level := Low
		if ev.On {
			level = High
		}
		if prev := r.levels[ev.Line]; prev != level {
			opsf("relay %d reported %s, expected %s", ev.Line, level, prev)
		}
		r.levels[ev.Line] = level
	case serialmux.EventTypeError:
		opsf("relay board error: %s", ev.Message)
	}
}
