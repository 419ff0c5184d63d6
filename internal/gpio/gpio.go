// Package gpio drives the conveyor output lines. Zones address lines through
// their GPIO binding; a line high means the belt under it runs, low means it
// stops.
package gpio

import (
	"errors"
	"fmt"
	"slices"

	"github.com/banshee-data/visionpick/internal/roi"
)

// Level is the logic level of an output line.
type Level int

const (
	Low  Level = iota // belt stopped
	High              // belt running
)

func (l Level) String() string {
	if l == High {
		return "high"
	}
	return "low"
}

// ErrUnboundZone is returned when a zone has no enabled GPIO binding.
var ErrUnboundZone = errors.New("zone has no gpio binding")

// Driver sets and reads the line bound to a zone.
type Driver interface {
	Set(zoneID string, level Level) error
	Get(zoneID string) (Level, error)
}

// Bindings maps zone ids to output lines. Several zones may share a line.
type Bindings map[string]int

// BindingsFor collects the enabled bindings of zones.
func BindingsFor(zones []roi.Zone) Bindings {
	b := make(Bindings)
	for i := range zones {
		if line, ok := zones[i].Line(); ok {
			b[zones[i].ID] = line
		}
	}
	return b
}

// Line returns the line bound to zoneID.
func (b Bindings) Line(zoneID string) (int, error) {
	line, ok := b[zoneID]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnboundZone, zoneID)
	}
	return line, nil
}

// Lines returns the distinct bound lines in ascending order.
func (b Bindings) Lines() []int {
	var lines []int
	for _, line := range b {
		if !slices.Contains(lines, line) {
			lines = append(lines, line)
		}
	}
	slices.Sort(lines)
	return lines
}

// Zones returns the ids of the zones bound to line, sorted.
func (b Bindings) Zones(line int) []string {
	var ids []string
	for id, l := range b {
		if l == line {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// AllLow drives the line of every bound zone low. It attempts every line
// and returns the joined errors.
func AllLow(d Driver, b Bindings) error {
	var errs []error
	for _, line := range b.Lines() {
		zone := b.Zones(line)[0]
		if err := d.Set(zone, Low); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", line, err))
		}
	}
	return errors.Join(errs...)
}
