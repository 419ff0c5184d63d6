package gpio

import "sync"

// Memory is an in-process Driver used in dev mode and tests. Every line
// starts low.
type Memory struct {
	mu     sync.Mutex
	bind   Bindings
	levels map[int]Level
	writes int
	err    error
}

func NewMemory(b Bindings) *Memory {
	return &Memory{bind: b, levels: make(map[int]Level)}
}

func (m *Memory) Set(zoneID string, level Level) error {
	line, err := m.bind.Line(zoneID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.levels[line] != level {
		diagf("line %d (%s) -> %s", line, zoneID, level)
	}
	m.levels[line] = level
	m.writes++
	return nil
}

func (m *Memory) Get(zoneID string) (Level, error) {
	line, err := m.bind.Line(zoneID)
	if err != nil {
		return Low, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[line], nil
}

// Level reports the current level of a line.
func (m *Memory) Level(line int) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[line]
}

// Writes counts successful Set calls.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// SetError makes every following Set fail with err until cleared with nil.
func (m *Memory) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
