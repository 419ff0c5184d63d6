package gpio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/visionpick/internal/roi"
	"github.com/banshee-data/visionpick/internal/serialmux"
)

func testBindings() Bindings {
	return BindingsFor([]roi.Zone{
		{ID: "a", GPIO: &roi.GPIOBinding{Enable: true, Line: 2}},
		{ID: "b", GPIO: &roi.GPIOBinding{Enable: true, Line: 2}},
		{ID: "c", GPIO: &roi.GPIOBinding{Enable: true, Line: 5}},
		{ID: "d", GPIO: &roi.GPIOBinding{Enable: false, Line: 9}},
		{ID: "e"},
	})
}

func TestBindings(t *testing.T) {
	b := testBindings()
	assert.Equal(t, Bindings{"a": 2, "b": 2, "c": 5}, b)
	assert.Equal(t, []int{2, 5}, b.Lines())
	assert.Equal(t, []string{"a", "b"}, b.Zones(2))

	_, err := b.Line("d")
	assert.ErrorIs(t, err, ErrUnboundZone)
	line, err := b.Line("c")
	require.NoError(t, err)
	assert.Equal(t, 5, line)
}

func TestMemory_SharedLine(t *testing.T) {
	m := NewMemory(testBindings())

	lvl, err := m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, Low, lvl)

	require.NoError(t, m.Set("a", High))
	lvl, err = m.Get("b")
	require.NoError(t, err)
	assert.Equal(t, High, lvl, "zones sharing a line see the same level")
	assert.Equal(t, Low, m.Level(5))

	assert.ErrorIs(t, m.Set("e", High), ErrUnboundZone)
	_, err = m.Get("e")
	assert.ErrorIs(t, err, ErrUnboundZone)

	m.SetError(errors.New("stuck"))
	assert.EqualError(t, m.Set("c", High), "stuck")
	m.SetError(nil)
	assert.Equal(t, 1, m.Writes())
}

func TestAllLow(t *testing.T) {
	m := NewMemory(testBindings())
	require.NoError(t, m.Set("a", High))
	require.NoError(t, m.Set("c", High))

	require.NoError(t, AllLow(m, testBindings()))
	assert.Equal(t, Low, m.Level(2))
	assert.Equal(t, Low, m.Level(5))

	m.SetError(errors.New("stuck"))
	err := AllLow(m, testBindings())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2: stuck")
	assert.Contains(t, err.Error(), "line 5: stuck")
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "high", High.String())
	assert.Equal(t, "low", Low.String())
}

func TestRelayBoard_SetWritesCommands(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	board := NewRelayBoard(serialmux.NewSerialMux(port), testBindings())

	require.NoError(t, board.Init())
	require.NoError(t, board.Set("b", High))
	require.NoError(t, board.Set("c", Low))

	assert.Equal(t, "ALL OFF\nSTATUS\nRELAY 2 ON\nRELAY 5 OFF\n", string(port.GetWrittenData()))

	lvl, err := board.Get("a")
	require.NoError(t, err)
	assert.Equal(t, High, lvl)

	assert.ErrorIs(t, board.Set("e", High), ErrUnboundZone)
}

func TestRelayBoard_WriteFailureKeepsLevel(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	board := NewRelayBoard(serialmux.NewSerialMux(port), testBindings())

	port.WriteError = errors.New("unplugged")
	err := board.Set("a", High)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "set relay 2")

	lvl, err := board.Get("a")
	require.NoError(t, err)
	assert.Equal(t, Low, lvl)
}

func TestRelayBoard_WatchFollowsBoard(t *testing.T) {
	mux := serialmux.NewEmulatedRelayMux()
	board := NewRelayBoard(mux, testBindings())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)
	go board.Watch(ctx)

	require.NoError(t, board.Set("c", High))

	// Someone switches relay 5 off at the board; STATUS reports it.
	require.NoError(t, mux.SendCommand("RELAY 5 OFF"))

	assert.Eventually(t, func() bool {
		_ = mux.SendCommand(serialmux.CommandStatus)
		lvl, err := board.Get("c")
		return err == nil && lvl == Low
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, board.Set("a", High))
	assert.Eventually(t, func() bool {
		_ = mux.SendCommand(serialmux.CommandAllOff)
		lvl, _ := board.Get("a")
		return lvl == Low
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, mux.Close())
}
