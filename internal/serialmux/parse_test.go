package serialmux

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRelayEvent(t *testing.T) {
	tests := []struct {
		in   string
		want RelayEvent
	}{
		{"OK RELAY 2 ON", RelayEvent{Type: EventTypeRelayState, Line: 2, On: true, Ack: true, Message: "OK RELAY 2 ON"}},
		{"relay 0 off\r", RelayEvent{Type: EventTypeRelayState, Line: 0, Message: "relay 0 off"}},
		{"OK ALL OFF", RelayEvent{Type: EventTypeAllOff, Ack: true, Message: "OK ALL OFF"}},
		{"ERR bad line", RelayEvent{Type: EventTypeError, Message: "bad line"}},
		{"RELAY x ON", RelayEvent{Type: EventTypeUnknown, Message: "RELAY x ON"}},
		{"RELAY -1 ON", RelayEvent{Type: EventTypeUnknown, Message: "RELAY -1 ON"}},
		{"RELAY 1 MAYBE", RelayEvent{Type: EventTypeUnknown, Message: "RELAY 1 MAYBE"}},
		{"", RelayEvent{Type: EventTypeUnknown}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ParseRelayEvent(tt.in)); diff != "" {
				t.Errorf("ParseRelayEvent(%q) mismatch (-want +got):\n%s", tt.in, diff)
			}
		})
	}
	assert.Equal(t, EventTypeAllOff, ClassifyPayload("ok all off"))
}

func TestRelayCommand(t *testing.T) {
	assert.Equal(t, "RELAY 7 ON", RelayCommand(7, true))
	assert.Equal(t, "RELAY 0 OFF", RelayCommand(0, false))
}

func TestWatchRelayEvents(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewSerialMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu     sync.Mutex
		events []RelayEvent
	)
	got := make(chan struct{}, 8)
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- WatchRelayEvents(ctx, mux, func(ev RelayEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
			got <- struct{}{}
		})
	}()
	go mux.Monitor(ctx)

	// Wait for the watcher to subscribe before feeding lines.
	require.Eventually(t, func() bool {
		mux.subscriberMu.Lock()
		defer mux.subscriberMu.Unlock()
		return len(mux.subscribers) == 1
	}, 2*time.Second, 5*time.Millisecond)

	port.AddReadData([]byte("garbage\nOK RELAY 1 OFF\nERR overheated\n"))
	for range 2 {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for relay events")
		}
	}

	mu.Lock()
	require.Len(t, events, 2)
	assert.Equal(t, EventTypeRelayState, events[0].Type)
	assert.Equal(t, 1, events[0].Line)
	assert.Equal(t, EventTypeError, events[1].Type)
	assert.Equal(t, "overheated", events[1].Message)
	mu.Unlock()

	cancel()
	select {
	case err := <-watchDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
