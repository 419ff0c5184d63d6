package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localHostRequest(method, path string, form url.Values) *http.Request {
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestSerialMux_SendCommandAppendsNewline(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	require.NoError(t, mux.SendCommand("RELAY 1 ON"))
	require.NoError(t, mux.SendCommand("RELAY 1 OFF\n"))

	assert.Equal(t, "RELAY 1 ON\nRELAY 1 OFF\n", string(port.GetWrittenData()))
}

func TestSerialMux_SendCommandWriteError(t *testing.T) {
	port := NewTestableSerialPort()
	port.WriteError = errors.New("unplugged")
	mux := NewSerialMux(port)

	assert.EqualError(t, mux.SendCommand("STATUS"), "unplugged")
}

func TestSerialMux_Initialize(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	require.NoError(t, mux.Initialize())
	assert.Equal(t, "ALL OFF\nSTATUS\n", string(port.GetWrittenData()))

	port.WriteError = errors.New("boom")
	err := mux.Initialize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"ALL OFF"`)
}

func TestSerialMux_MonitorFansOutLines(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewSerialMux(port)

	id1, ch1 := mux.Subscribe()
	_, ch2 := mux.Subscribe()
	assert.NotEqual(t, "", id1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	port.AddReadData([]byte("OK RELAY 2 ON\n"))

	for _, ch := range []chan string{ch1, ch2} {
		select {
		case line := <-ch:
			assert.Equal(t, "OK RELAY 2 ON", line)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for line")
		}
	}

	mux.Unsubscribe(id1)
	_, open := <-ch1
	assert.False(t, open, "unsubscribed channel should be closed")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
	require.NoError(t, mux.Close())
	_, open = <-ch2
	assert.False(t, open, "Close should close remaining subscribers")
}

func TestSerialMux_AdminSendCommand(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	tests := []struct {
		name   string
		method string
		form   url.Values
		status int
	}{
		{"valid", http.MethodPost, url.Values{"command": {"RELAY 3 OFF"}}, http.StatusOK},
		{"blank", http.MethodPost, url.Values{"command": {"  "}}, http.StatusBadRequest},
		{"missing", http.MethodPost, url.Values{}, http.StatusBadRequest},
		{"get", http.MethodGet, nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			httpMux.ServeHTTP(rec, localHostRequest(tt.method, "/debug/send-command-api", tt.form))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, "RELAY 3 OFF\n", string(port.GetWrittenData()))
}

func TestSerialMux_AdminPages(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/relay", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay board")

	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/tail.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "EventSource")
}

func TestEmulatedRelayPort_AnswersCommands(t *testing.T) {
	mux := NewEmulatedRelayMux()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)
	go mux.Monitor(ctx)

	next := func() string {
		t.Helper()
		select {
		case line := <-lines:
			return line
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for board reply")
			return ""
		}
	}

	require.NoError(t, mux.SendCommand(RelayCommand(4, true)))
	assert.Equal(t, "OK RELAY 4 ON", next())
	assert.True(t, mux.port.Relay(4))

	require.NoError(t, mux.SendCommand(CommandStatus))
	assert.Equal(t, "RELAY 4 ON", next())

	require.NoError(t, mux.SendCommand(CommandAllOff))
	assert.Equal(t, "OK ALL OFF", next())
	assert.False(t, mux.port.Relay(4))

	require.NoError(t, mux.SendCommand("JUMP"))
	assert.Equal(t, "ERR unknown command JUMP", next())

	require.NoError(t, mux.Close())
}
