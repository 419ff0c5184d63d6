package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"
)

// EmulatedRelayPort is a SerialPorter that behaves like a relay board: every
// command written to it is answered on the read side following the board
// protocol. It backs the relay driver in dev mode.
type EmulatedRelayPort struct {
	mu     sync.Mutex
	cond   *sync.Cond
	out    bytes.Buffer
	relays map[int]bool
	closed bool
}

// NewEmulatedRelayPort returns an emulated board with every relay off.
func NewEmulatedRelayPort() *EmulatedRelayPort {
	p := &EmulatedRelayPort{relays: make(map[int]bool)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// NewEmulatedRelayMux creates a SerialMux backed by an emulated relay board.
func NewEmulatedRelayMux() *SerialMux[*EmulatedRelayPort] {
	return NewSerialMux(NewEmulatedRelayPort())
}

// Read blocks until the board has a reply to deliver or the port is closed.
func (p *EmulatedRelayPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.out.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.out.Len() == 0 {
		return 0, errors.New("serial port closed")
	}
	return p.out.Read(buf)
}

// Write accepts newline-terminated commands and queues the board's replies.
func (p *EmulatedRelayPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("serial port closed")
	}
	for _, command := range strings.Split(string(data), "\n") {
		command = strings.TrimSpace(command)
		if command == "" {
			continue
		}
		p.apply(command)
	}
	p.cond.Broadcast()
	return len(data), nil
}

func (p *EmulatedRelayPort) apply(command string) {
	upper := strings.ToUpper(command)
	switch {
	case upper == CommandAllOff:
		for line := range p.relays {
			p.relays[line] = false
		}
		p.out.WriteString("OK ALL OFF\n")
	case upper == CommandStatus:
		for line := 0; line <= p.maxLine(); line++ {
			if on, ok := p.relays[line]; ok {
				p.out.WriteString(RelayCommand(line, on) + "\n")
			}
		}
	default:
		ev := ParseRelayEvent(upper)
		if ev.Type != EventTypeRelayState || ev.Ack {
			p.out.WriteString("ERR unknown command " + command + "\n")
			return
		}
		p.relays[ev.Line] = ev.On
		p.out.WriteString("OK " + RelayCommand(ev.Line, ev.On) + "\n")
	}
}

func (p *EmulatedRelayPort) maxLine() int {
	highest := -1
	for line := range p.relays {
		highest = max(highest, line)
	}
	return highest
}

// Relay reports the emulated state of one relay.
func (p *EmulatedRelayPort) Relay(line int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.relays[line]
}

// Close wakes any blocked reader.
func (p *EmulatedRelayPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
// It provides fine-grained control over reads, writes, errors, and latency.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadLatency adds a delay to each Read call
	ReadLatency time.Duration

	// WriteLatency adds a delay to each Write call
	WriteLatency time.Duration

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls records the number of Read calls
	ReadCalls int

	// WriteCalls records the number of Write calls
	WriteCalls int

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	// readCond is used to signal blocked readers
	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read reads from the read buffer, optionally simulating latency and errors.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	if t.ReadLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.ReadLatency)
		t.mu.Lock()
	}

	// If blocking reads are enabled and buffer is empty, wait for data
	if t.BlockReads && t.ReadBuffer.Len() == 0 {
		for !t.Closed && t.ReadBuffer.Len() == 0 {
			t.readCond.Wait()
		}
		if t.Closed {
			return 0, errors.New("serial port closed")
		}
	}

	return t.ReadBuffer.Read(p)
}

// Write writes to the write buffer, optionally simulating latency and errors.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	if t.WriteLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.WriteLatency)
		t.mu.Lock()
	}

	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast() // Wake up any blocked readers

	return t.CloseError
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Signal() // Wake up a blocked reader
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.WriteBuffer.Bytes()
}

// Reset clears all buffers and resets state.
func (t *TestableSerialPort) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Reset()
	t.WriteBuffer.Reset()
	t.ReadCalls = 0
	t.WriteCalls = 0
	t.Closed = false
	t.ReadError = nil
	t.WriteError = nil
	t.CloseError = nil
	t.ReadLatency = 0
	t.WriteLatency = 0
}
