package serialmux

import (
	"fmt"
	"strconv"
	"strings"
)

// Relay board line protocol. Commands are upper-case words terminated by a
// newline; the board answers every command with one or more lines.
//
//	RELAY <n> ON|OFF   switch one relay        -> OK RELAY <n> ON|OFF
//	ALL OFF            switch every relay off  -> OK ALL OFF
//	STATUS             report every relay      -> RELAY <n> ON|OFF (one per relay)
//	anything else                              -> ERR <message>
const (
	CommandAllOff = "ALL OFF"
	CommandStatus = "STATUS"
)

const (
	EventTypeRelayState = "relay_state"
	EventTypeAllOff     = "all_off"
	EventTypeError      = "error"
	EventTypeUnknown    = "unknown"
)

// RelayEvent is one line reported by the board.
type RelayEvent struct {
	Type    string
	Line    int
	On      bool
	Ack     bool
	Message string
}

// RelayCommand formats the command switching relay line on or off.
func RelayCommand(line int, on bool) string {
	return fmt.Sprintf("RELAY %d %s", line, onOff(on))
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// ClassifyPayload returns the event type token of a line from the board.
func ClassifyPayload(payload string) string {
	return ParseRelayEvent(payload).Type
}

// ParseRelayEvent decodes a line from the board. Lines that do not follow
// the protocol come back as EventTypeUnknown with the raw text in Message.
func ParseRelayEvent(payload string) RelayEvent {
	fields := strings.Fields(strings.ToUpper(strings.TrimSpace(payload)))
	ev := RelayEvent{Type: EventTypeUnknown, Message: strings.TrimSpace(payload)}
	if len(fields) == 0 {
		return ev
	}

	if fields[0] == "ERR" {
		ev.Type = EventTypeError
		ev.Message = strings.TrimSpace(strings.TrimSpace(payload)[3:])
		return ev
	}
	if fields[0] == "OK" {
		ev.Ack = true
		fields = fields[1:]
	}

	switch {
	case len(fields) == 2 && fields[0] == "ALL" && fields[1] == "OFF":
		ev.Type = EventTypeAllOff
	case len(fields) == 3 && fields[0] == "RELAY":
		line, err := strconv.Atoi(fields[1])
		if err != nil || line < 0 {
			return ev
		}
		switch fields[2] {
		case "ON":
			ev.On = true
		case "OFF":
		default:
			return ev
		}
		ev.Type = EventTypeRelayState
		ev.Line = line
	}
	return ev
}
