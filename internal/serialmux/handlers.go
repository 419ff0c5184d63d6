package serialmux

import (
	"context"
	"log"
)

// WatchRelayEvents subscribes to the board and calls handle for every line it
// reports until ctx is cancelled or the mux is closed. Unknown lines are
// logged and skipped.
func WatchRelayEvents(ctx context.Context, mux SerialMuxInterface, handle func(RelayEvent)) error {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			ev := ParseRelayEvent(line)
			switch ev.Type {
			case EventTypeUnknown:
				log.Printf("relay board: unknown line %q", line)
				continue
			case EventTypeError:
				log.Printf("relay board error: %s", ev.Message)
			}
			handle(ev)
		}
	}
}
