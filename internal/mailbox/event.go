package mailbox

import (
	"fmt"
	"strings"
)

// EventKind names a folder change reported by the server.
type EventKind string

const (
	// EventExists is sent when the message count of the selected folder
	// changes, which is how new mail is announced.
	EventExists  EventKind = "EXISTS"
	EventExpunge EventKind = "EXPUNGE"
)

// Event is a folder change notification.
type Event struct {
	Kind  EventKind
	Count uint32 // message count for EventExists, sequence number for EventExpunge
}

// ParseEventKind maps a configured event name to an EventKind. RECENT is
// accepted as an alias of EXISTS.
func ParseEventKind(name string) (EventKind, error) {
	switch strings.ToUpper(name) {
	case "EXISTS", "RECENT":
		return EventExists, nil
	case "EXPUNGE":
		return EventExpunge, nil
	}
	return "", fmt.Errorf("unknown event %q", name)
}

// ParseEventKinds parses names, defaulting to EventExists when empty.
func ParseEventKinds(names []string) ([]EventKind, error) {
	if len(names) == 0 {
		return []EventKind{EventExists}, nil
	}
	kinds := make([]EventKind, 0, len(names))
	for _, name := range names {
		kind, err := ParseEventKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// eventQueue buffers events delivered by the protocol reader. Pushing
// never blocks; events arriving on a full queue are dropped.
type eventQueue chan Event

func newEventQueue() eventQueue {
	return make(eventQueue, 64)
}

func (q eventQueue) push(ev Event) {
	select {
	case q <- ev:
	default:
	}
}

// pending returns the first queued event accepted by want, discarding the
// ones it rejects.
func (q eventQueue) pending(want func(Event) bool) (Event, bool) {
	for {
		select {
		case ev := <-q:
			if want(ev) {
				return ev, true
			}
		default:
			return Event{}, false
		}
	}
}
