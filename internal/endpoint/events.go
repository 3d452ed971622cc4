package endpoint

import "github.com/oceanchat/session-server/internal/protocol"

// EventKind discriminates lifecycle events sent to the state coordinator.
type EventKind int

const (
	// EventEnqueue admits a new endpoint into the waiting queue, evicting
	// any same-id occupant first.
	EventEnqueue EventKind = iota

	// EventStateChange asks to move the user to Target (Waiting or Idle).
	EventStateChange

	// EventRemove reports that the endpoint's socket is gone (close,
	// error, or read-timeout). Emitted exactly once per endpoint, by its
	// reader goroutine.
	EventRemove

	// EventStatus requests the user's current status on Reply.
	EventStatus
)

func (k EventKind) String() string {
	switch k {
	case EventEnqueue:
		return "enqueue"
	case EventStateChange:
		return "state_change"
	case EventRemove:
		return "remove"
	case EventStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Event is one lifecycle event delivered to the coordinator's mailbox.
// EP identifies the concrete endpoint instance; handlers compare instances,
// not just ids, so events from an evicted endpoint cannot affect its
// replacement. Status queries from the HTTP surface carry only ID.
type Event struct {
	Kind   EventKind
	EP     *Endpoint
	ID     string
	Target protocol.UserStatus
	Reply  chan protocol.UserStatus
}
