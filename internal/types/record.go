package types

import "fmt"

// EventType identifies what a Record journals.
type EventType uint8

const (
	EventAccepted EventType = iota + 1
	EventDispatched
	EventAcked
	EventRetried
	EventDeadLettered
	// EventRegistered and EventDeregistered live only in RegistryPartition.
	EventRegistered
	EventDeregistered
)

var eventNames = [...]string{
	EventAccepted:     "ACCEPTED",
	EventDispatched:   "DISPATCHED",
	EventAcked:        "ACKED",
	EventRetried:      "RETRIED",
	EventDeadLettered: "DEAD_LETTERED",
	EventRegistered:   "REGISTERED",
	EventDeregistered: "DEREGISTERED",
}

func (e EventType) String() string {
	if int(e) < len(eventNames) && eventNames[e] != "" {
		return eventNames[e]
	}
	return "UNKNOWN"
}

// MarshalText encodes the event type by name.
func (e EventType) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

// UnmarshalText is the inverse of MarshalText.
func (e *EventType) UnmarshalText(b []byte) error {
	t, err := ParseEventType(string(b))
	if err != nil {
		return err
	}
	*e = t
	return nil
}

// ParseEventType returns the EventType named s.
func ParseEventType(s string) (EventType, error) {
	for i, n := range eventNames {
		if n != "" && n == s {
			return EventType(i), nil
		}
	}
	return 0, fmt.Errorf("types: unknown event type %q", s)
}

// Terminal reports whether a message whose last event is e will never be
// dispatched again without operator action.
func (e EventType) Terminal() bool {
	return e == EventAcked || e == EventDeadLettered || e == EventDeregistered
}

// RegistryPartition is the reserved partition journaling instance
// registrations. Its leading underscore cannot start a valid topic.
const RegistryPartition = "_hub.registry"

// Record is one immutable entry of the event log.
type Record struct {
	// Seq is assigned by the store on append: strictly increasing and
	// gap-free within a partition.
	Seq       uint64    `json:"seq"`
	Partition string    `json:"partition"`
	Type      EventType `json:"type"`
	// MessageID is the message ID, or the instance ID in RegistryPartition.
	MessageID string `json:"message_id"`
	// Snapshot is the JSON encoding of the entity at the time of the event.
	Snapshot  []byte `json:"snapshot,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
