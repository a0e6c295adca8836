// Package types contains the domain types shared by every messagehub package.
// It imports no other messagehub package so the store, the queue and the
// router can all depend on it without cycles.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is the lifecycle state of a message inside the hub.
type Status uint8

const (
	// StatusPending means the message is waiting in a priority queue (or in
	// the retry scheduler) for its next delivery attempt.
	StatusPending Status = iota
	// StatusInFlight means a delivery attempt is currently running.
	StatusInFlight
	// StatusDelivered means a consumer acknowledged the message. Terminal.
	StatusDelivered
	// StatusDeadLettered means the message exhausted its attempts or was
	// rejected permanently. Only an operator requeue moves it again.
	StatusDeadLettered
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusDelivered:
		return "delivered"
	case StatusDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name so JSON snapshots stay readable.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText is the inverse of MarshalText.
func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = StatusPending
	case "in_flight":
		*s = StatusInFlight
	case "delivered":
		*s = StatusDelivered
	case "dead_lettered":
		*s = StatusDeadLettered
	default:
		return fmt.Errorf("types: unknown status %q", b)
	}
	return nil
}

// Terminal reports whether no further automatic transition can happen.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusDeadLettered
}

// ValidTransition reports whether from → to is a legal state change.
//
//	PENDING ──► IN_FLIGHT ──► DELIVERED
//	   ▲            │
//	   └────────────┤
//	   ▲            ▼
//	   └──────  DEAD_LETTERED   (operator requeue only)
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInFlight
	case StatusInFlight:
		return to == StatusPending || to == StatusDelivered || to == StatusDeadLettered
	case StatusDeadLettered:
		return to == StatusPending
	}
	return false
}

// Attempt records the outcome of one delivery attempt.
type Attempt struct {
	Number     int    `json:"number"`
	InstanceID string `json:"instance_id,omitempty"`
	StartedAt  int64  `json:"started_at"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	Permanent  bool   `json:"permanent,omitempty"`
}

// Message is the unit of data routed by the hub.
//
// All timestamps are UTC milliseconds since the Unix epoch. IDs are ULIDs
// assigned at ingestion, so they sort by acceptance time.
type Message struct {
	ID            string            `json:"id"`
	Topic         string            `json:"topic"`
	Payload       []byte            `json:"payload"`
	ContentType   string            `json:"content_type,omitempty"`
	Priority      int               `json:"priority"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`

	// AttemptCount is the number of delivery attempts already made. It never
	// decreases except through an operator requeue of a dead letter.
	AttemptCount int `json:"attempt_count"`
	// MaxAttempts is resolved from the topic's retry policy at ingestion.
	MaxAttempts int `json:"max_attempts"`

	CreatedAt int64  `json:"created_at"`
	Status    Status `json:"status"`

	// NotBefore is the earliest time the next attempt may start. Zero means
	// immediately.
	NotBefore int64 `json:"not_before,omitempty"`

	History []Attempt `json:"history,omitempty"`
}

// Partition returns the event-log partition the message is journaled in.
func (m *Message) Partition() string {
	return PartitionKey(m.Topic, m.Priority)
}

// AttemptsLeft reports whether another delivery attempt is permitted.
func (m *Message) AttemptsLeft() bool {
	return m.AttemptCount < m.MaxAttempts
}

// LastError returns the error of the most recent attempt, if any.
func (m *Message) LastError() string {
	if len(m.History) == 0 {
		return ""
	}
	return m.History[len(m.History)-1].Error
}

// Clone returns a copy of the message whose History and Metadata can be
// mutated without affecting the original. Payload is shared.
func (m *Message) Clone() *Message {
	c := *m
	if m.History != nil {
		c.History = append([]Attempt(nil), m.History...)
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// partitionSep never appears in a valid topic.
const partitionSep = "~"

// PartitionKey returns the event-log partition name for (topic, priority).
func PartitionKey(topic string, priority int) string {
	return topic + partitionSep + strconv.Itoa(priority)
}

// ParsePartition splits a partition name produced by PartitionKey.
func ParsePartition(p string) (topic string, priority int, err error) {
	i := strings.LastIndex(p, partitionSep)
	if i <= 0 {
		return "", 0, fmt.Errorf("types: malformed partition %q", p)
	}
	priority, err = strconv.Atoi(p[i+1:])
	if err != nil || priority < 0 {
		return "", 0, fmt.Errorf("types: malformed partition %q", p)
	}
	return p[:i], priority, nil
}
