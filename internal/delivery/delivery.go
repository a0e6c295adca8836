// Package delivery sends messages to consumer instances.
//
// A Transport returns nil when the consumer acknowledged the message. Errors
// wrapped with Permanent mean the consumer rejected the payload itself and
// retrying cannot help; every other error is transient.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/snehjoshi/messagehub/internal/types"
)

// Transport delivers one message to one instance. Implementations must honour
// ctx cancellation; the caller bounds every attempt with a timeout.
type Transport interface {
	Deliver(ctx context.Context, inst types.Instance, msg *types.Message) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, inst types.Instance, msg *types.Message) error

func (f TransportFunc) Deliver(ctx context.Context, inst types.Instance, msg *types.Message) error {
	return f(ctx, inst, msg)
}

// permanentError marks a rejection that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so IsPermanent reports true. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked with
// Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Envelope is the JSON body every transport sends.
type Envelope struct {
	ID            string            `json:"id"`
	Topic         string            `json:"topic"`
	Priority      int               `json:"priority"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ContentType   string            `json:"content_type,omitempty"`
	Payload       []byte            `json:"payload"` // base64 in JSON
	AttemptCount  int               `json:"attempt_count"`
	CreatedAt     int64             `json:"created_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewEnvelope builds the envelope of msg. AttemptCount is the number of the
// attempt being made, starting at 1.
func NewEnvelope(msg *types.Message) Envelope {
	return Envelope{
		ID:            msg.ID,
		Topic:         msg.Topic,
		Priority:      msg.Priority,
		CorrelationID: msg.CorrelationID,
		ContentType:   msg.ContentType,
		Payload:       msg.Payload,
		AttemptCount:  msg.AttemptCount + 1,
		CreatedAt:     msg.CreatedAt,
		Metadata:      msg.Metadata,
	}
}

// ErrUnsupportedScheme is returned by Mux for an address whose scheme has no
// registered transport.
var ErrUnsupportedScheme = errors.New("delivery: unsupported address scheme")

// Mux routes deliveries to a Transport by the scheme of the instance address.
type Mux struct {
	mu      sync.RWMutex
	schemes map[string]Transport
}

// NewMux returns an empty Mux.
func NewMux() *Mux { return &Mux{schemes: make(map[string]Transport)} }

// Handle registers t for scheme, replacing any previous registration.
func (m *Mux) Handle(scheme string, t Transport) {
	m.mu.Lock()
	m.schemes[scheme] = t
	m.mu.Unlock()
}

// Deliver implements Transport. An unsupported scheme is a permanent error:
// no retry will make the address deliverable.
func (m *Mux) Deliver(ctx context.Context, inst types.Instance, msg *types.Message) error {
	u, err := url.Parse(inst.Address)
	if err != nil {
		return Permanent(fmt.Errorf("delivery: parse address %q: %w", inst.Address, err))
	}
	m.mu.RLock()
	t, ok := m.schemes[u.Scheme]
	m.mu.RUnlock()
	if !ok {
		return Permanent(fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme))
	}
	return t.Deliver(ctx, inst, msg)
}
