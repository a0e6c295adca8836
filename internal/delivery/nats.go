package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/snehjoshi/messagehub/internal/types"
)

// Reply is the JSON a NATS consumer answers a delivery request with.
type Reply struct {
	OK        bool   `json:"ok"`
	Permanent bool   `json:"permanent,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NATSTransport delivers to "nats://<subject>" addresses with a
// request/reply round trip. The consumer's Reply decides the outcome.
type NATSTransport struct {
	conn *nats.Conn
}

// DialNATS connects to the server at url with reconnects enabled.
func DialNATS(url string, opts ...nats.Option) (*NATSTransport, error) {
	defaults := []nats.Option{
		nats.Name("messagehub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("delivery: nats connect %s: %w", url, err)
	}
	return &NATSTransport{conn: nc}, nil
}

// NewNATSTransport wraps an existing connection. Close will drain it.
func NewNATSTransport(nc *nats.Conn) *NATSTransport { return &NATSTransport{conn: nc} }

// Subject extracts the subject from a nats:// address.
func Subject(addr string) (string, error) {
	s, ok := strings.CutPrefix(addr, "nats://")
	if !ok || s == "" {
		return "", fmt.Errorf("delivery: %q is not a nats:// address", addr)
	}
	return s, nil
}

// Deliver implements Transport.
func (n *NATSTransport) Deliver(ctx context.Context, inst types.Instance, msg *types.Message) error {
	subject, err := Subject(inst.Address)
	if err != nil {
		return Permanent(err)
	}
	body, err := json.Marshal(NewEnvelope(msg))
	if err != nil {
		return Permanent(fmt.Errorf("delivery: marshal envelope: %w", err))
	}

	req := nats.NewMsg(subject)
	req.Data = body
	req.Header.Set("Hub-Message-Id", msg.ID)
	req.Header.Set("Hub-Topic", msg.Topic)
	if inst.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(inst.Secret, body))
	}

	resp, err := n.conn.RequestMsgWithContext(ctx, req)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("delivery: no responders on %s: %w", subject, err)
		}
		return fmt.Errorf("delivery: request %s: %w", subject, err)
	}

	var r Reply
	if err := json.Unmarshal(resp.Data, &r); err != nil {
		return fmt.Errorf("delivery: malformed reply from %s: %w", subject, err)
	}
	switch {
	case r.OK:
		return nil
	case r.Permanent:
		return Permanent(fmt.Errorf("delivery: %s rejected message: %s", subject, r.Error))
	default:
		return fmt.Errorf("delivery: %s failed: %s", subject, r.Error)
	}
}

// Close drains the connection.
func (n *NATSTransport) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
