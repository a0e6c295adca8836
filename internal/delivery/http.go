package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/snehjoshi/messagehub/internal/types"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, keyed
// with the instance secret, as "sha256=<hex>".
const SignatureHeader = "X-Hub-Signature"

// HTTPTransport POSTs the envelope to the instance's webhook URL.
//
// 2xx acknowledges the message. 4xx except 408 and 429 is a permanent
// rejection. Anything else, including network errors and timeouts, is
// transient.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport returns a transport using client, or a default client
// when nil. Per-attempt timeouts come from the caller's context.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{Client: client}
}

// Sign returns the SignatureHeader value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Deliver implements Transport.
func (h *HTTPTransport) Deliver(ctx context.Context, inst types.Instance, msg *types.Message) error {
	body, err := json.Marshal(NewEnvelope(msg))
	if err != nil {
		return Permanent(fmt.Errorf("delivery: marshal envelope: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inst.Address, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("delivery: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hub-Message-Id", msg.ID)
	req.Header.Set("X-Hub-Topic", msg.Topic)
	if inst.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(inst.Secret, body))
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("delivery: POST %s: %w", inst.Address, err)
	}
	defer resp.Body.Close()
	// Drain a little so the connection can be reused.
	_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return fmt.Errorf("delivery: %s returned %d", inst.Address, code)
	case code >= 400 && code < 500:
		return Permanent(fmt.Errorf("delivery: %s rejected message with %d", inst.Address, code))
	default:
		return fmt.Errorf("delivery: %s returned %d", inst.Address, code)
	}
}
