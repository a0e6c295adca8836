package client

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// SignatureHeader carries "sha256=<hex hmac>" of the body when the
// subscription has a secret.
const SignatureHeader = "X-Hub-Signature"

// Envelope is the body the hub POSTs to a webhook.
type Envelope struct {
	ID            string            `json:"id"`
	Topic         string            `json:"topic"`
	Priority      int               `json:"priority"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ContentType   string            `json:"content_type,omitempty"`
	Payload       []byte            `json:"payload"`
	AttemptCount  int               `json:"attempt_count"`
	CreatedAt     int64             `json:"created_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// VerifySignature reports whether header is the signature of body under
// secret.
func VerifySignature(secret string, body []byte, header string) bool {
	got, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	sum, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sum, mac.Sum(nil))
}

type rejection struct{ err error }

func (r *rejection) Error() string { return r.err.Error() }
func (r *rejection) Unwrap() error { return r.err }

// Reject marks a handler error as permanent: the hub dead-letters the
// message instead of retrying it.
func Reject(err error) error { return &rejection{err: err} }

// maxEnvelopeBytes bounds the webhook body read.
const maxEnvelopeBytes = 8 << 20

// WebhookHandler decodes deliveries and passes them to fn. A nil return
// acknowledges the message; an error wrapped by Reject answers 422 and any
// other error 503, which the hub retries. With a non-empty secret, requests
// with a missing or wrong signature are refused with 401.
func WebhookHandler(secret string, fn func(ctx context.Context, env Envelope) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBytes))
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if secret != "" && !VerifySignature(secret, body, r.Header.Get(SignatureHeader)) {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
		var env Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			http.Error(w, "invalid envelope: "+err.Error(), http.StatusBadRequest)
			return
		}

		err = fn(r.Context(), env)
		var rej *rejection
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.As(err, &rej):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		}
	})
}
