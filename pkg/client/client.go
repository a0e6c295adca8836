// Package client is the Go SDK for the hub's control API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	id, err := c.Publish(ctx, "orders.created", []byte(`{"order":42}`),
//	    client.WithPriority(0))
//
//	inst, err := c.Subscribe(ctx, "http://billing:9000/hook", []string{"orders.>"},
//	    client.WithSecret("s3cret"))
//	go c.KeepAlive(ctx, inst, 10*time.Second)
//
// # Error handling
//
// Every method returns an *APIError when the server answers with a non-2xx
// status. IsNotFound, IsCapacity and IsUnavailable classify the common cases.
//
// Client is safe for concurrent use.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ─── Errors ───────────────────────────────────────────────────────────────────

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
	// Field names the offending request field on validation errors.
	Field string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("messagehub: server returned %d: %s (field %s)", e.StatusCode, e.Message, e.Field)
	}
	return fmt.Sprintf("messagehub: server returned %d: %s", e.StatusCode, e.Message)
}

func hasStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// IsNotFound reports a 404.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsCapacity reports a 429: the hub's queue or event log is full, or the
// client was rate limited. Retry later.
func IsCapacity(err error) bool { return hasStatus(err, http.StatusTooManyRequests) }

// IsUnavailable reports a 503: the hub's event store is failed.
func IsUnavailable(err error) bool { return hasStatus(err, http.StatusServiceUnavailable) }

// IsValidation reports a 400.
func IsValidation(err error) bool { return hasStatus(err, http.StatusBadRequest) }

// ─── Client ───────────────────────────────────────────────────────────────────

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key as X-Api-Key on every request.
func WithAPIKey(key string) Option { return func(c *Client) { c.apiKey = key } }

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithTimeout sets the per-request timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.http.Timeout = d } }

// Client talks to one hub.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New returns a Client for the hub at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Publish ──────────────────────────────────────────────────────────────────

// PublishOption configures one Publish call.
type PublishOption func(*publishPayload)

// WithPriority sets the priority level; 0 is the most urgent.
func WithPriority(p int) PublishOption { return func(pp *publishPayload) { pp.Priority = p } }

// WithCorrelationID sets the correlation ID instead of letting the hub
// generate one.
func WithCorrelationID(id string) PublishOption {
	return func(pp *publishPayload) { pp.CorrelationID = id }
}

// WithContentType labels the payload, e.g. "application/json".
func WithContentType(ct string) PublishOption {
	return func(pp *publishPayload) { pp.ContentType = ct }
}

// WithMetadata attaches key/value pairs delivered with the message.
func WithMetadata(m map[string]string) PublishOption {
	return func(pp *publishPayload) { pp.Metadata = m }
}

// Publish journals a message on topic and returns its ID. The message is
// durable once Publish returns nil.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, opts ...PublishOption) (string, error) {
	p := publishPayload{Topic: topic, Payload: payload}
	for _, o := range opts {
		o(&p)
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/publish", p, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// ─── Instances ────────────────────────────────────────────────────────────────

// SubscribeOption configures one Subscribe call.
type SubscribeOption func(*subscribePayload)

// WithInstanceID re-registers an existing instance under its ID.
func WithInstanceID(id string) SubscribeOption {
	return func(p *subscribePayload) { p.InstanceID = id }
}

// WithWeight sets the load-balancing weight (default 1).
func WithWeight(w int) SubscribeOption { return func(p *subscribePayload) { p.Weight = w } }

// WithSecret makes the hub sign webhook deliveries with HMAC-SHA256.
func WithSecret(s string) SubscribeOption { return func(p *subscribePayload) { p.Secret = s } }

// Subscribe registers a consumer at address for the topic patterns and
// returns its instance ID. address is an http(s) webhook URL or
// nats://<subject>.
func (c *Client) Subscribe(ctx context.Context, address string, topics []string, opts ...SubscribeOption) (string, error) {
	p := subscribePayload{Address: address, Topics: topics}
	for _, o := range opts {
		o(&p)
	}
	var resp struct {
		InstanceID string `json:"instance_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/subscribe", p, &resp); err != nil {
		return "", err
	}
	return resp.InstanceID, nil
}

// Unsubscribe removes an instance.
func (c *Client) Unsubscribe(ctx context.Context, instanceID string) error {
	return c.do(ctx, http.MethodDelete, "/subscribe/"+url.PathEscape(instanceID), nil, nil)
}

// Heartbeat reports the instance alive.
func (c *Client) Heartbeat(ctx context.Context, instanceID string) error {
	return c.do(ctx, http.MethodPost, "/heartbeat/"+url.PathEscape(instanceID), nil, nil)
}

// KeepAlive heartbeats every interval until ctx is done, which it returns,
// or the instance is unknown to the hub. Other failures are retried on the
// next tick.
func (c *Client) KeepAlive(ctx context.Context, instanceID string, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := c.Heartbeat(ctx, instanceID); IsNotFound(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Instances lists registered instances. Secrets are redacted.
func (c *Client) Instances(ctx context.Context) ([]Instance, error) {
	return c.instances(ctx, "")
}

// Subscribers lists the instances subscribed to topic, in any health state.
func (c *Client) Subscribers(ctx context.Context, topic string) ([]Instance, error) {
	if topic == "" {
		return nil, errors.New("messagehub: topic is required")
	}
	return c.instances(ctx, topic)
}

func (c *Client) instances(ctx context.Context, topic string) ([]Instance, error) {
	v := url.Values{}
	if topic != "" {
		v.Set("topic", topic)
	}
	var resp struct {
		Instances []Instance `json:"instances"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery("/subscribe", v), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Instances, nil
}

// ─── Event log ────────────────────────────────────────────────────────────────

// EventQuery selects a page of the event log.
type EventQuery struct {
	// Partition is a topic, or empty for every partition.
	Partition string
	From      uint64
	// Limit defaults to 100 on the server and is capped at 1000.
	Limit int
}

// Events reads one page of the event log.
func (c *Client) Events(ctx context.Context, q EventQuery) (EventPage, error) {
	v := url.Values{}
	if q.Partition != "" {
		v.Set("partition", q.Partition)
	}
	if q.From > 0 {
		v.Set("from", strconv.FormatUint(q.From, 10))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var page EventPage
	err := c.do(ctx, http.MethodGet, withQuery("/events", v), nil, &page)
	return page, err
}

// Message returns the journaled state of a message.
func (c *Client) Message(ctx context.Context, id string) (MessageStatus, error) {
	var st MessageStatus
	err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(id), nil, &st)
	return st, err
}

// Compact removes terminal records with Seq <= upTo; 0 means no bound.
func (c *Client) Compact(ctx context.Context, upTo uint64) (CompactResult, error) {
	v := url.Values{}
	if upTo > 0 {
		v.Set("up_to", strconv.FormatUint(upTo, 10))
	}
	var res CompactResult
	err := c.do(ctx, http.MethodPost, withQuery("/compact", v), nil, &res)
	return res, err
}

// ─── Dead letters ─────────────────────────────────────────────────────────────

// DeadLetterFilter selects dead letters. Zero values match everything.
type DeadLetterFilter struct {
	Topic string
	Since time.Time
	// Kind is "transient" or "permanent".
	Kind  string
	Limit int
}

func (f DeadLetterFilter) values() url.Values {
	v := url.Values{}
	if f.Topic != "" {
		v.Set("topic", f.Topic)
	}
	if !f.Since.IsZero() {
		v.Set("since", strconv.FormatInt(f.Since.UnixMilli(), 10))
	}
	if f.Kind != "" {
		v.Set("kind", f.Kind)
	}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	return v
}

// DeadLetters lists parked messages, oldest first.
func (c *Client) DeadLetters(ctx context.Context, f DeadLetterFilter) ([]DeadLetter, error) {
	var resp struct {
		DeadLetters []DeadLetter `json:"dead_letters"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery("/deadletters", f.values()), nil, &resp); err != nil {
		return nil, err
	}
	return resp.DeadLetters, nil
}

// DeadLetter returns one entry.
func (c *Client) DeadLetter(ctx context.Context, id string) (DeadLetter, error) {
	var e DeadLetter
	err := c.do(ctx, http.MethodGet, "/deadletters/"+url.PathEscape(id), nil, &e)
	return e, err
}

// Requeue puts a dead letter back into dispatch with a fresh attempt budget.
func (c *Client) Requeue(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/deadletters/"+url.PathEscape(id)+"/requeue", nil, nil)
}

// Purge deletes a dead letter for good.
func (c *Client) Purge(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/deadletters/"+url.PathEscape(id), nil, nil)
}

// ReplayDeadLetters requeues every entry matching f and returns how many
// were requeued. On failure the count so far is returned with the error.
func (c *Client) ReplayDeadLetters(ctx context.Context, f DeadLetterFilter) (int, error) {
	var resp struct {
		Requeued int    `json:"requeued"`
		Error    string `json:"error"`
	}
	status, body, err := c.send(ctx, http.MethodPost, withQuery("/deadletters/replay", f.values()), nil)
	if err != nil {
		return 0, err
	}
	_ = json.Unmarshal(body, &resp)
	if status >= 300 {
		return resp.Requeued, apiError(status, body)
	}
	return resp.Requeued, nil
}

// ─── Health ───────────────────────────────────────────────────────────────────

// Health returns the hub's component summary. A hub with a failed store
// answers 503; the summary is still returned together with the *APIError.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	status, body, err := c.send(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return h, err
	}
	if uerr := json.Unmarshal(body, &h); uerr != nil && status < 300 {
		return h, fmt.Errorf("messagehub: decode response: %w", uerr)
	}
	if status >= 300 {
		return h, apiError(status, body)
	}
	return h, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do sends body as JSON and decodes a 2xx response into resp.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	status, respBody, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return apiError(status, respBody)
	}
	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("messagehub: decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("messagehub: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("messagehub: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("messagehub: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("messagehub: read response body: %w", err)
	}
	return resp.StatusCode, data, nil
}

func apiError(status int, body []byte) *APIError {
	var e struct {
		Error string `json:"error"`
		Field string `json:"field"`
	}
	_ = json.Unmarshal(body, &e)
	if e.Error == "" {
		e.Error = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: e.Error, Field: e.Field}
}

func withQuery(path string, v url.Values) string {
	if len(v) == 0 {
		return path
	}
	return path + "?" + v.Encode()
}

// ─── Wire types ───────────────────────────────────────────────────────────────

type publishPayload struct {
	Topic         string            `json:"topic"`
	Payload       []byte            `json:"payload"`
	ContentType   string            `json:"content_type,omitempty"`
	Priority      int               `json:"priority"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type subscribePayload struct {
	InstanceID string   `json:"instance_id,omitempty"`
	Address    string   `json:"address"`
	Topics     []string `json:"topics"`
	Weight     int      `json:"weight,omitempty"`
	Secret     string   `json:"secret,omitempty"`
}
