package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/snehjoshi/messagehub/internal/config"
	"github.com/snehjoshi/messagehub/internal/delivery"
	"github.com/snehjoshi/messagehub/internal/eventstore/local"
	"github.com/snehjoshi/messagehub/internal/metrics"
	"github.com/snehjoshi/messagehub/internal/router"
	transphttp "github.com/snehjoshi/messagehub/internal/transport/http"
	"github.com/snehjoshi/messagehub/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type fixture struct {
	h     http.Handler
	rt    *router.Router
	store *local.Store
}

// newFixture builds the control API over a router that is never started, so
// published messages stay pending and nothing is delivered.
func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.Registry.HeartbeatInterval = 0
	cfg.RateLimit.MaxRate = 0
	for _, fn := range mutate {
		fn(cfg)
	}

	store, err := local.Open(cfg.Node.DataDir, local.Config{Fsync: local.FsyncNever})
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	noop := delivery.TransportFunc(func(context.Context, types.Instance, *types.Message) error { return nil })
	reg := metrics.New()
	rt, err := router.New(router.ConfigFrom(cfg), store, noop, router.WithMetrics(reg))
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })

	srv := transphttp.New(rt, cfg, reg, nil)
	return &fixture{h: srv.Handler(), rt: rt, store: store}
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v, body: %s", err, rr.Body.String())
	}
}

func publish(t *testing.T, f *fixture, topicName string) string {
	t.Helper()
	rr := doRequest(t, f.h, "POST", "/publish", map[string]any{
		"topic":   topicName,
		"payload": []byte(`{"n":1}`),
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("publish: want 201, got %d: %s", rr.Code, rr.Body)
	}
	var resp struct {
		ID string `json:"id"`
	}
	decodeResp(t, rr, &resp)
	return resp.ID
}

func park(t *testing.T, f *fixture, id, topicName string) {
	t.Helper()
	err := f.store.PutDeadLetter(types.DeadLetterEntry{
		MessageID:      id,
		Message:        types.Message{ID: id, Topic: topicName, MaxAttempts: 3, AttemptCount: 3, Status: types.StatusDeadLettered},
		LastError:      "503",
		FailureKind:    types.FailureTransient,
		DeadLetteredAt: 1,
	})
	if err != nil {
		t.Fatalf("PutDeadLetter: %v", err)
	}
}

// ─── Health ───────────────────────────────────────────────────────────────────

func TestHTTP_Health(t *testing.T) {
	f := newFixture(t)
	rr := doRequest(t, f.h, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: want 200, got %d: %s", rr.Code, rr.Body)
	}
	var resp router.Health
	decodeResp(t, rr, &resp)
	if resp.Status != "ok" || !resp.Store.OK {
		t.Errorf("health: got %+v", resp)
	}
}

// ─── Publish ──────────────────────────────────────────────────────────────────

func TestHTTP_Publish_Created(t *testing.T) {
	f := newFixture(t)
	id := publish(t, f, "orders.created")
	if id == "" {
		t.Fatal("publish: empty id")
	}

	rr := doRequest(t, f.h, "GET", "/messages/"+id, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("message: want 200, got %d: %s", rr.Code, rr.Body)
	}
	var st router.MessageStatus
	decodeResp(t, rr, &st)
	if st.LastEvent != types.EventAccepted {
		t.Errorf("last event: want ACCEPTED, got %s", st.LastEvent)
	}
	if string(st.Message.Payload) != `{"n":1}` {
		t.Errorf("payload: got %q", st.Message.Payload)
	}
}

func TestHTTP_Publish_ValidationIs400(t *testing.T) {
	f := newFixture(t)
	cases := []map[string]any{
		{"topic": "", "payload": []byte("x")},
		{"topic": "bad..topic", "payload": []byte("x")},
		{"topic": "orders.created", "payload": []byte("x"), "priority": 9},
	}
	for _, body := range cases {
		rr := doRequest(t, f.h, "POST", "/publish", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("publish %v: want 400, got %d", body, rr.Code)
		}
	}

	rr := doRequest(t, f.h, "POST", "/publish", map[string]any{"topic": "a.b", "priority": 7})
	var resp struct {
		Field string `json:"field"`
	}
	decodeResp(t, rr, &resp)
	if resp.Field != "priority" {
		t.Errorf("field: want priority, got %q", resp.Field)
	}
}

func TestHTTP_Publish_UnknownFieldIs400(t *testing.T) {
	f := newFixture(t)
	rr := doRequest(t, f.h, "POST", "/publish", map[string]any{"topic": "a.b", "nope": 1})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rr.Code)
	}
}

func TestHTTP_Publish_CapacityIs429(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Queue.MaxPending = 1 })
	publish(t, f, "orders.created")

	rr := doRequest(t, f.h, "POST", "/publish", map[string]any{"topic": "orders.created", "payload": []byte("x")})
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("want 429, got %d: %s", rr.Code, rr.Body)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestHTTP_Publish_OversizedBodyIs413(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Queue.MaxPayloadKB = 1 })
	big := strings.Repeat("x", 200<<10)
	req := httptest.NewRequest("POST", "/publish", strings.NewReader(`{"topic":"a.b","payload":"`+big+`"}`))
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("want 413, got %d", rr.Code)
	}
}

// ─── Instances ────────────────────────────────────────────────────────────────

func TestHTTP_Subscribe_Lifecycle(t *testing.T) {
	f := newFixture(t)

	rr := doRequest(t, f.h, "POST", "/subscribe", map[string]any{
		"address": "http://consumer.test/hook",
		"topics":  []string{"orders.>"},
		"secret":  "s3cret",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("subscribe: want 201, got %d: %s", rr.Code, rr.Body)
	}
	var sub struct {
		InstanceID string `json:"instance_id"`
	}
	decodeResp(t, rr, &sub)

	rr = doRequest(t, f.h, "GET", "/subscribe", nil)
	body := rr.Body.String()
	if !strings.Contains(body, sub.InstanceID) {
		t.Errorf("list: %s missing %s", body, sub.InstanceID)
	}
	if strings.Contains(body, "s3cret") {
		t.Error("list leaks the webhook secret")
	}

	if rr := doRequest(t, f.h, "POST", "/heartbeat/"+sub.InstanceID, nil); rr.Code != http.StatusNoContent {
		t.Errorf("heartbeat: want 204, got %d", rr.Code)
	}
	if rr := doRequest(t, f.h, "DELETE", "/subscribe/"+sub.InstanceID, nil); rr.Code != http.StatusNoContent {
		t.Errorf("unsubscribe: want 204, got %d", rr.Code)
	}
	if rr := doRequest(t, f.h, "POST", "/heartbeat/"+sub.InstanceID, nil); rr.Code != http.StatusNotFound {
		t.Errorf("heartbeat after unsubscribe: want 404, got %d", rr.Code)
	}
}

func TestHTTP_Instances_FilterByTopic(t *testing.T) {
	f := newFixture(t)

	ids := map[string]string{}
	for _, pattern := range []string{"orders.>", "payments.*"} {
		rr := doRequest(t, f.h, "POST", "/subscribe", map[string]any{
			"address": "http://consumer.test/" + strings.TrimRight(pattern, ".>*"),
			"topics":  []string{pattern},
			"secret":  "s3cret",
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("subscribe %s: want 201, got %d: %s", pattern, rr.Code, rr.Body)
		}
		var sub struct {
			InstanceID string `json:"instance_id"`
		}
		decodeResp(t, rr, &sub)
		ids[pattern] = sub.InstanceID
	}

	rr := doRequest(t, f.h, "GET", "/subscribe?topic=orders.created", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rr.Code, rr.Body)
	}
	var list struct {
		Instances []struct {
			ID     string `json:"instance_id"`
			Secret string `json:"secret"`
		} `json:"instances"`
	}
	decodeResp(t, rr, &list)
	if len(list.Instances) != 1 || list.Instances[0].ID != ids["orders.>"] {
		t.Fatalf("orders.created subscribers = %+v, want only %s", list.Instances, ids["orders.>"])
	}
	if list.Instances[0].Secret == "s3cret" {
		t.Error("filtered list leaks the webhook secret")
	}

	rr = doRequest(t, f.h, "GET", "/subscribe?topic=inventory.low", nil)
	decodeResp(t, rr, &list)
	if len(list.Instances) != 0 {
		t.Errorf("inventory.low subscribers = %+v, want none", list.Instances)
	}

	if rr := doRequest(t, f.h, "GET", "/subscribe?topic=orders.*", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("wildcard topic: want 400, got %d", rr.Code)
	}
}

func TestHTTP_Subscribe_InvalidAddressIs400(t *testing.T) {
	f := newFixture(t)
	rr := doRequest(t, f.h, "POST", "/subscribe", map[string]any{
		"address": "ftp://nope",
		"topics":  []string{"orders.>"},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d: %s", rr.Code, rr.Body)
	}
}

// ─── Event log ────────────────────────────────────────────────────────────────

func TestHTTP_Events_Paginates(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		publish(t, f, "orders.created")
	}

	rr := doRequest(t, f.h, "GET", "/events?partition=orders.created&limit=2", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("events: want 200, got %d", rr.Code)
	}
	var page struct {
		Events []types.Record `json:"events"`
		Next   uint64         `json:"next"`
	}
	decodeResp(t, rr, &page)
	if len(page.Events) != 2 {
		t.Fatalf("events: want 2, got %d", len(page.Events))
	}

	rr = doRequest(t, f.h, "GET", "/events?partition=orders.created&from="+strconv.FormatUint(page.Next, 10), nil)
	decodeResp(t, rr, &page)
	if len(page.Events) != 1 || page.Events[0].Type != types.EventAccepted {
		t.Fatalf("second page: %+v", page.Events)
	}

	if rr := doRequest(t, f.h, "GET", "/events?from=abc", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad from: want 400, got %d", rr.Code)
	}
}

func TestHTTP_Compact(t *testing.T) {
	f := newFixture(t)
	rr := doRequest(t, f.h, "POST", "/compact?up_to=10", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("compact: want 200, got %d: %s", rr.Code, rr.Body)
	}
	if rr := doRequest(t, f.h, "POST", "/compact?up_to=-1", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad up_to: want 400, got %d", rr.Code)
	}
}

func TestHTTP_Message_NotFound(t *testing.T) {
	f := newFixture(t)
	if rr := doRequest(t, f.h, "GET", "/messages/missing", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", rr.Code)
	}
}

// ─── Dead letters ─────────────────────────────────────────────────────────────

func TestHTTP_DeadLetters_ListRequeuePurge(t *testing.T) {
	f := newFixture(t)
	park(t, f, "m1", "orders.created")
	park(t, f, "m2", "billing.paid")

	rr := doRequest(t, f.h, "GET", "/deadletters?topic=orders.%3E", nil)
	var list struct {
		DeadLetters []types.DeadLetterEntry `json:"dead_letters"`
	}
	decodeResp(t, rr, &list)
	if len(list.DeadLetters) != 1 || list.DeadLetters[0].MessageID != "m1" {
		t.Fatalf("filtered list: %+v", list.DeadLetters)
	}

	if rr := doRequest(t, f.h, "GET", "/deadletters/m2", nil); rr.Code != http.StatusOK {
		t.Errorf("get: want 200, got %d", rr.Code)
	}

	if rr := doRequest(t, f.h, "POST", "/deadletters/m1/requeue", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("requeue: want 204, got %d: %s", rr.Code, rr.Body)
	}
	if rr := doRequest(t, f.h, "POST", "/deadletters/m1/requeue", nil); rr.Code != http.StatusNotFound {
		t.Errorf("requeue twice: want 404, got %d", rr.Code)
	}
	rr = doRequest(t, f.h, "GET", "/messages/m1", nil)
	var st router.MessageStatus
	decodeResp(t, rr, &st)
	if st.LastEvent != types.EventAccepted || st.Message.AttemptCount != 0 {
		t.Errorf("requeued message: %+v", st)
	}

	if rr := doRequest(t, f.h, "DELETE", "/deadletters/m2", nil); rr.Code != http.StatusNoContent {
		t.Errorf("purge: want 204, got %d", rr.Code)
	}
	if rr := doRequest(t, f.h, "DELETE", "/deadletters/m2", nil); rr.Code != http.StatusNotFound {
		t.Errorf("purge twice: want 404, got %d", rr.Code)
	}
}

func TestHTTP_DeadLetters_Replay(t *testing.T) {
	f := newFixture(t)
	park(t, f, "a", "orders.created")
	park(t, f, "b", "orders.cancelled")
	park(t, f, "c", "billing.paid")

	rr := doRequest(t, f.h, "POST", "/deadletters/replay?topic=orders.*", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("replay: want 200, got %d: %s", rr.Code, rr.Body)
	}
	var resp struct {
		Requeued int `json:"requeued"`
	}
	decodeResp(t, rr, &resp)
	if resp.Requeued != 2 {
		t.Errorf("requeued: want 2, got %d", resp.Requeued)
	}

	if rr := doRequest(t, f.h, "GET", "/deadletters?kind=bogus", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad kind: want 400, got %d", rr.Code)
	}
}

// ─── Middleware ───────────────────────────────────────────────────────────────

func TestHTTP_Auth(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "k3y"
	})

	if rr := doRequest(t, f.h, "GET", "/deadletters", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("no key: want 401, got %d", rr.Code)
	}
	if rr := doRequest(t, f.h, "GET", "/health", nil); rr.Code != http.StatusOK {
		t.Errorf("health without key: want 200, got %d", rr.Code)
	}

	req := httptest.NewRequest("GET", "/deadletters", nil)
	req.Header.Set("X-Api-Key", "k3y")
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("with key: want 200, got %d", rr.Code)
	}

	req = httptest.NewRequest("GET", "/deadletters", nil)
	req.Header.Set("Authorization", "Bearer k3y")
	rr = httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("bearer: want 200, got %d", rr.Code)
	}
}

func TestHTTP_RateLimit(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.RateLimit.MaxRate = 1
		c.RateLimit.Burst = 2
	})
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, doRequest(t, f.h, "GET", "/health", nil).Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes: %v", codes)
	}
}

func TestHTTP_CORSPreflight(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest("OPTIONS", "/publish", nil)
	req.Header.Set("Origin", "http://ops.example")
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("preflight: want 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://ops.example" {
		t.Errorf("allow origin: %q", got)
	}
}

func TestHTTP_Metrics(t *testing.T) {
	f := newFixture(t)
	publish(t, f, "orders.created")
	doRequest(t, f.h, "GET", "/messages/nope", nil)

	rr := doRequest(t, f.h, "GET", "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: want 200, got %d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	for _, want := range []string{
		`messagehub_messages_published_total{priority="0",topic="orders.created"} 1`,
		`messagehub_http_requests_total{method="GET",path="/messages/{id}",status="404"} 1`,
		`messagehub_queue_depth{priority="0"} 1`,
	} {
		if !bytes.Contains(body, []byte(want)) {
			t.Errorf("metrics missing %s", want)
		}
	}
}
