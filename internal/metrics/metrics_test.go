package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/snehjoshi/messagehub/internal/metrics"
)

func scrape(t *testing.T, reg *metrics.Registry) string {
	t.Helper()
	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	return string(body)
}

func TestRegistry_MessageCounters(t *testing.T) {
	reg := metrics.New()
	reg.Published("orders.created", 1)
	reg.Published("orders.created", 1)
	reg.Delivered("orders.created", 20*time.Millisecond)
	reg.Retried("orders.created", time.Second)
	reg.DeadLettered("orders.created", "permanent")
	reg.CircuitOpen("orders.created")
	reg.Rejected("capacity")

	body := scrape(t, reg)
	for _, want := range []string{
		`messagehub_messages_published_total{priority="1",topic="orders.created"} 2`,
		`messagehub_messages_delivered_total{topic="orders.created"} 1`,
		`messagehub_delivery_retries_total{topic="orders.created"} 1`,
		`messagehub_messages_dead_lettered_total{kind="permanent",topic="orders.created"} 1`,
		`messagehub_circuit_open_rejections_total{topic="orders.created"} 1`,
		`messagehub_publish_rejected_total{reason="capacity"} 1`,
		`messagehub_delivery_attempt_duration_seconds_count{result="delivered",topic="orders.created"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestRegistry_HTTP(t *testing.T) {
	reg := metrics.New()
	reg.ObserveHTTP("POST", "/publish", 201, 5*time.Millisecond)
	reg.ObserveHTTP("POST", "/publish", 201, 7*time.Millisecond)
	reg.ObserveHTTP("POST", "/publish", 429, time.Millisecond)

	mfs, err := reg.Gatherer().Gather()
	if err != nil {
		t.Fatal(err)
	}
	series := 0
	for _, mf := range mfs {
		if mf.GetName() == "messagehub_http_requests_total" {
			series = len(mf.GetMetric())
		}
	}
	if series != 2 {
		t.Fatalf("series = %d, want 2 (one per status)", series)
	}
	body := scrape(t, reg)
	if !strings.Contains(body, `messagehub_http_requests_total{method="POST",path="/publish",status="201"} 2`) {
		t.Errorf("201 counter missing:\n%s", body)
	}
}

func TestRegistry_StateGauges(t *testing.T) {
	reg := metrics.New()
	calls := 0
	reg.Observe(func() metrics.State {
		calls++
		return metrics.State{
			QueueDepth:  []int{3, 0, 1},
			InFlight:    2,
			Instances:   map[string]int{"HEALTHY": 2, "DEGRADED": 1},
			Breakers:    map[string]int{"OPEN": 1},
			DeadLetters: 4,
			LogRecords:  10,
			StoreFailed: true,
		}
	})

	body := scrape(t, reg)
	if calls == 0 {
		t.Fatal("state func not called on scrape")
	}
	for _, want := range []string{
		`messagehub_queue_depth{priority="0"} 3`,
		`messagehub_queue_depth{priority="2"} 1`,
		`messagehub_messages_in_flight 2`,
		`messagehub_instances{health="DEGRADED"} 1`,
		`messagehub_breakers{state="OPEN"} 1`,
		`messagehub_dead_letters 4`,
		`messagehub_event_log_records 10`,
		`messagehub_event_store_failed 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestRegistry_NilIsNoop(t *testing.T) {
	var reg *metrics.Registry
	reg.Published("a", 0)
	reg.Delivered("a", time.Second)
	reg.ObserveHTTP("GET", "/health", 200, time.Millisecond)
	reg.Observe(func() metrics.State { return metrics.State{} })

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRegistry_Isolated(t *testing.T) {
	a, b := metrics.New(), metrics.New()
	a.Published("x", 0)
	if strings.Contains(scrape(t, b), `messagehub_messages_published_total{`) {
		t.Fatal("registries share counters")
	}
}
