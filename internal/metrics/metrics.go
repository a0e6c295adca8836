// Package metrics holds the hub's Prometheus collectors.
//
// Every Registry owns its own prometheus.Registry so tests and multiple hubs
// in one process never share counters. A nil *Registry is valid and records
// nothing, which lets components treat metrics as optional.
//
// Counters are updated inline by the router and the HTTP middleware. Gauges
// that mirror component state (queue depth, instance health, breaker
// states, log size) are read at scrape time from a StateFunc.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "messagehub"

// State is a point-in-time view of the hub used by the gauges.
type State struct {
	// QueueDepth is the number of waiting messages per priority level.
	QueueDepth []int
	InFlight   int
	Scheduled  int
	// Instances counts registered instances by health name.
	Instances map[string]int
	// Breakers counts circuit breakers by state name.
	Breakers    map[string]int
	DeadLetters int
	LogRecords  int
	LogBytes    int64
	StoreFailed bool
}

// StateFunc returns the current State. It is called once per scrape.
type StateFunc func() State

// Registry holds the hub metrics.
type Registry struct {
	reg *prometheus.Registry

	published    *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	delivered    *prometheus.CounterVec
	retried      *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	circuitOpen  *prometheus.CounterVec
	attemptDur   *prometheus.HistogramVec
	transitions  *prometheus.CounterVec

	httpReqs *prometheus.CounterVec
	httpDur  *prometheus.HistogramVec
}

// New creates a Registry with the Go runtime and process collectors
// attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Messages accepted by Publish.",
		}, []string{"topic", "priority"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_rejected_total",
			Help:      "Publish calls refused, by reason.",
		}, []string{"reason"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages acknowledged by a consumer.",
		}, []string{"topic"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_retries_total",
			Help:      "Failed attempts that were scheduled for another try.",
		}, []string{"topic"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dead_lettered_total",
			Help:      "Messages parked as dead letters.",
		}, []string{"topic", "kind"}),
		circuitOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_open_rejections_total",
			Help:      "Attempts short-circuited by an open breaker.",
		}, []string{"topic"}),
		attemptDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_attempt_duration_seconds",
			Help:      "Duration of delivery attempts by result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state changes.",
		}, []string{"to"}),
		httpReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Control API requests.",
		}, []string{"method", "path", "status"}),
		httpDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control API latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	r.reg.MustRegister(
		r.published, r.rejected, r.delivered, r.retried, r.deadLettered,
		r.circuitOpen, r.attemptDur, r.transitions, r.httpReqs, r.httpDur,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Observe registers gauges backed by fn. Call it once.
func (r *Registry) Observe(fn StateFunc) {
	if r == nil || fn == nil {
		return
	}
	r.reg.MustRegister(newStateCollector(fn))
}

// Handler serves the metrics in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ─── message lifecycle ───────────────────────────────────────────────────────

func (r *Registry) Published(topic string, priority int) {
	if r != nil {
		r.published.WithLabelValues(topic, strconv.Itoa(priority)).Inc()
	}
}

// Rejected counts a refused publish. reason is "validation", "capacity" or
// "store".
func (r *Registry) Rejected(reason string) {
	if r != nil {
		r.rejected.WithLabelValues(reason).Inc()
	}
}

func (r *Registry) Delivered(topic string, d time.Duration) {
	if r != nil {
		r.delivered.WithLabelValues(topic).Inc()
		r.attemptDur.WithLabelValues(topic, "delivered").Observe(d.Seconds())
	}
}

func (r *Registry) Retried(topic string, d time.Duration) {
	if r != nil {
		r.retried.WithLabelValues(topic).Inc()
		r.attemptDur.WithLabelValues(topic, "failed").Observe(d.Seconds())
	}
}

func (r *Registry) DeadLettered(topic, kind string) {
	if r != nil {
		r.deadLettered.WithLabelValues(topic, kind).Inc()
	}
}

func (r *Registry) CircuitOpen(topic string) {
	if r != nil {
		r.circuitOpen.WithLabelValues(topic).Inc()
	}
}

// BreakerTransition counts a breaker moving to state to.
func (r *Registry) BreakerTransition(to string) {
	if r != nil {
		r.transitions.WithLabelValues(to).Inc()
	}
}

// ObserveHTTP records one control API request. path should be the route
// pattern, not the raw URL, to keep cardinality bounded.
func (r *Registry) ObserveHTTP(method, path string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.httpReqs.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.httpDur.WithLabelValues(method, path).Observe(d.Seconds())
}
