package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// stateCollector turns a StateFunc into const gauges at scrape time.
type stateCollector struct {
	fn StateFunc

	queueDepth  *prometheus.Desc
	inFlight    *prometheus.Desc
	scheduled   *prometheus.Desc
	instances   *prometheus.Desc
	breakers    *prometheus.Desc
	deadLetters *prometheus.Desc
	logRecords  *prometheus.Desc
	logBytes    *prometheus.Desc
	storeFailed *prometheus.Desc
}

func newStateCollector(fn StateFunc) *stateCollector {
	d := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &stateCollector{
		fn:          fn,
		queueDepth:  d("queue_depth", "Messages waiting per priority level.", "priority"),
		inFlight:    d("messages_in_flight", "Messages with a delivery attempt running."),
		scheduled:   d("messages_scheduled", "Messages waiting for a retry backoff or an open circuit."),
		instances:   d("instances", "Registered instances by health.", "health"),
		breakers:    d("breakers", "Circuit breakers by state.", "state"),
		deadLetters: d("dead_letters", "Parked dead letters."),
		logRecords:  d("event_log_records", "Records held by the event log."),
		logBytes:    d("event_log_bytes", "Bytes held by the event log."),
		storeFailed: d("event_store_failed", "1 while a store partition is in the failed state."),
	}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.queueDepth, c.inFlight, c.scheduled, c.instances, c.breakers,
		c.deadLetters, c.logRecords, c.logBytes, c.storeFailed,
	} {
		ch <- d
	}
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.fn()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	for l, n := range s.QueueDepth {
		gauge(c.queueDepth, float64(n), strconv.Itoa(l))
	}
	gauge(c.inFlight, float64(s.InFlight))
	gauge(c.scheduled, float64(s.Scheduled))
	for h, n := range s.Instances {
		gauge(c.instances, float64(n), h)
	}
	for st, n := range s.Breakers {
		gauge(c.breakers, float64(n), st)
	}
	gauge(c.deadLetters, float64(s.DeadLetters))
	gauge(c.logRecords, float64(s.LogRecords))
	gauge(c.logBytes, float64(s.LogBytes))
	failed := 0.0
	if s.StoreFailed {
		failed = 1
	}
	gauge(c.storeFailed, failed)
}
