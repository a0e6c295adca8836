// Package breaker implements per-destination circuit breakers.
//
// Breaker is a pure state machine driven by explicit timestamps; it performs
// no I/O and starts no goroutines. Set holds one Breaker per
// (instance, topic) pair and serializes access per key.
//
//	CLOSED ──(threshold consecutive failures)──► OPEN
//	  ▲                                           │ reset timeout elapsed
//	  │ probe ok                                  ▼
//	  └───────────────────────────────────── HALF_OPEN ──probe failed──► OPEN
//	                                                     (timeout × multiplier)
package breaker

import (
	"errors"
	"time"
)

// ErrOpen is returned by callers that short-circuit on an open breaker.
var ErrOpen = errors.New("breaker: circuit open")

// State is the breaker state.
type State uint8

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Config parameterizes a Breaker.
type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a probe.
	ResetTimeout time.Duration
	// MaxResetTimeout caps ResetTimeout growth after failed probes.
	MaxResetTimeout time.Duration
	// Multiplier scales the reset timeout after each failed probe.
	Multiplier float64
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 10 * time.Second
	}
	if c.MaxResetTimeout < c.ResetTimeout {
		c.MaxResetTimeout = c.ResetTimeout
	}
	if c.Multiplier < 1 {
		c.Multiplier = 1
	}
	return c
}

// Ticket identifies the breaker generation a delivery was allowed in. Every
// trip, probe grant and close starts a new generation, so reports from
// deliveries that began in an earlier one are dropped.
type Ticket uint64

// Breaker is not safe for concurrent use; Set provides the locking.
type Breaker struct {
	cfg          Config
	state        State
	gen          Ticket
	failures     int
	openedAt     time.Time
	resetTimeout time.Duration
	probing      bool
	probeAt      time.Time
}

// New returns a closed breaker.
func New(cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{cfg: cfg, gen: 1, resetTimeout: cfg.ResetTimeout}
}

// Allow reports whether a delivery may start at now. The returned ticket
// must be handed back to Success or Failure. When the delivery may not
// start, wait is the time left until the next probe can be granted.
//
// An OPEN breaker whose reset timeout has elapsed moves to HALF_OPEN and
// grants exactly one probe. Further callers are refused until that probe
// reports back, or until the probe itself is older than the reset timeout,
// in which case a fresh probe is granted and the old one no longer counts.
func (b *Breaker) Allow(now time.Time) (t Ticket, ok bool, wait time.Duration) {
	switch b.state {
	case Closed:
		return b.gen, true, 0
	case Open:
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.resetTimeout {
			return 0, false, b.resetTimeout - elapsed
		}
		b.state = HalfOpen
		return b.grantProbe(now), true, 0
	default: // HalfOpen
		if b.probing {
			age := now.Sub(b.probeAt)
			if age < b.resetTimeout {
				return 0, false, b.resetTimeout - age
			}
		}
		return b.grantProbe(now), true, 0
	}
}

func (b *Breaker) grantProbe(now time.Time) Ticket {
	b.gen++
	b.probing = true
	b.probeAt = now
	return b.gen
}

// current reports whether t was issued in the present generation of a
// breaker that accepts reports.
func (b *Breaker) current(t Ticket) bool {
	return b.state != Open && t == b.gen
}

// Success records a successful delivery started with t.
func (b *Breaker) Success(now time.Time, t Ticket) {
	if !b.current(t) {
		return
	}
	b.failures = 0
	if b.state == HalfOpen {
		b.state = Closed
		b.gen++
		b.probing = false
		b.resetTimeout = b.cfg.ResetTimeout
	}
}

// Failure records a failed delivery started with t.
func (b *Breaker) Failure(now time.Time, t Ticket) {
	if !b.current(t) {
		return
	}
	b.failures++
	switch b.state {
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	case HalfOpen:
		next := time.Duration(float64(b.resetTimeout) * b.cfg.Multiplier)
		if next > b.cfg.MaxResetTimeout {
			next = b.cfg.MaxResetTimeout
		}
		b.resetTimeout = next
		b.trip(now)
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = Open
	b.gen++
	b.openedAt = now
	b.probing = false
}

// State returns the current state without advancing it.
func (b *Breaker) State() State { return b.state }

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
	ResetTimeout        time.Duration `json:"reset_timeout"`
}

// Snapshot returns the breaker's current view.
func (b *Breaker) Snapshot() Snapshot {
	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
		ResetTimeout:        b.resetTimeout,
	}
}
