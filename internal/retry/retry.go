// Package retry runs single delivery attempts and decides what happens to a
// message afterwards: delivered, retried after a backoff, held back by an
// open circuit, or dead-lettered.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/snehjoshi/messagehub/internal/breaker"
	"github.com/snehjoshi/messagehub/internal/delivery"
	"github.com/snehjoshi/messagehub/internal/types"
)

// Kind is the result class of an attempt.
type Kind uint8

const (
	// Delivered: the consumer acknowledged the message.
	Delivered Kind = iota + 1
	// Retry: a transient failure with attempts left. Redeliver after Delay.
	Retry
	// CircuitOpen: the breaker refused the attempt. No attempt was counted;
	// redeliver after Delay.
	CircuitOpen
	// DeadLetter: attempts exhausted or the consumer rejected the payload.
	DeadLetter
	// Aborted: the caller's context ended before the attempt finished. No
	// attempt was counted and the message keeps its in-flight state.
	Aborted
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Retry:
		return "retry"
	case CircuitOpen:
		return "circuit_open"
	case DeadLetter:
		return "dead_letter"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Outcome is what AttemptDelivery decided.
type Outcome struct {
	Kind Kind
	// Delay applies to Retry and CircuitOpen.
	Delay time.Duration
	// Entry is set for DeadLetter.
	Entry *types.DeadLetterEntry
	// Err is the delivery error, if any.
	Err error
}

// Config controls backoff and attempt timeouts.
type Config struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Jitter is the ± fraction of each delay randomized, in [0, 1).
	Jitter float64
	// Timeout bounds every attempt. Zero means only the caller's context.
	Timeout time.Duration
}

// DefaultConfig returns 500ms base, 1m cap, 20% jitter and a 5s timeout.
func DefaultConfig() Config {
	return Config{
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  time.Minute,
		Jitter:      0.2,
		Timeout:     5 * time.Second,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithRand replaces the jitter source. fn returns a value in [0, 1).
func WithRand(fn func() float64) Option { return func(m *Manager) { m.rnd = fn } }

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// Manager applies the retry policy. It is safe for concurrent use; the
// message passed to AttemptDelivery is owned by the caller for the duration
// of the call.
type Manager struct {
	cfg       Config
	breakers  *breaker.Set
	transport delivery.Transport
	now       func() time.Time
	rnd       func() float64
	log       *slog.Logger
}

// New creates a Manager.
func New(cfg Config, breakers *breaker.Set, transport delivery.Transport, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		breakers:  breakers,
		transport: transport,
		now:       time.Now,
		rnd:       rand.Float64,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Backoff returns the delay before the retry that follows failedAttempts
// failures: base·2^(failedAttempts-1) capped at BackoffMax, then spread by
// ±Jitter.
func (m *Manager) Backoff(failedAttempts int) time.Duration {
	exp := failedAttempts - 1
	if exp < 0 {
		exp = 0
	}
	d := math.Min(float64(m.cfg.BackoffBase)*math.Pow(2, float64(exp)), float64(m.cfg.BackoffMax))
	if m.cfg.Jitter > 0 {
		d += d * m.cfg.Jitter * (2*m.rnd() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// AttemptDelivery makes one attempt to deliver msg to target. The breaker for
// (target, topic) is consulted first. On a counted attempt msg.AttemptCount
// and msg.History are updated; on Retry and CircuitOpen msg.NotBefore is set.
func (m *Manager) AttemptDelivery(ctx context.Context, msg *types.Message, target types.Instance) Outcome {
	key := breaker.Key{Instance: target.ID, Topic: msg.Topic}
	ticket, ok, wait := m.breakers.Allow(key)
	if !ok {
		msg.NotBefore = m.now().Add(wait).UnixMilli()
		return Outcome{Kind: CircuitOpen, Delay: wait, Err: breaker.ErrOpen}
	}

	actx := ctx
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	start := m.now()
	err := m.transport.Deliver(actx, target, msg)
	if err != nil && ctx.Err() != nil {
		// Shutdown: nothing is counted against the message or the target.
		return Outcome{Kind: Aborted, Err: err}
	}

	att := types.Attempt{
		Number:     msg.AttemptCount + 1,
		InstanceID: target.ID,
		StartedAt:  start.UnixMilli(),
		DurationMs: m.now().Sub(start).Milliseconds(),
	}

	switch {
	case err == nil:
		m.breakers.Success(key, ticket)
		msg.AttemptCount++
		msg.History = append(msg.History, att)
		return Outcome{Kind: Delivered}

	case delivery.IsPermanent(err):
		// The target answered, so the circuit has nothing to count.
		m.breakers.Success(key, ticket)
		att.Error = err.Error()
		att.Permanent = true
		msg.AttemptCount++
		msg.History = append(msg.History, att)
		return m.deadLetter(msg, types.FailurePermanent, err)

	default:
		m.breakers.Failure(key, ticket)
		if errors.Is(err, context.DeadlineExceeded) {
			m.log.Warn("delivery attempt timed out", "msg_id", msg.ID, "instance", target.ID, "timeout", m.cfg.Timeout)
		}
		att.Error = err.Error()
		return m.fail(msg, att, err)
	}
}

// NoTarget counts an attempt that found no healthy instance. It is treated
// exactly like a transient transport failure.
func (m *Manager) NoTarget(msg *types.Message, err error) Outcome {
	att := types.Attempt{
		Number:    msg.AttemptCount + 1,
		StartedAt: m.now().UnixMilli(),
		Error:     err.Error(),
	}
	return m.fail(msg, att, err)
}

func (m *Manager) fail(msg *types.Message, att types.Attempt, err error) Outcome {
	msg.AttemptCount++
	msg.History = append(msg.History, att)
	if !msg.AttemptsLeft() {
		return m.deadLetter(msg, types.FailureTransient, err)
	}
	delay := m.Backoff(msg.AttemptCount)
	msg.NotBefore = m.now().Add(delay).UnixMilli()
	return Outcome{Kind: Retry, Delay: delay, Err: err}
}

func (m *Manager) deadLetter(msg *types.Message, kind string, err error) Outcome {
	msg.NotBefore = 0
	snap := msg.Clone()
	snap.Status = types.StatusDeadLettered
	e := &types.DeadLetterEntry{
		MessageID:      msg.ID,
		Message:        *snap,
		LastError:      err.Error(),
		FailureKind:    kind,
		Attempts:       append([]types.Attempt(nil), msg.History...),
		DeadLetteredAt: m.now().UnixMilli(),
	}
	return Outcome{Kind: DeadLetter, Entry: e, Err: err}
}
