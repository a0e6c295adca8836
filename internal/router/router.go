// Package router is the central orchestrator of the hub.
//
// Every outer surface (control API, websocket stream, CLI) talks to the
// Router, never directly to the queue, registry or event store. The Router
// owns those components and the dispatch worker pool.
//
// Data flow:
//
//	Producer → Router.Publish → eventstore ACCEPTED → queue
//	worker   → queue.Dequeue → registry.Select → eventstore DISPATCHED
//	         → retry.AttemptDelivery → ACKED | RETRIED (scheduler) | DEAD_LETTERED
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/messagehub/internal/breaker"
	"github.com/snehjoshi/messagehub/internal/config"
	"github.com/snehjoshi/messagehub/internal/deadletter"
	"github.com/snehjoshi/messagehub/internal/delivery"
	"github.com/snehjoshi/messagehub/internal/eventstore"
	"github.com/snehjoshi/messagehub/internal/metrics"
	"github.com/snehjoshi/messagehub/internal/queue"
	"github.com/snehjoshi/messagehub/internal/registry"
	"github.com/snehjoshi/messagehub/internal/retry"
	"github.com/snehjoshi/messagehub/internal/scheduler"
	"github.com/snehjoshi/messagehub/internal/topic"
	"github.com/snehjoshi/messagehub/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrValidation is wrapped by every *ValidationError.
	ErrValidation = errors.New("router: invalid request")
	// ErrCapacity is matched by every *CapacityError.
	ErrCapacity = errors.New("router: at capacity")
	// ErrStoreUnavailable is returned while the event store is failed and
	// cannot be repaired.
	ErrStoreUnavailable = errors.New("router: event store unavailable")
	// ErrNotFound is returned for unknown messages, dead letters and
	// instances.
	ErrNotFound = errors.New("router: not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("router: closed")
)

// ValidationError describes a rejected publish or subscribe request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("router: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// CapacityError reports which limit refused a publish: the queue backlog or
// the event log size.
type CapacityError struct {
	Resource string // "queue" or "event_log"
	Err      error
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("router: %s at capacity: %v", e.Resource, e.Err)
}

func (e *CapacityError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrCapacity) hold for every CapacityError.
func (e *CapacityError) Is(target error) bool { return target == ErrCapacity }

// ─── Config ───────────────────────────────────────────────────────────────────

// Config gathers the settings of every component the Router owns.
type Config struct {
	Queue    queue.Config
	Registry registry.Config
	Breaker  breaker.Config
	Retry    retry.Config

	// MaxAttempts is the default attempt bound; MaxAttemptsPerTopic
	// overrides it by topic or pattern.
	MaxAttempts         int
	MaxAttemptsPerTopic map[string]int
	// MaxPayloadBytes rejects larger payloads. Zero disables the check.
	MaxPayloadBytes int
	// Workers is the size of the dispatch pool.
	Workers int
}

// DefaultConfig mirrors config.Default().
func DefaultConfig() Config { return ConfigFrom(config.Default()) }

// ConfigFrom maps the file configuration onto a Config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Queue: queue.Config{
			Quotas:     c.Queue.Quotas(),
			MaxPending: c.Queue.MaxPending,
			Strict:     c.Queue.StrictOrdering,
		},
		Registry: registry.Config{
			HeartbeatInterval:    c.Registry.HeartbeatInterval.Std(),
			MissedHeartbeatLimit: c.Registry.MissedHeartbeatLimit,
			RemoveAfterMissed:    c.Registry.RemoveAfterMissed,
			DegradeAfter:         c.Registry.DegradeAfter,
			Strategy:             registry.Strategy(c.Registry.Strategy),
		},
		Breaker: breaker.Config{
			FailureThreshold: c.Breaker.FailureThreshold,
			ResetTimeout:     c.Breaker.ResetTimeout.Std(),
			MaxResetTimeout:  c.Breaker.MaxResetTimeout.Std(),
			Multiplier:       c.Breaker.BackoffMultiplier,
		},
		Retry: retry.Config{
			BackoffBase: c.Retry.BackoffBase.Std(),
			BackoffMax:  c.Retry.BackoffMax.Std(),
			Jitter:      c.Retry.Jitter,
			Timeout:     c.Dispatch.DeliveryTimeout.Std(),
		},
		MaxAttempts:         c.Retry.MaxRetries,
		MaxAttemptsPerTopic: c.Retry.MaxRetriesPerTopic,
		MaxPayloadBytes:     c.Queue.MaxPayloadKB * 1024,
		Workers:             c.Dispatch.Workers,
	}
}

// ─── Options ──────────────────────────────────────────────────────────────────

// Option is a functional option for the Router.
type Option func(*Router)

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

// WithMetrics attaches a metrics.Registry. Every lifecycle transition is
// counted and the registry's gauges read the Router's state.
func WithMetrics(m *metrics.Registry) Option { return func(r *Router) { r.metrics = m } }

// WithClock replaces time.Now in the breakers, the registry and the retry
// manager.
func WithClock(now func() time.Time) Option { return func(r *Router) { r.now = now } }

// ─── Router ───────────────────────────────────────────────────────────────────

// journalTimeout bounds appends that must outlive the caller's context, such
// as the ACKED record of a delivery that finished during shutdown.
const journalTimeout = 10 * time.Second

// Router wires the queue, scheduler, registry, breakers and retry manager to
// the event store. All methods are safe for concurrent use.
type Router struct {
	cfg   Config
	store eventstore.Store

	queue    *queue.Manager
	sched    *scheduler.Scheduler
	reg      *registry.Registry
	breakers *breaker.Set
	retry    *retry.Manager
	policy   *topic.Policy
	dl       *deadletter.Manager

	metrics *metrics.Registry
	log     *slog.Logger
	now     func() time.Time

	// live holds the IDs of messages the router is responsible for: queued,
	// scheduled or in flight. Replay skips them so a message is never
	// enqueued twice.
	liveMu sync.Mutex
	live   map[string]struct{}

	// ingest holds one mutex per partition, taken across the ACCEPTED
	// append and the enqueue so queue order equals log order.
	ingest sync.Map // partition → *sync.Mutex

	lifeMu  sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Router over store. transport delivers to the selected
// instances; a delivery.Mux is the usual choice. Start must be called to
// replay the log and begin dispatching.
func New(cfg Config, store eventstore.Store, transport delivery.Transport, opts ...Option) (*Router, error) {
	r := &Router{
		cfg:   cfg,
		store: store,
		log:   slog.Default(),
		now:   time.Now,
		live:  make(map[string]struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.cfg.Workers < 1 {
		r.cfg.Workers = 1
	}

	var err error
	if r.queue, err = queue.New(cfg.Queue); err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	if r.policy, err = topic.NewPolicy(cfg.MaxAttempts, cfg.MaxAttemptsPerTopic); err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}

	r.breakers = breaker.NewSet(cfg.Breaker,
		breaker.WithClock(r.now),
		breaker.WithTransitionHook(r.onBreakerTransition),
	)
	r.reg = registry.New(cfg.Registry,
		registry.WithClock(r.now),
		registry.WithLogger(r.log),
		registry.OnRemove(r.onInstanceRemoved),
		registry.OnHealthChange(func(id string, from, to types.Health) {
			r.log.Info("instance health changed", "instance", id, "from", from, "to", to)
		}),
	)
	r.retry = retry.New(cfg.Retry, r.breakers, transport,
		retry.WithClock(r.now),
		retry.WithLogger(r.log),
	)
	r.sched = scheduler.New()
	r.dl = deadletter.NewManager(store)
	r.metrics.Observe(r.metricsState)
	return r, nil
}

// Start replays the event log, then starts the health sweep, the retry
// scheduler and the dispatch workers. They run until ctx is done or Close is
// called.
func (r *Router) Start(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.started {
		return errors.New("router: already started")
	}

	res, err := r.Replay(ctx, 0)
	if err != nil {
		return err
	}
	r.log.Info("event log replayed",
		"records", res.Records,
		"pending", res.Pending,
		"scheduled", res.Scheduled,
		"instances", res.Instances,
	)

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.started = true

	r.reg.Start(runCtx)
	r.sched.Start(runCtx, r.onRetryDue)
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(runCtx)
	}
	r.log.Info("dispatch started", "workers", r.cfg.Workers)
	return nil
}

// Close stops the workers, waits for running attempts to finish and stops
// the scheduler and the health sweep. The store is not closed. Messages that
// were still waiting stay in the event log and are replayed on next Start.
func (r *Router) Close() error {
	r.lifeMu.Lock()
	if r.closed {
		r.lifeMu.Unlock()
		return nil
	}
	r.closed = true
	cancel := r.cancel
	r.lifeMu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.queue.Close()
	r.wg.Wait()
	r.sched.Stop()
	r.reg.Close()
	return nil
}

// Registry exposes the service registry for read-only listings.
func (r *Router) Registry() *registry.Registry { return r.reg }

// DeadLetters exposes the dead-letter view. Its Replay takes the Router as
// the deadletter.Requeuer.
func (r *Router) DeadLetters() *deadletter.Manager { return r.dl }

// Breakers returns a snapshot of every circuit breaker.
func (r *Router) Breakers() []breaker.KeyedSnapshot { return r.breakers.Snapshot() }

// Store exposes the event store.
func (r *Router) Store() eventstore.Store { return r.store }

// ─── live set ────────────────────────────────────────────────────────────────

// track adds id to the live set and reports whether it was absent.
func (r *Router) track(id string) bool {
	r.liveMu.Lock()
	defer r.liveMu.Unlock()
	if _, ok := r.live[id]; ok {
		return false
	}
	r.live[id] = struct{}{}
	return true
}

func (r *Router) untrack(id string) {
	r.liveMu.Lock()
	delete(r.live, id)
	r.liveMu.Unlock()
}

func (r *Router) lockPartition(partition string) func() {
	v, _ := r.ingest.LoadOrStore(partition, new(sync.Mutex))
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ─── component callbacks ─────────────────────────────────────────────────────

// onBreakerTransition runs under the breaker's lock and must not call back
// into the Set.
func (r *Router) onBreakerTransition(k breaker.Key, from, to breaker.State) {
	r.metrics.BreakerTransition(to.String())
	r.log.Warn("circuit breaker transition",
		"instance", k.Instance,
		"topic", k.Topic,
		"from", from,
		"to", to,
	)
}

// onInstanceRemoved journals the removal of an instance that stopped
// heartbeating.
func (r *Router) onInstanceRemoved(inst types.Instance) {
	r.breakers.Forget(inst.ID)
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := r.journalInstance(ctx, types.EventDeregistered, inst); err != nil {
		r.log.Error("journal instance removal failed", "instance", inst.ID, "err", err)
	}
}

// onRetryDue puts a message whose backoff elapsed back at the front of its
// partition.
func (r *Router) onRetryDue(msg *types.Message) {
	if err := r.queue.Requeue(msg); err != nil {
		// Closed: the message is replayed from the log on next start.
		r.log.Debug("retry dropped from memory", "msg_id", msg.ID, "err", err)
	}
}
