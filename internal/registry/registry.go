// Package registry tracks the consumer instances subscribed to the hub and
// picks a delivery target among them.
//
// Health is driven by two inputs: heartbeats, checked by a periodic sweep,
// and delivery feedback from the router. Only HEALTHY instances are
// selectable. An instance that stays silent long enough is removed; until
// then it can recover with a single heartbeat.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/messagehub/internal/idgen"
	"github.com/snehjoshi/messagehub/internal/topic"
	"github.com/snehjoshi/messagehub/internal/types"
)

var (
	// ErrNotFound is returned for an unknown instance ID.
	ErrNotFound = errors.New("registry: instance not found")
	// ErrNoHealthyTarget is returned by Select when no HEALTHY instance
	// subscribes to the topic. Callers treat it as a transient failure.
	ErrNoHealthyTarget = errors.New("registry: no healthy target")
	// ErrInvalidInstance is returned by Register for a bad address or topic
	// pattern.
	ErrInvalidInstance = errors.New("registry: invalid instance")
)

// Strategy selects among the healthy candidates of a topic.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	LeastOutstanding Strategy = "least_outstanding"
	WeightedRandom   Strategy = "weighted_random"
)

// Config controls health tracking and selection.
type Config struct {
	HeartbeatInterval time.Duration
	// MissedHeartbeatLimit silent intervals mark an instance UNREACHABLE.
	MissedHeartbeatLimit int
	// RemoveAfterMissed silent intervals remove the instance.
	RemoveAfterMissed int
	// DegradeAfter consecutive delivery failures mark an instance DEGRADED.
	// Zero disables degradation.
	DegradeAfter int
	Strategy     Strategy
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    10 * time.Second,
		MissedHeartbeatLimit: 3,
		RemoveAfterMissed:    30,
		DegradeAfter:         10,
		Strategy:             RoundRobin,
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.log = l } }

// WithRandSource makes weighted-random selection deterministic.
func WithRandSource(src rand.Source) Option {
	return func(r *Registry) {
		var mu sync.Mutex
		rnd := rand.New(src)
		r.intn = func(n int) int {
			mu.Lock()
			defer mu.Unlock()
			return rnd.IntN(n)
		}
	}
}

// OnRemove registers fn to be called, outside any lock, for every instance
// the sweep removes.
func OnRemove(fn func(types.Instance)) Option { return func(r *Registry) { r.onRemove = fn } }

// OnHealthChange registers fn to be called on every health transition.
func OnHealthChange(fn func(id string, from, to types.Health)) Option {
	return func(r *Registry) { r.onHealth = fn }
}

// member is one registered instance. Health fields are guarded by mu so
// heartbeats and feedback for different instances never contend.
type member struct {
	patterns    []topic.Pattern
	outstanding atomic.Int64

	mu       sync.Mutex
	inst     types.Instance
	failures int
}

func (m *member) snapshot() types.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *m.inst.Clone()
	c.Outstanding = int(m.outstanding.Load())
	return c
}

func (m *member) health() types.Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inst.Health
}

func (m *member) subscribes(t string) bool {
	for _, p := range m.patterns {
		if p.Match(t) {
			return true
		}
	}
	return false
}

// Registry is the service registry and load balancer. All methods are safe
// for concurrent use.
type Registry struct {
	cfg      Config
	now      func() time.Time
	log      *slog.Logger
	intn     func(int) int
	onRemove func(types.Instance)
	onHealth func(id string, from, to types.Health)

	mu      sync.RWMutex
	members map[string]*member

	routes *routeTable

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New creates a Registry. Call Start to run the health sweep.
func New(cfg Config, opts ...Option) *Registry {
	if cfg.Strategy == "" {
		cfg.Strategy = RoundRobin
	}
	r := &Registry{
		cfg:     cfg,
		now:     time.Now,
		log:     slog.Default(),
		intn:    rand.IntN,
		members: make(map[string]*member),
		routes:  newRouteTable(),
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds inst, or replaces the instance with the same ID. An empty ID
// is generated. The instance starts HEALTHY with a fresh heartbeat. The
// stored instance is returned.
func (r *Registry) Register(inst types.Instance) (types.Instance, error) {
	if err := validateAddress(inst.Address); err != nil {
		return types.Instance{}, err
	}
	if len(inst.Topics) == 0 {
		return types.Instance{}, fmt.Errorf("%w: no topics", ErrInvalidInstance)
	}
	patterns := make([]topic.Pattern, 0, len(inst.Topics))
	for _, t := range inst.Topics {
		p, err := topic.Compile(t)
		if err != nil {
			return types.Instance{}, fmt.Errorf("%w: %w", ErrInvalidInstance, err)
		}
		patterns = append(patterns, p)
	}
	if inst.ID == "" {
		id, err := idgen.Instance()
		if err != nil {
			return types.Instance{}, fmt.Errorf("registry: generate id: %w", err)
		}
		inst.ID = id
	}
	if inst.Weight < 1 {
		inst.Weight = 1
	}

	now := r.now().UnixMilli()
	inst = *inst.Clone()
	inst.Health = types.HealthHealthy
	inst.LastHeartbeat = now
	if inst.RegisteredAt == 0 {
		inst.RegisteredAt = now
	}
	inst.Outstanding = 0

	m := &member{patterns: patterns, inst: inst}
	r.mu.Lock()
	if prev, ok := r.members[inst.ID]; ok {
		// deliveries started against prev still release against this ID
		m.outstanding.Store(prev.outstanding.Load())
	}
	r.members[inst.ID] = m
	r.mu.Unlock()
	r.routes.invalidate()

	r.log.Info("instance registered", "instance", inst.ID, "address", inst.Address, "topics", inst.Topics)
	return *inst.Clone(), nil
}

func validateAddress(addr string) error {
	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("%w: address: %w", ErrInvalidInstance, err)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return fmt.Errorf("%w: address %q has no host", ErrInvalidInstance, addr)
		}
	case "nats":
		if u.Host == "" && u.Opaque == "" {
			return fmt.Errorf("%w: address %q has no subject", ErrInvalidInstance, addr)
		}
	default:
		return fmt.Errorf("%w: unsupported address scheme %q", ErrInvalidInstance, u.Scheme)
	}
	return nil
}

// Deregister removes an instance and returns its last state.
func (r *Registry) Deregister(id string) (types.Instance, error) {
	r.mu.Lock()
	m, ok := r.members[id]
	if ok {
		delete(r.members, id)
	}
	r.mu.Unlock()
	if !ok {
		return types.Instance{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.routes.invalidate()
	r.log.Info("instance deregistered", "instance", id)
	return m.snapshot(), nil
}

func (r *Registry) member(id string) (*member, error) {
	r.mu.RLock()
	m, ok := r.members[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, nil
}

// setHealth must be called with m.mu held. It returns the notification to
// run once the lock is released.
func (r *Registry) setHealth(m *member, to types.Health) func() {
	from := m.inst.Health
	if from == to {
		return func() {}
	}
	m.inst.Health = to
	id := m.inst.ID
	return func() {
		r.log.Info("instance health changed", "instance", id, "from", from, "to", to)
		if r.onHealth != nil {
			r.onHealth(id, from, to)
		}
	}
}

// Heartbeat refreshes the instance and restores it to HEALTHY.
func (r *Registry) Heartbeat(id string) error {
	m, err := r.member(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.inst.LastHeartbeat = r.now().UnixMilli()
	m.failures = 0
	notify := r.setHealth(m, types.HealthHealthy)
	m.mu.Unlock()
	notify()
	return nil
}

// ReportFailure records a failed delivery. DegradeAfter consecutive
// failures move a HEALTHY instance to DEGRADED.
func (r *Registry) ReportFailure(id string) {
	m, err := r.member(id)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.failures++
	notify := func() {}
	if r.cfg.DegradeAfter > 0 && m.failures >= r.cfg.DegradeAfter && m.inst.Health == types.HealthHealthy {
		notify = r.setHealth(m, types.HealthDegraded)
	}
	m.mu.Unlock()
	notify()
}

// ReportSuccess records a delivery the instance accepted or rejected on
// purpose; either way it is reachable.
func (r *Registry) ReportSuccess(id string) {
	m, err := r.member(id)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.failures = 0
	notify := func() {}
	if m.inst.Health == types.HealthDegraded {
		notify = r.setHealth(m, types.HealthHealthy)
	}
	m.mu.Unlock()
	notify()
}

// Get returns a copy of the instance.
func (r *Registry) Get(id string) (types.Instance, error) {
	m, err := r.member(id)
	if err != nil {
		return types.Instance{}, err
	}
	return m.snapshot(), nil
}

// List returns every instance sorted by ID.
func (r *Registry) List() []types.Instance {
	r.mu.RLock()
	out := make([]types.Instance, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the number of instances per health status.
func (r *Registry) Counts() map[types.Health]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[types.Health]int, 3)
	for _, m := range r.members {
		out[m.health()]++
	}
	return out
}

// Acquire counts a delivery starting against the instance.
func (r *Registry) Acquire(id string) {
	if m, err := r.member(id); err == nil {
		m.outstanding.Add(1)
	}
}

// Release is the counterpart of Acquire.
func (r *Registry) Release(id string) {
	m, err := r.member(id)
	if err != nil {
		return
	}
	for {
		n := m.outstanding.Load()
		if n <= 0 || m.outstanding.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// ─── health sweep ────────────────────────────────────────────────────────────

// Sweep applies the heartbeat rules once: instances silent for
// MissedHeartbeatLimit intervals become UNREACHABLE, those silent for
// RemoveAfterMissed intervals are removed. The removed instances are
// returned.
func (r *Registry) Sweep() []types.Instance {
	interval := r.cfg.HeartbeatInterval.Milliseconds()
	if interval <= 0 {
		return nil
	}
	now := r.now().UnixMilli()

	var (
		removed  []types.Instance
		notifies []func()
	)
	r.mu.Lock()
	for id, m := range r.members {
		m.mu.Lock()
		missed := (now - m.inst.LastHeartbeat) / interval
		switch {
		case r.cfg.RemoveAfterMissed > 0 && missed >= int64(r.cfg.RemoveAfterMissed):
			delete(r.members, id)
			removed = append(removed, *m.inst.Clone())
		case missed >= int64(r.cfg.MissedHeartbeatLimit) && m.inst.Health != types.HealthUnreachable:
			notifies = append(notifies, r.setHealth(m, types.HealthUnreachable))
		}
		m.mu.Unlock()
	}
	r.mu.Unlock()

	for _, fn := range notifies {
		fn()
	}
	if len(removed) > 0 {
		r.routes.invalidate()
		sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	}
	for _, inst := range removed {
		r.log.Warn("instance removed after missed heartbeats", "instance", inst.ID)
		if r.onRemove != nil {
			r.onRemove(inst)
		}
	}
	return removed
}

// Start runs Sweep every HeartbeatInterval until ctx is done or Close is
// called.
func (r *Registry) Start(ctx context.Context) {
	if r.cfg.HeartbeatInterval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		t := time.NewTicker(r.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-t.C:
				r.Sweep()
			}
		}
	}()
}

// Close stops the sweep and waits for it to exit.
func (r *Registry) Close() {
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()
}
