package breaker

import (
	"sort"
	"sync"
	"time"
)

// Key identifies the destination a breaker guards.
type Key struct {
	Instance string `json:"instance_id"`
	Topic    string `json:"topic"`
}

// TransitionFunc observes state changes.
type TransitionFunc func(k Key, from, to State)

// Set holds one breaker per Key. Breakers are created closed on first use.
// Operations on different keys never contend beyond the map lookup.
type Set struct {
	cfg     Config
	now     func() time.Time
	onTrans TransitionFunc

	mu sync.Mutex
	m  map[Key]*guarded
}

type guarded struct {
	mu sync.Mutex
	b  *Breaker
}

// Option configures a Set.
type Option func(*Set)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Set) { s.now = now }
}

// WithTransitionHook registers fn to run after every state change. fn runs
// with the key's lock held and must not call back into the Set.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(s *Set) { s.onTrans = fn }
}

// NewSet returns an empty Set.
func NewSet(cfg Config, opts ...Option) *Set {
	s := &Set{
		cfg: cfg.withDefaults(),
		now: time.Now,
		m:   make(map[Key]*guarded),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Set) get(k Key) *guarded {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.m[k]
	if !ok {
		g = &guarded{b: New(s.cfg)}
		s.m[k] = g
	}
	return g
}

func (s *Set) do(k Key, fn func(b *Breaker, now time.Time)) {
	g := s.get(k)
	g.mu.Lock()
	defer g.mu.Unlock()
	before := g.b.state
	fn(g.b, s.now())
	if after := g.b.state; after != before && s.onTrans != nil {
		s.onTrans(k, before, after)
	}
}

// Allow asks the breaker for k whether a delivery may start. The ticket
// goes back to Success or Failure when the delivery ends.
func (s *Set) Allow(k Key) (t Ticket, ok bool, wait time.Duration) {
	s.do(k, func(b *Breaker, now time.Time) { t, ok, wait = b.Allow(now) })
	return t, ok, wait
}

// Success records a successful delivery to k.
func (s *Set) Success(k Key, t Ticket) {
	s.do(k, func(b *Breaker, now time.Time) { b.Success(now, t) })
}

// Failure records a failed delivery to k.
func (s *Set) Failure(k Key, t Ticket) {
	s.do(k, func(b *Breaker, now time.Time) { b.Failure(now, t) })
}

// State returns the state for k; unknown keys are closed.
func (s *Set) State(k Key) State {
	s.mu.Lock()
	g, ok := s.m[k]
	s.mu.Unlock()
	if !ok {
		return Closed
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.b.state
}

// Forget drops every breaker guarding instance.
func (s *Set) Forget(instance string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.m {
		if k.Instance == instance {
			delete(s.m, k)
		}
	}
}

// KeyedSnapshot pairs a key with its breaker snapshot.
type KeyedSnapshot struct {
	Key
	Snapshot
}

// Snapshot returns every breaker, sorted by key.
func (s *Set) Snapshot() []KeyedSnapshot {
	s.mu.Lock()
	keys := make([]Key, 0, len(s.m))
	gs := make([]*guarded, 0, len(s.m))
	for k, g := range s.m {
		keys = append(keys, k)
		gs = append(gs, g)
	}
	s.mu.Unlock()

	out := make([]KeyedSnapshot, len(keys))
	for i, g := range gs {
		g.mu.Lock()
		out[i] = KeyedSnapshot{Key: keys[i], Snapshot: g.b.Snapshot()}
		g.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instance != out[j].Instance {
			return out[i].Instance < out[j].Instance
		}
		return out[i].Topic < out[j].Topic
	})
	return out
}

// Counts returns how many breakers are in each state.
func (s *Set) Counts() map[State]int {
	out := map[State]int{Closed: 0, Open: 0, HalfOpen: 0}
	for _, ks := range s.Snapshot() {
		out[ks.State]++
	}
	return out
}
