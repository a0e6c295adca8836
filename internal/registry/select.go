package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/messagehub/internal/types"
)

// route is the cached set of members subscribed to one topic.
type route struct {
	members []*member // sorted by instance ID
	rr      atomic.Uint64
}

// routeTable caches topic → subscribers. Membership changes drop the whole
// cache; health is checked at selection time so it never invalidates.
type routeTable struct {
	mu     sync.RWMutex
	routes map[string]*route
	gen    uint64
}

func newRouteTable() *routeTable {
	return &routeTable{routes: make(map[string]*route)}
}

func (t *routeTable) invalidate() {
	t.mu.Lock()
	t.routes = make(map[string]*route)
	t.gen++
	t.mu.Unlock()
}

// lookup returns the cached route for topicName, building it with build on a
// miss. A route built against an older generation is returned but not cached.
func (t *routeTable) lookup(topicName string, build func() []*member) *route {
	t.mu.RLock()
	rt, ok := t.routes[topicName]
	gen := t.gen
	t.mu.RUnlock()
	if ok {
		return rt
	}

	rt = &route{members: build()}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen {
		return rt
	}
	if cur, ok := t.routes[topicName]; ok {
		return cur
	}
	t.routes[topicName] = rt
	return rt
}

func (r *Registry) route(topicName string) *route {
	return r.routes.lookup(topicName, func() []*member {
		r.mu.RLock()
		var ms []*member
		for _, m := range r.members {
			if m.subscribes(topicName) {
				ms = append(ms, m)
			}
		}
		r.mu.RUnlock()
		sort.Slice(ms, func(i, j int) bool { return ms[i].inst.ID < ms[j].inst.ID })
		return ms
	})
}

// Subscribers returns every instance subscribed to topicName regardless of
// health, sorted by ID.
func (r *Registry) Subscribers(topicName string) []types.Instance {
	rt := r.route(topicName)
	out := make([]types.Instance, 0, len(rt.members))
	for _, m := range rt.members {
		out = append(out, m.snapshot())
	}
	return out
}

// Select picks one HEALTHY instance subscribed to topicName using the
// configured strategy. It never blocks on I/O.
func (r *Registry) Select(topicName string) (types.Instance, error) {
	rt := r.route(topicName)

	healthy := make([]*member, 0, len(rt.members))
	for _, m := range rt.members {
		if m.health() == types.HealthHealthy {
			healthy = append(healthy, m)
		}
	}
	if len(healthy) == 0 {
		return types.Instance{}, fmt.Errorf("%w for topic %q", ErrNoHealthyTarget, topicName)
	}

	var pick *member
	switch r.cfg.Strategy {
	case LeastOutstanding:
		pick = leastOutstanding(healthy, rt.rr.Add(1)-1)
	case WeightedRandom:
		pick = weightedRandom(healthy, r.intn)
	default:
		pick = healthy[(rt.rr.Add(1)-1)%uint64(len(healthy))]
	}
	return pick.snapshot(), nil
}

// leastOutstanding starts scanning at an offset that rotates per call so ties
// are spread instead of always landing on the lowest ID.
func leastOutstanding(ms []*member, offset uint64) *member {
	n := len(ms)
	start := int(offset % uint64(n))
	best := ms[start]
	bestN := best.outstanding.Load()
	for i := 1; i < n; i++ {
		m := ms[(start+i)%n]
		if o := m.outstanding.Load(); o < bestN {
			best, bestN = m, o
		}
	}
	return best
}

func weightedRandom(ms []*member, intn func(int) int) *member {
	total := 0
	weights := make([]int, len(ms))
	for i, m := range ms {
		m.mu.Lock()
		w := m.inst.Weight
		m.mu.Unlock()
		if w < 1 {
			w = 1
		}
		weights[i] = w
		total += w
	}
	n := intn(total)
	for i, w := range weights {
		if n < w {
			return ms[i]
		}
		n -= w
	}
	return ms[len(ms)-1]
}
