package queue

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/messagehub/internal/types"
)

// partition is the FIFO of one (topic, priority) pair. Producers on different
// partitions never share a lock.
type partition struct {
	key   string
	level int

	mu    sync.Mutex
	items *list.List // of *types.Message, front = next to dispatch
	// leased is true while a dequeued message of this partition has not been
	// released with Lease.Done. Only set in strict ordering mode.
	leased bool
	// held lists messages waiting outside the queue, in the scheduler, that
	// must be dispatched before anything else here. Strict mode only.
	held map[string]struct{}
}

func newPartition(key string, level int) *partition {
	return &partition{key: key, level: level, items: list.New(), held: make(map[string]struct{})}
}

// push adds m. A held message coming back clears its hold.
func (p *partition) push(m *types.Message, front bool) {
	p.mu.Lock()
	delete(p.held, m.ID)
	if front {
		p.items.PushFront(m)
	} else {
		p.items.PushBack(m)
	}
	p.mu.Unlock()
}

func (p *partition) hold(id string) {
	p.mu.Lock()
	p.held[id] = struct{}{}
	p.mu.Unlock()
}

func (p *partition) blocked(strict bool) bool {
	return strict && (p.leased || len(p.held) > 0)
}

// take pops the head unless the partition is empty or, in strict mode,
// leased or held.
func (p *partition) take(strict bool) *types.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.blocked(strict) {
		return nil
	}
	e := p.items.Front()
	if e == nil {
		return nil
	}
	p.items.Remove(e)
	if strict {
		p.leased = true
	}
	return e.Value.(*types.Message)
}

func (p *partition) ready(strict bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.items.Len() > 0 && !p.blocked(strict)
}

// release clears the lease and reports whether a message can be taken now.
func (p *partition) release() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leased = false
	return p.items.Len() > 0 && len(p.held) == 0
}

func (p *partition) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.items.Len()
}

// level is one priority level. parts and cursor are guarded by the
// Manager's selection lock; depth is updated by producers without it.
type level struct {
	quota  int
	parts  []*partition
	cursor int
	depth  atomic.Int64
}

// next pops from the next partition in round-robin order that can hand out a
// message, advancing the cursor past it.
func (l *level) next(strict bool) (*partition, *types.Message) {
	if l.depth.Load() == 0 {
		return nil, nil
	}
	n := len(l.parts)
	for i := 0; i < n; i++ {
		p := l.parts[(l.cursor+i)%n]
		if m := p.take(strict); m != nil {
			l.cursor = (l.cursor + i + 1) % n
			return p, m
		}
	}
	return nil, nil
}

func (l *level) eligible(strict bool) bool {
	if l.depth.Load() == 0 {
		return false
	}
	for _, p := range l.parts {
		if p.ready(strict) {
			return true
		}
	}
	return false
}
