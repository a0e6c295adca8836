// Package scheduler holds messages that may not be dispatched before their
// NotBefore time: retries waiting out their backoff and messages rescheduled
// because a circuit was open.
//
// A single goroutine sleeps until the earliest due time and hands the message
// to the ready callback. Schedule wakes it early when a new message is due
// sooner than the current root.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/snehjoshi/messagehub/internal/types"
)

// ReadyFunc receives a message once its NotBefore has passed. It is called
// from the scheduler goroutine and must not block for long.
type ReadyFunc func(msg *types.Message)

// Scheduler is a min-heap of delayed messages. All methods are safe for
// concurrent use.
type Scheduler struct {
	mu   sync.Mutex
	h    dueHeap
	byID map[string]*entry
	seq  uint64

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a Scheduler. Call Start to begin firing.
func New() *Scheduler {
	return &Scheduler{
		h:      make(dueHeap, 0, 64),
		byID:   make(map[string]*entry),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Schedule holds msg until msg.NotBefore. A message already scheduled under
// the same ID is replaced.
func (s *Scheduler) Schedule(msg *types.Message) {
	s.mu.Lock()
	if prev, ok := s.byID[msg.ID]; ok {
		s.h.remove(prev)
	}
	s.seq++
	e := &entry{msg: msg, due: msg.NotBefore, seq: s.seq}
	heap.Push(&s.h, e)
	s.byID[msg.ID] = e
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of scheduled messages.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Next returns the earliest due time, or zero when nothing is scheduled.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.h) == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.h[0].due)
}

// Start launches the firing goroutine. It runs until ctx is done or Stop is
// called. Start must be called once.
func (s *Scheduler) Start(ctx context.Context, ready ReadyFunc) {
	s.wg.Add(1)
	go s.run(ctx, ready)
}

// Stop shuts the goroutine down and waits for it. Scheduled messages are
// abandoned; their state is still in the event log.
func (s *Scheduler) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()
}

// ─── firing goroutine ────────────────────────────────────────────────────────

func (s *Scheduler) run(ctx context.Context, ready ReadyFunc) {
	defer s.wg.Done()

	t := time.NewTimer(time.Hour)
	t.Stop()
	defer t.Stop()

	for {
		due, msg, ok := s.popDue(time.Now().UnixMilli())
		if msg != nil {
			ready(msg)
			continue
		}

		var timer <-chan time.Time
		if ok {
			t.Reset(time.Until(time.UnixMilli(due)))
			timer = t.C
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.notify:
			t.Stop()
		case <-timer:
		}
	}
}

// popDue pops the root when it is due at now. Otherwise it reports the root's
// due time, with ok false when the heap is empty.
func (s *Scheduler) popDue(now int64) (due int64, msg *types.Message, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.h) == 0 {
		return 0, nil, false
	}
	root := s.h[0]
	if root.due > now {
		return root.due, nil, true
	}
	heap.Pop(&s.h)
	delete(s.byID, root.msg.ID)
	return root.due, root.msg, true
}
