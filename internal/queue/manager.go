// Package queue implements the priority queue manager: per-(topic, priority)
// FIFO partitions grouped into priority levels and served by weighted
// round-robin so urgent work goes first without starving lower levels.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/messagehub/internal/types"
)

var (
	// ErrCapacity is returned by Enqueue when MaxPending messages are waiting.
	ErrCapacity = errors.New("queue: at capacity")
	// ErrPriority is returned for a priority outside [0, levels).
	ErrPriority = errors.New("queue: priority out of range")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue: closed")
)

// Config controls a Manager.
type Config struct {
	// Quotas holds the dispatch slots per round of each level; its length is
	// the number of levels. Level 0 is the most urgent.
	Quotas []int
	// MaxPending caps the messages waiting across all levels. Zero means
	// unbounded.
	MaxPending int
	// Strict keeps at most one message per partition outside the queue,
	// leased or held for a retry, so delivery order equals enqueue order
	// even when the head of a partition has to be retried.
	Strict bool
}

// DefaultConfig returns three levels with quotas 4, 2, 1 and strict ordering.
func DefaultConfig() Config {
	return Config{Quotas: []int{4, 2, 1}, MaxPending: 100_000, Strict: true}
}

// Lease is a dequeued message. Done must be called once the dispatch attempt
// has finished so the partition can hand out its next message.
type Lease struct {
	Msg *types.Message

	m    *Manager
	p    *partition
	once sync.Once
}

// Done releases the partition. Calling it more than once is harmless.
func (l *Lease) Done() {
	l.once.Do(func() { l.m.release(l.p) })
}

// Hold keeps the partition blocked after Done until the leased message comes
// back through Requeue. Call it before handing the message to the retry
// scheduler. It has no effect without strict ordering.
func (l *Lease) Hold() {
	if l.m.cfg.Strict {
		l.p.hold(l.Msg.ID)
	}
}

// Manager is the priority queue manager. All methods are safe for
// concurrent use.
//
// Producers only lock the partition they push to. Consumers serialize on
// the selection lock, which owns the round-robin cursors and the round's
// remaining credits.
type Manager struct {
	cfg    Config
	levels []*level

	partsMu sync.RWMutex
	parts   map[string]*partition // partition key → partition

	selMu   sync.Mutex
	credits []int // remaining quota in the current round

	pending atomic.Int64
	leased  atomic.Int64

	// notify holds at most one wake-up token. A consumer that takes a
	// message passes the token on so bursts wake every idle consumer.
	notify chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

// New creates a Manager. At least one level is required.
func New(cfg Config) (*Manager, error) {
	if len(cfg.Quotas) == 0 {
		return nil, errors.New("queue: at least one priority level is required")
	}
	m := &Manager{
		cfg:     cfg,
		levels:  make([]*level, len(cfg.Quotas)),
		parts:   make(map[string]*partition),
		credits: make([]int, len(cfg.Quotas)),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for l, q := range cfg.Quotas {
		if q < 1 {
			return nil, fmt.Errorf("queue: level %d quota must be at least 1", l)
		}
		m.levels[l] = &level{quota: q}
		m.credits[l] = q
	}
	return m, nil
}

// Levels returns the number of priority levels.
func (m *Manager) Levels() int { return len(m.levels) }

// Enqueue appends msg to the back of its (topic, priority) partition.
func (m *Manager) Enqueue(msg *types.Message) error {
	return m.push(msg, true, false)
}

// Restore appends msg like Enqueue but ignores MaxPending. It is used for
// messages that were already admitted: replayed backlog and messages whose
// acceptance was journaled before the queue filled up.
func (m *Manager) Restore(msg *types.Message) error {
	return m.push(msg, false, false)
}

// Requeue puts msg at the front of its partition, ahead of messages that
// have not been dispatched yet. Used for retries. Ignores MaxPending.
func (m *Manager) Requeue(msg *types.Message) error {
	return m.push(msg, false, true)
}

// Hold blocks msg's partition until msg is requeued. Replay uses it for
// messages it hands to the scheduler. It has no effect without strict
// ordering.
func (m *Manager) Hold(msg *types.Message) error {
	if err := m.check(msg); err != nil {
		return err
	}
	if m.cfg.Strict {
		m.partition(msg.Partition(), msg.Priority).hold(msg.ID)
	}
	return nil
}

// Slot is room for one message claimed by Reserve. It ends with exactly one
// effective call to Enqueue or Cancel.
type Slot struct {
	m    *Manager
	used atomic.Bool
}

// Reserve claims room for one message against MaxPending. The room counts
// towards Len until the slot is enqueued or cancelled, so concurrent
// producers can never overshoot the limit between the check and the push.
func (m *Manager) Reserve() (*Slot, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if err := m.reserve(true); err != nil {
		return nil, err
	}
	return &Slot{m: m}, nil
}

// Enqueue appends msg to the back of its partition using the reserved room.
func (s *Slot) Enqueue(msg *types.Message) error {
	if !s.used.CompareAndSwap(false, true) {
		return errors.New("queue: slot already used")
	}
	if err := s.m.place(msg, false); err != nil {
		s.m.pending.Add(-1)
		return err
	}
	return nil
}

// Cancel gives the room back. It does nothing after Enqueue.
func (s *Slot) Cancel() {
	if s.used.CompareAndSwap(false, true) {
		s.m.pending.Add(-1)
	}
}

// reserve increments pending, refusing when checkCap is set and the limit
// is reached.
func (m *Manager) reserve(checkCap bool) error {
	for {
		n := m.pending.Load()
		if checkCap && m.cfg.MaxPending > 0 && n >= int64(m.cfg.MaxPending) {
			return fmt.Errorf("%w (%d messages pending)", ErrCapacity, n)
		}
		if m.pending.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

func (m *Manager) push(msg *types.Message, checkCap, front bool) error {
	if err := m.check(msg); err != nil {
		return err
	}
	if err := m.reserve(checkCap); err != nil {
		return err
	}
	if err := m.place(msg, front); err != nil {
		m.pending.Add(-1)
		return err
	}
	return nil
}

func (m *Manager) check(msg *types.Message) error {
	if msg.Priority < 0 || msg.Priority >= len(m.levels) {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrPriority, msg.Priority, len(m.levels))
	}
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

// place inserts msg into its partition. pending was already counted.
func (m *Manager) place(msg *types.Message, front bool) error {
	if err := m.check(msg); err != nil {
		return err
	}
	p := m.partition(msg.Partition(), msg.Priority)
	p.push(msg, front)
	m.levels[msg.Priority].depth.Add(1)
	m.signal()
	return nil
}

func (m *Manager) partition(key string, prio int) *partition {
	m.partsMu.RLock()
	p, ok := m.parts[key]
	m.partsMu.RUnlock()
	if ok {
		return p
	}

	m.partsMu.Lock()
	defer m.partsMu.Unlock()
	if p, ok = m.parts[key]; ok {
		return p
	}
	p = newPartition(key, prio)
	m.parts[key] = p
	m.selMu.Lock()
	lv := m.levels[prio]
	lv.parts = append(lv.parts, p)
	m.selMu.Unlock()
	return p
}

// TryDequeue returns the next message by weighted round-robin, or nil when
// nothing is eligible.
func (m *Manager) TryDequeue() (*Lease, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	l := m.pop()
	if l != nil {
		m.signal()
	}
	return l, nil
}

// Dequeue blocks until a message is eligible, ctx is done or the manager is
// closed.
func (m *Manager) Dequeue(ctx context.Context) (*Lease, error) {
	for {
		l, err := m.TryDequeue()
		if err != nil || l != nil {
			return l, err
		}
		select {
		case <-m.notify:
		case <-m.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// pop implements the round: levels are visited from most to least urgent
// and each may hand out its remaining credit. A level with nothing eligible
// is skipped without spending credit. When no credited level has work the
// credits are refilled, so an idle high level never stalls the lower ones.
func (m *Manager) pop() *Lease {
	m.selMu.Lock()
	defer m.selMu.Unlock()
	for pass := 0; pass < 2; pass++ {
		for l, lv := range m.levels {
			if m.credits[l] == 0 {
				continue
			}
			p, msg := lv.next(m.cfg.Strict)
			if msg == nil {
				continue
			}
			m.credits[l]--
			lv.depth.Add(-1)
			m.pending.Add(-1)
			m.leased.Add(1)
			return &Lease{Msg: msg, m: m, p: p}
		}
		if !m.anyEligible() {
			return nil
		}
		for l, lv := range m.levels {
			m.credits[l] = lv.quota
		}
	}
	return nil
}

func (m *Manager) anyEligible() bool {
	for _, lv := range m.levels {
		if lv.eligible(m.cfg.Strict) {
			return true
		}
	}
	return false
}

func (m *Manager) release(p *partition) {
	m.leased.Add(-1)
	if m.cfg.Strict && p.release() {
		m.signal()
	}
}

func (m *Manager) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of waiting messages, including reserved slots.
func (m *Manager) Len() int { return int(m.pending.Load()) }

// Leased returns the number of dequeued messages not yet released.
func (m *Manager) Leased() int { return int(m.leased.Load()) }

// Depths returns the number of waiting messages per level.
func (m *Manager) Depths() []int {
	out := make([]int, len(m.levels))
	for l, lv := range m.levels {
		out[l] = int(lv.depth.Load())
	}
	return out
}

// PartitionDepths returns the number of waiting messages per partition key.
// Empty partitions are omitted.
func (m *Manager) PartitionDepths() map[string]int {
	m.partsMu.RLock()
	defer m.partsMu.RUnlock()
	out := make(map[string]int)
	for k, p := range m.parts {
		if n := p.len(); n > 0 {
			out[k] = n
		}
	}
	return out
}

// Close wakes every blocked Dequeue with ErrClosed. Waiting messages are
// dropped from memory; they remain in the event log.
func (m *Manager) Close() {
	if m.closed.CompareAndSwap(false, true) {
		close(m.done)
	}
}
