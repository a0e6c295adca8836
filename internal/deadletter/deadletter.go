// Package deadletter gives operators a view over parked messages.
//
// Dead letters live in the event store and are never removed automatically.
// This package lists and filters them, purges them, and hands them back to a
// Requeuer for reprocessing:
//
//   - List:   filter by topic pattern and age, newest last.
//   - Purge:  delete an entry for good.
//   - Replay: requeue every entry matching a filter.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/snehjoshi/messagehub/internal/eventstore"
	"github.com/snehjoshi/messagehub/internal/topic"
	"github.com/snehjoshi/messagehub/internal/types"
)

// ErrNotFound is returned for an unknown message ID.
var ErrNotFound = errors.New("deadletter: not found")

// Requeuer puts a dead-lettered message back into dispatch with a fresh
// attempt budget. The router implements it.
type Requeuer interface {
	Requeue(ctx context.Context, id string) error
}

// Filter selects entries. Zero values match everything.
type Filter struct {
	// Topic is a subscription pattern such as "character.>".
	Topic string
	// Since keeps entries dead-lettered at or after this UTC millisecond.
	Since int64
	// Kind is types.FailureTransient or types.FailurePermanent.
	Kind string
	// Limit caps the result; zero means no cap.
	Limit int
}

// Manager wraps the store's dead-letter bucket.
type Manager struct {
	store eventstore.Store
}

// NewManager returns a Manager over store.
func NewManager(store eventstore.Store) *Manager { return &Manager{store: store} }

// List returns the entries matching f ordered by dead-letter time, oldest
// first.
func (m *Manager) List(f Filter) ([]types.DeadLetterEntry, error) {
	var pat *topic.Pattern
	if f.Topic != "" {
		p, err := topic.Compile(f.Topic)
		if err != nil {
			return nil, fmt.Errorf("deadletter: %w", err)
		}
		pat = &p
	}

	all, err := m.store.DeadLetters()
	if err != nil {
		return nil, fmt.Errorf("deadletter: list: %w", err)
	}
	out := all[:0]
	for _, e := range all {
		if pat != nil && !pat.Match(e.Message.Topic) {
			continue
		}
		if e.DeadLetteredAt < f.Since {
			continue
		}
		if f.Kind != "" && e.FailureKind != f.Kind {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DeadLetteredAt != out[j].DeadLetteredAt {
			return out[i].DeadLetteredAt < out[j].DeadLetteredAt
		}
		return out[i].MessageID < out[j].MessageID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Get returns one entry.
func (m *Manager) Get(id string) (types.DeadLetterEntry, error) {
	e, err := m.store.DeadLetter(id)
	if errors.Is(err, eventstore.ErrNotFound) {
		return types.DeadLetterEntry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return types.DeadLetterEntry{}, fmt.Errorf("deadletter: get %s: %w", id, err)
	}
	return e, nil
}

// Purge deletes an entry. The message stays DEAD_LETTERED in the event log.
func (m *Manager) Purge(id string) error {
	if _, err := m.Get(id); err != nil {
		return err
	}
	if err := m.store.DeleteDeadLetter(id); err != nil {
		return fmt.Errorf("deadletter: purge %s: %w", id, err)
	}
	return nil
}

// Count returns the number of entries per topic.
func (m *Manager) Count() (map[string]int, error) {
	all, err := m.store.DeadLetters()
	if err != nil {
		return nil, fmt.Errorf("deadletter: count: %w", err)
	}
	out := make(map[string]int)
	for _, e := range all {
		out[e.Message.Topic]++
	}
	return out, nil
}

// Replay requeues every entry matching f through r and returns how many were
// requeued. It stops at the first error, which is returned together with the
// count so far.
func (m *Manager) Replay(ctx context.Context, f Filter, r Requeuer) (int, error) {
	entries, err := m.List(f)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := r.Requeue(ctx, e.MessageID); err != nil {
			return n, fmt.Errorf("deadletter: replay %s: %w", e.MessageID, err)
		}
		n++
	}
	return n, nil
}
