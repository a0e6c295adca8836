package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/snehjoshi/messagehub/internal/eventstore"
	"github.com/snehjoshi/messagehub/internal/metrics"
	"github.com/snehjoshi/messagehub/internal/types"
)

// ─── Dead letters ─────────────────────────────────────────────────────────────

// Requeue puts a dead-lettered message back into dispatch with its attempt
// count reset to zero. It implements deadletter.Requeuer.
func (r *Router) Requeue(ctx context.Context, id string) error {
	e, err := r.store.DeadLetter(id)
	if errors.Is(err, eventstore.ErrNotFound) {
		return fmt.Errorf("%w: dead letter %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("router: requeue %s: %w", id, err)
	}
	if err := r.storeReady(); err != nil {
		return err
	}

	msg := e.Message.Clone()
	msg.AttemptCount = 0
	msg.History = nil
	msg.NotBefore = 0
	if !r.setStatus(msg, types.StatusPending) {
		return fmt.Errorf("router: requeue %s: message is %s", id, msg.Status)
	}
	msg.MaxAttempts = r.policy.MaxAttempts(msg.Topic)

	unlock := r.lockPartition(msg.Partition())
	defer unlock()
	if err := r.journal(ctx, types.EventAccepted, msg); err != nil {
		return fmt.Errorf("router: requeue %s: %w", id, err)
	}
	if err := r.store.DeleteDeadLetter(id); err != nil {
		// Replay removes the stale entry since the log has moved past it.
		r.log.Error("dead letter not removed after requeue", "msg_id", id, "err", err)
	}
	if r.track(id) {
		if err := r.queue.Restore(msg); err != nil {
			r.log.Warn("requeued message not enqueued", "msg_id", id, "err", err)
		}
	}
	r.log.Info("dead letter requeued", "msg_id", id, "topic", msg.Topic)
	return nil
}

// ─── Event log ────────────────────────────────────────────────────────────────

// Compact removes fully terminal records up to upTo (0 means no bound).
func (r *Router) Compact(ctx context.Context, upTo uint64) (eventstore.CompactResult, error) {
	res, err := r.store.Compact(ctx, upTo)
	if err != nil {
		return res, fmt.Errorf("router: compact: %w", err)
	}
	r.log.Info("event log compacted", "removed", res.Removed, "kept", res.Kept, "archived", res.Archived)
	return res, nil
}

// Events returns up to limit records with Seq >= from, from one partition
// or, when partition is empty, from all of them in partition order.
func (r *Router) Events(partition string, from uint64, limit int) ([]types.Record, error) {
	seq := r.store.ReadAll(from)
	if partition != "" {
		seq = r.store.ReadFrom(partition, from)
	}
	out := make([]types.Record, 0)
	for rec, err := range seq {
		if err != nil {
			return out, fmt.Errorf("router: events: %w", err)
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MessageStatus is the journaled state of a message.
type MessageStatus struct {
	Message   types.Message   `json:"message"`
	LastEvent types.EventType `json:"last_event"`
	Seq       uint64          `json:"seq"`
}

// Message looks up a message by ID and returns the snapshot written with its
// latest event.
func (r *Router) Message(id string) (MessageStatus, error) {
	st, err := r.store.Message(id)
	if errors.Is(err, eventstore.ErrNotFound) {
		return MessageStatus{}, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	if err != nil {
		return MessageStatus{}, fmt.Errorf("router: message %s: %w", id, err)
	}
	for rec, err := range r.store.ReadFrom(st.Partition, st.Seq) {
		if err != nil {
			return MessageStatus{}, fmt.Errorf("router: message %s: %w", id, err)
		}
		if rec.MessageID != id || rec.Seq != st.Seq {
			continue
		}
		m, err := decodeSnapshot(rec)
		if err != nil {
			return MessageStatus{}, fmt.Errorf("router: message %s: %w", id, err)
		}
		return MessageStatus{Message: *m, LastEvent: rec.Type, Seq: rec.Seq}, nil
	}
	// Compacted away after the index lookup.
	return MessageStatus{}, fmt.Errorf("%w: message %s", ErrNotFound, id)
}

// ─── Health ───────────────────────────────────────────────────────────────────

// Health summarizes every component.
type Health struct {
	// Status is "ok", or "degraded" while the store is failed.
	Status      string         `json:"status"`
	Store       StoreHealth    `json:"store"`
	Queue       QueueHealth    `json:"queue"`
	Instances   map[string]int `json:"instances"`
	Breakers    map[string]int `json:"breakers"`
	DeadLetters int            `json:"dead_letters"`
}

// StoreHealth is the event store part of Health.
type StoreHealth struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	eventstore.Stats
}

// QueueHealth is the queue part of Health.
type QueueHealth struct {
	Depths []int `json:"depths"`
	// Partitions holds the waiting messages per non-empty partition.
	Partitions map[string]int `json:"partitions,omitempty"`
	Pending    int            `json:"pending"`
	InFlight   int            `json:"in_flight"`
	Scheduled  int            `json:"scheduled"`
	// NextRetryAt is when the earliest scheduled message is due, in UTC
	// milliseconds; zero when nothing is scheduled.
	NextRetryAt int64 `json:"next_retry_at,omitempty"`
}

// Health returns the current summary.
func (r *Router) Health() Health {
	h := Health{
		Status: "ok",
		Store:  StoreHealth{OK: true, Stats: r.store.Stats()},
		Queue: QueueHealth{
			Depths:     r.queue.Depths(),
			Partitions: r.queue.PartitionDepths(),
			Pending:    r.queue.Len(),
			InFlight:   r.queue.Leased(),
			Scheduled:  r.sched.Len(),
		},
		Instances: make(map[string]int),
		Breakers:  make(map[string]int),
	}
	if next := r.sched.Next(); !next.IsZero() {
		h.Queue.NextRetryAt = next.UnixMilli()
	}
	if err := r.store.Healthy(); err != nil {
		h.Status = "degraded"
		h.Store.OK = false
		h.Store.Error = err.Error()
	}
	for health, n := range r.reg.Counts() {
		h.Instances[health.String()] = n
	}
	for st, n := range r.breakers.Counts() {
		h.Breakers[st.String()] = n
	}
	if dls, err := r.store.DeadLetters(); err == nil {
		h.DeadLetters = len(dls)
	}
	return h
}

func (r *Router) metricsState() metrics.State {
	h := r.Health()
	return metrics.State{
		QueueDepth:  h.Queue.Depths,
		InFlight:    h.Queue.InFlight,
		Scheduled:   h.Queue.Scheduled,
		Instances:   h.Instances,
		Breakers:    h.Breakers,
		DeadLetters: h.DeadLetters,
		LogRecords:  h.Store.Records,
		LogBytes:    h.Store.Bytes,
		StoreFailed: !h.Store.OK,
	}
}

// Partitions lists the event log partitions, including the registry's.
func (r *Router) Partitions() []string { return r.store.Partitions() }
