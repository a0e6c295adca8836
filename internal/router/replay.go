package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/snehjoshi/messagehub/internal/eventstore"
	"github.com/snehjoshi/messagehub/internal/types"
)

// ReplayResult summarizes what Replay rebuilt.
type ReplayResult struct {
	Records      int `json:"records"`
	Pending      int `json:"pending"`
	Scheduled    int `json:"scheduled"`
	Delivered    int `json:"delivered"`
	DeadLettered int `json:"dead_lettered"`
	Instances    int `json:"instances"`
}

// folded is the latest known state of one message.
type folded struct {
	msg         *types.Message
	last        types.EventType
	lastAt      int64
	acceptedSeq uint64
}

// Replay rebuilds in-memory state by folding the event log from sequence
// from, partition by partition in sequence order.
//
// Messages whose last event is ACCEPTED, DISPATCHED or RETRIED are put back
// in the queue in acceptance order, or in the scheduler when their backoff
// has not elapsed. A message interrupted mid-attempt is therefore delivered
// again. Messages the Router already holds are skipped, so calling Replay
// more than once never enqueues a message twice. Registered instances are
// restored HEALTHY with a fresh heartbeat.
func (r *Router) Replay(ctx context.Context, from uint64) (ReplayResult, error) {
	var (
		res       ReplayResult
		msgs      = make(map[string]*folded)
		instances = make(map[string]types.Instance)
	)

	for rec, err := range r.store.ReadAll(from) {
		if err != nil {
			return res, fmt.Errorf("router: replay: %w", err)
		}
		res.Records++
		if res.Records%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}

		if rec.Partition == types.RegistryPartition {
			r.foldInstance(instances, rec)
			continue
		}

		f := msgs[rec.MessageID]
		if f == nil {
			f = &folded{}
			msgs[rec.MessageID] = f
		}
		if m, err := decodeSnapshot(rec); err != nil {
			r.log.Error("replay: undecodable snapshot", "partition", rec.Partition, "seq", rec.Seq, "msg_id", rec.MessageID, "err", err)
		} else {
			f.msg = m
		}
		f.last = rec.Type
		f.lastAt = rec.Timestamp
		if rec.Type == types.EventAccepted {
			f.acceptedSeq = rec.Seq
		}
	}

	res.Instances = r.restoreInstances(instances)

	pending := make([]*folded, 0)
	for id, f := range msgs {
		if f.msg == nil {
			r.log.Error("replay: message has no usable snapshot", "msg_id", id)
			continue
		}
		switch f.last {
		case types.EventAcked:
			res.Delivered++
		case types.EventDeadLettered:
			res.DeadLettered++
		default:
			if r.completeInterrupted(ctx, f) {
				res.DeadLettered++
				continue
			}
			pending = append(pending, f)
		}
	}

	// Acceptance order within a partition is the order of ACCEPTED records.
	sort.Slice(pending, func(i, j int) bool {
		pi, pj := pending[i].msg.Partition(), pending[j].msg.Partition()
		if pi != pj {
			return pi < pj
		}
		return pending[i].acceptedSeq < pending[j].acceptedSeq
	})

	now := r.now().UnixMilli()
	for _, f := range pending {
		m := f.msg
		if !r.track(m.ID) {
			continue
		}
		if !r.setStatus(m, types.StatusPending) {
			r.untrack(m.ID)
			continue
		}
		if m.NotBefore > now {
			if err := r.queue.Hold(m); err != nil {
				r.untrack(m.ID)
				return res, fmt.Errorf("router: replay %s: %w", m.ID, err)
			}
			r.sched.Schedule(m)
			res.Scheduled++
			continue
		}
		m.NotBefore = 0
		if err := r.queue.Restore(m); err != nil {
			r.untrack(m.ID)
			return res, fmt.Errorf("router: replay %s: %w", m.ID, err)
		}
		res.Pending++
	}
	return res, nil
}

func decodeSnapshot(rec types.Record) (*types.Message, error) {
	if len(rec.Snapshot) == 0 {
		return nil, errors.New("empty snapshot")
	}
	if rec.Type == types.EventDeadLettered {
		var e types.DeadLetterEntry
		if err := json.Unmarshal(rec.Snapshot, &e); err != nil {
			return nil, err
		}
		return &e.Message, nil
	}
	var m types.Message
	if err := json.Unmarshal(rec.Snapshot, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Router) foldInstance(instances map[string]types.Instance, rec types.Record) {
	switch rec.Type {
	case types.EventRegistered:
		var inst types.Instance
		if err := json.Unmarshal(rec.Snapshot, &inst); err != nil {
			r.log.Error("replay: undecodable instance", "seq", rec.Seq, "instance", rec.MessageID, "err", err)
			return
		}
		instances[rec.MessageID] = inst
	case types.EventDeregistered:
		delete(instances, rec.MessageID)
	}
}

// restoreInstances registers the folded instances the registry does not
// know yet and returns how many were added.
func (r *Router) restoreInstances(instances map[string]types.Instance) int {
	ids := make([]string, 0, len(instances))
	for id := range instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	n := 0
	for _, id := range ids {
		if _, err := r.reg.Get(id); err == nil {
			continue
		}
		if _, err := r.reg.Register(instances[id]); err != nil {
			r.log.Error("replay: instance rejected", "instance", id, "err", err)
			continue
		}
		n++
	}
	return n
}

// completeInterrupted finishes a dead-letter or requeue that stopped between
// its two writes. A dead letter is parked before DEAD_LETTERED is journaled;
// a requeue journals ACCEPTED before removing the entry. The entry is
// therefore stale when the log moved on after it was parked, and the
// dead-letter record is missing otherwise. It reports whether the message
// turned out to be dead-lettered.
func (r *Router) completeInterrupted(ctx context.Context, f *folded) bool {
	e, err := r.store.DeadLetter(f.msg.ID)
	if errors.Is(err, eventstore.ErrNotFound) {
		return false
	}
	if err != nil {
		r.log.Error("replay: dead letter lookup failed", "msg_id", f.msg.ID, "err", err)
		return false
	}

	if f.lastAt > e.DeadLetteredAt {
		if err := r.store.DeleteDeadLetter(e.MessageID); err != nil {
			r.log.Error("replay: stale dead letter not removed", "msg_id", e.MessageID, "err", err)
		}
		return false
	}

	snap, err := json.Marshal(e)
	if err == nil {
		err = r.appendRecord(ctx, e.Message.Partition(), types.EventDeadLettered, e.MessageID, snap)
	}
	if err != nil {
		r.log.Error("replay: journal dead letter failed", "msg_id", e.MessageID, "err", err)
	}
	return true
}
