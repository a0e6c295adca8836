package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/snehjoshi/messagehub/internal/queue"
	"github.com/snehjoshi/messagehub/internal/retry"
	"github.com/snehjoshi/messagehub/internal/types"
)

// worker runs the dispatch loop until the queue is closed or ctx is done.
func (r *Router) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		lease, err := r.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		r.dispatch(ctx, lease)
	}
}

// dispatch makes one delivery attempt for the leased message and records the
// outcome. The partition lease is released once the outcome is journaled,
// so the next message of a strictly ordered partition starts only after it.
// A message going back to the scheduler holds its partition until it
// returns.
func (r *Router) dispatch(ctx context.Context, lease *queue.Lease) {
	defer lease.Done()
	msg := lease.Msg
	if !r.setStatus(msg, types.StatusInFlight) {
		r.untrack(msg.ID)
		return
	}

	target, err := r.reg.Select(msg.Topic)
	if err != nil {
		r.settle(ctx, lease, types.Instance{}, r.retry.NoTarget(msg, err))
		return
	}

	if err := r.journal(ctx, types.EventDispatched, msg); err != nil {
		r.setStatus(msg, types.StatusPending)
		if ctx.Err() != nil {
			return
		}
		// Nothing was attempted; try again after the first backoff step.
		delay := r.retry.Backoff(1)
		msg.NotBefore = r.now().Add(delay).UnixMilli()
		r.reschedule(lease)
		r.log.Error("journal dispatch failed", "msg_id", msg.ID, "topic", msg.Topic, "retry_in", delay, "err", err)
		return
	}

	r.reg.Acquire(target.ID)
	out := r.retry.AttemptDelivery(ctx, msg, target)
	r.reg.Release(target.ID)
	r.settle(ctx, lease, target, out)
}

// reschedule hands the leased message to the scheduler. The hold goes first
// so a short backoff cannot return the message before its partition is held.
func (r *Router) reschedule(lease *queue.Lease) {
	lease.Hold()
	r.sched.Schedule(lease.Msg)
}

// setStatus moves msg to status to. A transition the message lifecycle does
// not allow is refused and logged, and msg keeps its status.
func (r *Router) setStatus(msg *types.Message, to types.Status) bool {
	if msg.Status == to {
		return true
	}
	if !types.ValidTransition(msg.Status, to) {
		r.log.Error("illegal status transition refused", "msg_id", msg.ID, "from", msg.Status, "to", to)
		return false
	}
	msg.Status = to
	return true
}

// settle journals an attempt outcome and routes the message accordingly.
// target is the zero Instance when no target could be selected.
func (r *Router) settle(ctx context.Context, lease *queue.Lease, target types.Instance, out retry.Outcome) {
	jctx, cancel := detached(ctx)
	defer cancel()
	msg := lease.Msg

	switch out.Kind {
	case retry.Delivered:
		if !r.setStatus(msg, types.StatusDelivered) {
			return
		}
		if err := r.journal(jctx, types.EventAcked, msg); err != nil {
			// Replay redelivers it; consumers are idempotent.
			r.log.Error("journal ack failed", "msg_id", msg.ID, "err", err)
		}
		r.untrack(msg.ID)
		r.reg.ReportSuccess(target.ID)
		r.metrics.Delivered(msg.Topic, lastDuration(msg))
		r.log.Debug("message delivered", "msg_id", msg.ID, "topic", msg.Topic, "instance", target.ID, "attempt", msg.AttemptCount)

	case retry.Retry, retry.CircuitOpen:
		if !r.setStatus(msg, types.StatusPending) {
			return
		}
		if err := r.journal(jctx, types.EventRetried, msg); err != nil {
			r.log.Error("journal retry failed", "msg_id", msg.ID, "err", err)
		}
		if out.Kind == retry.Retry {
			if target.ID != "" {
				r.reg.ReportFailure(target.ID)
			}
			r.metrics.Retried(msg.Topic, lastDuration(msg))
			r.log.Warn("delivery failed, retrying",
				"msg_id", msg.ID,
				"topic", msg.Topic,
				"instance", target.ID,
				"attempt", msg.AttemptCount,
				"max_attempts", msg.MaxAttempts,
				"retry_in", out.Delay,
				"err", out.Err,
			)
		} else {
			r.metrics.CircuitOpen(msg.Topic)
			r.log.Debug("circuit open, rescheduled", "msg_id", msg.ID, "instance", target.ID, "retry_in", out.Delay)
		}
		r.reschedule(lease)

	case retry.DeadLetter:
		if !r.setStatus(msg, types.StatusDeadLettered) {
			return
		}
		r.deadLetter(jctx, msg, target, out)

	case retry.Aborted:
		// Shutdown interrupted the attempt. The log still ends in DISPATCHED,
		// so the next replay redelivers the message.
		r.log.Info("delivery aborted by shutdown", "msg_id", msg.ID, "topic", msg.Topic)
	}
}

// deadLetter parks the entry before journaling DEAD_LETTERED. Replay
// completes the pair if the process stops in between.
func (r *Router) deadLetter(ctx context.Context, msg *types.Message, target types.Instance, out retry.Outcome) {
	e := out.Entry
	if err := r.store.PutDeadLetter(*e); err != nil {
		r.log.Error("park dead letter failed", "msg_id", msg.ID, "err", err)
	}
	snap, err := json.Marshal(e)
	if err == nil {
		err = r.appendRecord(ctx, msg.Partition(), types.EventDeadLettered, msg.ID, snap)
	}
	if err != nil {
		r.log.Error("journal dead letter failed", "msg_id", msg.ID, "err", err)
	}
	r.untrack(msg.ID)

	if target.ID != "" {
		if e.FailureKind == types.FailurePermanent {
			r.reg.ReportSuccess(target.ID)
		} else {
			r.reg.ReportFailure(target.ID)
		}
	}
	r.metrics.DeadLettered(msg.Topic, e.FailureKind)
	r.log.Warn("message dead-lettered",
		"msg_id", msg.ID,
		"topic", msg.Topic,
		"kind", e.FailureKind,
		"attempts", msg.AttemptCount,
		"err", e.LastError,
	)
}

func lastDuration(msg *types.Message) time.Duration {
	if len(msg.History) == 0 {
		return 0
	}
	return time.Duration(msg.History[len(msg.History)-1].DurationMs) * time.Millisecond
}
