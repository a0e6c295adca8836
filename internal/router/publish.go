package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/snehjoshi/messagehub/internal/eventstore"
	"github.com/snehjoshi/messagehub/internal/node"
	"github.com/snehjoshi/messagehub/internal/queue"
	"github.com/snehjoshi/messagehub/internal/topic"
	"github.com/snehjoshi/messagehub/internal/types"
)

// PublishRequest carries everything needed to publish one message.
type PublishRequest struct {
	Topic       string
	Payload     []byte
	ContentType string
	// Priority is 0 (most urgent) to the configured level count minus one.
	Priority int
	// CorrelationID is generated when empty.
	CorrelationID string
	Metadata      map[string]string
}

// Publish validates req, journals the message as ACCEPTED and enqueues it.
// The returned ID is durable once Publish returns without error; the
// message will be delivered at least once.
//
// Cancelling ctx before the append completes aborts the publish.
func (r *Router) Publish(ctx context.Context, req PublishRequest) (string, error) {
	if err := r.validate(req); err != nil {
		r.metrics.Rejected("validation")
		return "", err
	}
	if err := r.storeReady(); err != nil {
		r.metrics.Rejected("store")
		return "", err
	}
	slot, err := r.queue.Reserve()
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return "", ErrClosed
		}
		r.metrics.Rejected("capacity")
		return "", &CapacityError{Resource: "queue", Err: err}
	}
	defer slot.Cancel()

	id, err := node.NewID()
	if err != nil {
		return "", fmt.Errorf("router: generate message ID: %w", err)
	}
	corr := req.CorrelationID
	if corr == "" {
		corr = uuid.NewString()
	}
	msg := &types.Message{
		ID:            id,
		Topic:         req.Topic,
		Payload:       req.Payload,
		ContentType:   req.ContentType,
		Priority:      req.Priority,
		CorrelationID: corr,
		Metadata:      req.Metadata,
		MaxAttempts:   r.policy.MaxAttempts(req.Topic),
		CreatedAt:     r.now().UnixMilli(),
		Status:        types.StatusPending,
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	unlock := r.lockPartition(msg.Partition())
	defer unlock()
	if err := r.journal(ctx, types.EventAccepted, msg); err != nil {
		switch {
		case errors.Is(err, eventstore.ErrFull):
			r.metrics.Rejected("capacity")
			return "", &CapacityError{Resource: "event_log", Err: err}
		case errors.Is(err, eventstore.ErrStoreFailed), errors.Is(err, eventstore.ErrClosed):
			r.metrics.Rejected("store")
			return "", fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		return "", fmt.Errorf("router: publish %s: %w", req.Topic, err)
	}

	r.track(id)
	if err := slot.Enqueue(msg); err != nil {
		// Durable but not queued in this process: the next replay picks it up.
		r.log.Warn("accepted message not enqueued", "msg_id", id, "topic", req.Topic, "err", err)
	}
	r.metrics.Published(req.Topic, req.Priority)
	r.log.Debug("message accepted", "msg_id", id, "topic", req.Topic, "priority", req.Priority)
	return id, nil
}

func (r *Router) validate(req PublishRequest) error {
	if err := topic.Validate(req.Topic); err != nil {
		return &ValidationError{Field: "topic", Reason: err.Error()}
	}
	if r.cfg.MaxPayloadBytes > 0 && len(req.Payload) > r.cfg.MaxPayloadBytes {
		return &ValidationError{
			Field:  "payload",
			Reason: fmt.Sprintf("%d bytes exceeds the %d byte limit", len(req.Payload), r.cfg.MaxPayloadBytes),
		}
	}
	if req.Priority < 0 || req.Priority >= r.queue.Levels() {
		return &ValidationError{
			Field:  "priority",
			Reason: strconv.Itoa(req.Priority) + " not in [0, " + strconv.Itoa(r.queue.Levels()) + ")",
		}
	}
	return nil
}

// storeReady refuses work while the store is failed, giving it one chance to
// repair itself first.
func (r *Router) storeReady() error {
	if err := r.store.Healthy(); err == nil {
		return nil
	}
	if err := r.store.Recover(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// journal appends an event for msg with a JSON snapshot of it.
func (r *Router) journal(ctx context.Context, t types.EventType, msg *types.Message) error {
	snap, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("router: encode %s: %w", msg.ID, err)
	}
	return r.appendRecord(ctx, msg.Partition(), t, msg.ID, snap)
}

func (r *Router) appendRecord(ctx context.Context, partition string, t types.EventType, id string, snap []byte) error {
	_, err := r.store.Append(ctx, types.Record{
		Partition: partition,
		Type:      t,
		MessageID: id,
		Snapshot:  snap,
		Timestamp: r.now().UnixMilli(),
	})
	return err
}

// detached returns a context that survives the cancellation of ctx, bounded
// by journalTimeout.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
}
