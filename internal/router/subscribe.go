package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/snehjoshi/messagehub/internal/registry"
	"github.com/snehjoshi/messagehub/internal/types"
)

// SubscribeRequest registers a consumer instance.
type SubscribeRequest struct {
	// InstanceID re-registers an existing instance; empty generates one.
	InstanceID string
	// Address is an http(s) webhook URL or nats://<subject>.
	Address string
	Topics  []string
	Weight  int
	// Secret signs deliveries when set.
	Secret string
}

// Subscribe registers an instance and journals it so Replay restores it.
func (r *Router) Subscribe(ctx context.Context, req SubscribeRequest) (string, error) {
	if err := r.storeReady(); err != nil {
		return "", err
	}
	inst, err := r.reg.Register(types.Instance{
		ID:      req.InstanceID,
		Address: req.Address,
		Topics:  req.Topics,
		Weight:  req.Weight,
		Secret:  req.Secret,
	})
	if errors.Is(err, registry.ErrInvalidInstance) {
		return "", &ValidationError{Field: "instance", Reason: err.Error()}
	}
	if err != nil {
		return "", fmt.Errorf("router: subscribe: %w", err)
	}

	if err := r.journalInstance(ctx, types.EventRegistered, inst); err != nil {
		// An unjournaled registration would vanish on restart.
		_, _ = r.reg.Deregister(inst.ID)
		return "", fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return inst.ID, nil
}

// Unsubscribe removes an instance and forgets its breakers.
func (r *Router) Unsubscribe(ctx context.Context, id string) error {
	inst, err := r.reg.Deregister(id)
	if errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("%w: instance %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	r.breakers.Forget(id)
	if err := r.journalInstance(ctx, types.EventDeregistered, inst); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Heartbeat refreshes an instance and restores it to HEALTHY.
func (r *Router) Heartbeat(id string) error {
	if err := r.reg.Heartbeat(id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("%w: instance %s", ErrNotFound, id)
		}
		return err
	}
	return nil
}

func (r *Router) journalInstance(ctx context.Context, t types.EventType, inst types.Instance) error {
	inst.Outstanding = 0
	snap, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("router: encode instance %s: %w", inst.ID, err)
	}
	return r.appendRecord(ctx, types.RegistryPartition, t, inst.ID, snap)
}
