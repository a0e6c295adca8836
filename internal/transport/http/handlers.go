package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/snehjoshi/messagehub/internal/deadletter"
	"github.com/snehjoshi/messagehub/internal/eventstore"
	"github.com/snehjoshi/messagehub/internal/router"
	"github.com/snehjoshi/messagehub/internal/topic"
	"github.com/snehjoshi/messagehub/internal/types"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Handler groups the request handlers around a Router.
type Handler struct {
	router *router.Router
	log    *slog.Logger
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type errorResp struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type publishReq struct {
	Topic string `json:"topic"`
	// Payload is base64 in JSON.
	Payload       []byte            `json:"payload"`
	ContentType   string            `json:"content_type"`
	Priority      int               `json:"priority"`
	CorrelationID string            `json:"correlation_id"`
	Metadata      map[string]string `json:"metadata"`
}

type publishResp struct {
	ID string `json:"id"`
}

type subscribeReq struct {
	InstanceID string   `json:"instance_id"`
	Address    string   `json:"address"`
	Topics     []string `json:"topics"`
	Weight     int      `json:"weight"`
	Secret     string   `json:"secret"`
}

type subscribeResp struct {
	InstanceID string `json:"instance_id"`
}

type instancesResp struct {
	Instances []types.Instance `json:"instances"`
}

type eventsResp struct {
	Events []types.Record `json:"events"`
	// Next is the Seq to pass as from to continue a single-partition read.
	Next uint64 `json:"next,omitempty"`
}

type deadLettersResp struct {
	DeadLetters []types.DeadLetterEntry `json:"dead_letters"`
}

type replayResp struct {
	Requeued int    `json:"requeued"`
	Error    string `json:"error,omitempty"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	hl := h.router.Health()
	code := http.StatusOK
	if !hl.Store.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, hl)
}

// ─── Publish ──────────────────────────────────────────────────────────────────

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	var req publishReq
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := h.router.Publish(r.Context(), router.PublishRequest{
		Topic:         req.Topic,
		Payload:       req.Payload,
		ContentType:   req.ContentType,
		Priority:      req.Priority,
		CorrelationID: req.CorrelationID,
		Metadata:      req.Metadata,
	})
	if err != nil {
		h.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, publishResp{ID: id})
}

// ─── Instances ────────────────────────────────────────────────────────────────

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := h.router.Subscribe(r.Context(), router.SubscribeRequest{
		InstanceID: req.InstanceID,
		Address:    req.Address,
		Topics:     req.Topics,
		Weight:     req.Weight,
		Secret:     req.Secret,
	})
	if err != nil {
		h.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, subscribeResp{InstanceID: id})
}

// listInstances lists every instance, or with ?topic= only the instances
// subscribed to that topic, whatever their health.
func (h *Handler) listInstances(w http.ResponseWriter, r *http.Request) {
	list := h.router.Registry().List()
	if name := r.URL.Query().Get("topic"); name != "" {
		if err := topic.Validate(name); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error(), Field: "topic"})
			return
		}
		list = h.router.Registry().Subscribers(name)
	}
	for i := range list {
		if list[i].Secret != "" {
			list[i].Secret = "redacted"
		}
	}
	writeJSON(w, http.StatusOK, instancesResp{Instances: list})
}

func (h *Handler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := h.router.Unsubscribe(r.Context(), r.PathValue("id")); err != nil {
		h.writeRouterError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.router.Heartbeat(r.PathValue("id")); err != nil {
		h.writeRouterError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Event log ────────────────────────────────────────────────────────────────

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := queryUint(q.Get("from"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("from: %w", err))
		return
	}
	limit, err := queryUint(q.Get("limit"), defaultEventLimit)
	if err != nil || limit == 0 {
		writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
		return
	}
	limit = min(limit, maxEventLimit)

	partition := q.Get("partition")
	recs, err := h.router.Events(partition, from, int(limit))
	if err != nil {
		h.writeRouterError(w, err)
		return
	}
	resp := eventsResp{Events: recs}
	if partition != "" && len(recs) > 0 {
		resp.Next = recs[len(recs)-1].Seq + 1
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) compact(w http.ResponseWriter, r *http.Request) {
	upTo, err := queryUint(r.URL.Query().Get("up_to"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("up_to: %w", err))
		return
	}
	res, err := h.router.Compact(r.Context(), upTo)
	if err != nil {
		h.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) message(w http.ResponseWriter, r *http.Request) {
	st, err := h.router.Message(r.PathValue("id"))
	if err != nil {
		h.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ─── Dead letters ─────────────────────────────────────────────────────────────

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	list, err := h.router.DeadLetters().List(f)
	if err != nil {
		h.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deadLettersResp{DeadLetters: list})
}

func (h *Handler) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	e, err := h.router.DeadLetters().Get(r.PathValue("id"))
	if err != nil {
		h.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) requeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := h.router.Requeue(r.Context(), r.PathValue("id")); err != nil {
		h.writeRouterError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) replayDeadLetters(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := h.router.DeadLetters().Replay(r.Context(), f, h.router)
	if err != nil {
		// Partial progress is reported alongside the failure.
		h.log.Warn("dead letter replay stopped", "requeued", n, "err", err)
		writeJSON(w, statusFor(err), replayResp{Requeued: n, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, replayResp{Requeued: n})
}

func (h *Handler) purgeDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := h.router.DeadLetters().Purge(r.PathValue("id")); err != nil {
		h.writeRouterError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseFilter(r *http.Request) (deadletter.Filter, error) {
	q := r.URL.Query()
	f := deadletter.Filter{Topic: q.Get("topic"), Kind: q.Get("kind")}
	since, err := queryUint(q.Get("since"), 0)
	if err != nil {
		return f, fmt.Errorf("since: %w", err)
	}
	limit, err := queryUint(q.Get("limit"), 0)
	if err != nil {
		return f, fmt.Errorf("limit: %w", err)
	}
	f.Since = int64(since)
	f.Limit = int(limit)
	switch f.Kind {
	case "", types.FailureTransient, types.FailurePermanent:
	default:
		return f, fmt.Errorf("kind must be %q or %q", types.FailureTransient, types.FailurePermanent)
	}
	return f, nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// statusFor maps a router error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, router.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, router.ErrCapacity):
		return http.StatusTooManyRequests
	case errors.Is(err, router.ErrStoreUnavailable),
		errors.Is(err, eventstore.ErrStoreFailed),
		errors.Is(err, router.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, router.ErrNotFound), errors.Is(err, deadletter.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeRouterError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.log.Error("request failed", "err", err)
	}
	resp := errorResp{Error: err.Error()}
	var ve *router.ValidationError
	if errors.As(err, &ve) {
		resp.Field = ve.Field
	}
	var ce *router.CapacityError
	if errors.As(err, &ce) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, code, resp)
}

func queryUint(raw string, def uint64) (uint64, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResp{Error: err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return false
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return false
	}
	return true
}
