// Package websocket streams the event log to operators.
//
// Clients connect to:
//
//	GET /events/stream?partition=<name>&from=<seq>
//
// The handler polls the log every 200 ms and pushes each new record as one
// text frame. Without a partition every partition is followed, each from
// the same starting seq; partitions created later are picked up on the next
// poll.
//
// Server → client frame:
//
//	{"type":"event","event":{"seq":1,"partition":"orders.created","type":"ACCEPTED",...}}
//	{"type":"error","error":"..."}
//
// The stream is read-only; anything the client sends is discarded.
package websocket

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/messagehub/internal/types"
)

const (
	pollInterval = 200 * time.Millisecond
	writeWait    = 10 * time.Second
	// batchSize bounds how many records of one partition go out per poll.
	batchSize = 256
)

// Source is the part of the router the stream reads from.
type Source interface {
	Events(partition string, from uint64, limit int) ([]types.Record, error)
	Partitions() []string
}

var upgrader = gorillaws.Upgrader{
	// Same-origin browsers only; clients without an Origin header are
	// allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func parseHost(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", raw)
	}
	return u.Host, nil
}

// Handler serves the event stream.
type Handler struct {
	Source Source
	Log    *slog.Logger
	// Interval overrides the poll interval; zero means 200ms.
	Interval time.Duration
}

type frame struct {
	Type  string        `json:"type"`
	Event *types.Record `json:"event,omitempty"`
	Error string        `json:"error,omitempty"`
}

// ServeHTTP upgrades the connection and pushes records until the client
// goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.Log
	if log == nil {
		log = slog.Default()
	}
	partition := r.URL.Query().Get("partition")
	var from uint64
	if raw := r.URL.Query().Get("from"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "from must be an unsigned integer", http.StatusBadRequest)
			return
		}
		from = v
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// Drain client frames so close and ping frames are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := h.Interval
	if interval <= 0 {
		interval = pollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cursors := make(map[string]uint64)
	for {
		if !h.push(conn, log, partition, from, cursors) {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}

// push sends everything new since the last call. It returns false once the
// connection is unusable.
func (h *Handler) push(conn *gorillaws.Conn, log *slog.Logger, only string, from uint64, cursors map[string]uint64) bool {
	partitions := []string{only}
	if only == "" {
		partitions = h.Source.Partitions()
	}
	for _, p := range partitions {
		next, ok := cursors[p]
		if !ok {
			next = from
		}
		recs, err := h.Source.Events(p, next, batchSize)
		if err != nil {
			log.Warn("event stream read failed", "partition", p, "err", err)
			return write(conn, frame{Type: "error", Error: err.Error()})
		}
		for i := range recs {
			if !write(conn, frame{Type: "event", Event: &recs[i]}) {
				return false
			}
			next = recs[i].Seq + 1
		}
		cursors[p] = next
	}
	return true
}

func write(conn *gorillaws.Conn, f frame) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f) == nil
}
