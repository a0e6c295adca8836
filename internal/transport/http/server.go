// Package http serves the hub's control API.
//
// Routes:
//
//	POST   /publish
//	POST   /subscribe
//	GET    /subscribe
//	DELETE /subscribe/{id}
//	POST   /heartbeat/{id}
//	GET    /events
//	GET    /events/stream          (websocket)
//	GET    /deadletters
//	GET    /deadletters/{id}
//	POST   /deadletters/{id}/requeue
//	POST   /deadletters/replay
//	DELETE /deadletters/{id}
//	GET    /messages/{id}
//	POST   /compact
//	GET    /health
//	GET    /metrics
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/snehjoshi/messagehub/internal/config"
	"github.com/snehjoshi/messagehub/internal/metrics"
	"github.com/snehjoshi/messagehub/internal/router"
	transportws "github.com/snehjoshi/messagehub/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with the hub's routes.
type Server struct {
	inner *http.Server
}

// New builds a Server around rt. reg may be nil, in which case /metrics
// answers 404. The caller runs ListenAndServe and Shutdown.
func New(rt *router.Router, cfg *config.Config, reg *metrics.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{router: rt, log: log}
	stream := &transportws.Handler{Source: rt, Log: log}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	mux.HandleFunc("POST /publish", h.publish)

	mux.HandleFunc("POST /subscribe", h.subscribe)
	mux.HandleFunc("GET /subscribe", h.listInstances)
	mux.HandleFunc("DELETE /subscribe/{id}", h.unsubscribe)
	mux.HandleFunc("POST /heartbeat/{id}", h.heartbeat)

	mux.HandleFunc("GET /events", h.events)
	mux.Handle("GET /events/stream", stream)

	mux.HandleFunc("GET /deadletters", h.listDeadLetters)
	mux.HandleFunc("POST /deadletters/replay", h.replayDeadLetters)
	mux.HandleFunc("GET /deadletters/{id}", h.getDeadLetter)
	mux.HandleFunc("POST /deadletters/{id}/requeue", h.requeueDeadLetter)
	mux.HandleFunc("DELETE /deadletters/{id}", h.purgeDeadLetter)

	mux.HandleFunc("GET /messages/{id}", h.message)
	mux.HandleFunc("POST /compact", h.compact)

	if reg != nil && cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", reg.Handler())
	}

	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware(maxBodyBytes(cfg)),
		LoggingMiddleware(log, reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(float64(cfg.RateLimit.MaxRate), cfg.RateLimit.Burst),
	)

	return &Server{
		inner: &http.Server{
			Addr:         cfg.Node.Addr(),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
			ErrorLog:     slog.NewLogLogger(log.Handler(), slog.LevelWarn),
		},
	}
}

// maxBodyBytes leaves room for base64 expansion and the JSON envelope around
// the largest accepted payload.
func maxBodyBytes(cfg *config.Config) int64 {
	payload := int64(cfg.Queue.MaxPayloadKB) << 10
	if payload <= 0 {
		payload = 256 << 10
	}
	return payload*2 + 64<<10
}

// Handler returns the composed http.Handler.
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// Addr is the configured listen address.
func (s *Server) Addr() string { return s.inner.Addr }

// ListenAndServe blocks until the server stops. addr overrides the configured
// address when non-empty.
func (s *Server) ListenAndServe(addr string) error {
	if addr != "" {
		s.inner.Addr = addr
	}
	return s.inner.ListenAndServe()
}

// Shutdown waits up to ctx's deadline for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
