package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/messagehub/internal/archive/s3"
	"github.com/snehjoshi/messagehub/internal/config"
	"github.com/snehjoshi/messagehub/internal/delivery"
	"github.com/snehjoshi/messagehub/internal/eventstore"
	"github.com/snehjoshi/messagehub/internal/eventstore/local"
	"github.com/snehjoshi/messagehub/internal/metrics"
	"github.com/snehjoshi/messagehub/internal/node"
	"github.com/snehjoshi/messagehub/internal/router"
	transphttp "github.com/snehjoshi/messagehub/internal/transport/http"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Run the hub",
	GroupID: "system",
	Args:    cobra.NoArgs,
	// serve is the hub itself and needs no API client.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		return serve(cmd.Context(), cfg, newLogger(os.Stdout, cfg.Log))
	},
}

// newLogger builds the process logger from the log section.
func newLogger(w io.Writer, c config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func storeConfig(cfg *config.Config, archiver eventstore.Archiver, log *slog.Logger) local.Config {
	return local.Config{
		Fsync:               local.FsyncPolicy(cfg.Storage.Fsync),
		FsyncInterval:       cfg.Storage.FsyncInterval.Std(),
		FsyncBatchSize:      cfg.Storage.FsyncBatchSize,
		MaxBytes:            cfg.Storage.MaxBytes,
		CompactionInterval:  cfg.Storage.CompactionInterval.Std(),
		CompactionThreshold: cfg.Storage.CompactionThreshold,
		Archiver:            archiver,
		Logger:              log,
	}
}

// transports builds the delivery mux: webhooks always, NATS when a URL is
// configured. The returned func releases the NATS connection.
func transports(cfg *config.Config, log *slog.Logger) (*delivery.Mux, func(), error) {
	mux := delivery.NewMux()
	webhook := delivery.NewHTTPTransport(&http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
	})
	mux.Handle("http", webhook)
	mux.Handle("https", webhook)

	if cfg.NATS.URL == "" {
		return mux, func() {}, nil
	}
	nt, err := delivery.DialNATS(cfg.NATS.URL)
	if err != nil {
		return nil, nil, err
	}
	mux.Handle("nats", nt)
	log.Info("nats delivery enabled", "url", cfg.NATS.URL)
	return mux, func() {
		if err := nt.Close(); err != nil {
			log.Warn("nats close", "err", err)
		}
	}, nil
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	slog.SetDefault(log)

	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	log = log.With("node_id", n.ID().String())
	log.Info("messagehub starting", "addr", cfg.Node.Addr(), "data_dir", n.DataDir())

	var archiver eventstore.Archiver
	if cfg.Archive.Enabled {
		ac := s3.ConfigFrom(cfg.Archive)
		ac.Prefix = n.Scope(ac.Prefix)
		a, err := s3.New(ctx, ac)
		if err != nil {
			return fmt.Errorf("init archive: %w", err)
		}
		archiver = a
		log.Info("compaction archive enabled", "bucket", ac.Bucket, "prefix", ac.Prefix)
	}

	store, err := local.Open(filepath.Join(n.DataDir(), "events"), storeConfig(cfg, archiver, log))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("event store close", "err", err)
		}
	}()

	mux, closeTransports, err := transports(cfg, log)
	if err != nil {
		return fmt.Errorf("init delivery: %w", err)
	}
	defer closeTransports()

	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		reg = metrics.New()
	}

	rt, err := router.New(router.ConfigFrom(cfg), store, mux,
		router.WithLogger(log),
		router.WithMetrics(reg),
	)
	if err != nil {
		return fmt.Errorf("init router: %w", err)
	}
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	defer rt.Close()

	srv := transphttp.New(rt, cfg, reg, log)
	serveErr := make(chan error, 1)
	go func() {
		log.Info("control API listening", "addr", srv.Addr())
		if err := srv.ListenAndServe(""); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down", "cause", context.Cause(ctx))
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	// Deferred: router (waits for running attempts), NATS, store.
	log.Info("messagehub stopped")
	return nil
}
