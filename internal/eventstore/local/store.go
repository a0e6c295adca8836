// Package local is the single-node, disk-backed event store: one
// append-only segment file per partition plus a bbolt index.
//
// Layout under the store directory:
//
//	index.db                  bbolt: message states, dead letters
//	<partition>/events.log    CRC-framed records of one partition
package local

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/messagehub/internal/eventstore"
	"github.com/snehjoshi/messagehub/internal/types"
)

const indexFileName = "index.db"

// FsyncPolicy controls when appended records are flushed to disk.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"
	FsyncInterval FsyncPolicy = "interval"
	FsyncBatch    FsyncPolicy = "batch"
	FsyncNever    FsyncPolicy = "never"
)

// Config tunes a Store. Zero fields take the values of DefaultConfig.
type Config struct {
	Fsync          FsyncPolicy
	FsyncInterval  time.Duration
	FsyncBatchSize int
	// MaxBytes caps the total log size for admitting new messages and
	// registrations. Zero disables the cap.
	MaxBytes int64
	// CompactionInterval and CompactionThreshold drive the background
	// compactor; it is not started when either is zero.
	CompactionInterval  time.Duration
	CompactionThreshold int
	Archiver            eventstore.Archiver
	Logger              *slog.Logger
}

// DefaultConfig returns the durable defaults: fsync before every append
// returns, background compaction off.
func DefaultConfig() Config {
	return Config{
		Fsync:          FsyncAlways,
		FsyncInterval:  200 * time.Millisecond,
		FsyncBatchSize: 64,
	}
}

var partitionRe = regexp.MustCompile(`^[a-z0-9_][a-z0-9_.~\-]{0,254}$`)

// Store is the local eventstore.Store.
type Store struct {
	dir   string
	cfg   Config
	log   *slog.Logger
	index *index

	mu   sync.RWMutex
	segs map[string]*segment

	failed atomic.Int32
	closed atomic.Bool
	writes atomic.Int64

	// compactMu allows one compaction pass at a time.
	compactMu sync.Mutex
	compactor *Compactor

	fsyncStop chan struct{}
	fsyncWG   sync.WaitGroup
	closeOnce sync.Once
}

var _ eventstore.Store = (*Store)(nil)

// Open opens (or creates) the store in dir. Every existing partition is
// scanned: torn tails are truncated, sequence counters restored, and the
// index is brought up to date with the log.
func Open(dir string, cfgs ...Config) (*Store, error) {
	cfg := DefaultConfig()
	if len(cfgs) > 0 {
		c := cfgs[0]
		if c.Fsync != "" {
			cfg.Fsync = c.Fsync
		}
		if c.FsyncInterval > 0 {
			cfg.FsyncInterval = c.FsyncInterval
		}
		if c.FsyncBatchSize > 0 {
			cfg.FsyncBatchSize = c.FsyncBatchSize
		}
		cfg.MaxBytes = c.MaxBytes
		cfg.CompactionInterval = c.CompactionInterval
		cfg.CompactionThreshold = c.CompactionThreshold
		cfg.Archiver = c.Archiver
		cfg.Logger = c.Logger
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("eventstore: create dir %s: %w", dir, err)
	}
	idx, err := openIndex(filepath.Join(dir, indexFileName), cfg.Fsync == FsyncNever)
	if err != nil {
		return nil, fmt.Errorf("eventstore: %w", err)
	}

	s := &Store{
		dir:   dir,
		cfg:   cfg,
		log:   cfg.Logger.With("component", "eventstore"),
		index: idx,
		segs:  make(map[string]*segment),
	}
	if err := s.load(); err != nil {
		_ = s.closeAll()
		return nil, err
	}

	s.startFsync()
	if cfg.CompactionInterval > 0 && cfg.CompactionThreshold > 0 {
		s.compactor = NewCompactor(s, cfg.CompactionInterval, cfg.CompactionThreshold)
		s.compactor.Start()
	}
	return s, nil
}

// load opens every partition directory and re-applies its records to the
// index in batches.
func (s *Store) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("eventstore: list %s: %w", s.dir, err)
	}
	const batch = 1000
	for _, e := range entries {
		if !e.IsDir() || !partitionRe.MatchString(e.Name()) {
			continue
		}
		var (
			pending  []types.Record
			applyErr error
		)
		g, err := openSegment(s.dir, e.Name(), func(rec types.Record) {
			pending = append(pending, rec)
			if len(pending) >= batch && applyErr == nil {
				applyErr = s.index.apply(pending)
				pending = pending[:0]
			}
		})
		if err != nil {
			return fmt.Errorf("eventstore: %w", err)
		}
		s.segs[e.Name()] = g
		if applyErr == nil {
			applyErr = s.index.apply(pending)
		}
		if applyErr != nil {
			return fmt.Errorf("eventstore: index catch-up for %s: %w", e.Name(), applyErr)
		}
		s.log.Debug("partition opened", "partition", e.Name(), "records", g.count.Load(), "seq", g.seq.Load())
	}
	return nil
}

// segment returns the segment for partition, creating it on first use.
func (s *Store) segment(partition string) (*segment, error) {
	s.mu.RLock()
	g, ok := s.segs[partition]
	s.mu.RUnlock()
	if ok {
		return g, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.segs[partition]; ok {
		return g, nil
	}
	g, err := openSegment(s.dir, partition, nil)
	if err != nil {
		return nil, fmt.Errorf("eventstore: %w", err)
	}
	s.segs[partition] = g
	return g, nil
}

func (s *Store) lookup(partition string) (*segment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.segs[partition]
	return g, ok
}

// ─── Writes ───────────────────────────────────────────────────────────────────

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, rec types.Record) (uint64, error) {
	if s.closed.Load() {
		return 0, eventstore.ErrClosed
	}
	if !partitionRe.MatchString(rec.Partition) {
		return 0, fmt.Errorf("eventstore: invalid partition %q", rec.Partition)
	}
	if s.cfg.MaxBytes > 0 && admits(rec.Type) && s.Stats().Bytes >= s.cfg.MaxBytes {
		return 0, eventstore.ErrFull
	}

	g, err := s.segment(rec.Partition)
	if err != nil {
		return 0, err
	}
	if err := g.lock(ctx); err != nil {
		return 0, err
	}
	seq, err := s.appendLocked(g, rec)
	g.unlock()
	if err != nil {
		return 0, err
	}

	rec.Seq = seq
	if err := s.index.record(rec); err != nil {
		// The record is durable; the next Open re-applies it.
		s.log.Warn("index update failed", "partition", rec.Partition, "seq", seq, "err", err)
	}
	return seq, nil
}

func (s *Store) appendLocked(g *segment, rec types.Record) (uint64, error) {
	if g.closed {
		return 0, eventstore.ErrClosed
	}
	if g.failed != nil {
		if err := s.repair(g); err != nil {
			return 0, fmt.Errorf("eventstore: partition %s: %w: %w", g.name, eventstore.ErrStoreFailed, err)
		}
	}

	rec.Seq = g.seq.Load() + 1
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	frame, err := encodeRecord(rec)
	if err != nil {
		return 0, fmt.Errorf("eventstore: %w", err)
	}
	if err := g.write(rec.Seq, frame, s.syncEachWrite()); err != nil {
		s.markFailed(g, err)
		return 0, fmt.Errorf("eventstore: append to %s: %w: %w", g.name, eventstore.ErrStoreFailed, err)
	}
	g.seq.Store(rec.Seq)
	g.count.Add(1)
	return rec.Seq, nil
}

// admits reports whether an event type introduces new work and is therefore
// subject to the size cap. Lifecycle events of accepted messages are always
// written so in-flight work can finish.
func admits(t types.EventType) bool {
	return t == types.EventAccepted || t == types.EventRegistered
}

func (s *Store) syncEachWrite() bool {
	switch s.cfg.Fsync {
	case FsyncAlways:
		return true
	case FsyncBatch:
		return s.writes.Add(1)%int64(s.cfg.FsyncBatchSize) == 0
	}
	return false
}

func (s *Store) markFailed(g *segment, err error) {
	if g.failed == nil {
		s.failed.Add(1)
		g.bad.Store(true)
	}
	g.failed = err
	s.log.Error("partition write failed", "partition", g.name, "err", err)
}

func (s *Store) repair(g *segment) error {
	if err := g.repair(); err != nil {
		g.failed = err
		return err
	}
	s.failed.Add(-1)
	s.log.Info("partition recovered", "partition", g.name, "seq", g.seq.Load())
	return nil
}

// Healthy implements eventstore.Store.
func (s *Store) Healthy() error {
	if s.closed.Load() {
		return eventstore.ErrClosed
	}
	if n := s.failed.Load(); n > 0 {
		return fmt.Errorf("%w: %d partition(s)", eventstore.ErrStoreFailed, n)
	}
	return nil
}

// Recover implements eventstore.Store.
func (s *Store) Recover() error {
	var errs []error
	for _, g := range s.snapshot() {
		if !g.bad.Load() {
			continue
		}
		_ = g.lock(context.Background())
		if g.failed != nil {
			if err := s.repair(g); err != nil {
				errs = append(errs, fmt.Errorf("partition %s: %w", g.name, err))
			}
		}
		g.unlock()
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", eventstore.ErrStoreFailed, errors.Join(errs...))
	}
	return nil
}

// ─── Reads ────────────────────────────────────────────────────────────────────

// ReadFrom implements eventstore.Store.
func (s *Store) ReadFrom(partition string, from uint64) iter.Seq2[types.Record, error] {
	g, ok := s.lookup(partition)
	if !ok {
		return func(func(types.Record, error) bool) {}
	}
	return g.records(from)
}

// ReadAll implements eventstore.Store.
func (s *Store) ReadAll(from uint64) iter.Seq2[types.Record, error] {
	return func(yield func(types.Record, error) bool) {
		for _, p := range s.Partitions() {
			for rec, err := range s.ReadFrom(p, from) {
				if !yield(rec, err) {
					return
				}
				if err != nil {
					return
				}
			}
		}
	}
}

// Partitions implements eventstore.Store.
func (s *Store) Partitions() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.segs))
	for p := range s.segs {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (s *Store) snapshot() []*segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*segment, 0, len(s.segs))
	for _, g := range s.segs {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Message implements eventstore.Store.
func (s *Store) Message(id string) (eventstore.MessageState, error) {
	st, err := s.index.message(id)
	if err != nil {
		return st, fmt.Errorf("eventstore: message %s: %w", id, err)
	}
	return st, nil
}

// Stats implements eventstore.Store.
func (s *Store) Stats() eventstore.Stats {
	var st eventstore.Stats
	for _, g := range s.snapshot() {
		st.Partitions++
		st.Records += int(g.count.Load())
		st.Bytes += g.size.Load() - headerSize
		if g.bad.Load() {
			st.Failed++
		}
	}
	return st
}

// ─── Dead letters ─────────────────────────────────────────────────────────────

// PutDeadLetter implements eventstore.Store.
func (s *Store) PutDeadLetter(e types.DeadLetterEntry) error {
	if err := s.index.putDeadLetter(e); err != nil {
		return fmt.Errorf("eventstore: put dead letter: %w", err)
	}
	return nil
}

// DeadLetter implements eventstore.Store.
func (s *Store) DeadLetter(id string) (types.DeadLetterEntry, error) {
	e, err := s.index.deadLetter(id)
	if err != nil {
		return e, fmt.Errorf("eventstore: dead letter %s: %w", id, err)
	}
	return e, nil
}

// DeadLetters implements eventstore.Store.
func (s *Store) DeadLetters() ([]types.DeadLetterEntry, error) {
	out, err := s.index.deadLetters()
	if err != nil {
		return nil, fmt.Errorf("eventstore: list dead letters: %w", err)
	}
	return out, nil
}

// DeleteDeadLetter implements eventstore.Store.
func (s *Store) DeleteDeadLetter(id string) error {
	if err := s.index.deleteDeadLetter(id); err != nil {
		return fmt.Errorf("eventstore: delete dead letter %s: %w", id, err)
	}
	return nil
}

// ─── Background fsync ─────────────────────────────────────────────────────────

func (s *Store) startFsync() {
	if s.cfg.Fsync != FsyncInterval {
		return
	}
	s.fsyncStop = make(chan struct{})
	s.fsyncWG.Add(1)
	go func() {
		defer s.fsyncWG.Done()
		t := time.NewTicker(s.cfg.FsyncInterval)
		defer t.Stop()
		for {
			select {
			case <-s.fsyncStop:
				return
			case <-t.C:
				s.syncAll()
			}
		}
	}()
}

func (s *Store) syncAll() {
	for _, g := range s.snapshot() {
		_ = g.lock(context.Background())
		if !g.closed && g.failed == nil {
			if err := g.f.Sync(); err != nil {
				s.markFailed(g, err)
			}
		}
		g.unlock()
	}
}

// Compactor returns the background compactor, or nil when disabled.
func (s *Store) Compactor() *Compactor { return s.compactor }

// Close stops background work, flushes and closes every file. Safe to call
// more than once.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.compactor != nil {
			s.compactor.Stop()
		}
		if s.fsyncStop != nil {
			close(s.fsyncStop)
			s.fsyncWG.Wait()
		}
		err = s.closeAll()
	})
	return err
}

func (s *Store) closeAll() error {
	var errs []error
	for _, g := range s.snapshot() {
		_ = g.lock(context.Background())
		if !g.closed {
			if g.failed == nil {
				if err := g.f.Sync(); err != nil {
					errs = append(errs, fmt.Errorf("sync %s: %w", g.name, err))
				}
			}
			if err := g.f.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", g.name, err))
			}
			g.closed = true
		}
		g.unlock()
	}
	if err := s.index.close(); err != nil {
		errs = append(errs, fmt.Errorf("close index: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("eventstore: %w", errors.Join(errs...))
	}
	return nil
}
