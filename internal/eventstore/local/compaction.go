package local

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/snehjoshi/messagehub/internal/eventstore"
	"github.com/snehjoshi/messagehub/internal/types"
)

// Compact implements eventstore.Store.
//
// Each partition is rewritten under its append lock:
//  1. scan events.log for each message's latest event, then copy the
//     records to keep into events.log.tmp
//  2. hand the removed records to the Archiver, if any
//  3. rename events.log → events.log.old, events.log.tmp → events.log
//  4. reopen, drop index entries of messages with nothing left
//
// Kept records keep their sequence numbers, and the new header carries the
// partition's last sequence number so appends continue where they left off.
func (s *Store) Compact(ctx context.Context, upTo uint64) (eventstore.CompactResult, error) {
	if s.closed.Load() {
		return eventstore.CompactResult{}, eventstore.ErrClosed
	}
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	var total eventstore.CompactResult
	for _, g := range s.snapshot() {
		res, err := s.compactSegment(ctx, g, upTo)
		total.Removed += res.Removed
		total.Kept += res.Kept
		total.Archived += res.Archived
		if res.Removed > 0 {
			total.Partitions++
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Store) compactSegment(ctx context.Context, g *segment, upTo uint64) (eventstore.CompactResult, error) {
	var res eventstore.CompactResult
	if err := g.lock(ctx); err != nil {
		return res, err
	}
	defer g.unlock()
	if g.closed {
		return res, eventstore.ErrClosed
	}
	if g.failed != nil {
		s.log.Warn("skipping compaction of failed partition", "partition", g.name)
		return res, nil
	}

	// A message's records all live in one partition, so its last record in
	// this file is its latest event.
	last := make(map[string]types.EventType)
	if _, _, _, err := scanFrames(g.f, g.size.Load(), g.name, func(rec types.Record, _ []byte) bool {
		last[rec.MessageID] = rec.Type
		return true
	}); err != nil {
		return res, fmt.Errorf("compactor: scan %s: %w", g.name, err)
	}

	tmpPath := g.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return res, fmt.Errorf("compactor: open tmp %s: %w", tmpPath, err)
	}
	abort := func(err error) (eventstore.CompactResult, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return eventstore.CompactResult{}, err
	}
	if err := writeHeader(tmp, g.seq.Load()); err != nil {
		return abort(fmt.Errorf("compactor: %w", err))
	}

	var (
		removed []types.Record
		kept    = make(map[string]bool)
		off     = int64(headerSize)
		seek    seekIndex
		werr    error
	)
	_, _, _, scanErr := scanFrames(g.f, g.size.Load(), g.name, func(rec types.Record, frame []byte) bool {
		if ctx.Err() != nil {
			return false
		}
		if (upTo == 0 || rec.Seq <= upTo) && last[rec.MessageID].Terminal() {
			removed = append(removed, rec)
			return true
		}
		if _, werr = tmp.WriteAt(frame, off); werr != nil {
			return false
		}
		off += int64(len(frame))
		seek.note(rec.Seq, off)
		kept[rec.MessageID] = true
		res.Kept++
		return true
	})
	switch {
	case ctx.Err() != nil:
		return abort(ctx.Err())
	case werr != nil:
		return abort(fmt.Errorf("compactor: write tmp: %w", werr))
	case scanErr != nil:
		return abort(fmt.Errorf("compactor: scan %s: %w", g.name, scanErr))
	case len(removed) == 0:
		return abort(nil)
	}

	if s.cfg.Archiver != nil {
		if err := s.cfg.Archiver.Archive(ctx, g.name, removed); err != nil {
			return abort(fmt.Errorf("compactor: archive %s: %w", g.name, err))
		}
		res.Archived = len(removed)
	}
	if err := tmp.Sync(); err != nil {
		return abort(fmt.Errorf("compactor: sync tmp: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return eventstore.CompactResult{}, fmt.Errorf("compactor: close tmp: %w", err)
	}

	// ── Atomic file swap ─────────────────────────────────────────────────────
	oldPath := g.path + ".old"
	if err := g.f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return eventstore.CompactResult{}, s.reopenAfter(g, fmt.Errorf("compactor: close segment: %w", err))
	}
	if err := os.Rename(g.path, oldPath); err != nil {
		_ = os.Remove(tmpPath)
		return eventstore.CompactResult{}, s.reopenAfter(g, fmt.Errorf("compactor: rename to .old: %w", err))
	}
	if err := os.Rename(tmpPath, g.path); err != nil {
		_ = os.Rename(oldPath, g.path)
		return eventstore.CompactResult{}, s.reopenAfter(g, fmt.Errorf("compactor: rename tmp: %w", err))
	}
	g.seek = seek
	if err := s.reopenAfter(g, nil); err != nil {
		return eventstore.CompactResult{}, err
	}
	g.size.Store(off)
	g.count.Store(int64(res.Kept))
	_ = os.Remove(oldPath)

	var gone []string
	for _, rec := range removed {
		if !kept[rec.MessageID] {
			kept[rec.MessageID] = true // dedupe
			gone = append(gone, rec.MessageID)
		}
	}
	if err := s.index.deleteMessages(gone); err != nil {
		s.log.Warn("compaction left stale index entries", "partition", g.name, "err", err)
	}

	res.Removed = len(removed)
	s.log.Info("partition compacted", "partition", g.name, "removed", res.Removed, "kept", res.Kept)
	return res, nil
}

// reopenAfter reopens the segment file after a swap attempt. If reopening
// fails the partition is marked failed so writers stop. cause, when non-nil,
// is returned alongside.
func (s *Store) reopenAfter(g *segment, cause error) error {
	f, err := os.OpenFile(g.path, os.O_RDWR, 0o640)
	if err != nil {
		s.markFailed(g, err)
		if cause != nil {
			return fmt.Errorf("%w (reopen: %v)", cause, err)
		}
		return fmt.Errorf("compactor: reopen %s: %w", g.name, err)
	}
	g.f = f
	return cause
}

// ─── Background compactor ─────────────────────────────────────────────────────

// Compactor runs Compact whenever the log holds more records than its
// threshold, checking on every interval tick.
type Compactor struct {
	s         *Store
	interval  time.Duration
	threshold int

	mu   sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup
}

// NewCompactor creates a Compactor for s.
func NewCompactor(s *Store, interval time.Duration, threshold int) *Compactor {
	return &Compactor{
		s:         s,
		interval:  interval,
		threshold: threshold,
		done:      make(chan struct{}),
	}
}

// Start launches the background goroutine.
func (c *Compactor) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.interval)
				if _, err := c.RunOnce(ctx); err != nil {
					c.s.log.Warn("background compaction failed", "err", err)
				}
				cancel()
			}
		}
	}()
}

// Stop signals the goroutine to exit and waits for it.
func (c *Compactor) Stop() {
	c.mu.Lock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// RunOnce compacts the whole log if it is over the threshold. It reports
// whether a pass ran.
func (c *Compactor) RunOnce(ctx context.Context) (bool, error) {
	if c.s.Stats().Records <= c.threshold {
		return false, nil
	}
	_, err := c.s.Compact(ctx, 0)
	return true, err
}
