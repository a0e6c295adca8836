package local

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/snehjoshi/messagehub/internal/eventstore"
	"github.com/snehjoshi/messagehub/internal/types"
)

const segmentFileName = "events.log"

// segmentMagic starts every segment file. The 8 bytes after it hold the
// sequence floor: the last sequence number assigned when the file was
// written, so compaction can drop the tail without rewinding the counter.
var segmentMagic = [4]byte{0x4D, 0x48, 0x45, 0x01} // "MHE\x01"

const headerSize = 4 + 8

// markEvery is the number of frames between two seek marks.
const markEvery = 128

// file is the subset of *os.File a segment writes through.
type file interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Truncate(size int64) error
	Close() error
}

// segment is the append-only file of one partition.
//
// sem is a one-slot semaphore rather than a mutex so writers can give up
// waiting when their context is cancelled. Every field except the atomics
// is guarded by sem.
type segment struct {
	name string
	path string
	sem  chan struct{}

	f      file
	closed bool
	failed error
	seek   seekIndex

	size  atomic.Int64  // end of the last durable record
	seq   atomic.Uint64 // last assigned sequence number
	count atomic.Int64
	bad   atomic.Bool
}

// openSegment opens (or creates) the segment for partition under dir and
// scans it. A torn or corrupt tail is truncated. fn sees every valid record.
func openSegment(dir, partition string, fn func(types.Record)) (*segment, error) {
	sdir := filepath.Join(dir, partition)
	if err := os.MkdirAll(sdir, 0o750); err != nil {
		return nil, fmt.Errorf("segment %s: create dir: %w", partition, err)
	}
	path := filepath.Join(sdir, segmentFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("segment %s: open: %w", partition, err)
	}
	g := &segment{name: partition, path: path, sem: make(chan struct{}, 1), f: f}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("segment %s: stat: %w", partition, err)
	}
	if info.Size() == 0 {
		if err := writeHeader(f, 0); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("segment %s: %w", partition, err)
		}
		g.size.Store(headerSize)
		return g, nil
	}

	floor, err := readHeader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("segment %s: %w", partition, err)
	}
	off := int64(headerSize)
	end, last, n, scanErr := scanFrames(f, info.Size(), partition, func(rec types.Record, frame []byte) bool {
		off += int64(len(frame))
		g.seek.note(rec.Seq, off)
		if fn != nil {
			fn(rec)
		}
		return true
	})
	if scanErr != nil || end < info.Size() {
		if err := f.Truncate(end); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("segment %s: truncate torn tail: %w", partition, err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("segment %s: sync after truncate: %w", partition, err)
		}
	}
	g.size.Store(end)
	g.seq.Store(max(floor, last))
	g.count.Store(int64(n))
	return g, nil
}

func writeHeader(f file, floor uint64) error {
	var hdr [headerSize]byte
	copy(hdr[:], segmentMagic[:])
	binary.BigEndian.PutUint64(hdr[4:], floor)
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync header: %w", err)
	}
	return nil
}

func readHeader(f io.ReaderAt) (uint64, error) {
	var hdr [headerSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}
	if [4]byte(hdr[:4]) != segmentMagic {
		return 0, errors.New("invalid magic header")
	}
	return binary.BigEndian.Uint64(hdr[4:]), nil
}

func (g *segment) lock(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *segment) unlock() { <-g.sem }

// write appends the encoded frame of record seq. The size only advances once
// the bytes are written (and synced when requested). Caller holds sem.
func (g *segment) write(seq uint64, frame []byte, sync bool) error {
	off := g.size.Load()
	if _, err := g.f.WriteAt(frame, off); err != nil {
		return err
	}
	if sync {
		if err := g.f.Sync(); err != nil {
			return err
		}
	}
	g.size.Store(off + int64(len(frame)))
	g.seek.note(seq, off+int64(len(frame)))
	return nil
}

// repair truncates whatever a failed write left behind the last durable
// record. Caller holds sem.
func (g *segment) repair() error {
	if err := g.f.Truncate(g.size.Load()); err != nil {
		return err
	}
	if err := g.f.Sync(); err != nil {
		return err
	}
	g.failed = nil
	g.bad.Store(false)
	return nil
}

// records yields the partition's records with Seq >= from. The reader uses
// its own file handle and stops at the size committed when it started, so
// it never observes a half-written frame and never blocks writers. Reading
// starts at the last seek mark below from; a from past the tail returns
// without touching the file.
func (g *segment) records(from uint64) iter.Seq2[types.Record, error] {
	return func(yield func(types.Record, error) bool) {
		_ = g.lock(context.Background())
		if g.closed {
			g.unlock()
			yield(types.Record{}, eventstore.ErrClosed)
			return
		}
		if from > g.seq.Load() {
			g.unlock()
			return
		}
		start := g.seek.start(from)
		f, err := os.Open(g.path)
		limit := g.size.Load()
		g.unlock()
		if err != nil {
			yield(types.Record{}, fmt.Errorf("segment %s: open reader: %w", g.name, err))
			return
		}
		defer f.Close()

		fr := newFrameReader(f, start, limit, g.name)
		for {
			rec, _, err := fr.next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(types.Record{}, fmt.Errorf("segment %s: offset %d: %w", g.name, fr.off, err))
				return
			}
			if rec.Seq < from {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// seekIndex maps sequence numbers to frame offsets, one mark every
// markEvery frames. Sequences grow with the offset inside a segment file.
// Guarded by the segment's sem.
type seekIndex struct {
	marks []seekMark
	n     int
}

// seekMark says the frame of seq ends at off, so every frame from off on
// carries a higher sequence.
type seekMark struct {
	seq uint64
	off int64
}

// note records that the frame of seq ends at end.
func (x *seekIndex) note(seq uint64, end int64) {
	x.n++
	if x.n < markEvery {
		return
	}
	x.n = 0
	x.marks = append(x.marks, seekMark{seq: seq, off: end})
}

// start returns the offset reading must begin at to see every frame with
// Seq >= from.
func (x *seekIndex) start(from uint64) int64 {
	i := sort.Search(len(x.marks), func(i int) bool { return x.marks[i].seq >= from })
	if i == 0 {
		return headerSize
	}
	return x.marks[i-1].off
}

// frameReader decodes consecutive frames between start and limit.
type frameReader struct {
	r         *bufio.Reader
	off       int64
	partition string
}

func newFrameReader(f io.ReaderAt, start, limit int64, partition string) *frameReader {
	sr := io.NewSectionReader(f, start, max(limit-start, 0))
	return &frameReader{r: bufio.NewReaderSize(sr, 64<<10), off: start, partition: partition}
}

// next returns the next record and its raw frame. io.EOF marks a clean end;
// any other error means the frame at fr.off is torn or corrupt.
func (fr *frameReader) next() (types.Record, []byte, error) {
	var prefix [lenPrefixSize]byte
	if _, err := io.ReadFull(fr.r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return types.Record{}, nil, io.EOF
		}
		return types.Record{}, nil, fmt.Errorf("torn length prefix: %w", eventstore.ErrCorrupted)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n < fixedRecordSize || n > maxRecordSize {
		return types.Record{}, nil, fmt.Errorf("frame length %d out of range: %w", n, eventstore.ErrCorrupted)
	}
	frame := make([]byte, lenPrefixSize+int(n))
	copy(frame, prefix[:])
	if _, err := io.ReadFull(fr.r, frame[lenPrefixSize:]); err != nil {
		return types.Record{}, nil, fmt.Errorf("torn frame: %w", eventstore.ErrCorrupted)
	}
	rec, err := decodeRecord(frame[lenPrefixSize:], fr.partition)
	if err != nil {
		return types.Record{}, nil, err
	}
	fr.off += int64(len(frame))
	return rec, frame, nil
}

// scanFrames walks every valid frame up to limit. It returns the offset just
// past the last valid frame, the highest sequence seen and the frame count.
// A non-nil error means scanning stopped at a bad frame located at end.
func scanFrames(f io.ReaderAt, limit int64, partition string, fn func(types.Record, []byte) bool) (end int64, last uint64, n int, err error) {
	fr := newFrameReader(f, headerSize, limit, partition)
	for {
		rec, frame, err := fr.next()
		if errors.Is(err, io.EOF) {
			return fr.off, last, n, nil
		}
		if err != nil {
			return fr.off, last, n, err
		}
		last = max(last, rec.Seq)
		n++
		if !fn(rec, frame) {
			return fr.off, last, n, nil
		}
	}
}
