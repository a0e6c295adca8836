package local

import "context"

// faultyFile fails the next n writes after writing half of the frame, which
// leaves a torn record behind like a crash mid-write would.
type faultyFile struct {
	file
	n   int
	err error
}

func (f *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	if f.n > 0 {
		f.n--
		half := len(p) / 2
		_, _ = f.file.WriteAt(p[:half], off)
		return half, f.err
	}
	return f.file.WriteAt(p, off)
}

// FailNextWrites makes the next n appends to partition fail.
func FailNextWrites(s *Store, partition string, n int, err error) {
	g, e := s.segment(partition)
	if e != nil {
		panic(e)
	}
	_ = g.lock(context.Background())
	g.f = &faultyFile{file: g.f, n: n, err: err}
	g.unlock()
}

// HoldPartition takes partition's append lock until release is called.
func HoldPartition(s *Store, partition string) (release func()) {
	g, e := s.segment(partition)
	if e != nil {
		panic(e)
	}
	_ = g.lock(context.Background())
	return g.unlock
}

// ReadStart returns the offset a read of partition from seq begins at.
func ReadStart(s *Store, partition string, from uint64) int64 {
	g, ok := s.lookup(partition)
	if !ok {
		return -1
	}
	_ = g.lock(context.Background())
	defer g.unlock()
	return g.seek.start(from)
}

const HeaderSize = headerSize
