package local_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/snehjoshi/messagehub/internal/eventstore"
	"github.com/snehjoshi/messagehub/internal/eventstore/local"
	"github.com/snehjoshi/messagehub/internal/types"
)

// ---- helpers ----------------------------------------------------------------

const part = "character.created~0"

func openStore(t *testing.T, dir string, cfgs ...local.Config) *local.Store {
	t.Helper()
	s, err := local.Open(dir, cfgs...)
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func rec(partition string, typ types.EventType, id string) types.Record {
	return types.Record{
		Partition: partition,
		Type:      typ,
		MessageID: id,
		Snapshot:  []byte(fmt.Sprintf(`{"id":%q}`, id)),
	}
}

func mustAppend(t *testing.T, s *local.Store, r types.Record) uint64 {
	t.Helper()
	seq, err := s.Append(context.Background(), r)
	if err != nil {
		t.Fatalf("Append(%s %s): %v", r.Type, r.MessageID, err)
	}
	return seq
}

func collect(t *testing.T, s *local.Store, partition string, from uint64) []types.Record {
	t.Helper()
	var out []types.Record
	for r, err := range s.ReadFrom(partition, from) {
		if err != nil {
			t.Fatalf("ReadFrom: %v", err)
		}
		out = append(out, r)
	}
	return out
}

// ---- append / read ------------------------------------------------------------

func TestAppend_SequencesAreGapFreePerPartition(t *testing.T) {
	s := openStore(t, t.TempDir())

	for i := 1; i <= 5; i++ {
		if seq := mustAppend(t, s, rec(part, types.EventAccepted, fmt.Sprintf("m%d", i))); seq != uint64(i) {
			t.Fatalf("seq = %d, want %d", seq, i)
		}
	}
	if seq := mustAppend(t, s, rec("image.generated~1", types.EventAccepted, "x")); seq != 1 {
		t.Errorf("other partition seq = %d, want 1", seq)
	}
}

func TestReadFrom_OrderAndRestart(t *testing.T) {
	s := openStore(t, t.TempDir())
	for i := 0; i < 10; i++ {
		mustAppend(t, s, rec(part, types.EventAccepted, fmt.Sprintf("m%d", i)))
	}

	got := collect(t, s, part, 4)
	if len(got) != 7 {
		t.Fatalf("ReadFrom(4) returned %d records, want 7", len(got))
	}
	for i, r := range got {
		if r.Seq != uint64(4+i) {
			t.Errorf("record %d seq = %d, want %d", i, r.Seq, 4+i)
		}
		if r.Partition != part || r.Type != types.EventAccepted {
			t.Errorf("record %d = %+v", i, r)
		}
		if r.Timestamp == 0 {
			t.Errorf("record %d has no timestamp", i)
		}
	}

	// The sequence is restartable and stable.
	again := collect(t, s, part, 4)
	if len(again) != len(got) || again[0].MessageID != got[0].MessageID {
		t.Error("second iteration differs from the first")
	}

	if n := len(collect(t, s, "unknown.topic~0", 0)); n != 0 {
		t.Errorf("unknown partition yielded %d records", n)
	}
}

func TestReadFrom_EarlyBreak(t *testing.T) {
	s := openStore(t, t.TempDir())
	for i := 0; i < 5; i++ {
		mustAppend(t, s, rec(part, types.EventAccepted, fmt.Sprintf("m%d", i)))
	}
	n := 0
	for _, err := range s.ReadFrom(part, 0) {
		if err != nil {
			t.Fatal(err)
		}
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("iterated %d records, want 2", n)
	}
}

func TestReadFrom_SeeksPastEarlierRecords(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	for i := 0; i < 1000; i++ {
		mustAppend(t, s, rec(part, types.EventAccepted, fmt.Sprintf("m%d", i)))
	}

	if off := local.ReadStart(s, part, 1); off != local.HeaderSize {
		t.Errorf("read from 1 starts at %d, want the header end %d", off, local.HeaderSize)
	}
	start := local.ReadStart(s, part, 900)
	if start <= local.HeaderSize {
		t.Fatalf("read from 900 starts at %d, want a later offset", start)
	}

	got := collect(t, s, part, 900)
	if len(got) != 101 || got[0].Seq != 900 || got[100].Seq != 1000 {
		t.Fatalf("ReadFrom(900) = %d records starting at %d", len(got), got[0].Seq)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	s = openStore(t, dir)
	if off := local.ReadStart(s, part, 900); off != start {
		t.Errorf("after reopen read from 900 starts at %d, want %d", off, start)
	}
	if got := collect(t, s, part, 1000); len(got) != 1 || got[0].MessageID != "m999" {
		t.Errorf("ReadFrom(1000) after reopen = %+v", got)
	}
}

func TestReadFrom_PastTailSkipsTheFile(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	last := mustAppend(t, s, rec(part, types.EventAccepted, "m1"))

	// Only a read that has something to return needs the segment file.
	if err := os.Remove(filepath.Join(dir, part, "events.log")); err != nil {
		t.Fatal(err)
	}
	for _, err := range s.ReadFrom(part, last+1) {
		t.Fatalf("read past the tail: %v", err)
	}
}

func TestReadAll_VisitsPartitionsInOrder(t *testing.T) {
	s := openStore(t, t.TempDir())
	mustAppend(t, s, rec("b.topic~0", types.EventAccepted, "b1"))
	mustAppend(t, s, rec("a.topic~0", types.EventAccepted, "a1"))
	mustAppend(t, s, rec("a.topic~0", types.EventAcked, "a1"))

	var ids []string
	for r, err := range s.ReadAll(0) {
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, r.Partition+"/"+r.Type.String())
	}
	want := []string{"a.topic~0/ACCEPTED", "a.topic~0/ACKED", "b.topic~0/ACCEPTED"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("ReadAll = %v, want %v", ids, want)
	}
}

func TestAppend_InvalidPartition(t *testing.T) {
	s := openStore(t, t.TempDir())
	for _, p := range []string{"", "../escape", "a/b", "UPPER"} {
		if _, err := s.Append(context.Background(), rec(p, types.EventAccepted, "m")); err == nil {
			t.Errorf("Append to %q succeeded, want error", p)
		}
	}
}

func TestAppend_ConcurrentWritersGetUniqueSequences(t *testing.T) {
	s := openStore(t, t.TempDir(), local.Config{Fsync: local.FsyncNever})

	const writers, each = 10, 50
	var (
		mu   sync.Mutex
		seen = make(map[uint64]bool)
		wg   sync.WaitGroup
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				seq, err := s.Append(context.Background(), rec(part, types.EventAccepted, fmt.Sprintf("w%d-%d", w, i)))
				if err != nil {
					t.Errorf("Append: %v", err)
					return
				}
				mu.Lock()
				seen[seq] = true
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	for i := uint64(1); i <= writers*each; i++ {
		if !seen[i] {
			t.Fatalf("sequence %d missing", i)
		}
	}
	if got := len(collect(t, s, part, 0)); got != writers*each {
		t.Errorf("log holds %d records, want %d", got, writers*each)
	}
}

func TestAppend_CancelledWhileWaitingForLock(t *testing.T) {
	s := openStore(t, t.TempDir())
	mustAppend(t, s, rec(part, types.EventAccepted, "m1"))

	release := local.HoldPartition(s, part)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Append(ctx, rec(part, types.EventAccepted, "m2"))
	release()

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Append err = %v, want DeadlineExceeded", err)
	}
	// Nothing was written: the next append continues the sequence.
	if seq := mustAppend(t, s, rec(part, types.EventAccepted, "m3")); seq != 2 {
		t.Errorf("seq after cancelled append = %d, want 2", seq)
	}
}

// ---- recovery -----------------------------------------------------------------

func TestOpen_RestoresSequencesAndIndex(t *testing.T) {
	dir := t.TempDir()
	s1, err := local.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	mustAppend(t, s1, rec(part, types.EventAccepted, "m1"))
	mustAppend(t, s1, rec(part, types.EventDispatched, "m1"))
	mustAppend(t, s1, rec(part, types.EventAccepted, "m2"))
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	s2 := openStore(t, dir)
	if seq := mustAppend(t, s2, rec(part, types.EventAcked, "m1")); seq != 4 {
		t.Errorf("seq after reopen = %d, want 4", seq)
	}
	st, err := s2.Message("m1")
	if err != nil {
		t.Fatalf("Message(m1): %v", err)
	}
	if st.LastEvent != types.EventAcked || st.Seq != 4 || st.Partition != part {
		t.Errorf("Message(m1) = %+v", st)
	}
	if _, err := s2.Message("nope"); !errors.Is(err, eventstore.ErrNotFound) {
		t.Errorf("Message(nope) err = %v, want ErrNotFound", err)
	}
}

func TestOpen_TruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	s1, err := local.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		mustAppend(t, s1, rec(part, types.EventAccepted, fmt.Sprintf("m%d", i)))
	}
	_ = s1.Close()

	// Simulate a crash mid-write: a length prefix followed by garbage.
	path := filepath.Join(dir, part, "events.log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.Write([]byte{0, 0, 0, 60, 1, 2, 3})
	_ = f.Close()

	s2 := openStore(t, dir)
	if got := len(collect(t, s2, part, 0)); got != 3 {
		t.Fatalf("records after torn tail = %d, want 3", got)
	}
	if seq := mustAppend(t, s2, rec(part, types.EventAccepted, "m3")); seq != 4 {
		t.Errorf("seq = %d, want 4", seq)
	}
	if got := len(collect(t, s2, part, 0)); got != 4 {
		t.Errorf("records after append = %d, want 4", got)
	}
}

func TestWriteFailure_BlocksUntilRecovered(t *testing.T) {
	s := openStore(t, t.TempDir())
	mustAppend(t, s, rec(part, types.EventAccepted, "m1"))

	local.FailNextWrites(s, part, 1, errors.New("disk full"))
	_, err := s.Append(context.Background(), rec(part, types.EventAccepted, "m2"))
	if !errors.Is(err, eventstore.ErrStoreFailed) {
		t.Fatalf("Append err = %v, want ErrStoreFailed", err)
	}
	if err := s.Healthy(); !errors.Is(err, eventstore.ErrStoreFailed) {
		t.Errorf("Healthy() = %v, want ErrStoreFailed", err)
	}
	if st := s.Stats(); st.Failed != 1 {
		t.Errorf("Stats().Failed = %d, want 1", st.Failed)
	}

	if err := s.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if err := s.Healthy(); err != nil {
		t.Errorf("Healthy() after Recover = %v", err)
	}

	// The failed record left no trace and the sequence stays gap-free.
	if seq := mustAppend(t, s, rec(part, types.EventAccepted, "m2")); seq != 2 {
		t.Errorf("seq after recovery = %d, want 2", seq)
	}
	got := collect(t, s, part, 0)
	if len(got) != 2 || got[1].MessageID != "m2" {
		t.Errorf("records after recovery = %+v", got)
	}
}

func TestWriteFailure_NextAppendRepairs(t *testing.T) {
	s := openStore(t, t.TempDir())
	local.FailNextWrites(s, part, 1, errors.New("io error"))
	if _, err := s.Append(context.Background(), rec(part, types.EventAccepted, "m1")); err == nil {
		t.Fatal("expected failure")
	}
	if seq := mustAppend(t, s, rec(part, types.EventAccepted, "m1")); seq != 1 {
		t.Errorf("seq = %d, want 1", seq)
	}
	if err := s.Healthy(); err != nil {
		t.Errorf("Healthy() = %v", err)
	}
}

// ---- limits and dead letters --------------------------------------------------

func TestAppend_SizeLimitOnlyGatesNewWork(t *testing.T) {
	s := openStore(t, t.TempDir(), local.Config{MaxBytes: 1})
	mustAppend(t, s, rec(part, types.EventAccepted, "m1"))

	_, err := s.Append(context.Background(), rec(part, types.EventAccepted, "m2"))
	if !errors.Is(err, eventstore.ErrFull) {
		t.Fatalf("Append ACCEPTED err = %v, want ErrFull", err)
	}
	// Lifecycle events of accepted messages are still written.
	mustAppend(t, s, rec(part, types.EventDispatched, "m1"))
	mustAppend(t, s, rec(part, types.EventAcked, "m1"))
}

func TestDeadLetters_PersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := local.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i, id := range []string{"m2", "m1"} {
		e := types.DeadLetterEntry{
			MessageID:      id,
			Message:        types.Message{ID: id, Topic: "character.created"},
			LastError:      "boom",
			FailureKind:    types.FailureTransient,
			DeadLetteredAt: int64(100 + i),
		}
		if err := s1.PutDeadLetter(e); err != nil {
			t.Fatal(err)
		}
	}
	_ = s1.Close()

	s2 := openStore(t, dir)
	list, err := s2.DeadLetters()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].MessageID != "m2" || list[1].MessageID != "m1" {
		t.Fatalf("DeadLetters() = %+v, want m2 then m1", list)
	}
	e, err := s2.DeadLetter("m1")
	if err != nil || e.LastError != "boom" {
		t.Fatalf("DeadLetter(m1) = %+v, %v", e, err)
	}
	if err := s2.DeleteDeadLetter("m1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s2.DeadLetter("m1"); !errors.Is(err, eventstore.ErrNotFound) {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
	if err := s2.DeleteDeadLetter("m1"); !errors.Is(err, eventstore.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	s, err := local.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := s.Append(context.Background(), rec(part, types.EventAccepted, "m")); !errors.Is(err, eventstore.ErrClosed) {
		t.Errorf("Append after Close err = %v, want ErrClosed", err)
	}
}

func TestFsyncPolicies_AllPersist(t *testing.T) {
	for _, p := range []local.FsyncPolicy{local.FsyncAlways, local.FsyncInterval, local.FsyncBatch, local.FsyncNever} {
		t.Run(string(p), func(t *testing.T) {
			dir := t.TempDir()
			s, err := local.Open(dir, local.Config{Fsync: p, FsyncInterval: 5 * time.Millisecond, FsyncBatchSize: 2})
			if err != nil {
				t.Fatal(err)
			}
			for i := 0; i < 5; i++ {
				mustAppend(t, s, rec(part, types.EventAccepted, fmt.Sprintf("m%d", i)))
			}
			if err := s.Close(); err != nil {
				t.Fatal(err)
			}
			s2 := openStore(t, dir)
			if got := len(collect(t, s2, part, 0)); got != 5 {
				t.Errorf("records after reopen = %d, want 5", got)
			}
		})
	}
}
