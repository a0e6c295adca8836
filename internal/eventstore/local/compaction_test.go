package local_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/snehjoshi/messagehub/internal/eventstore"
	"github.com/snehjoshi/messagehub/internal/eventstore/local"
	"github.com/snehjoshi/messagehub/internal/types"
)

type recordingArchiver struct {
	err  error
	got  map[string][]types.Record
	call int
}

func (a *recordingArchiver) Archive(_ context.Context, partition string, recs []types.Record) error {
	a.call++
	if a.err != nil {
		return a.err
	}
	if a.got == nil {
		a.got = make(map[string][]types.Record)
	}
	a.got[partition] = append(a.got[partition], recs...)
	return nil
}

// seedLifecycle journals: m1 delivered, m2 dead-lettered, m3 pending.
func seedLifecycle(t *testing.T, s *local.Store) {
	t.Helper()
	mustAppend(t, s, rec(part, types.EventAccepted, "m1"))   // 1
	mustAppend(t, s, rec(part, types.EventAccepted, "m2"))   // 2
	mustAppend(t, s, rec(part, types.EventDispatched, "m1")) // 3
	mustAppend(t, s, rec(part, types.EventAccepted, "m3"))   // 4
	mustAppend(t, s, rec(part, types.EventAcked, "m1"))      // 5
	mustAppend(t, s, rec(part, types.EventDispatched, "m2")) // 6
	mustAppend(t, s, rec(part, types.EventRetried, "m2"))    // 7
	mustAppend(t, s, rec(part, types.EventDeadLettered, "m2"))
	mustAppend(t, s, rec(part, types.EventDispatched, "m3")) // 9
}

func TestCompact_RemovesOnlyTerminalMessages(t *testing.T) {
	s := openStore(t, t.TempDir())
	seedLifecycle(t, s)

	res, err := s.Compact(context.Background(), 0)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.Removed != 7 || res.Kept != 2 || res.Partitions != 1 {
		t.Errorf("Compact result = %+v, want removed 7 kept 2", res)
	}

	got := collect(t, s, part, 0)
	if len(got) != 2 {
		t.Fatalf("records after compaction = %d, want 2", len(got))
	}
	for _, r := range got {
		if r.MessageID != "m3" {
			t.Errorf("kept record of %s, only m3 is pending", r.MessageID)
		}
	}
	// Kept records keep their sequence numbers.
	if got[0].Seq != 4 || got[1].Seq != 9 {
		t.Errorf("kept seqs = %d, %d, want 4, 9", got[0].Seq, got[1].Seq)
	}
	if seq := mustAppend(t, s, rec(part, types.EventAcked, "m3")); seq != 10 {
		t.Errorf("seq after compaction = %d, want 10", seq)
	}

	if _, err := s.Message("m1"); !errors.Is(err, eventstore.ErrNotFound) {
		t.Errorf("index entry for fully compacted m1 should be gone, err = %v", err)
	}
	if st := s.Stats(); st.Records != 3 {
		t.Errorf("Stats().Records = %d, want 3", st.Records)
	}
}

func TestCompact_RespectsBound(t *testing.T) {
	s := openStore(t, t.TempDir())
	seedLifecycle(t, s)

	res, err := s.Compact(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	// Seqs 1, 2, 3 belong to terminal m1/m2.
	if res.Removed != 3 {
		t.Errorf("Removed = %d, want 3", res.Removed)
	}
	got := collect(t, s, part, 0)
	if len(got) != 6 || got[0].Seq != 4 {
		t.Errorf("records after bounded compaction: %d, first seq %d", len(got), got[0].Seq)
	}
	// m1 still has ACKED at seq 5 so its index entry stays.
	if st, err := s.Message("m1"); err != nil || st.LastEvent != types.EventAcked {
		t.Errorf("Message(m1) = %+v, %v", st, err)
	}
}

func TestCompact_SequenceSurvivesReopenWhenTailRemoved(t *testing.T) {
	dir := t.TempDir()
	s1, err := local.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	mustAppend(t, s1, rec(part, types.EventAccepted, "m1"))
	mustAppend(t, s1, rec(part, types.EventAcked, "m1"))
	if _, err := s1.Compact(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	_ = s1.Close()

	s2 := openStore(t, dir)
	if n := len(collect(t, s2, part, 0)); n != 0 {
		t.Fatalf("records = %d, want 0", n)
	}
	if seq := mustAppend(t, s2, rec(part, types.EventAccepted, "m2")); seq != 3 {
		t.Errorf("seq after reopen = %d, want 3", seq)
	}
}

func TestCompact_ReadsSeekIntoRewrittenLog(t *testing.T) {
	s := openStore(t, t.TempDir())
	for i := 0; i < 400; i++ {
		mustAppend(t, s, rec(part, types.EventAccepted, fmt.Sprintf("m%d", i)))
	}
	for i := 0; i < 200; i++ {
		mustAppend(t, s, rec(part, types.EventAcked, fmt.Sprintf("m%d", i)))
	}

	res, err := s.Compact(context.Background(), 0)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.Removed != 400 || res.Kept != 200 {
		t.Fatalf("result = %+v, want 400 removed and 200 kept", res)
	}

	if off := local.ReadStart(s, part, 350); off <= local.HeaderSize {
		t.Errorf("read from 350 starts at %d, want past the header", off)
	}
	got := collect(t, s, part, 350)
	if len(got) != 51 {
		t.Fatalf("ReadFrom(350) = %d records, want 51", len(got))
	}
	for i, r := range got {
		if r.Seq != uint64(350+i) || r.MessageID != fmt.Sprintf("m%d", 349+i) {
			t.Fatalf("record %d = seq %d %s", i, r.Seq, r.MessageID)
		}
	}
	if all := collect(t, s, part, 0); len(all) != 200 || all[0].Seq != 201 {
		t.Errorf("full read after compaction = %d records", len(all))
	}
}

func TestCompact_NothingToDo(t *testing.T) {
	s := openStore(t, t.TempDir())
	mustAppend(t, s, rec(part, types.EventAccepted, "m1"))

	res, err := s.Compact(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Removed != 0 || res.Partitions != 0 {
		t.Errorf("Compact result = %+v, want no-op", res)
	}
	if n := len(collect(t, s, part, 0)); n != 1 {
		t.Errorf("records = %d, want 1", n)
	}
}

func TestCompact_ArchivesRemovedRecords(t *testing.T) {
	arch := &recordingArchiver{}
	s := openStore(t, t.TempDir(), local.Config{Archiver: arch})
	seedLifecycle(t, s)

	res, err := s.Compact(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Archived != 7 || len(arch.got[part]) != 7 {
		t.Errorf("archived %d (result %d), want 7", len(arch.got[part]), res.Archived)
	}
}

func TestCompact_ArchiveFailureKeepsLog(t *testing.T) {
	arch := &recordingArchiver{err: errors.New("bucket unavailable")}
	s := openStore(t, t.TempDir(), local.Config{Archiver: arch})
	seedLifecycle(t, s)

	if _, err := s.Compact(context.Background(), 0); err == nil {
		t.Fatal("expected archive error")
	}
	if n := len(collect(t, s, part, 0)); n != 9 {
		t.Errorf("records after failed compaction = %d, want 9", n)
	}
	if seq := mustAppend(t, s, rec(part, types.EventAcked, "m3")); seq != 10 {
		t.Errorf("seq = %d, want 10", seq)
	}
}

func TestCompact_RegistryPartition(t *testing.T) {
	s := openStore(t, t.TempDir())
	mustAppend(t, s, rec(types.RegistryPartition, types.EventRegistered, "inst-a"))
	mustAppend(t, s, rec(types.RegistryPartition, types.EventRegistered, "inst-b"))
	mustAppend(t, s, rec(types.RegistryPartition, types.EventDeregistered, "inst-a"))

	if _, err := s.Compact(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	got := collect(t, s, types.RegistryPartition, 0)
	if len(got) != 1 || got[0].MessageID != "inst-b" {
		t.Errorf("registry records after compaction = %+v", got)
	}
}

func TestCompactor_RunOnceHonoursThreshold(t *testing.T) {
	s := openStore(t, t.TempDir())
	seedLifecycle(t, s)

	c := local.NewCompactor(s, time.Hour, 100)
	ran, err := c.RunOnce(context.Background())
	if err != nil || ran {
		t.Fatalf("RunOnce below threshold = %v, %v", ran, err)
	}

	c = local.NewCompactor(s, time.Hour, 5)
	ran, err = c.RunOnce(context.Background())
	if err != nil || !ran {
		t.Fatalf("RunOnce above threshold = %v, %v", ran, err)
	}
	if st := s.Stats(); st.Records != 2 {
		t.Errorf("records = %d, want 2", st.Records)
	}
}

func TestCompactor_BackgroundLoop(t *testing.T) {
	s := openStore(t, t.TempDir(), local.Config{
		CompactionInterval:  10 * time.Millisecond,
		CompactionThreshold: 1,
	})
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("m%d", i)
		mustAppend(t, s, rec(part, types.EventAccepted, id))
		mustAppend(t, s, rec(part, types.EventAcked, id))
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Records != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("background compaction did not run; records = %d", s.Stats().Records)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
