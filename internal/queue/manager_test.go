package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/messagehub/internal/node"
	"github.com/snehjoshi/messagehub/internal/queue"
	"github.com/snehjoshi/messagehub/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func newManager(t *testing.T, cfg queue.Config) *queue.Manager {
	t.Helper()
	m, err := queue.New(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func msg(topic string, prio int) *types.Message {
	return &types.Message{
		ID:       node.MustNewID(),
		Topic:    topic,
		Priority: prio,
		Status:   types.StatusPending,
	}
}

func mustEnqueue(t *testing.T, m *queue.Manager, msgs ...*types.Message) {
	t.Helper()
	for _, x := range msgs {
		require.NoError(t, m.Enqueue(x))
	}
}

// drain dequeues n messages, releasing each lease immediately.
func drain(t *testing.T, m *queue.Manager, n int) []*types.Message {
	t.Helper()
	var out []*types.Message
	for i := 0; i < n; i++ {
		l, err := m.TryDequeue()
		require.NoError(t, err)
		require.NotNil(t, l, "dequeue %d: queue unexpectedly empty", i)
		out = append(out, l.Msg)
		l.Done()
	}
	return out
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestManager_FIFOWithinPartition(t *testing.T) {
	m := newManager(t, queue.DefaultConfig())
	var want []string
	for i := 0; i < 10; i++ {
		x := msg("orders.created", 1)
		want = append(want, x.ID)
		mustEnqueue(t, m, x)
	}

	var got []string
	for _, x := range drain(t, m, 10) {
		got = append(got, x.ID)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, 0, m.Len())
}

func TestManager_WeightedRoundRobinFairness(t *testing.T) {
	m := newManager(t, queue.Config{Quotas: []int{4, 2, 1}, Strict: true})
	for i := 0; i < 20; i++ {
		mustEnqueue(t, m, msg("a", 0), msg("b", 1), msg("c", 2))
	}

	counts := make([]int, 3)
	for _, x := range drain(t, m, 7) {
		counts[x.Priority]++
	}
	assert.Equal(t, []int{4, 2, 1}, counts, "first round")

	for _, x := range drain(t, m, 14) {
		counts[x.Priority]++
	}
	assert.Equal(t, []int{12, 6, 3}, counts, "after three rounds")
}

func TestManager_EmptyLevelDoesNotConsumeQuota(t *testing.T) {
	m := newManager(t, queue.Config{Quotas: []int{4, 2, 1}})
	for i := 0; i < 6; i++ {
		mustEnqueue(t, m, msg("low", 2))
	}

	got := drain(t, m, 6)
	for _, x := range got {
		assert.Equal(t, 2, x.Priority)
	}
}

func TestManager_LowPriorityNotStarved(t *testing.T) {
	m := newManager(t, queue.Config{Quotas: []int{4, 2, 1}})
	mustEnqueue(t, m, msg("bulk", 2))
	for i := 0; i < 100; i++ {
		mustEnqueue(t, m, msg("urgent", 0))
	}

	for _, x := range drain(t, m, 5) {
		if x.Priority == 2 {
			return
		}
	}
	t.Fatal("low priority message not served within one round")
}

func TestManager_PartitionsRoundRobinWithinLevel(t *testing.T) {
	m := newManager(t, queue.Config{Quotas: []int{1}})
	for i := 0; i < 3; i++ {
		mustEnqueue(t, m, msg("a", 0))
	}
	for i := 0; i < 3; i++ {
		mustEnqueue(t, m, msg("b", 0))
	}

	var topics []string
	for _, x := range drain(t, m, 6) {
		topics = append(topics, x.Topic)
	}
	assert.Equal(t, []string{"a", "b", "a", "b", "a", "b"}, topics)
}

func TestManager_StrictOrderingHoldsPartitionUntilDone(t *testing.T) {
	m := newManager(t, queue.Config{Quotas: []int{1}, Strict: true})
	first, second := msg("orders", 0), msg("orders", 0)
	mustEnqueue(t, m, first, second)

	l, err := m.TryDequeue()
	require.NoError(t, err)
	require.Equal(t, first.ID, l.Msg.ID)

	blocked, err := m.TryDequeue()
	require.NoError(t, err)
	assert.Nil(t, blocked, "partition must stay held while a lease is out")

	l.Done()
	l.Done() // idempotent

	next, err := m.TryDequeue()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, second.ID, next.Msg.ID)
	next.Done()
	assert.Equal(t, 0, m.Leased())
}

func TestManager_NonStrictAllowsConcurrentLeases(t *testing.T) {
	m := newManager(t, queue.Config{Quotas: []int{1}, Strict: false})
	mustEnqueue(t, m, msg("orders", 0), msg("orders", 0))

	a, _ := m.TryDequeue()
	b, _ := m.TryDequeue()
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, 2, m.Leased())
	a.Done()
	b.Done()
}

func TestManager_RequeueGoesToFront(t *testing.T) {
	m := newManager(t, queue.Config{Quotas: []int{1}, Strict: true})
	first, second := msg("orders", 0), msg("orders", 0)
	mustEnqueue(t, m, first, second)

	l, _ := m.TryDequeue()
	require.NoError(t, m.Requeue(l.Msg))
	l.Done()

	got := drain(t, m, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)
}

func TestManager_Capacity(t *testing.T) {
	m := newManager(t, queue.Config{Quotas: []int{1, 1}, MaxPending: 2})
	mustEnqueue(t, m, msg("a", 0), msg("a", 1))

	err := m.Enqueue(msg("a", 0))
	assert.ErrorIs(t, err, queue.ErrCapacity)
	_, err = m.Reserve()
	assert.ErrorIs(t, err, queue.ErrCapacity)

	// Restore and Requeue carry already-admitted work.
	require.NoError(t, m.Restore(msg("a", 0)))
	require.NoError(t, m.Requeue(msg("a", 1)))
	assert.Equal(t, 4, m.Len())

	drain(t, m, 3)
	slot, err := m.Reserve()
	require.NoError(t, err)
	slot.Cancel()
}

func TestManager_ReserveCountsTowardsLimit(t *testing.T) {
	m := newManager(t, queue.Config{Quotas: []int{1}, MaxPending: 2})

	a, err := m.Reserve()
	require.NoError(t, err)
	b, err := m.Reserve()
	require.NoError(t, err)
	_, err = m.Reserve()
	assert.ErrorIs(t, err, queue.ErrCapacity, "reserved room is not handed out twice")
	assert.ErrorIs(t, m.Enqueue(msg("a", 0)), queue.ErrCapacity)

	x := msg("a", 0)
	require.NoError(t, a.Enqueue(x))
	a.Cancel() // no effect after Enqueue
	assert.Error(t, a.Enqueue(msg("a", 0)), "a slot holds a single message")
	b.Cancel()
	b.Cancel()
	assert.Equal(t, 1, m.Len())

	got := drain(t, m, 1)
	assert.Equal(t, x.ID, got[0].ID)
	assert.Equal(t, 0, m.Len())
}

func TestManager_ConcurrentReserveNeverOvershoots(t *testing.T) {
	const limit = 10
	m := newManager(t, queue.Config{Quotas: []int{1}, MaxPending: limit})

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := m.Reserve()
			if err != nil {
				return
			}
			if slot.Enqueue(msg("burst", 0)) == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, limit, accepted)
	assert.Equal(t, limit, m.Len())
}

func TestManager_PriorityOutOfRange(t *testing.T) {
	m := newManager(t, queue.Config{Quotas: []int{1, 1}})
	assert.ErrorIs(t, m.Enqueue(msg("a", 2)), queue.ErrPriority)
	assert.ErrorIs(t, m.Enqueue(msg("a", -1)), queue.ErrPriority)
	assert.ErrorIs(t, m.Hold(msg("a", 5)), queue.ErrPriority)
}

func TestManager_Depths(t *testing.T) {
	m := newManager(t, queue.Config{Quotas: []int{2, 1}})
	mustEnqueue(t, m, msg("a", 0), msg("a", 0), msg("b", 1))

	assert.Equal(t, []int{2, 1}, m.Depths())
	assert.Equal(t, map[string]int{"a~0": 2, "b~1": 1}, m.PartitionDepths())

	drain(t, m, 2)
	assert.Equal(t, []int{0, 1}, m.Depths())
	assert.Equal(t, map[string]int{"a~0": 1}, m.PartitionDepths())
	assert.Equal(t, 1, m.Len())
}

// ─── retry holds ─────────────────────────────────────────────────────────────

func TestManager_HeldLeaseBlocksPartitionUntilRequeue(t *testing.T) {
	m := newManager(t, queue.Config{Quotas: []int{1}, Strict: true})
	first, second := msg("orders", 0), msg("orders", 0)
	other := msg("billing", 0)
	mustEnqueue(t, m, first, second, other)

	l, err := m.TryDequeue()
	require.NoError(t, err)
	require.Equal(t, first.ID, l.Msg.ID)
	l.Hold()
	l.Done()

	// first is waiting out its backoff: orders stays blocked, billing does not.
	next, err := m.TryDequeue()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, other.ID, next.Msg.ID)
	next.Done()
	blocked, err := m.TryDequeue()
	require.NoError(t, err)
	assert.Nil(t, blocked, "second must not overtake the held first")

	require.NoError(t, m.Requeue(first))
	got := drain(t, m, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)
}

func TestManager_RequeueBeforeDoneKeepsOrder(t *testing.T) {
	m := newManager(t, queue.Config{Quotas: []int{1}, Strict: true})
	first, second := msg("orders", 0), msg("orders", 0)
	mustEnqueue(t, m, first, second)

	l, _ := m.TryDequeue()
	l.Hold()
	require.NoError(t, m.Requeue(first)) // backoff shorter than the settle
	blocked, _ := m.TryDequeue()
	assert.Nil(t, blocked, "lease still out")
	l.Done()

	got := drain(t, m, 2)
	assert.Equal(t, []string{first.ID, second.ID}, []string{got[0].ID, got[1].ID})
}

func TestManager_HoldFromReplay(t *testing.T) {
	m := newManager(t, queue.Config{Quotas: []int{1}, Strict: true})
	scheduled, later := msg("orders", 0), msg("orders", 0)
	require.NoError(t, m.Hold(scheduled))
	require.NoError(t, m.Restore(later))

	l, err := m.TryDequeue()
	require.NoError(t, err)
	assert.Nil(t, l)

	require.NoError(t, m.Requeue(scheduled))
	got := drain(t, m, 2)
	assert.Equal(t, scheduled.ID, got[0].ID)
	assert.Equal(t, later.ID, got[1].ID)
}

func TestManager_HoldIgnoredWithoutStrictOrdering(t *testing.T) {
	m := newManager(t, queue.Config{Quotas: []int{1}})
	first, second := msg("orders", 0), msg("orders", 0)
	mustEnqueue(t, m, first, second)

	l, _ := m.TryDequeue()
	l.Hold()
	l.Done()
	got := drain(t, m, 1)
	assert.Equal(t, second.ID, got[0].ID)
}

func TestManager_DequeueBlocksUntilEnqueue(t *testing.T) {
	m := newManager(t, queue.DefaultConfig())
	got := make(chan *queue.Lease, 1)
	go func() {
		l, err := m.Dequeue(context.Background())
		if err == nil {
			got <- l
		}
	}()

	time.Sleep(20 * time.Millisecond)
	x := msg("late", 1)
	mustEnqueue(t, m, x)

	select {
	case l := <-got:
		assert.Equal(t, x.ID, l.Msg.ID)
		l.Done()
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not wake up")
	}
}

func TestManager_DequeueWakesOnRelease(t *testing.T) {
	m := newManager(t, queue.Config{Quotas: []int{1}, Strict: true})
	mustEnqueue(t, m, msg("p", 0), msg("p", 0))
	first, _ := m.TryDequeue()

	got := make(chan *queue.Lease, 1)
	go func() {
		l, err := m.Dequeue(context.Background())
		if err == nil {
			got <- l
		}
	}()
	time.Sleep(20 * time.Millisecond)
	first.Done()

	select {
	case l := <-got:
		l.Done()
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue not woken by Done")
	}
}

func TestManager_DequeueHonoursContext(t *testing.T) {
	m := newManager(t, queue.DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := m.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_CloseUnblocksDequeue(t *testing.T) {
	m, err := queue.New(queue.DefaultConfig())
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := m.Dequeue(context.Background())
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	m.Close()

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, queue.ErrClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue not released by Close")
	}
	assert.ErrorIs(t, m.Enqueue(msg("a", 0)), queue.ErrClosed)
}

func TestManager_ConcurrentWorkersPreservePartitionOrder(t *testing.T) {
	m := newManager(t, queue.Config{Quotas: []int{2, 1}, Strict: true})
	const perTopic = 50
	topics := []string{"t.a", "t.b", "t.c"}
	for i := 0; i < perTopic; i++ {
		for j, tp := range topics {
			x := msg(tp, j%2)
			x.Metadata = map[string]string{"n": fmt.Sprint(i)}
			mustEnqueue(t, m, x)
		}
	}

	var (
		mu   sync.Mutex
		seen = map[string][]string{}
		wg   sync.WaitGroup
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	total := perTopic * len(topics)
	done := make(chan struct{})
	count := 0
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				l, err := m.Dequeue(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[l.Msg.Topic] = append(seen[l.Msg.Topic], l.Msg.Metadata["n"])
				count++
				if count == total {
					close(done)
				}
				mu.Unlock()
				l.Done()
			}
		}()
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not drain the queue")
	}
	cancel()
	wg.Wait()

	for _, tp := range topics {
		require.Len(t, seen[tp], perTopic)
		for i, n := range seen[tp] {
			assert.Equal(t, fmt.Sprint(i), n, "topic %s out of order", tp)
		}
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := queue.New(queue.Config{})
	assert.Error(t, err)
	_, err = queue.New(queue.Config{Quotas: []int{1, 0}})
	assert.Error(t, err)
}
