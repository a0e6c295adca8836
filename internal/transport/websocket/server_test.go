package websocket_test

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	transportws "github.com/snehjoshi/messagehub/internal/transport/websocket"
	"github.com/snehjoshi/messagehub/internal/types"
)

// memLog is an in-memory Source.
type memLog struct {
	mu   sync.Mutex
	recs map[string][]types.Record
}

func (m *memLog) add(partition string, t types.EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recs == nil {
		m.recs = make(map[string][]types.Record)
	}
	seq := uint64(len(m.recs[partition]) + 1)
	m.recs[partition] = append(m.recs[partition], types.Record{Seq: seq, Partition: partition, Type: t, MessageID: "m"})
}

func (m *memLog) Events(partition string, from uint64, limit int) ([]types.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Record
	for _, r := range m.recs[partition] {
		if r.Seq >= from {
			out = append(out, r)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memLog) Partitions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for p := range m.recs {
		out = append(out, p)
	}
	return out
}

type frame struct {
	Type  string        `json:"type"`
	Event *types.Record `json:"event"`
}

func dial(t *testing.T, src transportws.Source, query string) *gorillaws.Conn {
	t.Helper()
	srv := httptest.NewServer(&transportws.Handler{Source: src, Interval: 10 * time.Millisecond})
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events/stream" + query
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func next(t *testing.T, conn *gorillaws.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func TestStream_BacklogThenLive(t *testing.T) {
	src := &memLog{}
	src.add("orders.created", types.EventAccepted)
	src.add("orders.created", types.EventDispatched)

	conn := dial(t, src, "?partition=orders.created")

	for i, want := range []types.EventType{types.EventAccepted, types.EventDispatched} {
		f := next(t, conn)
		if f.Type != "event" || f.Event == nil || f.Event.Type != want {
			t.Fatalf("frame %d: %+v", i, f)
		}
	}

	src.add("orders.created", types.EventAcked)
	f := next(t, conn)
	if f.Event.Type != types.EventAcked || f.Event.Seq != 3 {
		t.Fatalf("live frame: %+v", f.Event)
	}
}

func TestStream_FromSkipsHistory(t *testing.T) {
	src := &memLog{}
	for i := 0; i < 3; i++ {
		src.add("billing.paid", types.EventAccepted)
	}
	conn := dial(t, src, "?partition=billing.paid&from=3")
	if f := next(t, conn); f.Event.Seq != 3 {
		t.Fatalf("first seq: want 3, got %d", f.Event.Seq)
	}
}

func TestStream_FollowsNewPartitions(t *testing.T) {
	src := &memLog{}
	src.add("a.one", types.EventAccepted)
	conn := dial(t, src, "")

	if f := next(t, conn); f.Event.Partition != "a.one" {
		t.Fatalf("first: %+v", f.Event)
	}
	src.add("b.two", types.EventAccepted)
	if f := next(t, conn); f.Event.Partition != "b.two" {
		t.Fatalf("second: %+v", f.Event)
	}
}
