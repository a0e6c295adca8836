package router

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/snehjoshi/messagehub/internal/types"
)

func TestSetStatus_FollowsLifecycle(t *testing.T) {
	var buf bytes.Buffer
	r := &Router{log: slog.New(slog.NewTextHandler(&buf, nil))}

	tests := []struct {
		from, to types.Status
		ok       bool
	}{
		{types.StatusPending, types.StatusInFlight, true},
		{types.StatusInFlight, types.StatusPending, true},
		{types.StatusInFlight, types.StatusDelivered, true},
		{types.StatusInFlight, types.StatusDeadLettered, true},
		{types.StatusDeadLettered, types.StatusPending, true},
		{types.StatusPending, types.StatusPending, true},
		{types.StatusDelivered, types.StatusInFlight, false},
		{types.StatusDelivered, types.StatusPending, false},
		{types.StatusPending, types.StatusDelivered, false},
	}
	for _, tc := range tests {
		msg := &types.Message{ID: "m1", Status: tc.from}
		if got := r.setStatus(msg, tc.to); got != tc.ok {
			t.Errorf("setStatus(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
		want := tc.to
		if !tc.ok {
			want = tc.from
		}
		if msg.Status != want {
			t.Errorf("%s -> %s left status %s, want %s", tc.from, tc.to, msg.Status, want)
		}
	}
	if !strings.Contains(buf.String(), "illegal status transition refused") {
		t.Errorf("refusal not logged: %s", buf.String())
	}
}
