package local

import (
	"errors"
	"testing"

	"github.com/snehjoshi/messagehub/internal/eventstore"
	"github.com/snehjoshi/messagehub/internal/types"
)

func TestRecordCodec_RoundTrip(t *testing.T) {
	in := types.Record{
		Seq:       42,
		Type:      types.EventRetried,
		MessageID: "01HZY3V6N3W3XKQ8F9J5ZB3C2D",
		Snapshot:  []byte(`{"attempt_count":2}`),
		Timestamp: 1_700_000_000_000,
	}
	frame, err := encodeRecord(in)
	if err != nil {
		t.Fatalf("encodeRecord: %v", err)
	}
	out, err := decodeRecord(frame[lenPrefixSize:], "a.b~1")
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if out.Seq != in.Seq || out.Type != in.Type || out.MessageID != in.MessageID ||
		out.Timestamp != in.Timestamp || string(out.Snapshot) != string(in.Snapshot) {
		t.Errorf("decoded %+v, want %+v", out, in)
	}
	if out.Partition != "a.b~1" {
		t.Errorf("partition = %q", out.Partition)
	}
}

func TestRecordCodec_DetectsCorruption(t *testing.T) {
	frame, err := encodeRecord(types.Record{Seq: 1, Type: types.EventAccepted, MessageID: "m"})
	if err != nil {
		t.Fatal(err)
	}
	body := append([]byte(nil), frame[lenPrefixSize:]...)
	body[3] ^= 0xFF

	if _, err := decodeRecord(body, "p"); !errors.Is(err, eventstore.ErrCorrupted) {
		t.Errorf("decodeRecord(flipped) err = %v, want ErrCorrupted", err)
	}
	if _, err := decodeRecord(body[:5], "p"); !errors.Is(err, eventstore.ErrCorrupted) {
		t.Errorf("decodeRecord(short) err = %v, want ErrCorrupted", err)
	}
}
