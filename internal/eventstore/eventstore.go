// Package eventstore defines the append-only event log the hub journals every
// state change to.
//
// The router and the operator surfaces only talk to the log through Store, so
// the single-node local implementation can be replaced without touching them.
package eventstore

import (
	"context"
	"errors"
	"iter"

	"github.com/snehjoshi/messagehub/internal/types"
)

var (
	// ErrStoreFailed is returned while a partition is in the failed state
	// after a write or fsync error. The store keeps refusing until the torn
	// tail is repaired by Recover or by the next Append.
	ErrStoreFailed = errors.New("eventstore: store failed")
	// ErrCorrupted is returned when a record fails its checksum.
	ErrCorrupted = errors.New("eventstore: record corrupted")
	// ErrNotFound is returned when a message or dead letter is unknown.
	ErrNotFound = errors.New("eventstore: not found")
	// ErrFull is returned when the configured size limit is reached.
	ErrFull = errors.New("eventstore: size limit reached")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("eventstore: closed")
)

// Archiver receives records removed by compaction before they are deleted.
// Compaction of a partition is aborted if Archive fails.
type Archiver interface {
	Archive(ctx context.Context, partition string, recs []types.Record) error
}

// Stats summarizes the log.
type Stats struct {
	Records    int   `json:"records"`
	Bytes      int64 `json:"bytes"`
	Partitions int   `json:"partitions"`
	Failed     int   `json:"failed_partitions"`
}

// CompactResult reports what a compaction pass did.
type CompactResult struct {
	Partitions int `json:"partitions"`
	Removed    int `json:"removed"`
	Kept       int `json:"kept"`
	Archived   int `json:"archived"`
}

// MessageState is the indexed summary of a message's journal.
type MessageState struct {
	Partition string          `json:"partition"`
	LastEvent types.EventType `json:"last_event"`
	Seq       uint64          `json:"seq"`
}

// Store is the event log. All methods are safe for concurrent use.
type Store interface {
	// Append durably writes rec to rec.Partition and returns its sequence
	// number. Seq and Timestamp are assigned by the store when zero. Append
	// returns only after the record is flushed according to the fsync
	// policy; ctx cancels the wait for the partition lock.
	Append(ctx context.Context, rec types.Record) (uint64, error)

	// ReadFrom lazily yields the records of partition with Seq >= from in
	// sequence order. The sequence is finite and restartable.
	ReadFrom(partition string, from uint64) iter.Seq2[types.Record, error]

	// ReadAll runs ReadFrom over every partition in name order.
	ReadAll(from uint64) iter.Seq2[types.Record, error]

	// Partitions returns the known partition names, sorted.
	Partitions() []string

	// Compact removes records with Seq <= upTo (0 means no bound) whose
	// message has reached a terminal event. Records of pending or
	// in-flight messages are never removed.
	Compact(ctx context.Context, upTo uint64) (CompactResult, error)

	// Message returns the indexed state of a message.
	Message(id string) (MessageState, error)

	PutDeadLetter(e types.DeadLetterEntry) error
	DeadLetter(id string) (types.DeadLetterEntry, error)
	DeadLetters() ([]types.DeadLetterEntry, error)
	DeleteDeadLetter(id string) error

	// Healthy returns ErrStoreFailed while any partition is failed.
	Healthy() error
	// Recover attempts to repair every failed partition.
	Recover() error

	Stats() Stats
	Close() error
}
