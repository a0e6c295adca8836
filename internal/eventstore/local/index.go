package local

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/messagehub/internal/eventstore"
	"github.com/snehjoshi/messagehub/internal/types"
)

var (
	bucketMessages    = []byte("messages")
	bucketDeadLetters = []byte("deadletters")
)

// index is the bbolt side of the store. It keeps, per message, the last
// event journaled for it, and holds the dead-letter entries. The log stays
// the source of truth: every record is re-applied on open, and an entry is
// only replaced by a record with a higher sequence number, so applying the
// same records twice or out of order is harmless.
type index struct {
	db *bbolt.DB
}

func openIndex(path string, noSync bool) (*index, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0, NoSync: noSync})
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketMessages, bucketDeadLetters} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index: init buckets: %w", err)
	}
	return &index{db: db}, nil
}

// record folds one appended record into the index. Concurrent callers are
// coalesced into shared transactions.
func (idx *index) record(rec types.Record) error {
	return idx.db.Batch(func(tx *bbolt.Tx) error {
		return applyRecord(tx.Bucket(bucketMessages), rec)
	})
}

// apply folds recs in a single transaction.
func (idx *index) apply(recs []types.Record) error {
	if len(recs) == 0 {
		return nil
	}
	return idx.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		for _, rec := range recs {
			if err := applyRecord(b, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyRecord(b *bbolt.Bucket, rec types.Record) error {
	key := []byte(rec.MessageID)
	if cur := b.Get(key); cur != nil {
		st, err := unmarshalState(cur)
		if err == nil && st.Partition == rec.Partition && st.Seq >= rec.Seq {
			return nil
		}
	}
	return b.Put(key, marshalState(eventstore.MessageState{
		Partition: rec.Partition,
		LastEvent: rec.Type,
		Seq:       rec.Seq,
	}))
}

func (idx *index) message(id string) (eventstore.MessageState, error) {
	var st eventstore.MessageState
	err := idx.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketMessages).Get([]byte(id))
		if v == nil {
			return eventstore.ErrNotFound
		}
		var err error
		st, err = unmarshalState(v)
		return err
	})
	return st, err
}

func (idx *index) deleteMessages(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return idx.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ─── Dead letters ─────────────────────────────────────────────────────────────

func (idx *index) putDeadLetter(e types.DeadLetterEntry) error {
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("index: marshal dead letter %s: %w", e.MessageID, err)
	}
	return idx.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDeadLetters).Put([]byte(e.MessageID), val)
	})
}

func (idx *index) deadLetter(id string) (types.DeadLetterEntry, error) {
	var e types.DeadLetterEntry
	err := idx.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketDeadLetters).Get([]byte(id))
		if v == nil {
			return eventstore.ErrNotFound
		}
		return json.Unmarshal(v, &e)
	})
	return e, err
}

// deadLetters returns every entry, oldest first.
func (idx *index) deadLetters() ([]types.DeadLetterEntry, error) {
	var out []types.DeadLetterEntry
	err := idx.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDeadLetters).ForEach(func(k, v []byte) error {
			var e types.DeadLetterEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("index: decode dead letter %s: %w", k, err)
			}
			out = append(out, e)
			return nil
		})
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].DeadLetteredAt < out[j].DeadLetteredAt })
	return out, err
}

func (idx *index) deleteDeadLetter(id string) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		if b.Get([]byte(id)) == nil {
			return eventstore.ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

func (idx *index) close() error { return idx.db.Close() }

// ---- serialisation helpers -------------------------------------------------
// A message state is stored as:
//
//	[event : 1 byte][seq : 8 bytes][partition : rest]

func marshalState(st eventstore.MessageState) []byte {
	buf := make([]byte, 9+len(st.Partition))
	buf[0] = byte(st.LastEvent)
	binary.BigEndian.PutUint64(buf[1:], st.Seq)
	copy(buf[9:], st.Partition)
	return buf
}

func unmarshalState(buf []byte) (eventstore.MessageState, error) {
	if len(buf) < 9 {
		return eventstore.MessageState{}, errors.New("index: message state too short")
	}
	return eventstore.MessageState{
		LastEvent: types.EventType(buf[0]),
		Seq:       binary.BigEndian.Uint64(buf[1:]),
		Partition: string(buf[9:]),
	}, nil
}
