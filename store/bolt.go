package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/brunokim/docsync/change"
	bolt "go.etcd.io/bbolt"
)

// BoltStore keeps histories in a bbolt file, with one bucket per document. Changes are keyed
// by their big-endian bucket sequence, so that cursors walk them in order.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the store at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func (s *BoltStore) AppendChange(ctx context.Context, docID string, c *change.Change) error {
	bs, err := c.Serialize()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(docID))
		if err != nil {
			return err
		}
		end := 0
		if _, v := b.Cursor().Last(); v != nil {
			last, err := change.Deserialize(v)
			if err != nil {
				return fmt.Errorf("reading %s: %w", docID, err)
			}
			end = last.End()
		}
		if err := checkStart(docID, end, c); err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(itob(seq), bs)
	})
}

func (s *BoltStore) LoadHistory(ctx context.Context, docID string) (*change.Change, error) {
	var changes []*change.Change
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(docID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			c, err := change.Deserialize(v)
			if err != nil {
				return fmt.Errorf("reading %s change %d: %w", docID, binary.BigEndian.Uint64(k), err)
			}
			changes = append(changes, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return concatHistory(docID, changes)
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
