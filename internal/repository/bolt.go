package repository

import (
	"context"
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"outpost/internal/domain"

	bolt "go.etcd.io/bbolt"
)

const (
	boltFilePerm    = fs.FileMode(0o600)
	boltOpenTimeout = 5 * time.Second
)

var queueBucket = []byte("outbound_queue")

// BoltStore keeps queue records in a bbolt bucket. Keys are ids; each
// value is prefixed by an 8 byte insertion sequence so ListAll can return
// records in first-insert order.
type BoltStore struct {
	db *bolt.DB
}

var _ domain.Store = (*BoltStore)(nil)

func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating bolt directory: %w", err)
	}

	db, err := bolt.Open(path, boltFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(queueBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing bolt db: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Put(ctx context.Context, id string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		key := []byte(id)

		var seq uint64
		if prev := b.Get(key); len(prev) >= 8 {
			seq = binary.BigEndian.Uint64(prev)
		} else {
			next, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("bolt sequence: %w", err)
			}
			seq = next
		}

		val := make([]byte, 8+len(data))
		binary.BigEndian.PutUint64(val, seq)
		copy(val[8:], data)
		return b.Put(key, val)
	})
}

func (s *BoltStore) Get(ctx context.Context, id string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(queueBucket).Get([]byte(id))
		if len(v) < 8 {
			return domain.ErrRecordNotFound
		}
		out = append([]byte(nil), v[8:]...)
		return nil
	})
	return out, err
}

func (s *BoltStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Delete([]byte(id))
	})
}

func (s *BoltStore) ListAll(ctx context.Context) ([]domain.Record, error) {
	type entry struct {
		seq uint64
		rec domain.Record
	}
	var entries []entry

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			if len(v) < 8 {
				return nil
			}
			entries = append(entries, entry{
				seq: binary.BigEndian.Uint64(v),
				rec: domain.Record{ID: string(k), Data: append([]byte(nil), v[8:]...)},
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing bolt records: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]domain.Record, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out, nil
}
