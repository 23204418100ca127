package repository

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"outpost/internal/domain"
)

// MemoryStore is an ephemeral domain.Store, used in tests and as the
// failover fallback.
type MemoryStore struct {
	records sync.Map
	seq     atomic.Uint64
}

type memoryRecord struct {
	seq  uint64
	data []byte
}

var _ domain.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Put(ctx context.Context, id string, data []byte) error {
	seq := s.seq.Add(1)
	if prev, ok := s.records.Load(id); ok {
		seq = prev.(memoryRecord).seq
	}
	s.records.Store(id, memoryRecord{seq: seq, data: append([]byte(nil), data...)})
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) ([]byte, error) {
	val, ok := s.records.Load(id)
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return append([]byte(nil), val.(memoryRecord).data...), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.records.Delete(id)
	return nil
}

// ListAll returns records in first-insert order.
func (s *MemoryStore) ListAll(ctx context.Context) ([]domain.Record, error) {
	type entry struct {
		seq uint64
		rec domain.Record
	}
	var entries []entry
	s.records.Range(func(key, value any) bool {
		r := value.(memoryRecord)
		entries = append(entries, entry{seq: r.seq, rec: domain.Record{
			ID:   key.(string),
			Data: append([]byte(nil), r.data...),
		}})
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]domain.Record, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out, nil
}

// Len is the number of stored records.
func (s *MemoryStore) Len() int {
	n := 0
	s.records.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
