package cache

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. It is the default backend and
// the one tests substitute for persistent stores.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memRecord
	now     func() time.Time
}

type memRecord struct {
	fields    map[Field][]byte
	updatedAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*memRecord),
		now:     time.Now,
	}
}

func (s *MemoryStore) Write(_ context.Context, id string, field Field, value []byte) error {
	if err := ValidateKey(id, field); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		rec = &memRecord{fields: make(map[Field][]byte)}
		s.records[id] = rec
	}
	rec.fields[field] = bytes.Clone(value)
	rec.updatedAt = s.now()
	return nil
}

func (s *MemoryStore) Read(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return NewRecord(id, rec.fields), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// Sweep removes records whose last write is older than cutoff.
func (s *MemoryStore) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.records {
		if rec.updatedAt.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of records held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
