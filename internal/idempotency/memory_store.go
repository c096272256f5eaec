package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store backed by a map, suitable for tests
// and the non-Postgres run mode.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	if time.Now().UTC().After(rec.ExpiresAt) {
		delete(m.records, key)
		return nil, nil
	}
	return rec, nil
}

func (m *MemoryStore) Put(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Key] = rec
	return nil
}
