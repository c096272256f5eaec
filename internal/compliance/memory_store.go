package compliance

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore implements NodeStore, LeafStore, and TimestampStore
// in-process, for tests and the non-Postgres run mode.
type MemoryStore struct {
	mu         sync.Mutex
	nodes      map[string]string
	size       int64
	leaves     map[int64]*Leaf
	timestamps map[int64]*TimestampRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:      make(map[string]string),
		leaves:     make(map[int64]*Leaf),
		timestamps: make(map[int64]*TimestampRecord),
	}
}

func nodeKey(level int, position int64) string {
	return fmt.Sprintf("%d:%d", level, position)
}

func (m *MemoryStore) Size(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size, nil
}

func (m *MemoryStore) GetNode(ctx context.Context, level int, position int64) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.nodes[nodeKey(level, position)]
	return h, ok, nil
}

func (m *MemoryStore) SetNode(ctx context.Context, level int, position int64, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[nodeKey(level, position)] = hash
	if level == 0 && position == m.size {
		m.size++
	}
	return nil
}

func (m *MemoryStore) AppendLeaf(ctx context.Context, leaf *Leaf) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *leaf
	m.leaves[leaf.Position] = &cp
	return nil
}

func (m *MemoryStore) GetLeaf(ctx context.Context, position int64) (*Leaf, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leaves[position]
	if !ok {
		return nil, nil
	}
	return l, nil
}

func (m *MemoryStore) SaveTimestamp(ctx context.Context, rec *TimestampRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.timestamps[rec.LeafPosition] = &cp
	return nil
}
