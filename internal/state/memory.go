package state

import (
	"context"
	"sync"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// MemoryStore keeps the most recent records in process memory.
// When more than retention records exist the oldest insert is evicted.
type MemoryStore struct {
	mu        sync.RWMutex
	retention int
	records   map[string]types.TaskRecord
	order     []string
}

// NewMemoryStore creates a bounded in-memory store
func NewMemoryStore(retention int) *MemoryStore {
	if retention <= 0 {
		retention = 1000
	}
	return &MemoryStore{
		retention: retention,
		records:   make(map[string]types.TaskRecord),
	}
}

// Put implements Store
func (m *MemoryStore) Put(_ context.Context, rec types.TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.TaskID]; !exists {
		m.order = append(m.order, rec.TaskID)
	}
	m.records[rec.TaskID] = rec

	for len(m.order) > m.retention {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.records, oldest)
	}
	return nil
}

// Get implements Store
func (m *MemoryStore) Get(_ context.Context, taskID string) (types.TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[taskID]
	if !ok {
		return types.TaskRecord{}, ErrNotFound
	}
	return rec, nil
}

// List implements Store. Records come back in insertion order.
func (m *MemoryStore) List(_ context.Context) ([]types.TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.TaskRecord, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id])
	}
	return out, nil
}

// Close implements Store
func (m *MemoryStore) Close() error { return nil }
