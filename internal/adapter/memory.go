package adapter

import (
	"context"
	"sort"
	"sync"

	"github.com/weftlabs/weft/internal/types"
)

// Memory is an in-process adapter holding records in a map. It backs
// tests and acts as a staging target before a real backend exists.
type Memory struct {
	name string
	mu   sync.RWMutex
	data map[string]map[string]types.Payload // entity type -> id -> payload
}

// NewMemory creates an empty in-process adapter.
func NewMemory(name string) *Memory {
	return &Memory{name: name, data: map[string]map[string]types.Payload{}}
}

func (m *Memory) Name() string { return m.name }
func (m *Memory) Kind() string { return KindMemory }

func (m *Memory) Apply(_ context.Context, kind types.EventKind, entityType, entityID string, payload types.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kind == types.KindDelete {
		delete(m.data[entityType], entityID)
		return nil
	}
	if m.data[entityType] == nil {
		m.data[entityType] = map[string]types.Payload{}
	}
	m.data[entityType][entityID] = payload.Clone()
	return nil
}

func (m *Memory) Read(_ context.Context, entityType, entityID string) (types.Payload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.data[entityType][entityID]
	if !ok {
		return nil, ErrAbsent
	}
	return p.Clone(), nil
}

func (m *Memory) ListIDs(_ context.Context, entityType string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.data[entityType]))
	for id := range m.data[entityType] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Len returns the record count for a type (test helper).
func (m *Memory) Len(entityType string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[entityType])
}
