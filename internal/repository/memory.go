package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// Memory is a map-backed Repository for tests and single-process runs
// without a data directory.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]map[string]json.RawMessage
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]map[string]json.RawMessage)}
}

func (m *Memory) Create(_ context.Context, collection, id string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return errs.Validation("repository.create", "encode %s/%s: %v", collection, id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.docs[collection]
	if coll == nil {
		coll = make(map[string]json.RawMessage)
		m.docs[collection] = coll
	}
	if _, exists := coll[id]; exists {
		return errs.InvalidState("repository.create", "%s/%s already exists", collection, id)
	}
	coll[id] = b
	return nil
}

func (m *Memory) Update(_ context.Context, collection, id string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return errs.Validation("repository.update", "encode %s/%s: %v", collection, id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[collection][id]; !ok {
		return errs.NotFound("repository.update", "%s/%s not found", collection, id)
	}
	m.docs[collection][id] = b
	return nil
}

func (m *Memory) Find(_ context.Context, collection, id string) (*types.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.docs[collection][id]
	if !ok {
		return nil, errs.NotFound("repository.find", "%s/%s not found", collection, id)
	}
	return &types.Record{ID: id, Collection: collection, Data: append(json.RawMessage(nil), b...)}, nil
}

// FindWhere returns matching records ordered by id.
func (m *Memory) FindWhere(_ context.Context, collection string, match map[string]any) ([]*types.Record, error) {
	if err := checkMatch("repository.find_where", match); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Record
	for id, b := range m.docs[collection] {
		if matches(b, match) {
			out = append(out, &types.Record{ID: id, Collection: collection, Data: append(json.RawMessage(nil), b...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[collection][id]; !ok {
		return errs.NotFound("repository.delete", "%s/%s not found", collection, id)
	}
	delete(m.docs[collection], id)
	return nil
}
