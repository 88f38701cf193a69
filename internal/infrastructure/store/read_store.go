package store

import (
	"context"
	"sort"
	"sync"
)

// ReadStore is an in-memory read model store
type ReadStore struct {
	mu   sync.RWMutex
	data map[string]map[string]Document // collection -> id -> document
}

func NewReadStore() *ReadStore {
	return &ReadStore{
		data: make(map[string]map[string]Document),
	}
}

func (rs *ReadStore) Upsert(ctx context.Context, collection string, doc Document) (bool, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.data[collection] == nil {
		rs.data[collection] = make(map[string]Document)
	}
	if current, ok := rs.data[collection][doc.ID]; ok && current.Version >= doc.Version {
		return false, nil
	}
	rs.data[collection][doc.ID] = doc
	return true, nil
}

func (rs *ReadStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	doc, ok := rs.data[collection][id]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (rs *ReadStore) GetAll(ctx context.Context, collection string) ([]Document, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	items := make([]Document, 0, len(rs.data[collection]))
	for _, item := range rs.data[collection] {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (rs *ReadStore) Delete(ctx context.Context, collection, id string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.data[collection] != nil {
		delete(rs.data[collection], id)
	}
	return nil
}
