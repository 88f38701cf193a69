package mocks

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/example/eventcore/internal/infrastructure/store"
)

// MockReadStore wraps the in-memory read store and records calls
type MockReadStore struct {
	*store.ReadStore

	mu sync.Mutex

	// For tracking calls in tests
	UpsertCalls []UpsertCall
	DeleteCalls []DeleteCall

	// UpsertErr, when set, fails every Upsert
	UpsertErr error
}

// UpsertCall records parameters passed to Upsert and whether it applied
type UpsertCall struct {
	Collection string
	ID         string
	Version    int
	Applied    bool
}

// DeleteCall records parameters passed to Delete
type DeleteCall struct {
	Collection string
	ID         string
}

// NewMockReadStore creates a new MockReadStore
func NewMockReadStore() *MockReadStore {
	return &MockReadStore{ReadStore: store.NewReadStore()}
}

func (m *MockReadStore) Upsert(ctx context.Context, collection string, doc store.Document) (bool, error) {
	m.mu.Lock()
	upsertErr := m.UpsertErr
	m.mu.Unlock()
	if upsertErr != nil {
		return false, upsertErr
	}

	applied, err := m.ReadStore.Upsert(ctx, collection, doc)

	m.mu.Lock()
	m.UpsertCalls = append(m.UpsertCalls, UpsertCall{
		Collection: collection,
		ID:         doc.ID,
		Version:    doc.Version,
		Applied:    applied,
	})
	m.mu.Unlock()
	return applied, err
}

func (m *MockReadStore) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	m.DeleteCalls = append(m.DeleteCalls, DeleteCall{Collection: collection, ID: id})
	m.mu.Unlock()
	return m.ReadStore.Delete(ctx, collection, id)
}

// SetData stores a document directly for testing (without recording the call)
func (m *MockReadStore) SetData(collection, id string, version int, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = m.ReadStore.Upsert(context.Background(), collection, store.Document{ID: id, Version: version, Data: raw})
	return err
}

// GetData decodes a stored document into out; false when absent
func (m *MockReadStore) GetData(collection, id string, out any) (int, bool) {
	doc, err := m.ReadStore.Get(context.Background(), collection, id)
	if err != nil || doc == nil {
		return 0, false
	}
	if err := json.Unmarshal(doc.Data, out); err != nil {
		return 0, false
	}
	return doc.Version, true
}

// Reset clears recorded calls and injected errors
func (m *MockReadStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertCalls = nil
	m.DeleteCalls = nil
	m.UpsertErr = nil
}
