package mocks

import (
	"context"
	"sync"

	"github.com/example/eventcore/internal/infrastructure/store"
)

// MockEventStore wraps the in-memory event store and records calls so tests
// can assert on how the store was used.
type MockEventStore struct {
	*store.EventStore

	mu sync.Mutex

	// For tracking calls in tests
	AppendCalls []store.AppendBatch
	ReadCalls   []ReadCall

	// AppendErr, when set, is returned by Append instead of writing
	AppendErr error
	// AppendCallback runs before every append; a non-nil error aborts it
	AppendCallback func(ctx context.Context, batch store.AppendBatch) error
}

// ReadCall records a GetEventsFromVersion call and how many events it returned
type ReadCall struct {
	AggregateType string
	AggregateID   string
	FromVersion   int
	ToVersion     int
	Returned      int
}

// NewMockEventStore creates a new MockEventStore
func NewMockEventStore() *MockEventStore {
	return &MockEventStore{EventStore: store.NewEventStore(nil)}
}

// Append records the batch and delegates to the in-memory store
func (m *MockEventStore) Append(ctx context.Context, batch store.AppendBatch) error {
	m.mu.Lock()
	m.AppendCalls = append(m.AppendCalls, batch)
	appendErr, callback := m.AppendErr, m.AppendCallback
	m.mu.Unlock()

	if callback != nil {
		if err := callback(ctx, batch); err != nil {
			return err
		}
	}
	if appendErr != nil {
		return appendErr
	}
	return m.EventStore.Append(ctx, batch)
}

func (m *MockEventStore) GetEventsFromVersion(ctx context.Context, aggregateType, aggregateID string, fromVersion, toVersion int) ([]store.Event, error) {
	events, err := m.EventStore.GetEventsFromVersion(ctx, aggregateType, aggregateID, fromVersion, toVersion)

	m.mu.Lock()
	m.ReadCalls = append(m.ReadCalls, ReadCall{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		FromVersion:   fromVersion,
		ToVersion:     toVersion,
		Returned:      len(events),
	})
	m.mu.Unlock()
	return events, err
}

// LastRead returns the most recent GetEventsFromVersion call
func (m *MockEventStore) LastRead() (ReadCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ReadCalls) == 0 {
		return ReadCall{}, false
	}
	return m.ReadCalls[len(m.ReadCalls)-1], true
}

// AppendCount returns how many appends were attempted
func (m *MockEventStore) AppendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.AppendCalls)
}

// Reset clears recorded calls and injected errors
func (m *MockEventStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendCalls = nil
	m.ReadCalls = nil
	m.AppendErr = nil
	m.AppendCallback = nil
}
