package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Event is a persisted record of the event log. Snapshot records are events
// with IsSnapshot set and the serialized aggregate state as Data.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	Data          json.RawMessage `json:"data"`
	AgentID       string          `json:"agent_id"`
	AgentType     string          `json:"agent_type"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	IsSnapshot    bool            `json:"is_snapshot"`
}

// EventStore is an in-memory event log. Appends and their outbox entries are
// applied under one lock.
type EventStore struct {
	mu     sync.RWMutex
	events map[string][]Event // aggregateType/aggregateID -> events
	outbox *MemoryOutbox
}

func NewEventStore(outbox *MemoryOutbox) *EventStore {
	if outbox == nil {
		outbox = NewMemoryOutbox()
	}
	return &EventStore{
		events: make(map[string][]Event),
		outbox: outbox,
	}
}

func streamKey(aggregateType, aggregateID string) string {
	return aggregateType + "/" + aggregateID
}

// Outbox returns the outbox the store writes to.
func (es *EventStore) Outbox() *MemoryOutbox {
	return es.outbox
}

// Append stores the batch if no other writer got there first
func (es *EventStore) Append(ctx context.Context, batch AppendBatch) error {
	if err := batch.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	key := streamKey(batch.AggregateType, batch.AggregateID)
	if lastVersion(es.events[key]) != batch.ExpectedVersion {
		return ErrVersionConflict
	}
	es.events[key] = append(es.events[key], batch.Events...)
	es.outbox.Enqueue(batch.Outbox...)
	return nil
}

func (es *EventStore) GetSnapshot(ctx context.Context, aggregateType, aggregateID string, maxVersion int) (*Event, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	events := es.events[streamKey(aggregateType, aggregateID)]
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if maxVersion > 0 && e.Version > maxVersion {
			continue
		}
		if e.IsSnapshot {
			snapshot := e
			return &snapshot, nil
		}
	}
	return nil, nil
}

func (es *EventStore) GetEventsFromVersion(ctx context.Context, aggregateType, aggregateID string, fromVersion, toVersion int) ([]Event, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	var result []Event
	for _, e := range es.events[streamKey(aggregateType, aggregateID)] {
		if e.IsSnapshot || e.Version <= fromVersion {
			continue
		}
		if toVersion > 0 && e.Version > toVersion {
			break
		}
		result = append(result, e)
	}
	return result, nil
}

func (es *EventStore) GetVersion(ctx context.Context, aggregateType, aggregateID string) (int, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return lastVersion(es.events[streamKey(aggregateType, aggregateID)]), nil
}

func (es *EventStore) ReplaceHistory(ctx context.Context, expectedVersion int, snapshot Event, outbox []OutboxEntry) error {
	if !snapshot.IsSnapshot || snapshot.Version <= expectedVersion {
		return ErrInvalidBatch
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	key := streamKey(snapshot.AggregateType, snapshot.AggregateID)
	if lastVersion(es.events[key]) != expectedVersion {
		return ErrVersionConflict
	}
	es.events[key] = []Event{snapshot}
	es.outbox.Enqueue(outbox...)
	return nil
}

// GetEvents returns every record of an aggregate, snapshots included
func (es *EventStore) GetEvents(aggregateType, aggregateID string) []Event {
	es.mu.RLock()
	defer es.mu.RUnlock()
	events := es.events[streamKey(aggregateType, aggregateID)]
	return append([]Event(nil), events...)
}

// GetAllEvents returns all records ordered by timestamp
func (es *EventStore) GetAllEvents() []Event {
	es.mu.RLock()
	defer es.mu.RUnlock()

	var all []Event
	for _, events := range es.events {
		all = append(all, events...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	return all
}

func lastVersion(events []Event) int {
	if len(events) == 0 {
		return 0
	}
	return events[len(events)-1].Version
}
