package store

import (
	"context"
	"errors"
)

var (
	// ErrVersionConflict is returned when another writer already claimed the
	// version an append targets. Callers reload and retry.
	ErrVersionConflict = errors.New("version conflict")
	ErrInvalidBatch    = errors.New("invalid append batch")
)

// AppendBatch is the atomic unit written by EventStoreInterface.Append.
// Events must be contiguous and start at ExpectedVersion+1.
type AppendBatch struct {
	AggregateType   string
	AggregateID     string
	ExpectedVersion int
	Events          []Event
	Outbox          []OutboxEntry
}

// EventStoreInterface defines the interface for event stores
type EventStoreInterface interface {
	// Append writes every event and outbox entry of the batch or none of them.
	Append(ctx context.Context, batch AppendBatch) error

	// GetSnapshot returns the latest snapshot at or below maxVersion, or nil.
	// maxVersion <= 0 means no upper bound.
	GetSnapshot(ctx context.Context, aggregateType, aggregateID string, maxVersion int) (*Event, error)

	// GetEventsFromVersion returns non-snapshot events with
	// fromVersion < version <= toVersion in version order. toVersion <= 0
	// means no upper bound.
	GetEventsFromVersion(ctx context.Context, aggregateType, aggregateID string, fromVersion, toVersion int) ([]Event, error)

	// GetVersion returns the latest version of the aggregate, 0 if unknown.
	GetVersion(ctx context.Context, aggregateType, aggregateID string) (int, error)

	// ReplaceHistory atomically discards every record of the aggregate and
	// stores snapshot as its only record.
	ReplaceHistory(ctx context.Context, expectedVersion int, snapshot Event, outbox []OutboxEntry) error
}

func (b AppendBatch) validate() error {
	if b.AggregateType == "" || b.AggregateID == "" {
		return ErrInvalidBatch
	}
	if len(b.Events) == 0 {
		return ErrInvalidBatch
	}
	for i, e := range b.Events {
		if e.AggregateType != b.AggregateType || e.AggregateID != b.AggregateID {
			return ErrInvalidBatch
		}
		if e.Version != b.ExpectedVersion+i+1 {
			return ErrInvalidBatch
		}
	}
	return nil
}
