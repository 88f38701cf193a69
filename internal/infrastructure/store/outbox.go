package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrOutboxEntryNotFound = errors.New("outbox entry not found")

// OutboxEntry is a message waiting to be handed to the broker. It is written
// in the same atomic unit as the change that produced it.
type OutboxEntry struct {
	ID         string          `json:"id"`
	Target     string          `json:"target"`
	RoutingKey string          `json:"routing_key"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	Sent       bool            `json:"sent"`
	SentAt     *time.Time      `json:"sent_at,omitempty"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
}

// OutboxStore is the contract the relay drains.
type OutboxStore interface {
	FetchPending(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkSent(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id string, cause error) error
	PurgeSent(ctx context.Context, before time.Time) (int, error)
}

// NewOutboxEntry builds a pending entry. key is the partition key.
func NewOutboxEntry(target, routingKey, key string, payload json.RawMessage) OutboxEntry {
	return OutboxEntry{
		ID:         uuid.New().String(),
		Target:     target,
		RoutingKey: routingKey,
		Key:        key,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
}

// RoutingKey returns "events.<lowercased event name>", or "events.*" for an
// empty name.
func RoutingKey(eventName string) string {
	if eventName == "" {
		return "events.*"
	}
	return "events." + strings.ToLower(eventName)
}

// MemoryOutbox is an in-memory OutboxStore
type MemoryOutbox struct {
	mu      sync.RWMutex
	entries []*OutboxEntry
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{}
}

// Enqueue appends pending entries
func (o *MemoryOutbox) Enqueue(entries ...OutboxEntry) {
	if len(entries) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range entries {
		e := entries[i]
		o.entries = append(o.entries, &e)
	}
}

func (o *MemoryOutbox) FetchPending(ctx context.Context, limit int) ([]OutboxEntry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var pending []OutboxEntry
	for _, e := range o.entries {
		if e.Sent {
			continue
		}
		pending = append(pending, *e)
		if limit > 0 && len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (o *MemoryOutbox) MarkSent(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	e := o.find(id)
	if e == nil {
		return ErrOutboxEntryNotFound
	}
	now := time.Now().UTC()
	e.Sent = true
	e.SentAt = &now
	return nil
}

func (o *MemoryOutbox) RecordFailure(ctx context.Context, id string, cause error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	e := o.find(id)
	if e == nil {
		return ErrOutboxEntryNotFound
	}
	e.Attempts++
	if cause != nil {
		e.LastError = cause.Error()
	}
	return nil
}

func (o *MemoryOutbox) PurgeSent(ctx context.Context, before time.Time) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	kept := o.entries[:0]
	purged := 0
	for _, e := range o.entries {
		if e.Sent && e.SentAt != nil && e.SentAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	o.entries = kept
	return purged, nil
}

// Entries returns a copy of every entry ordered by creation time
func (o *MemoryOutbox) Entries() []OutboxEntry {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]OutboxEntry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, *e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (o *MemoryOutbox) find(id string) *OutboxEntry {
	for _, e := range o.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}
