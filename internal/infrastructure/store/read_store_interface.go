package store

import (
	"context"
	"encoding/json"
	"time"
)

// Document is a stored read model
type Document struct {
	ID        string          `json:"id"`
	Version   int             `json:"version"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ReadStoreInterface defines the interface for read model storage
type ReadStoreInterface interface {
	// Upsert stores doc only if nothing is stored under its id or the stored
	// version is strictly lower. It reports whether the write was applied.
	Upsert(ctx context.Context, collection string, doc Document) (bool, error)

	// Get retrieves a read model by id; nil when absent
	Get(ctx context.Context, collection, id string) (*Document, error)

	// GetAll retrieves all items in a collection
	GetAll(ctx context.Context, collection string) ([]Document, error)

	// Delete removes a read model. Deleting a missing id is not an error.
	Delete(ctx context.Context, collection, id string) error
}
