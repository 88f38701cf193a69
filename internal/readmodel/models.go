package readmodel

import "time"

// Entity is a projection keyed by aggregate id that carries the aggregate
// version it was built from.
type Entity interface {
	EntityID() string
	EntityVersion() int
}

// CategoryReadModel is the read model for product categories
type CategoryReadModel struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description"`
	ParentID    string    `json:"parent_id,omitempty"`
	SortOrder   int       `json:"sort_order"`
	IsActive    bool      `json:"is_active"`
	OwnerID     string    `json:"owner_id,omitempty"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (c CategoryReadModel) EntityID() string   { return c.ID }
func (c CategoryReadModel) EntityVersion() int { return c.Version }
