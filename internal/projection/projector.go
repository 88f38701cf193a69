// Package projection builds read models from delivered domain events.
package projection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/domain/category"
	"github.com/example/eventcore/internal/infrastructure/broker"
	"github.com/example/eventcore/internal/listener"
	"github.com/example/eventcore/internal/platform/logger"
	"github.com/example/eventcore/internal/readmodel"
)

const CategoryCollection = "categories"

// Projector keeps the category read model. Every write carries the
// aggregate version of the event, so redelivered or reordered events never
// move a document backwards.
type Projector struct {
	categories *readmodel.Repo[readmodel.CategoryReadModel]
	codec      *aggregate.Codec
	log        *logger.Logger
}

func NewProjector(categories *readmodel.Repo[readmodel.CategoryReadModel], log *logger.Logger) *Projector {
	if log == nil {
		log = logger.Nop()
	}
	return &Projector{
		categories: categories,
		codec:      category.NewDefinition().Codec(),
		log:        log.With("component", "projector"),
	}
}

// Listener returns the durable listener feeding the projector
func (p *Projector) Listener() *listener.Listener {
	return listener.New("category-projection", category.AggregateType).
		On(category.EventCategoryCreated, listener.Typed(p.codec, p.handleCategoryCreated)).
		On(category.EventCategoryUpdated, listener.Typed(p.codec, p.handleCategoryUpdated)).
		On(category.EventCategoryDeleted, listener.Typed(p.codec, p.handleCategoryDeleted)).
		On(aggregate.CollapsedEventName, p.handleCategoryCollapsed)
}

func (p *Projector) handleCategoryCreated(ctx context.Context, meta aggregate.EventMetadata, e *category.CategoryCreated) error {
	return p.write(ctx, meta, readmodel.CategoryReadModel{
		ID:          meta.AggregateID,
		Name:        e.Name,
		Slug:        e.Slug,
		Description: e.Description,
		ParentID:    e.ParentID,
		SortOrder:   e.SortOrder,
		IsActive:    true,
		OwnerID:     e.OwnerID,
		Version:     meta.AggregateVersion,
		CreatedAt:   meta.Timestamp,
		UpdatedAt:   meta.Timestamp,
	})
}

// handleCategoryUpdated replaces the editable fields. Owner and creation
// time are carried over when the document already exists.
func (p *Projector) handleCategoryUpdated(ctx context.Context, meta aggregate.EventMetadata, e *category.CategoryUpdated) error {
	current, ok, err := p.categories.FindByID(ctx, meta.AggregateID)
	if err != nil {
		return err
	}
	doc := readmodel.CategoryReadModel{
		ID:        meta.AggregateID,
		IsActive:  true,
		CreatedAt: meta.Timestamp,
	}
	if ok {
		doc.OwnerID = current.OwnerID
		doc.CreatedAt = current.CreatedAt
	}
	doc.Name = e.Name
	doc.Slug = e.Slug
	doc.Description = e.Description
	doc.ParentID = e.ParentID
	doc.SortOrder = e.SortOrder
	doc.Version = meta.AggregateVersion
	doc.UpdatedAt = meta.Timestamp
	return p.write(ctx, meta, doc)
}

func (p *Projector) handleCategoryDeleted(ctx context.Context, meta aggregate.EventMetadata, _ *category.CategoryDeleted) error {
	if err := p.categories.Remove(ctx, meta.AggregateID); err != nil {
		return err
	}
	p.log.Info("category removed from read model", "category_id", meta.AggregateID, "version", meta.AggregateVersion)
	return nil
}

// handleCategoryCollapsed rewrites the document from the redacted state
// carried by the collapse event.
func (p *Projector) handleCategoryCollapsed(ctx context.Context, meta aggregate.EventMetadata, payload json.RawMessage) error {
	var state category.Category
	if err := json.Unmarshal(payload, &state); err != nil {
		return broker.Permanent(fmt.Errorf("decode collapsed category %s: %w", meta.AggregateID, err))
	}
	if state.IsDeleted() {
		return p.categories.Remove(ctx, meta.AggregateID)
	}
	return p.write(ctx, meta, readmodel.CategoryReadModel{
		ID:          meta.AggregateID,
		Name:        state.Name,
		Slug:        state.Slug,
		Description: state.Description,
		ParentID:    state.ParentID,
		SortOrder:   state.SortOrder,
		IsActive:    state.IsActive(),
		OwnerID:     state.OwnerID,
		Version:     meta.AggregateVersion,
		CreatedAt:   state.CreatedAt,
		UpdatedAt:   state.UpdatedAt,
	})
}

func (p *Projector) write(ctx context.Context, meta aggregate.EventMetadata, doc readmodel.CategoryReadModel) error {
	applied, err := p.categories.Update(ctx, doc)
	if err != nil {
		return err
	}
	p.log.Debug("category projected",
		"category_id", doc.ID,
		"event", meta.EventName,
		"version", meta.AggregateVersion,
		"applied", applied,
	)
	return nil
}
