// Package readmodel keeps query-side projections. Writes are guarded by the
// aggregate version so that redelivered and reordered events converge.
package readmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/platform/logger"
)

var ErrMissingID = errors.New("read model without id")

// Repo stores entities of one collection
type Repo[T Entity] struct {
	store      store.ReadStoreInterface
	collection string
	log        *logger.Logger
}

func NewRepo[T Entity](st store.ReadStoreInterface, collection string, log *logger.Logger) *Repo[T] {
	if log == nil {
		log = logger.Nop()
	}
	return &Repo[T]{
		store:      st,
		collection: collection,
		log:        log.With("component", "readmodel", "collection", collection),
	}
}

func (r *Repo[T]) Collection() string {
	return r.collection
}

// Update stores entity when its version is greater than the stored one.
// Stale and duplicate writes are ignored and reported as not applied.
func (r *Repo[T]) Update(ctx context.Context, entity T) (bool, error) {
	id := entity.EntityID()
	if id == "" {
		return false, ErrMissingID
	}
	data, err := json.Marshal(entity)
	if err != nil {
		return false, fmt.Errorf("encode %s/%s: %w", r.collection, id, err)
	}

	applied, err := r.store.Upsert(ctx, r.collection, store.Document{
		ID:        id,
		Version:   entity.EntityVersion(),
		Data:      data,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("update %s/%s: %w", r.collection, id, err)
	}
	if !applied {
		r.log.Debug("stale update ignored", "id", id, "version", entity.EntityVersion())
	}
	return applied, nil
}

// Remove deletes id. Removing a missing entity is a no-op.
func (r *Repo[T]) Remove(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, r.collection, id); err != nil {
		return fmt.Errorf("remove %s/%s: %w", r.collection, id, err)
	}
	return nil
}

func (r *Repo[T]) FindByID(ctx context.Context, id string) (T, bool, error) {
	var zero T
	doc, err := r.store.Get(ctx, r.collection, id)
	if err != nil {
		return zero, false, fmt.Errorf("find %s/%s: %w", r.collection, id, err)
	}
	if doc == nil {
		return zero, false, nil
	}
	entity, err := r.decode(*doc)
	if err != nil {
		return zero, false, err
	}
	return entity, true, nil
}

func (r *Repo[T]) FindAll(ctx context.Context) ([]T, error) {
	docs, err := r.store.GetAll(ctx, r.collection)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.collection, err)
	}
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		entity, err := r.decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, nil
}

// Query selects a page of entities. A nil Filter keeps everything, a nil
// Less keeps store order, and a Limit of 0 returns every match after Offset.
type Query[T Entity] struct {
	Filter func(T) bool
	Less   func(a, b T) bool
	Offset int
	Limit  int
}

// Page is a search result. Total counts every match, not just Items.
type Page[T Entity] struct {
	Items  []T
	Total  int
	Offset int
	Limit  int
}

func (r *Repo[T]) Search(ctx context.Context, q Query[T]) (Page[T], error) {
	if q.Offset < 0 || q.Limit < 0 {
		return Page[T]{}, fmt.Errorf("search %s: negative offset or limit", r.collection)
	}
	all, err := r.FindAll(ctx)
	if err != nil {
		return Page[T]{}, err
	}

	matched := all[:0]
	for _, e := range all {
		if q.Filter == nil || q.Filter(e) {
			matched = append(matched, e)
		}
	}
	if q.Less != nil {
		sort.SliceStable(matched, func(i, j int) bool { return q.Less(matched[i], matched[j]) })
	}

	page := Page[T]{Total: len(matched), Offset: q.Offset, Limit: q.Limit, Items: []T{}}
	if q.Offset >= len(matched) {
		return page, nil
	}
	end := len(matched)
	if q.Limit > 0 && q.Offset+q.Limit < end {
		end = q.Offset + q.Limit
	}
	page.Items = append(page.Items, matched[q.Offset:end]...)
	return page, nil
}

func (r *Repo[T]) decode(doc store.Document) (T, error) {
	var entity T
	if err := json.Unmarshal(doc.Data, &entity); err != nil {
		return entity, fmt.Errorf("decode %s/%s: %w", r.collection, doc.ID, err)
	}
	return entity, nil
}
