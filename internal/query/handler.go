// Package query serves read models, showing each agent only what it may read.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/domain/category"
	"github.com/example/eventcore/internal/permission"
	"github.com/example/eventcore/internal/platform/logger"
	"github.com/example/eventcore/internal/readmodel"
)

var ErrNotFound = errors.New("not found")

// PermissionChecker is satisfied by permission.Service and permission.Replica
type PermissionChecker interface {
	HasPermission(ctx context.Context, p permission.Permission) (bool, error)
}

type Handler struct {
	categories *readmodel.Repo[CategoryReadModel]
	perms      PermissionChecker
	log        *logger.Logger
}

func NewHandler(categories *readmodel.Repo[CategoryReadModel], perms PermissionChecker, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		categories: categories,
		perms:      perms,
		log:        log.With("component", "query_handler"),
	}
}

// ListCategories selects categories. Empty fields do not filter.
type ListCategories struct {
	ParentID   string
	NamePrefix string
	ActiveOnly bool
	// SortBy is "name" or "sort_order"; anything else keeps id order
	SortBy string
	Offset int
	Limit  int
}

// GetCategory returns the category when agent may read it. A category the
// agent cannot read is reported as not found.
func (h *Handler) GetCategory(ctx context.Context, agent aggregate.Agent, id string) (*CategoryReadModel, error) {
	c, ok, err := h.categories.FindByID(ctx, id)
	if err != nil {
		h.log.Error("get category failed", "category_id", id, "error", err)
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: category %s", ErrNotFound, id)
	}
	visible, err := h.canRead(ctx, agent, id)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, fmt.Errorf("%w: category %s", ErrNotFound, id)
	}
	return &c, nil
}

// SearchCategories pages through the categories agent may read. Total
// counts readable matches only.
func (h *Handler) SearchCategories(ctx context.Context, agent aggregate.Agent, q ListCategories) (readmodel.Page[CategoryReadModel], error) {
	var checkErr error
	page, err := h.categories.Search(ctx, readmodel.Query[CategoryReadModel]{
		Filter: func(c CategoryReadModel) bool {
			if checkErr != nil {
				return false
			}
			if q.ParentID != "" && c.ParentID != q.ParentID {
				return false
			}
			if q.ActiveOnly && !c.IsActive {
				return false
			}
			if q.NamePrefix != "" && !strings.HasPrefix(strings.ToLower(c.Name), strings.ToLower(q.NamePrefix)) {
				return false
			}
			ok, err := h.canRead(ctx, agent, c.ID)
			if err != nil {
				checkErr = err
				return false
			}
			return ok
		},
		Less:   lessBy(q.SortBy),
		Offset: q.Offset,
		Limit:  q.Limit,
	})
	if err != nil {
		return page, err
	}
	if checkErr != nil {
		h.log.Error("permission check failed during search", "agent_id", agent.ID, "error", checkErr)
		return readmodel.Page[CategoryReadModel]{}, checkErr
	}
	return page, nil
}

func (h *Handler) canRead(ctx context.Context, agent aggregate.Agent, id string) (bool, error) {
	switch agent.Type {
	case aggregate.AgentSystem:
		return true, nil
	case aggregate.AgentUser:
		return h.perms.HasPermission(ctx, permission.Permission{
			Holder:   permission.User(agent.ID),
			Action:   permission.ActionRead,
			Resource: permission.Resource{Type: category.AggregateType, ID: id},
		})
	default:
		return false, nil
	}
}

func lessBy(field string) func(a, b CategoryReadModel) bool {
	switch field {
	case "name":
		return func(a, b CategoryReadModel) bool { return a.Name < b.Name }
	case "sort_order":
		return func(a, b CategoryReadModel) bool {
			if a.SortOrder != b.SortOrder {
				return a.SortOrder < b.SortOrder
			}
			return a.Name < b.Name
		}
	default:
		return nil
	}
}
