// Package command checks who may do what before handing commands to the
// aggregate services.
package command

import (
	"context"
	"fmt"

	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/domain/category"
	"github.com/example/eventcore/internal/permission"
	"github.com/example/eventcore/internal/platform/logger"
	"github.com/google/uuid"
)

// OwnerActions are granted on a category to the user who created it
var OwnerActions = []string{
	permission.ActionRead,
	permission.ActionWrite,
	permission.ActionDelete,
	permission.ActionAdmin,
}

type Handler struct {
	categories *aggregate.Service[*category.Category]
	perms      *permission.Service
	log        *logger.Logger
	newID      func() string
}

func NewHandler(categories *aggregate.Service[*category.Category], perms *permission.Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		categories: categories,
		perms:      perms,
		log:        log.With("component", "command_handler"),
		newID:      func() string { return uuid.New().String() },
	}
}

// CreateCategory creates a category and makes a user agent its owner.
// The read model is updated asynchronously by the projector.
func (h *Handler) CreateCategory(ctx context.Context, agent aggregate.Agent, cmd CreateCategory) (aggregate.Result[*category.Category], error) {
	if agent.Type == aggregate.AgentAnonymous || agent.ID == "" {
		return aggregate.Result[*category.Category]{}, fmt.Errorf("%w: anonymous agents cannot create categories", permission.ErrPermissionDenied)
	}

	id := h.newID()
	res, err := h.categories.DispatchToLatest(ctx, id, agent, cmd.toDomain())
	if err != nil {
		return res, err
	}

	if agent.IsUser() {
		grants := make([]permission.Permission, 0, len(OwnerActions))
		for _, action := range OwnerActions {
			grants = append(grants, categoryPermission(agent.ID, action, id))
		}
		if _, err := h.perms.AddPermissions(ctx, grants...); err != nil {
			h.log.Error("owner permissions not granted", "category_id", id, "agent_id", agent.ID, "error", err)
			return res, fmt.Errorf("grant owner permissions on %s: %w", id, err)
		}
	}
	return res, nil
}

// UpdateCategory requires write on the category
func (h *Handler) UpdateCategory(ctx context.Context, agent aggregate.Agent, cmd UpdateCategory) (aggregate.Result[*category.Category], error) {
	if err := h.authorize(ctx, agent, permission.ActionWrite, cmd.CategoryID); err != nil {
		return aggregate.Result[*category.Category]{}, err
	}
	return h.categories.Dispatch(ctx, cmd.CategoryID, cmd.ExpectedVersion, agent, cmd.toDomain())
}

// DeleteCategory requires delete on the category. Grants on it are revoked
// by the cleanup listener once the deletion is delivered.
func (h *Handler) DeleteCategory(ctx context.Context, agent aggregate.Agent, cmd DeleteCategory) (aggregate.Result[*category.Category], error) {
	if err := h.authorize(ctx, agent, permission.ActionDelete, cmd.CategoryID); err != nil {
		return aggregate.Result[*category.Category]{}, err
	}
	return h.categories.Dispatch(ctx, cmd.CategoryID, cmd.ExpectedVersion, agent, category.Delete{})
}

// CollapseCategory rewrites the category's history into one anonymized
// snapshot. It requires admin.
func (h *Handler) CollapseCategory(ctx context.Context, agent aggregate.Agent, cmd CollapseCategory) (aggregate.Result[*category.Category], error) {
	if err := h.authorize(ctx, agent, permission.ActionAdmin, cmd.CategoryID); err != nil {
		return aggregate.Result[*category.Category]{}, err
	}
	return h.categories.CollapseEvents(ctx, cmd.CategoryID, agent)
}

// ShareCategory grants actions on the category to another holder. It
// requires admin.
func (h *Handler) ShareCategory(ctx context.Context, agent aggregate.Agent, cmd ShareCategory) ([]permission.Permission, error) {
	grants, err := h.sharing(ctx, agent, cmd.CategoryID, cmd.Holder, cmd.Actions)
	if err != nil {
		return nil, err
	}
	return h.perms.AddPermissions(ctx, grants...)
}

func (h *Handler) UnshareCategory(ctx context.Context, agent aggregate.Agent, cmd UnshareCategory) ([]permission.Permission, error) {
	grants, err := h.sharing(ctx, agent, cmd.CategoryID, cmd.Holder, cmd.Actions)
	if err != nil {
		return nil, err
	}
	return h.perms.RemovePermissions(ctx, grants...)
}

func (h *Handler) sharing(ctx context.Context, agent aggregate.Agent, categoryID string, holder permission.Holder, actions []string) ([]permission.Permission, error) {
	if err := h.authorize(ctx, agent, permission.ActionAdmin, categoryID); err != nil {
		return nil, err
	}
	if _, _, err := h.categories.Get(ctx, categoryID); err != nil {
		return nil, err
	}
	grants := make([]permission.Permission, 0, len(actions))
	for _, action := range actions {
		grants = append(grants, permission.Permission{
			Holder:   holder,
			Action:   action,
			Resource: permission.Resource{Type: category.AggregateType, ID: categoryID},
		})
	}
	return grants, nil
}

// authorize lets system agents through and checks users against the
// permission store.
func (h *Handler) authorize(ctx context.Context, agent aggregate.Agent, action, categoryID string) error {
	switch agent.Type {
	case aggregate.AgentSystem:
		return nil
	case aggregate.AgentUser:
		return h.perms.AssertHasPermission(ctx, categoryPermission(agent.ID, action, categoryID))
	default:
		return fmt.Errorf("%w: %s agents cannot %s categories", permission.ErrPermissionDenied, agent.Type, action)
	}
}

func categoryPermission(userID, action, categoryID string) permission.Permission {
	return permission.Permission{
		Holder:   permission.User(userID),
		Action:   action,
		Resource: permission.Resource{Type: category.AggregateType, ID: categoryID},
	}
}
