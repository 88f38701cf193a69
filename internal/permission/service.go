package permission

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/eventcore/internal/platform/logger"
	"github.com/example/eventcore/internal/platform/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Service is the write side of the permission model. Every mutation is
// announced on the permission topic of the affected resource types.
type Service struct {
	store Store
	log   *logger.Logger
}

func NewService(st Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{store: st, log: log.With("component", "permissions")}
}

// AddPermissions grants perms. Grants that already exist are skipped and not
// announced again. It returns the grants that were new.
func (s *Service) AddPermissions(ctx context.Context, perms ...Permission) (added []Permission, err error) {
	if err := validateAll(perms); err != nil {
		return nil, err
	}
	ctx, end := tracing.TrackOperation(ctx, "permissions.add", attribute.Int("permission.count", len(perms)))
	defer func() { end(err) }()

	added, err = s.store.Add(ctx, perms, EventsFor(Added))
	if err != nil {
		return nil, fmt.Errorf("add permissions: %w", err)
	}
	s.logChange("permissions added", added)
	return added, nil
}

// RemovePermissions revokes exactly perms. A wildcard grant is only removed
// by naming it.
func (s *Service) RemovePermissions(ctx context.Context, perms ...Permission) (removed []Permission, err error) {
	if err := validateAll(perms); err != nil {
		return nil, err
	}
	ctx, end := tracing.TrackOperation(ctx, "permissions.remove", attribute.Int("permission.count", len(perms)))
	defer func() { end(err) }()

	removed, err = s.store.Remove(ctx, perms, EventsFor(Removed))
	if err != nil {
		return nil, fmt.Errorf("remove permissions: %w", err)
	}
	s.logChange("permissions removed", removed)
	return removed, nil
}

// RemovePermissionsByHolder revokes every grant of holder, wildcard or not
func (s *Service) RemovePermissionsByHolder(ctx context.Context, holder Holder) (removed []Permission, err error) {
	if holder.ID == "" {
		return nil, fmt.Errorf("%w: missing holder id", ErrInvalidPermission)
	}
	ctx, end := tracing.TrackOperation(ctx, "permissions.remove_by_holder",
		attribute.String("holder.type", string(holder.Type)),
		attribute.String("holder.id", holder.ID),
	)
	defer func() { end(err) }()

	removed, err = s.store.RemoveByHolder(ctx, holder, EventsFor(Removed))
	if err != nil {
		return nil, fmt.Errorf("remove permissions of %s:%s: %w", holder.Type, holder.ID, err)
	}
	s.logChange("holder permissions removed", removed)
	return removed, nil
}

// RemovePermissionsByResource revokes every grant on resource. For an
// instance resource the type-level grants are left alone.
func (s *Service) RemovePermissionsByResource(ctx context.Context, resource Resource) (removed []Permission, err error) {
	if resource.Type == "" {
		return nil, fmt.Errorf("%w: missing resource type", ErrInvalidPermission)
	}
	ctx, end := tracing.TrackOperation(ctx, "permissions.remove_by_resource",
		attribute.String("resource.type", resource.Type),
		attribute.String("resource.id", resource.ID),
	)
	defer func() { end(err) }()

	removed, err = s.store.RemoveByResource(ctx, resource, EventsFor(Removed))
	if err != nil {
		return nil, fmt.Errorf("remove permissions on %s/%s: %w", resource.Type, resource.ID, err)
	}
	s.logChange("resource permissions removed", removed)
	return removed, nil
}

func (s *Service) HasPermission(ctx context.Context, p Permission) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	return s.store.Has(ctx, p)
}

// AssertHasPermission returns an error wrapping ErrPermissionDenied when p is
// not granted.
func (s *Service) AssertHasPermission(ctx context.Context, p Permission) error {
	return assertHas(ctx, s.store, p)
}

func (s *Service) PermissionsOf(ctx context.Context, holder Holder) ([]Permission, error) {
	return s.store.ListByHolder(ctx, holder)
}

func (s *Service) logChange(msg string, changed []Permission) {
	if len(changed) == 0 {
		return
	}
	grants := make([]string, len(changed))
	for i, p := range changed {
		grants[i] = p.String()
	}
	s.log.Info(msg, "count", len(changed), "grants", grants)
}

func assertHas(ctx context.Context, st Store, p Permission) error {
	if err := p.Validate(); err != nil {
		return err
	}
	ok, err := st.Has(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, p)
	}
	return nil
}

func validateAll(perms []Permission) error {
	var errs []error
	for _, p := range perms {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
