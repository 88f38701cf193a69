// Package changes streams, per receiver, the live changes the receiver is
// allowed to see.
package changes

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/example/eventcore/internal/infrastructure/broker"
	"github.com/example/eventcore/internal/listener"
	"github.com/example/eventcore/internal/permission"
	"github.com/example/eventcore/internal/platform/logger"
)

var ErrNoResourceTypes = errors.New("tracker needs at least one resource type")

const (
	PermissionsAdded   = "PermissionsAdded"
	PermissionsRemoved = "PermissionsRemoved"
)

// Change is one entry of a receiver's feed. Type is the domain event name or
// PermissionsAdded/PermissionsRemoved.
type Change struct {
	Type         string          `json:"type"`
	ResourceType string          `json:"resourceType"`
	ResourceIDs  []string        `json:"resourceIds"`
	Payload      json.RawMessage `json:"payload"`
}

// PermissionChecker answers access questions at delivery time. Both
// permission.Service and permission.Replica satisfy it.
type PermissionChecker interface {
	HasPermission(ctx context.Context, p permission.Permission) (bool, error)
}

// Tracker merges the live domain topics of some resource types with their
// live permission topics. Nothing is persisted per receiver: a feed only
// carries what is published while it is open.
type Tracker struct {
	sub           broker.TransientSubscriber
	perms         PermissionChecker
	resourceTypes []string
	log           *logger.Logger
}

func NewTracker(sub broker.TransientSubscriber, perms PermissionChecker, log *logger.Logger, resourceTypes ...string) *Tracker {
	if log == nil {
		log = logger.Nop()
	}
	return &Tracker{
		sub:           sub,
		perms:         perms,
		resourceTypes: resourceTypes,
		log:           log.With("component", "changes_tracker"),
	}
}

// GetChanges opens the feed of receiver, a user id. The channel closes once
// ctx is done.
func (t *Tracker) GetChanges(ctx context.Context, receiver string) (<-chan Change, error) {
	if len(t.resourceTypes) == 0 {
		return nil, ErrNoResourceTypes
	}
	ctx, cancel := context.WithCancel(ctx)
	log := t.log.With("receiver", receiver)

	out := make(chan Change)
	var wg sync.WaitGroup
	for _, rt := range t.resourceTypes {
		rt := rt
		events, err := listener.Transient(ctx, t.sub, rt, log)
		if err != nil {
			cancel()
			return nil, err
		}
		grants, err := t.sub.SubscribeTransient(ctx, permission.Topic(rt))
		if err != nil {
			cancel()
			return nil, err
		}

		wg.Add(2)
		go func() {
			defer wg.Done()
			for d := range events {
				if c, ok := t.domainChange(ctx, receiver, d); ok {
					if !send(ctx, out, c) {
						return
					}
				}
			}
		}()
		go func() {
			defer wg.Done()
			for msg := range grants {
				if c, ok := t.permissionChange(receiver, rt, msg, log); ok {
					if !send(ctx, out, c) {
						return
					}
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		cancel()
		close(out)
	}()
	return out, nil
}

// domainChange keeps events the receiver caused or may read
func (t *Tracker) domainChange(ctx context.Context, receiver string, d listener.Delivery) (Change, bool) {
	meta := d.Metadata
	visible := meta.Agent.IsUser() && meta.Agent.ID == receiver
	if !visible {
		ok, err := t.perms.HasPermission(ctx, permission.Permission{
			Holder:   permission.User(receiver),
			Action:   permission.ActionRead,
			Resource: permission.Resource{Type: meta.AggregateType, ID: meta.AggregateID},
		})
		if err != nil {
			if ctx.Err() == nil {
				t.log.Warn("permission check failed, change withheld",
					"receiver", receiver,
					"aggregate_type", meta.AggregateType,
					"aggregate_id", meta.AggregateID,
					"error", err,
				)
			}
			return Change{}, false
		}
		visible = ok
	}
	if !visible {
		return Change{}, false
	}
	return Change{
		Type:         meta.EventName,
		ResourceType: meta.AggregateType,
		ResourceIDs:  []string{meta.AggregateID},
		Payload:      d.Payload,
	}, true
}

// permissionChange keeps the part of a permission event that names receiver
func (t *Tracker) permissionChange(receiver, resourceType string, msg broker.Message, log *logger.Logger) (Change, bool) {
	evt, err := permission.DecodeEvent(msg.Payload)
	if err != nil {
		log.Warn("skipping malformed permission event", "topic", msg.Topic, "error", err)
		return Change{}, false
	}

	holder := permission.User(receiver)
	var mine []permission.Permission
	var ids []string
	for _, p := range evt.Permissions {
		if p.Holder != holder {
			continue
		}
		mine = append(mine, p)
		if p.Resource.ID != "" {
			ids = appendUnique(ids, p.Resource.ID)
		}
	}
	if len(mine) == 0 {
		return Change{}, false
	}

	payload, err := json.Marshal(permission.Event{Type: evt.Type, Permissions: mine})
	if err != nil {
		log.Warn("encode permission change", "error", err)
		return Change{}, false
	}
	changeType := PermissionsAdded
	if evt.Type == permission.Removed {
		changeType = PermissionsRemoved
	}
	return Change{
		Type:         changeType,
		ResourceType: resourceType,
		ResourceIDs:  ids,
		Payload:      payload,
	}, true
}

func send(ctx context.Context, out chan<- Change, c Change) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
