// Package permission stores Holder x Action x Resource grants and
// propagates every change as a PermissionEvent through the outbox.
package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/example/eventcore/internal/infrastructure/store"
)

var (
	// ErrPermissionDenied is an authorization failure. It is never retried.
	ErrPermissionDenied  = errors.New("permission denied")
	ErrInvalidPermission = errors.New("invalid permission")
)

type HolderType string

const (
	HolderUser  HolderType = "user"
	HolderGroup HolderType = "group"
)

const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionDelete = "delete"
	ActionAdmin  = "admin"
)

type Holder struct {
	Type HolderType `json:"type"`
	ID   string     `json:"id"`
}

func User(id string) Holder {
	return Holder{Type: HolderUser, ID: id}
}

func Group(id string) Holder {
	return Holder{Type: HolderGroup, ID: id}
}

// Resource identifies what a grant covers. An empty ID covers every instance
// of Type.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

func (r Resource) IsWildcard() bool {
	return r.ID == ""
}

type Permission struct {
	Holder   Holder   `json:"holder"`
	Action   string   `json:"action"`
	Resource Resource `json:"resource"`
}

func (p Permission) String() string {
	id := p.Resource.ID
	if id == "" {
		id = "*"
	}
	return fmt.Sprintf("%s:%s %s %s/%s", p.Holder.Type, p.Holder.ID, p.Action, p.Resource.Type, id)
}

func (p Permission) Validate() error {
	switch {
	case p.Holder.Type != HolderUser && p.Holder.Type != HolderGroup:
		return fmt.Errorf("%w: holder type %q", ErrInvalidPermission, p.Holder.Type)
	case p.Holder.ID == "":
		return fmt.Errorf("%w: missing holder id", ErrInvalidPermission)
	case p.Action == "":
		return fmt.Errorf("%w: missing action", ErrInvalidPermission)
	case p.Resource.Type == "":
		return fmt.Errorf("%w: missing resource type", ErrInvalidPermission)
	}
	return nil
}

// wildcard returns the type-level grant that also satisfies p
func (p Permission) wildcard() Permission {
	p.Resource.ID = ""
	return p
}

func sortPermissions(perms []Permission) {
	sort.Slice(perms, func(i, j int) bool { return perms[i].String() < perms[j].String() })
}

// EventType is the kind of a PermissionEvent
type EventType string

const (
	Added   EventType = "ADDED"
	Removed EventType = "REMOVED"
)

// Event announces grants that were added or removed
type Event struct {
	Type        EventType    `json:"type"`
	Permissions []Permission `json:"permissions"`
}

// Topic is the broker topic carrying permission events for a resource type
func Topic(resourceType string) string {
	return "permissions." + resourceType
}

func RoutingKey(t EventType) string {
	switch t {
	case Added:
		return "permissions.added"
	default:
		return "permissions.removed"
	}
}

func DecodeEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode permission event: %w", err)
	}
	if evt.Type != Added && evt.Type != Removed {
		return Event{}, fmt.Errorf("decode permission event: unknown type %q", evt.Type)
	}
	return evt, nil
}

// OutboxFunc builds the outbox entries announcing changed grants. Stores
// write them in the same atomic unit as the change.
type OutboxFunc func(changed []Permission) ([]store.OutboxEntry, error)

// EventsFor returns an OutboxFunc emitting one event of type t per resource
// type touched.
func EventsFor(t EventType) OutboxFunc {
	return func(changed []Permission) ([]store.OutboxEntry, error) {
		if len(changed) == 0 {
			return nil, nil
		}
		byType := make(map[string][]Permission)
		var order []string
		for _, p := range changed {
			if _, seen := byType[p.Resource.Type]; !seen {
				order = append(order, p.Resource.Type)
			}
			byType[p.Resource.Type] = append(byType[p.Resource.Type], p)
		}

		entries := make([]store.OutboxEntry, 0, len(order))
		for _, rt := range order {
			payload, err := json.Marshal(Event{Type: t, Permissions: byType[rt]})
			if err != nil {
				return nil, fmt.Errorf("encode permission event: %w", err)
			}
			entries = append(entries, store.NewOutboxEntry(Topic(rt), RoutingKey(t), rt, payload))
		}
		return entries, nil
	}
}
