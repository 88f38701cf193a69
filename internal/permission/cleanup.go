package permission

import (
	"context"
	"encoding/json"

	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/listener"
)

// Cleanup builds listeners that revoke grants when the resource or holder
// they refer to is deleted.
type Cleanup struct {
	svc *Service
}

func NewCleanup(svc *Service) *Cleanup {
	return &Cleanup{svc: svc}
}

// ForResource revokes every grant on an aggregate of aggregateType once one
// of deletedEvents is seen for it.
func (c *Cleanup) ForResource(name, aggregateType string, deletedEvents ...string) *listener.Listener {
	l := listener.New(name, aggregateType)
	for _, evt := range deletedEvents {
		l.On(evt, func(ctx context.Context, meta aggregate.EventMetadata, _ json.RawMessage) error {
			_, err := c.svc.RemovePermissionsByResource(ctx, Resource{Type: meta.AggregateType, ID: meta.AggregateID})
			return err
		})
	}
	return l
}

// ForHolder revokes every grant held by the deleted aggregate, which is a
// holder of holderType.
func (c *Cleanup) ForHolder(name, aggregateType string, holderType HolderType, deletedEvents ...string) *listener.Listener {
	l := listener.New(name, aggregateType)
	for _, evt := range deletedEvents {
		l.On(evt, func(ctx context.Context, meta aggregate.EventMetadata, _ json.RawMessage) error {
			_, err := c.svc.RemovePermissionsByHolder(ctx, Holder{Type: holderType, ID: meta.AggregateID})
			return err
		})
	}
	return l
}
