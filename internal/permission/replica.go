package permission

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/eventcore/internal/infrastructure/broker"
	"github.com/example/eventcore/internal/platform/logger"
	"golang.org/x/sync/errgroup"
)

// Replica mirrors grants from permission events into a local Store so that a
// dependent module can check access without calling the owning service.
// Grants become visible once the announcing event has been consumed.
type Replica struct {
	store Store
	log   *logger.Logger
}

func NewReplica(st Store, log *logger.Logger) *Replica {
	if log == nil {
		log = logger.Nop()
	}
	return &Replica{store: st, log: log.With("component", "permission_replica")}
}

// Apply folds one event into the local store. Applying the same event twice
// is harmless.
func (r *Replica) Apply(ctx context.Context, evt Event) error {
	var err error
	switch evt.Type {
	case Added:
		_, err = r.store.Add(ctx, evt.Permissions, nil)
	case Removed:
		_, err = r.store.Remove(ctx, evt.Permissions, nil)
	default:
		return fmt.Errorf("apply permission event: unknown type %q", evt.Type)
	}
	return err
}

// Handle is the broker.Handler of the replica
func (r *Replica) Handle(ctx context.Context, msg broker.Message) error {
	evt, err := DecodeEvent(msg.Payload)
	if err != nil {
		return broker.Permanent(err)
	}
	if err := r.Apply(ctx, evt); err != nil {
		return err
	}
	r.log.Debug("permission event applied", "type", evt.Type, "count", len(evt.Permissions), "topic", msg.Topic)
	return nil
}

// Run consumes the permission topics of resourceTypes through queue until
// ctx is done.
func (r *Replica) Run(ctx context.Context, sub broker.Subscriber, queue string, resourceTypes ...string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, rt := range resourceTypes {
		topic := Topic(rt)
		g.Go(func() error {
			err := sub.Subscribe(ctx, topic, queue, r.Handle)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("replica %s: %w", topic, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Replica) HasPermission(ctx context.Context, p Permission) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	return r.store.Has(ctx, p)
}

func (r *Replica) AssertHasPermission(ctx context.Context, p Permission) error {
	return assertHas(ctx, r.store, p)
}
