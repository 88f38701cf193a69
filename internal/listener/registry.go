package listener

import (
	"context"
	"errors"

	"github.com/example/eventcore/internal/infrastructure/broker"
	"github.com/example/eventcore/internal/platform/logger"
	"golang.org/x/sync/errgroup"
)

// Registry runs durable listeners for the lifetime of the process
type Registry struct {
	sub       broker.Subscriber
	listeners []*Listener
	log       *logger.Logger
}

func NewRegistry(sub broker.Subscriber, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{sub: sub, log: log.With("component", "listener_registry")}
}

func (r *Registry) Register(listeners ...*Listener) {
	r.listeners = append(r.listeners, listeners...)
}

// Run subscribes every listener and blocks until ctx is done or a
// subscription fails.
func (r *Registry) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range r.listeners {
		l := l
		g.Go(func() error {
			r.log.Info("listener started", "listener", l.Name, "topic", l.AggregateType)
			err := r.sub.Subscribe(ctx, l.AggregateType, l.Name, l.Handle)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error("listener stopped", "listener", l.Name, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
