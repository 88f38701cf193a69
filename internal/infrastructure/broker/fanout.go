package broker

import (
	"context"

	"github.com/example/eventcore/internal/platform/logger"
)

// Fanout publishes to a durable primary and mirrors to best-effort live
// publishers. Only the primary's result is reported.
type Fanout struct {
	primary Publisher
	live    []Publisher
	log     *logger.Logger
}

func NewFanout(log *logger.Logger, primary Publisher, live ...Publisher) *Fanout {
	if log == nil {
		log = logger.Nop()
	}
	return &Fanout{primary: primary, live: live, log: log.With("component", "fanout")}
}

func (f *Fanout) Publish(ctx context.Context, msgs ...Message) error {
	if err := f.primary.Publish(ctx, msgs...); err != nil {
		return err
	}
	for _, p := range f.live {
		if err := p.Publish(ctx, msgs...); err != nil {
			f.log.Warn("live publish failed", "messages", len(msgs), "error", err)
		}
	}
	return nil
}
