package listener

import (
	"context"
	"encoding/json"

	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/infrastructure/broker"
	"github.com/example/eventcore/internal/platform/logger"
)

// Delivery is a decoded live event
type Delivery struct {
	Metadata aggregate.EventMetadata
	Payload  json.RawMessage
}

// Transient streams events published on topic while ctx is alive. Nothing is
// persisted; malformed payloads are skipped. The channel closes with ctx.
func Transient(ctx context.Context, sub broker.TransientSubscriber, topic string, log *logger.Logger) (<-chan Delivery, error) {
	if log == nil {
		log = logger.Nop()
	}
	msgs, err := sub.SubscribeTransient(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for msg := range msgs {
			env, err := aggregate.DecodeEnvelope(msg.Payload)
			if err != nil {
				log.Warn("skipping malformed live event", "topic", topic, "error", err)
				continue
			}
			select {
			case out <- Delivery{Metadata: env.Metadata, Payload: env.Event}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
