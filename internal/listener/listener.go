// Package listener routes broker deliveries of domain events to handlers.
package listener

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/infrastructure/broker"
)

// HandlerFunc handles one decoded domain event. Handlers must be idempotent:
// deliveries are at-least-once and may arrive out of order.
type HandlerFunc func(ctx context.Context, meta aggregate.EventMetadata, payload json.RawMessage) error

// Listener consumes one aggregate type's topic through a durable queue
// named after the listener.
type Listener struct {
	Name          string
	AggregateType string

	handlers map[string]HandlerFunc
	fallback HandlerFunc
}

func New(name, aggregateType string) *Listener {
	return &Listener{
		Name:          name,
		AggregateType: aggregateType,
		handlers:      make(map[string]HandlerFunc),
	}
}

// On registers h for one event name
func (l *Listener) On(eventName string, h HandlerFunc) *Listener {
	l.handlers[eventName] = h
	return l
}

// OnAny registers h for every event name without its own handler
func (l *Listener) OnAny(h HandlerFunc) *Listener {
	l.fallback = h
	return l
}

// Handle is the broker.Handler of the listener. Undecodable payloads are
// permanent failures; events nobody handles are acknowledged.
func (l *Listener) Handle(ctx context.Context, msg broker.Message) error {
	env, err := aggregate.DecodeEnvelope(msg.Payload)
	if err != nil {
		return broker.Permanent(fmt.Errorf("%s: %w", l.Name, err))
	}
	h, ok := l.handlers[env.Metadata.EventName]
	if !ok {
		h = l.fallback
	}
	if h == nil {
		return nil
	}
	return h(ctx, env.Metadata, env.Event)
}

// Typed adapts a handler for a single event type. The payload is decoded
// with codec; a payload the codec cannot decode is a permanent failure.
func Typed[E aggregate.Event](codec *aggregate.Codec, fn func(ctx context.Context, meta aggregate.EventMetadata, evt E) error) HandlerFunc {
	return func(ctx context.Context, meta aggregate.EventMetadata, payload json.RawMessage) error {
		decoded, err := codec.Decode(meta.EventName, payload)
		if err != nil {
			return broker.Permanent(err)
		}
		evt, ok := decoded.(E)
		if !ok {
			return broker.Permanent(fmt.Errorf("%w: %s decoded to %T", aggregate.ErrUnknownEvent, meta.EventName, decoded))
		}
		return fn(ctx, meta, evt)
	}
}
