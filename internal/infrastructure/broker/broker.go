package broker

import (
	"context"
	"errors"
	"time"
)

// Message is a unit of delivery. Topic is the aggregate type (or
// permissions.<type>), Key the partition key, RoutingKey the event route.
type Message struct {
	Topic      string
	Key        string
	RoutingKey string
	Payload    []byte
	Time       time.Time
}

// Handler processes one delivery. Returning an error asks for a retry unless
// the error is Permanent.
type Handler func(ctx context.Context, msg Message) error

// Publisher hands messages to the broker. A nil error means the broker
// acknowledged every message.
type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
}

// Subscriber consumes a topic through a durable named queue. Subscribe
// blocks until ctx is done. Failed deliveries are retried a bounded number
// of times and then dead-lettered.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, queue string, h Handler) error
}

// TransientSubscriber delivers only messages published while subscribed.
// The channel is closed once ctx is done; nothing outlives the subscription.
type TransientSubscriber interface {
	SubscribeTransient(ctx context.Context, topic string) (<-chan Message, error)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The delivery goes straight to
// the dead-letter path.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
