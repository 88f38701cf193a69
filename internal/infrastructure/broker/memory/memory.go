// Package memory is an in-process broker with the delivery semantics of the
// Kafka adapter: durable named queues, bounded retries, dead letters, and
// live transient subscriptions.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/example/eventcore/internal/infrastructure/broker"
	"github.com/example/eventcore/internal/platform/logger"
)

const transientBuffer = 64

// DeadLetter is a delivery that exhausted its retries
type DeadLetter struct {
	Queue    string
	Message  broker.Message
	Attempts int
	Err      string
}

type topic struct {
	log       []broker.Message
	offsets   map[string]int // queue -> next offset
	notify    chan struct{}  // closed and replaced on every publish
	transient map[chan broker.Message]struct{}
}

// Broker keeps every published message per topic. A queue subscribing for
// the first time starts from the oldest message.
type Broker struct {
	mu          sync.Mutex
	topics      map[string]*topic
	deadLetters []DeadLetter
	maxRetries  int
	backoff     time.Duration
	log         *logger.Logger
}

type Option func(*Broker)

// WithMaxRetries sets how many times a failed delivery is retried
func WithMaxRetries(n int) Option {
	return func(b *Broker) { b.maxRetries = n }
}

func WithBackoff(d time.Duration) Option {
	return func(b *Broker) { b.backoff = d }
}

func New(log *logger.Logger, opts ...Option) *Broker {
	if log == nil {
		log = logger.Nop()
	}
	b := &Broker{
		topics:     make(map[string]*topic),
		maxRetries: 3,
		log:        log.With("component", "memory_broker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxRetries < 0 {
		b.maxRetries = 0
	}
	return b
}

func (b *Broker) topic(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{
			offsets:   make(map[string]int),
			notify:    make(chan struct{}),
			transient: make(map[chan broker.Message]struct{}),
		}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) Publish(ctx context.Context, msgs ...broker.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	touched := make(map[*topic]struct{})
	for _, msg := range msgs {
		if msg.Time.IsZero() {
			msg.Time = time.Now().UTC()
		}
		t := b.topic(msg.Topic)
		t.log = append(t.log, msg)
		touched[t] = struct{}{}
		for ch := range t.transient {
			select {
			case ch <- msg:
			default:
				b.log.Warn("transient subscriber lagging, message dropped", "topic", msg.Topic)
			}
		}
	}
	for t := range touched {
		close(t.notify)
		t.notify = make(chan struct{})
	}
	return nil
}

// Subscribe consumes topic through queue until ctx is done. Subscribers
// sharing a queue compete for messages.
func (b *Broker) Subscribe(ctx context.Context, topicName, queue string, h broker.Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, offset, wait := b.next(topicName, queue)
		if wait != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wait:
				continue
			}
		}
		if !b.deliver(ctx, queue, msg, h) {
			b.release(topicName, queue, offset)
			return ctx.Err()
		}
	}
}

// next claims the queue's next message, or returns a channel that is closed
// when the topic receives more.
func (b *Broker) next(topicName, queue string) (broker.Message, int, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(topicName)
	offset := t.offsets[queue]
	if offset >= len(t.log) {
		return broker.Message{}, offset, t.notify
	}
	t.offsets[queue] = offset + 1
	return t.log[offset], offset, nil
}

// release hands an unfinished message back to the queue if nobody claimed
// a later one meanwhile.
func (b *Broker) release(topicName, queue string, offset int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(topicName)
	if t.offsets[queue] == offset+1 {
		t.offsets[queue] = offset
	}
}

// deliver runs h with retries. It reports false when ctx ended before the
// message was either handled or dead-lettered.
func (b *Broker) deliver(ctx context.Context, queue string, msg broker.Message, h broker.Handler) bool {
	var err error
	attempts := 0
	for attempts <= b.maxRetries {
		attempts++
		if err = h(ctx, msg); err == nil {
			return true
		}
		if broker.IsPermanent(err) || ctx.Err() != nil {
			break
		}
		if b.backoff > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(b.backoff * time.Duration(attempts)):
			}
		}
	}
	if ctx.Err() != nil && !broker.IsPermanent(err) {
		return false
	}

	b.log.Warn("delivery dead-lettered",
		"queue", queue,
		"topic", msg.Topic,
		"routing_key", msg.RoutingKey,
		"attempts", attempts,
		"error", err,
	)
	b.mu.Lock()
	b.deadLetters = append(b.deadLetters, DeadLetter{
		Queue:    queue,
		Message:  msg,
		Attempts: attempts,
		Err:      err.Error(),
	})
	b.mu.Unlock()
	return true
}

func (b *Broker) SubscribeTransient(ctx context.Context, topicName string) (<-chan broker.Message, error) {
	ch := make(chan broker.Message, transientBuffer)

	b.mu.Lock()
	b.topic(topicName).transient[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.topic(topicName).transient, ch)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// DeadLetters returns the dead-lettered deliveries of queue, or of every
// queue when queue is empty.
func (b *Broker) DeadLetters(queue string) []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []DeadLetter
	for _, dl := range b.deadLetters {
		if queue == "" || dl.Queue == queue {
			out = append(out, dl)
		}
	}
	return out
}

// Published returns every message published to topic
func (b *Broker) Published(topicName string) []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Message(nil), b.topic(topicName).log...)
}
