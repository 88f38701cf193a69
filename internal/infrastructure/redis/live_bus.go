// Package redis carries live, non-durable deliveries over Redis pub/sub.
// Subscribers only see messages published while they are subscribed.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/example/eventcore/internal/infrastructure/broker"
	"github.com/example/eventcore/internal/platform/logger"
)

const (
	defaultChannelPrefix = "live."
	subscriberBuffer     = 64
)

// LiveBus implements broker.Publisher and broker.TransientSubscriber
type LiveBus struct {
	log    *logger.Logger
	rdb    *goredis.Client
	prefix string
}

type wireMessage struct {
	Topic      string    `json:"topic"`
	Key        string    `json:"key"`
	RoutingKey string    `json:"routingKey"`
	Payload    []byte    `json:"payload"`
	Time       time.Time `json:"time"`
}

func NewLiveBus(ctx context.Context, addr string, log *logger.Logger) (*LiveBus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &LiveBus{
		log:    log.With("component", "redis_live_bus"),
		rdb:    rdb,
		prefix: defaultChannelPrefix,
	}, nil
}

func (b *LiveBus) channel(topic string) string {
	return b.prefix + topic
}

func (b *LiveBus) Publish(ctx context.Context, msgs ...broker.Message) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis live bus not initialized")
	}
	for _, m := range msgs {
		raw, err := encodeMessage(m)
		if err != nil {
			return err
		}
		if err := b.rdb.Publish(ctx, b.channel(m.Topic), raw).Err(); err != nil {
			return fmt.Errorf("redis publish %s: %w", m.Topic, err)
		}
	}
	return nil
}

func (b *LiveBus) SubscribeTransient(ctx context.Context, topic string) (<-chan broker.Message, error) {
	if b == nil || b.rdb == nil {
		return nil, fmt.Errorf("redis live bus not initialized")
	}

	sub := b.rdb.Subscribe(ctx, b.channel(topic))
	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan broker.Message, subscriberBuffer)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				msg, err := decodeMessage([]byte(m.Payload))
				if err != nil {
					b.log.Warn("bad redis live payload", "channel", m.Channel, "error", err)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *LiveBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

func encodeMessage(m broker.Message) ([]byte, error) {
	if m.Time.IsZero() {
		m.Time = time.Now().UTC()
	}
	return json.Marshal(wireMessage{
		Topic:      m.Topic,
		Key:        m.Key,
		RoutingKey: m.RoutingKey,
		Payload:    m.Payload,
		Time:       m.Time,
	})
}

func decodeMessage(raw []byte) (broker.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return broker.Message{}, err
	}
	return broker.Message{
		Topic:      w.Topic,
		Key:        w.Key,
		RoutingKey: w.RoutingKey,
		Payload:    w.Payload,
		Time:       w.Time,
	}, nil
}
