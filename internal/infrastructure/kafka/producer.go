package kafka

import (
	"context"
	"time"

	"github.com/example/eventcore/internal/infrastructure/broker"
	"github.com/segmentio/kafka-go"
)

const routingKeyHeader = "routing-key"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes broker messages to the topic named by each message.
// WriteMessages returns only after every in-sync replica acknowledged.
type Producer struct {
	writer messageWriter
}

func NewProducer(brokers []string) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Producer{writer: writer}
}

func (p *Producer) Publish(ctx context.Context, msgs ...broker.Message) error {
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toKafkaMessage(m))
	}
	return p.writer.WriteMessages(ctx, out...)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func toKafkaMessage(m broker.Message) kafka.Message {
	ts := m.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return kafka.Message{
		Topic:   m.Topic,
		Key:     []byte(m.Key),
		Value:   m.Payload,
		Time:    ts,
		Headers: []kafka.Header{{Key: routingKeyHeader, Value: []byte(m.RoutingKey)}},
	}
}

func fromKafkaMessage(m kafka.Message) broker.Message {
	out := broker.Message{
		Topic:   m.Topic,
		Key:     string(m.Key),
		Payload: m.Value,
		Time:    m.Time,
	}
	for _, h := range m.Headers {
		if h.Key == routingKeyHeader {
			out.RoutingKey = string(h.Value)
		}
	}
	return out
}
