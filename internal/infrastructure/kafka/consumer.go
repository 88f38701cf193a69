package kafka

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/eventcore/internal/infrastructure/broker"
	"github.com/example/eventcore/internal/platform/logger"
	"github.com/segmentio/kafka-go"
)

const (
	deadLetterSuffix  = ".dlq"
	errorHeader       = "error"
	attemptsHeader    = "attempts"
	sourceTopicHeader = "source-topic"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer implements broker.Subscriber with Kafka consumer groups. The
// queue name is the group id; offsets are committed only after a delivery
// was handled or dead-lettered to "<queue>.dlq".
type Consumer struct {
	brokers    []string
	maxRetries int
	backoff    time.Duration
	deadLetter messageWriter
	log        *logger.Logger
	newReader  func(topic, groupID string) messageReader
}

func NewConsumer(brokers []string, maxRetries int, log *logger.Logger) *Consumer {
	if log == nil {
		log = logger.Nop()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	c := &Consumer{
		brokers:    brokers,
		maxRetries: maxRetries,
		backoff:    200 * time.Millisecond,
		log:        log.With("component", "kafka_consumer"),
		deadLetter: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
	c.newReader = func(topic, groupID string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  c.brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 10e3, // 10KB
			MaxBytes: 10e6, // 10MB
		})
	}
	return c
}

func (c *Consumer) Subscribe(ctx context.Context, topic, queue string, h broker.Handler) error {
	reader := c.newReader(topic, queue)
	defer reader.Close()

	log := c.log.With("topic", topic, "queue", queue)
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff):
			}
			continue
		}

		if err := c.handle(ctx, queue, msg, h); err != nil {
			// ctx ended mid-delivery; the uncommitted offset is redelivered
			return err
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("commit failed", "offset", msg.Offset, "error", err)
		}
	}
}

// handle retries h and dead-letters the message once retries run out. It
// returns an error only when ctx ended first.
func (c *Consumer) handle(ctx context.Context, queue string, msg kafka.Message, h broker.Handler) error {
	delivery := fromKafkaMessage(msg)
	var err error
	attempts := 0
	for attempts <= c.maxRetries {
		attempts++
		if err = h(ctx, delivery); err == nil {
			return nil
		}
		if broker.IsPermanent(err) {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempts <= c.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff * time.Duration(attempts)):
			}
		}
	}

	c.log.Warn("delivery dead-lettered",
		"queue", queue,
		"topic", msg.Topic,
		"offset", msg.Offset,
		"attempts", attempts,
		"error", err,
	)
	return c.sendToDeadLetter(ctx, queue, msg, attempts, err)
}

func (c *Consumer) sendToDeadLetter(ctx context.Context, queue string, msg kafka.Message, attempts int, cause error) error {
	dl := kafka.Message{
		Topic: queue + deadLetterSuffix,
		Key:   msg.Key,
		Value: msg.Value,
		Time:  time.Now(),
		Headers: append(append([]kafka.Header(nil), msg.Headers...),
			kafka.Header{Key: errorHeader, Value: []byte(cause.Error())},
			kafka.Header{Key: attemptsHeader, Value: []byte(strconv.Itoa(attempts))},
			kafka.Header{Key: sourceTopicHeader, Value: []byte(msg.Topic)},
		),
	}
	for {
		err := c.deadLetter.WriteMessages(ctx, dl)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Error("dead-letter write failed", "queue", queue, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}
}

func (c *Consumer) Close() error {
	if err := c.deadLetter.Close(); err != nil {
		return fmt.Errorf("close dead-letter writer: %w", err)
	}
	return nil
}

// IsDeadLetterTopic reports whether topic holds dead letters
func IsDeadLetterTopic(topic string) bool {
	return strings.HasSuffix(topic, deadLetterSuffix)
}
