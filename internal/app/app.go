// Package app wires the configured infrastructure for the processes under
// cmd/.
package app

import (
	"context"
	"database/sql"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/example/eventcore/internal/changes"
	"github.com/example/eventcore/internal/domain/category"
	"github.com/example/eventcore/internal/infrastructure/broker"
	"github.com/example/eventcore/internal/infrastructure/kafka"
	"github.com/example/eventcore/internal/infrastructure/redis"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/outbox"
	"github.com/example/eventcore/internal/permission"
	"github.com/example/eventcore/internal/platform/config"
	"github.com/example/eventcore/internal/platform/logger"
)

// Bootstrap loads the configuration and the process logger. It exits the
// process when either fails.
func Bootstrap(process string) (config.Config, *logger.Logger) {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("[%s] invalid configuration: %v", process, err)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		stdlog.Fatalf("[%s] failed to create logger: %v", process, err)
	}
	return cfg, log.With("process", process)
}

// SignalContext is cancelled on SIGINT or SIGTERM
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// OpenPostgres connects and applies the schema. Permissions, read models and
// their outbox always live in Postgres.
func OpenPostgres(ctx context.Context, cfg config.Config, log *logger.Logger) (*sql.DB, error) {
	db, err := store.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := store.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("connected to postgres")
	return db, nil
}

// EventLog is an event store together with the outbox it writes to
type EventLog interface {
	store.EventStoreInterface
	store.OutboxStore
}

// OpenEventLog returns the configured event store backend
func OpenEventLog(ctx context.Context, cfg config.Config, db *sql.DB, log *logger.Logger) (EventLog, error) {
	switch cfg.EventStore {
	case config.BackendDynamo:
		client, err := NewDynamoClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		log.Info("using dynamodb event store", "events_table", cfg.DynamoEvents, "outbox_table", cfg.DynamoOutbox)
		return store.NewDynamoEventStore(client, cfg.DynamoEvents, cfg.DynamoOutbox), nil
	default:
		log.Info("using postgres event store")
		return store.NewPostgresEventStore(db), nil
	}
}

// Permissions is the permission service over the Postgres grants table
func Permissions(db *sql.DB, log *logger.Logger) *permission.Service {
	return permission.NewService(permission.NewPostgresStore(db), log)
}

// ChangeTracker builds the category change feed. Read checks go to the
// Postgres grants when each change is delivered.
func ChangeTracker(sub broker.TransientSubscriber, db *sql.DB, log *logger.Logger) *changes.Tracker {
	return changes.NewTracker(sub, Permissions(db, log), log, category.AggregateType)
}

func NewDynamoClient(ctx context.Context, cfg config.Config) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
		}
	}), nil
}

// Publisher is Kafka, fanned out to the Redis live bus when REDIS_ADDR is
// set. The returned function releases both.
func Publisher(ctx context.Context, cfg config.Config, log *logger.Logger) (broker.Publisher, func(), error) {
	producer := kafka.NewProducer(cfg.KafkaBrokers)
	if cfg.RedisAddr == "" {
		return producer, func() { _ = producer.Close() }, nil
	}
	live, err := redis.NewLiveBus(ctx, cfg.RedisAddr, log)
	if err != nil {
		_ = producer.Close()
		return nil, nil, err
	}
	closeAll := func() {
		_ = producer.Close()
		_ = live.Close()
	}
	return broker.NewFanout(log, producer, live), closeAll, nil
}

func RelayConfig(cfg config.Config) outbox.Config {
	return outbox.Config{
		PollInterval:  cfg.RelayPollInterval,
		BatchSize:     cfg.RelayBatchSize,
		Retention:     cfg.RelayRetention,
		PurgeInterval: cfg.RelayPurgeEvery,
	}
}
