// Package outbox drains pending outbox entries to the broker.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/eventcore/internal/infrastructure/broker"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/platform/logger"
	"github.com/example/eventcore/internal/platform/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	PollInterval  time.Duration
	BatchSize     int
	Retention     time.Duration
	PurgeInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = time.Hour
	}
	return c
}

// Relay publishes pending entries and marks them sent once the broker
// acknowledged them. Failed entries stay pending and are retried on the next
// poll, indefinitely.
type Relay struct {
	store store.OutboxStore
	pub   broker.Publisher
	cfg   Config
	log   *logger.Logger
	now   func() time.Time
}

func NewRelay(st store.OutboxStore, pub broker.Publisher, cfg Config, log *logger.Logger) *Relay {
	if log == nil {
		log = logger.Nop()
	}
	return &Relay{
		store: st,
		pub:   pub,
		cfg:   cfg.withDefaults(),
		log:   log.With("component", "outbox_relay"),
		now:   time.Now,
	}
}

// Run polls and purges until ctx is done
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("relay started",
		"poll_interval", r.cfg.PollInterval,
		"batch_size", r.cfg.BatchSize,
		"retention", r.cfg.Retention,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.every(ctx, r.cfg.PollInterval, func() {
			r.drainAll(ctx)
		})
	})
	g.Go(func() error {
		return r.every(ctx, r.cfg.PurgeInterval, func() {
			if _, err := r.Purge(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("purge failed", "error", err)
			}
		})
	})

	err := g.Wait()
	r.log.Info("relay stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Relay) every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	fn()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn()
		}
	}
}

// drainAll keeps draining while full batches are delivered cleanly
func (r *Relay) drainAll(ctx context.Context) {
	for ctx.Err() == nil {
		sent, failed, err := r.Drain(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Error("drain failed", "error", err)
			}
			return
		}
		if failed > 0 || sent < r.cfg.BatchSize {
			return
		}
	}
}

// partition identifies the entries whose relative order consumers rely on
type partition struct {
	target string
	key    string
}

// Drain runs one pass over at most BatchSize pending entries. It returns how
// many were sent and how many failed to publish. Once an entry fails, later
// entries of the same target and key wait for the next pass so they are
// never published ahead of it.
func (r *Relay) Drain(ctx context.Context) (sent, failed int, err error) {
	entries, err := r.store.FetchPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch pending: %w", err)
	}

	blocked := make(map[partition]bool)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return sent, failed, ctx.Err()
		}
		part := partition{target: entry.Target, key: entry.Key}
		if blocked[part] {
			continue
		}
		if err := r.publish(ctx, entry); err != nil {
			failed++
			blocked[part] = true
			r.log.Warn("publish failed, entry stays pending",
				"entry_id", entry.ID,
				"target", entry.Target,
				"routing_key", entry.RoutingKey,
				"attempts", entry.Attempts+1,
				"error", err,
			)
			if rerr := r.store.RecordFailure(ctx, entry.ID, err); rerr != nil {
				r.log.Error("record failure", "entry_id", entry.ID, "error", rerr)
			}
			continue
		}
		// A failed MarkSent only means the entry is published again later
		if err := r.store.MarkSent(ctx, entry.ID); err != nil {
			r.log.Error("mark sent", "entry_id", entry.ID, "error", err)
			continue
		}
		sent++
	}
	if sent > 0 || failed > 0 {
		r.log.Debug("outbox drained", "sent", sent, "failed", failed)
	}
	return sent, failed, nil
}

func (r *Relay) publish(ctx context.Context, entry store.OutboxEntry) (err error) {
	ctx, done := tracing.TrackOperation(ctx, "outbox.publish",
		attribute.String("outbox.target", entry.Target),
		attribute.String("outbox.routing_key", entry.RoutingKey),
	)
	defer func() { done(err) }()

	return r.pub.Publish(ctx, broker.Message{
		Topic:      entry.Target,
		Key:        entry.Key,
		RoutingKey: entry.RoutingKey,
		Payload:    entry.Payload,
		Time:       entry.CreatedAt,
	})
}

// Purge deletes sent entries older than the retention window
func (r *Relay) Purge(ctx context.Context) (int, error) {
	n, err := r.store.PurgeSent(ctx, r.now().Add(-r.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("purge sent: %w", err)
	}
	if n > 0 {
		r.log.Info("purged sent outbox entries", "count", n)
	}
	return n, nil
}
