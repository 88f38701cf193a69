package main

import (
	"context"
	"errors"

	"github.com/example/eventcore/internal/app"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/outbox"
	"github.com/example/eventcore/internal/platform/config"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, cancel := app.SignalContext()
	defer cancel()

	cfg, log := app.Bootstrap("relay")
	defer log.Sync()

	db, err := app.OpenPostgres(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open postgres", "error", err)
	}
	defer db.Close()

	eventLog, err := app.OpenEventLog(ctx, cfg, db, log)
	if err != nil {
		log.Fatal("failed to open event store", "error", err)
	}

	pub, closePub, err := app.Publisher(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to create publisher", "error", err)
	}
	defer closePub()

	// Permission changes are always written to the Postgres outbox. Events
	// share it unless they live in DynamoDB.
	outboxes := []store.OutboxStore{store.NewPostgresEventStore(db)}
	if cfg.EventStore == config.BackendDynamo {
		outboxes = append(outboxes, eventLog)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, ob := range outboxes {
		relay := outbox.NewRelay(ob, pub, app.RelayConfig(cfg), log)
		g.Go(func() error { return relay.Run(ctx) })
	}

	log.Info("relay running", "event_store", cfg.EventStore, "outboxes", len(outboxes))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("relay stopped", "error", err)
	}
	log.Info("relay shut down")
}
