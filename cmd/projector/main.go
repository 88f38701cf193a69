package main

import (
	"github.com/example/eventcore/internal/app"
	"github.com/example/eventcore/internal/domain/category"
	"github.com/example/eventcore/internal/infrastructure/kafka"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/listener"
	"github.com/example/eventcore/internal/permission"
	"github.com/example/eventcore/internal/projection"
	"github.com/example/eventcore/internal/readmodel"
)

func main() {
	ctx, cancel := app.SignalContext()
	defer cancel()

	cfg, log := app.Bootstrap("projector")
	defer log.Sync()

	db, err := app.OpenPostgres(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open postgres", "error", err)
	}
	defer db.Close()

	categories := readmodel.NewRepo[readmodel.CategoryReadModel](
		store.NewPostgresReadStore(db), projection.CategoryCollection, log)
	perms := app.Permissions(db, log)

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.ListenerMaxRetries, log)
	defer consumer.Close()

	registry := listener.NewRegistry(consumer, log)
	registry.Register(
		projection.NewProjector(categories, log).Listener(),
		permission.NewCleanup(perms).ForResource("category-permission-cleanup",
			category.AggregateType, category.EventCategoryDeleted),
	)

	log.Info("projector running", "brokers", cfg.KafkaBrokers, "max_retries", cfg.ListenerMaxRetries)
	if err := registry.Run(ctx); err != nil {
		log.Error("projector stopped", "error", err)
	}
	log.Info("projector shut down")
}
