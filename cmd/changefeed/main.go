package main

import (
	"encoding/json"
	"flag"
	"os"

	"github.com/example/eventcore/internal/app"
	"github.com/example/eventcore/internal/auth"
	"github.com/example/eventcore/internal/infrastructure/redis"
)

func main() {
	token := flag.String("token", os.Getenv("CHANGEFEED_TOKEN"), "bearer token of the receiver")
	flag.Parse()

	ctx, cancel := app.SignalContext()
	defer cancel()

	cfg, log := app.Bootstrap("changefeed")
	defer log.Sync()

	if cfg.JWTSecret == "" || cfg.RedisAddr == "" {
		log.Fatal("JWT_SECRET and REDIS_ADDR are required")
	}
	claims, err := auth.NewJWTService(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTExpiry).ValidateToken(*token)
	if err != nil {
		log.Fatal("invalid token", "error", err)
	}
	agent := claims.Agent()
	if !agent.IsUser() {
		log.Fatal("change feeds are only served to users", "agent_type", agent.Type)
	}
	log = log.With("receiver", agent.ID)

	db, err := app.OpenPostgres(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open postgres", "error", err)
	}
	defer db.Close()

	live, err := redis.NewLiveBus(ctx, cfg.RedisAddr, log)
	if err != nil {
		log.Fatal("failed to connect to redis", "error", err)
	}
	defer live.Close()

	feed, err := app.ChangeTracker(live, db, log).GetChanges(ctx, agent.ID)
	if err != nil {
		log.Fatal("failed to open change feed", "error", err)
	}

	log.Info("change feed open")
	enc := json.NewEncoder(os.Stdout)
	for c := range feed {
		if err := enc.Encode(c); err != nil {
			log.Error("failed to write change", "error", err)
			cancel()
		}
	}
	log.Info("change feed closed")
}
