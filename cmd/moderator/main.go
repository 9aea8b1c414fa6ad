package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/pairchat/internal/ban"
	"github.com/whisper/pairchat/internal/config"
	"github.com/whisper/pairchat/internal/messaging"
	"github.com/whisper/pairchat/internal/moderation"
	"github.com/whisper/pairchat/internal/report"
)

func main() {
	log.Println("Starting pairchat moderation service...")
	cfg := config.Load()

	// PostgreSQL: the report archive.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := report.Open(ctx, cfg.Database.URL)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}
	if err := report.Migrate(db); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}
	reports := report.NewStore(db)

	// Redis: ban list and report counters.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()
	bans := ban.NewStore(rdb)

	// NATS: report requests in, ban events out.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "pairchat-moderator"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	svc := moderation.NewService(reports, bans, natsClient, cfg.Broker.ReportTimeout)
	if err := natsClient.SubscribeReports(svc.HandleReport); err != nil {
		log.Fatalf("failed to subscribe to reports: %v", err)
	}

	policy := ban.DefaultPolicy()
	log.Printf("pairchat moderation service running")
	log.Printf("  redis_addr: %s", cfg.Redis.Addr)
	log.Printf("  nats_url:   %s", natsConfig.URL)
	log.Printf("  auto-ban:   %d reports in %s, ladder %v", policy.Threshold, policy.Window, policy.Ladder)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
	rdb.Close()
	db.Close()
}
