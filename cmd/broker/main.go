package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/pairchat/internal/auth"
	"github.com/whisper/pairchat/internal/ban"
	"github.com/whisper/pairchat/internal/broker"
	"github.com/whisper/pairchat/internal/config"
	"github.com/whisper/pairchat/internal/messaging"
	"github.com/whisper/pairchat/internal/moderation"
	"github.com/whisper/pairchat/internal/ratelimit"
	"github.com/whisper/pairchat/internal/ws"
)

func main() {
	cfg := config.Load()

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.Server.ListenAddr
	serverConfig.WorkerPoolSize = cfg.Server.WorkerPoolSize
	serverConfig.MaxConnections = cfg.Server.MaxConnections
	serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	serverConfig.WriteTimeout = cfg.Server.WriteTimeout

	brokerConfig := broker.Config{
		InterestFallback: cfg.Broker.InterestFallback,
		GracePeriod:      cfg.Broker.GracePeriod,
		IdleTimeout:      cfg.Broker.IdleTimeout,
		IdleFinalWindow:  cfg.Broker.IdleFinalWindow,
		TypingDebounce:   cfg.Broker.TypingDebounce,
		HistorySize:      cfg.Broker.HistorySize,
		ReportTimeout:    cfg.Broker.ReportTimeout,
		BanCheckTimeout:  cfg.Broker.BanCheckTimeout,
	}

	// --- Redis: ban lookups and rate limits. Both fail open. ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Printf("redis unavailable at %s: %v (ban checks and rate limits will fail open)", cfg.Redis.Addr, err)
	}
	cancel()
	banStore := ban.NewStore(rdb)
	limiter := ratelimit.NewLimiter(rdb)

	// --- NATS: reports out, bans in. Without it reports fail. ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "pairchat-broker"
	var bus moderation.Bus
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Printf("NATS unavailable at %s: %v (reports will fail)", natsConfig.URL, err)
	} else {
		bus = natsClient
	}
	modClient := moderation.NewClient(banStore, bus)

	// Declared early so the engine can write through it.
	var server *ws.Server
	out := senderFunc(func(connID string, data []byte) error {
		return server.Send(connID, data)
	})

	engine := broker.New(brokerConfig, broker.Deps{
		Out:     out,
		Bans:    modClient,
		Reports: modClient,
		Auth:    auth.NewValidator(cfg.Admin.JWTSecret, cfg.Admin.Issuer),
		Filter:  moderation.NewFilter(),
	})
	server = ws.NewServer(serverConfig, engine, limiter)

	if bus != nil {
		if err := modClient.OnBan(func(ev moderation.BanEvent) {
			engine.Submit(broker.Ban(ev))
		}); err != nil {
			log.Printf("ban subscription failed: %v", err)
		}
	}
	if len(cfg.Admin.JWTSecret) == 0 {
		log.Printf("ADMIN_JWT_SECRET not set, admin observation disabled")
	}

	log.Printf("pairchat broker starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  redis_addr:      %s", cfg.Redis.Addr)
	log.Printf("  nats_url:        %s", natsConfig.URL)

	ctx, stop := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("broker stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		// Close sessions first so clients get session_closed before the
		// sockets go away.
		stop()
		<-engineDone

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	<-shutdownDone
}

type senderFunc func(connID string, data []byte) error

func (f senderFunc) Send(connID string, data []byte) error { return f(connID, data) }
