package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itskum47/relay/relay/auth"
	"github.com/itskum47/relay/relay/channels"
	"github.com/itskum47/relay/relay/config"
	"github.com/itskum47/relay/relay/observability"
	"github.com/itskum47/relay/relay/resilience"
	"github.com/itskum47/relay/relay/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("RELAY_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	readiness := resilience.NewReadiness()
	readiness.OnChange(func(session string, available bool) {
		v := 0.0
		if available {
			v = 1
		}
		observability.StoreReady.WithLabelValues(session).Set(v)
	})

	logStore, err := openLogStore(ctx, cfg, readiness)
	if err != nil {
		log.Fatalf("Failed to open %s log store: %v", cfg.Store.Backend, err)
	}
	defer logStore.Close()

	metrics := observability.NewAggregator()
	registry := channels.NewRegistry(logStore, metrics, channels.Options{
		BlockTimeout: cfg.Relay.BlockTimeout,
		RetryBackoff: cfg.Relay.RetryBackoff,
		PageSize:     cfg.Relay.PageSize,
		HeldLimit:    cfg.Relay.HeldLimit,
	})
	publisher := channels.NewPublisher(logStore, metrics)
	hub := NewConnectionHub(cfg.Server.MaxConnections)

	api := NewAPI(logStore, readiness, registry, publisher, metrics, hub, auth.NewGate(cfg.Server.SecretKey), APIOptions{
		PublishRate:    cfg.Relay.PublishRate,
		PublishBurst:   cfg.Relay.PublishBurst,
		SendBuffer:     cfg.Server.SendBuffer,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	go hub.Run(ctx)
	go metrics.Run(ctx, cfg.Metrics.Interval, observability.LogSnapshot)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("Shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Relay listening on %s (backend=%s)", cfg.Addr(), cfg.Store.Backend)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("HTTP server failed: %v", err)
	}

	registry.Close()
}

func openLogStore(ctx context.Context, cfg *config.Config, readiness *resilience.Readiness) (store.LogStore, error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		s, err := store.NewPostgresLogStore(ctx, cfg.Store.DatabaseURL, cfg.Store.HealthInterval, readiness)
		if err != nil {
			return nil, err
		}
		log.Println("[STORE] using Postgres log store")
		return s, nil
	case config.BackendMemory:
		log.Println("Using in-memory log store (single node, ephemeral)")
		readiness.MarkAvailable(store.SessionAppend)
		readiness.MarkAvailable(store.SessionRead)
		return store.NewMemoryLogStore(), nil
	default:
		s, err := store.NewRedisLogStore(ctx, store.RedisOptions{
			URL:            cfg.Store.RedisURL,
			KeyPrefix:      cfg.Store.KeyPrefix,
			HealthInterval: cfg.Store.HealthInterval,
		}, readiness)
		if err != nil {
			return nil, err
		}
		log.Printf("[REDIS-PUB] connected to Redis log store")
		return s, nil
	}
}
