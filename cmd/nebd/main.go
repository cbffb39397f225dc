package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nebflow/engine/internal/api"
	"github.com/nebflow/engine/internal/backend"
	"github.com/nebflow/engine/internal/checkpoint"
	"github.com/nebflow/engine/internal/config"
	"github.com/nebflow/engine/internal/events"
	"github.com/nebflow/engine/internal/run"
	"github.com/nebflow/engine/internal/tracker"
	"github.com/nebflow/engine/internal/version"
)

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func realMain() error {
	var (
		configPath   = flag.String("config", getEnv("NEBD_CONFIG", ""), "Path to YAML config file")
		listenAddr   = flag.String("listen", "", "HTTP listen address (overrides config)")
		dbURL        = flag.String("db-url", getEnv("DATABASE_URL", ""), "Postgres URL for the checkpoint store; empty uses in-memory storage")
		redisURL     = flag.String("redis-url", getEnv("REDIS_URL", ""), "Redis URL for status events; empty disables them")
		schedulerURL = flag.String("scheduler-url", getEnv("SCHEDULER_URL", "http://localhost:9000"), "DFT scheduler base URL")
		schedulerKey = flag.String("scheduler-key", getEnv("SCHEDULER_API_KEY", ""), "DFT scheduler API key")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *dbURL != "" {
		cfg.Storage.DatabaseURL = *dbURL
	}
	if *redisURL != "" {
		cfg.Events.RedisURL = *redisURL
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	printBanner(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Checkpoint store: postgres when configured, memory otherwise.
	var store checkpoint.Store
	if cfg.Storage.DatabaseURL != "" {
		dbpool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return fmt.Errorf("unable to connect to database: %w", err)
		}
		defer dbpool.Close()
		if err := dbpool.Ping(ctx); err != nil {
			return fmt.Errorf("unable to ping database: %w", err)
		}
		logger.Info("connected to database")
		store = checkpoint.NewPostgresStore(dbpool)
	} else {
		logger.Warn("no database configured, checkpoints will not survive a restart")
		store = checkpoint.NewMemoryStore()
	}

	// Optional Redis status mirror.
	var publisher run.StatusPublisher
	if cfg.Events.RedisURL != "" {
		redisOpt, err := redis.ParseURL(cfg.Events.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		rdb := redis.NewClient(redisOpt)
		defer rdb.Close()
		publisher = events.NewRedisPublisher(rdb, logger)
		logger.Info("status events enabled", slog.String("redis", redisOpt.Addr))
	}

	sched := backend.WithBreaker(backend.NewHTTPBackend(backend.HTTPConfig{
		BaseURL: *schedulerURL,
		APIKey:  *schedulerKey,
	}), backend.DefaultBreakerConfig())
	trk := tracker.New(sched, tracker.Config{
		SubmitRate:  cfg.Backend.SubmitRate,
		SubmitBurst: cfg.Backend.SubmitBurst,
		Logger:      logger,
	})

	manager := run.NewManager(run.Deps{
		Tracker:   trk,
		Store:     store,
		Publisher: publisher,
		Logger:    logger,
	})

	mux := http.NewServeMux()
	api.NewHTTPHandler(manager, cfg.Defaults, logger).RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		// Runs abort first so their last checkpoints stay good; the
		// server drains after.
		manager.Shutdown(shutdownCtx)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", slog.String("error", err.Error()))
		}
		cancel()
	}()

	logger.Info("starting HTTP server",
		slog.String("addr", cfg.Server.ListenAddr),
		slog.String("scheduler", *schedulerURL),
	)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-ctx.Done()
	logger.Info("nebd stopped")
	return nil
}

func printBanner(logger *slog.Logger) {
	logger.Info("nebflow engine",
		slog.String("version", version.Version),
		slog.String("commit", version.GitCommit),
		slog.String("build_time", version.BuildTime),
	)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
