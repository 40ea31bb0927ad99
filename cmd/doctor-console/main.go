// Package main provides the doctor console API service entry point.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-opd/internal/api/handlers"
	"github.com/drfirst/go-opd/internal/api/middleware"
	"github.com/drfirst/go-opd/internal/clock"
	"github.com/drfirst/go-opd/internal/config"
	"github.com/drfirst/go-opd/internal/console"
	"github.com/drfirst/go-opd/internal/domain/consultation"
	"github.com/drfirst/go-opd/internal/domain/queue"
	"github.com/drfirst/go-opd/internal/infrastructure/guarded"
	"github.com/drfirst/go-opd/internal/infrastructure/postgres"
	"github.com/drfirst/go-opd/internal/infrastructure/redpanda"
	"github.com/drfirst/go-opd/internal/observability/metrics"
	"github.com/drfirst/go-opd/internal/observability/tracing"
	"github.com/drfirst/go-opd/pkg/circuitbreaker"
	"github.com/drfirst/go-opd/pkg/idempotency"
)

const (
	serviceName = "doctor-console"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load(serviceName, os.Getenv("OPD_CONFIG"))
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		zap.NewExample().Fatal("build logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx := context.Background()

	tp, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		logger.Fatal("invalid database url", zap.Error(err))
	}
	poolCfg.MaxConns = cfg.Database.MaxConns
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}
	logger.Info("connected to database")

	// Push invalidation is optional; without the feed consoles fall back to polling
	var feed postgres.ChangeFeed
	queueFeed, err := redpanda.NewQueueChangeFeed(cfg.FeedConfig(), logger)
	if err != nil {
		logger.Warn("queue change feed unavailable, polling only", zap.Error(err))
	} else {
		queueFeed.Start()
		defer queueFeed.Stop()
		feed = queueFeed
	}

	inbox := idempotency.NewInbox(pool, idempotency.DefaultConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	repoCfg, err := cfg.RepositoryConfig()
	if err != nil {
		logger.Fatal("invalid repository config", zap.Error(err))
	}
	repo := postgres.NewRepository(pool, feed, inbox, repoCfg, logger)

	m := metrics.New(prometheus.DefaultRegisterer)
	breakers := circuitbreaker.NewRegistry(logger)
	collab, err := guarded.New(repo, breakers, cfg.BreakerConfig("collaborator"), m, logger)
	if err != nil {
		logger.Fatal("circuit breaker setup failed", zap.Error(err))
	}

	queueCfg := cfg.QueueConfig()
	draftCfg := cfg.ConsultationConfig()
	sessions := console.NewSessions(func() *console.Session {
		store := queue.NewStore(collab, queueCfg, logger, m)
		coord := consultation.NewCoordinator(collab, store, logger, m)
		drafts := consultation.NewManager(collab, coord, clock.Real(), draftCfg, logger, m)
		return console.NewSession(store, drafts, collab, logger)
	}, logger)
	defer sessions.CloseAll()

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", handlers.Health(serviceName, version, breakers))
	r.Get("/ready", handlers.Ready(pool))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.Server.APIKeys))
		r.Mount("/console", handlers.NewConsoleHandler(sessions, logger).Routes())
		r.Mount("/checkins", handlers.NewCheckInHandler(repo, logger).Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting doctor console API",
		zap.String("port", cfg.Server.Port),
		zap.Int("api_keys", len(cfg.Server.APIKeys)))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped", zap.Int("open_sessions", sessions.Len()))
}
