package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxlane/voxlane-access/internal/app"
	"github.com/voxlane/voxlane-access/internal/audit"
	"github.com/voxlane/voxlane-access/internal/authz"
	"github.com/voxlane/voxlane-access/internal/catalog"
	"github.com/voxlane/voxlane-access/internal/observability"
	"github.com/voxlane/voxlane-access/internal/platform/cache"
	"github.com/voxlane/voxlane-access/internal/platform/db"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// A dead cache is survivable: the decision cache falls through to the
	// resolver, so a failed ping only warns.
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	if cfg.SeedOnStart {
		seeder := catalog.NewSeeder(pool, logger)
		if err := seeder.Seed(ctx, catalog.Default()); err != nil {
			logger.Error("seed catalog", slog.Any("error", err))
			os.Exit(1)
		}
	}

	store := authz.NewRepository(pool)
	resolver := authz.NewResolver(store)
	decisionCache := authz.NewDecisionCache(resolver, redisClient, cfg.DecisionCacheTTL, logger)
	auditLogger := audit.NewLogger(pool)
	service := authz.NewService(store, decisionCache, auditLogger, logger)

	metrics := observability.NewMetrics()
	handler := authz.NewHandler(logger, service, decisionCache, auditLogger, metrics)
	middleware := authz.Middleware{Checker: decisionCache, Logger: logger}

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		AuthzHandler:    handler,
		AuthzMiddleware: middleware,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
