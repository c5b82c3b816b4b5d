// Package main runs the viewer session staleness reaper on its own, for
// deployments where several server instances share one PostgreSQL database.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-broadcast/backend/config"
	"github.com/aura-broadcast/backend/internal/sessions"
	"github.com/aura-broadcast/backend/pkg/database"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if !cfg.Database.Enabled() {
		logger.Fatal("DATABASE_URL is required for the standalone reaper")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.URL, database.PoolOptions{MaxConns: 2}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	clock := clockwork.NewRealClock()
	// The reaper never opens sessions, so it needs no canonical source.
	manager := sessions.NewManager(sessions.NewPostgresStore(pool), nil, clock, sessions.Options{
		StaleTimeout: cfg.Sync.StaleTimeout,
	}, logger, nil)
	reaper := sessions.NewReaper(manager, clock, 0, logger)

	logger.Info("reaper started", zap.Duration("stale_timeout", manager.StaleTimeout()))
	reaper.Run(ctx)
	logger.Info("reaper stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
