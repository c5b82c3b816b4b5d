// Package main runs the broadcast sync HTTP server: timeline, viewer sessions,
// the /sync WebSocket hub and the staleness reaper, with graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aura-broadcast/backend/config"
	"github.com/aura-broadcast/backend/internal/auth"
	"github.com/aura-broadcast/backend/internal/catalog"
	"github.com/aura-broadcast/backend/internal/drift"
	"github.com/aura-broadcast/backend/internal/metrics"
	"github.com/aura-broadcast/backend/internal/middleware"
	"github.com/aura-broadcast/backend/internal/realtime"
	"github.com/aura-broadcast/backend/internal/sessions"
	"github.com/aura-broadcast/backend/internal/timeline"
	"github.com/aura-broadcast/backend/pkg/database"
	"github.com/aura-broadcast/backend/pkg/redis"
	"github.com/aura-broadcast/backend/pkg/response"
	"github.com/aura-broadcast/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	m := metrics.New()

	var pool *pgxpool.Pool
	if cfg.Database.Enabled() {
		pool, err = database.NewPostgresPool(ctx, cfg.Database.URL, database.PoolOptions{}, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()

		if err := database.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
	}

	// Catalog and scheduler
	var provider catalog.Provider
	if pool != nil {
		provider = catalog.NewPostgresProvider(pool)
	} else {
		fileProvider, err := catalog.LoadFile(cfg.Timeline.CatalogFile)
		if err != nil {
			logger.Fatal("catalog file", zap.String("path", cfg.Timeline.CatalogFile), zap.Error(err))
		}
		provider = fileProvider
	}
	cache := catalog.NewCache(provider, cfg.Timeline.CacheTTL, clock, logger)
	scheduler := timeline.NewScheduler(cache, cfg.Timeline.Epoch, clock, logger, m)

	var signer timeline.URLSigner
	if cfg.AWS.Region != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			MediaBucket:          cfg.AWS.MediaBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			signer = s3Client
		}
	}

	// Viewer sessions
	var store sessions.Store = sessions.NewMemoryStore()
	if pool != nil {
		store = sessions.NewPostgresStore(pool)
	} else {
		logger.Warn("DATABASE_URL not set, sessions are kept in memory")
	}
	manager := sessions.NewManager(store, scheduler, clock, sessions.Options{
		Epsilon:      cfg.Sync.RewindEpsilon,
		StaleTimeout: cfg.Sync.StaleTimeout,
	}, logger, m)
	reaper := sessions.NewReaper(manager, clock, 0, logger)

	// Sync hub
	bridge, closeBridge := newBridge(ctx, cfg, logger)
	defer closeBridge()
	hub := realtime.NewHub(manager, scheduler, bridge, clock, realtime.Options{
		Mode:            drift.ParseMode(cfg.Sync.ReferenceMode),
		Threshold:       cfg.Sync.DriftThreshold,
		ReportInterval:  cfg.Sync.ReportInterval,
		StaleTimeout:    cfg.Sync.StaleTimeout,
		RegisterTimeout: cfg.Sync.RegisterTimeout,
		DisconnectGrace: cfg.Sync.DisconnectGrace,
	}, logger, m)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	timelineHandler := timeline.NewHandler(scheduler, signer, logger)
	sessionHandler := sessions.NewHandler(manager, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger, m))

	// Health and metrics
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(m.Handler(func() {
		refreshCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		manager.RefreshGauges(refreshCtx)
	})))

	// Timeline (public)
	router.GET("/timeline/now", timelineHandler.Now)
	router.GET("/timeline/schedule", timelineHandler.Schedule)
	// Drops the cached catalog snapshot after the catalog service publishes changes.
	router.POST("/timeline/refresh", middleware.JWT(jwtService), middleware.RequireRole(auth.RoleOperator), func(c *gin.Context) {
		cache.Invalidate()
		response.NoContent(c)
	})

	// Sessions (JWT required)
	api := router.Group("/sessions")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("", sessionHandler.Open)
		api.GET("/active", sessionHandler.Active)
		api.GET("/history", sessionHandler.History)
		api.PUT("/:id/sync", sessionHandler.Sync)
		api.PUT("/:id/end", sessionHandler.End)
	}

	// WebSocket (token in query or Authorization header)
	router.GET("/sync", middleware.JWT(jwtService), hub.ServeWs)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reaper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.Time("epoch", cfg.Timeline.Epoch))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		hub.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server", zap.Error(err))
	}
	logger.Info("server stopped")
}

// newBridge picks the cross-instance peer bridge: NATS, then Redis, else none.
func newBridge(ctx context.Context, cfg *config.Config, logger *zap.Logger) (realtime.PeerBridge, func()) {
	switch {
	case cfg.NATS.URL != "":
		b, err := realtime.NewNATSBridge(realtime.DefaultNATSConfig(cfg.NATS.URL), logger)
		if err != nil {
			logger.Fatal("nats", zap.Error(err))
		}
		logger.Info("sync bridge: nats", zap.String("url", cfg.NATS.URL))
		return b, b.Close
	case cfg.Redis.Addr != "":
		rdb, err := redis.NewClient(ctx, redis.Options{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			ClientName: "broadcast-sync-hub",
		}, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		logger.Info("sync bridge: redis", zap.String("addr", cfg.Redis.Addr))
		return realtime.NewRedisBridge(rdb.Client, logger), func() { _ = rdb.Close() }
	default:
		logger.Info("sync bridge disabled, running single-instance")
		return nil, func() {}
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
