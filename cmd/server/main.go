// Package main runs the proctoring relay server: HTTP session lifecycle
// endpoints plus the WebSocket relay, with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vigil-proctor/backend/config"
	"github.com/vigil-proctor/backend/internal/audit"
	"github.com/vigil-proctor/backend/internal/auth"
	"github.com/vigil-proctor/backend/internal/middleware"
	"github.com/vigil-proctor/backend/internal/relay"
	"github.com/vigil-proctor/backend/internal/sessions"
	"github.com/vigil-proctor/backend/pkg/database"
	"github.com/vigil-proctor/backend/pkg/queue"
	"github.com/vigil-proctor/backend/pkg/redis"
	"github.com/vigil-proctor/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret)

	// Relay core
	sessionRepo := sessions.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	auditSink := audit.NewQueueSink(jobQueue, logger)
	registry := relay.NewRegistry(logger)
	gate := relay.NewGate(sessionRepo, auditSink, logger)
	supervisor := relay.NewSupervisor(
		time.Duration(cfg.Relay.SweepIntervalSec)*time.Second,
		time.Duration(cfg.Relay.LivenessTimeoutSec)*time.Second,
		logger,
	)
	metrics := relay.NewMetrics()
	bridge := relay.NewBridge(rdb.Client, logger)
	engine := relay.NewEngine(registry, gate, supervisor, metrics, bridge, auditSink, relay.EngineConfig{
		PendingWatchGrace:    time.Duration(cfg.Relay.PendingWatchGraceSec) * time.Second,
		RequireActiveSession: cfg.Relay.RequireActiveSession,
	}, logger)
	connCfg := relay.ConnConfigFrom(cfg.Relay.HeartbeatSec, cfg.Relay.LivenessTimeoutSec, cfg.Relay.SendBuffer, cfg.Relay.FrameBuffer)

	// Session lifecycle surface consumed by the exam application
	sessionHandler := sessions.NewHandler(sessionRepo, engine, logger)
	auditHandler := audit.NewHandler(audit.NewRepository(pool), sessionRepo, logger)

	// Lifecycle events feed the peak-watchers column and nothing else; a
	// slow database here only delays the stat, never teardown.
	go func() {
		for ev := range supervisor.Events() {
			if ev.Kind != relay.EventWatcherChanged {
				continue
			}
			session, err := sessionRepo.GetByID(ctx, ev.SessionID)
			if err != nil || session == nil {
				continue
			}
			if ev.Watchers > session.PeakWatchers {
				_ = sessionRepo.UpdatePeakWatchers(ctx, ev.SessionID, ev.Watchers)
			}
		}
	}()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Relay stats (text exposition)
	router.GET("/stats", func(c *gin.Context) {
		s, p, o := registry.Stats()
		c.String(http.StatusOK, metrics.Render(s, p, o))
	})

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/sessions", middleware.RequireRole(auth.RoleAdmin), sessionHandler.Create)
		api.GET("/sessions", middleware.RequireRole(auth.RoleAdmin, auth.RoleProctor), sessionHandler.ListActive)
		api.GET("/sessions/:id", middleware.RequireRole(auth.RoleAdmin, auth.RoleProctor), sessionHandler.GetByID)
		api.POST("/sessions/:id/submit", middleware.RequireRole(auth.RoleAdmin), sessionHandler.Submit)
		api.GET("/sessions/:id/watchers", middleware.RequireRole(auth.RoleAdmin, auth.RoleProctor), sessionHandler.Watchers)
		api.GET("/sessions/:id/audit", middleware.RequireRole(auth.RoleAdmin), auditHandler.ListBySession)
	}

	// WebSocket relay (token in query; no Authorization header required)
	router.GET("/ws/proctor", relay.ServeWs(engine, jwtService, connCfg, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	supCtx, supCancel := context.WithCancel(context.Background())
	defer supCancel()
	go supervisor.Run(supCtx)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	supCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
