// Package main provides the entry point for the job broker service.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/BaudehloBiz/jobber-backend/internal/auth"
	"github.com/BaudehloBiz/jobber-backend/internal/broker"
	"github.com/BaudehloBiz/jobber-backend/internal/config"
	"github.com/BaudehloBiz/jobber-backend/internal/engine"
	"github.com/BaudehloBiz/jobber-backend/internal/gateway"
	"github.com/BaudehloBiz/jobber-backend/internal/health"
	"github.com/BaudehloBiz/jobber-backend/internal/metrics"
	"github.com/BaudehloBiz/jobber-backend/internal/server"
	"github.com/BaudehloBiz/jobber-backend/internal/session"
	"github.com/BaudehloBiz/jobber-backend/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := initLogger()
	defer logger.Sync()

	logger.Info("starting job broker")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.Int("server_port", cfg.Server.Port),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
	)

	ctx := context.Background()

	// Token store
	tokenStore, err := store.NewPostgresTokenStore(ctx, cfg.Database.URL, logger)
	if err != nil {
		logger.Fatal("failed to connect to token store", zap.Error(err))
	}
	defer tokenStore.Close()

	if err := tokenStore.Migrate(ctx); err != nil {
		logger.Fatal("failed to migrate token store", zap.Error(err))
	}

	// Queue engine
	eng, err := engine.NewPostgres(ctx, engine.Config{
		URL:                 cfg.Database.URL,
		PollInterval:        cfg.Engine.PollInterval,
		BatchSize:           cfg.Engine.BatchSize,
		ScheduleInterval:    cfg.Engine.ScheduleInterval,
		MaintenanceInterval: cfg.Engine.MaintenanceInterval,
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect to queue engine", zap.Error(err))
	}
	defer eng.Close()

	if err := eng.Migrate(ctx); err != nil {
		logger.Fatal("failed to migrate queue engine", zap.Error(err))
	}
	eng.StartScheduler()

	logger.Info("queue engine initialized")

	// Metrics
	m := metrics.NewMetrics()

	group, groupCtx := errgroup.WithContext(ctx)

	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, logger)
		group.Go(func() error {
			if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		logger.Info("metrics server started",
			zap.Int("port", cfg.Metrics.Port),
			zap.String("path", cfg.Metrics.Path),
		)
	}

	// Optional Redis fanout bridge
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		logger.Info("redis fanout bridge enabled", zap.String("addr", cfg.Redis.Addr))
	}

	// Gateway wiring
	registry := session.NewRegistry()
	fanout := gateway.NewFanout(registry, redisClient, m, logger)
	facade := broker.New(eng, m, logger)
	dispatcher := gateway.NewDispatcher(facade, registry, fanout, m, logger)
	authenticator := auth.NewAuthenticator(tokenStore, logger)
	gw := gateway.NewGateway(authenticator, registry, dispatcher, m, logger, cfg.Gateway.OutboundBufferSize)

	relayCtx, stopRelay := context.WithCancel(groupCtx)
	defer stopRelay()
	if redisClient != nil {
		group.Go(func() error {
			if err := fanout.Run(relayCtx); err != nil && relayCtx.Err() == nil {
				return err
			}
			return nil
		})
	}

	// Health checks
	checks := []health.Check{
		{Name: "postgres", Pinger: eng},
		{Name: "token_store", Pinger: tokenStore},
	}
	if redisClient != nil {
		checks = append(checks, health.Check{Name: "redis", Pinger: redisPinger{redisClient}})
	}
	healthCheck := health.NewHealthCheck(logger, checks...)

	// HTTP server
	httpServer := server.NewServer(cfg, gw, healthCheck, logger)
	httpServer.SetupRoutes()

	group.Go(httpServer.Start)

	logger.Info("HTTP server started", zap.Int("port", cfg.Server.Port))

	// Wait for a shutdown signal or the first failing component
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-groupCtx.Done():
		logger.Error("component failed, shutting down")
	}

	logger.Info("initiating graceful shutdown")
	stopRelay()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", zap.Error(err))
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", zap.Error(err))
		}
	}

	if err := group.Wait(); err != nil {
		logger.Error("component error", zap.Error(err))
	}

	logger.Info("job broker shutdown complete")
}

// redisPinger adapts the Redis client to the health check interface.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// initLogger initializes the zap logger.
func initLogger() *zap.Logger {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	var level zapcore.Level
	switch logLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	logFormat := os.Getenv("LOG_FORMAT")

	var config zap.Config
	if logFormat == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	config.Level = zap.NewAtomicLevelAt(level)
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	logger, err := config.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}

	return logger
}
