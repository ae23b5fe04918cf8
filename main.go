package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/di"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/metrics"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/repository"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/service"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/worker"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/migrations"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/pkg/config"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/pkg/database"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/pkg/logger"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/pkg/middleware"
	pkgredis "github.com/dxaginfo/fan-meet-greet-platform-2025/pkg/redis"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/pkg/telemetry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logCfg := &logger.Config{
		Level:       cfg.App.LogLevel,
		ServiceName: cfg.App.Name,
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting queue scheduler...", zap.String("environment", cfg.App.Environment))

	ctx := context.Background()

	// Initialize tracing and metrics
	if _, err := telemetry.Init(ctx, &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
		SampleRatio:    cfg.OTel.SampleRatio,
	}); err != nil {
		appLog.Warn(fmt.Sprintf("Telemetry disabled: %v", err))
	}
	if err := metrics.Init(); err != nil {
		appLog.Warn(fmt.Sprintf("Failed to register metrics: %v", err))
	}

	// Registration store: PostgreSQL when configured, in-memory otherwise
	var (
		db    *database.PostgresDB
		store repository.RegistrationStore
	)
	if cfg.Database.Enabled() {
		dbCfg := database.DefaultPostgresConfig()
		dbCfg.Host = cfg.Database.Host
		dbCfg.Port = cfg.Database.Port
		dbCfg.User = cfg.Database.User
		dbCfg.Password = cfg.Database.Password
		dbCfg.Database = cfg.Database.DBName
		dbCfg.SSLMode = cfg.Database.SSLMode
		dbCfg.MaxConns = int32(cfg.Database.MaxOpenConns)
		dbCfg.MinConns = int32(cfg.Database.MaxIdleConns)
		dbCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
		dbCfg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
		dbCfg.EnableTracing = cfg.OTel.Enabled

		db, err = database.NewPostgres(ctx, dbCfg)
		if err != nil {
			appLog.Fatal(fmt.Sprintf("Database connection failed: %v", err))
		}
		defer db.Close()
		appLog.Info(fmt.Sprintf("Database connected (pool: min=%d, max=%d)", dbCfg.MinConns, dbCfg.MaxConns))

		if err := migrations.Up(ctx, db.Pool()); err != nil {
			appLog.Fatal(fmt.Sprintf("Failed to apply migrations: %v", err))
		}
		store = repository.NewPostgresRegistrationStore(db.Pool())
	} else {
		appLog.Warn("DATABASE_HOST not set, using in-memory registration store")
		store = repository.NewMemoryRegistrationStore()
	}

	// Redis backs the snapshot cache and idempotency keys; both are optional
	var (
		redisClient   *pkgredis.Client
		snapshotCache repository.SnapshotCache
	)
	redisCfg := pkgredis.DefaultConfig()
	redisCfg.Host = cfg.Redis.Host
	redisCfg.Port = cfg.Redis.Port
	redisCfg.Password = cfg.Redis.Password
	redisCfg.DB = cfg.Redis.DB
	redisCfg.PoolSize = cfg.Redis.PoolSize
	redisCfg.MinIdleConns = cfg.Redis.MinIdleConns
	redisCfg.DialTimeout = cfg.Redis.DialTimeout
	redisCfg.ReadTimeout = cfg.Redis.ReadTimeout
	redisCfg.WriteTimeout = cfg.Redis.WriteTimeout
	redisClient, err = pkgredis.NewClient(ctx, redisCfg)
	if err != nil {
		appLog.Warn(fmt.Sprintf("Redis connection failed, running without snapshot cache: %v", err))
		redisClient = nil
	} else {
		defer redisClient.Close()
		snapshotCache = repository.NewRedisSnapshotCache(redisClient.Client(), cfg.Scheduler.SnapshotCacheTTL)
		appLog.Info(fmt.Sprintf("Redis connected (pool: %d, minIdle: %d)", redisCfg.PoolSize, redisCfg.MinIdleConns))
	}

	// Initialize Kafka event publisher
	var eventPublisher service.QueueEventPublisher
	eventPublisher, err = service.NewKafkaEventPublisher(ctx, &service.EventPublisherConfig{
		Brokers:     cfg.Kafka.Brokers,
		Topic:       cfg.Kafka.Topic,
		ServiceName: cfg.App.Name,
		ClientID:    cfg.Kafka.ClientID,
	})
	if err != nil {
		appLog.Warn(fmt.Sprintf("Kafka connection failed, using no-op publisher: %v", err))
		eventPublisher = service.NewNoOpEventPublisher()
	} else {
		appLog.Info("Kafka event publisher connected")
	}

	// Build dependency injection container
	container, err := di.NewContainer(&di.ContainerConfig{
		DB:             db,
		Redis:          redisClient,
		Store:          store,
		SnapshotCache:  snapshotCache,
		EventPublisher: eventPublisher,
		PassConfig: &service.CheckInPassConfig{
			Secret: cfg.JWT.Secret,
			Issuer: cfg.JWT.Issuer,
			TTL:    cfg.JWT.PassTTL,
		},
		ServiceConfig: &service.SchedulerServiceConfig{
			FallbackServiceDuration: cfg.Scheduler.FallbackServiceDuration,
			MinSamples:              cfg.Scheduler.MinSamples,
			ConflictRetries:         cfg.Scheduler.ConflictRetries,
			LoadTimeout:             cfg.Scheduler.LoadTimeout,
		},
		RefreshConfig: &worker.EstimateRefreshWorkerConfig{
			Interval:  cfg.Scheduler.EstimateRefreshInterval,
			IdleAfter: cfg.Scheduler.IdleEvictAfter,
		},
		Logger: appLog,
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to build container: %v", err))
	}
	defer container.Close()

	// Start estimate refresh worker
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go container.EstimateRefreshWorker.Start(workerCtx)

	// Setup Gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		telemetry.TracingMiddleware(),
		middleware.RequestLogger(appLog, "/health", "/ready"),
	)

	// Health check endpoints
	router.GET("/health", container.HealthHandler.Health)
	router.GET("/ready", container.HealthHandler.Ready)

	// API routes
	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":        "ok",
				"version":       cfg.App.Version,
				"service":       cfg.App.Name,
				"loaded_events": len(container.SchedulerService.LoadedEvents()),
			})
		})

		// Staff writes replay on a repeated Idempotency-Key when Redis is up
		var idempotency gin.HandlerFunc
		if redisClient != nil {
			idempotency = middleware.Idempotency(middleware.IdempotencyConfig{
				Redis: redisClient,
			})
		}
		container.QueueHandler.RegisterRoutes(v1, idempotency)
	}

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: 2 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	// Start server in goroutine
	go func() {
		appLog.Info(fmt.Sprintf("Queue scheduler listening on %s", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Fatal(fmt.Sprintf("Failed to start server: %v", err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down server...")

	stopWorker()

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error(fmt.Sprintf("Server forced to shutdown: %v", err))
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		appLog.Warn(fmt.Sprintf("Telemetry shutdown: %v", err))
	}

	appLog.Info("Server exited gracefully")
}
