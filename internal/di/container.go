package di

import (
	"fmt"
	"time"

	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/handler"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/repository"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/service"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/worker"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/pkg/database"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/pkg/logger"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/pkg/redis"
)

// Container holds all dependencies for the queue scheduler
type Container struct {
	// Infrastructure
	DB    *database.PostgresDB
	Redis *redis.Client

	// Repositories
	Store         repository.RegistrationStore
	SnapshotCache repository.SnapshotCache

	// Publishers
	EventPublisher service.QueueEventPublisher

	// Services
	PassIssuer       *service.CheckInPassIssuer
	SchedulerService service.SchedulerService

	// Workers
	EstimateRefreshWorker *worker.EstimateRefreshWorker

	// Handlers
	HealthHandler *handler.HealthHandler
	QueueHandler  *handler.QueueHandler
}

// ContainerConfig contains configuration for building the container.
// DB, Redis and SnapshotCache are optional.
type ContainerConfig struct {
	DB             *database.PostgresDB
	Redis          *redis.Client
	Store          repository.RegistrationStore
	SnapshotCache  repository.SnapshotCache
	EventPublisher service.QueueEventPublisher
	PassConfig     *service.CheckInPassConfig
	ServiceConfig  *service.SchedulerServiceConfig
	RefreshConfig  *worker.EstimateRefreshWorkerConfig
	Logger         *logger.Logger
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *ContainerConfig) (*Container, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("registration store is required")
	}

	c := &Container{
		DB:             cfg.DB,
		Redis:          cfg.Redis,
		Store:          cfg.Store,
		SnapshotCache:  cfg.SnapshotCache,
		EventPublisher: cfg.EventPublisher,
	}
	if c.EventPublisher == nil {
		c.EventPublisher = service.NewNoOpEventPublisher()
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Get()
	}

	// Initialize services
	passes, err := service.NewCheckInPassIssuer(cfg.PassConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create check-in pass issuer: %w", err)
	}
	c.PassIssuer = passes

	svcCfg := cfg.ServiceConfig
	if svcCfg == nil {
		svcCfg = &service.SchedulerServiceConfig{FallbackServiceDuration: 10 * time.Minute, MinSamples: 3}
	}
	if svcCfg.Logger == nil {
		svcCfg.Logger = log
	}
	c.SchedulerService = service.NewSchedulerService(
		c.Store,
		c.SnapshotCache,
		c.EventPublisher,
		c.PassIssuer,
		svcCfg,
	)

	// Initialize workers
	c.EstimateRefreshWorker = worker.NewEstimateRefreshWorker(cfg.RefreshConfig, c.SchedulerService, log.Named("estimate-refresh"))

	// Initialize handlers
	checks := map[string]handler.HealthChecker{"database": nil, "redis": nil}
	if c.DB != nil {
		checks["database"] = c.DB
	}
	if c.Redis != nil {
		checks["redis"] = c.Redis
	}
	c.HealthHandler = handler.NewHealthHandler(checks)
	c.QueueHandler = handler.NewQueueHandler(c.SchedulerService)

	return c, nil
}

// Close releases the publisher. DB and Redis are owned by the caller.
func (c *Container) Close() error {
	return c.EventPublisher.Close()
}
