// FlowCatalyst Message Router
//
// Standalone message router binary for production deployments.
// Consumes messages from queue (NATS/SQS) and delivers via HTTP mediation.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.flowcatalyst.tech/internal/common/health"
	"go.flowcatalyst.tech/internal/common/lifecycle"
	"go.flowcatalyst.tech/internal/config"
	"go.flowcatalyst.tech/internal/queue"
	natsqueue "go.flowcatalyst.tech/internal/queue/nats"
	sqsqueue "go.flowcatalyst.tech/internal/queue/sqs"
	"go.flowcatalyst.tech/internal/router/breaker"
	"go.flowcatalyst.tech/internal/router/manager"
	"go.flowcatalyst.tech/internal/router/mediator"
	"go.flowcatalyst.tech/internal/router/pool"
	"go.flowcatalyst.tech/internal/router/standby"
	"go.flowcatalyst.tech/internal/router/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Configure logging
	setupLogging()

	slog.Info("Starting FlowCatalyst Message Router",
		"version", version,
		"build_time", buildTime,
		"component", "router")

	ctx := context.Background()

	// ========================================
	// 1. INFRASTRUCTURE INITIALIZATION
	// ========================================
	app, cleanup, err := lifecycle.Initialize(ctx, lifecycle.AppOptions{})
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// ========================================
	// 2. QUEUE SETUP
	// ========================================
	queueConsumer, queueHealthCheck, err := setupQueue(ctx, app)
	if err != nil {
		slog.Error("Failed to setup queue", "error", err)
		os.Exit(1)
	}

	// ========================================
	// 3. COMPONENT WIRING
	// ========================================
	// Create components by passing ready infrastructure

	// Health checker
	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(queueHealthCheck)

	// Warning service
	warningService := warning.NewInMemoryService()
	warningHandler := warning.NewHandler(warningService)

	// Message router
	mediatorCfg := buildMediatorConfig(app.Config)
	pools := buildPoolConfigs(app.Config)
	messageRouter := manager.NewRouter(queueConsumer, mediatorCfg, pools)
	messageRouter.WithWarningService(warningService)
	messageRouter.WithFastFailSeconds(app.Config.Mediator.FastFailVisibilitySeconds)
	messageRouter.WithDefaultVisibilitySeconds(app.Config.Mediator.DefaultVisibilityDelaySeconds)
	messageRouter.WithVisibilityExtender(&manager.VisibilityExtenderConfig{
		Enabled:          true,
		Interval:         time.Duration(app.Config.Lifecycle.VisibilityExtensionIntervalSeconds) * time.Second,
		Threshold:        time.Duration(app.Config.Lifecycle.VisibilityExtensionThresholdSeconds) * time.Second,
		ExtensionSeconds: int32(app.Config.Lifecycle.VisibilityExtensionSeconds),
	})
	routerService := manager.NewRouterService(messageRouter)

	// Standby service for leader election
	standbyService, err := setupStandbyService(app.Config, routerService)
	if err != nil {
		slog.Error("Failed to set up standby service", "error", err)
		os.Exit(1)
	}

	// HTTP Router
	httpRouter := setupHTTPRouter(healthChecker, standbyService, warningHandler, app.Config.HTTP.CORSOrigins)

	// HTTP Server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", app.Config.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ========================================
	// 4. SERVICE STARTUP
	// ========================================
	// Build the service list based on configuration
	var services []lifecycle.Service

	// HTTP service (always runs)
	httpService := lifecycle.NewHTTPService("http-server", httpServer)
	services = append(services, httpService)

	// Standby service wraps router lifecycle when leader election is enabled
	if app.Config.Standby.Enabled {
		standbyServiceWrapper := newStandbyServiceWrapper(standbyService)
		services = append(services, standbyServiceWrapper)
	} else {
		// No leader election - run router directly
		services = append(services, routerService)
	}

	slog.Info("Router ready",
		"port", app.Config.HTTP.Port,
		"queueType", app.Config.Queue.Type,
		"leaderElection", app.Config.Standby.Enabled)

	// ========================================
	// 5. RUN UNTIL SHUTDOWN
	// ========================================
	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst Message Router stopped")
}

// setupLogging configures the slog default logger.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// setupQueue initializes the queue consumer based on configuration.
// Returns the consumer, a health check function, and any error.
func setupQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, health.CheckFunc, error) {
	cfg := app.Config

	switch cfg.Queue.Type {
	case "nats":
		return setupNATSQueue(ctx, app)
	case "sqs":
		return setupSQSQueue(ctx, app)
	default:
		return nil, nil, fmt.Errorf("unknown queue type: %s (use 'nats' or 'sqs')", cfg.Queue.Type)
	}
}

func setupNATSQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, health.CheckFunc, error) {
	cfg := app.Config

	slog.Info("Connecting to NATS server", "url", cfg.Queue.NATS.URL)

	natsClient, err := natsqueue.NewClient(&queue.NATSConfig{
		URL:        cfg.Queue.NATS.URL,
		StreamName: "DISPATCH",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	// Register cleanup
	app.AddCleanup(func() error {
		slog.Info("Disconnecting from NATS")
		return natsClient.Close()
	})

	consumer, err := natsClient.CreateConsumer(ctx, "router-consumer", "dispatch.>")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create NATS consumer: %w", err)
	}

	healthCheck := health.NATSCheck(func() bool {
		return true // NATS client doesn't expose connection state easily
	})

	slog.Info("Connected to NATS server")
	return consumer, healthCheck, nil
}

func setupSQSQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, health.CheckFunc, error) {
	cfg := app.Config

	slog.Info("Connecting to AWS SQS",
		"region", cfg.Queue.SQS.Region,
		"queueURL", cfg.Queue.SQS.QueueURL)

	sqsCfg := &queue.SQSConfig{
		QueueURL:            cfg.Queue.SQS.QueueURL,
		Region:              cfg.Queue.SQS.Region,
		WaitTimeSeconds:     int32(cfg.Queue.SQS.WaitTimeSeconds),
		VisibilityTimeout:   int32(cfg.Queue.SQS.VisibilityTimeout),
		MaxNumberOfMessages: 10,
	}

	sqsClient, err := sqsqueue.NewClient(ctx, sqsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SQS client: %w", err)
	}

	// Register cleanup
	app.AddCleanup(func() error {
		slog.Info("Disconnecting from SQS")
		return sqsClient.Close()
	})

	consumer, err := sqsClient.CreateConsumer(ctx, "router-consumer", "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SQS consumer: %w", err)
	}

	healthCheck := health.SQSCheck(func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return sqsClient.HealthCheck(checkCtx)
	})

	slog.Info("Connected to AWS SQS")
	return consumer, healthCheck, nil
}

// buildMediatorConfig translates config.MediatorConfig/CircuitBreakerConfig
// into the HTTP mediator's own config shape.
func buildMediatorConfig(cfg *config.Config) *mediator.HTTPMediatorConfig {
	cbCfg := &breaker.Config{
		WindowSize:             time.Duration(cfg.CircuitBreaker.WindowSeconds) * time.Second,
		FailureRatePercent:     cfg.CircuitBreaker.FailureRatePercent,
		MinimumCalls:           uint32(cfg.CircuitBreaker.MinimumCalls),
		OpenDuration:           time.Duration(cfg.CircuitBreaker.OpenDurationSeconds) * time.Second,
		HalfOpenPermittedCalls: uint32(cfg.CircuitBreaker.HalfOpenPermittedCalls),
		IdleEvictionTTL:        time.Duration(cfg.CircuitBreaker.IdleEvictionMinutes) * time.Minute,
	}

	return &mediator.HTTPMediatorConfig{
		Timeout:        time.Duration(cfg.Mediator.TimeoutSeconds) * time.Second,
		HTTPVersion:    mediator.HTTPVersion2,
		CircuitBreaker: cbCfg,
		BreakerKey:     mediator.ClientKey,
	}
}

// buildPoolConfigs translates config.PoolConfig entries into the router's
// own pool config shape.
func buildPoolConfigs(cfg *config.Config) []manager.PoolConfig {
	pools := make([]manager.PoolConfig, 0, len(cfg.Pools))
	for _, p := range cfg.Pools {
		var rateLimit *pool.RateLimitConfig
		if p.RateLimitPerSecond > 0 {
			rateLimit = &pool.RateLimitConfig{
				EventsPerSecond: p.RateLimitPerSecond,
				Burst:           p.RateLimitBurst,
			}
		}
		pools = append(pools, manager.PoolConfig{
			Code:          p.Code,
			Concurrency:   p.Concurrency,
			QueueCapacity: p.QueueCapacity,
			RateLimit:     rateLimit,
		})
	}
	return pools
}

// setupStandbyService configures leader election, wiring a Redis-backed
// distributed lock when standby mode is enabled.
func setupStandbyService(cfg *config.Config, routerService *manager.RouterService) (*standby.Service, error) {
	standbyCfg := &standby.Config{
		Enabled:         cfg.Standby.Enabled,
		InstanceID:      cfg.Standby.InstanceID,
		LockKey:         cfg.Standby.LockKey,
		LockTTL:         time.Duration(cfg.Standby.LockTTLSeconds) * time.Second,
		RefreshInterval: time.Duration(cfg.Standby.RefreshIntervalSeconds) * time.Second,
		RedisURL:        cfg.Standby.RedisURL,
	}

	callbacks := &standby.Callbacks{
		OnBecomePrimary: func() {
			slog.Info("Became PRIMARY - starting message processing")
			routerService.Resume()
		},
		OnBecomeStandby: func() {
			slog.Info("Became STANDBY - stopping message processing")
			routerService.Pause()
		},
	}

	svc := standby.NewService(standbyCfg, callbacks)

	if cfg.Standby.Enabled {
		provider, err := standby.NewRedisLockProvider(cfg.Standby.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis for standby lock: %w", err)
		}
		svc.SetLockProvider(provider)
	}

	return svc, nil
}

// setupHTTPRouter creates the HTTP router with health/metrics endpoints.
func setupHTTPRouter(healthChecker *health.Checker, standbyService *standby.Service, warningHandler *warning.Handler, corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health endpoints
	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	// Standby status endpoint
	r.Get("/router/status", func(w http.ResponseWriter, req *http.Request) {
		status := standbyService.GetStatus()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"role":"%s","instanceId":"%s","standbyEnabled":%v}`,
			standbyService.GetRole(), standbyService.GetInstanceID(), status.StandbyEnabled)
	})

	// Warning endpoints
	warningHandler.RegisterRoutes(r)

	return r
}

// standbyServiceWrapper wraps standby.Service to implement lifecycle.Service.
type standbyServiceWrapper struct {
	service *standby.Service
}

func newStandbyServiceWrapper(svc *standby.Service) *standbyServiceWrapper {
	return &standbyServiceWrapper{service: svc}
}

func (s *standbyServiceWrapper) Name() string { return "standby-service" }

func (s *standbyServiceWrapper) Start(ctx context.Context) error {
	if err := s.service.Start(); err != nil {
		return err
	}
	// Block until context cancelled
	<-ctx.Done()
	return nil
}

func (s *standbyServiceWrapper) Stop(ctx context.Context) error {
	s.service.Stop()
	return nil
}

func (s *standbyServiceWrapper) Health() error {
	return nil
}
