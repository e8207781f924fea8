package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/internal/core/services"
	httphandlers "callcore/internal/handlers/http"
	"callcore/internal/infrastructure/distributed"
	"callcore/internal/infrastructure/engine"
	"callcore/internal/infrastructure/eventbus"
	"callcore/internal/infrastructure/middleware"
	"callcore/internal/infrastructure/monitoring"
	"callcore/internal/infrastructure/repositories/memory"
	"callcore/pkg/config"
	"callcore/pkg/logger"
	"callcore/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", envOr("CALLCORE_CONFIG", "configs/config.yaml"), "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(cfg, log); err != nil {
		log.Fatalw("callcore stopped with error", "error", err)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warnw("failed to flush traces", "error", err)
		}
	}()

	bus := eventbus.New(log)
	analytics := monitoring.NewPrometheusAnalytics(log)
	health := monitoring.NewHealthChecker()

	registry := services.NewPluginRegistry()
	for _, name := range cfg.Packages {
		if _, err := registry.Resolve(name); err != nil {
			log.Warnw("accelerator pack configured without an implementation", "package", name)
		}
	}

	sessions := engine.NewWebSocketSessionFactory(engine.Config{
		URL:            cfg.Engine.URL,
		DialTimeout:    cfg.Engine.DialTimeout,
		RequestTimeout: cfg.Engine.RequestTimeout,
		WriteTimeout:   cfg.Engine.WriteTimeout,
		EventQueueSize: cfg.Engine.EventQueueSize,
		Retry:          cfg.Engine.Retry,
	}, log)

	comm := services.DefaultCommunicationOptions(bus)
	comm.AutoSubscribe = cfg.Communication.AutoSubscribe
	comm.ConnectionLimit = cfg.Communication.ConnectionLimit
	comm.CallProperties = domain.Properties(cfg.Communication.CallProperties)
	comm.ScreenProperties = domain.Properties(cfg.Communication.ScreenProperties)

	core, err := services.NewCore(services.CoreOptions{
		Credentials:       cfg.Credentials,
		Packages:          cfg.Packages,
		StreamContainers:  streamContainers(cfg),
		ControlsContainer: cfg.Controls.Container,
		DisableControls:   cfg.Controls.Disabled,
		Communication:     comm,
		TextChat:          cfg.TextChat,
		ScreenSharing:     cfg.ScreenSharing,
		Annotation:        cfg.Annotation,
		Archiving:         cfg.Archiving,
	}, services.CoreDeps{
		Sessions:  sessions,
		Bus:       bus,
		State:     memory.NewSessionState(),
		Plugins:   registry,
		Analytics: analytics,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize core: %w", err)
	}
	defer core.Close()

	health.AddOptionalCheck("engine", func(ctx context.Context) (bool, error) {
		if core.Session().Connection() == nil {
			return false, domain.ErrNotConnected
		}
		return true, nil
	}, cfg.Monitoring.HealthCheckTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Redis.Enabled {
		relay, closeRelay, err := startRelay(ctx, cfg, bus, health, log)
		if err != nil {
			return err
		}
		defer closeRelay()
		log.Infow("event relay started", "instance_id", relay.InstanceID())
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = analytics.Registry()
	}
	handlers := []ports.HTTPHandler{
		httphandlers.NewHealthHandler(health, gatherer),
		httphandlers.NewCallHandler(core, log),
	}
	for _, h := range handlers {
		h.SetupRoutes(router)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting callcore control API", "address", cfg.Server.Address, "session_id", cfg.Credentials.SessionID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		srv.Close()
	}
	if err := core.Disconnect(shutdownCtx); err != nil && !errors.Is(err, domain.ErrNotConnected) {
		log.Warnw("error disconnecting session", "error", err)
	}

	log.Info("callcore stopped")
	return nil
}

// streamContainers prefers the configured containers and falls back to
// "<role>Container".
func streamContainers(cfg *config.Config) ports.StreamContainers {
	return func(role domain.Role, videoType domain.VideoType, data map[string]interface{}, streamID domain.StreamID) string {
		if container, ok := cfg.Container(role, videoType); ok {
			return container
		}
		return services.DefaultStreamContainers(role, videoType, data, streamID)
	}
}

func startRelay(ctx context.Context, cfg *config.Config, bus ports.EventBus, health *monitoring.HealthChecker, log *zap.SugaredLogger) (*distributed.EventRelay, func(), error) {
	client, err := distributed.NewRedisClient(ctx, distributed.RedisOptions{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	health.AddRedisCheck(client, cfg.Monitoring.HealthCheckTimeout)

	relay := distributed.NewEventRelay(client, distributed.RelayConfig{
		Channel:        cfg.Redis.Channel,
		InstanceID:     cfg.Redis.InstanceID,
		QueueSize:      cfg.Redis.QueueSize,
		Timeout:        cfg.Redis.Timeout,
		Events:         cfg.Redis.Events,
		Retry:          cfg.Redis.Retry,
		CircuitBreaker: cfg.Redis.CircuitBreaker,
	}, log)
	relay.Attach(bus)
	relay.Start(ctx)

	listenCtx, stopListening := context.WithCancel(ctx)
	go func() {
		err := relay.Listen(listenCtx, client, func(env distributed.Envelope) {
			log.Debugw("event from peer instance", "type", env.Type, "instance_id", env.InstanceID)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warnw("relay listener stopped", "error", err)
		}
	}()

	return relay, func() {
		stopListening()
		relay.Close()
		if err := client.Close(); err != nil {
			log.Warnw("error closing redis client", "error", err)
		}
	}, nil
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}
