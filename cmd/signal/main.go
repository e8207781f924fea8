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

	"callcore/internal/core/ports"
	"callcore/internal/core/services"
	httphandlers "callcore/internal/handlers/http"
	"callcore/internal/infrastructure/middleware"
	"callcore/internal/infrastructure/monitoring"
	signalserver "callcore/internal/infrastructure/signal"
	"callcore/pkg/config"
	"callcore/pkg/logger"
	"callcore/pkg/tracing"

	"github.com/gin-gonic/gin"
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
		log.Fatalw("signaling server stopped with error", "error", err)
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
		tp.Shutdown(ctx)
	}()

	tokens := services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL, cfg.Auth.MaxTokenTTL)
	if cfg.Auth.APIKey == "" {
		log.Warn("auth.api_key is not set, token endpoints will reject every request")
	}

	wsCfg := signalserver.Config{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MaxConnections: cfg.Signal.MaxConnections,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		wsCfg.MessageRate = cfg.RateLimiting.WebSocket.MessagesPerSecond
		wsCfg.MessageBurst = cfg.RateLimiting.WebSocket.Burst
		wsCfg.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}
	wsServer := signalserver.NewWebSocketServer(tokens, wsCfg, log)

	health := monitoring.NewHealthChecker()
	health.AddCheck("signal", func(ctx context.Context) (bool, error) { return true, nil }, cfg.Monitoring.HealthCheckTimeout)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))

	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))
	router.GET("/stats", gin.WrapF(wsServer.HealthCheck))

	api := router.Group("",
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)
	handlers := []ports.HTTPHandler{
		httphandlers.NewHealthHandler(health, nil),
	}
	for _, h := range handlers {
		h.SetupRoutes(api)
	}
	httphandlers.NewTokenHandler(tokens, log).SetupRoutes(
		api.Group("", middleware.APIKeyMiddleware(cfg.Auth.APIKey, cfg.Auth.APISecret)),
	)

	srv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling server", "address", cfg.Signal.Address)
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

	wsServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		srv.Close()
	}

	log.Info("signaling server stopped")
	return nil
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}
