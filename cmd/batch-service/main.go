// batch-service is the HTTP API server for hardware batch operations.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"batchengine/internal/api"
	"batchengine/internal/config"
	"batchengine/internal/dispatcher"
	"batchengine/internal/engine"
	"batchengine/internal/hardware"
	"batchengine/internal/health"
	"batchengine/internal/history"
	"batchengine/internal/observability"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	system, err := config.LoadSystem(svcCfg.SystemFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		slog.Warn("System config not found, using defaults", "path", svcCfg.SystemFile)
		system = config.DefaultSystem()
	}
	slog.Info("System configuration loaded", "tanks", len(system.Tanks))

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Create webhook dispatcher
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)

	// Open the hardware transport
	transport, err := openTransport(svcCfg)
	if err != nil {
		return err
	}
	defer transport.Close()

	// History: bounded in-memory store, optional webhook fanout
	store := history.NewStore(svcCfg.HistorySize)
	var sink history.Sink = store
	if svcCfg.HistoryWebhookURL != "" {
		slog.Info("History webhook enabled", "url", svcCfg.HistoryWebhookURL)
		sink = history.Fanout{
			store,
			history.NewWebhook(eventDispatcher, svcCfg.HistoryWebhookURL, svcCfg.HistoryWebhookKey),
		}
	}

	// Create the engine and start the tick loop
	eng := engine.New(system, transport, sink, metrics, engine.Config{
		TickInterval: svcCfg.TickInterval,
	})

	engineCtx, engineCancel := context.WithCancel(ctx)
	defer engineCancel()
	engineDone := make(chan struct{})
	go func() {
		eng.Run(engineCtx)
		close(engineDone)
	}()

	// Create health checker
	healthChecker := health.NewChecker(eng)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Engine:        eng,
		History:       store,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		engineCancel()
		<-engineDone
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop the engine. Active jobs get a stop request and one
	// final tick so every actuator is safed before the process exits.
	slog.Info("Stopping engine")
	engineCancel()
	select {
	case <-engineDone:
	case <-time.After(30 * time.Second):
		slog.Error("Engine did not stop in time")
	}

	// Phase 4: Drain the event dispatcher
	slog.Info("Draining event dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	// Log final dispatcher stats
	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	slog.Info("Shutdown complete")
	return nil
}

// openTransport selects the hardware transport from configuration.
func openTransport(cfg *config.ServiceConfig) (hardware.Transport, error) {
	switch cfg.Transport {
	case "serial":
		transport, err := hardware.OpenSerial(hardware.SerialConfig{
			Device: cfg.SerialDevice,
			Baud:   cfg.SerialBaud,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open serial transport: %w", err)
		}
		slog.Info("Connected to hardware controller", "device", cfg.SerialDevice, "baud", cfg.SerialBaud)
		return transport, nil
	case "sim":
		slog.Info("Using simulated hardware transport")
		return hardware.NewSim(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (expected serial or sim)", cfg.Transport)
	}
}
