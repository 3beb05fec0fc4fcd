package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/api"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/core"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/observability"
)

const (
	defaultConfigPath = "configs/smartengine.yaml"
	serviceName       = "smartengine"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	envPath := flag.String("env", ".env", "Optional .env file with secrets")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Setup structured logger
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting smartengine",
		"config", *configPath,
		"debug", *debug,
	)

	if err := config.LoadEnv(*envPath); err != nil {
		slog.Error("failed to load env file", "path", *envPath, "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	shutdownTracing, err := observability.InitTracing(serviceName, cfg.InstanceID, cfg.Tracing)
	if err != nil {
		slog.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	engine, err := core.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Health and metrics server (non-blocking)
	healthServer := engine.StartHealthServer(cfg.Server.HealthPort)

	// Task API
	apiServer := api.New(engine, cfg).Server(cfg.Server.Listen)
	go func() {
		slog.Info("api server listening", "addr", cfg.Server.Listen)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server failed", "error", err)
			cancel()
		}
	}()

	// Run engine in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- engine.Run(ctx) // Always send, even if nil
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		<-errChan
	case runErr := <-errChan:
		if runErr != nil {
			slog.Error("engine error", "error", runErr)
		} else {
			slog.Info("engine stopped (via control plane shutdown command)")
		}
	}

	// Graceful shutdown
	shutdownTimeout := engine.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("api server shutdown failed", "error", err)
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("health server shutdown failed", "error", err)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("tracing shutdown failed", "error", err)
	}

	slog.Info("smartengine stopped successfully")
}
