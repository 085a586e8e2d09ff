// Package main is the entry point for the lost-and-found search service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vyrodovalexey/lostfound/internal/backend"
	"github.com/vyrodovalexey/lostfound/internal/config"
	"github.com/vyrodovalexey/lostfound/internal/livesync"
	"github.com/vyrodovalexey/lostfound/internal/search"
	"github.com/vyrodovalexey/lostfound/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use a basic logger for startup errors
		basicLogger, _ := zap.NewProduction()
		basicLogger.Error("failed to load configuration", zap.Error(err))
		return 1
	}

	// Initialize logger
	logger, err := initLogger(cfg.Server.LogLevel)
	if err != nil {
		basicLogger, _ := zap.NewProduction()
		basicLogger.Error("failed to initialize logger", zap.Error(err))
		return 1
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("configuration loaded",
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("probe_port", cfg.Server.ProbePort),
		zap.String("log_level", cfg.Server.LogLevel),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout),
		zap.Bool("metrics_enabled", cfg.Server.MetricsEnabled),
		zap.String("backend_url", cfg.Backend.URL),
		zap.String("table", cfg.Backend.Schema+"."+cfg.Backend.Table),
		zap.String("timezone", cfg.Search.Timezone),
	)

	sync, pipeline, err := buildCollection(cfg, logger)
	if err != nil {
		logger.Error("failed to create backend client", zap.Error(err))
		return 1
	}

	srv := server.New(cfg, logger, sync, pipeline)

	syncCtx, stopSync := context.WithCancel(context.Background())
	defer stopSync()

	syncDone := make(chan error, 1)
	go func() {
		syncDone <- sync.Run(syncCtx)
	}()

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	// Wait for shutdown signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	syncStopped := false

	select {
	case err := <-serverErrors:
		logger.Error("server error", zap.Error(err))
		code = 1
	case err := <-syncDone:
		logger.Error("synchronizer stopped unexpectedly", zap.Error(err))
		syncStopped = true
		code = 1
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	// Create shutdown context with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Graceful shutdown
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
		code = 1
	}

	stopSync()
	if !syncStopped {
		if err := waitSync(ctx, syncDone); err != nil {
			logger.Error("synchronizer shutdown failed", zap.Error(err))
			code = 1
		}
	}

	logger.Info("server stopped")
	return code
}

// buildCollection wires the data service client, the search pipeline and
// the synchronizer.
func buildCollection(cfg *config.Config, logger *zap.Logger) (*livesync.Synchronizer, *search.Pipeline, error) {
	client, err := backend.NewClient(cfg.BackendOptions(), logger.Named("backend"))
	if err != nil {
		return nil, nil, fmt.Errorf("creating backend client: %w", err)
	}

	matcher := search.NewMatcher(
		search.WithThreshold(cfg.Search.Threshold),
		search.WithDistance(cfg.Search.Distance),
	)

	return livesync.New(client, logger.Named("livesync")), search.NewPipeline(matcher), nil
}

// waitSync waits for Run to return after its context was cancelled.
func waitSync(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for synchronizer: %w", ctx.Err())
	}
}

// initLogger initializes a zap logger with the specified log level.
func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	zapConfig := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapConfig.Build()
}
