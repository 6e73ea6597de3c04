package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DeRuina/timberjack"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/speech-bridge/internal/config"
	"github.com/skypro1111/speech-bridge/internal/metrics"
	"github.com/skypro1111/speech-bridge/internal/registry"
	"github.com/skypro1111/speech-bridge/internal/server"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "speech-bridge"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
		slog.String("tts_vendor", cfg.TTS.Vendor),
		slog.Int("tts_sample_rate", cfg.TTS.SampleRate),
		slog.String("tts_sample_format", cfg.TTS.SampleFormat),
		slog.String("asr_engine", cfg.ASR.EngineModelType),
		slog.Int("max_streams", cfg.Registry.MaxStreams),
		slog.Duration("idle_timeout", cfg.Registry.GetIdleTimeoutDuration()),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics on a private registry
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(promRegistry)
	logger.Info("Prometheus metrics initialized")

	// Initialize the per-stream controller registry
	streams := registry.NewManager(logger, appMetrics, registry.Config{
		IdleTimeout:   cfg.Registry.GetIdleTimeoutDuration(),
		SweepInterval: cfg.Registry.GetSweepIntervalDuration(),
		MaxStreams:    cfg.Registry.MaxStreams,
	})

	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Address:      cfg.Server.Address,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.GetReadTimeoutDuration(),
		WriteTimeout: cfg.Server.GetWriteTimeoutDuration(),
		OutputDir:    cfg.Server.OutputDir,
	}, logger, cfg, streams, server.NewControllers(cfg, logger, appMetrics), appMetrics, promRegistry)

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(httpServer.Run)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")

		// Stop HTTP server first (stop accepting new requests)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		err := httpServer.Stop(shutdownCtx)

		// Shut down every controller and its vendor connection
		streams.Stop()
		return err
	})

	logger.Info("Service started successfully, waiting for signals...")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Service stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output io.Writer
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path, rotated by size
		output = &timberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
