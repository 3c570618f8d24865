package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aschepis/backscratcher/brain/brain"
	"github.com/aschepis/backscratcher/brain/config"
	"github.com/aschepis/backscratcher/brain/device"
	"github.com/aschepis/backscratcher/brain/embedder"
	"github.com/aschepis/backscratcher/brain/embedder/ollama"
	brainlogger "github.com/aschepis/backscratcher/brain/logger"
	"github.com/aschepis/backscratcher/brain/storage"
	"github.com/aschepis/backscratcher/brain/storage/chromem"
	"github.com/aschepis/backscratcher/brain/storage/sqlite"
	"github.com/aschepis/backscratcher/brain/vectors"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Parse command-line flags
	var (
		dbPath     = flag.String("db", "", "Path to SQLite database file (overrides config)")
		deviceID   = flag.String("device", "", "Device id to register as (default: detected)")
		logFile    = flag.String("logfile", "", "Path to log file. If not set, logs to stdout/stderr")
		pretty     = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
		noCache    = flag.Bool("no-cache", false, "Disable the in-memory vector cache tier")
		noEmbedder = flag.Bool("no-embedder", false, "Run without an embedder (vector stores will fail)")
	)
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	// Load configuration
	cfg, err := config.Load(config.GetConfigPath())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}
	if *logFile == "" {
		*logFile = cfg.LogFile
	}

	// Initialize logger
	logger, err := brainlogger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info().
		Str("db", cfg.Storage.Path).
		Int("embedding_dim", cfg.Storage.EmbeddingDim).
		Str("metric", cfg.Storage.Metric).
		Msg("braind starting")

	metric, err := vectors.ParseMetric(cfg.Storage.Metric)
	if err != nil {
		return fmt.Errorf("invalid similarity metric: %w", err)
	}

	// ---------------------------
	// 1. Open storage
	// ---------------------------

	primary, err := sqlite.Open(cfg.Storage.Path, sqlite.Options{
		EmbeddingDim: cfg.Storage.EmbeddingDim,
		Metric:       metric,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	var cache brain.Backend
	if !cfg.Storage.CacheDisabled && !*noCache {
		cache, err = chromem.New(metric, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("cache tier unavailable, continuing without it")
			cache = nil
		}
	}
	backend := storage.NewRouter(primary, cache, logger)

	// ---------------------------
	// 2. Embedder
	// ---------------------------

	var emb embedder.Embedder
	if !*noEmbedder {
		if cfg.Ollama.Host != "" {
			// api.ClientFromEnvironment reads OLLAMA_HOST
			if err := os.Setenv("OLLAMA_HOST", cfg.Ollama.Host); err != nil {
				return fmt.Errorf("failed to set OLLAMA_HOST: %w", err)
			}
		}
		emb, err = ollama.NewEmbedder(ollama.Model(cfg.Ollama.Model))
		if err != nil {
			return fmt.Errorf("failed to create ollama embedder: %w", err)
		}
	}

	// ---------------------------
	// 3. Brain facade
	// ---------------------------

	b, err := brain.New(backend, emb, brain.Options{
		DefaultTopK:     cfg.Storage.DefaultTopK,
		Threshold:       cfg.Storage.SimilarityThreshold,
		OpTimeout:       time.Duration(cfg.OpTimeout) * time.Second,
		HeartbeatWindow: time.Duration(cfg.HeartbeatWindow) * time.Second,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create brain: %w", err)
	}
	defer b.Close() //nolint:errcheck // No remedy for close errors

	// ---------------------------
	// 4. Register this device
	// ---------------------------

	tier := brain.TierUnknown
	if cfg.Device.Tier != "" {
		tier, err = brain.ParseTier(cfg.Device.Tier)
		if err != nil {
			return fmt.Errorf("invalid device tier: %w", err)
		}
	}
	id := cfg.Device.ID
	if *deviceID != "" {
		id = *deviceID
	}
	self := device.Detect(id, tier, cfg.Device.Specialization, cfg.Device.Location)
	self.Version = version

	ctx := context.Background()
	if err := b.RegisterDevice(ctx, self); err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}
	logger.Info().
		Str("device_id", self.DeviceID).
		Str("tier", string(self.HardwareTier)).
		Str("hostname", self.Hostname).
		Msg("Registered this device")

	if err := b.StartMaintenance(cfg.OfflineSweepSchedule); err != nil {
		return fmt.Errorf("failed to start maintenance: %w", err)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	// Mark this device offline before exiting so peers see it immediately.
	self.Status = brain.StatusOffline
	self.LastSeen = time.Now().UTC()
	if err := b.RegisterDevice(ctx, self); err != nil {
		logger.Warn().Err(err).Msg("failed to mark device offline")
	}

	logger.Info().Msg("braind stopped")
	return nil
}

const version = "0.1.0"
