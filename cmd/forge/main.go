package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"Forge/internal/analytics"
	"Forge/internal/api"
	"Forge/internal/config"
	"Forge/internal/fleet"
	"Forge/internal/leaderelection"
	"Forge/internal/metrics"
	"Forge/internal/reaper"
	"Forge/internal/runner"
	"Forge/internal/store"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting forge",
		"version", version,
		"region", cfg.AWS.Region,
		"environment", cfg.Runner.Environment,
		"dry_run", cfg.DryRun,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	// Initialize metrics
	registry := prometheus.NewRegistry()
	met := metrics.NewMetrics(registry)
	met.BuildInfo.WithLabelValues(version, cfg.AWS.Region, cfg.Runner.Environment).Set(1)

	// Initialize AWS clients
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	ec2Client := ec2.NewFromConfig(awsCfg)
	ssmClient := ssm.NewFromConfig(awsCfg)

	// Initialize core components
	allocator := fleet.NewAllocator(ec2Client, ssmClient, cfg.AWS, logger, met)
	inventory := runner.NewInventory(ec2Client, logger, met)

	// Initialize store
	st, err := store.New(store.StoreConfig{
		Enabled:   cfg.Store.Enabled,
		Path:      cfg.Store.Path,
		MaxEvents: cfg.Store.MaxEvents,
	})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	tracker := analytics.NewTracker()

	// Initialize API server
	apiServer := api.New(cfg, allocator, inventory, st, tracker, met, registry, logger)

	// Start API server
	go func() {
		if err := apiServer.Start(ctx); err != nil {
			logger.Error("API server error", "error", err)
		}
	}()

	// Initialize reaper
	rpr := reaper.New(inventory, reaper.Options{
		Environment: cfg.Runner.Environment,
		BootBudget:  cfg.BootTimeout(),
		Interval:    cfg.Reaper.Interval,
		DryRun:      cfg.DryRun,
	}, logger, met)

	// Initialize leader election
	le := leaderelection.New(leaderelection.Config{
		Enabled:      cfg.LeaderElection.Enabled,
		LockFilePath: cfg.LeaderElection.LockFilePath,
		RetryPeriod:  cfg.LeaderElection.RetryPeriod,
	}, logger)

	// Start reaper with leader election
	errCh := make(chan error, 1)
	if cfg.Reaper.Enabled {
		go func() {
			errCh <- le.Run(ctx,
				func(ctx context.Context) {
					logger.Info("became leader, starting reaper")
					met.LeaderElection.Set(1)
					if err := rpr.Run(ctx); err != nil {
						logger.Error("reaper error", "error", err)
					}
				},
				func(ctx context.Context) {
					logger.Info("stopped being leader")
					met.LeaderElection.Set(0)
				},
			)
		}()
	}

	// Wait for shutdown signal or error
	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
		cancel()
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutdown complete")
	return nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
