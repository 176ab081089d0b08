// Package main implements the entry point for the Figma relay, the WebSocket
// hub that pairs a Figma plugin frontend with an AI reasoning backend per
// named channel.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ajessitech/figmacopilot-sub001/config"
	"github.com/ajessitech/figmacopilot-sub001/health"
	"github.com/ajessitech/figmacopilot-sub001/metric"
	"github.com/ajessitech/figmacopilot-sub001/relay"
	"github.com/ajessitech/figmacopilot-sub001/tap"
)

// Build information constants
const (
	Version   = "1.0.0"
	BuildTime = "dev"
	appName   = "figma-relay"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	registry := metric.NewMetricsRegistry()

	tapPublisher, tapFn, err := setupTap(cfg, logger, registry)
	if err != nil {
		return err
	}

	server := newRelayServer(cfg, logger, registry, tapFn)
	if err := server.Initialize(); err != nil {
		return fmt.Errorf("initialize relay: %w", err)
	}

	metricsServer := setupMetricsServer(cfg, registry, server, tapPublisher)

	return runWithSignalHandling(cfg, server, tapPublisher, metricsServer, cliCfg.ShutdownTimeout)
}

func newRelayServer(cfg *config.Config, logger *slog.Logger, registry *metric.MetricsRegistry,
	tapFn relay.TapFunc) *relay.Server {
	var opts []relay.ServerOption
	if tapFn != nil {
		opts = append(opts, relay.WithTap(tapFn))
	}
	return relay.NewServer(cfg, logger, registry, opts...)
}

// setupTap builds the NATS mirror when enabled. A nil publisher means the tap
// is off; the relay runs the same either way.
func setupTap(cfg *config.Config, logger *slog.Logger,
	registry *metric.MetricsRegistry) (*tap.Publisher, relay.TapFunc, error) {
	if !cfg.Tap.Enabled {
		return nil, nil, nil
	}

	publisher := tap.NewPublisher(cfg.Tap, logger, registry)
	if err := publisher.Initialize(); err != nil {
		return nil, nil, fmt.Errorf("initialize tap: %w", err)
	}
	return publisher, publisher.Tap(), nil
}

// setupMetricsServer prepares the Prometheus endpoint plus /healthz rollup.
// Returns nil when metrics are disabled.
func setupMetricsServer(cfg *config.Config, registry *metric.MetricsRegistry,
	server *relay.Server, tapPublisher *tap.Publisher) *metric.Server {
	if !cfg.Metrics.Enabled {
		return nil
	}

	healthFn := func() (bool, []byte) {
		statuses := []health.Status{
			health.FromComponentHealth("relay", server.Health()),
		}
		if tapPublisher != nil {
			statuses = append(statuses, health.FromComponentHealth("tap", tapPublisher.Health()))
		}
		rollup := health.Aggregate(appName, statuses)
		body, _ := json.Marshal(rollup)
		return rollup.IsHealthy(), body
	}

	return metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, healthFn)
}

// runWithSignalHandling starts everything and blocks until SIGINT/SIGTERM.
func runWithSignalHandling(cfg *config.Config, server *relay.Server, tapPublisher *tap.Publisher,
	metricsServer *metric.Server, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if tapPublisher != nil {
		if err := tapPublisher.Start(signalCtx); err != nil {
			return fmt.Errorf("start tap: %w", err)
		}
	}

	if err := server.Start(signalCtx); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}

	if metricsServer != nil {
		go func() {
			slog.Info("Metrics server listening", "address", metricsServer.Address())
			if err := metricsServer.Start(); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	meta := server.Meta()
	slog.Info("Relay started",
		"name", meta.Name,
		"version", meta.Version,
		"listen", server.Addr(),
		"path", cfg.Server.Path,
		"join_policy", cfg.Channels.JoinPolicy,
		"tap_enabled", cfg.Tap.Enabled)

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	return shutdown(server, tapPublisher, metricsServer, shutdownTimeout)
}

// shutdown stops components in reverse start order.
func shutdown(server *relay.Server, tapPublisher *tap.Publisher,
	metricsServer *metric.Server, timeout time.Duration) error {
	var errs []error

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			slog.Error("Error stopping metrics server", "error", err)
			errs = append(errs, err)
		}
	}

	if err := server.Stop(timeout); err != nil {
		slog.Error("Error stopping relay", "error", err)
		errs = append(errs, err)
	}

	if tapPublisher != nil {
		if err := tapPublisher.Stop(timeout); err != nil {
			slog.Error("Error stopping tap", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("graceful shutdown failed: %v", errs)
	}
	slog.Info("Relay shutdown complete")
	return nil
}

func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting Figma relay",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// loadConfig reads the optional config file on top of defaults. A missing
// path means defaults plus environment overrides.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path == "" {
		return loader.Load()
	}
	return loader.LoadFile(path)
}
