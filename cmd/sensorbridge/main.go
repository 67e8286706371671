// Package main implements the entry point for the sensorbridge service.
// Sensorbridge connects to heterogeneous sensor protocols, normalizes
// their telemetry into unified readings, and serves the aggregate over
// HTTP and websocket with circuit-breaker-guarded reconnection.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/sensorbridge/config"
	"github.com/c360/sensorbridge/health"
	"github.com/c360/sensorbridge/metric"
	wsoutput "github.com/c360/sensorbridge/output/websocket"
	"github.com/c360/sensorbridge/protocol"
	"github.com/c360/sensorbridge/protocol/modbusclient"
	"github.com/c360/sensorbridge/protocol/natsclient"
	"github.com/c360/sensorbridge/sensor"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "sensorbridge"
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
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// CLI flags override the config file's logging section.
	level, format := cfg.Logging.Level, cfg.Logging.Format
	if cliCfg.LogLevel != "" {
		level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		format = cliCfg.LogFormat
	}
	logger := setupLogger(level, format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("Starting sensorbridge",
		"version", Version,
		"config_path", cliCfg.ConfigPath,
		"listen_addr", cfg.Server.ListenAddr)

	registry := metric.NewRegistry()

	svc, err := buildService(cfg, logger, registry)
	if err != nil {
		return fmt.Errorf("build sensor service: %w", err)
	}

	wsMetrics, err := wsoutput.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("register websocket metrics: %w", err)
	}
	wsServer := wsoutput.NewServer(wsoutput.Config{}, logger.With("component", "websocket"), wsMetrics)

	httpServer := buildHTTPServer(cfg, svc, wsServer, registry)

	return runWithSignalHandling(svc, wsServer, httpServer, cliCfg.ShutdownTimeout)
}

// buildService assembles the sensor service from the enabled protocol
// sections and their mapping tables.
func buildService(cfg *config.Config, logger *slog.Logger, registry *metric.Registry) (*sensor.Service, error) {
	protocols := make(map[string]sensor.ProtocolConfig)

	if n := cfg.Protocols.NATS; n != nil && n.Enabled {
		clientCfg := n.ClientConfig()
		clientLogger := logger.With("protocol", "nats")
		protocols["nats"] = sensor.ProtocolConfig{
			NewClient: func() (protocol.Client, error) {
				return natsclient.New(clientCfg, clientLogger)
			},
			Adapter: buildAdapter(cfg.MappingsFor("nats")),
			Breaker: cfg.Breaker.Breaker(),
		}
	}

	if m := cfg.Protocols.Modbus; m != nil && m.Enabled {
		clientCfg := m.ClientConfig()
		clientLogger := logger.With("protocol", "modbus")
		protocols["modbus"] = sensor.ProtocolConfig{
			NewClient: func() (protocol.Client, error) {
				return modbusclient.New(clientCfg, clientLogger)
			},
			Adapter: buildAdapter(cfg.MappingsFor("modbus")),
			Breaker: cfg.Breaker.Breaker(),
		}
	}

	return sensor.New(sensor.Config{
		Protocols: protocols,
		Reconnect: cfg.Reconnect.Policy(),
		Logger:    logger.With("component", "sensor"),
		Metrics:   registry,
	})
}

// buildHTTPServer wires the observability and streaming endpoints.
func buildHTTPServer(
	cfg *config.Config,
	svc *sensor.Service,
	wsServer *wsoutput.Server,
	registry *metric.Registry,
) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	mux.Handle("/healthz", health.Handler(health.ServiceProvider(appName, svc.GetConnectionStatus)))
	mux.Handle("/ws", wsServer.Handler())

	return &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// runWithSignalHandling starts everything and blocks until a shutdown
// signal or a fatal server error.
func runWithSignalHandling(
	svc *sensor.Service,
	wsServer *wsoutput.Server,
	httpServer *http.Server,
	shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := svc.Start(signalCtx); err != nil {
		return fmt.Errorf("start sensor service: %w", err)
	}
	if err := wsServer.Start(signalCtx, svc); err != nil {
		return fmt.Errorf("start websocket output: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	slog.Info("sensorbridge started", "addr", httpServer.Addr)

	select {
	case <-signalCtx.Done():
		slog.Info("Received shutdown signal")
	case err := <-serverErr:
		slog.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	wsServer.Stop()
	if err := svc.Stop(shutdownCtx); err != nil {
		slog.Warn("sensor service stop", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown", "error", err)
	}

	slog.Info("sensorbridge shutdown complete")
	return nil
}
