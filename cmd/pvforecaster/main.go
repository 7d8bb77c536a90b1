// Command pvforecaster serves solar power forecasts for PV sites.
//
// The forecaster runs a continuous loop that:
//  1. Refreshes live data sources (PV telemetry, weather forecasts)
//  2. Predicts every PV site at the current time
//  3. Stores one forecast snapshot per site
//
// The HTTP API (port 8081 by default) provides:
//   - GET /forecast/current?pv_id=<id> - Latest forecast of a site
//   - GET /predict?pv_id=<id>&ts=<RFC 3339> - Forecast computed on demand
//   - GET /healthz - Health check endpoint
//   - GET /metrics - Prometheus metrics endpoint
//
// The gRPC API (port 9091 by default) serves pvsite.v1.Forecaster and the
// standard health service.
//
// Usage:
//
//	pvforecaster \
//	  -sources=/etc/pvsite/sources.yaml \
//	  -model-uri=redis://redis:6379/0/models/current \
//	  -interval=5m
//
// Environment variables:
//
//	SOURCES_CONFIG    - YAML data source configuration (required)
//	MODEL_URI         - Saved model, local path or redis URI
//	MODEL             - Baseline used without MODEL_URI (default: yesterday)
//	HORIZON_MINUTES   - Baseline horizon duration (default: 15)
//	NUM_HORIZONS      - Baseline horizon count (default: 48)
//	PV_IDS            - Comma separated sites (default: all)
//	INTERVAL          - Forecast loop interval (default: 5m)
//	LISTEN            - HTTP listen address (default: :8081)
//	GRPC_LISTEN       - gRPC listen address (default: :9091, empty disables)
//	STORAGE           - memory or redis (default: memory)
//	WEATHER_ENABLED   - Fetch Open-Meteo forecasts for every site
//	UPSTREAM_TLS_*    - Client certificate presented to the live PV API
//	LOG_LEVEL         - Logging level: debug, info, warn, error (default: info)
//	LOG_FORMAT        - Logging format: text, json (default: text)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/HatiCode/pvsite/cmd/pvforecaster/config"
	"github.com/HatiCode/pvsite/cmd/pvforecaster/metrics"
	"github.com/HatiCode/pvsite/cmd/pvforecaster/models"
	"github.com/HatiCode/pvsite/cmd/pvforecaster/router"
	"github.com/HatiCode/pvsite/cmd/pvforecaster/sources"
	"github.com/HatiCode/pvsite/cmd/pvforecaster/store"
	"github.com/HatiCode/pvsite/pkg/datasources"
	"github.com/HatiCode/pvsite/pkg/httpx"
	"github.com/HatiCode/pvsite/pkg/logger"
	"github.com/HatiCode/pvsite/pkg/rpc"
	"github.com/HatiCode/pvsite/pkg/weather"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}

	log := logger.New(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("forecaster failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	log.Info("starting pvsite forecaster", "version", version, "sources", cfg.SourcesFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srcCfg, err := datasources.LoadConfig(cfg.SourcesFile)
	if err != nil {
		return err
	}
	opts := sources.Options{Logger: log}
	if cfg.UpstreamTLS.Enabled {
		client, err := httpx.NewClient(cfg.UpstreamTLS, 10*time.Second)
		if err != nil {
			return fmt.Errorf("upstream tls: %w", err)
		}
		opts.Client = &httpx.RetryClient{Client: client}
	}
	if cfg.Weather.Enabled {
		client := weather.NewOpenMeteoClient(cfg.Weather.BaseURL, log)
		client.Model = cfg.Weather.Model
		opts.Weather = sources.Weather{
			Client:    client,
			Name:      cfg.Weather.Name,
			Variables: cfg.Weather.Variables,
			Refresh:   cfg.Weather.Refresh,
			Tolerance: cfg.Weather.Tolerance,
		}
	}
	manager, err := sources.New(srcCfg, opts)
	if err != nil {
		return err
	}

	ds, err := manager.Refresh(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("initial data source refresh: %w", err)
	}
	model, err := models.New(ctx, cfg, ds, log)
	if err != nil {
		return err
	}

	st, err := store.New(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(st); err != nil {
			log.Error("failed to close store", "error", err)
		}
	}()

	f := New(model, manager, st, cfg.PvIDs, log, metrics.New(prometheus.DefaultRegisterer, model.Name()))

	tlsConfig, err := cfg.TLS.ServerConfig()
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}

	mux := router.SetupRoutes(router.Options{
		Store:      st,
		Predictor:  f,
		StaleAfter: 2 * cfg.Interval,
		Ready:      f.Ready,
		Logger:     log,
	})
	handler := httpx.RecoveryMiddleware(log)(httpx.LoggingMiddleware(log)(mux))
	httpServer := httpx.NewServer(cfg.Listen, handler, log)
	if tlsConfig != nil {
		httpServer.SetTLSConfig(tlsConfig)
	}

	go func() {
		if err := f.Run(ctx, cfg.Interval); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("forecast loop failed", "error", err)
		}
	}()

	serverErr := make(chan error, 2)
	go func() {
		serverErr <- httpServer.Start()
	}()

	var grpcServer *rpc.Server
	if cfg.GRPCListen != "" {
		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcServer = rpc.NewServer(rpc.NewService(f, st, log), tlsConfig, log)
		log.Info("grpc server listening", "addr", cfg.GRPCListen)
		go func() {
			serverErr <- grpcServer.Serve(lis)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	}

	log.Info("shutting down")
	cancel()

	if grpcServer != nil {
		grpcServer.Stop()
	}
	if err := httpServer.Stop(10 * time.Second); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("shutdown complete")
	return runErr
}
