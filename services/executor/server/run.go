// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/khill1269/servalsheets-sub007/pkg/logging"
	"github.com/khill1269/servalsheets-sub007/services/executor/config"
	"github.com/khill1269/servalsheets-sub007/services/executor/telemetry"
)

// Run loads configuration, wires an Engine, and serves HTTP until the
// context is cancelled or the listener fails.
//
// Inputs:
//   - ctx: Cancelling it triggers cleanup of background sweeps.
//   - configPath: YAML config path; empty uses built-in defaults.
func Run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		JSON:    cfg.LogJSON,
		Service: "executor",
	})

	exporter, err := otelprom.New()
	if err != nil {
		return fmt.Errorf("creating prometheus exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(meterProvider)

	metrics, err := telemetry.NewMetrics(meterProvider.Meter("executor"))
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	tracer := otel.Tracer("executor")
	engine := NewEngine(cfg, GatewayCollaborators(cfg), logger, metrics, tracer)

	// Long-running service mode gets periodic cache sweeps; everything
	// else relies on lazy expiry.
	engine.Detector.StartJanitor(ctx, time.Minute)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("executor"))
	SetupRoutes(router, engine)

	logger.Info("executor service listening", "addr", cfg.Listen)
	return serveUntilCancelled(ctx, &http.Server{Addr: cfg.Listen, Handler: router}, logger)
}

// shutdownGrace bounds how long in-flight requests get to drain.
const shutdownGrace = 10 * time.Second

// serveUntilCancelled runs srv until the listener fails or ctx is
// cancelled, then drains in-flight requests within shutdownGrace.
func serveUntilCancelled(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("executor service shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		// ListenAndServe returns ErrServerClosed once Shutdown begins.
		<-errCh
		return nil
	}
}
