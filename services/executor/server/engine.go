// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package server wires the executor's components together and serves the
// HTTP surface.
//
// Every component is an explicitly constructed, injected instance carried
// on the Engine; there are no package-level singletons, so tests and
// multi-tenant deployments can run isolated engines side by side.
package server

import (
	"log/slog"
	"time"

	"github.com/khill1269/servalsheets-sub007/services/executor/batch"
	"github.com/khill1269/servalsheets-sub007/services/executor/breaker"
	"github.com/khill1269/servalsheets-sub007/services/executor/config"
	"github.com/khill1269/servalsheets-sub007/services/executor/conflict"
	"github.com/khill1269/servalsheets-sub007/services/executor/ratelimit"
	"github.com/khill1269/servalsheets-sub007/services/executor/sheets"
	"github.com/khill1269/servalsheets-sub007/services/executor/snapshot"
	"github.com/khill1269/servalsheets-sub007/services/executor/telemetry"

	"go.opentelemetry.io/otel/trace"
)

// Engine bundles the executor's long-lived components.
//
// The Limiter, mutation Breaker, Detector, and Snapshots are shared
// process-wide; the Compiler is stateless over them.
type Engine struct {
	Config    config.Config
	Compiler  *batch.Compiler
	Limiter   *ratelimit.Limiter
	Detector  *conflict.Detector
	Snapshots *snapshot.Service
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
}

// Collaborators are the external services an Engine talks to. In
// production all five are the gateway Client; tests substitute fakes.
type Collaborators struct {
	Updater  sheets.BatchUpdater
	Metadata sheets.MetadataFetcher
	Reader   sheets.RangeReader
	Writer   sheets.RangeWriter
	Copies   sheets.CopyAPI
	Diffs    sheets.DiffEngine
	Policy   sheets.PolicyEnforcer
}

// NewEngine constructs a fully wired engine from configuration.
//
// Inputs:
//   - cfg: Validated configuration.
//   - collab: External collaborators. Updater, Reader, and Copies must not
//     be nil.
//   - logger: Structured logger. May be nil.
//   - metrics: Telemetry instruments. May be nil.
//   - tracer: Tracer for execution spans. May be nil.
func NewEngine(cfg config.Config, collab Collaborators, logger *slog.Logger, metrics *telemetry.Metrics, tracer trace.Tracer) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	limiter := ratelimit.New(ratelimit.Config{
		ReadCapacity:      cfg.RateLimit.ReadCapacity,
		ReadRefillPerSec:  cfg.RateLimit.ReadRefillPerSec,
		WriteCapacity:     cfg.RateLimit.WriteCapacity,
		WriteRefillPerSec: cfg.RateLimit.WriteRefillPerSec,
	})

	detector := conflict.NewDetector(conflict.Config{
		Enabled:            cfg.Conflict.Enabled,
		CacheTTL:           cfg.Conflict.CacheTTL.Std(),
		LockTTL:            cfg.Conflict.LockTTL.Std(),
		MaxVersionsToCache: cfg.Conflict.MaxVersionsToCache,
		AutoResolve:        cfg.Conflict.AutoResolve,
		DefaultStrategy:    conflict.Strategy(cfg.Conflict.DefaultStrategy),
	}, collab.Reader, collab.Writer, logger.With("component", "conflict"))

	snapshotBreaker := breaker.New[string](breaker.Config{
		Name:             "snapshot-copy-api",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Timeout.Std(),
	})
	snapshots := snapshot.NewService(snapshot.Config{MaxSnapshots: cfg.Snapshot.MaxSnapshots},
		collab.Copies, snapshotBreaker, logger.With("component", "snapshot"), metrics)

	mutationBreaker := breaker.New[*sheets.BatchResponse](breaker.Config{
		Name:             "sheets-mutation-api",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Timeout.Std(),
	})

	compiler := batch.NewCompiler(batch.Deps{
		Updater:         collab.Updater,
		Limiter:         limiter,
		Breaker:         mutationBreaker,
		Detector:        detector,
		Snapshots:       snapshots,
		Metadata:        collab.Metadata,
		Diffs:           collab.Diffs,
		Policy:          collab.Policy,
		DefaultMaxCells: cfg.Safety.MaxCellsAffected,
		Logger:          logger.With("component", "batch"),
		Metrics:         metrics,
		Tracer:          tracer,
	})

	return &Engine{
		Config:    cfg,
		Compiler:  compiler,
		Limiter:   limiter,
		Detector:  detector,
		Snapshots: snapshots,
		Logger:    logger,
		Metrics:   metrics,
	}
}

// GatewayCollaborators builds production collaborators backed by the
// remote gateway client. Diff engine and policy enforcer are separate
// services and may be nil when not deployed.
func GatewayCollaborators(cfg config.Config) Collaborators {
	client := sheets.NewClient(cfg.RemoteBaseURL, 30*time.Second)
	return Collaborators{
		Updater:  client,
		Metadata: client,
		Reader:   client,
		Writer:   client,
		Copies:   client,
	}
}
