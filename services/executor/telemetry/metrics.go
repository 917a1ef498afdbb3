// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry provides the executor's OpenTelemetry metric
// instruments. All metrics use the "executor_" prefix.
package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the mutation executor.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Batch Metrics ---

	// BatchesExecutedTotal counts batch executions by outcome.
	BatchesExecutedTotal metric.Int64Counter

	// BatchExecuteDuration records full gate-sequence duration in seconds.
	BatchExecuteDuration metric.Float64Histogram

	// CellsMutatedTotal counts cells reported updated by the remote API.
	CellsMutatedTotal metric.Int64Counter

	// --- Safety-gate Metrics ---

	// GateRejectionsTotal counts local rejections by gate (scope, payload,
	// precondition, policy).
	GateRejectionsTotal metric.Int64Counter

	// RateLimitWaitDuration records time spent waiting for write tokens.
	RateLimitWaitDuration metric.Float64Histogram

	// ThrottlesTotal counts defensive limiter throttles after upstream 429s.
	ThrottlesTotal metric.Int64Counter

	// --- Conflict Metrics ---

	// ConflictsDetectedTotal counts detected write conflicts by severity.
	ConflictsDetectedTotal metric.Int64Counter

	// ConflictsResolvedTotal counts resolutions by strategy and outcome.
	ConflictsResolvedTotal metric.Int64Counter

	// --- Snapshot Metrics ---

	// SnapshotsCreatedTotal counts snapshots created.
	SnapshotsCreatedTotal metric.Int64Counter

	// SnapshotPruneFailures counts best-effort prune deletions that failed,
	// leaving an orphaned remote copy.
	SnapshotPruneFailures metric.Int64Counter

	// --- Circuit Metrics ---

	// CircuitRejectionsTotal counts calls rejected by an open circuit.
	// Per-fallback usage lives on the breaker's own stats.
	CircuitRejectionsTotal metric.Int64Counter
}

// NewMetrics registers all executor metrics with the provided meter.
//
// Inputs:
//   - meter: The OTel meter to register with.
//
// Outputs:
//   - *Metrics: Initialized instruments.
//   - error: Non-nil if any registration fails.
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.BatchesExecutedTotal, err = meter.Int64Counter(
		"executor_batches_executed_total",
		metric.WithDescription("Total batch executions by outcome"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create batches_executed_total: %w", err)
	}

	m.BatchExecuteDuration, err = meter.Float64Histogram(
		"executor_batch_execute_duration_seconds",
		metric.WithDescription("Batch execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("create batch_execute_duration: %w", err)
	}

	m.CellsMutatedTotal, err = meter.Int64Counter(
		"executor_cells_mutated_total",
		metric.WithDescription("Cells reported updated by the remote API"),
		metric.WithUnit("{cell}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cells_mutated_total: %w", err)
	}

	m.GateRejectionsTotal, err = meter.Int64Counter(
		"executor_gate_rejections_total",
		metric.WithDescription("Local safety-gate rejections by gate"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create gate_rejections_total: %w", err)
	}

	m.RateLimitWaitDuration, err = meter.Float64Histogram(
		"executor_rate_limit_wait_duration_seconds",
		metric.WithDescription("Time spent waiting for rate limiter tokens"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60),
	)
	if err != nil {
		return nil, fmt.Errorf("create rate_limit_wait_duration: %w", err)
	}

	m.ThrottlesTotal, err = meter.Int64Counter(
		"executor_throttles_total",
		metric.WithDescription("Defensive limiter throttles after upstream rate limits"),
		metric.WithUnit("{throttle}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create throttles_total: %w", err)
	}

	m.ConflictsDetectedTotal, err = meter.Int64Counter(
		"executor_conflicts_detected_total",
		metric.WithDescription("Write conflicts detected by severity"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create conflicts_detected_total: %w", err)
	}

	m.ConflictsResolvedTotal, err = meter.Int64Counter(
		"executor_conflicts_resolved_total",
		metric.WithDescription("Conflict resolutions by strategy and outcome"),
		metric.WithUnit("{resolution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create conflicts_resolved_total: %w", err)
	}

	m.SnapshotsCreatedTotal, err = meter.Int64Counter(
		"executor_snapshots_created_total",
		metric.WithDescription("Snapshots created"),
		metric.WithUnit("{snapshot}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create snapshots_created_total: %w", err)
	}

	m.SnapshotPruneFailures, err = meter.Int64Counter(
		"executor_snapshot_prune_failures_total",
		metric.WithDescription("Failed prune deletions leaving orphaned remote copies"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create snapshot_prune_failures_total: %w", err)
	}

	m.CircuitRejectionsTotal, err = meter.Int64Counter(
		"executor_circuit_rejections_total",
		metric.WithDescription("Calls rejected by an open circuit"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create circuit_rejections_total: %w", err)
	}

	return m, nil
}
