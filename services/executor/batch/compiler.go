// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package batch compiles pending mutation requests into protocol-sized
// batches and executes them behind a sequence of safety gates.
//
// The gate sequence for one batch is: effect-scope check, rate-limiter
// acquire, expected-state precondition, dry-run short-circuit, conditional
// snapshot, payload-size validation, remote execution through the circuit
// breaker, and error classification. The first failing gate short-circuits;
// every path returns an ExecutionResult and never an error, so batch
// failures cannot crash the caller's control flow.
//
// The compiler owns CompiledBatch and ExecutionResult lifecycles. The rate
// limiter, circuit breaker, conflict detector, and snapshot service are
// injected collaborators shared across invocations.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/khill1269/servalsheets-sub007/services/executor/breaker"
	"github.com/khill1269/servalsheets-sub007/services/executor/conflict"
	"github.com/khill1269/servalsheets-sub007/services/executor/ratelimit"
	"github.com/khill1269/servalsheets-sub007/services/executor/sheets"
	"github.com/khill1269/servalsheets-sub007/services/executor/snapshot"
	"github.com/khill1269/servalsheets-sub007/services/executor/telemetry"
)

// Payload limits. The remote protocol rejects calls near 10MB; the hard
// ceiling leaves headroom and the soft one gives an early warning.
const (
	hardPayloadBytes = 9 * 1000 * 1000
	warnPayloadBytes = 7 * 1000 * 1000
)

// throttleWindow is how long the shared limiter is slowed after an
// upstream rate-limit error.
const throttleWindow = 60 * time.Second

// Deps are the compiler's injected collaborators.
type Deps struct {
	// Updater issues batched mutation calls. Must not be nil.
	Updater sheets.BatchUpdater

	// Limiter is the shared admission controller. Must not be nil.
	Limiter *ratelimit.Limiter

	// Breaker protects the mutation path. Nil gets a default breaker.
	Breaker *breaker.Breaker[*sheets.BatchResponse]

	// Detector checks optimistic-concurrency preconditions. May be nil.
	Detector *conflict.Detector

	// Snapshots creates pre-mutation backups. May be nil; high-risk
	// batches then execute without one.
	Snapshots *snapshot.Service

	// Metadata serves expected-state precondition fetches. May be nil;
	// preconditions then fail closed.
	Metadata sheets.MetadataFetcher

	// Diffs captures fuller diffs when a tier is requested. May be nil.
	Diffs sheets.DiffEngine

	// Policy vetoes intents before any remote call. May be nil.
	Policy sheets.PolicyEnforcer

	// DefaultMaxCells is the effect-scope ceiling applied when a request's
	// SafetyOptions carry none. Zero means the built-in default.
	DefaultMaxCells int

	// Logger is the structured logger. Nil uses slog.Default.
	Logger *slog.Logger

	// Metrics are the executor's telemetry instruments. May be nil.
	Metrics *telemetry.Metrics

	// Tracer creates spans around execution phases. Nil disables tracing.
	Tracer trace.Tracer

	// Progress receives pipeline progress events. May be nil.
	Progress ProgressFunc
}

// Compiler groups, chunks, and executes mutation batches.
//
// Thread Safety: Safe for concurrent use; all mutable state lives in the
// injected collaborators, which carry their own synchronization.
type Compiler struct {
	deps Deps
}

// NewCompiler creates a compiler.
func NewCompiler(deps Deps) *Compiler {
	if deps.Breaker == nil {
		deps.Breaker = breaker.New[*sheets.BatchResponse](breaker.DefaultConfig("sheets-mutation-api"))
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("executor")
	}
	return &Compiler{deps: deps}
}

// Breaker exposes the mutation breaker for stats reporting.
func (c *Compiler) Breaker() *breaker.Breaker[*sheets.BatchResponse] {
	return c.deps.Breaker
}

func (c *Compiler) emit(p Progress) {
	if c.deps.Progress != nil {
		c.deps.Progress(p)
	}
}

// Compile groups requests by target spreadsheet and chunks each group to
// the protocol's per-call limit.
//
// Inputs:
//   - input: Wrapped requests, or legacy intents via FromLegacy.
//   - opts: Chunking options. ChunkSize above the protocol limit is
//     clamped down with a warning.
//
// Outputs:
//   - []CompiledBatch: ceil(N/chunk) batches per spreadsheet, each with
//     RequestCount <= the protocol limit; estimated cells summed and
//     destructive/highRisk OR-ed per batch.
//
// Thread Safety: Safe for concurrent use.
func (c *Compiler) Compile(input Input, opts CompileOptions) []CompiledBatch {
	requests := input.wrapped()

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = sheets.MaxRequestsPerCall
	}
	if chunkSize > sheets.MaxRequestsPerCall {
		c.deps.Logger.Warn("requested chunk size exceeds protocol limit, clamping",
			"requested", chunkSize, "limit", sheets.MaxRequestsPerCall)
		chunkSize = sheets.MaxRequestsPerCall
	}

	c.emit(Progress{Phase: PhaseCompiling, Current: 0, Total: len(requests),
		Message: fmt.Sprintf("compiling %d requests", len(requests))})

	// Group by spreadsheet, preserving first-seen order.
	order := make([]string, 0)
	groups := make(map[string][]WrappedRequest)
	for _, r := range requests {
		id := r.Metadata.SpreadsheetID
		if _, seen := groups[id]; !seen {
			order = append(order, id)
		}
		groups[id] = append(groups[id], r)
	}

	var batches []CompiledBatch
	for _, id := range order {
		group := coalesce(groups[id])
		for start := 0; start < len(group); start += chunkSize {
			end := start + chunkSize
			if end > len(group) {
				end = len(group)
			}
			batches = append(batches, buildBatch(id, group[start:end]))
		}
	}

	c.emit(Progress{Phase: PhaseCompiling, Current: len(requests), Total: len(requests),
		Message: fmt.Sprintf("compiled %d batches", len(batches))})
	return batches
}

// coalesce merges trivially-compatible adjacent requests. Currently a
// pass-through; the hook exists so request coalescing can land without
// changing the compile contract.
func coalesce(group []WrappedRequest) []WrappedRequest {
	return group
}

func buildBatch(spreadsheetID string, group []WrappedRequest) CompiledBatch {
	b := CompiledBatch{
		SpreadsheetID: spreadsheetID,
		RequestCount:  len(group),
	}
	for _, r := range group {
		b.Requests = append(b.Requests, r.Request)
		b.Metadata = append(b.Metadata, r.Metadata)
		cells := r.Metadata.EstimatedCells
		if cells <= 0 {
			cells = defaultEstimatedCells
		}
		b.EstimatedCells += cells
		b.Destructive = b.Destructive || r.Metadata.Destructive
		b.HighRisk = b.HighRisk || r.Metadata.HighRisk
	}
	return b
}

// Execute runs one compiled batch through the full gate sequence.
//
// Outputs:
//   - ExecutionResult: Always; failures are embedded as classified
//     ExecError values and never returned as errors. A snapshot id created
//     before a failed execution is still present in the result so the
//     caller can roll back.
//
// Thread Safety: Safe for concurrent use.
func (c *Compiler) Execute(ctx context.Context, b CompiledBatch, safety SafetyOptions) ExecutionResult {
	start := time.Now()
	ctx, span := c.deps.Tracer.Start(ctx, "executor.execute_batch",
		trace.WithAttributes(
			attribute.String("spreadsheet_id", b.SpreadsheetID),
			attribute.Int("request_count", b.RequestCount),
			attribute.Int("estimated_cells", b.EstimatedCells),
			attribute.Bool("high_risk", b.HighRisk),
		))
	defer span.End()

	result := c.executeGates(ctx, b, safety)

	if c.deps.Metrics != nil {
		outcome := "success"
		if !result.Success {
			outcome = string(result.Error.Code)
		}
		c.deps.Metrics.BatchesExecutedTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("outcome", outcome)))
		c.deps.Metrics.BatchExecuteDuration.Record(ctx, time.Since(start).Seconds())
	}
	return result
}

// executeGates is the gate sequence proper, separated so Execute can wrap
// it with tracing and metrics uniformly.
func (c *Compiler) executeGates(ctx context.Context, b CompiledBatch, safety SafetyOptions) ExecutionResult {
	fail := func(err *ExecError, snapshotID string) ExecutionResult {
		return ExecutionResult{
			SpreadsheetID: b.SpreadsheetID,
			SnapshotID:    snapshotID,
			Error:         err,
			DryRun:        safety.DryRun,
		}
	}

	// Policy gate: enforced before anything touches the wire.
	c.emit(Progress{Phase: PhaseValidating, Current: 0, Total: b.RequestCount,
		Message: "validating intents"})
	if c.deps.Policy != nil {
		if err := c.deps.Policy.ValidateIntents(ctx, b.intentsOf()); err != nil {
			c.countRejection(ctx, "policy")
			return fail(&ExecError{
				Code:    CodePolicyRejected,
				Message: err.Error(),
			}, "")
		}
	}

	// Destructive requests must name the range they destroy.
	for _, md := range b.Metadata {
		if md.Destructive && md.Range == "" {
			c.countRejection(ctx, "range")
			return fail(&ExecError{
				Code: CodeExplicitRangeRequired,
				Message: fmt.Sprintf("destructive request from %s/%s has no explicit target range",
					md.SourceTool, md.SourceAction),
				Suggestion: "set metadata.range on destructive requests",
			}, "")
		}
	}

	// Gate 1: effect scope.
	if ceiling := safety.maxCells(c.deps.DefaultMaxCells); b.EstimatedCells > ceiling {
		c.countRejection(ctx, "scope")
		return fail(&ExecError{
			Code: CodeEffectScopeExceeded,
			Message: fmt.Sprintf("batch would affect an estimated %d cells, above the %d ceiling",
				b.EstimatedCells, ceiling),
			Suggestion: "split the operation or raise maxCellsAffected explicitly",
		}, "")
	}

	// Gate 2: admission control. Blocks until tokens are available.
	waitStart := time.Now()
	if err := c.deps.Limiter.Acquire(ctx, ratelimit.ClassWrite, float64(b.RequestCount)); err != nil {
		return fail(Classify(err), "")
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.RateLimitWaitDuration.Record(ctx, time.Since(waitStart).Seconds())
	}

	// Gate 3: expected-state precondition.
	if err := c.checkPreconditions(ctx, b, safety); err != nil {
		c.countRejection(ctx, "precondition")
		return fail(err, "")
	}

	// Gate 4: dry run. Synthetic diff from the estimate; no remote call.
	if safety.DryRun {
		return ExecutionResult{
			Success:       true,
			SpreadsheetID: b.SpreadsheetID,
			DryRun:        true,
			Diff: &sheets.DiffResult{
				Tier:         sheets.TierMetadata,
				CellsChanged: b.EstimatedCells,
				Estimated:    true,
			},
		}
	}

	// Gate 5: conditional snapshot. The id is carried on every subsequent
	// result, success or failure, so rollback stays possible.
	snapshotID := ""
	if b.HighRisk && !safety.DisableAutoSnapshot && c.deps.Snapshots != nil {
		snap, err := c.deps.Snapshots.Create(ctx, b.SpreadsheetID, "")
		if err != nil {
			return fail(Classify(fmt.Errorf("pre-mutation snapshot: %w", err)), "")
		}
		snapshotID = snap.ID
		if c.deps.Metrics != nil {
			c.deps.Metrics.SnapshotsCreatedTotal.Add(ctx, 1)
		}
	}

	// Gate 6: payload size.
	payload, err := json.Marshal(b.Requests)
	if err != nil {
		return fail(&ExecError{Code: CodeUnknown, Message: fmt.Sprintf("serializing batch: %v", err)}, snapshotID)
	}
	if len(payload) > hardPayloadBytes {
		c.countRejection(ctx, "payload")
		return fail(&ExecError{
			Code: CodePayloadTooLarge,
			Message: fmt.Sprintf("serialized batch is %d bytes, above the %d ceiling",
				len(payload), hardPayloadBytes),
			Suggestion: "split the batch into smaller chunks",
		}, snapshotID)
	}
	if len(payload) > warnPayloadBytes {
		c.deps.Logger.Warn("batch payload approaching protocol limit",
			"bytes", len(payload), "spreadsheetId", b.SpreadsheetID)
	}

	// Gate 7: execute through the breaker.
	c.emit(Progress{Phase: PhaseExecuting, Current: 0, Total: b.RequestCount,
		Message: fmt.Sprintf("executing %d requests", b.RequestCount)})
	resp, err := c.deps.Breaker.Execute(ctx, func(ctx context.Context) (*sheets.BatchResponse, error) {
		return c.deps.Updater.BatchUpdate(ctx, b.SpreadsheetID, b.Requests)
	})
	if err != nil {
		execErr := Classify(err)
		c.reactToError(ctx, execErr)
		return fail(execErr, snapshotID)
	}

	// The response metadata already carries cells/rows/columns affected,
	// which saves the two read round-trips a before/after diff would cost.
	diff := &sheets.DiffResult{
		Tier:           sheets.TierMetadata,
		CellsChanged:   resp.UpdatedCells,
		RowsChanged:    resp.UpdatedRows,
		ColumnsChanged: resp.UpdatedColumns,
	}
	if safety.DiffTier != "" && safety.DiffTier != sheets.TierMetadata && !safety.SkipDiff {
		if fuller := c.captureFullerDiff(ctx, b.SpreadsheetID, safety.DiffTier); fuller != nil {
			diff = fuller
		}
	}

	if c.deps.Metrics != nil {
		c.deps.Metrics.CellsMutatedTotal.Add(ctx, int64(resp.UpdatedCells))
	}
	c.emit(Progress{Phase: PhaseExecuting, Current: b.RequestCount, Total: b.RequestCount,
		Message: "batch executed"})

	return ExecutionResult{
		Success:       true,
		SpreadsheetID: b.SpreadsheetID,
		Responses:     resp.Replies,
		Diff:          diff,
		SnapshotID:    snapshotID,
	}
}

// checkPreconditions compares the caller's expected state and expected
// version against authoritative metadata. Any mismatch is retryable after
// the caller re-reads.
func (c *Compiler) checkPreconditions(ctx context.Context, b CompiledBatch, safety SafetyOptions) *ExecError {
	if safety.ExpectedVersion != nil && c.deps.Detector != nil {
		conf, err := c.deps.Detector.DetectConflict(ctx, b.SpreadsheetID,
			safety.ExpectedVersion.Range, safety.ExpectedVersion)
		if err != nil {
			return Classify(err)
		}
		if conf != nil {
			if c.deps.Metrics != nil {
				c.deps.Metrics.ConflictsDetectedTotal.Add(ctx, 1,
					metric.WithAttributes(attribute.String("severity", string(conf.Severity))))
			}
			return &ExecError{
				Code: CodePreconditionFailed,
				Message: fmt.Sprintf("range %s was modified since it was read (conflict %s, severity %s)",
					conf.Range, conf.ID, conf.Severity),
				Retryable:  true,
				Suggestion: "re-read the range and retry with the current version",
			}
		}
	}

	expected := safety.Expected
	if expected == nil {
		return nil
	}
	if c.deps.Metadata == nil {
		return &ExecError{
			Code:    CodePreconditionFailed,
			Message: "expected-state check requested but no metadata fetcher is wired",
		}
	}

	md, err := c.deps.Metadata.FetchMetadata(ctx, b.SpreadsheetID, safety.SheetID)
	if err != nil {
		return Classify(fmt.Errorf("fetching metadata for precondition: %w", err))
	}

	mismatch := func(what, want, got string) *ExecError {
		return &ExecError{
			Code: CodePreconditionFailed,
			Message: fmt.Sprintf("expected %s %q but spreadsheet has %q",
				what, want, got),
			Retryable:  true,
			Suggestion: "re-read the spreadsheet and retry",
		}
	}

	if expected.RowCount != nil && md.RowCount != *expected.RowCount {
		return mismatch("row count",
			fmt.Sprintf("%d", *expected.RowCount), fmt.Sprintf("%d", md.RowCount))
	}
	if expected.SheetTitle != "" && md.SheetTitle != expected.SheetTitle {
		return mismatch("sheet title", expected.SheetTitle, md.SheetTitle)
	}
	if expected.Checksum != "" && md.Checksum != expected.Checksum {
		return mismatch("content checksum", expected.Checksum, md.Checksum)
	}
	if len(expected.HeaderRow) > 0 {
		if len(md.HeaderRow) != len(expected.HeaderRow) {
			return mismatch("header row",
				fmt.Sprintf("%v", expected.HeaderRow), fmt.Sprintf("%v", md.HeaderRow))
		}
		for i, h := range expected.HeaderRow {
			if md.HeaderRow[i] != h {
				return mismatch("header row",
					fmt.Sprintf("%v", expected.HeaderRow), fmt.Sprintf("%v", md.HeaderRow))
			}
		}
	}
	return nil
}

// captureFullerDiff asks the diff engine for a post-hoc diff at the
// requested tier. Best-effort: failures fall back to the response-derived
// aggregates.
func (c *Compiler) captureFullerDiff(ctx context.Context, spreadsheetID string, tier sheets.DiffTier) *sheets.DiffResult {
	if c.deps.Diffs == nil {
		return nil
	}
	c.emit(Progress{Phase: PhaseCapturingDiff, Current: 0, Total: 1,
		Message: fmt.Sprintf("capturing %s diff", tier)})
	after, err := c.deps.Diffs.CaptureState(ctx, spreadsheetID, tier)
	if err != nil {
		c.deps.Logger.Warn("diff capture failed, keeping response aggregates",
			"spreadsheetId", spreadsheetID, "tier", string(tier), "error", err)
		return nil
	}
	diff, err := c.deps.Diffs.Diff(nil, after, tier)
	if err != nil {
		c.deps.Logger.Warn("diff computation failed, keeping response aggregates",
			"spreadsheetId", spreadsheetID, "tier", string(tier), "error", err)
		return nil
	}
	c.emit(Progress{Phase: PhaseCapturingDiff, Current: 1, Total: 1, Message: "diff captured"})
	return diff
}

// reactToError applies classified-error side effects: an upstream rate
// limit defensively throttles the shared limiter so all subsequent writes
// slow down, not just the failing one.
func (c *Compiler) reactToError(ctx context.Context, execErr *ExecError) {
	switch execErr.Code {
	case CodeRateLimited:
		c.deps.Limiter.Throttle(throttleWindow)
		if c.deps.Metrics != nil {
			c.deps.Metrics.ThrottlesTotal.Add(ctx, 1)
		}
		c.deps.Logger.Warn("upstream rate limit, throttling all writes",
			"window", throttleWindow)
	case CodeCircuitOpen:
		if c.deps.Metrics != nil {
			c.deps.Metrics.CircuitRejectionsTotal.Add(ctx, 1)
		}
	}
}

func (c *Compiler) countRejection(ctx context.Context, gate string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.GateRejectionsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("gate", gate)))
	}
}
