// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package batch

import (
	"context"
	"fmt"

	"github.com/khill1269/servalsheets-sub007/services/executor/ratelimit"
	"github.com/khill1269/servalsheets-sub007/services/executor/sheets"
)

// SafeOperation is a custom operation run under the safety gates in place
// of a precompiled batch.
type SafeOperation func(ctx context.Context) (*sheets.BatchResponse, error)

// WithSafetyOptions describes one custom operation for ExecuteWithSafety.
type WithSafetyOptions struct {
	// SpreadsheetID is the target resource.
	SpreadsheetID string

	// Description names the operation in logs and progress events.
	Description string

	// EstimatedCells is the operation's expected blast radius.
	// Zero assumes the default estimate.
	EstimatedCells int

	// HighRisk requests a pre-mutation snapshot.
	HighRisk bool

	// Weight is the rate-limiter cost; zero means 1.
	Weight int

	// Operation is the protected call. Must not be nil.
	Operation SafeOperation

	// Safety carries the shared gate options. Expected-state checks and
	// dry runs behave exactly as in Execute; SkipDiff additionally skips
	// diff derivation from the response.
	Safety SafetyOptions
}

// ExecuteWithSafety runs a single custom operation through the same gate
// sequence as a compiled batch: scope, admission, preconditions, dry run,
// snapshot, execution through the breaker, and error classification.
//
// Unlike Execute there is no payload gate: the operation builds its own
// wire call, so its size is not observable here.
//
// Outputs:
//   - ExecutionResult: Always; never an error.
//
// Thread Safety: Safe for concurrent use.
func (c *Compiler) ExecuteWithSafety(ctx context.Context, opts WithSafetyOptions) ExecutionResult {
	fail := func(err *ExecError, snapshotID string) ExecutionResult {
		return ExecutionResult{
			SpreadsheetID: opts.SpreadsheetID,
			SnapshotID:    snapshotID,
			Error:         err,
			DryRun:        opts.Safety.DryRun,
		}
	}
	if opts.Operation == nil {
		return fail(&ExecError{Code: CodeUnknown, Message: "no operation supplied"}, "")
	}

	estimated := opts.EstimatedCells
	if estimated <= 0 {
		estimated = defaultEstimatedCells
	}
	if ceiling := opts.Safety.maxCells(c.deps.DefaultMaxCells); estimated > ceiling {
		c.countRejection(ctx, "scope")
		return fail(&ExecError{
			Code: CodeEffectScopeExceeded,
			Message: fmt.Sprintf("%s would affect an estimated %d cells, above the %d ceiling",
				opts.Description, estimated, ceiling),
			Suggestion: "split the operation or raise maxCellsAffected explicitly",
		}, "")
	}

	weight := opts.Weight
	if weight <= 0 {
		weight = 1
	}
	if err := c.deps.Limiter.Acquire(ctx, ratelimit.ClassWrite, float64(weight)); err != nil {
		return fail(Classify(err), "")
	}

	pseudo := CompiledBatch{SpreadsheetID: opts.SpreadsheetID, EstimatedCells: estimated}
	if err := c.checkPreconditions(ctx, pseudo, opts.Safety); err != nil {
		c.countRejection(ctx, "precondition")
		return fail(err, "")
	}

	if opts.Safety.DryRun {
		return ExecutionResult{
			Success:       true,
			SpreadsheetID: opts.SpreadsheetID,
			DryRun:        true,
			Diff: &sheets.DiffResult{
				Tier:         sheets.TierMetadata,
				CellsChanged: estimated,
				Estimated:    true,
			},
		}
	}

	snapshotID := ""
	if opts.HighRisk && !opts.Safety.DisableAutoSnapshot && c.deps.Snapshots != nil {
		snap, err := c.deps.Snapshots.Create(ctx, opts.SpreadsheetID, "")
		if err != nil {
			return fail(Classify(fmt.Errorf("pre-mutation snapshot: %w", err)), "")
		}
		snapshotID = snap.ID
	}

	c.emit(Progress{Phase: PhaseExecuting, Current: 0, Total: 1, Message: opts.Description})
	resp, err := c.deps.Breaker.Execute(ctx, func(ctx context.Context) (*sheets.BatchResponse, error) {
		return opts.Operation(ctx)
	})
	if err != nil {
		execErr := Classify(err)
		c.reactToError(ctx, execErr)
		return fail(execErr, snapshotID)
	}
	c.emit(Progress{Phase: PhaseExecuting, Current: 1, Total: 1, Message: "operation executed"})

	result := ExecutionResult{
		Success:       true,
		SpreadsheetID: opts.SpreadsheetID,
		SnapshotID:    snapshotID,
	}
	if resp != nil {
		result.Responses = resp.Replies
		if !opts.Safety.SkipDiff {
			result.Diff = &sheets.DiffResult{
				Tier:           sheets.TierMetadata,
				CellsChanged:   resp.UpdatedCells,
				RowsChanged:    resp.UpdatedRows,
				ColumnsChanged: resp.UpdatedColumns,
			}
		}
	}
	return result
}
