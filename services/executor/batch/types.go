// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package batch

import (
	"github.com/khill1269/servalsheets-sub007/services/executor/conflict"
	"github.com/khill1269/servalsheets-sub007/services/executor/sheets"
)

// defaultEstimatedCells is assumed when a request carries no estimate.
const defaultEstimatedCells = 100

// RequestMetadata carries provenance and risk signals for one wrapped
// mutation request. Immutable once built; owned by the caller until handed
// to the compiler.
type RequestMetadata struct {
	// SourceTool and SourceAction record which tool handler produced the
	// request.
	SourceTool   string `json:"sourceTool"`
	SourceAction string `json:"sourceAction"`

	// TransactionID optionally groups related requests.
	TransactionID string `json:"transactionId,omitempty"`

	// Priority orders requests within a group; higher first.
	Priority int `json:"priority,omitempty"`

	// Destructive marks requests that remove or overwrite existing data.
	Destructive bool `json:"destructive"`

	// HighRisk marks requests that warrant an automatic snapshot.
	HighRisk bool `json:"highRisk"`

	// EstimatedCells is the request's expected blast radius in cells.
	// Zero means unknown; the compiler assumes defaultEstimatedCells.
	EstimatedCells int `json:"estimatedCells,omitempty"`

	// SpreadsheetID is the target resource.
	SpreadsheetID string `json:"spreadsheetId"`

	// SheetID optionally narrows the target to one sheet.
	SheetID int64 `json:"sheetId,omitempty"`

	// Range optionally narrows the target to one A1 range.
	Range string `json:"range,omitempty"`
}

// WrappedRequest pairs a wire-format mutation with its metadata.
type WrappedRequest struct {
	Request  sheets.Request  `json:"request"`
	Metadata RequestMetadata `json:"metadata"`
}

// CompiledBatch is one chunked group of requests for a single spreadsheet.
// Ephemeral: it exists only for the duration of one compile/execute cycle.
type CompiledBatch struct {
	SpreadsheetID  string            `json:"spreadsheetId"`
	Requests       []sheets.Request  `json:"requests"`
	Metadata       []RequestMetadata `json:"metadata"`
	EstimatedCells int               `json:"estimatedCells"`
	Destructive    bool              `json:"destructive"`
	HighRisk       bool              `json:"highRisk"`
	RequestCount   int               `json:"requestCount"`
}

// ExpectedState is the caller's view of the spreadsheet for precondition
// checks. Nil fields are not checked.
type ExpectedState struct {
	RowCount   *int     `json:"rowCount,omitempty"`
	SheetTitle string   `json:"sheetTitle,omitempty"`
	Checksum   string   `json:"checksum,omitempty"`
	HeaderRow  []string `json:"headerRow,omitempty"`
}

// SafetyOptions tunes the gate sequence for one execution.
type SafetyOptions struct {
	// MaxCellsAffected caps the batch's estimated blast radius.
	// Default: 50000.
	MaxCellsAffected int `json:"maxCellsAffected,omitempty"`

	// DryRun short-circuits before any mutation, returning a synthetic
	// METADATA-tier diff built from the estimate.
	DryRun bool `json:"dryRun,omitempty"`

	// DisableAutoSnapshot skips the pre-mutation snapshot for high-risk
	// batches.
	DisableAutoSnapshot bool `json:"disableAutoSnapshot,omitempty"`

	// SkipDiff skips diff capture entirely, trading observability for
	// latency.
	SkipDiff bool `json:"skipDiff,omitempty"`

	// DiffTier requests a fuller diff from the diff engine after
	// execution. Empty means response-derived aggregates only.
	DiffTier sheets.DiffTier `json:"diffTier,omitempty"`

	// Expected enables the expected-state precondition check.
	Expected *ExpectedState `json:"expected,omitempty"`

	// ExpectedVersion enables the conflict detector's version check.
	ExpectedVersion *conflict.RangeVersion `json:"expectedVersion,omitempty"`

	// SheetID selects which sheet's metadata the precondition fetches.
	SheetID int64 `json:"sheetId,omitempty"`
}

// maxCells resolves the scope ceiling: the caller's explicit value wins,
// then the configured fallback, then the built-in default.
func (o SafetyOptions) maxCells(fallback int) int {
	if o.MaxCellsAffected > 0 {
		return o.MaxCellsAffected
	}
	if fallback > 0 {
		return fallback
	}
	return 50000
}

// ExecutionResult is the terminal value for one batch. Never mutated after
// construction; errors are embedded, never thrown.
type ExecutionResult struct {
	Success       bool               `json:"success"`
	SpreadsheetID string             `json:"spreadsheetId"`
	Responses     []sheets.Response  `json:"responses,omitempty"`
	Diff          *sheets.DiffResult `json:"diff,omitempty"`
	SnapshotID    string             `json:"snapshotId,omitempty"`
	Error         *ExecError         `json:"error,omitempty"`
	DryRun        bool               `json:"dryRun,omitempty"`
}

// Phase identifies where in the pipeline a progress event was emitted.
type Phase string

const (
	PhaseValidating    Phase = "validating"
	PhaseCompiling     Phase = "compiling"
	PhaseExecuting     Phase = "executing"
	PhaseCapturingDiff Phase = "capturing_diff"
)

// Progress is one progress event.
type Progress struct {
	Phase   Phase  `json:"phase"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

// ProgressFunc receives progress events. Implementations must be fast and
// must not block: events are emitted inline from the execution path.
type ProgressFunc func(Progress)

// CompileOptions tunes Compile.
type CompileOptions struct {
	// ChunkSize caps requests per batch. Values above the protocol limit
	// are clamped down to it with a warning; zero means the protocol limit.
	ChunkSize int `json:"chunkSize,omitempty"`
}

// intentsOf derives the policy enforcer's view of a batch.
func (b *CompiledBatch) intentsOf() []sheets.Intent {
	intents := make([]sheets.Intent, 0, len(b.Metadata))
	for _, md := range b.Metadata {
		intents = append(intents, sheets.Intent{
			SourceTool:     md.SourceTool,
			SourceAction:   md.SourceAction,
			SpreadsheetID:  md.SpreadsheetID,
			Destructive:    md.Destructive,
			HighRisk:       md.HighRisk,
			EstimatedCells: md.EstimatedCells,
		})
	}
	return intents
}
