// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sheets defines the narrow interfaces through which the executor
// talks to the remote spreadsheet API and its sibling services.
//
// The executor never reaches past these interfaces: transport, auth, and
// wire-format translation all live on the far side. Tests substitute local
// fakes.
package sheets

import (
	"context"
	"encoding/json"
)

// BatchUpdater issues one batched mutation call against the remote API.
//
// The remote protocol accepts at most MaxRequestsPerCall operations and
// roughly MaxPayloadBytes of payload per call; callers are responsible for
// chunking below those limits.
type BatchUpdater interface {
	BatchUpdate(ctx context.Context, spreadsheetID string, requests []Request) (*BatchResponse, error)
}

// Protocol limits of the remote mutation API.
const (
	// MaxRequestsPerCall is the hard per-call operation limit.
	MaxRequestsPerCall = 100

	// MaxPayloadBytes is the remote API's payload ceiling.
	MaxPayloadBytes = 10 * 1000 * 1000
)

// MetadataFetcher reads the minimal authoritative metadata used by
// expected-state precondition checks. One round trip, no cell data.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, spreadsheetID string, sheetID int64) (*Metadata, error)
}

// RangeReader reads the current contents of a range. Used by the conflict
// detector for live version checks when its cache is stale.
type RangeReader interface {
	ReadRange(ctx context.Context, spreadsheetID, rng string) ([][]any, error)
}

// RangeWriter writes values into a range. Used only by the conflict
// detector's merge resolution when merged data is supplied.
type RangeWriter interface {
	WriteRange(ctx context.Context, spreadsheetID, rng string, values [][]any) error
}

// CopyAPI is the backing store for snapshots: a native whole-resource copy
// primitive plus deletion of copies the snapshot service made.
type CopyAPI interface {
	Copy(ctx context.Context, spreadsheetID, title string) (copyID string, err error)
	Delete(ctx context.Context, spreadsheetID string) error
	URL(spreadsheetID string) string
}

// DiffEngine captures tiered before/after state. Consumed only through this
// interface; the executor itself never computes cell-level diffs.
type DiffEngine interface {
	CaptureState(ctx context.Context, spreadsheetID string, tier DiffTier) (json.RawMessage, error)
	Diff(before, after json.RawMessage, tier DiffTier) (*DiffResult, error)
}

// PolicyEnforcer is the pre-execution authorization gate. It may reject a
// set of intents with an error before any remote call is made; the executor
// treats the decision as opaque.
type PolicyEnforcer interface {
	ValidateIntents(ctx context.Context, intents []Intent) error
}

// Intent is the policy enforcer's view of one pending mutation.
type Intent struct {
	SourceTool     string `json:"sourceTool"`
	SourceAction   string `json:"sourceAction"`
	SpreadsheetID  string `json:"spreadsheetId"`
	Destructive    bool   `json:"destructive"`
	HighRisk       bool   `json:"highRisk"`
	EstimatedCells int    `json:"estimatedCells"`
}
