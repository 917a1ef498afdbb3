// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sheets

import (
	"encoding/json"
	"time"
)

// Request is a single wire-format mutation operation.
//
// The executor treats the operation body as opaque: it is built by the
// per-domain tool handlers upstream and forwarded verbatim to the remote
// API. Kind is retained so the executor can log and classify without
// deserializing the body.
type Request struct {
	// Kind names the mutation operation (e.g. "updateCells", "deleteRange").
	Kind string `json:"kind"`

	// Body is the operation payload in the remote API's wire format.
	Body json.RawMessage `json:"body"`
}

// Response is the remote API's per-operation reply.
type Response struct {
	Kind string          `json:"kind,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

// BatchResponse is the remote API's reply to one batched mutation call.
//
// Replies preserve the order of the submitted operations. The aggregate
// counters come from the response metadata, not from re-reading the
// spreadsheet.
type BatchResponse struct {
	SpreadsheetID  string     `json:"spreadsheetId"`
	Replies        []Response `json:"replies"`
	UpdatedCells   int        `json:"updatedCells"`
	UpdatedRows    int        `json:"updatedRows"`
	UpdatedColumns int        `json:"updatedColumns"`
}

// Metadata is the minimal authoritative state used for precondition checks.
type Metadata struct {
	SpreadsheetID string    `json:"spreadsheetId"`
	SheetTitle    string    `json:"sheetTitle"`
	RowCount      int       `json:"rowCount"`
	Checksum      string    `json:"checksum"`
	HeaderRow     []string  `json:"headerRow"`
	FetchedAt     time.Time `json:"fetchedAt"`
}

// DiffTier selects how much state the diff engine captures.
//
// Tiers trade cost for precision: METADATA is counts only, SAMPLE captures
// partial rows, FULL captures a complete cell-level change list.
type DiffTier string

const (
	TierMetadata DiffTier = "METADATA"
	TierSample   DiffTier = "SAMPLE"
	TierFull     DiffTier = "FULL"
)

// DiffResult is the diff engine's output for one before/after pair.
type DiffResult struct {
	Tier           DiffTier        `json:"tier"`
	CellsChanged   int             `json:"cellsChanged"`
	RowsChanged    int             `json:"rowsChanged"`
	ColumnsChanged int             `json:"columnsChanged"`
	Estimated      bool            `json:"estimated"`
	Detail         json.RawMessage `json:"detail,omitempty"`
}
