// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package batch

import (
	"encoding/json"

	"github.com/khill1269/servalsheets-sub007/services/executor/sheets"
)

// LegacyIntent is the pre-metadata request shape older tool handlers still
// emit: a bare operation plus a loose options map.
type LegacyIntent struct {
	SpreadsheetID string          `json:"spreadsheetId"`
	Operation     string          `json:"operation"`
	Payload       json.RawMessage `json:"payload"`
	Options       map[string]any  `json:"options,omitempty"`
}

// Input is the compiler's tagged-variant input: either canonical wrapped
// requests or legacy intents. Exactly one side is set; constructing Input
// through FromWrapped or FromLegacy keeps that invariant.
type Input struct {
	requests []WrappedRequest
}

// FromWrapped builds Input from canonical wrapped requests.
func FromWrapped(requests []WrappedRequest) Input {
	return Input{requests: requests}
}

// FromLegacy converts legacy intents to the canonical shape at the
// boundary. Risk flags are derived from the operation name; everything the
// legacy shape cannot express gets conservative defaults.
func FromLegacy(intents []LegacyIntent) Input {
	requests := make([]WrappedRequest, 0, len(intents))
	for _, intent := range intents {
		requests = append(requests, WrappedRequest{
			Request: sheets.Request{
				Kind: intent.Operation,
				Body: intent.Payload,
			},
			Metadata: RequestMetadata{
				SourceTool:     "legacy",
				SourceAction:   intent.Operation,
				SpreadsheetID:  intent.SpreadsheetID,
				Range:          legacyRange(intent.Payload, intent.Options),
				Destructive:    legacyDestructive(intent.Operation),
				HighRisk:       legacyDestructive(intent.Operation),
				EstimatedCells: legacyEstimate(intent.Options),
			},
		})
	}
	return Input{requests: requests}
}

func (in Input) wrapped() []WrappedRequest {
	return in.requests
}

// legacyDestructive flags operations that remove or overwrite data. The
// legacy shape carried no risk metadata, so this is a conservative
// name-based guess.
func legacyDestructive(operation string) bool {
	switch operation {
	case "deleteRange", "deleteSheet", "deleteRows", "deleteColumns", "clearValues":
		return true
	default:
		return false
	}
}

// legacyRange recovers the target range from the loose legacy shape:
// options first, then the payload body. Destructive operations need it to
// pass the explicit-range gate.
func legacyRange(payload json.RawMessage, options map[string]any) string {
	if s, ok := options["range"].(string); ok && s != "" {
		return s
	}
	var body struct {
		Range string `json:"range"`
	}
	if len(payload) > 0 && json.Unmarshal(payload, &body) == nil {
		return body.Range
	}
	return ""
}

func legacyEstimate(options map[string]any) int {
	if options == nil {
		return 0
	}
	switch v := options["estimatedCells"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
