// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conflict

import (
	"time"
)

// Severity ranks how urgent a detected conflict is, derived from how
// recently the conflicting modification happened.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	// StrategyOverwrite advances the version past current and keeps the
	// caller's intended values. Bookkeeping only: the caller performs the
	// actual write after resolution succeeds.
	StrategyOverwrite Strategy = "overwrite"

	// StrategyMerge writes caller-supplied merged data to the range and
	// advances the version.
	StrategyMerge Strategy = "merge"

	// StrategyCancel discards the caller's change; version unchanged.
	StrategyCancel Strategy = "cancel"

	// StrategyLastWriteWins picks whichever version was modified later.
	StrategyLastWriteWins Strategy = "last_write_wins"

	// StrategyFirstWriteWins picks whichever version was modified earlier.
	StrategyFirstWriteWins Strategy = "first_write_wins"
)

// RangeVersion is the tracked state of one (spreadsheet, range) pair.
//
// Version is a per-range monotonically increasing counter, incremented
// whenever a freshly computed checksum differs from the cached one.
type RangeVersion struct {
	SpreadsheetID string    `json:"spreadsheetId"`
	Range         string    `json:"range"`
	LastModified  time.Time `json:"lastModified"`
	ModifiedBy    string    `json:"modifiedBy"`
	Checksum      string    `json:"checksum"`
	Version       int64     `json:"version"`
}

// Conflict describes a detected write conflict between the version a caller
// based its edit on and the range's current version.
type Conflict struct {
	ID                     string        `json:"id"`
	Severity               Severity      `json:"severity"`
	SpreadsheetID          string        `json:"spreadsheetId"`
	Range                  string        `json:"range"`
	YourVersion            RangeVersion  `json:"yourVersion"`
	CurrentVersion         RangeVersion  `json:"currentVersion"`
	TimeSinceModification  time.Duration `json:"timeSinceModification"`
	SuggestedResolution    Strategy      `json:"suggestedResolution"`
	AlternativeResolutions []Strategy    `json:"alternativeResolutions"`
	AutoResolvable         bool          `json:"autoResolvable"`
	DetectedAt             time.Time     `json:"detectedAt"`
}

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	ConflictID   string        `json:"conflictId"`
	Success      bool          `json:"success"`
	StrategyUsed Strategy      `json:"strategyUsed"`
	FinalVersion *RangeVersion `json:"finalVersion,omitempty"`
	Duration     time.Duration `json:"duration"`
	Err          string        `json:"error,omitempty"`
}

// severityFor maps staleness of the conflicting modification to a severity.
// Fresher conflicts are more urgent: someone is probably still editing.
func severityFor(sinceModification time.Duration) Severity {
	switch {
	case sinceModification < time.Minute:
		return SeverityCritical
	case sinceModification < 5*time.Minute:
		return SeverityError
	case sinceModification < 30*time.Minute:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// hasConflict reports whether current has diverged from expected.
func hasConflict(expected, current RangeVersion) bool {
	return current.LastModified.After(expected.LastModified) ||
		current.Checksum != expected.Checksum ||
		current.Version > expected.Version
}
