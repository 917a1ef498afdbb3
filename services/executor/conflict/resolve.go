// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conflict

import (
	"context"
	"fmt"
)

// ResolveConflict applies a resolution strategy to an active conflict.
//
// Strategy semantics:
//
//   - overwrite: advances the version past current and keeps the caller's
//     intended values. This updates bookkeeping only; the caller performs
//     the actual write after this returns successfully. Do not add a write
//     here: callers batch the write through the compiler pipeline, and a
//     second write from this path would double-apply the change.
//   - merge: when mergedData is supplied, writes it to the range, then
//     records the new checksum and advances the version. Without data,
//     merge fails.
//   - cancel: discards the caller's change; the version is unchanged.
//   - last_write_wins / first_write_wins: deterministic pick between the
//     two versions by LastModified; no resource mutation.
//
// Inputs:
//   - ctx: Context for the merge write.
//   - conflictID: ID returned by DetectConflict.
//   - strategy: One of the Strategy constants.
//   - mergedData: Required by merge; ignored by the other strategies.
//
// Outputs:
//   - Resolution: Always returned; Success is false with Err set on failure.
//
// Thread Safety: Safe for concurrent use.
func (d *Detector) ResolveConflict(ctx context.Context, conflictID string, strategy Strategy, mergedData [][]any) Resolution {
	start := d.now()

	d.mu.Lock()
	c, ok := d.active[conflictID]
	d.mu.Unlock()
	if !ok {
		return Resolution{
			ConflictID:   conflictID,
			StrategyUsed: strategy,
			Duration:     d.now().Sub(start),
			Err:          fmt.Sprintf("no active conflict with id %s", conflictID),
		}
	}

	var final *RangeVersion
	var err error

	switch strategy {
	case StrategyOverwrite:
		final = d.resolveOverwrite(c)
	case StrategyMerge:
		final, err = d.resolveMerge(ctx, c, mergedData)
	case StrategyCancel:
		v := c.CurrentVersion
		final = &v
	case StrategyLastWriteWins:
		final = pickByTime(c, true)
	case StrategyFirstWriteWins:
		final = pickByTime(c, false)
	default:
		err = fmt.Errorf("unknown resolution strategy %q", strategy)
	}

	res := Resolution{
		ConflictID:   conflictID,
		StrategyUsed: strategy,
		FinalVersion: final,
		Duration:     d.now().Sub(start),
	}
	if err != nil {
		res.Err = err.Error()
		d.logger.Warn("conflict resolution failed",
			"conflictId", conflictID, "strategy", string(strategy), "error", err)
		return res
	}

	res.Success = true
	d.mu.Lock()
	delete(d.active, conflictID)
	d.mu.Unlock()

	d.logger.Info("conflict resolved",
		"conflictId", conflictID, "strategy", string(strategy), "finalVersion", final.Version)
	return res
}

// resolveOverwrite advances bookkeeping past the current version so the
// caller's subsequent write is no longer flagged as stale.
func (d *Detector) resolveOverwrite(c *Conflict) *RangeVersion {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := c.YourVersion
	next.Version = c.CurrentVersion.Version + 1
	next.LastModified = d.now()
	d.versions[key(c.SpreadsheetID, c.Range)] = &versionEntry{version: next, cachedAt: d.now()}
	return &next
}

// resolveMerge writes the merged data and records its checksum as the new
// current version.
func (d *Detector) resolveMerge(ctx context.Context, c *Conflict, mergedData [][]any) (*RangeVersion, error) {
	if mergedData == nil {
		return nil, fmt.Errorf("merge strategy requires merged data")
	}
	if d.writer == nil {
		return nil, fmt.Errorf("merge strategy requires a range writer")
	}
	if err := d.writer.WriteRange(ctx, c.SpreadsheetID, c.Range, mergedData); err != nil {
		return nil, fmt.Errorf("writing merged data: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	next := RangeVersion{
		SpreadsheetID: c.SpreadsheetID,
		Range:         c.Range,
		LastModified:  d.now(),
		ModifiedBy:    "merge",
		Checksum:      checksumOf(mergedData),
		Version:       c.CurrentVersion.Version + 1,
	}
	d.versions[key(c.SpreadsheetID, c.Range)] = &versionEntry{version: next, cachedAt: d.now()}
	return &next, nil
}

// pickByTime returns the later (latest=true) or earlier (latest=false) of
// the conflict's two versions by LastModified.
func pickByTime(c *Conflict, latest bool) *RangeVersion {
	yours, current := c.YourVersion, c.CurrentVersion
	currentIsLater := current.LastModified.After(yours.LastModified)
	if currentIsLater == latest {
		return &current
	}
	return &yours
}
