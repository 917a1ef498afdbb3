// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeConflict plants an active conflict directly so resolution paths can
// be tested in isolation.
func makeConflict(d *Detector, id string) *Conflict {
	c := &Conflict{
		ID:            id,
		SpreadsheetID: "sheet-1",
		Range:         "A1:B2",
		YourVersion: RangeVersion{
			SpreadsheetID: "sheet-1", Range: "A1:B2",
			LastModified: time.Unix(100, 0), Checksum: "yours", Version: 3,
		},
		CurrentVersion: RangeVersion{
			SpreadsheetID: "sheet-1", Range: "A1:B2",
			LastModified: time.Unix(200, 0), Checksum: "theirs", Version: 5,
		},
		// Stamp with the detector's clock so the active-conflict TTL sweep
		// does not silently drop the fixture.
		DetectedAt: d.now(),
	}
	d.mu.Lock()
	d.active[id] = c
	d.mu.Unlock()
	return c
}

func TestResolve_UnknownConflict(t *testing.T) {
	d, _, _, _ := newTestDetector(t)

	res := d.ResolveConflict(context.Background(), "nope", StrategyCancel, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Err, "no active conflict")
}

func TestResolve_Overwrite_BookkeepingOnly(t *testing.T) {
	d, _, writer, _ := newTestDetector(t)
	makeConflict(d, "c1")

	res := d.ResolveConflict(context.Background(), "c1", StrategyOverwrite, nil)
	require.True(t, res.Success)
	require.NotNil(t, res.FinalVersion)

	// Version advances past current; the caller's checksum is kept.
	assert.Equal(t, int64(6), res.FinalVersion.Version)
	assert.Equal(t, "yours", res.FinalVersion.Checksum)

	// Overwrite must not touch the resource itself.
	assert.Zero(t, writer.writes, "overwrite writes are the caller's job")

	assert.Empty(t, d.GetActiveConflicts())
}

func TestResolve_Merge_WritesAndAdvances(t *testing.T) {
	d, _, writer, _ := newTestDetector(t)
	makeConflict(d, "c1")

	merged := [][]any{{"merged"}}
	res := d.ResolveConflict(context.Background(), "c1", StrategyMerge, merged)
	require.True(t, res.Success, "err: %s", res.Err)

	assert.Equal(t, 1, writer.writes)
	assert.Equal(t, merged, writer.written)
	assert.Equal(t, int64(6), res.FinalVersion.Version)
	assert.Equal(t, checksumOf(merged), res.FinalVersion.Checksum)
}

func TestResolve_Merge_RequiresData(t *testing.T) {
	d, _, writer, _ := newTestDetector(t)
	makeConflict(d, "c1")

	res := d.ResolveConflict(context.Background(), "c1", StrategyMerge, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Err, "requires merged data")
	assert.Zero(t, writer.writes)

	// Failed resolution keeps the conflict active.
	assert.Len(t, d.GetActiveConflicts(), 1)
}

func TestResolve_Cancel_VersionUnchanged(t *testing.T) {
	d, _, _, _ := newTestDetector(t)
	c := makeConflict(d, "c1")

	res := d.ResolveConflict(context.Background(), "c1", StrategyCancel, nil)
	require.True(t, res.Success)
	assert.Equal(t, c.CurrentVersion.Version, res.FinalVersion.Version)
}

func TestResolve_LastWriteWins(t *testing.T) {
	d, _, _, _ := newTestDetector(t)
	c := makeConflict(d, "c1")

	res := d.ResolveConflict(context.Background(), "c1", StrategyLastWriteWins, nil)
	require.True(t, res.Success)
	assert.Equal(t, c.CurrentVersion.LastModified, res.FinalVersion.LastModified,
		"last_write_wins picks the later LastModified")
}

func TestResolve_FirstWriteWins(t *testing.T) {
	d, _, _, _ := newTestDetector(t)
	c := makeConflict(d, "c1")

	res := d.ResolveConflict(context.Background(), "c1", StrategyFirstWriteWins, nil)
	require.True(t, res.Success)
	assert.Equal(t, c.YourVersion.LastModified, res.FinalVersion.LastModified,
		"first_write_wins picks the earlier LastModified")
}

func TestResolve_UnknownStrategy(t *testing.T) {
	d, _, _, _ := newTestDetector(t)
	makeConflict(d, "c1")

	res := d.ResolveConflict(context.Background(), "c1", Strategy("rock-paper-scissors"), nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Err, "unknown resolution strategy")
}
