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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khill1269/servalsheets-sub007/services/executor/ratelimit"
	"github.com/khill1269/servalsheets-sub007/services/executor/sheets"
	"github.com/khill1269/servalsheets-sub007/services/executor/snapshot"
)

// selectiveUpdater fails every call targeting the spreadsheets in failFor.
type selectiveUpdater struct {
	mu        sync.Mutex
	callOrder []string
	failFor   map[string]bool
}

func (f *selectiveUpdater) BatchUpdate(ctx context.Context, spreadsheetID string, requests []sheets.Request) (*sheets.BatchResponse, error) {
	f.mu.Lock()
	f.callOrder = append(f.callOrder, spreadsheetID)
	f.mu.Unlock()
	if f.failFor[spreadsheetID] {
		return nil, fmt.Errorf("internal error updating %s", spreadsheetID)
	}
	return &sheets.BatchResponse{SpreadsheetID: spreadsheetID, UpdatedCells: len(requests)}, nil
}

func TestExecuteAll_PreservesSubmissionOrder(t *testing.T) {
	updater := &selectiveUpdater{}
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	c := NewCompiler(Deps{Updater: updater, Limiter: limiter})

	// Interleave two spreadsheets so concurrent completion could reorder
	// results if resequencing were broken.
	batches := []CompiledBatch{
		{SpreadsheetID: "res-1", Requests: []sheets.Request{{Kind: "a"}}, RequestCount: 1, EstimatedCells: 1},
		{SpreadsheetID: "res-2", Requests: []sheets.Request{{Kind: "b"}}, RequestCount: 1, EstimatedCells: 1},
		{SpreadsheetID: "res-1", Requests: []sheets.Request{{Kind: "c"}}, RequestCount: 1, EstimatedCells: 1},
	}
	results := c.ExecuteAll(context.Background(), batches, SafetyOptions{})

	require.Len(t, results, 3)
	assert.Equal(t, "res-1", results[0].SpreadsheetID)
	assert.Equal(t, "res-2", results[1].SpreadsheetID)
	assert.Equal(t, "res-1", results[2].SpreadsheetID)
	for i, r := range results {
		assert.True(t, r.Success, "result %d: %v", i, r.Error)
	}

	// Within res-1, execution order matches submission order.
	var res1Order []string
	for _, id := range updater.callOrder {
		if id == "res-1" {
			res1Order = append(res1Order, id)
		}
	}
	assert.Len(t, res1Order, 2)
}

func TestExecuteAll_FirstFailureAbortsSpreadsheet(t *testing.T) {
	updater := &selectiveUpdater{failFor: map[string]bool{"res-1": true}}
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	c := NewCompiler(Deps{Updater: updater, Limiter: limiter})

	batches := []CompiledBatch{
		{SpreadsheetID: "res-1", Requests: []sheets.Request{{Kind: "a"}}, RequestCount: 1, EstimatedCells: 1},
		{SpreadsheetID: "res-2", Requests: []sheets.Request{{Kind: "b"}}, RequestCount: 1, EstimatedCells: 1},
		{SpreadsheetID: "res-1", Requests: []sheets.Request{{Kind: "c"}}, RequestCount: 1, EstimatedCells: 1},
	}
	results := c.ExecuteAll(context.Background(), batches, SafetyOptions{})

	require.Len(t, results, 3)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success, "the healthy spreadsheet is unaffected")
	require.False(t, results[2].Success)
	assert.Contains(t, results[2].Error.Message, "skipped")
	assert.True(t, results[2].Error.Retryable)

	// The skipped batch never reached the remote.
	count := 0
	for _, id := range updater.callOrder {
		if id == "res-1" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

// fakeCopies implements sheets.CopyAPI for snapshot wiring.
type fakeCopies struct {
	mu      sync.Mutex
	created int
	deleted []string
}

func (f *fakeCopies) Copy(ctx context.Context, spreadsheetID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return fmt.Sprintf("copy-%d", f.created), nil
}

func (f *fakeCopies) Delete(ctx context.Context, copyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, copyID)
	return nil
}

func (f *fakeCopies) URL(copyID string) string {
	return "https://example.com/" + copyID
}

func TestExecute_SnapshotIDSurvivesFailedExecution(t *testing.T) {
	updater := &fakeUpdater{err: fmt.Errorf("500 internal error")}
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	copies := &fakeCopies{}
	snapshots := snapshot.NewService(snapshot.Config{MaxSnapshots: 5}, copies, nil, nil, nil)
	c := NewCompiler(Deps{Updater: updater, Limiter: limiter, Snapshots: snapshots})

	r := req("sheet-a", 10)
	r.Metadata.HighRisk = true
	batches := c.Compile(FromWrapped([]WrappedRequest{r}), CompileOptions{})
	result := c.Execute(context.Background(), batches[0], SafetyOptions{})

	require.False(t, result.Success)
	assert.NotEmpty(t, result.SnapshotID, "snapshot id is kept so the caller can roll back")
	assert.Equal(t, 1, copies.created)
}

func TestExecute_DisableAutoSnapshot(t *testing.T) {
	updater := &fakeUpdater{}
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	copies := &fakeCopies{}
	snapshots := snapshot.NewService(snapshot.Config{MaxSnapshots: 5}, copies, nil, nil, nil)
	c := NewCompiler(Deps{Updater: updater, Limiter: limiter, Snapshots: snapshots})

	r := req("sheet-a", 10)
	r.Metadata.HighRisk = true
	batches := c.Compile(FromWrapped([]WrappedRequest{r}), CompileOptions{})
	result := c.Execute(context.Background(), batches[0], SafetyOptions{DisableAutoSnapshot: true})

	require.True(t, result.Success)
	assert.Empty(t, result.SnapshotID)
	assert.Zero(t, copies.created)
}

func TestExecuteWithSafety_RunsOperationThroughGates(t *testing.T) {
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	c := NewCompiler(Deps{Updater: &fakeUpdater{}, Limiter: limiter})

	calls := 0
	result := c.ExecuteWithSafety(context.Background(), WithSafetyOptions{
		SpreadsheetID:  "sheet-a",
		Description:    "merge duplicate rows",
		EstimatedCells: 40,
		Operation: func(ctx context.Context) (*sheets.BatchResponse, error) {
			calls++
			return &sheets.BatchResponse{UpdatedCells: 40, UpdatedRows: 4}, nil
		},
	})

	require.True(t, result.Success, "err: %v", result.Error)
	assert.Equal(t, 1, calls)
	require.NotNil(t, result.Diff)
	assert.Equal(t, 40, result.Diff.CellsChanged)
}

func TestExecuteWithSafety_ScopeGate(t *testing.T) {
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	c := NewCompiler(Deps{Updater: &fakeUpdater{}, Limiter: limiter})

	calls := 0
	result := c.ExecuteWithSafety(context.Background(), WithSafetyOptions{
		SpreadsheetID:  "sheet-a",
		EstimatedCells: 200,
		Operation: func(ctx context.Context) (*sheets.BatchResponse, error) {
			calls++
			return nil, nil
		},
		Safety: SafetyOptions{MaxCellsAffected: 100},
	})

	require.False(t, result.Success)
	assert.Equal(t, CodeEffectScopeExceeded, result.Error.Code)
	assert.Zero(t, calls)
}

func TestExecuteWithSafety_SkipDiff(t *testing.T) {
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	c := NewCompiler(Deps{Updater: &fakeUpdater{}, Limiter: limiter})

	result := c.ExecuteWithSafety(context.Background(), WithSafetyOptions{
		SpreadsheetID: "sheet-a",
		Operation: func(ctx context.Context) (*sheets.BatchResponse, error) {
			return &sheets.BatchResponse{UpdatedCells: 5}, nil
		},
		Safety: SafetyOptions{SkipDiff: true},
	})

	require.True(t, result.Success)
	assert.Nil(t, result.Diff)
}
