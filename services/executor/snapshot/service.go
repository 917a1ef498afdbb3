// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package snapshot creates and retains backup copies of spreadsheets before
// high-risk mutations.
//
// A snapshot is a whole-spreadsheet copy made through the collaborator's
// native copy primitive. Retention is per source spreadsheet, FIFO: when
// the list exceeds MaxSnapshots, the oldest copy is deleted best-effort.
// The index is process-local; restarting the process loses it even though
// the underlying copies may still exist remotely.
//
// Thread Safety: Safe for concurrent use.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khill1269/servalsheets-sub007/services/executor/breaker"
	"github.com/khill1269/servalsheets-sub007/services/executor/sheets"
	"github.com/khill1269/servalsheets-sub007/services/executor/telemetry"
)

// ErrNotFound is returned when a snapshot id is unknown.
var ErrNotFound = fmt.Errorf("snapshot not found")

// Snapshot records one backup copy.
type Snapshot struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	SourceSpreadsheetID string    `json:"sourceSpreadsheetId"`
	CopySpreadsheetID   string    `json:"copySpreadsheetId"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Config configures retention.
type Config struct {
	// MaxSnapshots bounds retained snapshots per source spreadsheet.
	// Default: 5.
	MaxSnapshots int
}

// Service creates, lists, restores, and deletes snapshots.
//
// All remote calls go through a breaker dedicated to the copy API so a
// failing backup backend cannot consume the mutation path's error budget.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	config  Config
	copies  sheets.CopyAPI
	cb      *breaker.Breaker[string]
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu    sync.Mutex
	index map[string][]*Snapshot // source spreadsheet id -> ordered oldest-first
	byID  map[string]*Snapshot
}

// NewService creates a snapshot service.
//
// Inputs:
//   - config: Retention configuration.
//   - copies: The copy/backup collaborator. Must not be nil.
//   - cb: Breaker for the copy API; nil gets a default one.
//   - logger: Structured logger. May be nil.
//   - metrics: Telemetry instruments. May be nil.
func NewService(config Config, copies sheets.CopyAPI, cb *breaker.Breaker[string], logger *slog.Logger, metrics *telemetry.Metrics) *Service {
	if config.MaxSnapshots <= 0 {
		config.MaxSnapshots = 5
	}
	if cb == nil {
		cb = breaker.New[string](breaker.DefaultConfig("snapshot-copy-api"))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		config: config,
		copies: copies,
		cb:     cb,
		logger: logger, metrics: metrics,
		index: make(map[string][]*Snapshot),
		byID:  make(map[string]*Snapshot),
	}
}

// Create copies the spreadsheet and records the snapshot.
//
// When retention overflows, the oldest snapshot's copy is deleted
// best-effort: a failed delete is logged and counted but never blocks the
// create path, so an orphaned copy is possible.
//
// Outputs:
//   - *Snapshot: The recorded snapshot.
//   - error: The copy failure, including circuit-open rejections.
//
// Thread Safety: Safe for concurrent use.
func (s *Service) Create(ctx context.Context, spreadsheetID, name string) (*Snapshot, error) {
	if name == "" {
		name = fmt.Sprintf("backup-%s", time.Now().UTC().Format("20060102-150405"))
	}

	copyID, err := s.cb.Execute(ctx, func(ctx context.Context) (string, error) {
		return s.copies.Copy(ctx, spreadsheetID, name)
	})
	if err != nil {
		return nil, fmt.Errorf("creating snapshot of %s: %w", spreadsheetID, err)
	}

	snap := &Snapshot{
		ID:                  uuid.NewString(),
		Name:                name,
		SourceSpreadsheetID: spreadsheetID,
		CopySpreadsheetID:   copyID,
		CreatedAt:           time.Now(),
	}

	var evicted *Snapshot
	s.mu.Lock()
	s.index[spreadsheetID] = append(s.index[spreadsheetID], snap)
	s.byID[snap.ID] = snap
	if len(s.index[spreadsheetID]) > s.config.MaxSnapshots {
		evicted = s.index[spreadsheetID][0]
		s.index[spreadsheetID] = s.index[spreadsheetID][1:]
		delete(s.byID, evicted.ID)
	}
	s.mu.Unlock()

	s.logger.Info("snapshot created",
		"snapshotId", snap.ID, "spreadsheetId", spreadsheetID, "copyId", copyID)

	if evicted != nil {
		s.pruneEvicted(ctx, evicted)
	}
	return snap, nil
}

// pruneEvicted deletes an evicted snapshot's backing copy. Failures are
// swallowed so pruning never blocks creation, but they are logged and
// counted so operators can find orphaned copies.
func (s *Service) pruneEvicted(ctx context.Context, evicted *Snapshot) {
	_, err := s.cb.Execute(ctx, func(ctx context.Context) (string, error) {
		return "", s.copies.Delete(ctx, evicted.CopySpreadsheetID)
	})
	if err != nil {
		s.logger.Warn("snapshot prune failed, copy orphaned",
			"snapshotId", evicted.ID, "copyId", evicted.CopySpreadsheetID, "error", err)
		if s.metrics != nil {
			s.metrics.SnapshotPruneFailures.Add(ctx, 1)
		}
	}
}

// List returns snapshots for a source spreadsheet, oldest first.
//
// Thread Safety: Safe for concurrent use.
func (s *Service) List(spreadsheetID string) []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Snapshot, 0, len(s.index[spreadsheetID]))
	for _, snap := range s.index[spreadsheetID] {
		out = append(out, *snap)
	}
	return out
}

// Get returns a snapshot by id.
func (s *Service) Get(snapshotID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.byID[snapshotID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, snapshotID)
	}
	out := *snap
	return &out, nil
}

// Restore copies the snapshot's backing spreadsheet back out, producing a
// new restored spreadsheet. The original is untouched.
//
// Outputs:
//   - string: The restored spreadsheet's id.
//
// Thread Safety: Safe for concurrent use.
func (s *Service) Restore(ctx context.Context, snapshotID string) (string, error) {
	snap, err := s.Get(snapshotID)
	if err != nil {
		return "", err
	}

	restoredID, err := s.cb.Execute(ctx, func(ctx context.Context) (string, error) {
		return s.copies.Copy(ctx, snap.CopySpreadsheetID, fmt.Sprintf("restored-%s", snap.Name))
	})
	if err != nil {
		return "", fmt.Errorf("restoring snapshot %s: %w", snapshotID, err)
	}

	s.logger.Info("snapshot restored",
		"snapshotId", snapshotID, "restoredId", restoredID)
	return restoredID, nil
}

// Delete removes the snapshot's backing copy and its index entry.
//
// Thread Safety: Safe for concurrent use.
func (s *Service) Delete(ctx context.Context, snapshotID string) error {
	snap, err := s.Get(snapshotID)
	if err != nil {
		return err
	}

	if _, err := s.cb.Execute(ctx, func(ctx context.Context) (string, error) {
		return "", s.copies.Delete(ctx, snap.CopySpreadsheetID)
	}); err != nil {
		return fmt.Errorf("deleting snapshot %s: %w", snapshotID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, snapshotID)
	list := s.index[snap.SourceSpreadsheetID]
	for i, candidate := range list {
		if candidate.ID == snapshotID {
			s.index[snap.SourceSpreadsheetID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

// GetURL returns the remote URL of a snapshot's backing copy.
func (s *Service) GetURL(snapshotID string) (string, error) {
	snap, err := s.Get(snapshotID)
	if err != nil {
		return "", err
	}
	return s.copies.URL(snap.CopySpreadsheetID), nil
}

// Stats returns the breaker stats for the copy API.
func (s *Service) Stats() breaker.Stats {
	return s.cb.GetStats()
}
