// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conflict implements optimistic concurrency control for
// spreadsheet ranges.
//
// Writers proceed without locking; at write time the detector compares the
// version a caller based its edit on against the range's authoritative
// current version (cached with a TTL, refreshed by a live read when stale)
// and flags a conflict on any timestamp, checksum, or version divergence.
// Lease-style locks are available for callers that want pessimistic
// coordination on top.
//
// Cache and lock entries expire lazily on access; an optional janitor
// goroutine sweeps them in long-running service mode.
//
// Thread Safety: Safe for concurrent use.
package conflict

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khill1269/servalsheets-sub007/services/executor/sheets"
)

// Config configures detection, caching, and auto-resolution.
type Config struct {
	// Enabled turns detection on. When false, DetectConflict is a no-op.
	// Default: true.
	Enabled bool

	// CacheTTL bounds how long a cached RangeVersion is considered fresh.
	// Default: 5m.
	CacheTTL time.Duration

	// LockTTL bounds how long a lease lock is held without renewal.
	// Default: 30s.
	LockTTL time.Duration

	// MaxVersionsToCache bounds the version cache; oldest entries are
	// evicted first. Default: 1000.
	MaxVersionsToCache int

	// AutoResolve, when set, resolves auto-resolvable conflicts with
	// DefaultStrategy before DetectConflict returns.
	AutoResolve bool

	// DefaultStrategy is the strategy AutoResolve applies.
	// Default: last_write_wins.
	DefaultStrategy Strategy
}

// DefaultConfig returns detection-on defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		CacheTTL:           5 * time.Minute,
		LockTTL:            30 * time.Second,
		MaxVersionsToCache: 1000,
		DefaultStrategy:    StrategyLastWriteWins,
	}
}

type versionEntry struct {
	version  RangeVersion
	cachedAt time.Time
}

type lockEntry struct {
	holder    string
	expiresAt time.Time
}

// Detector tracks range versions and detects/resolves write conflicts.
//
// Thread Safety: Safe for concurrent use.
type Detector struct {
	config Config
	reader sheets.RangeReader
	writer sheets.RangeWriter
	logger *slog.Logger

	mu       sync.Mutex
	versions map[string]*versionEntry
	locks    map[string]*lockEntry
	active   map[string]*Conflict

	now func() time.Time
}

// NewDetector creates a detector.
//
// Inputs:
//   - config: Detection configuration; zero CacheTTL and friends get defaults.
//   - reader: Live range reads for stale-cache refresh. Must not be nil
//     when config.Enabled.
//   - writer: Range writes for the merge strategy. May be nil; merge with
//     data then fails.
//   - logger: Structured logger. May be nil.
func NewDetector(config Config, reader sheets.RangeReader, writer sheets.RangeWriter, logger *slog.Logger) *Detector {
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Minute
	}
	if config.LockTTL <= 0 {
		config.LockTTL = 30 * time.Second
	}
	if config.MaxVersionsToCache <= 0 {
		config.MaxVersionsToCache = 1000
	}
	if config.DefaultStrategy == "" {
		config.DefaultStrategy = StrategyLastWriteWins
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		config:   config,
		reader:   reader,
		writer:   writer,
		logger:   logger,
		versions: make(map[string]*versionEntry),
		locks:    make(map[string]*lockEntry),
		active:   make(map[string]*Conflict),
		now:      time.Now,
	}
}

func key(spreadsheetID, rng string) string {
	return spreadsheetID + "!" + rng
}

// checksumOf computes a content checksum over the canonical JSON encoding
// of data.
func checksumOf(data any) string {
	raw, err := json.Marshal(data)
	if err != nil {
		// Unmarshalable data still needs a stable, unique-ish checksum.
		raw = []byte(fmt.Sprintf("%v", data))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// TrackVersion records the observed content of a range, incrementing the
// version counter when the checksum changed since the last observation.
//
// Outputs:
//   - RangeVersion: The stored (possibly incremented) version.
//
// Thread Safety: Safe for concurrent use.
func (d *Detector) TrackVersion(spreadsheetID, rng, modifiedBy string, data any) RangeVersion {
	sum := checksumOf(data)

	d.mu.Lock()
	defer d.mu.Unlock()

	k := key(spreadsheetID, rng)
	now := d.now()

	entry, ok := d.versions[k]
	if ok && entry.version.Checksum == sum {
		// Unchanged content refreshes the cache without a version bump.
		entry.cachedAt = now
		return entry.version
	}

	next := RangeVersion{
		SpreadsheetID: spreadsheetID,
		Range:         rng,
		LastModified:  now,
		ModifiedBy:    modifiedBy,
		Checksum:      sum,
		Version:       1,
	}
	if ok {
		next.Version = entry.version.Version + 1
	}
	d.versions[k] = &versionEntry{version: next, cachedAt: now}
	d.pruneLocked()
	return next
}

// GetVersion returns the cached version for a range, if present and fresh.
func (d *Detector) GetVersion(spreadsheetID, rng string) (RangeVersion, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.versions[key(spreadsheetID, rng)]
	if !ok || d.now().Sub(entry.cachedAt) > d.config.CacheTTL {
		return RangeVersion{}, false
	}
	return entry.version, true
}

// DetectConflict compares the version the caller based its edit on against
// the range's current version.
//
// Inputs:
//   - ctx: Context for the live read on cache miss.
//   - spreadsheetID, rng: Range identity.
//   - expected: The version the caller last observed. Nil disables the check.
//
// Outputs:
//   - *Conflict: Nil when detection is disabled, expected is nil, or the
//     versions agree. When AutoResolve is configured, the conflict has
//     already been resolved with the default strategy before return.
//   - error: Only when the live read needed to establish the current
//     version fails.
//
// Thread Safety: Safe for concurrent use.
func (d *Detector) DetectConflict(ctx context.Context, spreadsheetID, rng string, expected *RangeVersion) (*Conflict, error) {
	if !d.config.Enabled || expected == nil {
		return nil, nil
	}

	current, ok := d.GetVersion(spreadsheetID, rng)
	if !ok {
		values, err := d.reader.ReadRange(ctx, spreadsheetID, rng)
		if err != nil {
			return nil, fmt.Errorf("conflict check: live read of %s!%s: %w", spreadsheetID, rng, err)
		}
		if checksumOf(values) == expected.Checksum {
			// The range still holds the content the caller based its edit
			// on; re-seed the evicted cache entry from the caller's version
			// rather than minting a fresh one with a new timestamp.
			d.mu.Lock()
			d.versions[key(spreadsheetID, rng)] = &versionEntry{version: *expected, cachedAt: d.now()}
			d.pruneLocked()
			d.mu.Unlock()
			return nil, nil
		}
		current = d.TrackVersion(spreadsheetID, rng, "live-read", values)
	}

	if !hasConflict(*expected, current) {
		return nil, nil
	}

	since := d.now().Sub(current.LastModified)
	severity := severityFor(since)
	c := &Conflict{
		ID:                    uuid.NewString(),
		Severity:              severity,
		SpreadsheetID:         spreadsheetID,
		Range:                 rng,
		YourVersion:           *expected,
		CurrentVersion:        current,
		TimeSinceModification: since,
		SuggestedResolution:   suggestStrategy(severity),
		AlternativeResolutions: []Strategy{
			StrategyOverwrite, StrategyMerge, StrategyCancel,
			StrategyLastWriteWins, StrategyFirstWriteWins,
		},
		AutoResolvable: severity == SeverityInfo || severity == SeverityWarning,
		DetectedAt:     d.now(),
	}

	d.mu.Lock()
	d.active[c.ID] = c
	d.mu.Unlock()

	d.logger.Warn("write conflict detected",
		"conflictId", c.ID,
		"spreadsheetId", spreadsheetID,
		"range", rng,
		"severity", string(severity),
		"yourVersion", expected.Version,
		"currentVersion", current.Version,
	)

	if d.config.AutoResolve && c.AutoResolvable {
		res := d.ResolveConflict(ctx, c.ID, d.config.DefaultStrategy, nil)
		if !res.Success {
			d.logger.Warn("auto-resolve failed", "conflictId", c.ID, "error", res.Err)
		}
	}
	return c, nil
}

// suggestStrategy recommends a resolution for a given severity. Recent
// conflicts suggest backing off; stale ones can usually be overwritten.
func suggestStrategy(s Severity) Strategy {
	switch s {
	case SeverityCritical, SeverityError:
		return StrategyCancel
	case SeverityWarning:
		return StrategyLastWriteWins
	default:
		return StrategyOverwrite
	}
}

// GetActiveConflicts returns unresolved conflicts, dropping expired ones.
//
// Thread Safety: Safe for concurrent use.
func (d *Detector) GetActiveConflicts() []Conflict {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Conflict, 0, len(d.active))
	for id, c := range d.active {
		if d.now().Sub(c.DetectedAt) > d.config.CacheTTL {
			delete(d.active, id)
			continue
		}
		out = append(out, *c)
	}
	return out
}

// AcquireLock takes a lease-style lock on a range.
//
// Outputs:
//   - bool: False when another holder's unexpired lease exists.
//
// Thread Safety: Safe for concurrent use.
func (d *Detector) AcquireLock(spreadsheetID, rng, holder string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	k := key(spreadsheetID, rng)
	now := d.now()
	if l, ok := d.locks[k]; ok && now.Before(l.expiresAt) && l.holder != holder {
		return false
	}
	d.locks[k] = &lockEntry{holder: holder, expiresAt: now.Add(d.config.LockTTL)}
	return true
}

// ReleaseLock releases a lease if held by holder.
func (d *Detector) ReleaseLock(spreadsheetID, rng, holder string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	k := key(spreadsheetID, rng)
	if l, ok := d.locks[k]; ok && l.holder == holder {
		delete(d.locks, k)
	}
}

// Prune evicts expired cache entries, locks, and stale conflicts, and
// bounds the version cache to MaxVersionsToCache by oldest-first eviction.
//
// Thread Safety: Safe for concurrent use.
func (d *Detector) Prune() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, e := range d.versions {
		if now.Sub(e.cachedAt) > d.config.CacheTTL {
			delete(d.versions, k)
		}
	}
	for k, l := range d.locks {
		if !now.Before(l.expiresAt) {
			delete(d.locks, k)
		}
	}
	for id, c := range d.active {
		if now.Sub(c.DetectedAt) > d.config.CacheTTL {
			delete(d.active, id)
		}
	}
	d.pruneLocked()
}

// pruneLocked bounds the version cache. Must be called with mu held.
func (d *Detector) pruneLocked() {
	for len(d.versions) > d.config.MaxVersionsToCache {
		oldestKey := ""
		var oldest time.Time
		for k, e := range d.versions {
			if oldestKey == "" || e.cachedAt.Before(oldest) {
				oldestKey = k
				oldest = e.cachedAt
			}
		}
		delete(d.versions, oldestKey)
	}
}

// StartJanitor runs periodic Prune sweeps until ctx is cancelled. Only
// needed in long-running service mode; tests and short-lived callers rely
// on lazy expiry.
func (d *Detector) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.Prune()
			}
		}
	}()
}
