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

// fakeReader serves canned range values and counts live reads.
type fakeReader struct {
	values [][]any
	err    error
	reads  int
}

func (f *fakeReader) ReadRange(ctx context.Context, spreadsheetID, rng string) ([][]any, error) {
	f.reads++
	return f.values, f.err
}

// fakeWriter records merge writes.
type fakeWriter struct {
	written [][]any
	err     error
	writes  int
}

func (f *fakeWriter) WriteRange(ctx context.Context, spreadsheetID, rng string, values [][]any) error {
	f.writes++
	f.written = values
	return f.err
}

func newTestDetector(t *testing.T) (*Detector, *fakeReader, *fakeWriter, *time.Time) {
	t.Helper()
	reader := &fakeReader{values: [][]any{{"a", "b"}}}
	writer := &fakeWriter{}
	d := NewDetector(DefaultConfig(), reader, writer, nil)
	clock := time.Unix(10000, 0)
	d.now = func() time.Time { return clock }
	return d, reader, writer, &clock
}

func TestTrackVersion_IncrementsOnChange(t *testing.T) {
	d, _, _, _ := newTestDetector(t)

	v1 := d.TrackVersion("sheet-1", "A1:B2", "alice", [][]any{{"x"}})
	assert.Equal(t, int64(1), v1.Version)

	// Same content: no bump.
	v2 := d.TrackVersion("sheet-1", "A1:B2", "alice", [][]any{{"x"}})
	assert.Equal(t, int64(1), v2.Version)
	assert.Equal(t, v1.Checksum, v2.Checksum)

	// Different content: bump.
	v3 := d.TrackVersion("sheet-1", "A1:B2", "bob", [][]any{{"y"}})
	assert.Equal(t, int64(2), v3.Version)
	assert.NotEqual(t, v1.Checksum, v3.Checksum)
	assert.Equal(t, "bob", v3.ModifiedBy)
}

func TestDetectConflict_NoExpectedVersion(t *testing.T) {
	d, reader, _, _ := newTestDetector(t)

	c, err := d.DetectConflict(context.Background(), "sheet-1", "A1:B2", nil)
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Zero(t, reader.reads, "no expected version must mean no reads")
}

func TestDetectConflict_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	reader := &fakeReader{}
	d := NewDetector(cfg, reader, nil, nil)

	expected := &RangeVersion{Version: 1}
	c, err := d.DetectConflict(context.Background(), "sheet-1", "A1:B2", expected)
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Zero(t, reader.reads)
}

func TestDetectConflict_NoDivergence(t *testing.T) {
	d, _, _, _ := newTestDetector(t)

	tracked := d.TrackVersion("sheet-1", "A1:B2", "alice", [][]any{{"x"}})
	c, err := d.DetectConflict(context.Background(), "sheet-1", "A1:B2", &tracked)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDetectConflict_DivergenceTriad(t *testing.T) {
	d, _, _, clock := newTestDetector(t)

	base := d.TrackVersion("sheet-1", "A1:B2", "alice", [][]any{{"x"}})

	// Someone else writes after us.
	*clock = clock.Add(30 * time.Second)
	d.TrackVersion("sheet-1", "A1:B2", "bob", [][]any{{"y"}})

	c, err := d.DetectConflict(context.Background(), "sheet-1", "A1:B2", &base)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, SeverityCritical, c.Severity, "30s-old modification is critical")
	assert.False(t, c.AutoResolvable)
	assert.Equal(t, base.Version, c.YourVersion.Version)
	assert.Equal(t, base.Version+1, c.CurrentVersion.Version)
	assert.NotEmpty(t, c.ID)
}

func TestDetectConflict_LiveReadOnCacheMiss(t *testing.T) {
	d, reader, _, clock := newTestDetector(t)

	base := d.TrackVersion("sheet-1", "A1:B2", "alice", [][]any{{"a", "b"}})

	// Let the cache go stale. The authoritative read returns unchanged
	// content, so the refreshed version matches and no conflict is raised.
	*clock = clock.Add(10 * time.Minute)
	reader.values = [][]any{{"a", "b"}}

	c, err := d.DetectConflict(context.Background(), "sheet-1", "A1:B2", &base)
	require.NoError(t, err)
	assert.Equal(t, 1, reader.reads, "stale cache must trigger a live read")
	assert.Nil(t, c)

	// A second check within the TTL hits the refreshed cache.
	_, err = d.DetectConflict(context.Background(), "sheet-1", "A1:B2", &base)
	require.NoError(t, err)
	assert.Equal(t, 1, reader.reads)
}

func TestDetectConflict_EvictedEntryUnchangedContent(t *testing.T) {
	d, reader, _, clock := newTestDetector(t)

	base := d.TrackVersion("sheet-1", "A1:B2", "alice", [][]any{{"a", "b"}})

	// Evict the entry entirely, not just let it go stale.
	*clock = clock.Add(10 * time.Minute)
	d.Prune()

	// The live read finds the caller's own content, so nothing diverged.
	c, err := d.DetectConflict(context.Background(), "sheet-1", "A1:B2", &base)
	require.NoError(t, err)
	assert.Nil(t, c, "unchanged content after eviction is not a conflict")
	assert.Equal(t, 1, reader.reads)

	// The cache is re-seeded with the caller's version, not a fresh one.
	v, ok := d.GetVersion("sheet-1", "A1:B2")
	require.True(t, ok)
	assert.Equal(t, base.Version, v.Version)
	assert.Equal(t, base.LastModified, v.LastModified)
}

func TestSeverityMapping(t *testing.T) {
	cases := []struct {
		since time.Duration
		want  Severity
	}{
		{30 * time.Second, SeverityCritical},
		{3 * time.Minute, SeverityError},
		{20 * time.Minute, SeverityWarning},
		{2 * time.Hour, SeverityInfo},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, severityFor(tc.since), "since=%v", tc.since)
	}
}

func TestHasConflict_Determinism(t *testing.T) {
	base := RangeVersion{
		LastModified: time.Unix(100, 0),
		Checksum:     "same",
		Version:      3,
	}

	assert.False(t, hasConflict(base, base))

	later := base
	later.LastModified = time.Unix(101, 0)
	assert.True(t, hasConflict(base, later))

	changed := base
	changed.Checksum = "different"
	assert.True(t, hasConflict(base, changed))

	newer := base
	newer.Version = 4
	assert.True(t, hasConflict(base, newer))

	// Older current never conflicts.
	older := base
	older.Version = 2
	older.LastModified = time.Unix(99, 0)
	assert.False(t, hasConflict(base, older))
}

func TestLocks_LeaseSemantics(t *testing.T) {
	d, _, _, clock := newTestDetector(t)

	assert.True(t, d.AcquireLock("sheet-1", "A1:B2", "alice"))
	assert.False(t, d.AcquireLock("sheet-1", "A1:B2", "bob"), "held lease blocks others")
	assert.True(t, d.AcquireLock("sheet-1", "A1:B2", "alice"), "holder can renew")

	// Lease expires.
	*clock = clock.Add(time.Minute)
	assert.True(t, d.AcquireLock("sheet-1", "A1:B2", "bob"))

	d.ReleaseLock("sheet-1", "A1:B2", "alice") // not the holder, no-op
	assert.False(t, d.AcquireLock("sheet-1", "A1:B2", "carol"))
	d.ReleaseLock("sheet-1", "A1:B2", "bob")
	assert.True(t, d.AcquireLock("sheet-1", "A1:B2", "carol"))
}

func TestPrune_EvictsExpired(t *testing.T) {
	d, _, _, clock := newTestDetector(t)

	d.TrackVersion("sheet-1", "A1:B2", "alice", [][]any{{"x"}})
	d.AcquireLock("sheet-1", "A1:B2", "alice")

	*clock = clock.Add(10 * time.Minute)
	d.Prune()

	_, ok := d.GetVersion("sheet-1", "A1:B2")
	assert.False(t, ok)
	assert.True(t, d.AcquireLock("sheet-1", "A1:B2", "bob"))
}

func TestVersionCache_BoundedOldestFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxVersionsToCache = 2
	d := NewDetector(cfg, &fakeReader{}, nil, nil)
	clock := time.Unix(10000, 0)
	d.now = func() time.Time { return clock }

	d.TrackVersion("sheet-1", "A1", "a", 1)
	clock = clock.Add(time.Second)
	d.TrackVersion("sheet-1", "A2", "a", 2)
	clock = clock.Add(time.Second)
	d.TrackVersion("sheet-1", "A3", "a", 3)

	_, ok := d.GetVersion("sheet-1", "A1")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = d.GetVersion("sheet-1", "A3")
	assert.True(t, ok)
}

func TestAutoResolve(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoResolve = true
	cfg.DefaultStrategy = StrategyLastWriteWins
	// The live read returns bob's content so the refreshed version keeps
	// his modification time.
	reader := &fakeReader{values: [][]any{{"y"}}}
	d := NewDetector(cfg, reader, nil, nil)
	clock := time.Unix(10000, 0)
	d.now = func() time.Time { return clock }

	base := d.TrackVersion("sheet-1", "A1:B2", "alice", [][]any{{"x"}})
	clock = clock.Add(45 * time.Minute)
	d.TrackVersion("sheet-1", "A1:B2", "bob", [][]any{{"y"}})
	clock = clock.Add(35 * time.Minute)

	// The conflicting write is now >30m old: warning/info band.
	c, err := d.DetectConflict(context.Background(), "sheet-1", "A1:B2", &base)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, c.AutoResolvable)
	assert.Empty(t, d.GetActiveConflicts(), "auto-resolved conflict should not stay active")
}
