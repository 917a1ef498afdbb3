// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ratelimit

import (
	"context"
	"testing"
	"time"
)

// fakeClock drives the limiter deterministically: sleep advances the
// clock instead of blocking.
type fakeClock struct {
	now time.Time
}

func newFakeLimiter(cfg Config) (*Limiter, *fakeClock) {
	l := New(cfg)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l.now = func() time.Time { return clock.now }
	l.sleep = func(ctx context.Context, d time.Duration) error {
		clock.now = clock.now.Add(d)
		return nil
	}
	// Re-anchor the buckets to the fake clock.
	for _, b := range l.buckets {
		b.lastRefill = clock.now
	}
	return l, clock
}

func tokensOf(l *Limiter, class Class) float64 {
	for _, s := range l.StatsSnapshot() {
		if s.Class == class {
			return s.Tokens
		}
	}
	return -1
}

func TestNew_PartialConfigKeepsExplicitValues(t *testing.T) {
	// Only the write side is configured; the read side should get
	// defaults without clobbering the explicit write settings.
	l := New(Config{WriteCapacity: 5, WriteRefillPerSec: 0.5})

	for _, s := range l.StatsSnapshot() {
		switch s.Class {
		case ClassRead:
			if s.Capacity != 100 || s.RefillRate != 10 {
				t.Errorf("read bucket = cap %v rate %v, want defaults 100/10", s.Capacity, s.RefillRate)
			}
		case ClassWrite:
			if s.Capacity != 5 || s.RefillRate != 0.5 {
				t.Errorf("write bucket = cap %v rate %v, want explicit 5/0.5", s.Capacity, s.RefillRate)
			}
		}
	}
}

func TestAcquire_DeductsWeight(t *testing.T) {
	l, _ := newFakeLimiter(DefaultConfig())

	if err := l.Acquire(context.Background(), ClassWrite, 10); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	got := tokensOf(l, ClassWrite)
	if got != 50 {
		t.Errorf("write tokens = %v, want 50", got)
	}
}

func TestAcquire_BoundsInvariant(t *testing.T) {
	l, _ := newFakeLimiter(DefaultConfig())
	cfg := DefaultConfig()

	weights := []float64{5, 30, 60, 1, 12, 60, 60}
	for _, w := range weights {
		if err := l.Acquire(context.Background(), ClassWrite, w); err != nil {
			t.Fatalf("Acquire(%v) failed: %v", w, err)
		}
		tokens := tokensOf(l, ClassWrite)
		if tokens < 0 || tokens > cfg.WriteCapacity {
			t.Fatalf("tokens %v outside [0, %v] after acquiring %v", tokens, cfg.WriteCapacity, w)
		}
	}
}

func TestAcquire_WaitsForDeficit(t *testing.T) {
	l, clock := newFakeLimiter(Config{
		ReadCapacity: 10, ReadRefillPerSec: 1,
		WriteCapacity: 10, WriteRefillPerSec: 2,
	})

	// Drain the bucket, then ask for 6 more: deficit 6 at 2/sec = 3s.
	if err := l.Acquire(context.Background(), ClassWrite, 10); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	before := clock.now
	if err := l.Acquire(context.Background(), ClassWrite, 6); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	waited := clock.now.Sub(before)
	if waited != 3*time.Second {
		t.Errorf("waited %v, want 3s", waited)
	}
	if got := tokensOf(l, ClassWrite); got != 0 {
		t.Errorf("tokens after deficit acquire = %v, want 0", got)
	}
}

func TestAcquire_ContextCancelled(t *testing.T) {
	l, _ := newFakeLimiter(Config{
		ReadCapacity: 1, ReadRefillPerSec: 1,
		WriteCapacity: 1, WriteRefillPerSec: 1,
	})
	l.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	if err := l.Acquire(context.Background(), ClassWrite, 5); err == nil {
		t.Error("expected context error when sleep is cancelled")
	}
}

func TestAcquire_ClassesAreIndependent(t *testing.T) {
	l, _ := newFakeLimiter(DefaultConfig())

	if err := l.Acquire(context.Background(), ClassWrite, 60); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if got := tokensOf(l, ClassRead); got != 100 {
		t.Errorf("read tokens = %v, want untouched 100", got)
	}
}

func TestThrottle_HalvesLimits(t *testing.T) {
	l, _ := newFakeLimiter(DefaultConfig())

	l.Throttle(time.Minute)

	for _, s := range l.StatsSnapshot() {
		if !s.Throttled {
			t.Errorf("%s bucket not marked throttled", s.Class)
		}
	}
	stats := l.StatsSnapshot()
	for _, s := range stats {
		switch s.Class {
		case ClassRead:
			if s.Capacity != 50 || s.RefillRate != 5 {
				t.Errorf("read bucket = cap %v rate %v, want 50/5", s.Capacity, s.RefillRate)
			}
		case ClassWrite:
			if s.Capacity != 30 || s.RefillRate != 0.5 {
				t.Errorf("write bucket = cap %v rate %v, want 30/0.5", s.Capacity, s.RefillRate)
			}
		}
	}
}

func TestThrottle_LazilyRestores(t *testing.T) {
	l, clock := newFakeLimiter(DefaultConfig())

	l.Throttle(time.Minute)
	clock.now = clock.now.Add(2 * time.Minute)

	for _, s := range l.StatsSnapshot() {
		if s.Throttled {
			t.Errorf("%s bucket still throttled after window elapsed", s.Class)
		}
		if s.Class == ClassRead && s.Capacity != 100 {
			t.Errorf("read capacity = %v, want restored 100", s.Capacity)
		}
	}
}

func TestRestoreNormalLimits(t *testing.T) {
	l, _ := newFakeLimiter(DefaultConfig())

	l.Throttle(time.Hour)
	l.RestoreNormalLimits()

	for _, s := range l.StatsSnapshot() {
		if s.Throttled {
			t.Errorf("%s bucket still throttled after restore", s.Class)
		}
	}
}
