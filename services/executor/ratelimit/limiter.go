// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ratelimit implements token-bucket admission control for calls to
// the remote spreadsheet API.
//
// Two independent buckets (read, write) refill lazily based on elapsed time.
// Acquire blocks until enough tokens are available; it never rejects. A
// reactive Throttle halves the limits for a window after the upstream
// signals backpressure.
//
// Thread Safety: Safe for concurrent use. Acquires are fully serialized so
// bucket refill and deduction are never interleaved.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Class selects which bucket an acquisition draws from.
type Class string

const (
	// ClassRead covers metadata and range reads.
	ClassRead Class = "read"

	// ClassWrite covers batched mutations.
	ClassWrite Class = "write"
)

// Config configures bucket capacities and refill rates.
type Config struct {
	// ReadCapacity is the read bucket's maximum token count. Default: 100.
	ReadCapacity float64

	// ReadRefillPerSec is the read bucket's refill rate. Default: 10.
	ReadRefillPerSec float64

	// WriteCapacity is the write bucket's maximum token count. Default: 60.
	WriteCapacity float64

	// WriteRefillPerSec is the write bucket's refill rate. Default: 1.
	WriteRefillPerSec float64
}

// DefaultConfig returns limits matching the remote API's published quotas
// with some headroom.
func DefaultConfig() Config {
	return Config{
		ReadCapacity:      100,
		ReadRefillPerSec:  10,
		WriteCapacity:     60,
		WriteRefillPerSec: 1,
	}
}

// bucket is one token bucket. All access goes through the limiter's
// acquire mutex, so bucket itself carries no lock.
type bucket struct {
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time

	// normal* preserve the configured limits while a throttle is active.
	normalCapacity float64
	normalRate     float64
}

// refill adds tokens proportional to elapsed time, capped at capacity.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Limiter is a two-bucket token limiter shared by every executor invocation
// in the process.
//
// Thread Safety: Safe for concurrent use.
type Limiter struct {
	// acquireMu serializes whole acquire calls, including the token wait,
	// so refill and deduction never interleave between callers.
	acquireMu sync.Mutex

	// mu guards the fields below for readers (Stats, Throttle).
	mu            sync.Mutex
	buckets       map[Class]*bucket
	throttledTill time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter with the given configuration. Each unset field
// gets its default independently, so partial configs keep their explicit
// values.
func New(cfg Config) *Limiter {
	defaults := DefaultConfig()
	if cfg.ReadCapacity <= 0 {
		cfg.ReadCapacity = defaults.ReadCapacity
	}
	if cfg.ReadRefillPerSec <= 0 {
		cfg.ReadRefillPerSec = defaults.ReadRefillPerSec
	}
	if cfg.WriteCapacity <= 0 {
		cfg.WriteCapacity = defaults.WriteCapacity
	}
	if cfg.WriteRefillPerSec <= 0 {
		cfg.WriteRefillPerSec = defaults.WriteRefillPerSec
	}
	now := time.Now()
	l := &Limiter{
		buckets: map[Class]*bucket{
			ClassRead: {
				tokens: cfg.ReadCapacity, capacity: cfg.ReadCapacity,
				refillRate: cfg.ReadRefillPerSec, lastRefill: now,
				normalCapacity: cfg.ReadCapacity, normalRate: cfg.ReadRefillPerSec,
			},
			ClassWrite: {
				tokens: cfg.WriteCapacity, capacity: cfg.WriteCapacity,
				refillRate: cfg.WriteRefillPerSec, lastRefill: now,
				normalCapacity: cfg.WriteCapacity, normalRate: cfg.WriteRefillPerSec,
			},
		},
		now:   time.Now,
		sleep: sleepCtx,
	}
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Acquire blocks until weight tokens are available in the given class
// bucket, then deducts them.
//
// Inputs:
//   - ctx: Context for cancellation. Must not be nil.
//   - class: Bucket to draw from.
//   - weight: Tokens to consume. Values < 1 are treated as 1.
//
// Outputs:
//   - error: Only the context's error when cancelled mid-wait; Acquire
//     never rejects on its own. Callers needing a hard deadline wrap ctx.
//
// Thread Safety: Safe for concurrent use; calls are serialized.
func (l *Limiter) Acquire(ctx context.Context, class Class, weight float64) error {
	if weight < 1 {
		weight = 1
	}

	l.acquireMu.Lock()
	defer l.acquireMu.Unlock()

	l.mu.Lock()
	l.restoreIfExpired()
	b, ok := l.buckets[class]
	if !ok {
		b = l.buckets[ClassWrite]
	}
	b.refill(l.now())
	wait := time.Duration(0)
	if b.tokens < weight {
		deficit := weight - b.tokens
		wait = time.Duration(deficit / b.refillRate * float64(time.Second))
	}
	l.mu.Unlock()

	if wait > 0 {
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	b.refill(l.now())
	// Rounding may leave a fractional deficit after the computed wait.
	if b.tokens < weight {
		b.tokens = weight
	}
	b.tokens -= weight
	return nil
}

// Throttle halves both buckets' capacity and refill rate for the given
// duration. Used after an upstream 429 so one rate-limit error slows all
// subsequent traffic, not just the failing call.
//
// Calling Throttle while already throttled extends the window.
//
// Thread Safety: Safe for concurrent use.
func (l *Limiter) Throttle(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	alreadyThrottled := l.now().Before(l.throttledTill)
	l.throttledTill = l.now().Add(d)
	if alreadyThrottled {
		return
	}
	for _, b := range l.buckets {
		b.refill(l.now())
		b.capacity = b.normalCapacity / 2
		b.refillRate = b.normalRate / 2
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
}

// RestoreNormalLimits reverts a throttle immediately.
func (l *Limiter) RestoreNormalLimits() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.throttledTill = time.Time{}
	l.restoreLocked()
}

// restoreIfExpired lazily ends an elapsed throttle window. Must be called
// with mu held.
func (l *Limiter) restoreIfExpired() {
	if l.throttledTill.IsZero() || l.now().Before(l.throttledTill) {
		return
	}
	l.throttledTill = time.Time{}
	l.restoreLocked()
}

func (l *Limiter) restoreLocked() {
	for _, b := range l.buckets {
		b.refill(l.now())
		b.capacity = b.normalCapacity
		b.refillRate = b.normalRate
	}
}

// Stats is a point-in-time view of one bucket.
type Stats struct {
	Class      Class   `json:"class"`
	Tokens     float64 `json:"tokens"`
	Capacity   float64 `json:"capacity"`
	RefillRate float64 `json:"refillRatePerSec"`
	Throttled  bool    `json:"throttled"`
}

// StatsSnapshot returns current stats for both buckets.
//
// Thread Safety: Safe for concurrent use.
func (l *Limiter) StatsSnapshot() []Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restoreIfExpired()

	throttled := !l.throttledTill.IsZero() && l.now().Before(l.throttledTill)
	out := make([]Stats, 0, len(l.buckets))
	for _, class := range []Class{ClassRead, ClassWrite} {
		b := l.buckets[class]
		b.refill(l.now())
		out = append(out, Stats{
			Class:      class,
			Tokens:     b.tokens,
			Capacity:   b.capacity,
			RefillRate: b.refillRate,
			Throttled:  throttled,
		})
	}
	return out
}
