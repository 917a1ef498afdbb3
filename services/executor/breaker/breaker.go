// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package breaker implements per-dependency circuit breaking with a
// prioritized fallback chain.
//
// The breaker has three states:
//
//   - Closed: requests pass through normally.
//   - Open: after FailureThreshold consecutive failures, requests are
//     rejected until Timeout elapses.
//   - Half-open: a probe request tests recovery; SuccessThreshold
//     consecutive successes close the circuit, any failure reopens it.
//
// Fallback strategies run whenever the protected operation fails or is
// blocked by an open circuit, so one strategy can cover both the
// "upstream exhausted" and "upstream errored" cases.
//
// Thread Safety: Safe for concurrent use.
package breaker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// State is the breaker's position in its state machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the wire name for the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures breaker thresholds and timing.
type Config struct {
	// Name identifies the protected dependency in logs and stats.
	Name string

	// FailureThreshold is the consecutive failures before opening.
	// Default: 5.
	FailureThreshold int

	// SuccessThreshold is the consecutive half-open successes needed to
	// close. Default: 2.
	SuccessThreshold int

	// Timeout is how long the circuit stays open before allowing a probe.
	// Default: 60s.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
	}
}

// OpenError is returned when the circuit is open and no fallback matched.
type OpenError struct {
	Name     string
	ResumeAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open until %s", e.Name, e.ResumeAt.Format(time.RFC3339))
}

// Fallback is an alternative response tried when the protected operation
// fails or is blocked.
type Fallback[T any] struct {
	// Name identifies the strategy in stats.
	Name string

	// Priority orders strategies; higher runs first.
	Priority int

	// ShouldUse reports whether this strategy applies to the triggering
	// error.
	ShouldUse func(err error) bool

	// Execute produces the fallback value.
	Execute func(ctx context.Context) (T, error)
}

// Breaker protects calls to one dependency, producing values of type T.
//
// Thread Safety: Safe for concurrent use.
type Breaker[T any] struct {
	config Config

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	totalRequests   int64
	lastFailureTime time.Time
	nextAttemptTime time.Time
	fallbacks       []Fallback[T]
	fallbackUsage   map[string]int64

	now func() time.Time
}

// New creates a closed breaker.
func New[T any](config Config) *Breaker[T] {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	return &Breaker[T]{
		config:        config,
		state:         StateClosed,
		fallbackUsage: make(map[string]int64),
		now:           time.Now,
	}
}

// RegisterFallback adds a fallback strategy. Strategies are kept sorted by
// descending priority.
//
// Thread Safety: Safe for concurrent use.
func (b *Breaker[T]) RegisterFallback(f Fallback[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fallbacks = append(b.fallbacks, f)
	sort.SliceStable(b.fallbacks, func(i, j int) bool {
		return b.fallbacks[i].Priority > b.fallbacks[j].Priority
	})
}

// Execute runs op under circuit protection.
//
// Inputs:
//   - ctx: Context for cancellation. Must not be nil.
//   - op: The protected operation.
//
// Outputs:
//   - T: op's result, or a fallback's result.
//   - error: op's error when no fallback matched, or *OpenError when the
//     circuit rejected the call and no fallback matched.
//
// Thread Safety: Safe for concurrent use.
func (b *Breaker[T]) Execute(ctx context.Context, op func(ctx context.Context) (T, error)) (T, error) {
	b.mu.Lock()
	b.totalRequests++

	if b.state == StateOpen {
		if b.now().Before(b.nextAttemptTime) {
			openErr := &OpenError{Name: b.config.Name, ResumeAt: b.nextAttemptTime}
			b.mu.Unlock()
			return b.runFallbacks(ctx, openErr)
		}
		b.transitionTo(StateHalfOpen)
	}
	b.mu.Unlock()

	result, err := op(ctx)
	if err == nil {
		b.recordSuccess()
		return result, nil
	}

	b.recordFailure()
	return b.runFallbacks(ctx, err)
}

// runFallbacks tries registered strategies in priority order; the first
// whose ShouldUse matches and whose Execute succeeds wins. When none apply,
// the triggering error propagates.
func (b *Breaker[T]) runFallbacks(ctx context.Context, cause error) (T, error) {
	b.mu.Lock()
	strategies := make([]Fallback[T], len(b.fallbacks))
	copy(strategies, b.fallbacks)
	b.mu.Unlock()

	for _, f := range strategies {
		if f.ShouldUse != nil && !f.ShouldUse(cause) {
			continue
		}
		result, err := f.Execute(ctx)
		if err != nil {
			continue
		}
		b.mu.Lock()
		b.fallbackUsage[f.Name]++
		b.mu.Unlock()
		return result, nil
	}

	var zero T
	return zero, cause
}

func (b *Breaker[T]) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state == StateHalfOpen {
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed)
		}
	}
}

func (b *Breaker[T]) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = b.now()
	b.successCount = 0

	switch b.state {
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	}
}

// transitionTo changes state. Must be called with mu held.
func (b *Breaker[T]) transitionTo(next State) {
	b.state = next
	b.successCount = 0
	switch next {
	case StateOpen:
		b.failureCount = 0
		b.nextAttemptTime = b.now().Add(b.config.Timeout)
	case StateClosed:
		b.failureCount = 0
		b.nextAttemptTime = time.Time{}
	}
}

// Stats is a point-in-time view of the breaker.
type Stats struct {
	Name            string           `json:"name"`
	State           string           `json:"state"`
	FailureCount    int              `json:"failureCount"`
	SuccessCount    int              `json:"successCount"`
	TotalRequests   int64            `json:"totalRequests"`
	LastFailureTime time.Time        `json:"lastFailureTime"`
	NextAttemptTime time.Time        `json:"nextAttemptTime"`
	FallbackUsage   map[string]int64 `json:"fallbackUsage"`
}

// GetStats returns current breaker statistics.
//
// Thread Safety: Safe for concurrent use.
func (b *Breaker[T]) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	usage := make(map[string]int64, len(b.fallbackUsage))
	for k, v := range b.fallbackUsage {
		usage[k] = v
	}
	return Stats{
		Name:            b.config.Name,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		TotalRequests:   b.totalRequests,
		LastFailureTime: b.lastFailureTime,
		NextAttemptTime: b.nextAttemptTime,
		FallbackUsage:   usage,
	}
}

// State returns the current state.
func (b *Breaker[T]) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset returns the breaker to closed. Primarily for tests and manual
// intervention.
func (b *Breaker[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
}
