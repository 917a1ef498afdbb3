// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package batch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/khill1269/servalsheets-sub007/services/executor/breaker"
)

// Code classifies an execution failure.
type Code string

const (
	// CodeEffectScopeExceeded: estimated cells exceed the caller's ceiling.
	// Rejected locally, non-retryable.
	CodeEffectScopeExceeded Code = "EFFECT_SCOPE_EXCEEDED"

	// CodeExplicitRangeRequired: a destructive request arrived without an
	// explicit target range. Rejected locally, non-retryable.
	CodeExplicitRangeRequired Code = "EXPLICIT_RANGE_REQUIRED"

	// CodePreconditionFailed: the spreadsheet no longer matches the
	// caller's expected state. Retryable after re-reading.
	CodePreconditionFailed Code = "PRECONDITION_FAILED"

	// CodeRateLimited: upstream 429. Retryable; triggers a defensive
	// throttle of the shared limiter.
	CodeRateLimited Code = "RATE_LIMITED"

	// CodePayloadTooLarge: serialized batch exceeds the payload ceiling.
	// Non-retryable; the caller must split the operation.
	CodePayloadTooLarge Code = "PAYLOAD_TOO_LARGE"

	// CodePermissionDenied: upstream authorization failure. Non-retryable.
	CodePermissionDenied Code = "PERMISSION_DENIED"

	// CodeSpreadsheetNotFound: target spreadsheet missing. Non-retryable.
	CodeSpreadsheetNotFound Code = "SPREADSHEET_NOT_FOUND"

	// CodeQuotaExceeded: upstream daily/long-horizon quota. Retryable with
	// a long suggested delay.
	CodeQuotaExceeded Code = "QUOTA_EXCEEDED"

	// CodeCircuitOpen: the mutation circuit rejected the call and no
	// fallback matched. Carries the resume time.
	CodeCircuitOpen Code = "CIRCUIT_OPEN"

	// CodePolicyRejected: the policy enforcer vetoed the intents before
	// any remote call. Non-retryable.
	CodePolicyRejected Code = "POLICY_REJECTED"

	// CodeUnknown: catch-all, preserves the original message.
	CodeUnknown Code = "UNKNOWN"
)

// ExecError is a classified execution failure. It is always embedded in an
// ExecutionResult; Execute and ExecuteAll never return raw errors.
type ExecError struct {
	Code       Code          `json:"code"`
	Message    string        `json:"message"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retryAfterMs,omitempty"`
	ResumeAt   time.Time     `json:"resumeAt,omitempty"`
	Suggestion string        `json:"suggestion,omitempty"`
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Classify maps a raw error from the execution path into the taxonomy.
//
// Upstream errors carry no structured code, so classification of
// permission, not-found, quota, and rate-limit failures is by message
// pattern matching on the raw error text.
func Classify(err error) *ExecError {
	if err == nil {
		return nil
	}

	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr
	}

	var openErr *breaker.OpenError
	if errors.As(err, &openErr) {
		return &ExecError{
			Code:     CodeCircuitOpen,
			Message:  openErr.Error(),
			ResumeAt: openErr.ResumeAt,
		}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(msg, "429") ||
		strings.Contains(lower, "too many requests"):
		return &ExecError{
			Code:       CodeRateLimited,
			Message:    msg,
			Retryable:  true,
			RetryAfter: 60 * time.Second,
			Suggestion: "wait for the rate limit window to pass, then retry",
		}
	case strings.Contains(lower, "quota"):
		return &ExecError{
			Code:       CodeQuotaExceeded,
			Message:    msg,
			Retryable:  true,
			RetryAfter: time.Hour,
			Suggestion: "quota resets on a long horizon; retry much later",
		}
	case strings.Contains(lower, "permission") || strings.Contains(msg, "403") ||
		strings.Contains(lower, "forbidden"):
		return &ExecError{
			Code:    CodePermissionDenied,
			Message: msg,
		}
	case strings.Contains(lower, "not found") || strings.Contains(msg, "404"):
		return &ExecError{
			Code:    CodeSpreadsheetNotFound,
			Message: msg,
		}
	default:
		return &ExecError{
			Code:    CodeUnknown,
			Message: msg,
		}
	}
}
