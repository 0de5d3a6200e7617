// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

var (
	// ErrAuthentication indicates the upstream rejected the session
	// credentials even after one refresh-and-retry cycle.
	ErrAuthentication = errors.New("upstream rejected session credentials")

	// ErrTokenAcquisition indicates the anti-forgery token could not be
	// obtained within the local retry budget. Escalates like an
	// authentication failure.
	ErrTokenAcquisition = errors.New("anti-forgery token acquisition failed")
)

// RateLimitedError indicates the upstream throttled the request. Never
// retried locally; RetryAfter is the upstream hint (zero when absent).
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by upstream (retry after %s)", e.RetryAfter)
	}
	return "rate limited by upstream"
}

// ViolationError indicates the response violated the observed wire contract.
// Fatal for the attempt and never retried: a structural mismatch means the
// protocol drifted, not that the network hiccuped.
//
// Frame is the offending frame index, or -1 when the violation is not tied
// to a specific frame (unexpected status, malformed prologue).
type ViolationError struct {
	Frame  int
	Reason string
}

func (e *ViolationError) Error() string {
	if e.Frame >= 0 {
		return fmt.Sprintf("protocol violation at frame %d: %s", e.Frame, e.Reason)
	}
	return "protocol violation: " + e.Reason
}
