// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package credentials

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// BROWSER DRIVER BOUNDARY
// =============================================================================

// BrowserDriver performs interactive credential recovery. Implementations
// drive a real browser against the upstream login surface and harvest the
// resulting session artifacts. The driver must honor ctx cancellation and
// guarantee process cleanup on every exit path.
//
// The production implementation lives outside this module; tests inject
// fakes.
type BrowserDriver interface {
	LaunchAndHarvest(ctx context.Context, profileDir string) (Set, error)
}

var (
	// ErrBrowserLaunch indicates the browser could not be started or crashed
	// before harvesting completed. Counts toward the circuit.
	ErrBrowserLaunch = errors.New("browser launch failed")

	// ErrInteractiveVerificationRequired indicates the upstream presented a
	// challenge that only a human can clear. Further automated attempts
	// cannot succeed, so the circuit opens immediately.
	ErrInteractiveVerificationRequired = errors.New("interactive verification required")

	// ErrIncompleteCredentials indicates a harvest completed but the
	// resulting set fails the required-artifact check. Treated as a refresh
	// failure, never as success.
	ErrIncompleteCredentials = errors.New("harvested credentials incomplete")

	// ErrRefreshWaitCeiling indicates a caller waited longer than the
	// configured ceiling for an in-flight refresh to finish.
	ErrRefreshWaitCeiling = errors.New("timed out waiting for in-flight refresh")
)

// CircuitOpenError is returned while the refresh circuit is open. RetryAfter
// is how long until the next call is permitted to attempt recovery.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return "credential refresh circuit open (retry after " + e.RetryAfter.Round(time.Second).String() + ")"
}

// =============================================================================
// CLOCK ABSTRACTION
// =============================================================================

// Clock supplies the current time. Injected so circuit cooldowns and
// credential ages are testable without real waiting.
type Clock interface {
	Now() time.Time
}

// Sleeper waits for d or until ctx is done. The default implementation uses
// a timer; tests substitute an instant sleeper that records requested delays.
type Sleeper func(ctx context.Context, d time.Duration) error

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// SystemSleeper returns a Sleeper backed by a real timer.
func SystemSleeper() Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return ctx.Err()
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
}
