// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package credentials

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// =============================================================================
// CIRCUIT STATE
// =============================================================================

// State is the refresh circuit state for one upstream target.
type State int

const (
	// StateValid means the current credential set is believed good.
	StateValid State = iota
	// StateRefreshing means an authentication rejection has been observed or
	// a recovery attempt is in flight.
	StateRefreshing
	// StateDead means repeated failures (or an interactive-verification
	// signal) opened the circuit; calls fail fast until the cooldown lapses.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "VALID"
	case StateRefreshing:
		return "REFRESHING"
	case StateDead:
		return "DEAD"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// =============================================================================
// CONTROLLER CONFIGURATION
// =============================================================================

// ControllerConfig holds the refresh state machine parameters.
type ControllerConfig struct {
	// ProfileDir is the browser profile handed to the driver.
	ProfileDir string

	// BrowserTimeout bounds a single driver invocation.
	BrowserTimeout time.Duration

	// MaxAttempts is the in-call retry budget: a Refresh call keeps retrying
	// while the cumulative failure count stays below this.
	MaxAttempts int

	// BackoffBase, BackoffMultiplier and BackoffCap parameterize
	// backoff(k) = min(base * multiplier^(k-1), cap).
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffCap        time.Duration

	// CircuitThreshold is the cumulative failure count that opens the circuit.
	CircuitThreshold int

	// DeadTimeout is how long the circuit stays open before the next call may
	// attempt recovery again.
	DeadTimeout time.Duration

	// SuppressionWindow: refreshes arriving this soon after a successful one
	// return the fresh set without another browser invocation.
	SuppressionWindow time.Duration

	// MaxCredentialAge invalidates a set by age. Zero disables the bound.
	MaxCredentialAge time.Duration

	// LockWait is the ceiling a caller waits on an in-flight refresh before
	// giving up with ErrRefreshWaitCeiling. Zero means wait indefinitely
	// (still bounded by the caller's ctx).
	LockWait time.Duration
}

// DefaultControllerConfig returns production defaults.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		BrowserTimeout:    90 * time.Second,
		MaxAttempts:       3,
		BackoffBase:       500 * time.Millisecond,
		BackoffMultiplier: 2,
		BackoffCap:        8 * time.Second,
		CircuitThreshold:  5,
		DeadTimeout:       5 * time.Minute,
		SuppressionWindow: 10 * time.Second,
		MaxCredentialAge:  6 * time.Hour,
		LockWait:          5 * time.Minute,
	}
}

// Backoff computes the k-th retry delay, k starting at 1. Monotonically
// non-decreasing in k and capped.
func (c ControllerConfig) Backoff(k int) time.Duration {
	if k < 1 || c.BackoffBase <= 0 {
		return 0
	}
	mult := c.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(c.BackoffBase) * math.Pow(mult, float64(k-1))
	if cap := float64(c.BackoffCap); c.BackoffCap > 0 && d > cap {
		d = cap
	}
	return time.Duration(d)
}

// =============================================================================
// REFRESH CONTROLLER
// =============================================================================

// Controller owns the circuit state and the in-memory credential set for one
// upstream target, and coalesces concurrent refreshes into a single browser
// invocation.
type Controller struct {
	store  *Store
	driver BrowserDriver
	cfg    ControllerConfig
	clock  Clock
	sleep  Sleeper

	flight singleflight.Group

	mu           sync.Mutex
	current      Set
	invalidated  bool
	refreshing   bool
	dead         bool
	failureCount int
	openedAt     time.Time
	lastSuccess  time.Time
}

// NewController builds a controller. A previously persisted set is loaded
// opportunistically; a missing or undecryptable blob just means the first
// Read triggers a refresh.
func NewController(store *Store, driver BrowserDriver, cfg ControllerConfig, clock Clock, sleep Sleeper) *Controller {
	if clock == nil {
		clock = SystemClock()
	}
	if sleep == nil {
		sleep = SystemSleeper()
	}
	c := &Controller{store: store, driver: driver, cfg: cfg, clock: clock, sleep: sleep}
	if store != nil {
		if set, err := store.Load(); err == nil && set.Valid() {
			c.current = set
		} else if err != nil && !errors.Is(err, ErrNoCredentials) {
			log.Printf("credentials: ignoring stored blob: %v", err)
		}
	}
	return c
}

// State reports the current circuit state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.dead:
		return StateDead
	case c.refreshing || c.invalidated:
		return StateRefreshing
	default:
		return StateValid
	}
}

// CircuitOpen reports whether calls would currently fail fast. Queried by the
// router so it can skip this upstream without attempting a call.
func (c *Controller) CircuitOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead && c.clock.Now().Sub(c.openedAt) < c.cfg.DeadTimeout
}

// FailureCount returns the cumulative refresh failure count.
func (c *Controller) FailureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failureCount
}

// Invalidate records an observed authentication rejection. The current set
// stays in memory (its artifacts may still matter for the recovery flow) but
// the next Read will refresh. Rejections observed within the suppression
// window of a successful refresh are attributed to the pre-refresh set and
// ignored.
func (c *Controller) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastSuccess.IsZero() && c.clock.Now().Sub(c.lastSuccess) < c.cfg.SuppressionWindow {
		return
	}
	c.invalidated = true
}

// Read returns the current credential set, refreshing on demand when the set
// is missing, invalidated, or past its age bound. Fails fast with
// *CircuitOpenError while the circuit is open.
func (c *Controller) Read(ctx context.Context) (Set, error) {
	c.mu.Lock()
	now := c.clock.Now()
	if c.dead {
		if remaining := c.cfg.DeadTimeout - now.Sub(c.openedAt); remaining > 0 {
			c.mu.Unlock()
			return Set{}, &CircuitOpenError{RetryAfter: remaining}
		}
		// Cooldown elapsed: fall through, this call may attempt recovery.
	}
	fresh := c.current.Valid() && !c.invalidated &&
		(c.cfg.MaxCredentialAge <= 0 || c.current.Age(now) <= c.cfg.MaxCredentialAge)
	if fresh && !c.dead {
		out := c.current.Clone()
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()
	return c.Refresh(ctx)
}

// Refresh obtains a fresh credential set. Concurrent callers share one
// underlying attempt; each waits at most LockWait (and no longer than its own
// ctx) for that attempt to finish.
func (c *Controller) Refresh(ctx context.Context) (Set, error) {
	ch := c.flight.DoChan("refresh", func() (interface{}, error) {
		return c.doRefresh()
	})

	var ceiling <-chan struct{}
	if c.cfg.LockWait > 0 {
		// The ceiling wait goes through the injected sleeper like every
		// other delay in this package, so tests control it without a real
		// timer.
		waitCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		elapsed := make(chan struct{})
		go func() {
			if c.sleep(waitCtx, c.cfg.LockWait) == nil {
				close(elapsed)
			}
		}()
		ceiling = elapsed
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return Set{}, res.Err
		}
		return res.Val.(Set).Clone(), nil
	case <-ctx.Done():
		return Set{}, ctx.Err()
	case <-ceiling:
		return Set{}, ErrRefreshWaitCeiling
	}
}

// doRefresh is the single-flight body: the bounded retry loop around the
// browser driver. Runs detached from any one caller's ctx; each attempt is
// bounded by BrowserTimeout instead.
func (c *Controller) doRefresh() (Set, error) {
	c.mu.Lock()
	now := c.clock.Now()
	if c.dead {
		if remaining := c.cfg.DeadTimeout - now.Sub(c.openedAt); remaining > 0 {
			c.mu.Unlock()
			return Set{}, &CircuitOpenError{RetryAfter: remaining}
		}
		c.dead = false
	}
	if !c.lastSuccess.IsZero() && now.Sub(c.lastSuccess) < c.cfg.SuppressionWindow && c.current.Valid() {
		out := c.current.Clone()
		c.mu.Unlock()
		return out, nil
	}
	c.refreshing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.refreshing = false
		c.mu.Unlock()
	}()

	for {
		set, err := c.attempt()
		if err == nil {
			return set, nil
		}

		c.mu.Lock()
		if errors.Is(err, ErrInteractiveVerificationRequired) {
			// Automation cannot clear a human challenge; open immediately
			// without burning the retry budget.
			c.dead = true
			c.openedAt = c.clock.Now()
			c.mu.Unlock()
			return Set{}, err
		}
		c.failureCount++
		k := c.failureCount
		if c.failureCount >= c.cfg.CircuitThreshold {
			c.dead = true
			c.openedAt = c.clock.Now()
			c.mu.Unlock()
			log.Printf("credentials: circuit opened after %d consecutive refresh failures", k)
			return Set{}, fmt.Errorf("refresh circuit opened: %w", err)
		}
		c.mu.Unlock()

		if k >= c.cfg.MaxAttempts {
			return Set{}, fmt.Errorf("refresh failed after %d attempts: %w", k, err)
		}
		if serr := c.sleep(context.Background(), c.cfg.Backoff(k)); serr != nil {
			return Set{}, serr
		}
	}
}

// attempt runs one driver invocation and, on success, validates, persists and
// installs the harvested set.
func (c *Controller) attempt() (Set, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.BrowserTimeout)
	set, err := c.driver.LaunchAndHarvest(ctx, c.cfg.ProfileDir)
	cancel()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Set{}, fmt.Errorf("%w: timed out after %s", ErrBrowserLaunch, c.cfg.BrowserTimeout)
		}
		return Set{}, err
	}
	if !set.Valid() {
		return Set{}, ErrIncompleteCredentials
	}

	set.AcquiredAt = c.clock.Now()
	if c.store != nil {
		if err := c.store.Save(set); err != nil {
			// Serve from memory anyway; persistence is best-effort here.
			log.Printf("credentials: failed to persist refreshed set: %v", err)
		}
	}

	c.mu.Lock()
	c.current = set.Clone()
	c.invalidated = false
	c.failureCount = 0
	c.openedAt = time.Time{}
	c.lastSuccess = c.clock.Now()
	out := c.current.Clone()
	c.mu.Unlock()
	return out, nil
}
