// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"time"

	"github.com/jeranaias/gemweb/internal/credentials"
)

// verificationRequiredExit is the harvest program's exit code for an
// upstream challenge that only a human can clear.
const verificationRequiredExit = 3

// commandDriver satisfies credentials.BrowserDriver by delegating to an
// external harvest program. The program drives a real browser against the
// upstream login surface and prints the captured artifact set as JSON on
// stdout:
//
//	{"artifacts": [{"name": "...", "value": "..."}, ...]}
//
// The profile directory is appended as the final argument. Exit code 3
// signals interactive verification; any other failure counts as a launch
// failure toward the refresh circuit.
type commandDriver struct {
	command []string
}

func newCommandDriver(command []string) (*commandDriver, error) {
	if len(command) == 0 {
		return nil, errors.New("harvest command is empty")
	}
	return &commandDriver{command: command}, nil
}

func (d *commandDriver) LaunchAndHarvest(ctx context.Context, profileDir string) (credentials.Set, error) {
	args := append(append([]string{}, d.command[1:]...), profileDir)
	cmd := exec.CommandContext(ctx, d.command[0], args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	log.Printf("HARVEST: command=%s duration=%s err=%v", d.command[0], time.Since(start).Round(time.Millisecond), err)

	if err != nil {
		if ctx.Err() != nil {
			return credentials.Set{}, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == verificationRequiredExit {
			return credentials.Set{}, credentials.ErrInteractiveVerificationRequired
		}
		return credentials.Set{}, fmt.Errorf("%w: %v: %s", credentials.ErrBrowserLaunch, err, truncate(stderr.String(), 200))
	}

	var set credentials.Set
	if err := json.Unmarshal(stdout.Bytes(), &set); err != nil {
		return credentials.Set{}, fmt.Errorf("%w: bad harvest output: %v", credentials.ErrIncompleteCredentials, err)
	}
	if set.AcquiredAt.IsZero() {
		set.AcquiredAt = time.Now()
	}
	if !set.Valid() {
		return credentials.Set{}, credentials.ErrIncompleteCredentials
	}
	return set, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
