// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/jeranaias/gemweb/internal/credentials"
)

// writeScript drops an executable shell script into a temp dir and returns
// its path. Skips on platforms without /bin/sh.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("harvest driver tests need /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "harvest.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestCommandDriverRequiresCommand(t *testing.T) {
	if _, err := newCommandDriver(nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestCommandDriverHarvestsCredentials(t *testing.T) {
	script := writeScript(t, `echo "{\"artifacts\":[{\"name\":\"__Secure-1PSID\",\"value\":\"sid\"},{\"name\":\"__Secure-1PSIDTS\",\"value\":\"sidts\"}]}"`)
	driver, err := newCommandDriver([]string{script})
	if err != nil {
		t.Fatalf("newCommandDriver: %v", err)
	}

	set, err := driver.LaunchAndHarvest(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("LaunchAndHarvest: %v", err)
	}
	if !set.Valid() {
		t.Errorf("harvested set not valid: %+v", set.Artifacts)
	}
	if set.AcquiredAt.IsZero() {
		t.Error("AcquiredAt not backfilled")
	}
}

func TestCommandDriverPassesProfileDir(t *testing.T) {
	script := writeScript(t, `printf '{"artifacts":[{"name":"__Secure-1PSID","value":"'"$1"'"},{"name":"__Secure-1PSIDTS","value":"x"}]}'`)
	driver, err := newCommandDriver([]string{script})
	if err != nil {
		t.Fatalf("newCommandDriver: %v", err)
	}

	profileDir := t.TempDir()
	set, err := driver.LaunchAndHarvest(context.Background(), profileDir)
	if err != nil {
		t.Fatalf("LaunchAndHarvest: %v", err)
	}
	if got := set.Artifacts[0].Value; got != profileDir {
		t.Errorf("profile dir not passed as final arg: got %q, want %q", got, profileDir)
	}
}

func TestCommandDriverVerificationExitCode(t *testing.T) {
	script := writeScript(t, "exit 3")
	driver, err := newCommandDriver([]string{script})
	if err != nil {
		t.Fatalf("newCommandDriver: %v", err)
	}

	_, err = driver.LaunchAndHarvest(context.Background(), t.TempDir())
	if !errors.Is(err, credentials.ErrInteractiveVerificationRequired) {
		t.Fatalf("exit 3 should map to ErrInteractiveVerificationRequired, got %v", err)
	}
}

func TestCommandDriverLaunchFailureCarriesStderr(t *testing.T) {
	script := writeScript(t, `echo "chromedriver not found" >&2; exit 1`)
	driver, err := newCommandDriver([]string{script})
	if err != nil {
		t.Fatalf("newCommandDriver: %v", err)
	}

	_, err = driver.LaunchAndHarvest(context.Background(), t.TempDir())
	if !errors.Is(err, credentials.ErrBrowserLaunch) {
		t.Fatalf("nonzero exit should map to ErrBrowserLaunch, got %v", err)
	}
	if !strings.Contains(err.Error(), "chromedriver not found") {
		t.Errorf("error should carry stderr, got %v", err)
	}
}

func TestCommandDriverIncompleteCredentials(t *testing.T) {
	script := writeScript(t, `echo '{"artifacts":[{"name":"__Secure-1PSID","value":"sid"}]}'`)
	driver, err := newCommandDriver([]string{script})
	if err != nil {
		t.Fatalf("newCommandDriver: %v", err)
	}

	_, err = driver.LaunchAndHarvest(context.Background(), t.TempDir())
	if !errors.Is(err, credentials.ErrIncompleteCredentials) {
		t.Fatalf("missing required artifact should map to ErrIncompleteCredentials, got %v", err)
	}
}

func TestCommandDriverMalformedOutput(t *testing.T) {
	script := writeScript(t, `echo "not json"`)
	driver, err := newCommandDriver([]string{script})
	if err != nil {
		t.Fatalf("newCommandDriver: %v", err)
	}

	if _, err := driver.LaunchAndHarvest(context.Background(), t.TempDir()); err == nil {
		t.Fatal("expected error for malformed harvest output")
	}
}

func TestCommandDriverHonorsContext(t *testing.T) {
	script := writeScript(t, "sleep 10")
	driver, err := newCommandDriver([]string{script})
	if err != nil {
		t.Fatalf("newCommandDriver: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = driver.LaunchAndHarvest(ctx, t.TempDir())
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("driver did not stop when the context expired")
	}
}
