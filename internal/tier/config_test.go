// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tier

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "tiers.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfigMergesOverDefaults(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), `
version = 1
confidence_threshold = 0.8
premium_markers = ["custom-marker"]

[weights]
markers_present = 0.9
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 0.8, cfg.ConfidenceThreshold)
	assert.Equal(t, []string{"custom-marker"}, cfg.PremiumMarkers)
	assert.Equal(t, 0.9, cfg.Weights.MarkersPresent)
	// Untouched fields keep their defaults.
	assert.Equal(t, DefaultConfig().Weights.Metadata, cfg.Weights.Metadata)
	assert.Equal(t, DefaultConfig().Latency, cfg.Latency)
}

func TestLoadConfigRejects(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		body string
	}{
		{"unknown version", "version = 99\n"},
		{"threshold out of range", "version = 1\nconfidence_threshold = 1.5\n"},
		{"negative weight", "version = 1\n[weights]\nlatency = -0.1\n"},
		{"overlapping bands", "version = 1\n[latency]\nstandard_max_millis = 20000\npremium_min_millis = 10000\n"},
		{"not toml", "{json: true}\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfigFile(t, dir, tc.body)
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "version = 1\nconfidence_threshold = 0.7\n")

	classifier := NewClassifier(DefaultConfig())
	w, err := NewWatcher(path, classifier)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	writeConfigFile(t, dir, "version = 1\nconfidence_threshold = 0.95\n")

	require.Eventually(t, func() bool {
		return classifier.Config().ConfidenceThreshold == 0.95
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	<-done
}

func TestWatcherKeepsPreviousTuningOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "version = 1\nconfidence_threshold = 0.7\n")

	classifier := NewClassifier(DefaultConfig())
	w, err := NewWatcher(path, classifier)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	writeConfigFile(t, dir, "version = 99\n")

	// The bad file must not clobber the active tuning. Give the watcher a
	// debounce window's worth of time to (not) act.
	time.Sleep(3 * reloadDebounce)
	assert.Equal(t, 0.7, classifier.Config().ConfidenceThreshold)
}
