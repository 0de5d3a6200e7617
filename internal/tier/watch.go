// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tier

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// CONFIGURATION HOT RELOAD
// =============================================================================

// reloadDebounce coalesces the event bursts editors and atomic renames
// produce into one reload.
const reloadDebounce = 250 * time.Millisecond

// Watcher reloads a classifier's tuning file when it changes on disk. A
// reload that fails to parse or validate is logged and discarded; the
// previous tuning stays in force.
type Watcher struct {
	path       string
	classifier *Classifier
	fw         *fsnotify.Watcher
}

// NewWatcher builds a watcher for the given tuning file. The parent
// directory is watched rather than the file itself so atomic
// write-then-rename updates are seen.
func NewWatcher(path string, classifier *Classifier) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{path: path, classifier: classifier, fw: fw}, nil
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			pending = time.After(reloadDebounce)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("tier: config watcher error: %v", err)

		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

// Close releases the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.fw.Close()
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		log.Printf("tier: keeping previous tuning: %v", err)
		return
	}
	if err := w.classifier.SetConfig(cfg); err != nil {
		log.Printf("tier: keeping previous tuning: %v", err)
		return
	}
	log.Printf("tier: reloaded tuning from %s (version %d)", w.path, cfg.Version)
}
