// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// Catalog Override Watcher
// =============================================================================

// Watcher hot-reloads a catalog override file into a Registry.
//
// # Description
//
// Watches the directory containing the override file (watching the
// directory rather than the file survives the rename-and-replace pattern
// editors and config rollouts use) and reloads the registry whenever the
// file is written or recreated. A reload that fails validation is logged
// and dropped; the registry keeps serving the last good catalog.
//
// # Thread Safety
//
// Start and Stop are safe for concurrent use. Start may be called at most
// once per Watcher.
type Watcher struct {
	registry *Registry
	path     string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	running bool
}

// NewWatcher creates a watcher that reloads path into registry on change.
// The initial load is performed by the caller; NewWatcher does not touch
// the file.
func NewWatcher(registry *Registry, path string) *Watcher {
	return &Watcher{
		registry: registry,
		path:     filepath.Clean(path),
		done:     make(chan struct{}),
	}
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("catalog watcher already running")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch catalog directory: %w", err)
	}

	w.watcher = fsw
	w.running = true

	go w.processEvents(ctx)

	slog.Info("Catalog override watcher started", "path", w.path)
	return nil
}

// Stop terminates the watcher. Safe to call if Start never ran.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	close(w.done)
	w.watcher.Close()
	w.running = false
}

// processEvents reloads the registry on writes to the override file.
func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := w.registry.LoadFile(w.path); err != nil {
				slog.Warn("Catalog reload failed, keeping last good catalog",
					"path", w.path, "error", err)
				continue
			}
			slog.Info("Catalog reloaded", "path", w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Catalog watcher error", "error", err)
		}
	}
}
