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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalCatalog), 0o644))

	reg, err := New()
	require.NoError(t, err)
	require.NoError(t, reg.LoadFile(path))
	require.Len(t, reg.Tools(), 1)

	watcher := NewWatcher(reg, path)
	require.NoError(t, watcher.Start(t.Context()))
	defer watcher.Stop()

	// Grow the catalog on disk; the watcher should pick it up.
	grown := strings.Replace(minimalCatalog, "rate_limits:", `  - name: get_market_history
    tier: public
    category: market-data
    service: trading
    method: GET
    path: /market/history
    description: OHLC history.
rate_limits:`, 1)
	require.NoError(t, os.WriteFile(path, []byte(grown), 0o644))

	assert.True(t, waitFor(t, func() bool {
		return len(reg.Tools()) == 2
	}), "catalog was not reloaded after write")
}

func TestWatcher_BadWriteKeepsLastGood(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalCatalog), 0o644))

	reg, err := New()
	require.NoError(t, err)
	require.NoError(t, reg.LoadFile(path))

	watcher := NewWatcher(reg, path)
	require.NoError(t, watcher.Start(t.Context()))
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("tools: []"), 0o644))

	// Give the watcher a moment to see the event, then confirm the last
	// good catalog survived.
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, reg.Tools(), 1)
}

func TestWatcher_StartStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalCatalog), 0o644))

	reg, err := New()
	require.NoError(t, err)

	watcher := NewWatcher(reg, path)
	require.NoError(t, watcher.Start(t.Context()))
	assert.Error(t, watcher.Start(t.Context()), "double start must fail")
	watcher.Stop()
	watcher.Stop() // idempotent
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalCatalog), 0o644))

	reg, err := New()
	require.NoError(t, err)
	require.NoError(t, reg.LoadFile(path))

	watcher := NewWatcher(reg, path)
	require.NoError(t, watcher.Start(t.Context()))
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"),
		[]byte("tools: []"), 0o644))

	time.Sleep(200 * time.Millisecond)
	assert.Len(t, reg.Tools(), 1)
}
