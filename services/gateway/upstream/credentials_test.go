// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is an advanceable clock for expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newLoginServer returns a login endpoint that mints tok-1, tok-2, ...
// with the given lifetime, and a counter of login attempts.
func newLoginServer(t *testing.T, expiresIn int64) (*httptest.Server, *int32) {
	t.Helper()
	var logins int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		require.Equal(t, "svc-user", creds["username"])
		require.Equal(t, "svc-pass", creds["password"])

		n := atomic.AddInt32(&logins, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token": "tok-%d", "expires_in": %d}`, n, expiresIn)
	}))
	t.Cleanup(server.Close)
	return server, &logins
}

func TestCredential_LoginAndCache(t *testing.T) {
	server, logins := newLoginServer(t, 3600)
	manager := NewCredentialManager(server.URL, "svc-user", "svc-pass", time.Minute, newFakeClock())

	token := manager.Credential(context.Background())
	assert.Equal(t, "tok-1", token)

	// Second call inside the lifetime reuses the cache.
	token = manager.Credential(context.Background())
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, int32(1), atomic.LoadInt32(logins))
}

func TestCredential_RefreshesBeforeDeclaredExpiry(t *testing.T) {
	server, logins := newLoginServer(t, 120)
	clock := newFakeClock()
	manager := NewCredentialManager(server.URL, "svc-user", "svc-pass", time.Minute, clock)

	require.Equal(t, "tok-1", manager.Credential(context.Background()))

	// 120s lifetime minus the 60s margin: stale after 60s, a full minute
	// before the token actually dies.
	clock.Advance(59 * time.Second)
	assert.Equal(t, "tok-1", manager.Credential(context.Background()))

	clock.Advance(2 * time.Second)
	assert.Equal(t, "tok-2", manager.Credential(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(logins))
}

func TestCredential_ShortLifetimeKeepsHalf(t *testing.T) {
	// 30s lifetime is under the 60s margin; subtracting would yield a
	// token stale on arrival, so half the lifetime is kept instead.
	server, logins := newLoginServer(t, 30)
	clock := newFakeClock()
	manager := NewCredentialManager(server.URL, "svc-user", "svc-pass", time.Minute, clock)

	require.Equal(t, "tok-1", manager.Credential(context.Background()))

	clock.Advance(14 * time.Second)
	assert.Equal(t, "tok-1", manager.Credential(context.Background()))

	clock.Advance(2 * time.Second)
	assert.Equal(t, "tok-2", manager.Credential(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(logins))
}

func TestCredential_EmptyOnLoginFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	manager := NewCredentialManager(server.URL, "svc-user", "svc-pass", time.Minute, nil)
	assert.Empty(t, manager.Credential(context.Background()))
}

func TestCredential_EmptyOnMalformedResponse(t *testing.T) {
	for name, body := range map[string]string{
		"empty object":  `{}`,
		"no expiry":     `{"access_token": "tok"}`,
		"zero expiry":   `{"access_token": "tok", "expires_in": 0}`,
		"not json":      `welcome`,
		"empty token":   `{"access_token": "", "expires_in": 60}`,
	} {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}))
			defer server.Close()

			manager := NewCredentialManager(server.URL, "svc-user", "svc-pass", time.Minute, nil)
			assert.Empty(t, manager.Credential(context.Background()))
		})
	}
}

func TestCredential_UnconfiguredSkipsLogin(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	manager := NewCredentialManager(server.URL, "", "", time.Minute, nil)
	assert.Empty(t, manager.Credential(context.Background()))
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
}

func TestCredential_UnreachableLoginEndpoint(t *testing.T) {
	manager := NewCredentialManager("http://127.0.0.1:1/auth", "svc-user", "svc-pass", time.Minute, nil)
	assert.Empty(t, manager.Credential(context.Background()))
}

func TestInvalidate_ForcesRefresh(t *testing.T) {
	server, logins := newLoginServer(t, 3600)
	manager := NewCredentialManager(server.URL, "svc-user", "svc-pass", time.Minute, newFakeClock())

	require.Equal(t, "tok-1", manager.Credential(context.Background()))
	manager.Invalidate()
	assert.Equal(t, "tok-2", manager.Credential(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(logins))
}
