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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// DefaultRefreshMargin is how long before declared expiry a cached
// credential is treated as stale.
const DefaultRefreshMargin = time.Minute

// loginTimeout bounds the login exchange itself, independent of the
// caller's tool-call budget.
const loginTimeout = 10 * time.Second

// =============================================================================
// Credential Manager
// =============================================================================

// Credential is the cached outbound bearer credential. Replaced wholesale
// on refresh, never partially mutated.
type credential struct {
	token     string
	expiresAt time.Time
}

// CredentialManager obtains and caches the service credential for the
// trading engine, refreshing before expiry.
//
// # Description
//
// Performs a login exchange against the engine's authentication endpoint
// using statically configured service credentials. The returned token is
// cached with the refresh margin already subtracted from its declared
// lifetime, so a cached token is never attached to a request past its
// real expiry.
//
// Credential never fails loudly: on any login failure it logs and returns
// an empty token, deferring the actionable error to the backend's own 401.
// An LLM agent retrying a 401 is a better failure mode than the gateway
// swallowing the original call.
//
// # Thread Safety
//
// Safe for concurrent use; the cache is mutex-guarded.
type CredentialManager struct {
	loginURL   string
	username   string
	password   string
	margin     time.Duration
	httpClient *http.Client
	clock      Clock

	mu     sync.Mutex
	cached credential

	warnOnce sync.Once
}

// NewCredentialManager creates a manager that logs in at loginURL with the
// given service credentials. A zero margin selects DefaultRefreshMargin;
// a nil clock selects the system clock.
func NewCredentialManager(loginURL, username, password string, margin time.Duration, clock Clock) *CredentialManager {
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &CredentialManager{
		loginURL:   loginURL,
		username:   username,
		password:   password,
		margin:     margin,
		httpClient: &http.Client{Timeout: loginTimeout},
		clock:      clock,
	}
}

// Credential returns the outbound bearer token, refreshing it when the
// cached one is stale. Returns an empty string on failure, never an error.
func (m *CredentialManager) Credential(ctx context.Context) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if m.cached.token != "" && now.Before(m.cached.expiresAt) {
		return m.cached.token
	}

	if m.username == "" || m.password == "" {
		m.warnOnce.Do(func() {
			slog.Warn("Service credentials not configured; outbound calls will be unauthenticated")
		})
		return ""
	}

	cred, err := m.login(ctx)
	if err != nil {
		slog.Error("Service credential refresh failed", "login_url", m.loginURL, "error", err)
		return ""
	}

	m.cached = cred
	slog.Info("Service credential refreshed",
		"login_url", m.loginURL,
		"expires_at", cred.expiresAt.Format(time.RFC3339))
	return cred.token
}

// loginResponse is the engine's authentication reply.
type loginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// login performs the credential exchange.
func (m *CredentialManager) login(ctx context.Context) (credential, error) {
	payload, err := json.Marshal(map[string]string{
		"username": m.username,
		"password": m.password,
	})
	if err != nil {
		return credential{}, fmt.Errorf("failed to marshal login request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.loginURL, bytes.NewReader(payload))
	if err != nil {
		return credential{}, fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return credential{}, fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return credential{}, fmt.Errorf("failed to read login response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return credential{}, fmt.Errorf("login returned HTTP %d", resp.StatusCode)
	}

	var parsed loginResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return credential{}, fmt.Errorf("failed to parse login response: %w", err)
	}
	if parsed.AccessToken == "" || parsed.ExpiresIn <= 0 {
		return credential{}, fmt.Errorf("login response missing access_token or expires_in")
	}

	lifetime := time.Duration(parsed.ExpiresIn) * time.Second
	if lifetime <= m.margin {
		// A token shorter-lived than the margin would be stale on
		// arrival; keep half its life instead.
		return credential{
			token:     parsed.AccessToken,
			expiresAt: m.clock.Now().Add(lifetime / 2),
		}, nil
	}

	return credential{
		token:     parsed.AccessToken,
		expiresAt: m.clock.Now().Add(lifetime - m.margin),
	}, nil
}

// Invalidate drops the cached credential, forcing a refresh on the next
// Credential call. Useful when a backend starts returning 401 before the
// declared expiry (e.g. after a server-side key rotation).
func (m *CredentialManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = credential{}
}
