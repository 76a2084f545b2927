// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package confirm implements the tiered human-confirmation protocol for
// sensitive and critical tools.
//
// # Protocol
//
// The first invocation of a sensitive/critical tool returns a
// confirmation prompt and a signed, single-use, time-boxed token instead
// of executing. The human operator reviews the prompt and resubmits the
// identical call with the token attached; only then does the call reach
// the backend.
//
//	Agent                    Gateway                     Operator
//	  │  place_order            │                           │
//	  ├────────────────────────►│                           │
//	  │  confirmation_required  │    prompt + token         │
//	  │◄────────────────────────┤──────────────────────────►│
//	  │  place_order + token    │         approves          │
//	  ├────────────────────────►│◄──────────────────────────┤
//	  │        result           │──► trading engine         │
//	  │◄────────────────────────┤                           │
//
// A token is bound to the tool name and the exact parameter bytes, expires
// after the configured TTL, and is consumed on first successful
// validation. Consumed and expired tokens are indistinguishable to the
// caller; both produce the same rejection.
package confirm

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// RejectReason is the single rejection message for invalid tokens.
// Deliberately uniform: callers must not be able to distinguish a replayed
// token from an expired or forged one.
const RejectReason = "invalid or expired confirmation token"

// DefaultTTL is how long an issued token remains redeemable.
const DefaultTTL = 5 * time.Minute

// =============================================================================
// Clock
// =============================================================================

// Clock abstracts time.Now so expiry tests can run without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real wall clock.
func SystemClock() Clock { return systemClock{} }

// =============================================================================
// Decisions
// =============================================================================

// Outcome is the terminal kind of a confirmation check.
type Outcome int

const (
	// OutcomeProceed means the invocation may continue to the backend.
	OutcomeProceed Outcome = iota

	// OutcomeConfirmationRequired means a prompt and token were issued
	// and the invocation must be resubmitted with the token.
	OutcomeConfirmationRequired

	// OutcomeRejected means a supplied token was invalid, expired, or
	// already spent.
	OutcomeRejected
)

// Decision is the result of a confirmation check.
type Decision struct {
	Outcome Outcome

	// Message is the human-readable confirmation prompt
	// (only for OutcomeConfirmationRequired).
	Message string

	// Token is the confirmation token to resubmit
	// (only for OutcomeConfirmationRequired).
	Token string

	// Reason explains a rejection (only for OutcomeRejected).
	Reason string
}

// =============================================================================
// Authority
// =============================================================================

// Authority issues and validates confirmation tokens.
//
// # Thread Safety
//
// Safe for concurrent use. The single check-then-act race (spending a
// token) is closed inside UsedTokenStore.MarkIfUnseen.
type Authority struct {
	secret []byte
	ttl    time.Duration
	used   *UsedTokenStore
	clock  Clock

	sweepMu      sync.Mutex
	sweepDone    chan struct{}
	sweepRunning bool
}

// NewAuthority creates an Authority signing with secret.
//
// The store holds spent tokens and must not be shared between authorities
// with different secrets. A nil clock selects the system clock; a
// non-positive ttl selects DefaultTTL. An empty secret is an error - the
// caller decides whether to fall back to a random per-process secret.
func NewAuthority(secret []byte, ttl time.Duration, store *UsedTokenStore, clock Clock) (*Authority, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("confirmation signing secret must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if store == nil {
		store = NewUsedTokenStore()
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Authority{
		secret:    secret,
		ttl:       ttl,
		used:      store,
		clock:     clock,
		sweepDone: make(chan struct{}),
	}, nil
}

// TTL returns the configured token lifetime.
func (a *Authority) TTL() time.Duration { return a.ttl }

// Check runs the tiered confirmation policy for one invocation.
//
// Policy, in order:
//  1. Public and authenticated tiers always proceed.
//  2. A supplied token is validated against the tool name and the exact
//     parameter fingerprint; valid proceeds, invalid rejects.
//  3. Sensitive and critical tiers without a token get a prompt and a
//     fresh token bound to (tool, params, now).
func (a *Authority) Check(toolName string, tier datatypes.Tier, params map[string]interface{}, suppliedToken string) Decision {
	if !tier.RequiresConfirmation() {
		return Decision{Outcome: OutcomeProceed}
	}

	fingerprint := ParamsFingerprint(params)

	if suppliedToken != "" {
		if a.Validate(suppliedToken, toolName, fingerprint) {
			return Decision{Outcome: OutcomeProceed}
		}
		return Decision{Outcome: OutcomeRejected, Reason: RejectReason}
	}

	now := a.clock.Now()
	token := a.issue(toolName, fingerprint, now)
	return Decision{
		Outcome: OutcomeConfirmationRequired,
		Message: a.prompt(toolName, tier, params, token),
		Token:   token,
	}
}

// Validate checks and spends a confirmation token.
//
// A token passes exactly once, and only when all of the following hold:
// it has not been spent, it parses as digest:millis, it is younger than
// the TTL, and its digest matches the recomputation over
// (toolName, paramsFingerprint, issuedAt) with this authority's secret.
func (a *Authority) Validate(token, toolName, paramsFingerprint string) bool {
	// Fast-path replay rejection before any crypto work.
	if a.used.Seen(token) {
		return false
	}

	digest, issuedAt, err := decodeToken(token)
	if err != nil {
		return false
	}

	if a.clock.Now().Sub(issuedAt) > a.ttl {
		return false
	}

	expected := computeDigest(toolName, paramsFingerprint, issuedAt.UnixMilli(), a.secret)
	if !hmac.Equal([]byte(digest), []byte(expected)) {
		return false
	}

	// Atomic spend: of two concurrent validations of the same token,
	// exactly one wins this insert.
	return a.used.MarkIfUnseen(token)
}

// issue mints a token bound to one tool and parameter fingerprint.
func (a *Authority) issue(toolName, paramsFingerprint string, now time.Time) string {
	millis := now.UnixMilli()
	return encodeToken(computeDigest(toolName, paramsFingerprint, millis, a.secret), millis)
}

// prompt renders the operator-facing confirmation message.
func (a *Authority) prompt(toolName string, tier datatypes.Tier, params map[string]interface{}, token string) string {
	paramsJSON, err := json.Marshal(params)
	if err != nil || params == nil {
		paramsJSON = []byte("{}")
	}
	return fmt.Sprintf(
		"%s operation %q requires confirmation.\nParameters: %s\nResubmit the identical call with confirm_token=%s within %s to execute.",
		tier.Label(), toolName, paramsJSON, token, a.ttl)
}

// =============================================================================
// Used-Token Sweep
// =============================================================================

// StartSweeper begins the periodic full clear of the used-token store.
//
// # Description
//
// The store grows by one entry per confirmed operation and is cleared in
// full on each sweep. An interval shorter than the token TTL would open a
// replay window (spent-but-unexpired tokens would be forgotten), so such
// intervals are bumped to twice the TTL with a warning.
//
// Uses the ticker + done channel pattern; Stop the sweeper during
// shutdown.
func (a *Authority) StartSweeper(ctx context.Context, interval time.Duration) error {
	a.sweepMu.Lock()
	defer a.sweepMu.Unlock()

	if a.sweepRunning {
		return fmt.Errorf("used-token sweeper already running")
	}

	if interval < a.ttl {
		slog.Warn("Used-token sweep interval below token TTL, raising it",
			"requested", interval.String(), "effective", (2 * a.ttl).String())
		interval = 2 * a.ttl
	}

	a.sweepRunning = true
	go a.sweepLoop(ctx, interval)

	slog.Info("Used-token sweeper started", "interval", interval.String())
	return nil
}

// StopSweeper terminates the sweep goroutine. Safe to call if StartSweeper
// never ran.
func (a *Authority) StopSweeper() {
	a.sweepMu.Lock()
	defer a.sweepMu.Unlock()

	if !a.sweepRunning {
		return
	}
	close(a.sweepDone)
	a.sweepRunning = false
}

func (a *Authority) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.sweepDone:
			return
		case <-ticker.C:
			if n := a.used.Clear(); n > 0 {
				slog.Debug("Cleared used confirmation tokens", "count", n)
			}
		}
	}
}
