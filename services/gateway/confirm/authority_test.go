// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package confirm

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
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

func newTestAuthority(t *testing.T, clock Clock) *Authority {
	t.Helper()
	authority, err := NewAuthority([]byte("unit-test-secret"), DefaultTTL, nil, clock)
	require.NoError(t, err)
	return authority
}

func TestNewAuthority_EmptySecret(t *testing.T) {
	_, err := NewAuthority(nil, DefaultTTL, nil, nil)
	assert.Error(t, err)

	_, err = NewAuthority([]byte{}, DefaultTTL, nil, nil)
	assert.Error(t, err)
}

func TestCheck_LowTiersAlwaysProceed(t *testing.T) {
	authority := newTestAuthority(t, nil)

	for _, tier := range []datatypes.Tier{datatypes.TierPublic, datatypes.TierAuthenticated} {
		decision := authority.Check("get_market_price", tier,
			map[string]interface{}{"symbol": "BTC-USD"}, "")
		assert.Equal(t, OutcomeProceed, decision.Outcome, "tier %s", tier)
		assert.Empty(t, decision.Token)
	}
}

func TestCheck_SensitiveWithoutTokenPrompts(t *testing.T) {
	authority := newTestAuthority(t, nil)
	params := map[string]interface{}{"strategy": "momentum-v2"}

	decision := authority.Check("update_strategy", datatypes.TierSensitive, params, "")
	require.Equal(t, OutcomeConfirmationRequired, decision.Outcome)
	assert.NotEmpty(t, decision.Token)
	assert.Contains(t, decision.Message, "SENSITIVE")
	assert.Contains(t, decision.Message, "update_strategy")
	assert.Contains(t, decision.Message, "momentum-v2")
	assert.Contains(t, decision.Message, decision.Token)
}

func TestCheck_CriticalPromptUsesCriticalLabel(t *testing.T) {
	authority := newTestAuthority(t, nil)

	decision := authority.Check("place_order", datatypes.TierCritical, nil, "")
	require.Equal(t, OutcomeConfirmationRequired, decision.Outcome)
	assert.Contains(t, decision.Message, "CRITICAL")
	// nil parameters render as an empty object, not Go's nil spelling
	assert.Contains(t, decision.Message, "Parameters: {}")
}

func TestCheck_TokenRoundTrip(t *testing.T) {
	authority := newTestAuthority(t, nil)
	params := map[string]interface{}{
		"symbol":   "BTC-USD",
		"side":     "buy",
		"quantity": 0.1,
	}

	first := authority.Check("place_order", datatypes.TierCritical, params, "")
	require.Equal(t, OutcomeConfirmationRequired, first.Outcome)

	second := authority.Check("place_order", datatypes.TierCritical, params, first.Token)
	assert.Equal(t, OutcomeProceed, second.Outcome)
}

func TestCheck_TokenIsSingleUse(t *testing.T) {
	authority := newTestAuthority(t, nil)
	params := map[string]interface{}{"symbol": "BTC-USD", "side": "buy"}

	issued := authority.Check("place_order", datatypes.TierCritical, params, "")
	require.Equal(t, OutcomeConfirmationRequired, issued.Outcome)

	spend := authority.Check("place_order", datatypes.TierCritical, params, issued.Token)
	require.Equal(t, OutcomeProceed, spend.Outcome)

	replay := authority.Check("place_order", datatypes.TierCritical, params, issued.Token)
	assert.Equal(t, OutcomeRejected, replay.Outcome)
	assert.Equal(t, RejectReason, replay.Reason)
}

func TestCheck_TokenBoundToParameters(t *testing.T) {
	authority := newTestAuthority(t, nil)
	confirmed := map[string]interface{}{"symbol": "BTC-USD", "quantity": 1.0}
	escalated := map[string]interface{}{"symbol": "BTC-USD", "quantity": 100.0}

	issued := authority.Check("place_order", datatypes.TierCritical, confirmed, "")
	require.Equal(t, OutcomeConfirmationRequired, issued.Outcome)

	// The operator confirmed 1 BTC, not 100 BTC.
	decision := authority.Check("place_order", datatypes.TierCritical, escalated, issued.Token)
	assert.Equal(t, OutcomeRejected, decision.Outcome)

	// The original call still passes.
	decision = authority.Check("place_order", datatypes.TierCritical, confirmed, issued.Token)
	assert.Equal(t, OutcomeProceed, decision.Outcome)
}

func TestCheck_TokenBoundToTool(t *testing.T) {
	authority := newTestAuthority(t, nil)
	params := map[string]interface{}{"order_id": "ord-42"}

	issued := authority.Check("place_order", datatypes.TierCritical, params, "")
	require.Equal(t, OutcomeConfirmationRequired, issued.Outcome)

	decision := authority.Check("cancel_order", datatypes.TierCritical, params, issued.Token)
	assert.Equal(t, OutcomeRejected, decision.Outcome)
}

func TestValidate_ExpiryBoundary(t *testing.T) {
	clock := newFakeClock()
	authority := newTestAuthority(t, clock)
	params := map[string]interface{}{"symbol": "ETH-USD"}

	issued := authority.Check("place_order", datatypes.TierCritical, params, "")
	require.Equal(t, OutcomeConfirmationRequired, issued.Outcome)

	// Exactly at the TTL the token is still redeemable.
	clock.Advance(DefaultTTL)
	decision := authority.Check("place_order", datatypes.TierCritical, params, issued.Token)
	assert.Equal(t, OutcomeProceed, decision.Outcome)
}

func TestValidate_Expired(t *testing.T) {
	clock := newFakeClock()
	authority := newTestAuthority(t, clock)
	params := map[string]interface{}{"symbol": "ETH-USD"}

	issued := authority.Check("place_order", datatypes.TierCritical, params, "")
	require.Equal(t, OutcomeConfirmationRequired, issued.Outcome)

	clock.Advance(DefaultTTL + time.Millisecond)
	decision := authority.Check("place_order", datatypes.TierCritical, params, issued.Token)
	assert.Equal(t, OutcomeRejected, decision.Outcome)
	assert.Equal(t, RejectReason, decision.Reason)
}

func TestValidate_BackdatedTimestampRejected(t *testing.T) {
	clock := newFakeClock()
	authority := newTestAuthority(t, clock)
	params := map[string]interface{}{"symbol": "ETH-USD"}

	issued := authority.Check("place_order", datatypes.TierCritical, params, "")
	require.Equal(t, OutcomeConfirmationRequired, issued.Outcome)

	// Push the cleartext timestamp forward to dodge expiry: the digest no
	// longer matches, so the token dies instead of living longer.
	digest, _, ok := strings.Cut(issued.Token, ":")
	require.True(t, ok)
	future := clock.Now().Add(time.Hour).UnixMilli()
	forged := encodeToken(digest, future)

	decision := authority.Check("place_order", datatypes.TierCritical, params, forged)
	assert.Equal(t, OutcomeRejected, decision.Outcome)
}

func TestValidate_MalformedTokens(t *testing.T) {
	authority := newTestAuthority(t, nil)
	params := map[string]interface{}{"a": 1.0}

	for _, token := range []string{
		"garbage",
		"nocolon1234567890",
		"short:123",
		strings.Repeat("a", 32) + ":notanumber",
		":",
	} {
		decision := authority.Check("place_order", datatypes.TierCritical, params, token)
		assert.Equal(t, OutcomeRejected, decision.Outcome, "token %q", token)
	}
}

func TestValidate_DifferentSecret(t *testing.T) {
	issuer := newTestAuthority(t, nil)
	other, err := NewAuthority([]byte("a-different-secret"), DefaultTTL, nil, nil)
	require.NoError(t, err)

	params := map[string]interface{}{"symbol": "BTC-USD"}
	issued := issuer.Check("place_order", datatypes.TierCritical, params, "")
	require.Equal(t, OutcomeConfirmationRequired, issued.Outcome)

	decision := other.Check("place_order", datatypes.TierCritical, params, issued.Token)
	assert.Equal(t, OutcomeRejected, decision.Outcome)
}

func TestCheck_ConcurrentSpendHasOneWinner(t *testing.T) {
	authority := newTestAuthority(t, nil)
	params := map[string]interface{}{"symbol": "BTC-USD"}

	issued := authority.Check("place_order", datatypes.TierCritical, params, "")
	require.Equal(t, OutcomeConfirmationRequired, issued.Outcome)

	const attempts = 16
	outcomes := make(chan Outcome, attempts)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < attempts; i++ {
		go func() {
			start.Wait()
			decision := authority.Check("place_order", datatypes.TierCritical, params, issued.Token)
			outcomes <- decision.Outcome
		}()
	}
	start.Done()

	proceeds := 0
	for i := 0; i < attempts; i++ {
		if <-outcomes == OutcomeProceed {
			proceeds++
		}
	}
	assert.Equal(t, 1, proceeds, "exactly one concurrent spend must win")
}

func TestSweeper_StartStop(t *testing.T) {
	authority := newTestAuthority(t, nil)

	require.NoError(t, authority.StartSweeper(t.Context(), time.Hour))
	assert.Error(t, authority.StartSweeper(t.Context(), time.Hour),
		"double start must fail")
	authority.StopSweeper()
	authority.StopSweeper() // idempotent
}
