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

import "sync"

// =============================================================================
// Used-Token Store
// =============================================================================

// UsedTokenStore records confirmation tokens that have already been spent.
//
// # Description
//
// Membership implies permanent rejection regardless of token age. The set
// is cleared in full by a periodic sweep rather than tracking a per-entry
// TTL: a cleared entry only matters for tokens younger than the
// confirmation TTL, so the sweep interval must not be shorter than the
// TTL (the authority enforces this when it starts its sweeper).
//
// The store is an explicitly constructed, injectable dependency of the
// Authority rather than a package-level set, which keeps unit tests
// hermetic and leaves room to back it with a shared external store for
// multi-replica deployments.
//
// # Thread Safety
//
// All methods are safe for concurrent use. MarkIfUnseen is the atomic
// check-then-insert that prevents a double-spend race between concurrent
// validations of the same token.
type UsedTokenStore struct {
	mu   sync.Mutex
	used map[string]struct{}
}

// NewUsedTokenStore creates an empty store.
func NewUsedTokenStore() *UsedTokenStore {
	return &UsedTokenStore{used: make(map[string]struct{})}
}

// Seen reports whether token has already been spent.
func (s *UsedTokenStore) Seen(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.used[token]
	return ok
}

// MarkIfUnseen atomically records token as spent.
// Returns false if the token was already present, in which case the
// caller must treat the validation as a replay.
func (s *UsedTokenStore) MarkIfUnseen(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.used[token]; ok {
		return false
	}
	s.used[token] = struct{}{}
	return true
}

// Clear discards every recorded token. Called by the periodic sweep.
func (s *UsedTokenStore) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.used)
	s.used = make(map[string]struct{})
	return n
}

// Len returns the number of recorded tokens.
func (s *UsedTokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.used)
}
