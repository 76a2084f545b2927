// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit provides per-category sliding-window admission control
// protecting backend capacity.
//
// Each rate-limit category owns an independent quota; market-data calls
// never consume a real-trading budget. A category's bucket records the
// instants of admitted calls inside the trailing window and denies the
// (max+1)-th call with the number of seconds until the oldest recorded
// call ages out.
//
// A token-bucket limiter (golang.org/x/time/rate and its siblings) cannot
// express that retry-after contract, which is why the window is tracked
// explicitly.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// DefaultSweepInterval is how often idle buckets are garbage-collected.
const DefaultSweepInterval = time.Minute

// =============================================================================
// Dependencies
// =============================================================================

// Clock abstracts time.Now so window tests can run without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real wall clock.
func SystemClock() Clock { return systemClock{} }

// RuleSource resolves the quota rule for a category. The tool registry
// implements this; resolving on every call means catalog hot reloads
// apply to the next admission decision.
type RuleSource interface {
	RateLimit(category string) datatypes.RateLimitRule
}

// =============================================================================
// Decisions
// =============================================================================

// Decision is the outcome of one admission check.
type Decision struct {
	// Allowed reports whether the call was admitted.
	Allowed bool

	// RetryAfterSeconds is how long the caller should wait before
	// retrying a denied call. Always positive on denial, never more
	// than the category's window.
	RetryAfterSeconds int
}

// =============================================================================
// Limiter
// =============================================================================

// bucket tracks admitted call instants for one category.
type bucket struct {
	// stamps holds admission instants in ascending order, pruned
	// lazily of entries older than the category window.
	stamps []time.Time

	// touched is the last time this bucket saw any traffic, used by
	// the sweeper to discard idle buckets.
	touched time.Time
}

// Limiter is the per-category sliding-window admission controller.
//
// # Thread Safety
//
// Safe for concurrent use. The prune-and-push on a bucket is performed
// under one mutex hold, closing the check-then-act race between
// concurrent callers of the same category.
type Limiter struct {
	rules RuleSource
	clock Clock

	mu      sync.Mutex
	buckets map[string]*bucket

	sweepMu      sync.Mutex
	sweepDone    chan struct{}
	sweepRunning bool
}

// New creates a Limiter resolving quotas through rules.
// A nil clock selects the system clock.
func New(rules RuleSource, clock Clock) *Limiter {
	if clock == nil {
		clock = SystemClock()
	}
	return &Limiter{
		rules:     rules,
		clock:     clock,
		buckets:   make(map[string]*bucket),
		sweepDone: make(chan struct{}),
	}
}

// Allow runs one admission check for category.
//
// The category bucket is created lazily, pruned of entries older than the
// window, and either denied (at capacity) or stamped with the current
// instant. After the window fully elapses from the oldest admitted call,
// a new call is admitted again.
func (l *Limiter) Allow(category string) Decision {
	rule := l.rules.RateLimit(category)
	window := time.Duration(rule.WindowMS) * time.Millisecond
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[category]
	if !ok {
		b = &bucket{}
		l.buckets[category] = b
	}
	b.touched = now
	b.prune(now, window)

	if len(b.stamps) >= rule.Max {
		remaining := b.stamps[0].Add(window).Sub(now)
		retryAfter := int(math.Ceil(remaining.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Decision{Allowed: false, RetryAfterSeconds: retryAfter}
	}

	b.stamps = append(b.stamps, now)
	return Decision{Allowed: true}
}

// prune drops stamps that have aged out of the trailing window.
// A stamp exactly one window old no longer counts against the quota.
func (b *bucket) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(b.stamps) && !b.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.stamps = append(b.stamps[:0], b.stamps[i:]...)
	}
}

// =============================================================================
// Bucket Sweep
// =============================================================================

// StartSweeper begins periodic pruning and garbage collection of buckets.
//
// # Description
//
// Request traffic prunes buckets lazily, but a category that goes quiet
// would otherwise pin its stamps (and its map entry) forever. The sweeper
// runs on an interval independent of traffic, prunes every bucket, and
// deletes buckets that are empty and have been idle for at least their
// window.
//
// Uses the ticker + done channel pattern; Stop the sweeper during
// shutdown.
func (l *Limiter) StartSweeper(ctx context.Context, interval time.Duration) error {
	l.sweepMu.Lock()
	defer l.sweepMu.Unlock()

	if l.sweepRunning {
		return fmt.Errorf("rate-bucket sweeper already running")
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	l.sweepRunning = true
	go l.sweepLoop(ctx, interval)

	slog.Info("Rate-bucket sweeper started", "interval", interval.String())
	return nil
}

// StopSweeper terminates the sweep goroutine. Safe to call if StartSweeper
// never ran.
func (l *Limiter) StopSweeper() {
	l.sweepMu.Lock()
	defer l.sweepMu.Unlock()

	if !l.sweepRunning {
		return
	}
	close(l.sweepDone)
	l.sweepRunning = false
}

func (l *Limiter) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.sweepDone:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep prunes all buckets and discards empty idle ones.
func (l *Limiter) sweep() {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for category, b := range l.buckets {
		rule := l.rules.RateLimit(category)
		window := time.Duration(rule.WindowMS) * time.Millisecond
		b.prune(now, window)
		if len(b.stamps) == 0 && now.Sub(b.touched) >= window {
			delete(l.buckets, category)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Discarded idle rate buckets", "count", removed)
	}
}

// bucketCount reports the live bucket count (test hook).
func (l *Limiter) bucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
