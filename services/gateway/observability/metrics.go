// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the gateway.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the admission
// pipeline. Metrics include:
//   - Invocation counters (by tool and terminal outcome)
//   - Rate-limit denials (by category)
//   - Confirmation protocol counters (issued, consumed, rejected)
//   - Upstream latency histograms and retry counters (by service)
//   - Active invocation gauge
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// The record helpers are no-ops until InitMetrics runs, so unit tests of
// other packages never need a registry.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for gateway metrics
const gatewaySubsystem = "gateway"

// Terminal outcome labels for InvocationsTotal.
const (
	OutcomeExecuted             = "executed"
	OutcomeUpstreamError        = "upstream_error"
	OutcomeTimeout              = "timeout"
	OutcomeRateLimited          = "rate_limited"
	OutcomeConfirmationRequired = "confirmation_required"
	OutcomeConfirmationRejected = "confirmation_rejected"
	OutcomeUnknownTool          = "unknown_tool"
)

// GatewayMetrics holds all Prometheus metrics for the admission pipeline.
//
// Initialize once at startup via InitMetrics().
type GatewayMetrics struct {
	// InvocationsTotal counts tool invocations by tool and terminal outcome.
	// Labels: tool, outcome (see Outcome* constants)
	InvocationsTotal *prometheus.CounterVec

	// RateLimitedTotal counts admission denials by rate-limit category.
	// Labels: category
	RateLimitedTotal *prometheus.CounterVec

	// ConfirmationsIssuedTotal counts confirmation prompts issued.
	// Labels: tool
	ConfirmationsIssuedTotal *prometheus.CounterVec

	// ConfirmationsConsumedTotal counts tokens validated and spent.
	// Labels: tool
	ConfirmationsConsumedTotal *prometheus.CounterVec

	// ConfirmationsRejectedTotal counts invalid/expired/replayed tokens.
	// Labels: tool
	ConfirmationsRejectedTotal *prometheus.CounterVec

	// UpstreamRequestSeconds measures upstream call duration.
	// Labels: service (trading, ai)
	UpstreamRequestSeconds *prometheus.HistogramVec

	// UpstreamRetriesTotal counts idempotent 5xx retries performed.
	// Labels: service
	UpstreamRetriesTotal *prometheus.CounterVec

	// ActiveInvocations tracks in-flight tool invocations.
	ActiveInvocations prometheus.Gauge
}

// DefaultMetrics is the singleton instance of GatewayMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *GatewayMetrics

// InitMetrics initializes the default metrics instance.
//
// Creates and registers all Prometheus metrics on the default registry.
// Call once at application startup; a second call panics with a duplicate
// registration error.
func InitMetrics() *GatewayMetrics {
	DefaultMetrics = &GatewayMetrics{
		InvocationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "invocations_total",
				Help:      "Total tool invocations by tool and terminal outcome",
			},
			[]string{"tool", "outcome"},
		),

		RateLimitedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "rate_limited_total",
				Help:      "Total admission denials by rate-limit category",
			},
			[]string{"category"},
		),

		ConfirmationsIssuedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "confirmations_issued_total",
				Help:      "Total confirmation prompts issued",
			},
			[]string{"tool"},
		),

		ConfirmationsConsumedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "confirmations_consumed_total",
				Help:      "Total confirmation tokens validated and spent",
			},
			[]string{"tool"},
		),

		ConfirmationsRejectedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "confirmations_rejected_total",
				Help:      "Total confirmation tokens rejected (invalid, expired, or replayed)",
			},
			[]string{"tool"},
		),

		UpstreamRequestSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "upstream_request_seconds",
				Help:      "Upstream call duration in seconds by backend service",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"service"},
		),

		UpstreamRetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "upstream_retries_total",
				Help:      "Total idempotent 5xx retries performed by backend service",
			},
			[]string{"service"},
		),

		ActiveInvocations: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "active_invocations",
				Help:      "Number of in-flight tool invocations",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Nil-Safe Record Helpers
// =============================================================================

// RecordInvocation increments the invocation counter for a terminal outcome.
func RecordInvocation(tool, outcome string) {
	if DefaultMetrics != nil {
		DefaultMetrics.InvocationsTotal.WithLabelValues(tool, outcome).Inc()
	}
}

// RecordRateLimited increments the rate-limit denial counter.
func RecordRateLimited(category string) {
	if DefaultMetrics != nil {
		DefaultMetrics.RateLimitedTotal.WithLabelValues(category).Inc()
	}
}

// RecordConfirmationIssued increments the issued-prompt counter.
func RecordConfirmationIssued(tool string) {
	if DefaultMetrics != nil {
		DefaultMetrics.ConfirmationsIssuedTotal.WithLabelValues(tool).Inc()
	}
}

// RecordConfirmationConsumed increments the spent-token counter.
func RecordConfirmationConsumed(tool string) {
	if DefaultMetrics != nil {
		DefaultMetrics.ConfirmationsConsumedTotal.WithLabelValues(tool).Inc()
	}
}

// RecordConfirmationRejected increments the rejected-token counter.
func RecordConfirmationRejected(tool string) {
	if DefaultMetrics != nil {
		DefaultMetrics.ConfirmationsRejectedTotal.WithLabelValues(tool).Inc()
	}
}

// RecordUpstreamRequest observes one upstream call duration.
func RecordUpstreamRequest(service string, seconds float64) {
	if DefaultMetrics != nil {
		DefaultMetrics.UpstreamRequestSeconds.WithLabelValues(service).Observe(seconds)
	}
}

// RecordUpstreamRetry increments the retry counter.
func RecordUpstreamRetry(service string) {
	if DefaultMetrics != nil {
		DefaultMetrics.UpstreamRetriesTotal.WithLabelValues(service).Inc()
	}
}

// TrackInvocation increments the active gauge and returns the matching
// decrement for deferral.
func TrackInvocation() func() {
	if DefaultMetrics == nil {
		return func() {}
	}
	DefaultMetrics.ActiveInvocations.Inc()
	return func() { DefaultMetrics.ActiveInvocations.Dec() }
}
