// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package upstream performs the gateway's outbound calls to the Sapheneia
// backends: timeout enforcement, bounded retry, response-shape
// normalization, and the service credential lifecycle.
//
// # Failure Model
//
// Call never returns a Go error and never panics; every failure mode
// degrades to a CallResult with Success=false and a human-readable
// message. A client-side timeout aborts the in-flight request but cannot
// retract side effects the backend already committed - an order accepted
// just before the deadline fired is still live. Callers surfacing timeout
// results to an operator should say so.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
)

// DefaultTimeout is the per-call budget when the caller supplies none.
const DefaultTimeout = 30 * time.Second

// retryBackoff is the fixed delay before the single idempotent retry.
// It is consumed from the call's remaining timeout budget.
const retryBackoff = 500 * time.Millisecond

// =============================================================================
// Dependencies
// =============================================================================

// Clock abstracts time.Now for deterministic credential-expiry tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real wall clock.
func SystemClock() Clock { return systemClock{} }

// CredentialSource supplies the outbound bearer token.
// CredentialManager implements it; tests substitute fixed tokens.
type CredentialSource interface {
	Credential(ctx context.Context) string
}

// StaticCredential is a CredentialSource returning a fixed token.
type StaticCredential string

// Credential implements CredentialSource.
func (s StaticCredential) Credential(context.Context) string { return string(s) }

// =============================================================================
// Client
// =============================================================================

// Config holds the outbound routing table and defaults.
type Config struct {
	// TradingBaseURL is the Sapheneia trading engine base URL.
	TradingBaseURL string

	// AIBaseURL is the Sapheneia AI service base URL.
	AIBaseURL string

	// DefaultTimeout is the per-call budget when CallOptions carries
	// none. Zero selects DefaultTimeout.
	DefaultTimeout time.Duration
}

// CallOptions shape one outbound request.
type CallOptions struct {
	// Method is the HTTP method. Empty defaults to GET.
	Method string

	// Body is marshaled as the JSON request body (non-GET methods).
	Body interface{}

	// Query is appended to the request URL (GET methods).
	Query url.Values

	// TimeoutMS overrides the default per-call budget.
	TimeoutMS int

	// SkipAuth omits the Authorization header (e.g. public market data
	// or the login exchange itself).
	SkipAuth bool
}

// Client is the resilient outbound request path.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying http.Client is shared.
type Client struct {
	config     Config
	creds      CredentialSource
	httpClient *http.Client
}

// NewClient creates a Client routing to the configured backends.
// creds may be nil, in which case no Authorization header is ever set.
func NewClient(config Config, creds CredentialSource) *Client {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultTimeout
	}
	// Per-call deadlines come from the request context; the transport
	// itself carries no timeout so a caller-supplied budget is the only
	// limit.
	return &Client{
		config:     config,
		creds:      creds,
		httpClient: &http.Client{},
	}
}

// Call performs one outbound request and normalizes the response.
//
// Steps:
//  1. Resolve the base URL for service ("trading" or "ai").
//  2. Attach the service bearer credential unless SkipAuth.
//  3. Enforce the per-call timeout.
//  4. On GET responses with a 5xx status, retry exactly once after a
//     fixed backoff inside the same deadline. Non-idempotent methods are
//     never retried: a duplicated order placement is worse than a failed
//     one.
//  5. Normalize the response into a CallResult.
func (c *Client) Call(ctx context.Context, service, path string, opts CallOptions) datatypes.CallResult {
	base, err := c.baseURL(service)
	if err != nil {
		return datatypes.ErrorResult(err.Error())
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	timeout := c.config.DefaultTimeout
	if opts.TimeoutMS > 0 {
		timeout = time.Duration(opts.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := base + path
	if len(opts.Query) > 0 {
		target += "?" + opts.Query.Encode()
	}

	var bodyBytes []byte
	if opts.Body != nil {
		bodyBytes, err = json.Marshal(opts.Body)
		if err != nil {
			return datatypes.ErrorResult(fmt.Sprintf("failed to marshal request body: %v", err))
		}
	}

	start := time.Now()
	result := c.doWithRetry(ctx, service, method, target, bodyBytes, opts.SkipAuth)
	observability.RecordUpstreamRequest(service, time.Since(start).Seconds())
	return result
}

// baseURL resolves a service name to its configured backend.
func (c *Client) baseURL(service string) (string, error) {
	switch service {
	case "trading":
		if c.config.TradingBaseURL == "" {
			return "", fmt.Errorf("trading service URL not configured")
		}
		return strings.TrimRight(c.config.TradingBaseURL, "/"), nil
	case "ai":
		if c.config.AIBaseURL == "" {
			return "", fmt.Errorf("ai service URL not configured")
		}
		return strings.TrimRight(c.config.AIBaseURL, "/"), nil
	default:
		return "", fmt.Errorf("unknown service: %s", service)
	}
}

// doWithRetry runs the request, retrying once for idempotent 5xx.
func (c *Client) doWithRetry(ctx context.Context, service, method, target string, body []byte, skipAuth bool) datatypes.CallResult {
	status, payload, err := c.doOnce(ctx, method, target, body, skipAuth)
	if err != nil {
		return c.transportFailure(ctx, target, err)
	}

	if status >= 500 && method == http.MethodGet {
		slog.Warn("Upstream 5xx on idempotent call, retrying once",
			"url", target, "status", status)
		observability.RecordUpstreamRetry(service)

		select {
		case <-ctx.Done():
			return c.transportFailure(ctx, target, ctx.Err())
		case <-time.After(retryBackoff):
		}

		status, payload, err = c.doOnce(ctx, method, target, body, skipAuth)
		if err != nil {
			return c.transportFailure(ctx, target, err)
		}
	}

	return normalize(status, payload)
}

// doOnce executes a single HTTP exchange.
func (c *Client) doOnce(ctx context.Context, method, target string, body []byte, skipAuth bool) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if !skipAuth && c.creds != nil {
		if token := c.creds.Credential(ctx); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, payload, nil
}

// transportFailure maps network errors and aborts to a CallResult.
func (c *Client) transportFailure(ctx context.Context, target string, err error) datatypes.CallResult {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		slog.Warn("Upstream call timed out", "url", target)
		return datatypes.TimeoutResult("request timed out; any side effect already committed by the backend is not rolled back")
	}
	slog.Error("Upstream call failed", "url", target, "error", err)
	return datatypes.ErrorResult(fmt.Sprintf("upstream request failed: %v", err))
}

// =============================================================================
// Response Normalization
// =============================================================================

// normalize maps a raw status + payload into the CallResult envelope.
//
// Backends speak one of two shapes: the {success, data}/{success, error}
// envelope, which passes through untouched, or raw JSON, which is wrapped
// as a successful result. Non-JSON bodies are wrapped as {message: text}
// first so error extraction has something to work with.
func normalize(status int, payload []byte) datatypes.CallResult {
	parsed := payload
	if !json.Valid(payload) {
		wrapped, err := json.Marshal(map[string]string{"message": string(payload)})
		if err == nil {
			parsed = wrapped
		}
	}

	if status < 200 || status > 299 {
		return datatypes.ErrorResult(errorMessage(status, parsed))
	}

	var envelope struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(parsed, &envelope); err == nil && envelope.Success != nil {
		// The backend's own envelope wins.
		return datatypes.CallResult{
			Success: *envelope.Success,
			Data:    envelope.Data,
			Error:   rawToText(envelope.Error),
		}
	}

	return datatypes.CallResult{Success: true, Data: parsed}
}

// errorMessage extracts a human-readable message from an error payload,
// trying the conventional field names in order.
func errorMessage(status int, parsed []byte) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(parsed, &fields); err == nil {
		for _, key := range []string{"error", "detail", "message"} {
			if raw, ok := fields[key]; ok {
				if msg := rawToText(raw); msg != "" {
					return msg
				}
			}
		}
	}
	return fmt.Sprintf("HTTP %d", status)
}

// rawToText renders a JSON value as plain text: strings unquoted,
// anything else as its compact JSON form.
func rawToText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
