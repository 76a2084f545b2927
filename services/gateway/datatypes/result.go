// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "encoding/json"

// =============================================================================
// Normalized Call Results
// =============================================================================

// CallResult is the normalized envelope every upstream call resolves to.
//
// Backends either speak this envelope natively ({success, data} /
// {success, error}) or return raw JSON which the upstream client wraps as
// a successful result. Handlers return the envelope to the caller
// unchanged, so an LLM agent always sees one shape.
type CallResult struct {
	// Success reports whether the upstream operation completed.
	Success bool `json:"success"`

	// Data carries the upstream payload verbatim on success.
	Data json.RawMessage `json:"data,omitempty"`

	// Error is a human-readable failure message on !Success.
	Error string `json:"error,omitempty"`

	// Timeout marks results produced by a client-side abort rather
	// than an upstream response. A timed-out call may still have
	// committed side effects upstream; the gateway cannot retract
	// an order the backend accepted just before the deadline fired.
	Timeout bool `json:"-"`
}

// ErrorResult builds a failed CallResult with the given message.
func ErrorResult(msg string) CallResult {
	return CallResult{Success: false, Error: msg}
}

// TimeoutResult builds a failed CallResult marked as a client-side abort.
func TimeoutResult(msg string) CallResult {
	return CallResult{Success: false, Error: msg, Timeout: true}
}
