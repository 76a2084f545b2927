// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the gateway service.
//
// # Authentication Flow
//
// The auth middleware gates every tool invocation on a single shared
// secret. There is no per-caller identity and there are no scopes: one
// secret admits all callers, which is the deliberate trust model for a
// gateway whose only clients are the operator's own agents.
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► Constant-time compare against the shared secret
//	   │
//	   └─► 401 on mismatch, otherwise continue
//
// # Open Mode
//
// When no shared secret is configured the gate is disabled entirely and
// every request passes. This keeps local development friction-free but
// removes the gateway's first line of defense, so it is logged loudly as
// a warning once per process start.
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware creates a Gin middleware that gates requests on the
// shared inbound secret.
//
// # Description
//
// Extracts the bearer token from the Authorization header and requires
// an exact match against secret. The comparison is constant-time so the
// secret cannot be recovered byte-by-byte through response timing.
//
// An empty secret enables open mode: the warning is emitted once when
// the middleware is constructed (process start), not per request.
//
// # Inputs
//
//   - secret: The shared inbound secret. Empty enables open mode.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AuthMiddleware(secret string) gin.HandlerFunc {
	if secret == "" {
		slog.Warn("ALEUTIAN_API_TOKEN is not set: inbound authentication is DISABLED and every caller is trusted")
		return func(c *gin.Context) {
			c.Next()
		}
	}

	secretBytes := []byte(secret)
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if subtle.ConstantTimeCompare([]byte(token), secretBytes) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken extracts the token from the Authorization header.
//
// Parses the Authorization header expecting format: "Bearer <token>".
// The "Bearer" prefix is case-insensitive per RFC 7235 and optional: a
// bare secret in the header is accepted too, which keeps curl one-liners
// short during incident response.
//
// Returns empty string if the header is missing.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}

	return strings.TrimSpace(authHeader)
}
