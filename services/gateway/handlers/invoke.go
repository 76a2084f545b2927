// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the gateway's HTTP handlers.
//
// The invoke handler is the admission pipeline: every tool call passes
// catalog lookup, rate limiting, and the confirmation check in that
// order, and only a pass through all stages reaches a backend. Each
// stage can short-circuit with a terminal result.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/AleutianAI/AleutianGateway/pkg/validation"
	"github.com/AleutianAI/AleutianGateway/services/gateway/confirm"
	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/middleware"
	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
	"github.com/AleutianAI/AleutianGateway/services/gateway/ratelimit"
	"github.com/AleutianAI/AleutianGateway/services/gateway/registry"
	"github.com/AleutianAI/AleutianGateway/services/gateway/upstream"
	"github.com/gin-gonic/gin"
)

// unknownToolLabel caps metric cardinality: arbitrary caller-chosen names
// never become label values.
const unknownToolLabel = "unknown"

// HandleInvoke runs the admission pipeline for one tool invocation.
//
// Pipeline order (inbound auth already ran as middleware):
//  1. Catalog lookup - undeclared tools are rejected outright.
//  2. Rate limit by the tool's category.
//  3. Confirmation check for sensitive/critical tiers.
//  4. Outbound call through the resilient request path.
func HandleInvoke(reg *registry.Registry, limiter *ratelimit.Limiter, authority *confirm.Authority, client *upstream.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		release := observability.TrackInvocation()
		defer release()

		requestID := middleware.GetRequestID(c)

		// 1. Catalog lookup
		name := c.Param("name")
		if err := validation.ValidateToolName(name); err != nil {
			observability.RecordInvocation(unknownToolLabel, observability.OutcomeUnknownTool)
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "unknown tool"})
			return
		}
		tool, ok := reg.Lookup(name)
		if !ok {
			observability.RecordInvocation(unknownToolLabel, observability.OutcomeUnknownTool)
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   fmt.Sprintf("unknown tool: %s", name),
			})
			return
		}

		var req datatypes.InvokeRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				slog.Error("Invalid invoke request", "tool", tool.Name, "request_id", requestID, "error", err)
				c.JSON(http.StatusBadRequest, gin.H{
					"success": false,
					"error":   "invalid request body",
					"details": err.Error(),
				})
				return
			}
		}

		// 2. Rate limit
		admission := limiter.Allow(tool.Category)
		if !admission.Allowed {
			observability.RecordRateLimited(tool.Category)
			observability.RecordInvocation(tool.Name, observability.OutcomeRateLimited)
			slog.Warn("Invocation rate limited",
				"tool", tool.Name,
				"category", tool.Category,
				"retry_after_seconds", admission.RetryAfterSeconds,
				"request_id", requestID)
			c.Header("Retry-After", strconv.Itoa(admission.RetryAfterSeconds))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success":             false,
				"error":               fmt.Sprintf("rate limit exceeded for category %q", tool.Category),
				"retry_after_seconds": admission.RetryAfterSeconds,
			})
			return
		}

		// 3. Confirmation
		decision := authority.Check(tool.Name, tool.Tier, req.Parameters, req.ConfirmToken)
		switch decision.Outcome {
		case confirm.OutcomeConfirmationRequired:
			observability.RecordConfirmationIssued(tool.Name)
			observability.RecordInvocation(tool.Name, observability.OutcomeConfirmationRequired)
			slog.Info("Confirmation required",
				"tool", tool.Name,
				"tier", tool.Tier.String(),
				"request_id", requestID)
			// Protocol state, not a failure: 200 with the prompt.
			c.JSON(http.StatusOK, gin.H{
				"success":               false,
				"confirmation_required": true,
				"message":               decision.Message,
				"confirm_token":         decision.Token,
			})
			return

		case confirm.OutcomeRejected:
			observability.RecordConfirmationRejected(tool.Name)
			observability.RecordInvocation(tool.Name, observability.OutcomeConfirmationRejected)
			slog.Warn("Confirmation token rejected",
				"tool", tool.Name,
				"request_id", requestID)
			c.JSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   decision.Reason,
			})
			return

		case confirm.OutcomeProceed:
			if req.ConfirmToken != "" && tool.Tier.RequiresConfirmation() {
				observability.RecordConfirmationConsumed(tool.Name)
				slog.Info("Confirmation token consumed",
					"tool", tool.Name,
					"request_id", requestID)
			}
		}

		// 4. Outbound call
		opts := upstream.CallOptions{Method: tool.Method}
		if tool.Method == http.MethodGet {
			opts.Query = paramsToQuery(req.Parameters)
		} else {
			opts.Body = req.Parameters
		}

		result := client.Call(c.Request.Context(), tool.Service, tool.Path, opts)

		switch {
		case result.Success:
			observability.RecordInvocation(tool.Name, observability.OutcomeExecuted)
			c.JSON(http.StatusOK, result)
		case result.Timeout:
			observability.RecordInvocation(tool.Name, observability.OutcomeTimeout)
			slog.Error("Tool invocation timed out",
				"tool", tool.Name,
				"service", tool.Service,
				"request_id", requestID)
			c.JSON(http.StatusGatewayTimeout, result)
		default:
			observability.RecordInvocation(tool.Name, observability.OutcomeUpstreamError)
			slog.Error("Tool invocation failed upstream",
				"tool", tool.Name,
				"service", tool.Service,
				"error", result.Error,
				"request_id", requestID)
			c.JSON(http.StatusBadGateway, result)
		}
	}
}

// paramsToQuery flattens tool parameters into a query string for GET
// tools. Scalars are rendered with %v; anything structured is carried as
// compact JSON so the backend decides how to interpret it.
func paramsToQuery(params map[string]interface{}) url.Values {
	query := url.Values{}
	for key, value := range params {
		switch v := value.(type) {
		case string:
			query.Set(key, v)
		case float64, bool, int, int64:
			query.Set(key, fmt.Sprintf("%v", v))
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			query.Set(key, string(raw))
		}
	}
	return query
}
