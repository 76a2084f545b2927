// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianGateway/services/gateway/confirm"
	"github.com/AleutianAI/AleutianGateway/services/gateway/handlers"
	"github.com/AleutianAI/AleutianGateway/services/gateway/middleware"
	"github.com/AleutianAI/AleutianGateway/services/gateway/ratelimit"
	"github.com/AleutianAI/AleutianGateway/services/gateway/registry"
	"github.com/AleutianAI/AleutianGateway/services/gateway/upstream"
)

func SetupRoutes(router *gin.Engine, apiToken string, reg *registry.Registry,
	limiter *ratelimit.Limiter, authority *confirm.Authority, client *upstream.Client) {

	router.GET("/healthz", handlers.HandleHealth())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group. Everything under it sits behind the inbound
	// auth gate; the catalog listing included, since tool names and
	// tiers reveal the deployment's capabilities.
	v1 := router.Group("/v1", middleware.AuthMiddleware(apiToken))
	{
		v1.GET("/tools", handlers.HandleListTools(reg))
		v1.POST("/tools/:name", handlers.HandleInvoke(reg, limiter, authority, client))
	}
}
