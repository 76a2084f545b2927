// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/AleutianAI/AleutianGateway/services/gateway/registry"
	"github.com/gin-gonic/gin"
)

// HandleListTools returns the declared tool catalog so an agent can
// discover what it is allowed to call and at which tier.
func HandleListTools(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		tools := reg.Tools()
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data": gin.H{
				"tools": tools,
				"count": len(tools),
			},
		})
	}
}
