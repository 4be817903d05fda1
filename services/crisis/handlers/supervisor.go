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

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/middleware"
)

// CompleteOverride closes an override. Requires SupervisorAuth.
func CompleteOverride(svc CrisisService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CompleteOverrideRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
			return
		}
		supervisor := "unknown"
		if info := middleware.GetAuthInfo(c); info != nil {
			supervisor = info.UserID
		}

		id := c.Param("overrideId")
		if err := svc.CompleteOverride(c.Request.Context(), id, supervisor, req); err != nil {
			abortWithError(c, "complete_override", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"override_id": id, "status": "completed"})
	}
}

// PerformanceReport returns latency windows and live counts. Requires
// SupervisorAuth.
func PerformanceReport(svc CrisisService) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := svc.PerformanceReport(c.Request.Context())
		if err != nil {
			abortWithError(c, "performance_report", err)
			return
		}
		c.JSON(http.StatusOK, r)
	}
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
