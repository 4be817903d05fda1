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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianCrisis/pkg/extensions"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/connections"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/handlers"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/middleware"
)

// Deps are what the routes need.
type Deps struct {
	Service     handlers.CrisisService
	Connections *connections.Manager

	// Socket is optional; without it the WebSocket route is not mounted.
	Socket *connections.WebSocketTransport

	Options extensions.ServiceOptions
	Limiter *middleware.IPRateLimiter

	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	opts := deps.Options.Normalize()
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	{
		// Anonymous session routes
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", middleware.RateLimit(deps.Limiter), handlers.ConnectSession(deps.Service))
			sessions.POST("/messages", handlers.SendMessage(deps.Service))
			sessions.GET("/messages/:messageId", handlers.GetMessage(deps.Service))
			sessions.POST("/end", handlers.EndSession(deps.Service))
			sessions.POST("/connections", handlers.Reconnect(deps.Service))
			if deps.Socket != nil && deps.Connections != nil {
				sessions.GET("/ws", handlers.SessionSocket(deps.Connections, deps.Socket))
			}
		}

		// Volunteer and supervisor routes
		staff := v1.Group("", middleware.SupervisorAuth(opts.AuthProvider, opts.AuditLogger))
		{
			staff.POST("/overrides/:overrideId/complete", handlers.CompleteOverride(deps.Service))
			staff.GET("/performance", handlers.PerformanceReport(deps.Service))

			staffSessions := staff.Group("/staff/sessions/:sessionId")
			staffSessions.POST("/accept", handlers.AcceptSession(deps.Service))
			staffSessions.POST("/messages", handlers.SendStaffMessage(deps.Service))
			staffSessions.GET("/messages/:messageId", handlers.GetStaffMessage(deps.Service))
			if deps.Socket != nil && deps.Connections != nil {
				staffSessions.GET("/ws", handlers.StaffSocket(deps.Connections, deps.Socket))
			}
		}
	}
}
