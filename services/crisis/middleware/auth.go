// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the crisis service.
//
// Anonymous callers never authenticate; their session token travels in
// the X-Session-Token header and is checked by the engine. Supervisor
// endpoints go through SupervisorAuth:
//
//	Request
//	   │
//	   ▼
//	SupervisorAuth
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   ├─► Require RoleSupervisor
//	   │
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	       Handler (retrieves via GetAuthInfo)
//
// Failures are written to the audit log without the presented token.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCrisis/pkg/extensions"
)

// authInfoKey is the context key for storing AuthInfo.
const authInfoKey = "aleutian_auth_info"

// SetAuthInfo stores the authenticated supervisor in the Gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated supervisor, or nil.
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// SupervisorAuth authenticates supervisor requests.
//
// # Description
//
// Validates the bearer token with provider and requires RoleSupervisor.
// A missing or rejected token is 401; a valid identity without the role
// is 403. Both are audited as EventSupervisorAuthFail.
//
// # Inputs
//
//   - provider: Token validator. Must not be nil.
//   - audit: Receives failures. Nil disables auditing.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware ready for use with Gin.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func SupervisorAuth(provider extensions.AuthProvider, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			auditFailure(c, audit, "", "invalid_token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if authInfo == nil || !authInfo.HasRole(extensions.RoleSupervisor) {
			userID := ""
			if authInfo != nil {
				userID = authInfo.UserID
			}
			auditFailure(c, audit, userID, "missing_role")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

func auditFailure(c *gin.Context, audit extensions.AuditLogger, actor, reason string) {
	if audit == nil {
		return
	}
	if actor == "" {
		actor = "unknown"
	}
	_ = audit.Log(c.Request.Context(), extensions.AuditEvent{
		EventType:    extensions.EventSupervisorAuthFail,
		Actor:        actor,
		ResourceType: "endpoint",
		ResourceID:   c.FullPath(),
		Outcome:      "denied",
		Metadata:     map[string]any{"reason": reason, "client_ip": c.ClientIP()},
	})
}

// extractBearerToken returns the token from "Authorization: Bearer <token>",
// or "" if the header is missing or malformed. The scheme is
// case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
