// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the crisis engine over HTTP.
//
// Anonymous endpoints identify the session by the X-Session-Token header,
// never by a path or query parameter, so tokens stay out of access logs.
// Staff endpoints identify it by session ID and never see the token.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/emergency"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/engine"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage"
)

// SessionTokenHeader carries the anonymous session token.
const SessionTokenHeader = "X-Session-Token"

// CrisisService is the engine surface the handlers use.
type CrisisService interface {
	ConnectAnonymous(ctx context.Context, req datatypes.ConnectRequest) (*datatypes.ConnectResponse, error)
	SendMessage(ctx context.Context, req datatypes.SendMessageRequest) (*datatypes.StoredMessage, error)
	GetMessage(ctx context.Context, messageID, token string) (string, error)
	EndSession(ctx context.Context, token, outcome string) error
	Reconnect(ctx context.Context, token string) (*datatypes.JoinResponse, error)
	AcceptVolunteer(ctx context.Context, req datatypes.AcceptSessionRequest) (*datatypes.JoinResponse, error)
	SendStaffMessage(ctx context.Context, req datatypes.StaffMessageRequest) (*datatypes.StoredMessage, error)
	GetStaffMessage(ctx context.Context, sessionID, messageID, volunteerID string) (string, error)
	CompleteOverride(ctx context.Context, overrideID, supervisor string, req datatypes.CompleteOverrideRequest) error
	PerformanceReport(ctx context.Context) (*engine.Report, error)
}

var _ CrisisService = (*engine.Engine)(nil)

// statusFor maps engine and storage errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrSessionNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrSessionEnded):
		return http.StatusGone
	case errors.Is(err, engine.ErrVolunteerMismatch),
		errors.Is(err, engine.ErrSessionUnavailable),
		errors.Is(err, storage.ErrCapacityExceeded),
		errors.Is(err, emergency.ErrOverrideCompleted):
		return http.StatusConflict
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// abortWithError writes a sanitized error body. Internal details are
// logged, never returned.
func abortWithError(c *gin.Context, op string, err error) {
	status := statusFor(err)
	msg := http.StatusText(status)
	switch status {
	case http.StatusInternalServerError:
		slog.Error("Request failed", "operation", op, "error", err)
	case http.StatusBadRequest:
		msg = err.Error()
	default:
		slog.Debug("Request rejected", "operation", op, "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func sessionToken(c *gin.Context) string {
	return c.GetHeader(SessionTokenHeader)
}
