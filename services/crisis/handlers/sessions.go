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
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/engine"
)

// connectFailure is the degraded connect body: the response plus a reason.
type connectFailure struct {
	*datatypes.ConnectResponse
	Error string `json:"error"`
}

// ConnectSession opens an anonymous session. An empty body is allowed.
//
// Every response, including failures, carries emergency resources.
func ConnectSession(svc CrisisService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, connectFailure{
				ConnectResponse: &datatypes.ConnectResponse{
					EmergencyResources: datatypes.DefaultEmergencyResources(),
					Degraded:           true,
				},
				Error: "malformed request body",
			})
			return
		}

		resp, err := svc.ConnectAnonymous(c.Request.Context(), req)
		if err != nil {
			status := http.StatusServiceUnavailable
			msg := "session could not be started"
			if errors.Is(err, engine.ErrInvalidRequest) {
				status, msg = http.StatusBadRequest, err.Error()
			}
			c.JSON(status, connectFailure{ConnectResponse: resp, Error: msg})
			return
		}
		c.JSON(http.StatusCreated, resp)
	}
}

type sendMessageBody struct {
	Text string `json:"text"`
}

// SendMessage appends a message from the anonymous user. Any role or
// sender fields in the body are ignored: this route only ever carries the
// user's own messages, so every one of them is assessed.
func SendMessage(svc CrisisService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body sendMessageBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
			return
		}

		stored, err := svc.SendMessage(c.Request.Context(), datatypes.SendMessageRequest{
			SessionToken: sessionToken(c),
			Text:         body.Text,
		})
		if err != nil {
			abortWithError(c, "send_message", err)
			return
		}
		c.JSON(http.StatusCreated, messageResponse(stored))
	}
}

func messageResponse(stored *datatypes.StoredMessage) datatypes.SendMessageResponse {
	resp := datatypes.SendMessageResponse{
		MessageID:  stored.ID,
		Sequence:   stored.Sequence,
		Role:       stored.Role,
		Escalation: stored.Metadata.Escalation,
	}
	if stored.Metadata.Assessment != nil {
		resp.Severity = stored.Metadata.Assessment.Severity
	}
	return resp
}

// GetMessage decrypts one message for the session owner.
func GetMessage(svc CrisisService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("messageId")
		text, err := svc.GetMessage(c.Request.Context(), id, sessionToken(c))
		if err != nil {
			abortWithError(c, "get_message", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message_id": id, "text": text})
	}
}

// EndSession resolves the caller's session.
func EndSession(svc CrisisService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.EndSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svc.EndSession(c.Request.Context(), sessionToken(c), req.Outcome); err != nil {
			abortWithError(c, "end_session", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": datatypes.StatusResolved})
	}
}

// Reconnect opens another connection for the caller's live session.
func Reconnect(svc CrisisService) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := svc.Reconnect(c.Request.Context(), sessionToken(c))
		if err != nil {
			abortWithError(c, "reconnect", err)
			return
		}
		c.JSON(http.StatusCreated, resp)
	}
}
