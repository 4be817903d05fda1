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
	"github.com/AleutianAI/AleutianCrisis/services/crisis/middleware"
)

// Staff handlers address sessions by the :sessionId path parameter and
// identify the caller from SupervisorAuth. They require that middleware.

// staffID returns the authenticated caller, or "".
func staffID(c *gin.Context) string {
	if info := middleware.GetAuthInfo(c); info != nil {
		return info.UserID
	}
	return ""
}

type acceptBody struct {
	VolunteerID string `json:"volunteer_id"`
}

// AcceptSession lets a volunteer join a session. volunteer_id defaults to
// the caller, so a supervisor may also hand a session to a named volunteer.
func AcceptSession(svc CrisisService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body acceptBody
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
			return
		}
		if body.VolunteerID == "" {
			body.VolunteerID = staffID(c)
		}

		resp, err := svc.AcceptVolunteer(c.Request.Context(), datatypes.AcceptSessionRequest{
			SessionID:   c.Param("sessionId"),
			VolunteerID: body.VolunteerID,
		})
		if err != nil {
			abortWithError(c, "accept_session", err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

type staffMessageBody struct {
	Text string               `json:"text"`
	Role datatypes.SenderRole `json:"role"`
}

// SendStaffMessage appends a message from the caller. Role defaults to
// volunteer; the sender is always the authenticated caller.
func SendStaffMessage(svc CrisisService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body staffMessageBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
			return
		}
		if body.Role == "" {
			body.Role = datatypes.RoleVolunteer
		}

		stored, err := svc.SendStaffMessage(c.Request.Context(), datatypes.StaffMessageRequest{
			SessionID: c.Param("sessionId"),
			SenderID:  staffID(c),
			Role:      body.Role,
			Text:      body.Text,
		})
		if err != nil {
			abortWithError(c, "send_staff_message", err)
			return
		}
		c.JSON(http.StatusCreated, messageResponse(stored))
	}
}

// GetStaffMessage decrypts one message for the volunteer assigned to the
// session.
func GetStaffMessage(svc CrisisService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("messageId")
		text, err := svc.GetStaffMessage(c.Request.Context(), c.Param("sessionId"), id, staffID(c))
		if err != nil {
			abortWithError(c, "get_staff_message", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message_id": id, "text": text})
	}
}
