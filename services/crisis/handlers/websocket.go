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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/connections"
)

// SessionSocket upgrades an anonymous user's connection to a WebSocket.
//
// # Description
//
// The client presents the connection_id from the connect or reconnect
// response and its session token. The token must own the connection. The
// socket then receives every broadcast for the session until either side
// closes it.
//
// # Inputs
//
//   - conns: Connection registry that issued the connection ID.
//   - tr: The WebSocket transport conns was built with.
func SessionSocket(conns *connections.Manager, tr *connections.WebSocketTransport) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Query("connection_id")
		_, err := conns.Attach(id, sessionToken(c))
		serveSocket(c, conns, tr, id, err)
	}
}

// StaffSocket upgrades a volunteer's connection, issued by AcceptSession,
// to a WebSocket. Requires SupervisorAuth; the caller must be the
// participant the connection was issued to.
func StaffSocket(conns *connections.Manager, tr *connections.WebSocketTransport) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Query("connection_id")
		_, err := conns.AttachParticipant(id, c.Param("sessionId"), staffID(c))
		serveSocket(c, conns, tr, id, err)
	}
}

func serveSocket(c *gin.Context, conns *connections.Manager, tr *connections.WebSocketTransport, id string, attachErr error) {
	if attachErr != nil {
		status := http.StatusForbidden
		if errors.Is(attachErr, connections.ErrUnknownConnection) {
			status = http.StatusNotFound
		}
		c.AbortWithStatusJSON(status, gin.H{"error": http.StatusText(status)})
		return
	}
	defer conns.Detach(id)

	err := tr.Serve(c.Writer, c.Request, id, func() { conns.Touch(id) })
	if err != nil {
		slog.Debug("WebSocket closed", "connection_id", id, "error", err)
	}
}
