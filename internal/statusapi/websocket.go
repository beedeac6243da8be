// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package statusapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsBuffer       = 32
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleStateWS handles GET /v1/state/ws. The current snapshot is sent on
// connect, then every new one. A slow client misses intermediate
// snapshots rather than stalling the orchestrator.
func (s *Server) handleStateWS(c *gin.Context) {
	logger := s.requestLogger(c, "handleStateWS")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()
	logger.Info("state subscriber connected")

	snaps, unsubscribe := s.deps.Lifecycle.Subscribe(wsBuffer)
	defer unsubscribe()

	// The client sends nothing; reading only detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			logger.Info("state subscriber disconnected")
			return
		case <-c.Request.Context().Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(snap); err != nil {
				logger.Warn("failed to write snapshot", "error", err)
				return
			}
		}
	}
}
