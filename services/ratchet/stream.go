// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratchet

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
	streamBuffer       = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleLedgerStream handles GET /v1/ledger/stream.
//
// # Description
//
// Upgrades to a websocket and sends every ledger event appended after the
// connection opens as one JSON text message. The type, unit_id, namespace
// and field.<name> query parameters filter the feed the same way they
// filter GET /v1/ledger. A client that falls too far behind misses events.
// The stream ends when the client disconnects or the ledger closes.
func (h *Handlers) HandleLedgerStream(c *gin.Context) {
	logger := h.requestLogger(c, "HandleLedgerStream")

	f, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_QUERY"})
		return
	}

	// Subscribe before the handshake completes so nothing appended after the
	// client sees the upgrade is missed.
	events, cancelSub := h.svc.Ledger().Subscribe(streamBuffer)
	defer cancelSub()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()
	logger.Info("Ledger stream client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The read loop only detects the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("Ledger stream client disconnected", slog.Int("sent", sent))
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "ledger closed"),
					time.Now().Add(streamWriteTimeout))
				return
			}
			if !f.Match(e) {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := ws.WriteJSON(e); err != nil {
				logger.Warn("Failed to write WebSocket JSON", "error", err)
				return
			}
			sent++
		}
	}
}
