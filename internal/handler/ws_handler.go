/*
Package handler provides the HTTP handler function for WebSocket connection upgrading and initialization.

This file contains the HandleWebSocket function, which is responsible for rate limiting, validating
the room access token, upgrading the HTTP connection to WebSocket, and starting the relay client.
*/
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"meetmesh/internal/app/relay"
	"meetmesh/internal/pkg/auth/jwt"
	"meetmesh/internal/pkg/errs"
	"meetmesh/internal/pkg/limiter"
	"meetmesh/internal/pkg/logx"
	"meetmesh/internal/pkg/randx"
	"meetmesh/internal/pkg/resp"
)

// HandleWebSocket creates an HTTP HandlerFunc to process WebSocket connection requests.
func HandleWebSocket(upgrader websocket.Upgrader, rateLimiter *limiter.IPRateLimiter, deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rateLimiter.Allow(r) {
			logx.Warn("WebSocket connection rejected: Rate limit exceeded.", "ip", limiter.ClientIP(r))
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		roomCode := chi.URLParam(r, "code")
		if !randx.IsValidMeetingCode(roomCode) {
			logx.Warn("WebSocket request rejected: invalid meeting code", "room_code", roomCode)
			resp.RespondError(w, r, errs.NewError(errs.ErrMeetingCodeInvalid))
			return
		}

		payload, err := jwt.ParseRoomAccess(r.URL.Query().Get("token"), deps.Config.JWTSecret, roomCode)
		if err != nil {
			logx.Warn("WebSocket request rejected: invalid room access token", "room_code", roomCode, "error", err.Error())
			resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket")
			return
		}

		client := deps.Relay.NewClient(conn, relay.Grant{
			Identity:    payload.ID,
			MeetingCode: roomCode,
			DisplayName: payload.DisplayName,
			UserType:    payload.UserType,
		})

		go client.WritePump()

		logx.Info("WebSocket connection established", "identity", payload.ID, "room_code", roomCode)

		client.ReadPump()
	}
}
