package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/andi/realtime/internal/domain"
	"github.com/andi/realtime/internal/listener"
	"github.com/andi/realtime/internal/realtime"
	"github.com/andi/realtime/internal/ws"
)

const kindConnected = "connected"

// resolveRecipient picks the identity a handshake registers under. Without a session the
// claimed userId is trusted as-is unless sessions are required; with one, the claim must match.
func (r *Router) resolveRecipient(w http.ResponseWriter, req *http.Request) (string, bool) {
	claimed := claimedRecipient(req)

	info, hasSession, err := r.handshakeSession(req)
	if err != nil {
		r.logger.Warn("handshake session invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return "", false
	}
	if hasSession {
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(context.WithValue(req.Context(), contextKeyAuth, info))
		}
		if claimed == "" {
			return info.UserID, true
		}
		if claimed != info.UserID {
			r.logger.Warn("handshake identity mismatch", "claimed", claimed, "session_user", info.UserID)
			writeError(w, http.StatusForbidden, "userId does not match session")
			return "", false
		}
		return claimed, true
	}
	if r.requireSession {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	if claimed == "" {
		writeError(w, http.StatusBadRequest, "userId query parameter required")
		return "", false
	}
	return claimed, true
}

func (r *Router) handleWebsocket(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	recipientID, ok := r.resolveRecipient(w, req)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := ws.NewClient(conn, r.writeTimeout, r.logger)
	connection := ws.NewConnection(recipientID, client, r.now())
	conn.SetReadLimit(maxInboundFrame)
	conn.SetPongHandler(func(string) error {
		connection.MarkPong(r.now())
		return nil
	})
	if err := r.registry.Add(recipientID, connection); err != nil {
		r.logger.Error("register websocket connection failed", "recipient_id", recipientID, "error", err)
		_ = connection.Close()
		return
	}
	r.sendConnected(connection, recipientID)
	go r.readPump(conn, connection)
}

// readPump drains inbound frames so control frames are processed. Any inbound frame counts as
// a liveness acknowledgement.
func (r *Router) readPump(conn *websocket.Conn, connection *ws.Connection) {
	defer func() {
		_ = connection.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Debug("websocket read failed", "connection_id", connection.ID(), "error", err)
			}
			return
		}
		connection.MarkPong(r.now())
	}
}

func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	recipientID, ok := r.resolveRecipient(w, req)
	if !ok {
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := http.NewResponseController(w).Flush(); err != nil {
		r.logger.Warn("sse stream flush failed", "recipient_id", recipientID, "error", err)
		return
	}

	client := ws.NewSSEClient(w, r.writeTimeout, r.logger)
	connection := ws.NewConnection(recipientID, client, r.now())
	defer client.Release()
	if err := r.registry.Add(recipientID, connection); err != nil {
		r.logger.Error("register sse connection failed", "recipient_id", recipientID, "error", err)
		return
	}
	r.sendConnected(connection, recipientID)

	select {
	case <-req.Context().Done():
	case <-client.Done():
	}
	_ = connection.Close()
}

func (r *Router) sendConnected(connection *ws.Connection, recipientID string) {
	mode := realtime.ModePolling
	var polling realtime.PollingContract
	if r.controller != nil {
		mode = r.controller.Mode()
		polling = r.controller.Polling()
	}
	now := r.now()
	frame, err := ws.EncodeEnvelope(recipientID, kindConnected, map[string]any{
		"connectionId":    connection.ID(),
		"recipientId":     recipientID,
		"mode":            mode,
		"pollIntervalMs":  polling.IntervalMs,
		"fallbackDelayMs": polling.FallbackDelayMs,
	}, now, now)
	if err != nil {
		r.logger.Warn("encode connected frame failed", "error", err)
		return
	}
	if err := connection.Send(frame); err != nil {
		r.logger.Warn("connected frame not delivered", "connection_id", connection.ID(), "error", err)
		_ = connection.Close()
	}
}

type statusAction struct {
	Action      string `json:"action"`
	RecipientID string `json:"recipientId"`
	UserID      string `json:"userId"`
	Message     string `json:"message"`
	Loopback    bool   `json:"loopback"`
	Broadcast   bool   `json:"broadcast"`
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if r.controller == nil {
		writeError(w, http.StatusServiceUnavailable, "realtime subsystem unavailable")
		return
	}
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, r.controller.Status())
	case http.MethodPost:
		var payload statusAction
		if err := decodeJSON(w, req, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		switch strings.TrimSpace(payload.Action) {
		case "test_notification":
			r.handleTestNotification(w, req, payload)
		case "get_statistics":
			writeJSON(w, http.StatusOK, map[string]any{
				"success":    true,
				"action":     "get_statistics",
				"statistics": r.controller.Statistics(),
				"websocket":  r.controller.ConnectionStats(),
				"timestamp":  r.now().UTC().Format(time.RFC3339Nano),
			})
		case "":
			writeError(w, http.StatusBadRequest, "action is required")
		default:
			writeError(w, http.StatusBadRequest, "unknown action")
		}
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleTestNotification(w http.ResponseWriter, req *http.Request, payload statusAction) {
	recipientID := strings.TrimSpace(payload.RecipientID)
	if recipientID == "" {
		recipientID = strings.TrimSpace(payload.UserID)
	}
	if recipientID == "" && !payload.Broadcast {
		if info, ok := authInfoFromContext(req.Context()); ok {
			recipientID = info.UserID
		}
	}
	result, err := r.controller.SendTest(req.Context(), realtime.TestRequest{
		RecipientID: recipientID,
		Message:     payload.Message,
		Loopback:    payload.Loopback,
		Broadcast:   payload.Broadcast,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrMissingRecipient):
			writeError(w, http.StatusBadRequest, "recipientId is required")
		case errors.Is(err, listener.ErrNotSubscribed), errors.Is(err, realtime.ErrPublisherUnavailable):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			r.logger.Error("test notification failed", "recipient_id", recipientID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to send test notification")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"action":      "test_notification",
		"recipientId": result.RecipientID,
		"message":     result.Message,
		"loopback":    result.Loopback,
		"broadcast":   result.Broadcast,
		"delivery":    result.Delivery,
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	if r.controller != nil {
		components["realtime"] = map[string]any{
			"mode":     r.controller.Mode(),
			"degraded": r.controller.Degraded(),
		}
	}
	if r.registry != nil {
		components["connections"] = r.registry.TotalCount()
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  r.now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}
