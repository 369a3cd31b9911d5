package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/marcusweller/parley/internal/session"
	"nhooyr.io/websocket"
)

// Handler handles WebSocket upgrade requests and runs the per-connection
// read loop, decoding envelopes into typed events for the session core.
// Events are dispatched in socket arrival order, so the core sees a
// FIFO stream per connection.
type Handler struct {
	cm   *ConnManager
	core *session.Registry
}

// NewHandler creates a new WebSocket Handler.
func NewHandler(cm *ConnManager, core *session.Registry) *Handler {
	return &Handler{cm: cm, core: core}
}

// ServeHTTP upgrades the HTTP connection to a WebSocket and runs the
// read loop for the client.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow all origins in dev; tighten in production.
	})
	if err != nil {
		log.Printf("ws: accept error: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	client, connCtx := h.cm.Add(conn)
	if client == nil {
		return
	}
	defer func() {
		h.cm.Remove(client)
		h.core.HandleDisconnect(client.id)
	}()

	h.readLoop(r.Context(), connCtx, client)
}

// readLoop reads messages from the client until the connection closes
// or the connection manager cancels connCtx.
func (h *Handler) readLoop(ctx context.Context, connCtx context.Context, client *Client) {
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		_, data, err := client.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancelled.
			return
		}

		// Mark activity so idle reaping doesn't close active connections.
		h.cm.TouchActivity(client)

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.cm.ToConn(client.id, session.EventError, session.ErrorNotice{Message: "invalid JSON"})
			continue
		}

		h.dispatch(client.id, env)
	}
}

// dispatch decodes the envelope payload into its typed variant and
// hands it to the session core. Malformed payloads never reach the core.
func (h *Handler) dispatch(connID string, env Envelope) {
	switch env.Type {
	case session.EventRegister:
		var p session.RegisterPayload
		if h.decode(connID, env, &p) {
			h.core.HandleRegister(connID, p)
		}
	case session.EventLogin:
		var p session.LoginPayload
		if h.decode(connID, env, &p) {
			h.core.HandleLogin(connID, p)
		}
	case session.EventChat:
		var p session.ChatPayload
		if h.decode(connID, env, &p) {
			h.core.HandleChat(connID, p)
		}
	case session.EventWhisper:
		var p session.WhisperPayload
		if h.decode(connID, env, &p) {
			h.core.HandleWhisper(connID, p)
		}
	case session.EventEditMessage:
		var p session.EditMessagePayload
		if h.decode(connID, env, &p) {
			h.core.HandleEditMessage(connID, p)
		}
	case session.EventDeleteMessage:
		var p session.DeleteMessagePayload
		if h.decode(connID, env, &p) {
			h.core.HandleDeleteMessage(connID, p)
		}
	case session.EventTyping:
		var p session.TypingPayload
		if h.decode(connID, env, &p) {
			h.core.HandleTyping(connID, p)
		}
	case session.EventSetStatus:
		var p session.SetStatusPayload
		if h.decode(connID, env, &p) {
			h.core.HandleSetStatus(connID, p)
		}
	case session.EventAdminCommand:
		var p session.AdminCommandPayload
		if h.decode(connID, env, &p) {
			h.core.HandleAdminCommand(connID, p)
		}
	case session.EventUpdateUsers:
		h.core.HandleUpdateUsers(connID)
	default:
		h.cm.ToConn(connID, session.EventError, session.ErrorNotice{Message: "unknown event: " + env.Type})
	}
}

func (h *Handler) decode(connID string, env Envelope, v any) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		h.cm.ToConn(connID, session.EventError, session.ErrorNotice{Message: "invalid " + env.Type + " payload"})
		return false
	}
	return true
}
