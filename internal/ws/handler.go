package ws

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades dashboard connections and answers their requests. New
// clients immediately receive the latest completed run.
type Handler struct {
	hub    *Hub
	bridge *Bridge
	logger *zap.Logger
}

func NewHandler(hub *Hub, bridge *Bridge, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{hub: hub, bridge: bridge, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:  h.hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	h.hub.Register(client)
	go client.writePump()

	h.sendLatest(client)
	h.readPump(client)
}

func (h *Handler) readPump(c *Client) {
	defer func() {
		h.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket read failed", zap.Error(err))
			}
			return
		}
		h.handleMessage(c, msg)
	}
}

func (h *Handler) handleMessage(c *Client, msg []byte) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		h.logger.Debug("Invalid message", zap.Error(err))
		return
	}

	switch env.Type {
	case TypeRunRequestLatest:
		h.sendLatest(c)
	default:
		h.logger.Debug("Unknown message type", zap.String("type", env.Type))
	}
}

func (h *Handler) sendLatest(c *Client) {
	if msg, ok := h.bridge.Latest(); ok {
		c.trySend(msg)
		return
	}
	msg, err := NewEnvelope(TypeRunNone, nil)
	if err != nil {
		return
	}
	c.trySend(msg)
}
