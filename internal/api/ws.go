package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/agentsentinel/controlplane/internal/broadcast"
	"github.com/agentsentinel/controlplane/internal/eventhub"
)

// WSHandler handles the WebSocket upgrade endpoint GET /ws. Subscription is
// client-driven: the session starts with no subscriptions and the client
// sends {action: "subscribe", agentAddress} control frames after
// connecting.
type WSHandler struct {
	hub    *eventhub.Hub
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *eventhub.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{hub: hub, logger: logger.Named("ws_handler")}
}

// ServeWS handles GET /ws. It upgrades the connection and blocks for the
// life of the session — expected for a WebSocket handler.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sess, err := broadcast.Upgrade(h.hub, w, r, h.logger)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}

	h.logger.Info("ws: client connected", zap.String("remote_addr", r.RemoteAddr))
	sess.Run()
	h.logger.Info("ws: client disconnected", zap.String("remote_addr", r.RemoteAddr))
}
