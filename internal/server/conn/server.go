package conn

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// upgrader accepts any Origin: trailsd is a control-plane channel between a
// process and its own server, never a browser client, so CSRF-style origin
// checks do not apply here.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler returns an http.HandlerFunc that upgrades the request to a
// WebSocket and hands it to Handler.Handle for the lifetime of the
// connection (spec §6.2 "GET /ws").
func (h *Handler) WSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.Logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer ws.Close()

		h.Handle(r.Context(), newGorillaConn(ws))
	}
}
