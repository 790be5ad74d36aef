package client

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/trailsd/trails/internal/wire"
)

const (
	clientWriteWait  = 10 * time.Second
	clientPongWait   = 60 * time.Second
	clientPingPeriod = clientPongWait * 9 / 10
)

// clientConn adapts *websocket.Conn to wire.Conn for the worker's side of
// the duplex channel, and carries the keepalive ping — the client is the
// active pinger here; the server only answers with pongs (spec §5
// "Suspension points"; grounded on internal/server/conn's mirrored role).
type clientConn struct {
	ws *websocket.Conn
}

func newClientConn(ws *websocket.Conn) *clientConn {
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(clientPongWait))
	})
	_ = ws.SetReadDeadline(time.Now().Add(clientPongWait))
	return &clientConn{ws: ws}
}

func (c *clientConn) ReadJSON(v any) error { return c.ws.ReadJSON(v) }

func (c *clientConn) WriteJSON(v any) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return c.ws.WriteJSON(v)
}

func (c *clientConn) Close() error { return c.ws.Close() }

func (c *clientConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *clientConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// ping sends a control-frame ping to keep the channel alive across idle
// periods (no Status/Result traffic for a while is the normal case, not the
// exception, for a long-running app).
func (c *clientConn) ping() error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

var _ wire.Conn = (*clientConn)(nil)
