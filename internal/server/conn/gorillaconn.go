package conn

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/trailsd/trails/internal/wire"
)

// Keepalive tuning for a control channel rather than a browser push feed —
// generous enough for a process_info payload plus a few KB of application
// payload, but short enough to notice a dead peer quickly.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20 // 1 MiB
)

// gorillaConn adapts *websocket.Conn to wire.Conn. gorilla's Conn only
// guarantees one concurrent reader and one concurrent writer, so callers
// must serialize their own writes (the handler does this with its own
// single-writer discipline per connection).
type gorillaConn struct {
	ws *websocket.Conn
}

// newGorillaConn wraps ws with the keepalive settings appropriate for a
// long-lived control channel and starts its pong handler.
func newGorillaConn(ws *websocket.Conn) wire.Conn {
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &gorillaConn{ws: ws}
}

func (c *gorillaConn) ReadJSON(v any) error { return c.ws.ReadJSON(v) }

func (c *gorillaConn) WriteJSON(v any) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *gorillaConn) Close() error { return c.ws.Close() }

func (c *gorillaConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *gorillaConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
