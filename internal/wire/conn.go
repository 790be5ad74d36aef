package wire

import "time"

// Conn abstracts a single duplex JSON-framed channel. The server's
// per-connection handler talks to this interface rather than
// *websocket.Conn directly, so it can be exercised in tests with an
// in-memory double instead of a real socket. The client's clientConn
// implements it too, but the background worker takes the concrete
// *clientConn (it also needs its ping method).
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}
