package client

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/trailsd/trails/client/identity"
	"github.com/trailsd/trails/client/probe"
	"github.com/trailsd/trails/internal/wire"
)

const (
	handshakeTimeout = 10 * time.Second
	backoffBase      = 100 * time.Millisecond
	backoffCap       = 30 * time.Second
)

type outboundKind int

const (
	outboundData outboundKind = iota
	outboundDisconnect
)

type outboundMsg struct {
	kind          outboundKind
	seq           int64
	msgType       string
	payload       json.RawMessage
	correlationID *string
	reason        string
}

// worker is the background connection task (spec §4.5): it owns the
// channel, the outbound queue receiver, the last-seq high-water mark, and
// the reconnect attempt counter. The foreground Handle never touches these.
type worker struct {
	cfg       wire.Config
	keys      identity.KeyPair
	outbound  <-chan outboundMsg
	connected *atomic.Bool
	logger    *zap.Logger

	lastSeq      int64
	firstConnect bool
	attempt      int
}

// run drives the connect -> handshake -> running loop until ctx is
// cancelled or a graceful Disconnect has been sent.
func (w *worker) run(ctx context.Context) {
	w.firstConnect = true

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := w.connect(ctx)
		if err != nil {
			w.logger.Debug("connect failed", zap.Error(err))
			if w.sleepBackoff(ctx) {
				return
			}
			continue
		}

		if !w.handshake(ctx, conn) {
			_ = conn.Close()
			if w.sleepBackoff(ctx) {
				return
			}
			continue
		}

		w.attempt = 0
		w.connected.Store(true)
		graceful := w.runSession(ctx, conn)
		_ = conn.Close()
		w.connected.Store(false)

		if graceful {
			return
		}
		if w.sleepBackoff(ctx) {
			return
		}
	}
}

func (w *worker) connect(ctx context.Context) (*clientConn, error) {
	url := wire.NormalizeWSURL(w.cfg.ServerEP)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newClientConn(ws), nil
}

// handshake sends register or re_register and waits up to handshakeTimeout
// for one reply frame, decoded and dispatched by its "type" field (spec §9
// open question 2 — never a substring search).
func (w *worker) handshake(ctx context.Context, conn *clientConn) bool {
	if w.firstConnect {
		msg := wire.RegisterMsg{
			Type:        wire.TypeRegister,
			AppID:       w.cfg.AppID,
			ParentID:    w.cfg.ParentID,
			AppName:     w.cfg.AppName,
			ChildPubKey: w.keys.WireString(),
			ProcessInfo: probe.Collect(),
			RoleRefs:    w.cfg.RoleRefs,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return false
		}
	} else {
		msg := wire.ReRegisterMsg{
			Type:    wire.TypeReRegister,
			AppID:   w.cfg.AppID,
			LastSeq: w.lastSeq,
			PubKey:  w.keys.WireString(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return false
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var raw json.RawMessage
	if err := conn.ReadJSON(&raw); err != nil {
		w.logger.Debug("handshake read failed", zap.Error(err))
		return false
	}
	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}

	switch env.Type {
	case wire.TypeRegistered:
		w.firstConnect = false
		return true
	default:
		w.logger.Debug("handshake rejected", zap.String("type", env.Type))
		return false
	}
}

// runSession is the steady-state phase: multiplex the outbound queue
// against the inbound reader until the channel breaks or a graceful
// Disconnect is sent. Returns true if the worker should exit entirely.
func (w *worker) runSession(ctx context.Context, conn *clientConn) bool {
	inbound := make(chan json.RawMessage, 1)
	inboundErr := make(chan error, 1)
	go func() {
		for {
			var raw json.RawMessage
			if err := conn.ReadJSON(&raw); err != nil {
				inboundErr <- err
				return
			}
			inbound <- raw
		}
	}()

	ticker := time.NewTicker(clientPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false

		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return false
			}

		case out, ok := <-w.outbound:
			if !ok {
				return false
			}
			if w.sendOutbound(conn, out) {
				return true
			}

		case raw, ok := <-inbound:
			if !ok {
				return false
			}
			// Acks and future control frames are consumed silently (spec
			// §4.5): the worker has no foreground callback for them yet.
			var env wire.Envelope
			_ = json.Unmarshal(raw, &env)

		case <-inboundErr:
			return false
		}
	}
}

// sendOutbound writes one dequeued item to the wire. Returns true if it was
// a Disconnect and the worker should exit gracefully.
func (w *worker) sendOutbound(conn *clientConn, out outboundMsg) bool {
	switch out.kind {
	case outboundDisconnect:
		_ = conn.WriteJSON(wire.DisconnectMsg{Type: wire.TypeDisconnect, AppID: w.cfg.AppID, Reason: out.reason})
		return true

	default:
		msg := wire.DataMsg{
			Type:  wire.TypeMessage,
			AppID: w.cfg.AppID,
			Header: wire.MsgHeader{
				MsgType:       out.msgType,
				Timestamp:     time.Now().UnixMilli(),
				Seq:           out.seq,
				CorrelationID: out.correlationID,
			},
			Payload: out.payload,
		}
		if err := conn.WriteJSON(msg); err != nil {
			w.logger.Debug("send failed, reconnecting", zap.Error(err))
			// Closing the channel fails the reader goroutine, which ends
			// runSession and sends the worker back to reconnect.
			_ = conn.Close()
			return false
		}
		w.lastSeq = out.seq
		return false
	}
}

// sleepBackoff sleeps base+jitter for the current attempt and increments
// it (spec §4.6). Returns true if ctx was cancelled during the sleep.
func (w *worker) sleepBackoff(ctx context.Context) bool {
	shift := w.attempt
	if shift > 9 {
		shift = 9 // saturate: 100ms*2^9 (51.2s) already exceeds the 30s cap
	}
	base := backoffBase * time.Duration(1<<uint(shift))
	if base > backoffCap {
		base = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	w.attempt++

	select {
	case <-ctx.Done():
		return true
	case <-time.After(base + jitter):
		return false
	}
}
