// Package conn implements the server-side per-connection handler (spec
// §4.2): a three-phase state machine — registration, message loop, cleanup —
// run once per accepted duplex channel.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trailsd/trails/internal/server/bus"
	"github.com/trailsd/trails/internal/server/lifecycle"
	"github.com/trailsd/trails/internal/server/registry"
	"github.com/trailsd/trails/internal/wire"
)

// registrationTimeout bounds Phase A (spec §4.2, §5).
const registrationTimeout = 30 * time.Second

// Handler runs the three-phase per-connection state machine against a
// wire.Conn. It holds no per-connection state itself — Handle is safe to
// call concurrently for independent connections sharing one Handler.
type Handler struct {
	Store                *lifecycle.Store
	Registry             *registry.Registry
	Bus                  *bus.Bus
	Logger               *zap.Logger
	ServerInstance       string
	ServerPubKey         string
	DefaultStartDeadline int
}

// session is the per-call state threaded through the three phases.
type session struct {
	appID     string
	parentID  *string
	namespace string
	graceful  bool
	terminal  bool
}

// Handle drives one connection end to end: Phase A registration, Phase B
// message loop, Phase C cleanup. It returns only once the channel has ended.
func (h *Handler) Handle(ctx context.Context, c wire.Conn) {
	log := h.Logger
	sess, ok := h.phaseA(ctx, c)
	if !ok {
		return
	}
	log = log.With(zap.String("app_id", sess.appID))

	h.phaseB(ctx, c, sess)
	h.phaseC(ctx, sess, log)
}

// phaseA runs registration. Returns ok=false if registration failed or
// timed out — in either case the channel has already been closed and no
// Phase C cleanup is needed (the app was never durably linked to this
// channel, spec §4.2).
func (h *Handler) phaseA(ctx context.Context, c wire.Conn) (session, bool) {
	_ = c.SetReadDeadline(time.Now().Add(registrationTimeout))
	defer c.SetReadDeadline(time.Time{})

	var env wire.Envelope
	raw, err := h.readRaw(c, &env)
	if err != nil {
		h.Logger.Warn("registration read failed", zap.Error(err))
		h.sendError(c, "protocol", "no valid registration received")
		return session{}, false
	}

	switch env.Type {
	case wire.TypeRegister:
		var msg wire.RegisterMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.sendError(c, "protocol", "malformed register message")
			return session{}, false
		}
		return h.handleRegister(ctx, c, msg)

	case wire.TypeReRegister:
		var msg wire.ReRegisterMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.sendError(c, "protocol", "malformed re_register message")
			return session{}, false
		}
		return h.handleReRegister(ctx, c, msg)

	default:
		h.sendError(c, "protocol", fmt.Sprintf("unexpected message type %q during registration", env.Type))
		return session{}, false
	}
}

func (h *Handler) handleRegister(ctx context.Context, c wire.Conn, msg wire.RegisterMsg) (session, bool) {
	existing, err := h.Store.Get(ctx, msg.AppID)
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		if cerr := h.Store.CreateScheduled(ctx, msg.AppID, msg.ParentID, msg.AppName, h.DefaultStartDeadline, msg.RoleRefs, nil); cerr != nil {
			h.Logger.Error("create_scheduled failed", zap.Error(cerr))
			h.sendError(c, "db", "internal error")
			return session{}, false
		}
	case err != nil:
		h.Logger.Error("get app failed", zap.Error(err))
		h.sendError(c, "db", "internal error")
		return session{}, false
	case existing.Status != string(wire.StatusScheduled):
		h.sendError(c, "registration_failed", "app identity already active")
		return session{}, false
	}

	namespace := ""
	if msg.ProcessInfo.Namespace != nil {
		namespace = *msg.ProcessInfo.Namespace
	}

	if _, err := h.Store.Connect(ctx, msg.AppID, msg.ChildPubKey, h.ServerInstance, msg.ProcessInfo, namespace); err != nil {
		h.Logger.Warn("connect failed", zap.Error(err))
		h.sendError(c, "registration_failed", "app identity already active")
		return session{}, false
	}

	h.Registry.Insert(registry.Client{AppID: msg.AppID, ParentID: msg.ParentID, Namespace: namespace, LastSeq: 0})

	if err := c.WriteJSON(wire.RegisteredMsg{Type: wire.TypeRegistered, AppID: msg.AppID, ServerPubKey: h.ServerPubKey}); err != nil {
		h.Logger.Warn("failed to send registered ack", zap.Error(err))
		h.Registry.Remove(msg.AppID)
		_ = c.Close()
		return session{}, false
	}

	h.Bus.Publish(bus.Event{Kind: bus.KindAppConnected, AppID: msg.AppID, ParentID: msg.ParentID})

	return session{appID: msg.AppID, parentID: msg.ParentID, namespace: namespace}, true
}

func (h *Handler) handleReRegister(ctx context.Context, c wire.Conn, msg wire.ReRegisterMsg) (session, bool) {
	app, err := h.Store.Reconnect(ctx, msg.AppID, msg.PubKey, h.ServerInstance)
	if err != nil {
		h.Logger.Error("reconnect failed", zap.Error(err))
		h.sendError(c, "db", "internal error")
		return session{}, false
	}
	if app == nil {
		h.sendError(c, "registration_failed", "app not found or public key mismatch")
		return session{}, false
	}

	var parentID *string
	if app.ParentID != nil {
		parentID = app.ParentID
	}
	namespace := app.Namespace

	h.Registry.Insert(registry.Client{AppID: msg.AppID, ParentID: parentID, Namespace: namespace, LastSeq: msg.LastSeq})

	if err := c.WriteJSON(wire.RegisteredMsg{Type: wire.TypeRegistered, AppID: msg.AppID, ServerPubKey: h.ServerPubKey}); err != nil {
		h.Logger.Warn("failed to send registered ack", zap.Error(err))
		h.Registry.Remove(msg.AppID)
		_ = c.Close()
		return session{}, false
	}

	h.Bus.Publish(bus.Event{Kind: bus.KindAppConnected, AppID: msg.AppID, ParentID: parentID})

	return session{appID: msg.AppID, parentID: parentID, namespace: namespace}, true
}

// phaseB runs the message loop until the channel ends or a terminal
// message is handled gracefully.
func (h *Handler) phaseB(ctx context.Context, c wire.Conn, sess session) {
	for {
		var env wire.Envelope
		raw, err := h.readRaw(c, &env)
		if err != nil {
			// Transport ended without a preceding disconnect — non-graceful.
			return
		}

		switch env.Type {
		case wire.TypeMessage:
			var msg wire.DataMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				h.sendError(c, "protocol", "malformed message")
				return
			}
			if msg.AppID != sess.appID {
				h.sendError(c, "protocol", "app_id mismatch")
				return
			}
			if h.handleDataMessage(ctx, c, &sess, msg) {
				return // terminal message handled, exit gracefully
			}

		case wire.TypeDisconnect:
			var msg wire.DisconnectMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				h.sendError(c, "protocol", "malformed disconnect")
				return
			}
			if msg.AppID != sess.appID {
				h.sendError(c, "protocol", "app_id mismatch")
				return
			}
			h.handleDisconnect(ctx, &sess, msg)
			return

		case wire.TypeRegister, wire.TypeReRegister:
			h.sendError(c, "protocol", "duplicate registration")
			return

		default:
			h.sendError(c, "protocol", fmt.Sprintf("unexpected message type %q", env.Type))
			return
		}
	}
}

// handleDataMessage processes one "message" frame. Returns true if the
// message was terminal (Result or Error) and the channel should close
// gracefully.
func (h *Handler) handleDataMessage(ctx context.Context, c wire.Conn, sess *session, msg wire.DataMsg) bool {
	switch msg.Header.MsgType {
	case wire.MsgStatus:
		// Best-effort: a set_running race with an already-running app is a
		// normal idempotent no-op, not a failure worth surfacing.
		_ = h.Store.SetRunning(ctx, sess.appID)

		correlationID := ""
		if msg.Header.CorrelationID != nil {
			correlationID = *msg.Header.CorrelationID
		}
		if err := h.Store.StoreStatusMessage(ctx, sess.appID, sess.namespace, msg.Header.Seq, correlationID, msg.Payload); err != nil {
			h.Logger.Error("store status message failed", zap.Error(err))
			return false
		}

		h.Registry.UpdateLastSeq(sess.appID, msg.Header.Seq)
		sess.terminal = false
		h.Bus.Publish(bus.Event{Kind: bus.KindMessageStored, AppID: sess.appID, ParentID: sess.parentID, MsgType: wire.MsgStatus, Seq: msg.Header.Seq})
		h.ack(c, msg.Header.Seq)
		return false

	case wire.MsgResult:
		h.storeAndAck(ctx, c, sess, msg, wire.StatusDone)
		return true

	case wire.MsgError:
		h.storeAndAck(ctx, c, sess, msg, wire.StatusError)
		return true

	default:
		// Control and any other data message type: store, ack, not terminal.
		correlationID := ""
		if msg.Header.CorrelationID != nil {
			correlationID = *msg.Header.CorrelationID
		}
		if err := h.Store.StoreMessage(ctx, sess.appID, "in", msg.Header.MsgType, msg.Header.Seq, correlationID, msg.Payload); err != nil {
			h.Logger.Error("store message failed", zap.Error(err))
			return false
		}
		h.Registry.UpdateLastSeq(sess.appID, msg.Header.Seq)
		h.Bus.Publish(bus.Event{Kind: bus.KindMessageStored, AppID: sess.appID, ParentID: sess.parentID, MsgType: msg.Header.MsgType, Seq: msg.Header.Seq})
		h.ack(c, msg.Header.Seq)
		return false
	}
}

// storeAndAck stores a terminal (Result/Error) data message, transitions
// the app to the given terminal status, publishes MessageStored followed by
// AppTerminal, and acks. Used by both the Result and Error branches.
func (h *Handler) storeAndAck(ctx context.Context, c wire.Conn, sess *session, msg wire.DataMsg, terminal wire.Status) {
	correlationID := ""
	if msg.Header.CorrelationID != nil {
		correlationID = *msg.Header.CorrelationID
	}
	if err := h.Store.StoreMessage(ctx, sess.appID, "in", msg.Header.MsgType, msg.Header.Seq, correlationID, msg.Payload); err != nil {
		h.Logger.Error("store message failed", zap.Error(err))
		return
	}
	h.Registry.UpdateLastSeq(sess.appID, msg.Header.Seq)
	h.Bus.Publish(bus.Event{Kind: bus.KindMessageStored, AppID: sess.appID, ParentID: sess.parentID, MsgType: msg.Header.MsgType, Seq: msg.Header.Seq})

	if err := h.Store.SetTerminal(ctx, sess.appID, terminal); err != nil {
		h.Logger.Error("set_terminal failed", zap.Error(err))
	}
	h.Bus.Publish(bus.Event{Kind: bus.KindAppTerminal, AppID: sess.appID, ParentID: sess.parentID, Status: string(terminal)})

	sess.terminal = true
	sess.graceful = true
	h.ack(c, msg.Header.Seq)
}

// handleDisconnect maps a disconnect reason to a terminal status (spec
// §4.2, §9 open question 3) and transitions the app. The raw reason is
// preserved on the message log rather than silently collapsed, even though
// the status transition always follows the fixed "unknown -> done" mapping.
func (h *Handler) handleDisconnect(ctx context.Context, sess *session, msg wire.DisconnectMsg) {
	status := wire.StatusDone
	switch msg.Reason {
	case "error", "failed":
		status = wire.StatusError
	}

	reasonPayload, _ := json.Marshal(map[string]string{"reason": msg.Reason})
	if err := h.Store.StoreMessage(ctx, sess.appID, "in", wire.MsgControl, 0, "", reasonPayload); err != nil {
		h.Logger.Error("store disconnect reason failed", zap.Error(err))
	}

	if err := h.Store.SetTerminal(ctx, sess.appID, status); err != nil {
		h.Logger.Error("set_terminal failed on disconnect", zap.Error(err))
	}

	h.Bus.Publish(bus.Event{Kind: bus.KindAppTerminal, AppID: sess.appID, ParentID: sess.parentID, Status: string(status)})

	sess.terminal = true
	sess.graceful = true
}

// phaseC removes the connection's registry entry and, if the channel ended
// without a graceful disconnect/terminal message, records a crash (spec
// §4.2 Phase C).
func (h *Handler) phaseC(ctx context.Context, sess session, log *zap.Logger) {
	h.Registry.Remove(sess.appID)

	if sess.graceful {
		return
	}

	if err := h.Store.SetCrashed(ctx, sess.appID); err != nil {
		log.Error("set_crashed failed", zap.Error(err))
	}
	if err := h.Store.RecordCrash(ctx, sess.appID, wire.CrashConnectionDrop, nil, nil); err != nil {
		log.Error("record_crash failed", zap.Error(err))
	}
	// AppTerminal is intentionally NOT published here (spec scenario S3):
	// a non-graceful drop is signalled solely via CrashDetected.
	h.Bus.Publish(bus.Event{Kind: bus.KindCrashDetected, AppID: sess.appID, ParentID: sess.parentID, CrashType: string(wire.CrashConnectionDrop)})
}

func (h *Handler) ack(c wire.Conn, seq int64) {
	if err := c.WriteJSON(wire.AckMsg{Type: wire.TypeAck, Seq: seq}); err != nil {
		h.Logger.Warn("failed to send ack", zap.Error(err), zap.Int64("seq", seq))
	}
}

func (h *Handler) sendError(c wire.Conn, code, message string) {
	_ = c.WriteJSON(wire.ServerErrorMsg{Type: wire.TypeError, Code: code, Message: message})
	_ = c.Close()
}

// readRaw decodes one frame into env for dispatch while also returning the
// raw bytes so the caller can re-decode into the concrete message type
// without a second round trip to the transport.
func (h *Handler) readRaw(c wire.Conn, env *wire.Envelope) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.ReadJSON(&raw); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, err
	}
	return raw, nil
}
