// Package client is the foreground half of the TRAILS client library (spec
// §4.4): a cheap handle an application holds for its entire lifetime,
// backed by a background worker goroutine that owns the actual channel.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trailsd/trails/client/identity"
	"github.com/trailsd/trails/internal/wire"
)

// envConfigVar is the well-known environment slot init() reads from (spec
// §6.4 "TRAILS_INFO").
const envConfigVar = "TRAILS_INFO"

// outboundQueueCapacity bounds the foreground's non-blocking submission
// queue (spec §4.5 "suggested capacity 256").
const outboundQueueCapacity = 256

// shutdownGrace is how long Shutdown waits for the worker to flush the
// final Disconnect before returning (spec §4.4).
const shutdownGrace = 100 * time.Millisecond

// Handle is the foreground API an application holds. Every method is
// non-blocking; a Handle obtained via Init with no TRAILS_INFO present (or
// an undecodable one) is quiescent: every method silently succeeds and
// IsActive reports false (spec §9 "NoConfig").
type Handle struct {
	active    bool
	cfg       wire.Config
	seq       atomic.Int64
	connected atomic.Bool
	outbound  chan outboundMsg
}

// Init builds a Handle from the TRAILS_INFO environment variable. Absence
// or a decode failure yields a quiescent handle, never an error — a client
// library must never be the reason an application fails to start.
func Init() (*Handle, error) {
	raw, ok := os.LookupEnv(envConfigVar)
	if !ok || raw == "" {
		return &Handle{}, nil
	}
	cfg, err := wire.DecodeConfig(raw)
	if err != nil {
		return &Handle{}, nil
	}
	return InitWith(cfg)
}

// InitWith builds an active Handle directly from cfg, bypassing the
// environment (spec §4.4 "init_with").
func InitWith(cfg wire.Config) (*Handle, error) {
	keys, err := identity.Generate()
	if err != nil {
		return nil, fmt.Errorf("client: generate identity: %w", err)
	}

	h := &Handle{
		active:   true,
		cfg:      cfg,
		outbound: make(chan outboundMsg, outboundQueueCapacity),
	}

	w := &worker{
		cfg:       cfg,
		keys:      keys,
		outbound:  h.outbound,
		connected: &h.connected,
		logger:    zap.NewNop(),
	}
	// The worker runs for the lifetime of the process. Shutdown is
	// cooperative (spec §4.4, §5): it never forcibly cancels this task,
	// so there is no context to cancel here — only a Disconnect to send.
	go w.run(context.Background())

	return h, nil
}

// IsActive reports whether this handle is backed by a real configuration
// (as opposed to the quiescent no-op handle Init returns when TRAILS_INFO
// is absent).
func (h *Handle) IsActive() bool { return h.active }

// IsConnected reports whether the background worker currently has an open,
// registered channel.
func (h *Handle) IsConnected() bool {
	if !h.active {
		return false
	}
	return h.connected.Load()
}

// Status enqueues a Status message. It always "succeeds" from the caller's
// perspective: if the outbound queue is full or the handle is quiescent,
// the message is silently dropped (spec §4.4 "fail silently during
// disconnection").
func (h *Handle) Status(payload any, correlationID ...string) {
	h.send(wire.MsgStatus, payload, correlationID...)
}

// Result enqueues a Result message — conventionally the last message an
// app sends before Shutdown.
func (h *Handle) Result(payload any, correlationID ...string) {
	h.send(wire.MsgResult, payload, correlationID...)
}

// Error enqueues an Error message.
func (h *Handle) Error(msg string, detail any) {
	payload := map[string]any{"message": msg}
	if detail != nil {
		payload["detail"] = detail
	}
	h.send(wire.MsgError, payload)
}

func (h *Handle) send(msgType string, payload any, correlationID ...string) {
	if !h.active {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	var corr *string
	if len(correlationID) > 0 && correlationID[0] != "" {
		corr = &correlationID[0]
	}

	msg := outboundMsg{
		kind:          outboundData,
		seq:           h.seq.Add(1),
		msgType:       msgType,
		payload:       body,
		correlationID: corr,
	}

	select {
	case h.outbound <- msg:
	default:
		// Queue full: dropped. This is the explicit disconnected-client
		// contract (spec §4.5 "Queue dropping"), not an error condition.
	}
}

// Shutdown enqueues a graceful Disconnect and waits a brief grace period
// for the worker to flush it before returning. It never blocks on actual
// network I/O and never forcibly cancels the worker (spec §4.4, §5).
func (h *Handle) Shutdown() {
	if !h.active {
		return
	}
	select {
	case h.outbound <- outboundMsg{kind: outboundDisconnect, reason: "completed"}:
	default:
	}
	time.Sleep(shutdownGrace)
}

// CreateChild derives a configuration blob for a new child app: same
// server endpoint, security level, role references, originator, and start
// deadline, with a fresh app identifier and parent_id set to this handle's
// app id (spec §4.4 "create_child"). It is a pure function of the parent
// config — no call to the server is made here.
func (h *Handle) CreateChild(name string) (wire.Config, error) {
	if !h.active {
		return wire.Config{}, fmt.Errorf("client: handle is not active")
	}
	parentID := h.cfg.AppID
	return wire.Config{
		V:             h.cfg.V,
		AppID:         uuid.NewString(),
		ParentID:      &parentID,
		AppName:       name,
		ServerEP:      h.cfg.ServerEP,
		ServerPubKey:  h.cfg.ServerPubKey,
		SecLevel:      h.cfg.SecLevel,
		StartDeadline: h.cfg.StartDeadline,
		Originator:    h.cfg.Originator,
		RoleRefs:      h.cfg.RoleRefs,
	}, nil
}
