package conn

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/trailsd/trails/internal/server/bus"
	"github.com/trailsd/trails/internal/server/db"
	"github.com/trailsd/trails/internal/server/lifecycle"
	"github.com/trailsd/trails/internal/server/registry"
	"github.com/trailsd/trails/internal/wire"
)

// fakeConn is an in-memory wire.Conn driven by two queues, letting a test
// script both sides of a connection without a real socket.
type fakeConn struct {
	inbound chan any
	sent    chan any
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan any, 16), sent: make(chan any, 16)}
}

func (f *fakeConn) ReadJSON(v any) error {
	msg, ok := <-f.inbound
	if !ok {
		return errClosedFake
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (f *fakeConn) WriteJSON(v any) error {
	f.sent <- v
	return nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

var errClosedFake = &fakeClosedErr{}

type fakeClosedErr struct{}

func (*fakeClosedErr) Error() string { return "fake conn closed" }

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	gdb, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      "file:" + t.Name() + "?mode=memory&cache=shared",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	return &Handler{
		Store:                lifecycle.New(gdb),
		Registry:             registry.New(),
		Bus:                  bus.New(bus.DefaultCapacity),
		Logger:               zap.NewNop(),
		ServerInstance:       "test-instance",
		ServerPubKey:         "ed25519:server-key",
		DefaultStartDeadline: 300,
	}
}

func TestHandleRegisterThenResultReachesDone(t *testing.T) {
	h := newTestHandler(t)
	c := newFakeConn()

	c.inbound <- wire.RegisterMsg{
		Type:        wire.TypeRegister,
		AppID:       "app-1",
		AppName:     "demo",
		ChildPubKey: "ed25519:child-key",
		RoleRefs:    []string{},
	}

	sub := h.Bus.Subscribe()
	defer h.Bus.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), c)
		close(done)
	}()

	if ev := <-sub; ev.Kind != bus.KindAppConnected || ev.AppID != "app-1" {
		t.Fatalf("expected AppConnected, got %+v", ev)
	}
	if got := <-c.sent; got.(wire.RegisteredMsg).Type != wire.TypeRegistered {
		t.Fatalf("expected registered ack, got %+v", got)
	}

	c.inbound <- wire.DataMsg{
		Type:  wire.TypeMessage,
		AppID: "app-1",
		Header: wire.MsgHeader{
			MsgType: wire.MsgResult,
			Seq:     1,
		},
		Payload: json.RawMessage(`{"rows":100}`),
	}

	if ev := <-sub; ev.Kind != bus.KindMessageStored {
		t.Fatalf("expected MessageStored, got %+v", ev)
	}
	if ev := <-sub; ev.Kind != bus.KindAppTerminal || ev.Status != string(wire.StatusDone) {
		t.Fatalf("expected AppTerminal(done), got %+v", ev)
	}
	if got := <-c.sent; got.(wire.AckMsg).Seq != 1 {
		t.Fatalf("expected ack for seq 1, got %+v", got)
	}

	close(c.inbound)
	<-done

	app, err := h.Store.Get(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if app.Status != string(wire.StatusDone) {
		t.Fatalf("status = %q, want done", app.Status)
	}
	if _, ok := h.Registry.Get("app-1"); ok {
		t.Fatal("registry entry should be removed after the channel ends")
	}
}

func TestHandleCrashOnUngracefulDrop(t *testing.T) {
	h := newTestHandler(t)
	c := newFakeConn()

	c.inbound <- wire.RegisterMsg{
		Type:        wire.TypeRegister,
		AppID:       "app-2",
		AppName:     "demo",
		ChildPubKey: "ed25519:child-key",
		RoleRefs:    []string{},
	}

	sub := h.Bus.Subscribe()
	defer h.Bus.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), c)
		close(done)
	}()

	<-sub          // AppConnected
	<-c.sent       // registered ack

	// Drop the connection without sending a disconnect or terminal message.
	close(c.inbound)
	<-done

	ev := <-sub
	if ev.Kind != bus.KindCrashDetected || ev.CrashType != string(wire.CrashConnectionDrop) {
		t.Fatalf("expected CrashDetected(connection_drop), got %+v", ev)
	}

	app, err := h.Store.Get(context.Background(), "app-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if app.Status != string(wire.StatusCrashed) {
		t.Fatalf("status = %q, want crashed", app.Status)
	}
}

func TestHandleRejectsUnexpectedInitialMessageType(t *testing.T) {
	h := newTestHandler(t)
	c := newFakeConn()

	c.inbound <- wire.DisconnectMsg{Type: wire.TypeDisconnect, AppID: "app-3", Reason: "completed"}

	h.Handle(context.Background(), c)

	got := (<-c.sent).(wire.ServerErrorMsg)
	if got.Code != "protocol" {
		t.Fatalf("code = %q, want protocol", got.Code)
	}
	if !c.closed {
		t.Fatal("expected connection to be closed on protocol error")
	}
}
