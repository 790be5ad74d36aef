package lifecycle_test

import (
	"context"
	"testing"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/trailsd/trails/internal/server/db"
	"github.com/trailsd/trails/internal/server/lifecycle"
	"github.com/trailsd/trails/internal/wire"
)

func newTestStore(t *testing.T) *lifecycle.Store {
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
	return lifecycle.New(gdb)
}

func TestCreateScheduledIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.CreateScheduled(ctx, "app-1", nil, "demo", 300, nil, nil); err != nil {
		t.Fatalf("first create_scheduled: %v", err)
	}
	if err := s.CreateScheduled(ctx, "app-1", nil, "demo", 300, nil, nil); err != nil {
		t.Fatalf("second create_scheduled should be a silent no-op: %v", err)
	}

	app, err := s.Get(ctx, "app-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if app.Status != string(wire.StatusScheduled) {
		t.Fatalf("status = %q, want scheduled", app.Status)
	}
}

func TestConnectRejectsIneligibleStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.CreateScheduled(ctx, "app-1", nil, "demo", 300, nil, nil); err != nil {
		t.Fatalf("create_scheduled: %v", err)
	}
	if _, err := s.Connect(ctx, "app-1", "ed25519:abc", "instance-a", wire.ProcessInfo{}, ""); err != nil {
		t.Fatalf("first connect: %v", err)
	}

	// Connect again while already connected must fail: not a scheduled or
	// reconnecting row anymore.
	if _, err := s.Connect(ctx, "app-1", "ed25519:abc", "instance-a", wire.ProcessInfo{}, ""); err != lifecycle.ErrInvalidTransition {
		t.Fatalf("second connect: got %v, want ErrInvalidTransition", err)
	}
}

func TestSetTerminalIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.CreateScheduled(ctx, "app-1", nil, "demo", 300, nil, nil); err != nil {
		t.Fatalf("create_scheduled: %v", err)
	}
	if _, err := s.Connect(ctx, "app-1", "ed25519:abc", "instance-a", wire.ProcessInfo{}, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := s.SetTerminal(ctx, "app-1", wire.StatusDone); err != nil {
		t.Fatalf("first set_terminal: %v", err)
	}
	// Reapplying after the app already reached a terminal state must not
	// error (spec §8 idempotence) — it is simply a no-op zero-rows update.
	if err := s.SetTerminal(ctx, "app-1", wire.StatusError); err != nil {
		t.Fatalf("second set_terminal: %v", err)
	}

	app, err := s.Get(ctx, "app-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if app.Status != string(wire.StatusDone) {
		t.Fatalf("status = %q, want done (first terminal transition wins)", app.Status)
	}
}

func TestReconnectRequiresMatchingPubKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.CreateScheduled(ctx, "app-1", nil, "demo", 300, nil, nil); err != nil {
		t.Fatalf("create_scheduled: %v", err)
	}
	if _, err := s.Connect(ctx, "app-1", "ed25519:real-key", "instance-a", wire.ProcessInfo{}, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := s.MarkReconnecting(ctx, "instance-a"); err != nil {
		t.Fatalf("mark_reconnecting: %v", err)
	}

	app, err := s.Reconnect(ctx, "app-1", "ed25519:wrong-key", "instance-b")
	if err != nil {
		t.Fatalf("reconnect with wrong key returned hard error: %v", err)
	}
	if app != nil {
		t.Fatalf("reconnect with mismatched pub_key should return nil, got %+v", app)
	}

	app, err = s.Reconnect(ctx, "app-1", "ed25519:real-key", "instance-b")
	if err != nil {
		t.Fatalf("reconnect with correct key: %v", err)
	}
	if app == nil {
		t.Fatalf("reconnect with correct key should succeed")
	}
	if app.Status != string(wire.StatusRunning) {
		t.Fatalf("status = %q, want running", app.Status)
	}
}

func TestMarkLostContactOnlyAffectsReconnecting(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.CreateScheduled(ctx, "app-1", nil, "demo", 300, nil, nil); err != nil {
		t.Fatalf("create_scheduled: %v", err)
	}
	if _, err := s.Connect(ctx, "app-1", "ed25519:abc", "instance-a", wire.ProcessInfo{}, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Not yet reconnecting: mark_lost_contact must affect zero rows.
	n, err := s.MarkLostContact(ctx, "instance-a")
	if err != nil {
		t.Fatalf("mark_lost_contact: %v", err)
	}
	if n != 0 {
		t.Fatalf("rows affected = %d, want 0 before the reconnection window opens", n)
	}

	if _, err := s.MarkReconnecting(ctx, "instance-a"); err != nil {
		t.Fatalf("mark_reconnecting: %v", err)
	}
	n, err = s.MarkLostContact(ctx, "instance-a")
	if err != nil {
		t.Fatalf("mark_lost_contact: %v", err)
	}
	if n != 1 {
		t.Fatalf("rows affected = %d, want 1", n)
	}

	app, err := s.Get(ctx, "app-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !wire.Status(app.Status).IsTerminal() {
		t.Fatalf("lost_contact must be terminal")
	}
}

func TestGetExpiredScheduled(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.CreateScheduled(ctx, "fresh", nil, "demo", 300, nil, nil); err != nil {
		t.Fatalf("create_scheduled fresh: %v", err)
	}
	if err := s.CreateScheduled(ctx, "stale", nil, "demo", 0, nil, nil); err != nil {
		t.Fatalf("create_scheduled stale: %v", err)
	}

	expired, err := s.GetExpiredScheduled(ctx)
	if err != nil {
		t.Fatalf("get_expired_scheduled: %v", err)
	}
	if len(expired) != 1 || expired[0].AppID != "stale" {
		t.Fatalf("expired = %+v, want exactly [stale]", expired)
	}
}

func TestStoreStatusMessageWritesBothRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.CreateScheduled(ctx, "app-1", nil, "demo", 300, nil, nil); err != nil {
		t.Fatalf("create_scheduled: %v", err)
	}
	if _, err := s.Connect(ctx, "app-1", "ed25519:abc", "instance-a", wire.ProcessInfo{}, "ns"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	payload := []byte(`{"progress":0.5}`)
	if err := s.StoreStatusMessage(ctx, "app-1", "ns", 1, "", payload); err != nil {
		t.Fatalf("store_status_message: %v", err)
	}

	// Read both tables back through a second handle on the same shared
	// in-memory database.
	gdb, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      "file:" + t.Name() + "?mode=memory&cache=shared",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	var messages, snapshots int64
	if err := gdb.Model(&db.Message{}).Where("app_id = ? AND seq = ?", "app-1", 1).Count(&messages).Error; err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if err := gdb.Model(&db.Snapshot{}).Where("app_id = ? AND seq = ?", "app-1", 1).Count(&snapshots).Error; err != nil {
		t.Fatalf("count snapshots: %v", err)
	}
	if messages != 1 || snapshots != 1 {
		t.Fatalf("messages = %d, snapshots = %d, want 1 each", messages, snapshots)
	}
}
