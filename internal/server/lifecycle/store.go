// Package lifecycle implements the server-side lifecycle store adapter
// (spec §4.1): the only path that mutates durable app state. Every
// transition is a single conditional write — "UPDATE ... WHERE status IN
// (...)" — which is the durable substitute for an in-memory lock: two
// concurrent writers racing the same transition produce exactly one winner.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/trailsd/trails/internal/server/db"
	"github.com/trailsd/trails/internal/wire"
)

// Store is the lifecycle store adapter. All of its methods are safe for
// concurrent use; correctness comes from the underlying conditional SQL, not
// from any lock held here.
type Store struct {
	gdb *gorm.DB
}

// New wraps an open *gorm.DB as a lifecycle Store.
func New(gdb *gorm.DB) *Store {
	return &Store{gdb: gdb}
}

// CreateScheduled inserts a new scheduled app row. If app_id already exists
// this is a silent no-op — idempotent pre-registration (spec §4.1).
func (s *Store) CreateScheduled(ctx context.Context, appID string, parentID *string, appName string, startDeadline int, roleRefs []string, metadata json.RawMessage) error {
	roleRefsJSON, err := json.Marshal(roleRefs)
	if err != nil {
		return fmt.Errorf("lifecycle: marshal role_refs: %w", err)
	}
	metaJSON := string(metadata)
	if metaJSON == "" {
		metaJSON = "{}"
	}

	app := db.App{
		AppID:         appID,
		ParentID:      parentID,
		AppName:       appName,
		Status:        string(wire.StatusScheduled),
		StartDeadline: startDeadline,
		RoleRefs:      string(roleRefsJSON),
		MetadataRaw:   metaJSON,
	}

	err = s.gdb.WithContext(ctx).
		Clauses(onConflictDoNothing()).
		Create(&app).Error
	if err != nil {
		return fmt.Errorf("lifecycle: create scheduled app: %w", err)
	}
	return nil
}

// Connect transitions a scheduled or reconnecting app to connected, recording
// the supplied public key and process info (spec §4.1 "connect"). Returns
// ErrInvalidTransition if the app was not in an eligible state.
func (s *Store) Connect(ctx context.Context, appID, pubKey, serverInstance string, info wire.ProcessInfo, namespace string) (db.App, error) {
	now := time.Now().UTC()

	updates := map[string]any{
		"status":          string(wire.StatusConnected),
		"pub_key":         pubKey,
		"server_instance": serverInstance,
		"connected_at":    now,
		"pid":             info.PID,
		"ppid":            info.PPID,
		"uid":             info.UID,
		"gid":             info.GID,
		"hostname":        info.Hostname,
		"namespace":       namespace,
	}
	if info.NodeName != nil {
		updates["node_name"] = *info.NodeName
	}
	if info.PodIP != nil {
		updates["pod_ip"] = *info.PodIP
	}
	if info.Executable != nil {
		updates["executable"] = *info.Executable
	}

	res := s.gdb.WithContext(ctx).Model(&db.App{}).
		Where("app_id = ? AND status IN ?", appID, []string{string(wire.StatusScheduled), string(wire.StatusReconnecting)}).
		Updates(updates)
	if res.Error != nil {
		return db.App{}, fmt.Errorf("lifecycle: connect: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return db.App{}, ErrInvalidTransition
	}

	// FirstConnectAt is stamped once, the first time an app ever connects.
	s.gdb.WithContext(ctx).Model(&db.App{}).
		Where("app_id = ? AND first_connect_at IS NULL", appID).
		Update("first_connect_at", now)

	return s.Get(ctx, appID)
}

// SetRunning transitions connected -> running. Idempotent no-op if the app
// is not currently connected (spec §4.1 "set_running").
func (s *Store) SetRunning(ctx context.Context, appID string) error {
	now := time.Now().UTC()
	res := s.gdb.WithContext(ctx).Model(&db.App{}).
		Where("app_id = ? AND status = ?", appID, string(wire.StatusConnected)).
		Updates(map[string]any{
			"status":       string(wire.StatusRunning),
			"first_run_at": now,
		})
	return res.Error
}

// SetTerminal transitions connected/running to one of done, error, or
// cancelled (spec §4.1 "set_terminal"). Zero rows affected is a silent
// no-op — reapplying a terminal transition after the app already reached a
// terminal state must not error (spec §8 idempotence).
func (s *Store) SetTerminal(ctx context.Context, appID string, status wire.Status) error {
	res := s.gdb.WithContext(ctx).Model(&db.App{}).
		Where("app_id = ? AND status IN ?", appID, []string{string(wire.StatusConnected), string(wire.StatusRunning)}).
		Updates(map[string]any{
			"status":          string(status),
			"disconnected_at": time.Now().UTC(),
		})
	return res.Error
}

// SetCrashed transitions connected/running to crashed (spec §4.1
// "set_crashed").
func (s *Store) SetCrashed(ctx context.Context, appID string) error {
	return s.SetTerminal(ctx, appID, wire.StatusCrashed)
}

// SetStartFailed transitions scheduled to start_failed (spec §4.1
// "set_start_failed").
func (s *Store) SetStartFailed(ctx context.Context, appID string) error {
	res := s.gdb.WithContext(ctx).Model(&db.App{}).
		Where("app_id = ? AND status = ?", appID, string(wire.StatusScheduled)).
		Updates(map[string]any{
			"status":          string(wire.StatusStartFailed),
			"disconnected_at": time.Now().UTC(),
		})
	return res.Error
}

// MarkReconnecting bulk-flips connected/running apps owned by serverInstance
// to reconnecting. Called once at server startup (spec §4.3). Returns the
// number of rows affected.
func (s *Store) MarkReconnecting(ctx context.Context, serverInstance string) (int64, error) {
	res := s.gdb.WithContext(ctx).Model(&db.App{}).
		Where("server_instance = ? AND status IN ?", serverInstance, []string{string(wire.StatusConnected), string(wire.StatusRunning)}).
		Update("status", string(wire.StatusReconnecting))
	return res.RowsAffected, res.Error
}

// MarkLostContact bulk-flips any stragglers still reconnecting and owned by
// serverInstance to lost_contact, after the reconnection window elapses
// (spec §4.3). Returns the number of rows affected.
func (s *Store) MarkLostContact(ctx context.Context, serverInstance string) (int64, error) {
	res := s.gdb.WithContext(ctx).Model(&db.App{}).
		Where("server_instance = ? AND status = ?", serverInstance, string(wire.StatusReconnecting)).
		Updates(map[string]any{
			"status":          string(wire.StatusLostContact),
			"disconnected_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

// Reconnect transitions reconnecting/lost_contact back to running, but only
// if pubKey matches the stored key (spec §4.1 "reconnect", §8 invariant 3).
// Returns (nil, nil) if the precondition fails — distinguishing "nothing
// happened" from a hard error lets the caller report registration_failed
// without treating it as an internal error.
func (s *Store) Reconnect(ctx context.Context, appID, pubKey, serverInstance string) (*db.App, error) {
	res := s.gdb.WithContext(ctx).Model(&db.App{}).
		Where("app_id = ? AND pub_key = ? AND status IN ?", appID, pubKey, []string{string(wire.StatusReconnecting), string(wire.StatusLostContact)}).
		Updates(map[string]any{
			"status":          string(wire.StatusRunning),
			"server_instance": serverInstance,
			"connected_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("lifecycle: reconnect: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	app, err := s.Get(ctx, appID)
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// Get fetches the app row by app_id.
func (s *Store) Get(ctx context.Context, appID string) (db.App, error) {
	var app db.App
	err := s.gdb.WithContext(ctx).Where("app_id = ?", appID).First(&app).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.App{}, ErrNotFound
	}
	if err != nil {
		return db.App{}, fmt.Errorf("lifecycle: get: %w", err)
	}
	return app, nil
}

// GetExpiredScheduled returns scheduled apps whose created_at + start_deadline
// has already passed (spec §4.1 "get_expired_scheduled", §4.3 start-deadline
// checker).
func (s *Store) GetExpiredScheduled(ctx context.Context) ([]db.App, error) {
	var apps []db.App
	// The deadline comparison is done in Go over every scheduled row rather
	// than in SQL, so no dialect-specific INTERVAL expression is needed.
	now := time.Now().UTC()
	err := s.gdb.WithContext(ctx).
		Where("status = ?", string(wire.StatusScheduled)).
		Find(&apps).Error
	if err != nil {
		return nil, fmt.Errorf("lifecycle: get expired scheduled: %w", err)
	}

	expired := apps[:0]
	for _, a := range apps {
		if a.CreatedAt.Add(time.Duration(a.StartDeadline) * time.Second).Before(now) {
			expired = append(expired, a)
		}
	}
	return expired, nil
}

// CountByStatus returns the number of apps currently in each lifecycle
// status, for the ambient apps_by_status gauge (§11 domain stack).
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := s.gdb.WithContext(ctx).Model(&db.App{}).
		Select("status, count(*) as count").
		Group("status").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("lifecycle: count by status: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// StoreMessage appends an unconditional row to the message log (spec §4.1
// "store_message").
func (s *Store) StoreMessage(ctx context.Context, appID, direction, msgType string, seq int64, correlationID string, payload json.RawMessage) error {
	msg := db.Message{
		AppID:         appID,
		Direction:     direction,
		MsgType:       msgType,
		Seq:           seq,
		CorrelationID: correlationID,
		PayloadRaw:    string(payload),
	}
	if err := s.gdb.WithContext(ctx).Create(&msg).Error; err != nil {
		return fmt.Errorf("lifecycle: store message: %w", err)
	}
	return nil
}

// StoreSnapshot appends an unconditional row to the snapshot projection
// (spec §4.1 "store_snapshot").
func (s *Store) StoreSnapshot(ctx context.Context, appID, namespace string, seq int64, payload json.RawMessage) error {
	snap := db.Snapshot{
		AppID:      appID,
		Namespace:  namespace,
		Seq:        seq,
		PayloadRaw: string(payload),
	}
	if err := s.gdb.WithContext(ctx).Create(&snap).Error; err != nil {
		return fmt.Errorf("lifecycle: store snapshot: %w", err)
	}
	return nil
}

// StoreStatusMessage appends a Message row and its paired Snapshot row
// atomically in one transaction, so a crash between the two inserts cannot
// leave one without the other (spec §9 open question 4, §3.1 "a Status
// message must produce a Snapshot row atomically with its Message row").
func (s *Store) StoreStatusMessage(ctx context.Context, appID, namespace string, seq int64, correlationID string, payload json.RawMessage) error {
	return s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg := db.Message{
			AppID:         appID,
			Direction:     "in",
			MsgType:       wire.MsgStatus,
			Seq:           seq,
			CorrelationID: correlationID,
			PayloadRaw:    string(payload),
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		snap := db.Snapshot{
			AppID:      appID,
			Namespace:  namespace,
			Seq:        seq,
			PayloadRaw: string(payload),
		}
		return tx.Create(&snap).Error
	})
}

// RecordCrash appends an unconditional row recording an abnormal end (spec
// §4.1 "record_crash").
func (s *Store) RecordCrash(ctx context.Context, appID string, kind wire.CrashKind, gapSeconds *int64, metadata json.RawMessage) error {
	metaJSON := string(metadata)
	if metaJSON == "" {
		metaJSON = "{}"
	}
	crash := db.Crash{
		AppID:       appID,
		CrashType:   string(kind),
		GapSeconds:  gapSeconds,
		MetadataRaw: metaJSON,
	}
	if err := s.gdb.WithContext(ctx).Create(&crash).Error; err != nil {
		return fmt.Errorf("lifecycle: record crash: %w", err)
	}
	return nil
}
