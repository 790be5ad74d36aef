// Package db manages the database connection, migrations, and the GORM
// models backing the TRAILS lifecycle store. It supports SQLite (via the
// pure-Go modernc driver, no CGO required) and PostgreSQL. Migrations are
// embedded in the binary and applied automatically on startup via
// golang-migrate.
package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// generatedID is embedded by models whose primary key is a server-minted
// UUIDv7 rather than a caller-chosen identifier.
type generatedID struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

// BeforeCreate mints a time-ordered UUIDv7 if the ID is not already set.
func (g *generatedID) BeforeCreate(tx *gorm.DB) error {
	if g.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		g.ID = id
	}
	return nil
}

// App is the unit of lifecycle tracking (spec §3.1). Its primary key is the
// caller-chosen app_id from the wire protocol, not a generated UUID — so,
// unlike every other model here, App does not embed generatedID and its
// BeforeCreate hook only stamps CreatedAt.
type App struct {
	AppID          string `gorm:"column:app_id;type:text;primaryKey"`
	ParentID       *string
	AppName        string `gorm:"not null"`
	Status         string `gorm:"not null;index;default:'scheduled'"`
	PubKey         string `gorm:"default:''"` // set once, at first successful connect
	ServerInstance string `gorm:"index"`
	StartDeadline  int    `gorm:"not null"` // seconds
	Namespace      string `gorm:"default:''"`

	// Process-info snapshot (spec §3.1), populated at connect time.
	PID        int32 `gorm:"column:pid;default:0"`
	PPID       int32 `gorm:"column:ppid;default:0"`
	UID        int32 `gorm:"column:uid;default:0"`
	GID        int32 `gorm:"column:gid;default:0"`
	Hostname   string `gorm:"default:''"`
	NodeName   string `gorm:"default:''"`
	PodIP      string `gorm:"default:''"`
	Executable string `gorm:"default:''"`
	ProcStart  *time.Time

	RoleRefs    string `gorm:"type:text;default:'[]'"` // JSON array
	MetadataRaw string `gorm:"column:metadata_json;type:text;default:'{}'"`

	CreatedAt      time.Time `gorm:"not null"`
	FirstConnectAt *time.Time
	FirstRunAt     *time.Time
	ConnectedAt    *time.Time
	DisconnectedAt *time.Time
}

// BeforeCreate stamps CreatedAt. App's ID is caller-supplied, so no ID
// generation happens here — unlike the other models in this package.
func (a *App) BeforeCreate(tx *gorm.DB) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return nil
}

// Message is the append-only log of data traffic (spec §3.1).
type Message struct {
	generatedID
	AppID         string `gorm:"type:text;not null;index"`
	Direction     string `gorm:"not null"` // "in" or "out"
	MsgType       string `gorm:"not null"` // Status|Result|Error|Control
	Seq           int64  `gorm:"not null"`
	CorrelationID string `gorm:"default:''"`
	PayloadRaw    string `gorm:"column:payload_json;type:text;not null"`
}

// Snapshot is the latest-value projection of Status payloads (spec §3.1).
type Snapshot struct {
	generatedID
	AppID      string `gorm:"type:text;not null;index"`
	Namespace  string `gorm:"default:''"`
	Seq        int64  `gorm:"not null"`
	PayloadRaw string `gorm:"column:snapshot_json;type:text;not null"`
}

// Crash records an abnormal end (spec §3.1).
type Crash struct {
	generatedID
	AppID      string `gorm:"type:text;not null;index"`
	CrashType  string `gorm:"not null"` // never_started|connection_drop
	GapSeconds *int64
	MetadataRaw string `gorm:"column:metadata_json;type:text;default:'{}'"`
}
