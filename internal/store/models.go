package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Sync status values. The tracker owns every transition between them.
const (
	StatusSynced          = "synced"
	StatusNewOffline      = "new_offline"
	StatusModifiedOffline = "modified_offline"
	StatusDeleted         = "deleted"
	StatusPending         = "pending"
	StatusFailed          = "failed"
)

// Record is one locally stored business entity. RemoteID stays null until
// the first successful push; NaturalKey is denormalized out of the payload
// so offline-created duplicates can be reconciled before an id exists.
type Record struct {
	LocalID      string          `db:"id"`
	RemoteID     sql.NullString  `db:"remote_id"`
	NaturalKey   sql.NullString  `db:"natural_key"`
	Payload      json.RawMessage `db:"payload"`
	SyncStatus   string          `db:"sync_status"`
	DirtyFlag    bool            `db:"dirty_flag"`
	RetryCount   int             `db:"retry_count"`
	LastError    sql.NullString  `db:"last_error"`
	CreatedAt    time.Time       `db:"created_at"`
	LastModified time.Time       `db:"last_modified"`
}

type Conflict struct {
	ID                 string          `db:"id"`
	TableName          string          `db:"table_name"`
	RecordID           string          `db:"record_id"`
	LocalData          json.RawMessage `db:"local_data"`
	RemoteData         json.RawMessage `db:"remote_data"`
	Resolution         string          `db:"resolution"`
	DetectedAt         time.Time       `db:"detected_at"`
	Resolved           bool            `db:"resolved"`
	ResolutionStrategy sql.NullString  `db:"resolution_strategy"`
	ResolvedAt         sql.NullTime    `db:"resolved_at"`
	ResolvedData       json.RawMessage `db:"resolved_data"`
}

type Backup struct {
	ID         int64     `db:"id"`
	BackupName string    `db:"backup_name"`
	BackupData []byte    `db:"backup_data"`
	CreatedAt  time.Time `db:"created_at"`
}

type SyncHistory struct {
	ID                string         `db:"id"`
	StartedAt         time.Time      `db:"started_at"`
	CompletedAt       sql.NullTime   `db:"completed_at"`
	Direction         string         `db:"direction"`
	TablesSynced      string         `db:"tables_synced"`
	TotalRows         int64          `db:"total_rows"`
	ConflictsDetected int            `db:"conflicts_detected"`
	Status            string         `db:"status"`
	ErrorMessage      sql.NullString `db:"error_message"`
}
