package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/store"
)

// BackupManager snapshots every tracked table before destructive operations
// (a forced full resync in particular). Snapshots live in a bounded ring;
// restore reloads one verbatim as an emergency recovery path.
type BackupManager struct {
	store       store.Store
	descriptors *Descriptors
	retention   int
}

func NewBackupManager(st store.Store, descriptors *Descriptors, retention int) *BackupManager {
	return &BackupManager{store: st, descriptors: descriptors, retention: retention}
}

type snapshotRecord struct {
	LocalID      string          `json:"local_id"`
	RemoteID     *string         `json:"remote_id,omitempty"`
	NaturalKey   *string         `json:"natural_key,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	SyncStatus   string          `json:"sync_status"`
	DirtyFlag    bool            `json:"dirty_flag"`
	RetryCount   int             `json:"retry_count"`
	CreatedAt    time.Time       `json:"created_at"`
	LastModified time.Time       `json:"last_modified"`
}

// Snapshot serializes all tracked tables into one backup entry and trims the
// ring to the retention count. Returns the new snapshot id.
func (b *BackupManager) Snapshot(ctx context.Context, name string) (int64, error) {
	if name == "" {
		name = fmt.Sprintf("auto_backup_%s", time.Now().Format("20060102_150405"))
	}

	data := make(map[string][]snapshotRecord, len(b.descriptors.InOrder()))
	for _, desc := range b.descriptors.InOrder() {
		records, err := b.store.ListAll(ctx, desc.Name)
		if err != nil {
			return 0, fmt.Errorf("failed to snapshot table %s: %w", desc.Name, err)
		}
		rows := make([]snapshotRecord, 0, len(records))
		for _, rec := range records {
			row := snapshotRecord{
				LocalID:      rec.LocalID,
				Payload:      rec.Payload,
				SyncStatus:   rec.SyncStatus,
				DirtyFlag:    rec.DirtyFlag,
				RetryCount:   rec.RetryCount,
				CreatedAt:    rec.CreatedAt,
				LastModified: rec.LastModified,
			}
			if rec.RemoteID.Valid {
				v := rec.RemoteID.String
				row.RemoteID = &v
			}
			if rec.NaturalKey.Valid {
				v := rec.NaturalKey.String
				row.NaturalKey = &v
			}
			rows = append(rows, row)
		}
		data[desc.Name] = rows
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	id, err := b.store.CreateBackup(ctx, name, encoded, b.retention)
	if err != nil {
		return 0, fmt.Errorf("failed to store snapshot: %w", err)
	}

	logger.Log.Info("Created backup snapshot",
		zap.Int64("id", id),
		zap.String("name", name),
		zap.Int("tables", len(data)),
	)
	return id, nil
}

// Restore reloads a snapshot verbatim, replacing the current contents of
// every table it covers. Tracker transitions are deliberately bypassed.
func (b *BackupManager) Restore(ctx context.Context, id int64) error {
	backup, err := b.store.GetBackup(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load snapshot %d: %w", id, err)
	}
	if backup == nil {
		return fmt.Errorf("snapshot %d not found", id)
	}

	var data map[string][]snapshotRecord
	if err := json.Unmarshal(backup.BackupData, &data); err != nil {
		return fmt.Errorf("snapshot %d is corrupt: %w", id, err)
	}

	for table, rows := range data {
		if _, ok := b.descriptors.Get(table); !ok {
			logger.Log.Warn("Snapshot covers untracked table, skipping", zap.String("table", table))
			continue
		}
		records := make([]*store.Record, 0, len(rows))
		for _, row := range rows {
			rec := &store.Record{
				LocalID:      row.LocalID,
				Payload:      row.Payload,
				SyncStatus:   row.SyncStatus,
				DirtyFlag:    row.DirtyFlag,
				RetryCount:   row.RetryCount,
				CreatedAt:    row.CreatedAt,
				LastModified: row.LastModified,
			}
			if row.RemoteID != nil {
				rec.RemoteID = sql.NullString{String: *row.RemoteID, Valid: true}
			}
			if row.NaturalKey != nil {
				rec.NaturalKey = sql.NullString{String: *row.NaturalKey, Valid: true}
			}
			records = append(records, rec)
		}
		if err := b.store.ReplaceAll(ctx, table, records); err != nil {
			return fmt.Errorf("failed to restore table %s: %w", table, err)
		}
	}

	logger.Log.Info("Restored backup snapshot", zap.Int64("id", id), zap.String("name", backup.BackupName))
	return nil
}
