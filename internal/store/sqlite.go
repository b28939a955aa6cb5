package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"offline-sync-service/internal/database"
)

// SQLiteStore persists records and engine bookkeeping in the embedded
// database. Table names are checked against the configured whitelist before
// they reach any query string.
type SQLiteStore struct {
	db      *database.Database
	allowed map[string]bool
}

func NewSQLiteStore(db *database.Database, tables []string) *SQLiteStore {
	allowed := make(map[string]bool, len(tables))
	for _, t := range tables {
		allowed[t] = true
	}
	return &SQLiteStore{db: db, allowed: allowed}
}

func (s *SQLiteStore) checkTable(table string) error {
	if !s.allowed[table] {
		return fmt.Errorf("table %q is not a tracked sync table", table)
	}
	return nil
}

const recordColumns = `id, remote_id, natural_key, payload, sync_status, dirty_flag, retry_count, last_error, created_at, last_modified`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var rec Record
	var payload []byte
	var createdAt, lastModified string
	err := row.Scan(
		&rec.LocalID,
		&rec.RemoteID,
		&rec.NaturalKey,
		&payload,
		&rec.SyncStatus,
		&rec.DirtyFlag,
		&rec.RetryCount,
		&rec.LastError,
		&createdAt,
		&lastModified,
	)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	rec.CreatedAt = parseTime(createdAt)
	rec.LastModified = parseTime(lastModified)
	return &rec, nil
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *SQLiteStore) GetRecord(ctx context.Context, table, localID string) (*Record, error) {
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %q WHERE id = ?`, recordColumns, table)
	rec, err := scanRecord(s.db.DB.QueryRowContext(ctx, query, localID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) FindByRemoteID(ctx context.Context, table, remoteID string) (*Record, error) {
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %q WHERE remote_id = ?`, recordColumns, table)
	rec, err := scanRecord(s.db.DB.QueryRowContext(ctx, query, remoteID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) FindByNaturalKey(ctx context.Context, table, naturalKey string) (*Record, error) {
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %q WHERE natural_key = ?`, recordColumns, table)
	rec, err := scanRecord(s.db.DB.QueryRowContext(ctx, query, naturalKey))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) InsertRecord(ctx context.Context, table string, rec *Record) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %q (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table, recordColumns)
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			rec.LocalID,
			rec.RemoteID,
			rec.NaturalKey,
			string(rec.Payload),
			rec.SyncStatus,
			rec.DirtyFlag,
			rec.RetryCount,
			rec.LastError,
			formatTime(rec.CreatedAt),
			formatTime(rec.LastModified),
		)
		return err
	})
}

func (s *SQLiteStore) UpdateRecord(ctx context.Context, table string, rec *Record) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %q SET remote_id = ?, natural_key = ?, payload = ?, sync_status = ?,
		dirty_flag = ?, retry_count = ?, last_error = ?, last_modified = ? WHERE id = ?`, table)
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			rec.RemoteID,
			rec.NaturalKey,
			string(rec.Payload),
			rec.SyncStatus,
			rec.DirtyFlag,
			rec.RetryCount,
			rec.LastError,
			formatTime(rec.LastModified),
			rec.LocalID,
		)
		return err
	})
}

func (s *SQLiteStore) DeleteRecord(ctx context.Context, table, localID string) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, table)
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, localID)
		return err
	})
}

// ListDirty returns push candidates: explicitly dirty rows or rows whose
// status marks unpushed work, excluding those past the retry ceiling.
func (s *SQLiteStore) ListDirty(ctx context.Context, table string, retryCeiling int) ([]*Record, error) {
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %q
		WHERE (dirty_flag = 1 OR sync_status IN (?, ?, ?, ?))
		  AND retry_count < ?
		ORDER BY created_at`, recordColumns, table)
	rows, err := s.db.DB.QueryContext(ctx, query,
		StatusNewOffline, StatusModifiedOffline, StatusPending, StatusDeleted, retryCeiling)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *SQLiteStore) ListAll(ctx context.Context, table string) ([]*Record, error) {
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %q ORDER BY created_at`, recordColumns, table)
	rows, err := s.db.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ReplaceAll swaps a table's entire contents in one transaction. Used only
// by the backup restore path, which bypasses tracker transitions.
func (s *SQLiteStore) ReplaceAll(ctx context.Context, table string, records []*Record) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	wipe := fmt.Sprintf(`DELETE FROM %q`, table)
	insert := fmt.Sprintf(`INSERT INTO %q (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table, recordColumns)
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, wipe); err != nil {
			return err
		}
		for _, rec := range records {
			_, err := tx.ExecContext(ctx, insert,
				rec.LocalID,
				rec.RemoteID,
				rec.NaturalKey,
				string(rec.Payload),
				rec.SyncStatus,
				rec.DirtyFlag,
				rec.RetryCount,
				rec.LastError,
				formatTime(rec.CreatedAt),
				formatTime(rec.LastModified),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func collectRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) CountPending(ctx context.Context, table string, retryCeiling int) (int, int, error) {
	if err := s.checkTable(table); err != nil {
		return 0, 0, err
	}
	query := fmt.Sprintf(`SELECT
		COALESCE(SUM(CASE WHEN (dirty_flag = 1 OR sync_status IN (?, ?, ?, ?)) AND retry_count < ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN sync_status = ? OR retry_count >= ? THEN 1 ELSE 0 END), 0)
		FROM %q`, table)
	var pending, failed int
	err := s.db.DB.QueryRowContext(ctx, query,
		StatusNewOffline, StatusModifiedOffline, StatusPending, StatusDeleted, retryCeiling,
		StatusFailed, retryCeiling).Scan(&pending, &failed)
	return pending, failed, err
}

func (s *SQLiteStore) MarkDirty(ctx context.Context, table, localID, status string) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %q SET dirty_flag = 1, sync_status = ?, last_modified = ? WHERE id = ?`, table)
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, status, formatTime(time.Now()), localID)
		return err
	})
}

func (s *SQLiteStore) MarkSynced(ctx context.Context, table, localID, remoteID string) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %q SET remote_id = ?, sync_status = ?, dirty_flag = 0,
		retry_count = 0, last_error = NULL WHERE id = ?`, table)
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, remoteID, StatusSynced, localID)
		return err
	})
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, table, localID, message string, retryCeiling int) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %q SET retry_count = retry_count + 1, last_error = ?,
		sync_status = CASE WHEN retry_count + 1 >= ? THEN ? ELSE sync_status END
		WHERE id = ?`, table)
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, message, retryCeiling, StatusFailed, localID)
		return err
	})
}

// DeleteOrphans removes rows whose remote identity vanished from the remote
// store. Rows that were never pushed (null remote_id) are left alone.
func (s *SQLiteStore) DeleteOrphans(ctx context.Context, table string, validRemoteIDs map[string]bool) (int, error) {
	if err := s.checkTable(table); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`SELECT id, remote_id FROM %q WHERE remote_id IS NOT NULL`, table)
	rows, err := s.db.DB.QueryContext(ctx, query)
	if err != nil {
		return 0, err
	}
	var orphans []string
	for rows.Next() {
		var localID string
		var remoteID sql.NullString
		if err := rows.Scan(&localID, &remoteID); err != nil {
			rows.Close()
			return 0, err
		}
		if remoteID.Valid && !validRemoteIDs[remoteID.String] {
			orphans = append(orphans, localID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	del := fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, table)
	err = s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		for _, id := range orphans {
			if _, err := tx.ExecContext(ctx, del, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(orphans), nil
}

// RemoveNaturalKeyDuplicates drops extra rows sharing a natural key, keeping
// the one already linked to a remote identity (or the oldest, if none is).
// A dirty row that never reached the remote still holds unpushed work and is
// never removed here; once its push lands, the next cleanup collapses it.
func (s *SQLiteStore) RemoveNaturalKeyDuplicates(ctx context.Context, table string) (int, error) {
	if err := s.checkTable(table); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`DELETE FROM %q WHERE id NOT IN (
		SELECT id FROM %q t1 WHERE t1.rowid = (
			SELECT t2.rowid FROM %q t2 WHERE t2.natural_key IS t1.natural_key
			ORDER BY (t2.remote_id IS NOT NULL) DESC, t2.created_at ASC LIMIT 1
		)
	) AND natural_key IS NOT NULL
	  AND NOT (dirty_flag = 1 AND remote_id IS NULL)`, table, table, table)
	var removed int64
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return int(removed), err
}

func (s *SQLiteStore) CreateConflict(ctx context.Context, conflict *Conflict) error {
	query := `INSERT INTO sync_conflicts (id, table_name, record_id, local_data, remote_data, resolution, detected_at, resolved)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			conflict.ID,
			conflict.TableName,
			conflict.RecordID,
			string(conflict.LocalData),
			string(conflict.RemoteData),
			conflict.Resolution,
			formatTime(conflict.DetectedAt),
			conflict.Resolved,
		)
		return err
	})
}

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	query := `SELECT id, table_name, record_id, local_data, remote_data, resolution, detected_at, resolved, resolution_strategy, resolved_at, resolved_data
			  FROM sync_conflicts WHERE id = ?`
	c, err := scanConflict(s.db.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func scanConflict(row interface{ Scan(...any) error }) (*Conflict, error) {
	var c Conflict
	var localData, remoteData []byte
	var detectedAt string
	var resolvedAt sql.NullString
	var resolvedData sql.NullString
	err := row.Scan(
		&c.ID,
		&c.TableName,
		&c.RecordID,
		&localData,
		&remoteData,
		&c.Resolution,
		&detectedAt,
		&c.Resolved,
		&c.ResolutionStrategy,
		&resolvedAt,
		&resolvedData,
	)
	if err != nil {
		return nil, err
	}
	c.LocalData = localData
	c.RemoteData = remoteData
	c.DetectedAt = parseTime(detectedAt)
	if resolvedAt.Valid {
		c.ResolvedAt = sql.NullTime{Time: parseTime(resolvedAt.String), Valid: true}
	}
	if resolvedData.Valid {
		c.ResolvedData = []byte(resolvedData.String)
	}
	return &c, nil
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*Conflict, error) {
	query := `SELECT id, table_name, record_id, local_data, remote_data, resolution, detected_at, resolved, resolution_strategy, resolved_at, resolved_data
			  FROM sync_conflicts WHERE resolved = ? ORDER BY detected_at DESC LIMIT ? OFFSET ?`
	rows, err := s.db.DB.QueryContext(ctx, query, resolved, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

func (s *SQLiteStore) ResolveConflict(ctx context.Context, id, strategy string, resolvedData []byte) error {
	query := `UPDATE sync_conflicts SET resolved = 1, resolution_strategy = ?, resolved_data = ?, resolved_at = ? WHERE id = ?`
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, strategy, string(resolvedData), formatTime(time.Now()), id)
		return err
	})
}

// CreateBackup stores a snapshot and trims the ring down to the retention
// count in the same transaction.
func (s *SQLiteStore) CreateBackup(ctx context.Context, name string, data []byte, retention int) (int64, error) {
	var id int64
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO sync_backups (backup_name, backup_data, created_at) VALUES (?, ?, ?)`,
			name, string(data), formatTime(time.Now()))
		if err != nil {
			return err
		}
		id, _ = res.LastInsertId()

		_, err = tx.ExecContext(ctx,
			`DELETE FROM sync_backups WHERE id NOT IN (
				SELECT id FROM sync_backups ORDER BY id DESC LIMIT ?
			)`, retention)
		return err
	})
	return id, err
}

func (s *SQLiteStore) GetBackup(ctx context.Context, id int64) (*Backup, error) {
	query := `SELECT id, backup_name, backup_data, created_at FROM sync_backups WHERE id = ?`
	var b Backup
	var data, createdAt string
	err := s.db.DB.QueryRowContext(ctx, query, id).Scan(&b.ID, &b.BackupName, &data, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.BackupData = []byte(data)
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

func (s *SQLiteStore) ListBackups(ctx context.Context) ([]*Backup, error) {
	query := `SELECT id, backup_name, created_at FROM sync_backups ORDER BY id DESC`
	rows, err := s.db.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var backups []*Backup
	for rows.Next() {
		var b Backup
		var createdAt string
		if err := rows.Scan(&b.ID, &b.BackupName, &createdAt); err != nil {
			return nil, err
		}
		b.CreatedAt = parseTime(createdAt)
		backups = append(backups, &b)
	}
	return backups, rows.Err()
}

func (s *SQLiteStore) CreateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `INSERT INTO sync_history (id, started_at, completed_at, direction, tables_synced, total_rows, conflicts_detected, status, error_message)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			history.ID,
			formatTime(history.StartedAt),
			nullTimeString(history.CompletedAt),
			history.Direction,
			history.TablesSynced,
			history.TotalRows,
			history.ConflictsDetected,
			history.Status,
			history.ErrorMessage,
		)
		return err
	})
}

func (s *SQLiteStore) UpdateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `UPDATE sync_history SET completed_at = ?, tables_synced = ?, total_rows = ?, conflicts_detected = ?, status = ?, error_message = ? WHERE id = ?`
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			nullTimeString(history.CompletedAt),
			history.TablesSynced,
			history.TotalRows,
			history.ConflictsDetected,
			history.Status,
			history.ErrorMessage,
			history.ID,
		)
		return err
	})
}

func (s *SQLiteStore) GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error) {
	query := `SELECT id, started_at, completed_at, direction, tables_synced, total_rows, conflicts_detected, status, error_message
			  FROM sync_history ORDER BY started_at DESC LIMIT ? OFFSET ?`
	rows, err := s.db.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*SyncHistory
	for rows.Next() {
		var h SyncHistory
		var startedAt string
		var completedAt sql.NullString
		err := rows.Scan(
			&h.ID,
			&startedAt,
			&completedAt,
			&h.Direction,
			&h.TablesSynced,
			&h.TotalRows,
			&h.ConflictsDetected,
			&h.Status,
			&h.ErrorMessage,
		)
		if err != nil {
			return nil, err
		}
		h.StartedAt = parseTime(startedAt)
		if completedAt.Valid {
			h.CompletedAt = sql.NullTime{Time: parseTime(completedAt.String), Valid: true}
		}
		history = append(history, &h)
	}
	return history, rows.Err()
}

func nullTimeString(t sql.NullTime) any {
	if !t.Valid {
		return nil
	}
	return formatTime(t.Time)
}
