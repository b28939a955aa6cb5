package remote

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
)

// MySQLRemote talks to the shared cloud database. Every synced table shares
// one shape: id (char 36), natural_key, payload (JSON), last_modified. The
// last_modified column may hold a native DATETIME or an ISO string depending
// on which writer produced the row, so time comparisons bind both forms.
type MySQLRemote struct {
	db           *sql.DB
	cfg          config.RemoteConfig
	tables       []string
	allowed      map[string]bool
	feedServerID uint32
}

func NewMySQLRemote(cfg config.RemoteConfig, tables []string, feedServerID uint32) (*MySQLRemote, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	allowed := make(map[string]bool, len(tables))
	for _, t := range tables {
		allowed[t] = true
	}

	logger.Log.Info("Remote store configured",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)

	if feedServerID == 0 {
		feedServerID = 100
	}

	return &MySQLRemote{db: db, cfg: cfg, tables: tables, allowed: allowed, feedServerID: feedServerID}, nil
}

func (r *MySQLRemote) Close() error {
	return r.db.Close()
}

func (r *MySQLRemote) checkTable(table string) error {
	if !r.allowed[table] {
		return fmt.Errorf("table %q is not a tracked sync table", table)
	}
	return nil
}

func (r *MySQLRemote) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.GetPingTimeout())
	defer cancel()
	return r.db.PingContext(ctx)
}

func (r *MySQLRemote) QueryChangedSince(ctx context.Context, table string, since time.Time) ([]*Record, error) {
	if err := r.checkTable(table); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.GetQueryTimeout())
	defer cancel()

	// Rows written through the legacy path carry last_modified as an ISO
	// string; newer writers use DATETIME. Match the cursor against both.
	query := fmt.Sprintf("SELECT id, natural_key, payload, last_modified FROM `%s` WHERE last_modified > ? OR last_modified > ?", table)
	rows, err := r.db.QueryContext(ctx, query, since, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("delta query on %s failed: %w", table, err)
	}
	defer rows.Close()
	return collectRemoteRecords(rows)
}

func (r *MySQLRemote) FetchAll(ctx context.Context, table string) ([]*Record, error) {
	if err := r.checkTable(table); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.GetQueryTimeout())
	defer cancel()

	query := fmt.Sprintf("SELECT id, natural_key, payload, last_modified FROM `%s`", table)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("full fetch on %s failed: %w", table, err)
	}
	defer rows.Close()
	return collectRemoteRecords(rows)
}

func collectRemoteRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		rec, err := scanRemoteRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRemoteRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var rec Record
	var naturalKey sql.NullString
	var payload []byte
	var lastModified any
	if err := row.Scan(&rec.ID, &naturalKey, &payload, &lastModified); err != nil {
		return nil, err
	}
	rec.Payload = payload
	rec.NaturalKey = naturalKey.String
	rec.LastModified = coerceTime(lastModified)
	return &rec, nil
}

// coerceTime accepts whatever shape the driver hands back for the
// last_modified column.
func coerceTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case []byte:
		return parseTimeString(string(t))
	case string:
		return parseTimeString(t)
	default:
		return time.Time{}
	}
}

func parseTimeString(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (r *MySQLRemote) FindByNaturalKey(ctx context.Context, table, naturalKey string) (*Record, error) {
	if err := r.checkTable(table); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.GetQueryTimeout())
	defer cancel()

	query := fmt.Sprintf("SELECT id, natural_key, payload, last_modified FROM `%s` WHERE natural_key = ? LIMIT 1", table)
	rec, err := scanRemoteRecord(r.db.QueryRowContext(ctx, query, naturalKey))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (r *MySQLRemote) Insert(ctx context.Context, table string, rec *Record) (string, error) {
	if err := r.checkTable(table); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.GetQueryTimeout())
	defer cancel()

	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}
	query := fmt.Sprintf("INSERT INTO `%s` (id, natural_key, payload, last_modified) VALUES (?, ?, ?, ?)", table)
	_, err := r.db.ExecContext(ctx, query, id, nullIfEmpty(rec.NaturalKey), string(rec.Payload), rec.LastModified.UTC())
	if err != nil {
		return "", fmt.Errorf("insert into %s failed: %w", table, err)
	}
	return id, nil
}

func (r *MySQLRemote) Upsert(ctx context.Context, table string, rec *Record) error {
	if err := r.checkTable(table); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.GetQueryTimeout())
	defer cancel()

	query := fmt.Sprintf(`INSERT INTO `+"`%s`"+` (id, natural_key, payload, last_modified) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE natural_key = VALUES(natural_key), payload = VALUES(payload), last_modified = VALUES(last_modified)`, table)
	_, err := r.db.ExecContext(ctx, query, rec.ID, nullIfEmpty(rec.NaturalKey), string(rec.Payload), rec.LastModified.UTC())
	if err != nil {
		return fmt.Errorf("upsert into %s failed: %w", table, err)
	}
	return nil
}

func (r *MySQLRemote) Delete(ctx context.Context, table, id string) error {
	if err := r.checkTable(table); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.GetQueryTimeout())
	defer cancel()

	query := fmt.Sprintf("DELETE FROM `%s` WHERE id = ?", table)
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete from %s failed: %w", table, err)
	}
	return nil
}

// SupportsChangeNotifications checks that the remote server exposes a
// row-based binlog, which the change feed needs.
func (r *MySQLRemote) SupportsChangeNotifications(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.GetPingTimeout())
	defer cancel()

	var name, value string
	if err := r.db.QueryRowContext(ctx, "SHOW VARIABLES LIKE 'log_bin'").Scan(&name, &value); err != nil || value != "ON" {
		return false
	}
	if err := r.db.QueryRowContext(ctx, "SHOW VARIABLES LIKE 'binlog_format'").Scan(&name, &value); err != nil || value != "ROW" {
		return false
	}
	return true
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
