package store

import (
	"context"
)

type Store interface {
	// Records
	GetRecord(ctx context.Context, table, localID string) (*Record, error)
	FindByRemoteID(ctx context.Context, table, remoteID string) (*Record, error)
	FindByNaturalKey(ctx context.Context, table, naturalKey string) (*Record, error)
	InsertRecord(ctx context.Context, table string, rec *Record) error
	UpdateRecord(ctx context.Context, table string, rec *Record) error
	DeleteRecord(ctx context.Context, table, localID string) error
	ListDirty(ctx context.Context, table string, retryCeiling int) ([]*Record, error)
	ListAll(ctx context.Context, table string) ([]*Record, error)
	ReplaceAll(ctx context.Context, table string, records []*Record) error
	CountPending(ctx context.Context, table string, retryCeiling int) (pending int, failed int, err error)

	// Status transitions (called only through the change tracker)
	MarkDirty(ctx context.Context, table, localID, status string) error
	MarkSynced(ctx context.Context, table, localID, remoteID string) error
	MarkFailed(ctx context.Context, table, localID, message string, retryCeiling int) error

	// Reconcile helpers
	DeleteOrphans(ctx context.Context, table string, validRemoteIDs map[string]bool) (int, error)
	RemoveNaturalKeyDuplicates(ctx context.Context, table string) (int, error)

	// Conflict audit trail
	CreateConflict(ctx context.Context, conflict *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*Conflict, error)
	ResolveConflict(ctx context.Context, id, strategy string, resolvedData []byte) error

	// Backups
	CreateBackup(ctx context.Context, name string, data []byte, retention int) (int64, error)
	GetBackup(ctx context.Context, id int64) (*Backup, error)
	ListBackups(ctx context.Context) ([]*Backup, error)

	// History
	CreateSyncHistory(ctx context.Context, history *SyncHistory) error
	UpdateSyncHistory(ctx context.Context, history *SyncHistory) error
	GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error)
}
