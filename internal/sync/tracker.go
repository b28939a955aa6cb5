package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/store"
)

// ChangeTracker owns every sync_status transition. The engines call through
// it rather than writing status columns themselves, so the lifecycle rules
// live in one place.
type ChangeTracker struct {
	store        store.Store
	descriptors  *Descriptors
	retryCeiling int
}

func NewChangeTracker(st store.Store, descriptors *Descriptors, retryCeiling int) *ChangeTracker {
	return &ChangeTracker{
		store:        st,
		descriptors:  descriptors,
		retryCeiling: retryCeiling,
	}
}

// EnqueueMutation records an application write locally and marks it for
// push. It returns the local id (generated for creates).
func (t *ChangeTracker) EnqueueMutation(ctx context.Context, table string, op Operation, payload json.RawMessage, localID string) (string, error) {
	desc, ok := t.descriptors.Get(table)
	if !ok {
		return "", fmt.Errorf("table %q is not a tracked sync table", table)
	}

	now := time.Now()
	switch op {
	case OpCreate:
		// One local row per natural key per table. A second create for an
		// existing key folds into the row that already carries it.
		if key := desc.NaturalKeyOf(payload); key != "" {
			existing, err := t.store.FindByNaturalKey(ctx, table, key)
			if err != nil {
				return "", err
			}
			if existing != nil {
				logger.Log.Debug("Create coalesced into existing record",
					zap.String("table", table),
					zap.String("natural_key", key),
					zap.String("local_id", existing.LocalID))
				return t.applyLocalEdit(ctx, table, desc, existing, payload, now)
			}
		}
		rec := &store.Record{
			LocalID:      uuid.New().String(),
			Payload:      payload,
			SyncStatus:   store.StatusNewOffline,
			DirtyFlag:    true,
			CreatedAt:    now,
			LastModified: now,
		}
		if key := desc.NaturalKeyOf(payload); key != "" {
			rec.NaturalKey = sql.NullString{String: key, Valid: true}
		}
		if err := t.store.InsertRecord(ctx, table, rec); err != nil {
			return "", fmt.Errorf("failed to enqueue create on %s: %w", table, err)
		}
		return rec.LocalID, nil

	case OpUpdate:
		rec, err := t.store.GetRecord(ctx, table, localID)
		if err != nil {
			return "", err
		}
		if rec == nil {
			return "", fmt.Errorf("record %s/%s not found", table, localID)
		}
		return t.applyLocalEdit(ctx, table, desc, rec, payload, now)

	case OpDelete:
		rec, err := t.store.GetRecord(ctx, table, localID)
		if err != nil {
			return "", err
		}
		if rec == nil {
			return localID, nil // already gone
		}
		rec.SyncStatus = store.StatusDeleted
		rec.DirtyFlag = true
		rec.LastModified = now
		if err := t.store.UpdateRecord(ctx, table, rec); err != nil {
			return "", fmt.Errorf("failed to enqueue delete on %s: %w", table, err)
		}
		return rec.LocalID, nil

	default:
		return "", fmt.Errorf("unknown operation %q", op)
	}
}

// applyLocalEdit overwrites a record's payload and marks it for push.
func (t *ChangeTracker) applyLocalEdit(ctx context.Context, table string, desc TableDescriptor, rec *store.Record, payload json.RawMessage, now time.Time) (string, error) {
	rec.Payload = payload
	if key := desc.NaturalKeyOf(payload); key != "" {
		rec.NaturalKey = sql.NullString{String: key, Valid: true}
	}
	// A record that never reached the remote stays new_offline.
	if rec.SyncStatus != store.StatusNewOffline {
		rec.SyncStatus = store.StatusModifiedOffline
	}
	rec.DirtyFlag = true
	rec.LastModified = now
	if err := t.store.UpdateRecord(ctx, table, rec); err != nil {
		return "", fmt.Errorf("failed to enqueue update on %s: %w", table, err)
	}
	return rec.LocalID, nil
}

func (t *ChangeTracker) MarkDirty(ctx context.Context, table, localID string) error {
	rec, err := t.store.GetRecord(ctx, table, localID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("record %s/%s not found", table, localID)
	}
	status := store.StatusModifiedOffline
	if !rec.RemoteID.Valid {
		status = store.StatusNewOffline
	}
	return t.store.MarkDirty(ctx, table, localID, status)
}

// MarkSynced clears the dirty flag, resets the retry counter, and pins the
// remote identity. After this the record satisfies the synced invariant:
// remote_id set, dirty_flag clear.
func (t *ChangeTracker) MarkSynced(ctx context.Context, table, localID, remoteID string) error {
	return t.store.MarkSynced(ctx, table, localID, remoteID)
}

// MarkFailed isolates a failing record: its retry counter climbs until the
// ceiling, after which push selection skips it and it shows up in the failed
// status count for manual intervention.
func (t *ChangeTracker) MarkFailed(ctx context.Context, table, localID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := t.store.MarkFailed(ctx, table, localID, msg, t.retryCeiling); err != nil {
		return err
	}
	logger.Log.Warn("Record push failed",
		zap.String("table", table),
		zap.String("id", localID),
		zap.String("cause", msg),
	)
	return nil
}

// FindRecord resolves local identity: remote id first, then natural key.
func (t *ChangeTracker) FindRecord(ctx context.Context, table, remoteID, naturalKey string) (*store.Record, error) {
	if remoteID != "" {
		rec, err := t.store.FindByRemoteID(ctx, table, remoteID)
		if err != nil || rec != nil {
			return rec, err
		}
	}
	if naturalKey != "" {
		return t.store.FindByNaturalKey(ctx, table, naturalKey)
	}
	return nil, nil
}

func (t *ChangeTracker) RetryCeiling() int {
	return t.retryCeiling
}
