package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/database"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	db, err := database.NewDatabase(config.LocalDBConfig{Path: filepath.Join(dir, "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tables := []string{"clients", "projects"}
	require.NoError(t, db.InitSchema(context.Background(), tables))
	return NewSQLiteStore(db, tables)
}

func insertTestRecord(t *testing.T, st *SQLiteStore, table, remoteID, naturalKey, status string, dirty bool) *Record {
	t.Helper()
	now := time.Now()
	rec := &Record{
		LocalID:      uuid.New().String(),
		Payload:      json.RawMessage(`{"name":"` + naturalKey + `"}`),
		SyncStatus:   status,
		DirtyFlag:    dirty,
		CreatedAt:    now,
		LastModified: now,
	}
	if remoteID != "" {
		rec.RemoteID = sql.NullString{String: remoteID, Valid: true}
	}
	if naturalKey != "" {
		rec.NaturalKey = sql.NullString{String: naturalKey, Valid: true}
	}
	require.NoError(t, st.InsertRecord(context.Background(), table, rec))
	return rec
}

func TestRecordRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec := insertTestRecord(t, st, "clients", "r-1", "Acme", StatusSynced, false)

	got, err := st.GetRecord(ctx, "clients", rec.LocalID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r-1", got.RemoteID.String)
	assert.Equal(t, "Acme", got.NaturalKey.String)
	assert.JSONEq(t, string(rec.Payload), string(got.Payload))
	assert.WithinDuration(t, rec.LastModified, got.LastModified, time.Millisecond)

	byRemote, err := st.FindByRemoteID(ctx, "clients", "r-1")
	require.NoError(t, err)
	require.NotNil(t, byRemote)
	assert.Equal(t, rec.LocalID, byRemote.LocalID)

	byKey, err := st.FindByNaturalKey(ctx, "clients", "Acme")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, rec.LocalID, byKey.LocalID)
}

func TestUnknownTableRejected(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.GetRecord(ctx, "payroll; DROP TABLE clients", "x")
	assert.Error(t, err)
	_, err = st.ListAll(ctx, "not_tracked")
	assert.Error(t, err)
}

func TestListDirtySelectsEveryUnsyncedStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	insertTestRecord(t, st, "clients", "", "a", StatusNewOffline, true)
	insertTestRecord(t, st, "clients", "r-1", "b", StatusModifiedOffline, true)
	insertTestRecord(t, st, "clients", "r-2", "c", StatusDeleted, true)
	insertTestRecord(t, st, "clients", "r-3", "d", StatusSynced, false)

	dirty, err := st.ListDirty(ctx, "clients", 3)
	require.NoError(t, err)
	assert.Len(t, dirty, 3)
}

func TestMarkFailedStopsAtCeiling(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec := insertTestRecord(t, st, "clients", "", "Acme", StatusNewOffline, true)

	for i := 1; i <= 3; i++ {
		require.NoError(t, st.MarkFailed(ctx, "clients", rec.LocalID, "remote refused", 3))
	}

	got, err := st.GetRecord(ctx, "clients", rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, StatusFailed, got.SyncStatus)
	assert.Equal(t, "remote refused", got.LastError.String)

	dirty, err := st.ListDirty(ctx, "clients", 3)
	require.NoError(t, err)
	assert.Empty(t, dirty)

	pending, failed, err := st.CountPending(ctx, "clients", 3)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, failed)
}

func TestMarkSyncedClearsFailureState(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec := insertTestRecord(t, st, "clients", "", "Acme", StatusNewOffline, true)
	require.NoError(t, st.MarkFailed(ctx, "clients", rec.LocalID, "timeout", 3))
	require.NoError(t, st.MarkSynced(ctx, "clients", rec.LocalID, "r-9"))

	got, err := st.GetRecord(ctx, "clients", rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, got.SyncStatus)
	assert.False(t, got.DirtyFlag)
	assert.Equal(t, 0, got.RetryCount)
	assert.False(t, got.LastError.Valid)
	assert.Equal(t, "r-9", got.RemoteID.String)
}

func TestDeleteOrphansSparesLocalOnlyRows(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	keep := insertTestRecord(t, st, "clients", "r-1", "a", StatusSynced, false)
	orphan := insertTestRecord(t, st, "clients", "r-2", "b", StatusSynced, false)
	localOnly := insertTestRecord(t, st, "clients", "", "c", StatusNewOffline, true)

	removed, err := st.DeleteOrphans(ctx, "clients", map[string]bool{"r-1": true})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	all, err := st.ListAll(ctx, "clients")
	require.NoError(t, err)
	ids := make(map[string]bool, len(all))
	for _, r := range all {
		ids[r.LocalID] = true
	}
	assert.True(t, ids[keep.LocalID])
	assert.True(t, ids[localOnly.LocalID])
	assert.False(t, ids[orphan.LocalID])
}

func TestRemoveNaturalKeyDuplicatesKeepsRemoteLinkedRow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Insert the unlinked twin first so creation order alone would favor it.
	dupe := insertTestRecord(t, st, "projects", "", "alpha", StatusSynced, false)
	linked := insertTestRecord(t, st, "projects", "r-1", "alpha", StatusSynced, false)

	removed, err := st.RemoveNaturalKeyDuplicates(ctx, "projects")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	survivor, err := st.FindByNaturalKey(ctx, "projects", "alpha")
	require.NoError(t, err)
	require.NotNil(t, survivor)
	assert.Equal(t, linked.LocalID, survivor.LocalID)

	gone, err := st.GetRecord(ctx, "projects", dupe.LocalID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestRemoveNaturalKeyDuplicatesSparesDirtyUnpushedRow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// The unlinked twin still carries unpushed work; cleanup must leave it
	// for the push engine rather than discard the edit.
	dirty := insertTestRecord(t, st, "projects", "", "alpha", StatusNewOffline, true)
	linked := insertTestRecord(t, st, "projects", "r-1", "alpha", StatusSynced, false)

	removed, err := st.RemoveNaturalKeyDuplicates(ctx, "projects")
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	still, err := st.GetRecord(ctx, "projects", dirty.LocalID)
	require.NoError(t, err)
	require.NotNil(t, still)
	assert.True(t, still.DirtyFlag)

	kept, err := st.GetRecord(ctx, "projects", linked.LocalID)
	require.NoError(t, err)
	require.NotNil(t, kept)
}

func TestReplaceAllSwapsTableContents(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	insertTestRecord(t, st, "clients", "r-1", "a", StatusSynced, false)
	insertTestRecord(t, st, "clients", "r-2", "b", StatusSynced, false)

	replacement := []*Record{
		{
			LocalID:      uuid.New().String(),
			Payload:      json.RawMessage(`{"name":"only"}`),
			SyncStatus:   StatusSynced,
			CreatedAt:    time.Now(),
			LastModified: time.Now(),
		},
	}
	require.NoError(t, st.ReplaceAll(ctx, "clients", replacement))

	all, err := st.ListAll(ctx, "clients")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, replacement[0].LocalID, all[0].LocalID)
}

func TestConflictLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	conflict := &Conflict{
		ID:         uuid.New().String(),
		TableName:  "clients",
		RecordID:   "l-1",
		LocalData:  json.RawMessage(`{"status":"pending"}`),
		RemoteData: json.RawMessage(`{"status":"active"}`),
		Resolution: "local-wins",
		DetectedAt: time.Now(),
	}
	require.NoError(t, st.CreateConflict(ctx, conflict))

	open, err := st.ListConflicts(ctx, false, 10, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.JSONEq(t, `{"status":"pending"}`, string(open[0].LocalData))
	assert.JSONEq(t, `{"status":"active"}`, string(open[0].RemoteData))

	require.NoError(t, st.ResolveConflict(ctx, conflict.ID, "manual",
		[]byte(`{"status":"active"}`)))

	open, err = st.ListConflicts(ctx, false, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, open)

	resolved, err := st.ListConflicts(ctx, true, 10, 0)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "manual", resolved[0].ResolutionStrategy.String)
	assert.True(t, resolved[0].ResolvedAt.Valid)
}
