package sync

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-service/internal/store"
)

func TestFullSyncIsSingleFlight(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t)

	block := make(chan struct{})
	env.remote.mu.Lock()
	env.remote.blockFetch = block
	env.remote.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := o.FullSync()
		done <- err
	}()

	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.state == StateSyncing
	}, 2*time.Second, 5*time.Millisecond)

	_, err := o.FullSync()
	assert.ErrorIs(t, err, ErrAlreadySyncing)
	_, err = o.DeltaCycle()
	assert.ErrorIs(t, err, ErrAlreadySyncing)

	close(block)
	require.NoError(t, <-done)

	o.mu.Lock()
	assert.Equal(t, StateIdle, o.state)
	o.mu.Unlock()
}

func TestFullSyncRefusedWhileOffline(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t)
	o.online = false

	_, err := o.FullSync()
	assert.ErrorIs(t, err, ErrOffline)
	_, err = o.DeltaCycle()
	assert.ErrorIs(t, err, ErrOffline)
}

func TestDeltaCycleRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t)
	ctx := context.Background()

	localID, err := o.EnqueueMutation(ctx, "clients", OpCreate,
		payload(t, map[string]any{"name": "Acme", "status": "active"}), "")
	require.NoError(t, err)

	first, err := o.DeltaCycle()
	require.NoError(t, err)
	assert.Equal(t, 1, first.Pushed)
	assert.Equal(t, 0, first.Errors)

	rec, err := env.store.GetRecord(ctx, "clients", localID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSynced, rec.SyncStatus)
	require.True(t, rec.RemoteID.Valid)

	remoteRec := env.remote.get("clients", rec.RemoteID.String)
	require.NotNil(t, remoteRec)
	assert.JSONEq(t, string(rec.Payload), string(remoteRec.Payload))

	// A second cycle with nothing new is a no-op and keeps the identity.
	second, err := o.DeltaCycle()
	require.NoError(t, err)
	assert.Equal(t, 0, second.Pushed)
	assert.Equal(t, 0, second.Pulled)

	after, err := env.store.GetRecord(ctx, "clients", localID)
	require.NoError(t, err)
	assert.Equal(t, rec.RemoteID.String, after.RemoteID.String)
	assert.JSONEq(t, string(rec.Payload), string(after.Payload))
}

func TestDeltaCycleSubsetOnlyTouchesNamedTables(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t)
	ctx := context.Background()

	_, err := o.EnqueueMutation(ctx, "clients", OpCreate,
		payload(t, map[string]any{"name": "Acme"}), "")
	require.NoError(t, err)
	_, err = o.EnqueueMutation(ctx, "projects", OpCreate,
		payload(t, map[string]any{"name": "alpha"}), "")
	require.NoError(t, err)

	result, err := o.DeltaCycle("clients")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pushed)
	assert.Equal(t, 1, env.remote.count("clients"))
	assert.Equal(t, 0, env.remote.count("projects"), "projects stays queued")
}

func TestFullSyncTakesPreSyncSnapshot(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t)
	ctx := context.Background()

	_, err := o.EnqueueMutation(ctx, "clients", OpCreate,
		payload(t, map[string]any{"name": "Acme"}), "")
	require.NoError(t, err)

	_, err = o.FullSync()
	require.NoError(t, err)

	backups, err := o.ListBackups(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, backups)
	assert.True(t, strings.HasPrefix(backups[0].BackupName, "pre_full_sync_"))
}

func TestFullSyncRecordsHistory(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t)
	ctx := context.Background()

	_, err := o.FullSync()
	require.NoError(t, err)

	history, err := env.store.GetSyncHistory(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "full", history[0].Direction)
	assert.Equal(t, "completed", history[0].Status)
	assert.True(t, history[0].CompletedAt.Valid)
}

func TestGetStatusReportsPendingAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t)
	ctx := context.Background()

	_, err := o.EnqueueMutation(ctx, "clients", OpCreate,
		payload(t, map[string]any{"name": "Acme"}), "")
	require.NoError(t, err)
	_, err = o.EnqueueMutation(ctx, "clients", OpCreate,
		payload(t, map[string]any{"name": "Globex"}), "")
	require.NoError(t, err)

	status := o.GetStatus(ctx)
	assert.True(t, status.Online)
	assert.Equal(t, StateIdle, status.State)
	assert.Equal(t, 2, status.Tables["clients"].Pending)
	assert.Equal(t, int64(0), status.Metrics.TotalCycles)

	_, err = o.DeltaCycle()
	require.NoError(t, err)

	status = o.GetStatus(ctx)
	assert.Equal(t, 0, status.Tables["clients"].Pending)
	assert.Equal(t, int64(1), status.Metrics.TotalCycles)
	assert.Equal(t, int64(1), status.Metrics.SucceededCycles)
	assert.False(t, status.Metrics.LastSyncTime.IsZero())
}

func TestRestoreBackupRefusedDuringCycle(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t)

	block := make(chan struct{})
	env.remote.mu.Lock()
	env.remote.blockFetch = block
	env.remote.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := o.FullSync()
		done <- err
	}()
	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.state == StateSyncing
	}, 2*time.Second, 5*time.Millisecond)

	err := o.RestoreBackup(context.Background(), 1)
	assert.ErrorIs(t, err, ErrAlreadySyncing)

	close(block)
	require.NoError(t, <-done)
}

func TestReconnectTriggersDeltaCycle(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Sync.ConnectivityCheck = "20ms"

	ctx := context.Background()
	_, err := env.tracker.EnqueueMutation(ctx, "clients", OpCreate,
		payload(t, map[string]any{"name": "Acme"}), "")
	require.NoError(t, err)

	env.remote.mu.Lock()
	env.remote.pingErr = errInsertRefused
	env.remote.mu.Unlock()

	o := env.orchestrator(t)
	o.online = false
	o.Start()
	defer o.Stop()

	// Remote comes back; the prober must notice and drain the queue.
	env.remote.mu.Lock()
	env.remote.pingErr = nil
	env.remote.mu.Unlock()

	require.Eventually(t, func() bool {
		return env.remote.count("clients") == 1
	}, 3*time.Second, 10*time.Millisecond)
}
