package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/remote"
	"offline-sync-service/internal/store"
)

type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateError   State = "error"
)

type Metrics struct {
	TotalCycles        int64     `json:"total_cycles"`
	SucceededCycles    int64     `json:"succeeded_cycles"`
	FailedCycles       int64     `json:"failed_cycles"`
	TotalRecordsSynced int64     `json:"total_records_synced"`
	LastSyncTime       time.Time `json:"last_sync_time"`
}

type TableCounts struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

type Status struct {
	Online  bool                   `json:"online"`
	State   State                  `json:"state"`
	Tables  map[string]TableCounts `json:"tables"`
	Metrics Metrics                `json:"metrics"`
}

// CycleResult summarizes one completed sync cycle.
type CycleResult struct {
	Direction string `json:"direction"`
	Pushed    int    `json:"pushed"`
	Pulled    int    `json:"pulled"`
	Deleted   int    `json:"deleted"`
	Orphans   int    `json:"orphans"`
	Conflicts int    `json:"conflicts"`
	Errors    int    `json:"errors"`
}

// Orchestrator is the single entry point the application talks to. It owns
// the idle/syncing/error state machine, the single-flight guard, the
// connectivity prober, and the wiring between realtime events, the
// scheduler, and the pull/push engines.
type Orchestrator struct {
	cfg         *config.Config
	descriptors *Descriptors

	store      store.Store
	remote     remote.Remote
	tracker    *ChangeTracker
	resolver   *Resolver
	pull       *PullEngine
	push       *PushEngine
	backup     *BackupManager
	watermarks *WatermarkStore
	bus        *Bus

	watcher   *RealtimeWatcher
	scheduler *Scheduler

	mu          gosync.Mutex
	state       State
	online      bool
	cancelCycle context.CancelFunc
	metrics     Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

func NewOrchestrator(cfg *config.Config, st store.Store, rem remote.Remote, watermarks *WatermarkStore) (*Orchestrator, error) {
	policy, err := ParsePolicy(cfg.Sync.ConflictPolicy)
	if err != nil {
		return nil, err
	}

	descriptors := DescriptorsFromConfig(cfg.Sync.Tables)
	bus := NewBus()
	tracker := NewChangeTracker(st, descriptors, cfg.Sync.RetryCeiling)
	resolver := NewResolver(st, policy, cfg.Sync.GetConflictSkew())

	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		cfg:         cfg,
		descriptors: descriptors,
		store:       st,
		remote:      rem,
		tracker:     tracker,
		resolver:    resolver,
		pull:        NewPullEngine(st, rem, tracker, resolver, watermarks, bus),
		push:        NewPushEngine(st, rem, tracker, bus),
		backup:      NewBackupManager(st, descriptors, cfg.Backup.Retention),
		watermarks:  watermarks,
		bus:         bus,
		state:       StateIdle,
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.Realtime.Enabled {
		o.watcher = NewRealtimeWatcher(rem, o.requestPull,
			cfg.Realtime.GetDebounceWindow(), cfg.Realtime.GetReprobeEvery())
	}
	if cfg.Scheduler.Enabled {
		o.scheduler = NewScheduler(cfg.Scheduler, o)
	}

	return o, nil
}

// Start launches the background workers: connectivity prober, periodic
// delta scheduler, and the realtime watcher.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.probeConnectivity()

	if o.scheduler != nil {
		o.scheduler.Start()
	}
	if o.watcher != nil {
		o.watcher.Start(o.ctx)
	}

	logger.Log.Info("Sync orchestrator started",
		zap.Strings("tables", o.descriptors.Names()),
		zap.String("conflict_policy", o.cfg.Sync.ConflictPolicy),
	)
}

// Stop cancels any running cycle and shuts the workers down.
func (o *Orchestrator) Stop() {
	o.CancelCycle()
	o.cancel()
	if o.scheduler != nil {
		o.scheduler.Stop()
	}
	if o.watcher != nil {
		o.watcher.Stop()
	}
	o.wg.Wait()
	logger.Log.Info("Sync orchestrator stopped")
}

// Bus exposes the notification channel for external observers.
func (o *Orchestrator) Bus() *Bus {
	return o.bus
}

// EnqueueMutation records a local create/update/delete and marks it for
// push. Non-blocking apart from the local write itself.
func (o *Orchestrator) EnqueueMutation(ctx context.Context, table string, op Operation, payload json.RawMessage, localID string) (string, error) {
	return o.tracker.EnqueueMutation(ctx, table, op, payload, localID)
}

// beginCycle is the single-flight gate: at most one cycle runs at a time.
func (o *Orchestrator) beginCycle() (context.Context, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateSyncing {
		return nil, false
	}
	o.state = StateSyncing
	ctx, cancel := context.WithCancel(o.ctx)
	o.cancelCycle = cancel
	return ctx, true
}

func (o *Orchestrator) endCycle(result CycleResult, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelCycle != nil {
		o.cancelCycle()
		o.cancelCycle = nil
	}
	o.metrics.TotalCycles++
	if err != nil {
		o.metrics.FailedCycles++
		o.state = StateError
	} else {
		o.metrics.SucceededCycles++
		o.metrics.TotalRecordsSynced += int64(result.Pushed + result.Pulled)
		o.metrics.LastSyncTime = time.Now()
		o.state = StateIdle
	}
}

// CancelCycle asks a running cycle to stop. The cycle observes the flag
// between per-record applies; no record is left half-applied.
func (o *Orchestrator) CancelCycle() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelCycle != nil {
		o.cancelCycle()
	}
}

// FullSync pushes local changes, snapshots all tables, runs a full-table
// reconcile with orphan cleanup, and records the cycle. A concurrent call
// while one is running returns ErrAlreadySyncing immediately.
func (o *Orchestrator) FullSync() (CycleResult, error) {
	ctx, ok := o.beginCycle()
	if !ok {
		return CycleResult{}, ErrAlreadySyncing
	}

	if !o.IsOnline() {
		o.endCycle(CycleResult{}, ErrOffline)
		return CycleResult{}, ErrOffline
	}

	result, err := o.runFullSync(ctx)
	o.endCycle(result, err)
	return result, err
}

func (o *Orchestrator) runFullSync(ctx context.Context) (CycleResult, error) {
	result := CycleResult{Direction: "full"}
	history := o.startHistory(ctx, "full")

	// A full reconcile can delete local rows in bulk; snapshot first.
	if _, err := o.backup.Snapshot(ctx, "pre_full_sync_"+time.Now().Format("20060102_150405")); err != nil {
		logger.Log.Error("Pre-sync snapshot failed, aborting full sync", zap.Error(err))
		o.finishHistory(ctx, history, result, err)
		return result, err
	}

	tables := o.descriptors.InOrder()

	pushStats, err := o.push.Push(ctx, tables)
	result.Pushed = pushStats.Pushed
	result.Deleted = pushStats.Deleted
	result.Errors += pushStats.Errors
	if err != nil {
		o.finishHistory(ctx, history, result, err)
		return result, err
	}

	pullStats, err := o.pull.FullReconcile(ctx, tables)
	result.Pulled = pullStats.Applied()
	result.Orphans = pullStats.Orphans
	result.Conflicts = pullStats.Conflicts
	result.Errors += pullStats.Errors
	if err != nil {
		o.finishHistory(ctx, history, result, err)
		return result, err
	}

	o.finishHistory(ctx, history, result, nil)
	logger.Log.Info("Full sync completed",
		zap.Int("pushed", result.Pushed),
		zap.Int("pulled", result.Pulled),
		zap.Int("orphans", result.Orphans),
		zap.Int("conflicts", result.Conflicts),
	)
	return result, nil
}

// DeltaCycle pushes local changes and delta-pulls the given tables (all
// tables when none are named). Used by the periodic timer and by
// realtime-triggered pulls.
func (o *Orchestrator) DeltaCycle(tableNames ...string) (CycleResult, error) {
	ctx, ok := o.beginCycle()
	if !ok {
		return CycleResult{}, ErrAlreadySyncing
	}

	if !o.IsOnline() {
		o.endCycle(CycleResult{}, ErrOffline)
		return CycleResult{}, ErrOffline
	}

	result, err := o.runDeltaCycle(ctx, tableNames)
	o.endCycle(result, err)
	return result, err
}

func (o *Orchestrator) runDeltaCycle(ctx context.Context, tableNames []string) (CycleResult, error) {
	result := CycleResult{Direction: "delta"}

	tables := o.descriptors.InOrder()
	if len(tableNames) > 0 {
		wanted := make(map[string]bool, len(tableNames))
		for _, name := range tableNames {
			wanted[name] = true
		}
		var subset []TableDescriptor
		for _, d := range tables {
			if wanted[d.Name] {
				subset = append(subset, d)
			}
		}
		tables = subset
	}
	if len(tables) == 0 {
		return result, nil
	}

	history := o.startHistory(ctx, "delta")

	pushStats, err := o.push.Push(ctx, tables)
	result.Pushed = pushStats.Pushed
	result.Deleted = pushStats.Deleted
	result.Errors += pushStats.Errors
	if err != nil {
		o.finishHistory(ctx, history, result, err)
		return result, err
	}

	pullStats, err := o.pull.DeltaPull(ctx, tables)
	result.Pulled = pullStats.Applied()
	result.Conflicts = pullStats.Conflicts
	result.Errors += pullStats.Errors
	if err != nil {
		o.finishHistory(ctx, history, result, err)
		return result, err
	}

	o.finishHistory(ctx, history, result, nil)
	return result, nil
}

// requestPull is the realtime watcher's entry point: a debounced, batched
// delta cycle over just the tables that changed remotely.
func (o *Orchestrator) requestPull(tables []string) error {
	_, err := o.DeltaCycle(tables...)
	return err
}

func (o *Orchestrator) startHistory(ctx context.Context, direction string) *store.SyncHistory {
	h := &store.SyncHistory{
		ID:        uuid.New().String(),
		StartedAt: time.Now(),
		Direction: direction,
		Status:    "running",
	}
	if err := o.store.CreateSyncHistory(ctx, h); err != nil {
		logger.Log.Debug("Failed to record sync history", zap.Error(err))
		return nil
	}
	return h
}

func (o *Orchestrator) finishHistory(ctx context.Context, h *store.SyncHistory, result CycleResult, cycleErr error) {
	if h == nil {
		return
	}
	h.CompletedAt = sql.NullTime{Time: time.Now(), Valid: true}
	h.TablesSynced = strings.Join(o.descriptors.Names(), ",")
	h.TotalRows = int64(result.Pushed + result.Pulled)
	h.ConflictsDetected = result.Conflicts
	if cycleErr != nil {
		h.Status = "failed"
		h.ErrorMessage = sql.NullString{String: cycleErr.Error(), Valid: true}
	} else {
		h.Status = "completed"
	}
	if err := o.store.UpdateSyncHistory(ctx, h); err != nil {
		logger.Log.Debug("Failed to update sync history", zap.Error(err))
	}
}

// GetStatus returns the structured snapshot the UI polls: connectivity,
// state-machine state, per-table pending/failed counts, and metrics.
func (o *Orchestrator) GetStatus(ctx context.Context) Status {
	o.mu.Lock()
	status := Status{
		Online:  o.online,
		State:   o.state,
		Metrics: o.metrics,
		Tables:  make(map[string]TableCounts),
	}
	o.mu.Unlock()

	for _, desc := range o.descriptors.InOrder() {
		pending, failed, err := o.store.CountPending(ctx, desc.Name, o.cfg.Sync.RetryCeiling)
		if err != nil {
			logger.Log.Debug("Failed to count pending records",
				zap.String("table", desc.Name), zap.Error(err))
			continue
		}
		status.Tables[desc.Name] = TableCounts{Pending: pending, Failed: failed}
	}
	return status
}

func (o *Orchestrator) IsOnline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// probeConnectivity pings the remote on a timer and reports flips on the
// same bus used for data changes. The first successful probe after a dark
// stretch kicks a delta cycle so queued offline work drains promptly.
func (o *Orchestrator) probeConnectivity() {
	defer o.wg.Done()

	probe := func() {
		err := o.remote.Ping(o.ctx)
		nowOnline := err == nil

		o.mu.Lock()
		wasOnline := o.online
		o.online = nowOnline
		o.mu.Unlock()

		if nowOnline != wasOnline {
			logger.Log.Info("Connectivity changed", zap.Bool("online", nowOnline))
			o.bus.ConnectivityChanged(nowOnline)
			if nowOnline {
				go func() {
					if _, err := o.DeltaCycle(); err != nil && err != ErrAlreadySyncing {
						logger.Log.Warn("Reconnect sync failed", zap.Error(err))
					}
				}()
			}
		}
	}

	probe()
	ticker := time.NewTicker(o.cfg.Sync.GetConnectivityCheck())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			probe()
		case <-o.ctx.Done():
			return
		}
	}
}

// RestoreBackup reloads a snapshot. Refused while a cycle is running.
func (o *Orchestrator) RestoreBackup(ctx context.Context, id int64) error {
	cycleCtx, ok := o.beginCycle()
	if !ok {
		return ErrAlreadySyncing
	}
	err := o.backup.Restore(cycleCtx, id)
	o.endCycle(CycleResult{Direction: "restore"}, err)
	return err
}

// ListBackups and ListConflicts pass through for the control API.
func (o *Orchestrator) ListBackups(ctx context.Context) ([]*store.Backup, error) {
	return o.store.ListBackups(ctx)
}

func (o *Orchestrator) ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*store.Conflict, error) {
	return o.store.ListConflicts(ctx, resolved, limit, offset)
}

func (o *Orchestrator) ResolveConflict(ctx context.Context, id, strategy string, resolvedData []byte) error {
	return o.store.ResolveConflict(ctx, id, strategy, resolvedData)
}
