package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/database"
	"offline-sync-service/internal/remote"
	"offline-sync-service/internal/store"
)

var testTables = []config.TableConfig{
	{Name: "clients", NaturalKey: "name", DependencyRank: 0, SignificantFields: []string{"name", "email", "status"}},
	{Name: "projects", NaturalKey: "name", DependencyRank: 1, SignificantFields: []string{"name", "client", "status"}},
	{Name: "payments", DependencyRank: 2},
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		LocalDB: config.LocalDBConfig{
			Path:          filepath.Join(dir, "sync.db"),
			WatermarkPath: filepath.Join(dir, "watermarks.json"),
		},
		Sync: config.SyncConfig{
			Tables:         testTables,
			ConflictPolicy: "local-wins",
			ConflictSkew:   "60s",
			RetryCeiling:   3,
		},
		Backup: config.BackupConfig{Retention: 3},
	}
}

type testEnv struct {
	cfg         *config.Config
	db          *database.Database
	store       *store.SQLiteStore
	remote      *fakeRemote
	descriptors *Descriptors
	tracker     *ChangeTracker
	resolver    *Resolver
	watermarks  *WatermarkStore
	bus         *Bus
	pull        *PullEngine
	push        *PushEngine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := testConfig(t)

	db, err := database.NewDatabase(cfg.LocalDB)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	names := make([]string, 0, len(cfg.Sync.Tables))
	for _, tc := range cfg.Sync.Tables {
		names = append(names, tc.Name)
	}
	require.NoError(t, db.InitSchema(context.Background(), names))

	st := store.NewSQLiteStore(db, names)
	descriptors := DescriptorsFromConfig(cfg.Sync.Tables)
	tracker := NewChangeTracker(st, descriptors, cfg.Sync.RetryCeiling)
	resolver := NewResolver(st, PolicyLocalWins, cfg.Sync.GetConflictSkew())
	watermarks := NewWatermarkStore(cfg.LocalDB.WatermarkPath)
	bus := NewBus()
	rem := newFakeRemote(names...)

	return &testEnv{
		cfg:         cfg,
		db:          db,
		store:       st,
		remote:      rem,
		descriptors: descriptors,
		tracker:     tracker,
		resolver:    resolver,
		watermarks:  watermarks,
		bus:         bus,
		pull:        NewPullEngine(st, rem, tracker, resolver, watermarks, bus),
		push:        NewPushEngine(st, rem, tracker, bus),
	}
}

func (e *testEnv) desc(t *testing.T, name string) TableDescriptor {
	t.Helper()
	d, ok := e.descriptors.Get(name)
	require.True(t, ok, "unknown table %s", name)
	return d
}

func (e *testEnv) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(e.cfg, e.store, e.remote, e.watermarks)
	require.NoError(t, err)
	o.online = true
	return o
}

func payload(t *testing.T, fields map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	return b
}

var errInsertRefused = errors.New("insert refused")

// fakeRemote is an in-memory stand-in for the shared store.
type fakeRemote struct {
	mu     gosync.Mutex
	tables map[string]map[string]*remote.Record
	nextID int

	pingErr      error
	supportsFeed bool
	feed         *fakeFeed

	// failInsertKey makes Insert refuse records with this natural key.
	failInsertKey string

	queryCalls  int
	insertCalls int
	upsertCalls int
	deleteCalls int

	// blockFetch, when set, parks FetchAll until the channel is closed.
	blockFetch chan struct{}
}

func newFakeRemote(tables ...string) *fakeRemote {
	f := &fakeRemote{tables: make(map[string]map[string]*remote.Record)}
	for _, t := range tables {
		f.tables[t] = make(map[string]*remote.Record)
	}
	return f
}

func (f *fakeRemote) seed(table, id, naturalKey string, payload json.RawMessage, lastModified time.Time) *remote.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := &remote.Record{ID: id, NaturalKey: naturalKey, Payload: payload, LastModified: lastModified}
	f.tables[table][id] = rec
	return rec
}

func (f *fakeRemote) count(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[table])
}

func (f *fakeRemote) get(table, id string) *remote.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[table][id]
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeRemote) QueryChangedSince(ctx context.Context, table string, since time.Time) ([]*remote.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls++
	rows, ok := f.tables[table]
	if !ok {
		return nil, fmt.Errorf("unknown table %s", table)
	}
	var out []*remote.Record
	for _, rec := range rows {
		if rec.LastModified.After(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeRemote) FetchAll(ctx context.Context, table string) ([]*remote.Record, error) {
	f.mu.Lock()
	block := f.blockFetch
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	rows, ok := f.tables[table]
	if !ok {
		return nil, fmt.Errorf("unknown table %s", table)
	}
	var out []*remote.Record
	for _, rec := range rows {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeRemote) FindByNaturalKey(ctx context.Context, table, naturalKey string) (*remote.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.tables[table] {
		if rec.NaturalKey == naturalKey {
			return rec, nil
		}
	}
	return nil, nil
}

func (f *fakeRemote) Insert(ctx context.Context, table string, rec *remote.Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsertKey != "" && rec.NaturalKey == f.failInsertKey {
		return "", errInsertRefused
	}
	f.insertCalls++
	f.nextID++
	id := rec.ID
	if id == "" {
		id = fmt.Sprintf("r-%d", f.nextID)
	}
	stored := *rec
	stored.ID = id
	f.tables[table][id] = &stored
	return id, nil
}

func (f *fakeRemote) Upsert(ctx context.Context, table string, rec *remote.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	stored := *rec
	f.tables[table][rec.ID] = &stored
	return nil
}

func (f *fakeRemote) Delete(ctx context.Context, table, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	delete(f.tables[table], id)
	return nil
}

func (f *fakeRemote) SupportsChangeNotifications(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.supportsFeed
}

func (f *fakeRemote) StartChangeFeed(ctx context.Context) (remote.ChangeFeed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.supportsFeed {
		return nil, fmt.Errorf("change feed unsupported")
	}
	f.feed = &fakeFeed{ch: make(chan remote.TableChange, 64)}
	return f.feed, nil
}

func (f *fakeRemote) Close() error { return nil }

type fakeFeed struct {
	ch     chan remote.TableChange
	closed gosync.Once
}

func (f *fakeFeed) Events() <-chan remote.TableChange { return f.ch }

func (f *fakeFeed) Stop() {
	f.closed.Do(func() { close(f.ch) })
}

func (f *fakeFeed) emit(table string) {
	f.ch <- remote.TableChange{Table: table}
}
