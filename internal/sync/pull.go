package sync

import (
	"bytes"
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/remote"
	"offline-sync-service/internal/store"
)

// PullStats aggregates one pull pass. Errors counts isolated per-record
// failures; they never abort the batch.
type PullStats struct {
	Inserted  int
	Updated   int
	Conflicts int
	Orphans   int
	Errors    int

	changedTables map[string]bool
}

func (s *PullStats) changed(table string) {
	if s.changedTables == nil {
		s.changedTables = make(map[string]bool)
	}
	s.changedTables[table] = true
}

func (s *PullStats) Applied() int {
	return s.Inserted + s.Updated
}

// PullEngine brings remote changes into the local store: incrementally via
// the watermark cursor, or as a full-table reconcile with orphan cleanup.
type PullEngine struct {
	store      store.Store
	remote     remote.Remote
	tracker    *ChangeTracker
	resolver   *Resolver
	watermarks *WatermarkStore
	bus        *Bus
}

func NewPullEngine(st store.Store, rem remote.Remote, tracker *ChangeTracker, resolver *Resolver, watermarks *WatermarkStore, bus *Bus) *PullEngine {
	return &PullEngine{
		store:      st,
		remote:     rem,
		tracker:    tracker,
		resolver:   resolver,
		watermarks: watermarks,
		bus:        bus,
	}
}

// DeltaPull fetches records modified after each table's watermark and applies
// them. The watermark advances to the newest timestamp seen, only after the
// batch has been applied; a crash mid-batch just re-applies idempotent
// upserts on restart.
func (p *PullEngine) DeltaPull(ctx context.Context, tables []TableDescriptor) (PullStats, error) {
	var stats PullStats

	for _, desc := range tables {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		since := p.watermarks.Get(desc.Name)
		records, err := p.remote.QueryChangedSince(ctx, desc.Name, since)
		if err != nil {
			// Structural or transient: skip this table, the rest proceed.
			logger.Log.Warn("Delta query failed, skipping table",
				zap.String("table", desc.Name), zap.Error(err))
			stats.Errors++
			continue
		}
		if len(records) == 0 {
			continue
		}

		maxSeen := since
		applied := false
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			wrote, err := p.applyRemote(ctx, desc, rec, &stats)
			if err != nil {
				logger.Log.Warn("Failed to apply remote record",
					zap.String("table", desc.Name), zap.String("remote_id", rec.ID), zap.Error(err))
				stats.Errors++
				continue
			}
			applied = applied || wrote
			if rec.LastModified.After(maxSeen) {
				maxSeen = rec.LastModified
			}
		}

		p.watermarks.Advance(desc.Name, maxSeen)
		if applied {
			stats.changed(desc.Name)
		}
	}

	p.notify(stats)
	return stats, nil
}

// FullReconcile fetches every remote row per table, applies the same upsert
// logic, then removes local rows whose remote identity no longer exists.
// Rows that were never pushed (null remote_id) are never touched.
func (p *PullEngine) FullReconcile(ctx context.Context, tables []TableDescriptor) (PullStats, error) {
	var stats PullStats

	for _, desc := range tables {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		records, err := p.remote.FetchAll(ctx, desc.Name)
		if err != nil {
			logger.Log.Warn("Full fetch failed, skipping table",
				zap.String("table", desc.Name), zap.Error(err))
			stats.Errors++
			continue
		}

		validIDs := make(map[string]bool, len(records))
		maxSeen := p.watermarks.Get(desc.Name)
		applied := false

		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			validIDs[rec.ID] = true
			wrote, err := p.applyRemote(ctx, desc, rec, &stats)
			if err != nil {
				logger.Log.Warn("Failed to apply remote record",
					zap.String("table", desc.Name), zap.String("remote_id", rec.ID), zap.Error(err))
				stats.Errors++
				continue
			}
			applied = applied || wrote
			if rec.LastModified.After(maxSeen) {
				maxSeen = rec.LastModified
			}
		}

		orphans, err := p.store.DeleteOrphans(ctx, desc.Name, validIDs)
		if err != nil {
			logger.Log.Error("Orphan cleanup failed", zap.String("table", desc.Name), zap.Error(err))
			stats.Errors++
		} else if orphans > 0 {
			stats.Orphans += orphans
			applied = true
			logger.Log.Info("Removed orphaned records",
				zap.String("table", desc.Name), zap.Int("count", orphans))
		}

		p.watermarks.Advance(desc.Name, maxSeen)
		if applied {
			stats.changed(desc.Name)
		}
	}

	p.notify(stats)
	return stats, nil
}

func (p *PullEngine) notify(stats PullStats) {
	for table := range stats.changedTables {
		p.bus.TableChanged(table)
	}
}

// applyRemote upserts one remote record locally. Identity resolves by
// remote_id first, then by natural key; neither match means the record is
// new here. Returns whether anything was written.
func (p *PullEngine) applyRemote(ctx context.Context, desc TableDescriptor, rec *remote.Record, stats *PullStats) (bool, error) {
	local, err := p.tracker.FindRecord(ctx, desc.Name, rec.ID, rec.NaturalKey)
	if err != nil {
		return false, err
	}

	if local == nil {
		now := time.Now()
		newRec := &store.Record{
			LocalID:      uuid.New().String(),
			RemoteID:     sql.NullString{String: rec.ID, Valid: true},
			Payload:      rec.Payload,
			SyncStatus:   store.StatusSynced,
			CreatedAt:    now,
			LastModified: rec.LastModified,
		}
		if key := rec.NaturalKey; key != "" {
			newRec.NaturalKey = sql.NullString{String: key, Valid: true}
		} else if key := desc.NaturalKeyOf(rec.Payload); key != "" {
			newRec.NaturalKey = sql.NullString{String: key, Valid: true}
		}
		if err := p.store.InsertRecord(ctx, desc.Name, newRec); err != nil {
			return false, err
		}
		stats.Inserted++
		return true, nil
	}

	if local.DirtyFlag {
		// Local unpushed work collides with an incoming remote update.
		res, err := p.resolver.Resolve(ctx, desc, local, rec)
		if err != nil {
			return false, err
		}
		if res.Conflicted {
			stats.Conflicts++
		}

		// The resolved value still needs a push whenever it differs from
		// what the remote already holds. That covers both a surviving
		// local value and a merge result.
		needsPush := !bytes.Equal(res.Payload, rec.Payload)
		local.RemoteID = sql.NullString{String: rec.ID, Valid: true}
		local.Payload = res.Payload
		if needsPush {
			local.DirtyFlag = true
		} else {
			local.DirtyFlag = false
			local.SyncStatus = store.StatusSynced
			local.LastModified = rec.LastModified
		}
		if err := p.store.UpdateRecord(ctx, desc.Name, local); err != nil {
			return false, err
		}
		stats.Updated++
		return true, nil
	}

	// Clean local copy: idempotent upsert, skip when nothing changed.
	if local.RemoteID.Valid && local.RemoteID.String == rec.ID && bytes.Equal(local.Payload, rec.Payload) {
		return false, nil
	}

	local.RemoteID = sql.NullString{String: rec.ID, Valid: true}
	local.Payload = rec.Payload
	if key := desc.NaturalKeyOf(rec.Payload); key != "" {
		local.NaturalKey = sql.NullString{String: key, Valid: true}
	}
	local.SyncStatus = store.StatusSynced
	local.DirtyFlag = false
	local.LastModified = rec.LastModified
	if err := p.store.UpdateRecord(ctx, desc.Name, local); err != nil {
		return false, err
	}
	stats.Updated++
	return true, nil
}
