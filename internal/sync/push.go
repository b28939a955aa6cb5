package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/remote"
	"offline-sync-service/internal/store"
)

type PushStats struct {
	Pushed     int
	Deleted    int
	Duplicates int
	Errors     int

	changedTables map[string]bool
}

func (s *PushStats) changed(table string) {
	if s.changedTables == nil {
		s.changedTables = make(map[string]bool)
	}
	s.changedTables[table] = true
}

// PushEngine uploads locally dirty records. Tables are walked in dependency
// order (independents first) so referenced entities exist remotely before
// their dependents arrive. A failing record is marked and skipped, never
// blocking its siblings.
type PushEngine struct {
	store   store.Store
	remote  remote.Remote
	tracker *ChangeTracker
	bus     *Bus
}

func NewPushEngine(st store.Store, rem remote.Remote, tracker *ChangeTracker, bus *Bus) *PushEngine {
	return &PushEngine{store: st, remote: rem, tracker: tracker, bus: bus}
}

// Push uploads every eligible record in the given tables, which the caller
// supplies already sorted by dependency rank.
func (p *PushEngine) Push(ctx context.Context, tables []TableDescriptor) (PushStats, error) {
	var stats PushStats

	for _, desc := range tables {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		records, err := p.store.ListDirty(ctx, desc.Name, p.tracker.RetryCeiling())
		if err != nil {
			logger.Log.Error("Failed to list push candidates",
				zap.String("table", desc.Name), zap.Error(err))
			stats.Errors++
			continue
		}

		before := stats.Pushed + stats.Deleted
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if err := p.pushRecord(ctx, desc, rec, &stats); err != nil {
				stats.Errors++
				if mfErr := p.tracker.MarkFailed(ctx, desc.Name, rec.LocalID, err); mfErr != nil {
					logger.Log.Error("Failed to mark record as failed",
						zap.String("table", desc.Name), zap.String("id", rec.LocalID), zap.Error(mfErr))
				}
			}
		}
		if stats.Pushed+stats.Deleted > before {
			stats.changed(desc.Name)
		}

		// Two offline devices can have created the same entity; after the
		// push resolved remote identities, collapse any local leftovers.
		if desc.NaturalKey != "" {
			removed, err := p.store.RemoveNaturalKeyDuplicates(ctx, desc.Name)
			if err != nil {
				logger.Log.Warn("Duplicate cleanup failed",
					zap.String("table", desc.Name), zap.Error(err))
			} else if removed > 0 {
				stats.Duplicates += removed
				stats.changed(desc.Name)
			}
		}
	}

	for table := range stats.changedTables {
		p.bus.TableChanged(table)
	}

	if stats.Pushed > 0 || stats.Deleted > 0 {
		logger.Log.Info("Push completed",
			zap.Int("pushed", stats.Pushed),
			zap.Int("deleted", stats.Deleted),
			zap.Int("errors", stats.Errors),
		)
	}
	return stats, nil
}

func (p *PushEngine) pushRecord(ctx context.Context, desc TableDescriptor, rec *store.Record, stats *PushStats) error {
	if rec.SyncStatus == store.StatusDeleted {
		return p.pushDelete(ctx, desc, rec, stats)
	}

	payload := rec.Payload
	now := time.Now()
	out := &remote.Record{
		NaturalKey:   rec.NaturalKey.String,
		Payload:      payload,
		LastModified: now,
	}

	if rec.RemoteID.Valid {
		out.ID = rec.RemoteID.String
		if err := p.remote.Upsert(ctx, desc.Name, out); err != nil {
			return err
		}
		if err := p.tracker.MarkSynced(ctx, desc.Name, rec.LocalID, rec.RemoteID.String); err != nil {
			return err
		}
		stats.Pushed++
		return nil
	}

	// No remote identity yet. Another device may have created the same
	// entity; adopt its id instead of inserting a duplicate.
	if rec.NaturalKey.Valid && rec.NaturalKey.String != "" {
		existing, err := p.remote.FindByNaturalKey(ctx, desc.Name, rec.NaturalKey.String)
		if err != nil {
			return err
		}
		if existing != nil {
			out.ID = existing.ID
			if err := p.remote.Upsert(ctx, desc.Name, out); err != nil {
				return err
			}
			if err := p.tracker.MarkSynced(ctx, desc.Name, rec.LocalID, existing.ID); err != nil {
				return err
			}
			stats.Pushed++
			return nil
		}
	}

	id, err := p.remote.Insert(ctx, desc.Name, out)
	if err != nil {
		return err
	}
	if err := p.tracker.MarkSynced(ctx, desc.Name, rec.LocalID, id); err != nil {
		return err
	}
	stats.Pushed++
	return nil
}

func (p *PushEngine) pushDelete(ctx context.Context, desc TableDescriptor, rec *store.Record, stats *PushStats) error {
	if rec.RemoteID.Valid {
		if err := p.remote.Delete(ctx, desc.Name, rec.RemoteID.String); err != nil {
			return err
		}
	}
	// A deleted record that never reached the remote is simply discarded.
	if err := p.store.DeleteRecord(ctx, desc.Name, rec.LocalID); err != nil {
		return err
	}
	stats.Deleted++
	return nil
}
