package sync

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
)

// futureSkewTolerance caps how far ahead of the local clock a persisted
// watermark may sit. A device that once ran with a wrong clock would
// otherwise never see another delta again.
const futureSkewTolerance = 30 * time.Second

// WatermarkStore persists the per-table delta cursor as a flat JSON file.
// Cursors only move forward; a corrupt or missing file degrades to an empty
// map and the next pull simply re-reads more than strictly necessary.
type WatermarkStore struct {
	path string

	mu    sync.Mutex
	marks map[string]time.Time
}

func NewWatermarkStore(path string) *WatermarkStore {
	w := &WatermarkStore{
		path:  path,
		marks: make(map[string]time.Time),
	}
	w.load()
	return w
}

func (w *WatermarkStore) load() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Log.Warn("Failed to read watermark file, starting empty", zap.Error(err))
		}
		return
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Log.Warn("Corrupt watermark file, starting empty", zap.String("path", w.path), zap.Error(err))
		return
	}

	for table, ts := range raw {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			logger.Log.Warn("Skipping unparseable watermark", zap.String("table", table), zap.String("value", ts))
			continue
		}
		w.marks[table] = t
	}
}

// Get returns the cursor for a table (zero time when none is recorded).
// A cursor that sits in the future beyond tolerance is clamped to now and
// persisted, so delta pulls cannot be wedged by clock skew.
func (w *WatermarkStore) Get(table string) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	mark, ok := w.marks[table]
	if !ok {
		return time.Time{}
	}
	if now := time.Now(); mark.After(now.Add(futureSkewTolerance)) {
		logger.Log.Warn("Watermark ahead of local clock, clamping",
			zap.String("table", table), zap.Time("watermark", mark))
		w.marks[table] = now
		w.saveLocked()
		return now
	}
	return mark
}

// Advance moves a table's cursor forward. Zero, lower, and equal values are
// ignored; the cursor never regresses and a table with nothing seen yet
// records no cursor at all.
func (w *WatermarkStore) Advance(table string, to time.Time) bool {
	if to.IsZero() {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if current, ok := w.marks[table]; ok && !to.After(current) {
		return false
	}
	w.marks[table] = to
	w.saveLocked()
	return true
}

func (w *WatermarkStore) saveLocked() {
	raw := make(map[string]string, len(w.marks))
	for table, t := range w.marks {
		raw[table] = t.UTC().Format(time.RFC3339Nano)
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		logger.Log.Error("Failed to encode watermarks", zap.Error(err))
		return
	}

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		logger.Log.Error("Failed to write watermark file", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, w.path); err != nil {
		logger.Log.Error("Failed to replace watermark file", zap.Error(err))
	}
}
