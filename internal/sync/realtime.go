package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/remote"
)

// RealtimeWatcher reacts to the remote change feed with targeted pulls.
// Bursts of events inside the debounce window collapse into one pull; if a
// cycle is already running the affected tables stay queued in the pending
// set and flush as a single batched pull afterwards. Without feed support
// the watcher idles and re-probes periodically, leaving the system on
// periodic delta pulls alone.
type RealtimeWatcher struct {
	remote   remote.Remote
	trigger  func(tables []string) error
	debounce time.Duration
	reprobe  time.Duration

	mu      gosync.Mutex
	pending map[string]bool
	timer   *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

func NewRealtimeWatcher(rem remote.Remote, trigger func(tables []string) error, debounce, reprobe time.Duration) *RealtimeWatcher {
	return &RealtimeWatcher{
		remote:   rem,
		trigger:  trigger,
		debounce: debounce,
		reprobe:  reprobe,
		pending:  make(map[string]bool),
	}
}

func (w *RealtimeWatcher) Start(parent context.Context) {
	w.ctx, w.cancel = context.WithCancel(parent)
	w.wg.Add(1)
	go w.run()
}

func (w *RealtimeWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = make(map[string]bool)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *RealtimeWatcher) run() {
	defer w.wg.Done()

	for {
		if w.ctx.Err() != nil {
			return
		}

		if !w.remote.SupportsChangeNotifications(w.ctx) {
			logger.Log.Info("Change notifications unavailable, relying on periodic pulls",
				zap.Duration("reprobe", w.reprobe))
			if !w.sleep(w.reprobe) {
				return
			}
			continue
		}

		feed, err := w.remote.StartChangeFeed(w.ctx)
		if err != nil {
			logger.Log.Warn("Failed to start change feed", zap.Error(err))
			if !w.sleep(w.reprobe) {
				return
			}
			continue
		}

		logger.Log.Info("Realtime watcher active")
		w.consume(feed)
		feed.Stop()

		// Feed ended (connection loss or shutdown); loop re-probes.
		if !w.sleep(w.reprobe) {
			return
		}
	}
}

// sleep waits for d or cancellation; false means the watcher is stopping.
func (w *RealtimeWatcher) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-w.ctx.Done():
		return false
	}
}

func (w *RealtimeWatcher) consume(feed remote.ChangeFeed) {
	for {
		select {
		case ev, ok := <-feed.Events():
			if !ok {
				return
			}
			w.note(ev.Table)
		case <-w.ctx.Done():
			return
		}
	}
}

// note records an affected table and (re)arms the debounce timer.
func (w *RealtimeWatcher) note(table string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[table] = true
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.flush)
	} else {
		w.timer.Reset(w.debounce)
	}
}

// flush fires the batched pull. When a cycle is already running the tables
// go back into the pending set and the timer re-arms, so nothing is lost.
func (w *RealtimeWatcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 || w.ctx.Err() != nil {
		w.timer = nil
		w.mu.Unlock()
		return
	}
	tables := make([]string, 0, len(w.pending))
	for t := range w.pending {
		tables = append(tables, t)
	}
	w.pending = make(map[string]bool)
	w.mu.Unlock()

	err := w.trigger(tables)
	if err == nil {
		w.mu.Lock()
		if len(w.pending) == 0 {
			w.timer = nil
		}
		w.mu.Unlock()
		return
	}

	if errors.Is(err, ErrAlreadySyncing) || errors.Is(err, ErrOffline) {
		retry := w.debounce
		if errors.Is(err, ErrOffline) {
			retry = w.reprobe
		}
		w.mu.Lock()
		for _, t := range tables {
			w.pending[t] = true
		}
		if w.timer != nil {
			w.timer.Reset(retry)
		} else {
			w.timer = time.AfterFunc(retry, w.flush)
		}
		w.mu.Unlock()
		return
	}

	logger.Log.Warn("Realtime-triggered pull failed", zap.Strings("tables", tables), zap.Error(err))
	w.mu.Lock()
	w.timer = nil
	w.mu.Unlock()
}
