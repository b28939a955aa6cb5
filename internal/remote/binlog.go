package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-mysql-org/go-mysql/canal"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
)

// binlogFeed streams remote row changes out of the MySQL binlog via canal.
// Only the affected table name is forwarded; the pull engine re-reads the
// actual rows itself, so a lost event is at worst a slightly later pull.
type binlogFeed struct {
	canal     *canal.Canal
	eventChan chan TableChange
	ctx       context.Context
	cancel    context.CancelFunc
	tables    map[string]bool
	stopOnce  sync.Once
}

// StartChangeFeed opens a binlog subscription for the tracked tables using
// the replication credentials.
func (r *MySQLRemote) StartChangeFeed(ctx context.Context) (ChangeFeed, error) {
	return newBinlogFeed(ctx, r.cfg, r.tables, r.feedServerID)
}

func newBinlogFeed(parent context.Context, cfg config.RemoteConfig, tables []string, serverID uint32) (*binlogFeed, error) {
	tableMap := make(map[string]bool)
	var tableRegex []string
	for _, t := range tables {
		tableMap[t] = true
		tableRegex = append(tableRegex, fmt.Sprintf("^%s\\.%s$", cfg.Database, t))
	}

	c, err := canal.NewCanal(&canal.Config{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:     cfg.ReplicationUser,
		Password: cfg.ReplicationPassword,
		Flavor:   "mysql",
		ServerID: serverID,
		Dump: canal.DumpConfig{
			ExecutionPath: "", // no initial dump, the pull engine reconciles
		},
		IncludeTableRegex: tableRegex,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create binlog feed: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)

	f := &binlogFeed{
		canal:     c,
		eventChan: make(chan TableChange, 1024),
		ctx:       ctx,
		cancel:    cancel,
		tables:    tableMap,
	}

	c.SetEventHandler(&feedHandler{feed: f})

	go func() {
		if err := c.Run(); err != nil {
			logger.Log.Error("Binlog feed stopped", zap.Error(err))
		}
		// Only this goroutine closes the channel. Once Run has returned
		// no handler can still be sending, so the close here is the one
		// safe point; it is also what tells consumers the feed ended.
		f.cancel()
		close(f.eventChan)
	}()

	logger.Log.Info("Started binlog change feed", zap.String("host", cfg.Host))
	return f, nil
}

func (f *binlogFeed) Events() <-chan TableChange {
	return f.eventChan
}

// Stop tears the feed down without touching eventChan. Closing the canal
// makes Run return, and the Run goroutine closes the channel after that.
func (f *binlogFeed) Stop() {
	f.stopOnce.Do(func() {
		f.cancel()
		f.canal.Close()
		logger.Log.Info("Stopped binlog change feed")
	})
}

type feedHandler struct {
	canal.DummyEventHandler
	feed *binlogFeed
}

func (h *feedHandler) OnRow(e *canal.RowsEvent) error {
	if _, ok := h.feed.tables[e.Table.Name]; !ok {
		return nil
	}

	select {
	case <-h.feed.ctx.Done():
		return h.feed.ctx.Err()
	default:
	}

	select {
	case h.feed.eventChan <- TableChange{Table: e.Table.Name}:
	default:
		// A full buffer means a pull is already overdue for this burst;
		// dropping the event loses nothing the next pull won't cover.
	}

	return nil
}

func (h *feedHandler) String() string {
	return "BinlogFeedHandler"
}
