package sync

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
)

// Scheduler drives the periodic delta cycle. A tick that lands while a cycle
// is already running is skipped, not queued.
type Scheduler struct {
	cfg          config.SchedulerConfig
	orchestrator *Orchestrator
	cron         *cron.Cron
	entryID      cron.EntryID
}

func NewScheduler(cfg config.SchedulerConfig, orchestrator *Orchestrator) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		orchestrator: orchestrator,
		cron:         cron.New(),
	}
}

func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return
	}

	logger.Log.Info("Starting scheduler", zap.String("interval", s.cfg.Interval))

	id, err := s.cron.AddFunc(s.cfg.Interval, s.tick)
	if err != nil {
		logger.Log.Error("Failed to schedule delta cycle", zap.Error(err))
		return
	}

	s.entryID = id
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) tick() {
	_, err := s.orchestrator.DeltaCycle()
	switch err {
	case nil:
	case ErrAlreadySyncing:
		logger.Log.Debug("Cycle already running, skipping scheduled run")
	case ErrOffline:
		logger.Log.Debug("Offline, skipping scheduled run")
	default:
		logger.Log.Error("Scheduled delta cycle failed", zap.Error(err))
	}
}
