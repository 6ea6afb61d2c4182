package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler defaults.
const (
	DefaultStartupGrace     = 2 * time.Minute
	DefaultRecoveryInterval = 30 * time.Minute
)

// SchedulerConfig tunes the recovery cadence.
type SchedulerConfig struct {
	StartupGrace time.Duration
	Interval     time.Duration
}

// Scheduler runs the recovery sweep on a fixed interval, with an initial
// grace period so workers can reconnect and report after a backend restart
// before anything is declared stuck.
type Scheduler struct {
	cfg      SchedulerConfig
	recovery *Recovery
	logger   *zap.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler builds a Scheduler.
func NewScheduler(cfg SchedulerConfig, recovery *Recovery, logger *zap.Logger) *Scheduler {
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = DefaultStartupGrace
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRecoveryInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, recovery: recovery, logger: logger}
}

// Start schedules the interval sweep and kicks off the delayed startup run.
func (s *Scheduler) Start() error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.Interval)
	if _, err := s.cron.AddFunc(spec, func() {
		s.recovery.RunComprehensive(runCtx)
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule recovery sweep: %w", err)
	}
	s.cron.Start()

	go func() {
		defer close(s.done)
		select {
		case <-runCtx.Done():
			return
		case <-time.After(s.cfg.StartupGrace):
		}
		s.logger.Info("running startup recovery sweep",
			zap.Duration("grace", s.cfg.StartupGrace))
		s.recovery.RunComprehensive(runCtx)
	}()

	s.logger.Info("recovery scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("startup_grace", s.cfg.StartupGrace))
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep trigger.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	s.cancel()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	<-s.done
}
