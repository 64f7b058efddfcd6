package credpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/logging"
)

// Scheduler runs background maintenance jobs (credential rotation, rate
// limit pruning) on fixed intervals, independent of request traffic.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu      sync.Mutex
	running bool
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	logger = logging.OrNop(logger).With(logging.Component("scheduler"))
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger,
	}
}

// Every registers fn to run once per interval. A job returning an error is
// logged and runs again on the next interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn func() error) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval %v for job %s", interval, name)
	}
	_, err := s.cron.AddFunc("@every "+interval.String(), func() {
		if err := fn(); err != nil {
			s.logger.Warn("scheduled job failed", zap.String("job", name), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", name, err)
	}
	s.logger.Debug("job scheduled", zap.String("job", name), zap.Duration("interval", interval))
	return nil
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits
// for running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.cron.Start()
	s.mu.Unlock()

	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
	<-ctx.Done()

	<-s.cron.Stop().Done()
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
	return nil
}

// NextRun returns the earliest upcoming job time, or nil when idle.
func (s *Scheduler) NextRun() *time.Time {
	var next *time.Time
	for _, e := range s.cron.Entries() {
		if e.Next.IsZero() {
			continue
		}
		if next == nil || e.Next.Before(*next) {
			t := e.Next
			next = &t
		}
	}
	return next
}
