package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/postflow/internal/config"
	"github.com/ifuryst/postflow/internal/service/publisher"
)

// executor is the part of the ScheduleManager the Scheduler drives.
type executor interface {
	DueOccurrences(ctx context.Context, now time.Time) ([]Occurrence, error)
	ExecuteOccurrence(ctx context.Context, occ Occurrence) (res publisher.Result, ran bool, err error)
}

// Scheduler polls for due occurrences and runs them on a bounded pool of
// workers. An occurrence of a content item is never handed out while
// another one of the same item is still running.
type Scheduler struct {
	config  *config.SchedulerConfig
	logger  *zap.Logger
	manager executor

	interval       time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	now            func() time.Time

	ticker   *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	sem      chan struct{}

	mu        sync.Mutex
	inflight  map[string]struct{}
	backoff   time.Duration
	holdUntil time.Time
	started   bool
}

func NewScheduler(cfg *config.SchedulerConfig, logger *zap.Logger, manager *ScheduleManager) *Scheduler {
	return newScheduler(cfg, logger, manager)
}

func newScheduler(cfg *config.SchedulerConfig, logger *zap.Logger, manager executor) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	initial, ceiling := cfg.BackoffBounds()
	return &Scheduler{
		config:         cfg,
		logger:         logger,
		manager:        manager,
		interval:       cfg.TickDuration(),
		backoffInitial: initial,
		backoffMax:     ceiling,
		now:            func() time.Time { return time.Now().UTC() },
		stopCh:         make(chan struct{}),
		sem:            make(chan struct{}, workers),
		inflight:       make(map[string]struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.IsEnabled() {
		s.logger.Info("Scheduler is disabled")
		return nil
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	ticker := time.NewTicker(s.interval)
	s.ticker = ticker
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("Starting scheduler",
		zap.Duration("tick_interval", s.interval),
		zap.Int("workers", cap(s.sem)))

	s.logOverdue(ctx)

	go func() {
		defer s.wg.Done()

		// Run first tick immediately
		s.tick(ctx)
		for {
			select {
			case <-ticker.C:
				s.tick(ctx)
			case <-s.stopCh:
				s.logger.Info("Scheduler stopped")
				return
			case <-ctx.Done():
				s.logger.Info("Scheduler context cancelled")
				return
			}
		}
	}()

	return nil
}

// Stop ends the tick loop and waits for running executions to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		// A stopped scheduler cannot be started again.
		s.started = true
		ticker := s.ticker
		s.mu.Unlock()
		if ticker != nil {
			ticker.Stop()
		}
		close(s.stopCh)
	})
	s.wg.Wait()
	s.logger.Info("Scheduler shutdown completed")
}

func (s *Scheduler) logOverdue(ctx context.Context) {
	occs, err := s.manager.DueOccurrences(ctx, s.now())
	if err != nil {
		s.logger.Error("Failed to check overdue jobs", zap.Error(err))
		return
	}
	if len(occs) > 0 {
		s.logger.Info("Found overdue jobs, running them on the first tick", zap.Int("count", len(occs)))
	}
}

// tick hands every due occurrence that is not already running to a worker.
// It returns the number dispatched.
func (s *Scheduler) tick(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	if now.Before(s.holdUntil) {
		s.mu.Unlock()
		return 0
	}
	s.mu.Unlock()

	occs, err := s.manager.DueOccurrences(ctx, now)
	if err != nil {
		s.mu.Lock()
		if s.backoff == 0 {
			s.backoff = s.backoffInitial
		} else if s.backoff *= 2; s.backoff > s.backoffMax {
			s.backoff = s.backoffMax
		}
		s.holdUntil = now.Add(s.backoff)
		backoff := s.backoff
		s.mu.Unlock()

		s.logger.Error("Failed to list due jobs", zap.Error(err), zap.Duration("backoff", backoff))
		return 0
	}

	s.mu.Lock()
	s.backoff = 0
	s.holdUntil = time.Time{}
	s.mu.Unlock()

	dispatched := 0
	for _, occ := range occs {
		if !s.claim(occ.ContentID) {
			continue
		}
		select {
		case s.sem <- struct{}{}:
		default:
			// Pool is full, the occurrence stays due for the next tick.
			s.release(occ.ContentID)
			return dispatched
		}

		dispatched++
		s.wg.Add(1)
		go s.work(ctx, occ)
	}
	return dispatched
}

func (s *Scheduler) work(ctx context.Context, occ Occurrence) {
	defer s.wg.Done()
	defer func() { <-s.sem }()
	defer s.release(occ.ContentID)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Execution panicked", zap.String("content_id", occ.ContentID), zap.Any("panic", r))
		}
	}()

	// A started publish runs to completion even if the scheduler stops.
	res, ran, err := s.manager.ExecuteOccurrence(context.WithoutCancel(ctx), occ)
	switch {
	case err != nil:
		s.logger.Error("Execution failed",
			zap.String("content_id", occ.ContentID),
			zap.Time("scheduled_time", occ.ScheduledTime),
			zap.Error(err))
	case !ran:
		s.logger.Debug("Occurrence superseded", zap.String("content_id", occ.ContentID))
	case res.Success:
		s.logger.Info("Job executed",
			zap.String("content_id", occ.ContentID),
			zap.String("external_id", res.ExternalID))
	default:
		s.logger.Warn("Job execution failed",
			zap.String("content_id", occ.ContentID),
			zap.String("error_detail", res.ErrorDetail))
	}
}

func (s *Scheduler) claim(contentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[contentID]; busy {
		return false
	}
	s.inflight[contentID] = struct{}{}
	return true
}

func (s *Scheduler) release(contentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, contentID)
}
