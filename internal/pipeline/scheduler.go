package pipeline

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/models"
)

// Scheduler triggers recurring collection runs on a cron expression.
// Overlapping runs are skipped, not queued.
type Scheduler struct {
	orchestrator *Orchestrator
	cron         *cron.Cron
	logger       arbor.ILogger

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a run scheduler over the orchestrator
func NewScheduler(orchestrator *Orchestrator, logger arbor.ILogger) *Scheduler {
	return &Scheduler{
		orchestrator: orchestrator,
		cron:         cron.New(),
		logger:       logger,
	}
}

// Start registers the schedule and begins ticking
func (s *Scheduler) Start(ctx context.Context, schedule string, queries []models.Query, hasPaidProxy bool) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.runGuarded(ctx, queries, hasPaidProxy)
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info().
		Str("schedule", schedule).
		Int("queries", len(queries)).
		Msg("Collection scheduler started")
	return nil
}

// Stop halts the cron loop; a run in flight finishes on its own
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Collection scheduler stopped")
}

// runGuarded skips the tick when the previous run is still in flight
func (s *Scheduler) runGuarded(ctx context.Context, queries []models.Query, hasPaidProxy bool) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn().Msg("Previous collection run still in flight; skipping tick")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.orchestrator.Run(ctx, queries, hasPaidProxy)
}
