package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler reloads rules and baselines on a cron schedule, between audits.
type Scheduler struct {
	engine   *Engine
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger
	mu       sync.Mutex
	running  bool
}

// NewScheduler creates a refresh scheduler. An empty schedule disables it.
func NewScheduler(e *Engine, schedule string, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		engine:   e,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.With("component", "engine.scheduler"),
	}
}

// Start registers the refresh job and starts the cron loop. The scheduler
// stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("refresh schedule not configured, skipping scheduler")
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.refresh(ctx) }); err != nil {
		return fmt.Errorf("scheduling refresh: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("refresh scheduler started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) refresh(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.engine.Reload(ctx); err != nil {
		s.logger.Error("scheduled refresh failed", "error", err)
		return
	}
	s.logger.Debug("scheduled refresh completed")
}

// Stop stops the scheduler and waits for a running refresh to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		done := s.cron.Stop()
		<-done.Done()
		s.running = false
		s.logger.Info("refresh scheduler stopped")
	}
}

// NextRun returns the next scheduled refresh, or nil when not running.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if !s.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
