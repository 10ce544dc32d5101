// Package trigger implements the cron-based maintenance jobs that keep the
// action queue tidy: archiving stale pending items and logging producer
// reliability so reviewers can see drifting agents.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const jobTimeout = 5 * time.Minute

// Sweeper is the queue surface the scheduler drives.
type Sweeper interface {
	ArchiveStale(ctx context.Context) (int64, error)
	RecomputeReliability(ctx context.Context) (int, error)
}

// Scheduler manages the cron maintenance jobs.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
}

// NewScheduler creates a scheduler over the given sweeper.
// Cron expressions use the standard 5-field format: minute hour day-of-month
// month day-of-week.
func NewScheduler(sweeper Sweeper) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		sweeper: sweeper,
	}
}

// RegisterJobs adds the archive sweep and the producer reliability recompute
// on the given cron expressions (e.g. "0 3 * * *" for a daily 03:00 sweep).
func (s *Scheduler) RegisterJobs(archiveCron, reliabilityCron string) error {
	_, err := s.cron.AddFunc(archiveCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		archived, err := s.sweeper.ArchiveStale(ctx)
		if err != nil {
			log.Error().Err(err).Msg("archive_sweep_failed")
			return
		}
		log.Info().Int64("archived", archived).Msg("archive_sweep_completed")
	})
	if err != nil {
		return fmt.Errorf("registering archive cron %q: %w", archiveCron, err)
	}

	_, err = s.cron.AddFunc(reliabilityCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		producers, err := s.sweeper.RecomputeReliability(ctx)
		if err != nil {
			log.Error().Err(err).Msg("reliability_recompute_failed")
			return
		}
		log.Info().Int("producers", producers).Msg("reliability_recompute_completed")
	})
	if err != nil {
		return fmt.Errorf("registering reliability cron %q: %w", reliabilityCron, err)
	}
	return nil
}

// Start begins executing registered cron jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries (for testing).
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
