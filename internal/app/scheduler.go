/**
 * @description
 * Periodic housekeeping jobs. A cron scheduler reports outbox records that have
 * exhausted their publish attempts and pending transfers that have sat
 * unclaimed past the stale age, so operators see stuck work without querying
 * the database by hand.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: Job scheduling.
 * - internal/store: Count queries.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/transfa/transfer-service/internal/store"
)

// Scheduler runs the periodic reporting jobs.
type Scheduler struct {
	cron            *cron.Cron
	repo            store.Repository
	maxAttempts     int
	stalePendingAge time.Duration
}

// NewScheduler creates the housekeeping scheduler.
func NewScheduler(repo store.Repository, maxAttempts int, stalePendingAge time.Duration) *Scheduler {
	if stalePendingAge <= 0 {
		stalePendingAge = 24 * time.Hour
	}
	return &Scheduler{
		cron:            cron.New(),
		repo:            repo,
		maxAttempts:     maxAttempts,
		stalePendingAge: stalePendingAge,
	}
}

// Start registers the jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("*/10 * * * *", s.reportStuckWork); err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("level=info component=scheduler msg=\"started\" stale_pending_age=%s", s.stalePendingAge)
	return nil
}

// Stop halts the cron loop and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) reportStuckWork() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exhausted, err := s.repo.CountExhaustedOutboxRecords(ctx, s.maxAttempts)
	if err != nil {
		log.Printf("level=error component=scheduler msg=\"exhausted outbox count failed\" err=%v", err)
	} else if exhausted > 0 {
		log.Printf("level=warn component=scheduler msg=\"outbox records exhausted publish attempts\" count=%d max_attempts=%d", exhausted, s.maxAttempts)
	}

	stale, err := s.repo.CountStalePendingTransfers(ctx, time.Now().UTC().Add(-s.stalePendingAge))
	if err != nil {
		log.Printf("level=error component=scheduler msg=\"stale pending count failed\" err=%v", err)
	} else if stale > 0 {
		log.Printf("level=warn component=scheduler msg=\"pending transfers past stale age\" count=%d older_than=%s", stale, s.stalePendingAge)
	}
}
