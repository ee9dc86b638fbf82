// Package recovery sweeps the job store for work lost to crashes. A job
// that sits non-terminal with no progress for longer than the staleness
// threshold either lost its queued unit (PENDING) or its worker (RUNNING);
// the sweeper re-enqueues the former and fails the latter so no job stays
// invisible forever.
package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/image-orchestrator/internal/config"
	"github.com/image-orchestrator/internal/domain"
	"github.com/image-orchestrator/internal/metrics"
	"github.com/image-orchestrator/internal/queue"
	"github.com/image-orchestrator/internal/repo"
	"github.com/image-orchestrator/internal/transport"
)

// Sweeper periodically reconciles stale jobs.
type Sweeper struct {
	DB       *gorm.DB
	Queue    queue.Queue
	Notifier transport.Notifier
	Cfg      config.RecoveryConfig

	// Now is swappable for tests.
	Now func() time.Time
}

// New constructs a Sweeper.
func New(db *gorm.DB, q queue.Queue, n transport.Notifier, cfg config.RecoveryConfig) *Sweeper {
	return &Sweeper{DB: db, Queue: q, Notifier: n, Cfg: cfg, Now: time.Now}
}

// Run sweeps once immediately (the startup pass that makes restarts safe)
// and then on every tick until ctx is cancelled. Intended to be launched
// as a goroutine from main.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)
	ticker := time.NewTicker(s.Cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass and returns how many jobs it acted
// on. Per-job errors are logged and skipped; the next pass retries them.
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := s.Now().Add(-s.Cfg.Staleness)
	stale, err := repo.ListStaleJobs(ctx, s.DB, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("stale job listing failed")
		return 0
	}
	acted := 0
	for i := range stale {
		job := &stale[i]
		switch job.Status {
		case domain.StatusPending:
			if s.requeue(ctx, job) {
				acted++
			}
		case domain.StatusRunning:
			if s.expire(ctx, job) {
				acted++
			}
		}
	}
	if acted > 0 {
		log.Info().Int("jobs", acted).Msg("recovery sweep reconciled stale jobs")
	}
	return acted
}

// requeue puts a stale PENDING job's unit back on the queue. The queued
// unit may duplicate one already in flight; the guarded transitions in the
// job store make the duplicate settle as a no-op.
func (s *Sweeper) requeue(ctx context.Context, job *domain.Job) bool {
	unit := domain.WorkUnit{
		JobID:      job.ID,
		PayloadRef: job.PayloadRef,
		Operation:  job.Operation,
		Attempt:    job.Attempts,
	}
	if err := s.Queue.Enqueue(ctx, unit); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("stale job re-enqueue failed")
		return false
	}
	// Touch the row so the next sweep does not re-enqueue it again before
	// the fresh unit has had a chance to run.
	if err := s.DB.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ?", job.ID).
		Update("updated_at", s.Now()).Error; err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("stale job touch failed")
	}
	metrics.RecoveredJobs.WithLabelValues("requeued").Inc()
	log.Info().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Msg("stale pending job re-enqueued")
	return true
}

// expire fails a stale RUNNING job whose worker never reported back, and
// tells the owner. If a late worker result raced us and settled the job
// first, the guarded transition refuses and we stand down.
func (s *Sweeper) expire(ctx context.Context, job *domain.Job) bool {
	err := repo.MarkFailed(ctx, s.DB, job.ID, domain.ErrKindRecoveryTimeout, "no worker report before staleness threshold")
	if err != nil {
		if errors.Is(err, repo.ErrInvalidTransition) {
			log.Debug().Str("job_id", job.ID).Msg("stale running job settled before expiry, skipped")
			return false
		}
		log.Error().Err(err).Str("job_id", job.ID).Msg("stale job expiry failed")
		return false
	}
	metrics.RecoveredJobs.WithLabelValues("failed").Inc()
	log.Warn().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Int("attempts", job.Attempts).
		Msg("stale running job expired")

	if nerr := s.Notifier.DeliverResult(ctx, job.UserID, transport.ResultOutcome{
		JobID:     job.ID,
		Succeeded: false,
		ErrorKind: domain.ErrKindRecoveryTimeout,
	}); nerr != nil {
		log.Error().Err(nerr).Str("job_id", job.ID).Msg("expiry notification failed")
	}
	return true
}
