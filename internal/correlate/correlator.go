// Package correlate matches asynchronous worker events back to job
// records. Workers report lifecycle events over the callback API; the
// correlator applies them through guarded transitions so that late,
// repeated, or out-of-order reports degrade to logged no-ops instead of
// corrupting job state or double-notifying users.
package correlate

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

// ErrUnknownJob is returned when a worker reports against a job ID the
// store has never seen.
var ErrUnknownJob = errors.New("correlate: unknown job")

// WorkerResult is the payload a worker posts when it finishes a unit.
type WorkerResult struct {
	JobID     string `json:"job_id"`
	Succeeded bool   `json:"succeeded"`
	OutputRef string `json:"output_ref,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// URLResolver turns a stored output reference into a short-lived fetch
// URL for the notification. Implemented by the object store client; nil
// disables URL resolution and notifications carry the bare reference.
type URLResolver interface {
	PresignGet(ctx context.Context, ref string) (string, error)
}

// Correlator applies worker lifecycle events to the job store.
type Correlator struct {
	DB       *gorm.DB
	Queue    queue.Queue
	Notifier transport.Notifier
	Resolver URLResolver
	Retry    config.RetryConfig
}

// New constructs a Correlator.
func New(db *gorm.DB, q queue.Queue, n transport.Notifier, r URLResolver, retry config.RetryConfig) *Correlator {
	return &Correlator{DB: db, Queue: q, Notifier: n, Resolver: r, Retry: retry}
}

// OnWorkerStart records that a worker picked the job up, PENDING →
// RUNNING. A start report for a job already RUNNING or terminal is a
// logged no-op: workers retry their callbacks and the queue may redeliver.
func (c *Correlator) OnWorkerStart(ctx context.Context, jobID string) error {
	err := repo.MarkRunning(ctx, c.DB, jobID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return ErrUnknownJob
	case errors.Is(err, repo.ErrInvalidTransition):
		log.Debug().Str("job_id", jobID).Msg("stale worker start report ignored")
		return nil
	default:
		return err
	}
}

// OnWorkerResult settles a finished unit. Success transitions the job to
// SUCCEEDED and notifies the user; a transient failure below the attempt
// ceiling re-enqueues the unit with exponential backoff; a permanent
// failure (or an exhausted transient one) transitions to FAILED and
// notifies. A result for a job already terminal is a logged no-op — the
// first report won and the user was already told.
func (c *Correlator) OnWorkerResult(ctx context.Context, res WorkerResult) error {
	job, err := repo.GetJob(ctx, c.DB, res.JobID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrUnknownJob
		}
		return err
	}
	if job.Status.Terminal() {
		metrics.WorkerResults.WithLabelValues("duplicate").Inc()
		log.Info().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Msg("result for settled job ignored")
		return nil
	}

	// A result implies a start; promote if the start callback was lost.
	if job.Status == domain.StatusPending {
		if err := c.OnWorkerStart(ctx, job.ID); err != nil && !errors.Is(err, ErrUnknownJob) {
			return err
		}
	}

	if res.Succeeded {
		return c.settleSuccess(ctx, job, res)
	}
	return c.settleFailure(ctx, job, res)
}

func (c *Correlator) settleSuccess(ctx context.Context, job *domain.Job, res WorkerResult) error {
	err := repo.MarkSucceeded(ctx, c.DB, job.ID, res.OutputRef)
	switch {
	case errors.Is(err, repo.ErrInvalidTransition):
		// A concurrent report settled the job between our read and write.
		metrics.WorkerResults.WithLabelValues("duplicate").Inc()
		log.Info().Str("job_id", job.ID).Msg("success report lost settle race, ignored")
		return nil
	case err != nil:
		return err
	}
	metrics.WorkerResults.WithLabelValues("succeeded").Inc()
	log.Info().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Int("attempts", job.Attempts).
		Msg("job succeeded")

	c.notify(ctx, job, transport.ResultOutcome{
		JobID:     job.ID,
		Succeeded: true,
		OutputRef: res.OutputRef,
		OutputURL: c.resolveURL(ctx, res.OutputRef),
	})
	return nil
}

func (c *Correlator) settleFailure(ctx context.Context, job *domain.Job, res WorkerResult) error {
	kind := res.ErrorKind
	if kind != domain.ErrKindTransient && kind != domain.ErrKindPermanent {
		// Unclassified worker errors are treated as permanent: retrying an
		// unknown failure risks burning attempts on a hopeless unit.
		kind = domain.ErrKindPermanent
	}

	err := repo.MarkFailed(ctx, c.DB, job.ID, kind, res.Detail)
	switch {
	case errors.Is(err, repo.ErrInvalidTransition):
		metrics.WorkerResults.WithLabelValues("duplicate").Inc()
		log.Info().Str("job_id", job.ID).Msg("failure report lost settle race, ignored")
		return nil
	case err != nil:
		return err
	}

	if kind == domain.ErrKindTransient && job.Attempts < c.Retry.MaxAttempts {
		return c.scheduleRetry(ctx, job)
	}

	metrics.WorkerResults.WithLabelValues("failed").Inc()
	log.Warn().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Str("error_kind", kind).
		Str("detail", res.Detail).
		Int("attempts", job.Attempts).
		Msg("job failed")

	c.notify(ctx, job, transport.ResultOutcome{
		JobID:     job.ID,
		Succeeded: false,
		ErrorKind: kind,
	})
	return nil
}

// scheduleRetry flips the just-failed job back to PENDING and re-enqueues
// its unit after an exponential delay. The FAILED record written by the
// caller keeps an audit trail even when the retry path loses power between
// the two writes: the recovery sweep re-enqueues stale PENDING jobs, and a
// job stuck FAILED is terminal, which fails safe.
func (c *Correlator) scheduleRetry(ctx context.Context, job *domain.Job) error {
	if err := repo.RetryJob(ctx, c.DB, job.ID); err != nil {
		if errors.Is(err, repo.ErrInvalidTransition) {
			log.Info().Str("job_id", job.ID).Msg("retry lost settle race, ignored")
			return nil
		}
		return err
	}
	// RetryJob incremented attempts; mirror that for the queued unit.
	attempt := job.Attempts + 1
	delay := c.backoff(job.Attempts)
	unit := domain.WorkUnit{
		JobID:      job.ID,
		PayloadRef: job.PayloadRef,
		Operation:  job.Operation,
		Attempt:    attempt,
	}
	if err := c.Queue.EnqueueDelayed(ctx, unit, delay); err != nil {
		// The job is PENDING with no queued work; the recovery sweep will
		// pick it up once it goes stale.
		log.Error().Err(err).Str("job_id", job.ID).Msg("retry enqueue failed, deferring to recovery sweep")
		return err
	}
	metrics.Retries.Inc()
	metrics.WorkerResults.WithLabelValues("retried").Inc()
	log.Info().
		Str("job_id", job.ID).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("transient failure, retry scheduled")
	return nil
}

// backoff computes the delay before retry attempt n+1 given n completed
// attempts: base * multiplier^(n-1), capped.
func (c *Correlator) backoff(completed int) time.Duration {
	d := c.Retry.BackoffBase
	for i := 1; i < completed; i++ {
		d = time.Duration(float64(d) * c.Retry.Multiplier)
		if d >= c.Retry.BackoffMax {
			return c.Retry.BackoffMax
		}
	}
	if d > c.Retry.BackoffMax {
		return c.Retry.BackoffMax
	}
	return d
}

func (c *Correlator) resolveURL(ctx context.Context, ref string) string {
	if c.Resolver == nil || ref == "" {
		return ""
	}
	u, err := c.Resolver.PresignGet(ctx, ref)
	if err != nil {
		log.Error().Err(err).Str("output_ref", ref).Msg("presign for notification failed")
		return ""
	}
	return u
}

func (c *Correlator) notify(ctx context.Context, job *domain.Job, outcome transport.ResultOutcome) {
	if err := c.Notifier.DeliverResult(ctx, job.UserID, outcome); err != nil {
		log.Error().Err(err).
			Str("job_id", job.ID).
			Str("user_id", job.UserID).
			Msg("result notification failed")
	}
}
