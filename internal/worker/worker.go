package worker

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/image-orchestrator/internal/domain"
	"github.com/image-orchestrator/internal/queue"
)

// Reporter delivers lifecycle events back to the orchestrator. Implemented
// by the HTTP callback client; faked in tests.
type Reporter interface {
	ReportStart(ctx context.Context, jobID string) error
	ReportResult(ctx context.Context, jobID string, succeeded bool, outputRef, errorKind, detail string) error
}

// Worker runs the dequeue → process → report loop.
type Worker struct {
	Consumer  queue.Consumer
	Processor *Processor
	Reporter  Reporter
}

// Run consumes units until ctx is cancelled. Every dequeued unit produces
// exactly one result report; report delivery failures are logged and the
// unit is abandoned — the orchestrator's recovery sweep owns that gap.
func (w *Worker) Run(ctx context.Context) {
	for {
		unit, err := w.Consumer.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("dequeue failed")
			continue
		}
		w.handle(ctx, unit)
	}
}

func (w *Worker) handle(ctx context.Context, unit domain.WorkUnit) {
	log.Info().
		Str("job_id", unit.JobID).
		Str("operation", string(unit.Operation)).
		Int("attempt", unit.Attempt).
		Msg("unit picked up")

	if err := w.Reporter.ReportStart(ctx, unit.JobID); err != nil {
		// The result report carries enough for the orchestrator to promote
		// the job on its own; keep processing.
		log.Warn().Err(err).Str("job_id", unit.JobID).Msg("start report failed")
	}

	outputRef, perr := w.Processor.Process(ctx, unit)

	var succeeded bool
	var errorKind, detail string
	if perr == nil {
		succeeded = true
	} else {
		errorKind = classify(perr)
		detail = perr.Error()
		log.Warn().Err(perr).
			Str("job_id", unit.JobID).
			Str("error_kind", errorKind).
			Msg("processing failed")
	}

	if err := w.Reporter.ReportResult(ctx, unit.JobID, succeeded, outputRef, errorKind, detail); err != nil {
		log.Error().Err(err).Str("job_id", unit.JobID).Msg("result report failed")
	}
}

// classify maps a processing error to the orchestrator's error taxonomy:
// undecodable payloads are permanent, everything else (storage, network)
// is worth retrying.
func classify(err error) string {
	if errors.Is(err, ErrUndecodable) {
		return domain.ErrKindPermanent
	}
	return domain.ErrKindTransient
}
