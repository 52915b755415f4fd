package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
	"github.com/cuongbtq/mediagen-orchestrator/internal/provider"
)

// processJob loads the job behind msg and polls it to a terminal state.
// A nil result means the message can be acknowledged.
func (w *Worker) processJob(ctx context.Context, msg domain.JobMessage) error {
	job, err := w.store.GetJob(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return fmt.Errorf("dropping message: %w", err)
		}
		return domain.NewRetryableError(fmt.Errorf("failed to load job: %w", err))
	}

	if job.Status.IsTerminal() {
		w.logger.Info("Job already terminal, acknowledging",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.Status)),
		)
		return nil
	}

	final, err := w.runner.Run(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			// shutdown: hand the job to another worker
			return domain.NewRetryableError(err)
		}
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, provider.ErrNoAdapter) {
			return err
		}
		return domain.NewRetryableError(err)
	}

	w.logger.Info("Job finished",
		slog.String("job_id", final.ID),
		slog.String("status", string(final.Status)),
	)
	return nil
}
