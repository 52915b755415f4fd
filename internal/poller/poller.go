package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
	"github.com/cuongbtq/mediagen-orchestrator/internal/provider"
	"github.com/cuongbtq/mediagen-orchestrator/internal/store"
)

// maxWriteConflicts bounds how often a terminal write is re-applied after losing a compare-and-swap
const maxWriteConflicts = 5

// Config controls the polling loop
type Config struct {
	Interval        time.Duration
	Deadlines       map[domain.JobKind]time.Duration
	DefaultDeadline time.Duration
	// MaxPollAttempts bounds the retries of a failing poll within one wake-up
	MaxPollAttempts int
	RetryBackoff    time.Duration
	CancelTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: 4 * time.Second,
		Deadlines: map[domain.JobKind]time.Duration{
			domain.KindVideoGeneration: 20 * time.Minute,
			domain.KindSceneTransition: 20 * time.Minute,
			domain.KindComposition:     20 * time.Minute,
			domain.KindImageGeneration: 5 * time.Minute,
			domain.KindVoiceClone:      5 * time.Minute,
			domain.KindVoiceSynthesis:  5 * time.Minute,
		},
		DefaultDeadline: 20 * time.Minute,
		MaxPollAttempts: 3,
		RetryBackoff:    500 * time.Millisecond,
		CancelTimeout:   10 * time.Second,
	}
}

// DeadlineFor returns the maximum wait for a job of kind, measured from its creation
func (c Config) DeadlineFor(kind domain.JobKind) time.Duration {
	if d, ok := c.Deadlines[kind]; ok {
		return d
	}
	return c.DefaultDeadline
}

// Poller drives running jobs to a terminal state. It is the only writer of a
// job while it runs, apart from explicit cancellation.
type Poller struct {
	store    store.Store
	adapters provider.Resolver
	cancels  *Cancellations
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	background sync.WaitGroup
}

type Option func(*Poller)

// WithTracer records spans for each run and provider call
func WithTracer(t trace.Tracer) Option {
	return func(p *Poller) { p.tracer = t }
}

// WithClock replaces time.Now for deadline checks and timestamps
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

func New(st store.Store, adapters provider.Resolver, cancels *Cancellations, cfg Config, logger *slog.Logger, opts ...Option) *Poller {
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = defaults.DefaultDeadline
	}
	if cfg.MaxPollAttempts < 1 {
		cfg.MaxPollAttempts = 1
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = defaults.CancelTimeout
	}
	p := &Poller{
		store:    st,
		adapters: adapters,
		cancels:  cancels,
		cfg:      cfg,
		logger:   logger,
		tracer:   noop.NewTracerProvider().Tracer("poller"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Cancellations returns the flag registry observed by this poller
func (p *Poller) Cancellations() *Cancellations {
	return p.cancels
}

// outcome is the terminal state a wake-up decided on
type outcome struct {
	status  domain.JobStatus
	output  []string
	message string
	// cancelRemote is set when the provider may still be working on the job
	cancelRemote bool
}

// Run polls until job is terminal and returns the stored final state. When ctx
// ends first, the job is returned still running together with ctx.Err().
func (p *Poller) Run(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	ctx, span := p.tracer.Start(ctx, "poller.run", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.kind", string(job.Kind)),
	))
	defer span.End()

	if job.Status.IsTerminal() {
		p.cancels.Clear(job.ID)
		return job, nil
	}
	if job.Status != domain.JobStatusRunning {
		return job, fmt.Errorf("%w: cannot poll job %s in status %s", domain.ErrInvalidTransition, job.ID, job.Status)
	}

	adapter, err := p.adapters.For(job.Kind)
	if err != nil {
		span.RecordError(err)
		return job, err
	}

	deadline := p.cfg.DeadlineFor(job.Kind)
	expiresAt := job.CreatedAt.Add(deadline)

	logger := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("provider", adapter.Name()),
	)
	logger.Debug("Polling job", slog.Time("expires_at", expiresAt))

	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Poller stopped before job finished", slog.Any("error", ctx.Err()))
			return job, ctx.Err()
		case <-timer.C:
		}

		if p.cancels.Requested(job.ID) {
			return p.finish(ctx, logger, adapter, job, outcome{status: domain.JobStatusCanceled, cancelRemote: true}, deadline)
		}

		// the stored record carries cancellations made by other processes
		stored, err := p.store.GetJob(ctx, job.ID)
		switch {
		case err == nil && stored.Status.IsTerminal():
			p.cancels.Clear(job.ID)
			logger.Info("Job finished elsewhere", slog.String("status", string(stored.Status)))
			return stored, nil
		case err == nil:
			job = stored
		case ctx.Err() != nil:
			return job, ctx.Err()
		default:
			logger.Warn("Failed to reload job", slog.Any("error", err))
		}

		res, err := p.poll(ctx, logger, adapter, job.ProviderRef)
		if err == nil && res.Status.IsTerminal() {
			return p.finish(ctx, logger, adapter, job, outcomeOf(res), deadline)
		}
		if err != nil {
			if ctx.Err() != nil {
				return job, ctx.Err()
			}
			logger.Warn("Poll attempts exhausted, deferring to next interval",
				slog.String("class", string(domain.ClassTransientPoll)),
				slog.Any("error", err),
			)
		}

		if !p.now().Before(expiresAt) {
			return p.finish(ctx, logger, adapter, job, outcome{status: domain.JobStatusTimedOut, cancelRemote: true}, deadline)
		}

		timer.Reset(p.cfg.Interval)
	}
}

// poll calls the provider, retrying failures a bounded number of times
func (p *Poller) poll(ctx context.Context, logger *slog.Logger, adapter provider.Adapter, ref string) (provider.PollResult, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxPollAttempts; attempt++ {
		callCtx, span := p.tracer.Start(ctx, "provider.poll", trace.WithAttributes(
			attribute.String("provider.name", adapter.Name()),
			attribute.Int("attempt", attempt),
		))
		res, err := adapter.Poll(callCtx, ref)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		if err == nil {
			return res, nil
		}
		lastErr = err
		logger.Debug("Poll attempt failed",
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)

		if attempt == p.cfg.MaxPollAttempts || !provider.Retryable(err) {
			break
		}
		select {
		case <-ctx.Done():
			return provider.PollResult{}, ctx.Err()
		case <-time.After(p.cfg.RetryBackoff):
		}
	}
	return provider.PollResult{}, lastErr
}

func outcomeOf(res provider.PollResult) outcome {
	switch res.Status {
	case provider.StatusSucceeded:
		return outcome{status: domain.JobStatusSucceeded, output: res.Output}
	case provider.StatusFailed:
		return outcome{status: domain.JobStatusFailed, message: res.Message}
	default:
		return outcome{status: domain.JobStatusCanceled}
	}
}

func (o outcome) apply(j *domain.Job, deadline time.Duration, now time.Time) error {
	switch o.status {
	case domain.JobStatusSucceeded:
		return j.Succeed(o.output, now)
	case domain.JobStatusFailed:
		return j.Fail(domain.ClassProviderFailure, o.message, now)
	case domain.JobStatusTimedOut:
		return j.TimeOut(deadline, now)
	default:
		return j.Cancel(now)
	}
}

// finish persists the terminal outcome. A lost compare-and-swap reloads the
// job; if another writer already made it terminal, that state wins.
func (p *Poller) finish(ctx context.Context, logger *slog.Logger, adapter provider.Adapter, job *domain.Job, o outcome, deadline time.Duration) (*domain.Job, error) {
	// the final state is written even when the caller is shutting down
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CancelTimeout+5*time.Second)
	defer cancel()

	current := job
	for attempt := 0; attempt < maxWriteConflicts; attempt++ {
		next := current.Clone()
		if err := o.apply(next, deadline, p.now()); err != nil {
			return current, err
		}

		err := p.store.UpdateJob(writeCtx, next)
		if err == nil {
			p.cancels.Clear(job.ID)
			logger.Info("Job finished",
				slog.String("status", string(next.Status)),
				slog.Int("outputs", len(next.Output)),
			)
			if o.cancelRemote {
				p.cancelRemote(ctx, logger, adapter, next.ProviderRef)
			}
			return next, nil
		}
		if !errors.Is(err, domain.ErrStaleVersion) {
			logger.Error("Failed to persist terminal job state", slog.Any("error", err))
			return current, err
		}

		stored, err := p.store.GetJob(writeCtx, job.ID)
		if err != nil {
			return current, fmt.Errorf("failed to reload job after write conflict: %w", err)
		}
		if stored.Status.IsTerminal() {
			p.cancels.Clear(job.ID)
			logger.Info("Job already terminal, discarding poll outcome",
				slog.String("stored_status", string(stored.Status)),
				slog.String("observed_status", string(o.status)),
			)
			return stored, nil
		}
		current = stored
	}

	return current, fmt.Errorf("%w: job %s kept changing during terminal write", domain.ErrStaleVersion, job.ID)
}

// cancelRemote fires a best-effort provider cancel without blocking the caller
func (p *Poller) cancelRemote(ctx context.Context, logger *slog.Logger, adapter provider.Adapter, ref string) {
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CancelTimeout)
		defer cancel()
		if err := adapter.Cancel(cctx, ref); err != nil {
			logger.Warn("Provider cancel failed", slog.String("provider_ref", ref), slog.Any("error", err))
		}
	}()
}

// Wait blocks until background provider cancels have returned
func (p *Poller) Wait() {
	p.background.Wait()
}
