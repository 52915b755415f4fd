package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/cuongbtq/mediagen-orchestrator/internal/cost"
	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
	"github.com/cuongbtq/mediagen-orchestrator/internal/poller"
	"github.com/cuongbtq/mediagen-orchestrator/internal/provider"
	"github.com/cuongbtq/mediagen-orchestrator/internal/store"
)

const (
	// maxCancelConflicts bounds the compare-and-swap retries of Cancel
	maxCancelConflicts = 5

	// DefaultMotionPrompt drives non-interpolating transitions without a caller prompt
	DefaultMotionPrompt = "smooth cinematic camera motion toward the next scene"
)

// Config tunes fan-out and read behavior
type Config struct {
	// SubmitStagger delays the i-th batch submission by i*SubmitStagger
	SubmitStagger time.Duration
	// AllowAnonymous lets the anonymous owner bypass ownership checks
	AllowAnonymous bool
	// WatchInterval is how often WaitBatch rereads members it cannot wait on directly
	WatchInterval time.Duration
	DefaultModels map[domain.JobKind]string
	// CancelTimeout bounds the best-effort provider cancel
	CancelTimeout time.Duration
}

// Dependencies holds everything the service talks to
type Dependencies struct {
	Store         store.Store
	Adapters      provider.Resolver
	Estimator     *cost.Estimator
	Dispatcher    Dispatcher
	Cancellations *poller.Cancellations
	Logger        *slog.Logger
	Tracer        trace.Tracer
}

// Service submits jobs and batches, and answers reads over their stored records
type Service struct {
	store      store.Store
	adapters   provider.Resolver
	estimator  *cost.Estimator
	dispatcher Dispatcher
	cancels    *poller.Cancellations
	logger     *slog.Logger
	tracer     trace.Tracer
	cfg        Config

	now   func() time.Time
	newID func() string

	background sync.WaitGroup
}

func NewService(deps *Dependencies, cfg Config) *Service {
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = time.Second
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 10 * time.Second
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("orchestrator")
	}
	cancels := deps.Cancellations
	if cancels == nil {
		cancels = poller.NewCancellations()
	}
	return &Service{
		store:      deps.Store,
		adapters:   deps.Adapters,
		estimator:  deps.Estimator,
		dispatcher: deps.Dispatcher,
		cancels:    cancels,
		logger:     deps.Logger,
		tracer:     tracer,
		cfg:        cfg,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
}

// JobRequest describes one job to submit
type JobRequest struct {
	OwnerID string
	Kind    domain.JobKind
	Model   string
	Input   domain.Input
}

// TransitionRequest describes a chain of scene transitions between ordered scenes
type TransitionRequest struct {
	OwnerID string
	Model   string
	// Scenes are image URLs in playback order
	Scenes []string
	// Interpolate sends both endpoints to the provider; otherwise the start
	// frame is sent with MotionPrompt
	Interpolate  bool
	MotionPrompt string
	Duration     float64
	Resolution   string
}

// BatchSubmission is the result of a fan-out
type BatchSubmission struct {
	Batch *domain.Batch
	Jobs  []*domain.Job
}

// jobSpec is a validated job waiting for submission
type jobSpec struct {
	ownerID   string
	kind      domain.JobKind
	model     string
	input     domain.Input
	batchID   string
	dependsOn []string
	cost      float64
}

// SubmitJob submits a single job. A provider rejection is recorded as a failed
// job and returned together with an error wrapping domain.ErrSubmission.
func (s *Service) SubmitJob(ctx context.Context, req JobRequest) (*domain.Job, error) {
	spec, err := s.prepare(req.OwnerID, req.Kind, req.Model, req.Input)
	if err != nil {
		return nil, err
	}

	job, submitErr := s.submit(ctx, spec)

	persistCtx := context.WithoutCancel(ctx)
	if err := s.store.CreateJob(persistCtx, job); err != nil {
		s.logger.Error("Failed to persist job", slog.String("job_id", job.ID), slog.Any("error", err))
		return nil, err
	}
	if submitErr != nil {
		return job, submitErr
	}

	s.dispatch(persistCtx, job)
	return job, nil
}

// SubmitVariations submits one job per input as a variation-set batch
func (s *Service) SubmitVariations(ctx context.Context, ownerID string, kind domain.JobKind, model string, inputs []domain.Input) (*BatchSubmission, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: at least one variation is required", domain.ErrInvalidRequest)
	}

	specs := make([]jobSpec, len(inputs))
	for i, in := range inputs {
		spec, err := s.prepare(ownerID, kind, model, in)
		if err != nil {
			return nil, fmt.Errorf("variation %d: %w", i, err)
		}
		specs[i] = spec
	}

	return s.submitBatch(ctx, ownerID, domain.BatchKindVariationSet, specs)
}

// SubmitTransitionChain submits N-1 scene transitions for N scenes. Job i moves
// from scene i to scene i+1.
func (s *Service) SubmitTransitionChain(ctx context.Context, req TransitionRequest) (*BatchSubmission, error) {
	if len(req.Scenes) < 2 {
		return nil, fmt.Errorf("%w: a transition chain needs at least two scenes", domain.ErrInvalidRequest)
	}
	for i, scene := range req.Scenes {
		if scene == "" {
			return nil, fmt.Errorf("%w: scene %d has no image", domain.ErrInvalidRequest, i)
		}
	}

	specs := make([]jobSpec, 0, len(req.Scenes)-1)
	for i := 0; i < len(req.Scenes)-1; i++ {
		spec, err := s.prepare(req.OwnerID, domain.KindSceneTransition, req.Model, transitionInput(req, i))
		if err != nil {
			return nil, fmt.Errorf("transition %d: %w", i, err)
		}
		specs = append(specs, spec)
	}

	return s.submitBatch(ctx, req.OwnerID, domain.BatchKindTransitionChain, specs)
}

func transitionInput(req TransitionRequest, i int) domain.Input {
	in := domain.Input{domain.InputStartImage: req.Scenes[i]}
	if req.Interpolate {
		in[domain.InputEndImage] = req.Scenes[i+1]
	} else {
		prompt := req.MotionPrompt
		if prompt == "" {
			prompt = DefaultMotionPrompt
		}
		in[domain.InputPrompt] = prompt
	}
	if req.Duration > 0 {
		in[domain.InputDuration] = req.Duration
	}
	if req.Resolution != "" {
		in[domain.InputResolution] = req.Resolution
	}
	return in
}

// submitBatch fans out submissions, then persists the batch and its members in
// one step and dispatches pollers for the running ones
func (s *Service) submitBatch(ctx context.Context, ownerID string, kind domain.BatchKind, specs []jobSpec) (*BatchSubmission, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.submit_batch", trace.WithAttributes(
		attribute.String("batch.kind", string(kind)),
		attribute.Int("batch.size", len(specs)),
	))
	defer span.End()

	batch := &domain.Batch{
		ID:        s.newID(),
		OwnerID:   ownerID,
		Kind:      kind,
		JobIDs:    make([]string, len(specs)),
		CreatedAt: s.now(),
	}

	jobs := make([]*domain.Job, len(specs))
	var wg sync.WaitGroup
	for i := range specs {
		specs[i].batchID = batch.ID
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if delay := time.Duration(i) * s.cfg.SubmitStagger; delay > 0 {
				select {
				case <-ctx.Done():
					jobs[i] = s.rejected(specs[i], ctx.Err())
					return
				case <-time.After(delay):
				}
			}
			jobs[i], _ = s.submit(ctx, specs[i])
		}(i)
	}
	wg.Wait()

	failed := 0
	for i, job := range jobs {
		batch.JobIDs[i] = job.ID
		if job.Status == domain.JobStatusFailed {
			failed++
		}
	}

	persistCtx := context.WithoutCancel(ctx)
	if err := s.store.CreateBatch(persistCtx, batch, jobs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("Failed to persist batch", slog.String("batch_id", batch.ID), slog.Any("error", err))
		return nil, err
	}

	s.logger.Info("Batch submitted",
		slog.String("batch_id", batch.ID),
		slog.String("kind", string(kind)),
		slog.Int("jobs", len(jobs)),
		slog.Int("submission_failures", failed),
	)

	for _, job := range jobs {
		if job.Status == domain.JobStatusRunning {
			s.dispatch(persistCtx, job)
		}
	}

	return &BatchSubmission{Batch: batch, Jobs: jobs}, nil
}

// prepare validates a request and prices it
func (s *Service) prepare(ownerID string, kind domain.JobKind, model string, input domain.Input) (jobSpec, error) {
	if ownerID == "" {
		return jobSpec{}, fmt.Errorf("%w: owner is required", domain.ErrInvalidRequest)
	}
	if !kind.Valid() {
		return jobSpec{}, fmt.Errorf("%w: unknown job kind %q", domain.ErrInvalidRequest, kind)
	}
	if model == "" {
		model = s.cfg.DefaultModels[kind]
	}
	if model == "" {
		return jobSpec{}, fmt.Errorf("%w: no model given and no default for %s", domain.ErrInvalidRequest, kind)
	}
	if input == nil {
		input = domain.Input{}
	}

	price, err := s.estimator.Estimate(kind, model, input.Duration(), input.Resolution())
	if err != nil {
		return jobSpec{}, err
	}

	return jobSpec{
		ownerID: ownerID,
		kind:    kind,
		model:   model,
		input:   maps.Clone(input),
		cost:    price,
	}, nil
}

// submit calls the provider and returns the job in running or failed state.
// The job is not persisted.
func (s *Service) submit(ctx context.Context, spec jobSpec) (*domain.Job, error) {
	job := s.newJob(spec)
	_ = job.MarkSubmitting(s.now())

	adapter, err := s.adapters.For(spec.kind)
	if err != nil {
		return s.fail(job, err), fmt.Errorf("%w: %w", domain.ErrSubmission, err)
	}

	ctx, span := s.tracer.Start(ctx, "provider.submit", trace.WithAttributes(
		attribute.String("provider.name", adapter.Name()),
		attribute.String("job.id", job.ID),
		attribute.String("job.kind", string(job.Kind)),
		attribute.String("job.model", job.Model),
	))
	defer span.End()

	res, err := adapter.Submit(ctx, provider.SubmitRequest{
		Kind:  job.Kind,
		Model: job.Model,
		Input: job.Input,
		JobID: job.ID,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("Provider rejected submission",
			slog.String("job_id", job.ID),
			slog.String("provider", adapter.Name()),
			slog.Any("error", err),
		)
		return s.fail(job, err), fmt.Errorf("%w: %w", domain.ErrSubmission, err)
	}

	if err := job.MarkRunning(res.Ref, s.now()); err != nil {
		return s.fail(job, err), fmt.Errorf("%w: %w", domain.ErrSubmission, err)
	}
	span.SetAttributes(attribute.String("provider.ref", res.Ref))

	s.logger.Info("Job submitted",
		slog.String("job_id", job.ID),
		slog.String("provider_ref", res.Ref),
		slog.String("kind", string(job.Kind)),
		slog.Float64("cost_estimate", job.CostEstimate),
	)
	return job, nil
}

func (s *Service) newJob(spec jobSpec) *domain.Job {
	job := domain.NewJob(s.newID(), spec.ownerID, spec.kind, spec.model, spec.input, s.now())
	job.ParentBatchID = spec.batchID
	job.DependsOn = spec.dependsOn
	job.CostEstimate = spec.cost
	return job
}

// rejected builds a failed job for a spec that never reached the provider
func (s *Service) rejected(spec jobSpec, err error) *domain.Job {
	job := s.newJob(spec)
	_ = job.MarkSubmitting(s.now())
	return s.fail(job, err)
}

func (s *Service) fail(job *domain.Job, err error) *domain.Job {
	_ = job.MarkSubmissionFailed(err.Error(), s.now())
	return job
}

func (s *Service) dispatch(ctx context.Context, job *domain.Job) {
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		// the job stays running in the store and times out on the next poll
		s.logger.Error("Failed to dispatch job", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

// resumePageSize is how many running jobs Resume loads per store read
const resumePageSize = 100

// Resume dispatches every job the store still holds as running. The API calls
// it on startup in local mode so pollers lost with the previous process restart.
func (s *Service) Resume(ctx context.Context) (int, error) {
	filter := store.JobFilter{Status: domain.JobStatusRunning, Limit: resumePageSize}
	resumed := 0
	for {
		jobs, err := s.store.ListJobs(ctx, filter)
		if err != nil {
			return resumed, fmt.Errorf("failed to list running jobs: %w", err)
		}
		for _, job := range jobs {
			s.dispatch(ctx, job)
			resumed++
		}
		if len(jobs) < resumePageSize {
			return resumed, nil
		}
		last := jobs[len(jobs)-1]
		filter.Cursor = &store.JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID}
	}
}

// GetJob returns a job owned by ownerID
func (s *Service) GetJob(ctx context.Context, ownerID, jobID string) (*domain.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.OwnedBy(ownerID, s.cfg.AllowAnonymous) {
		return nil, fmt.Errorf("%w: job %s", domain.ErrOwnershipViolation, jobID)
	}
	return job, nil
}

// ListJobs returns ownerID's jobs newest first. The anonymous owner lists every
// job when anonymous mode is enabled.
func (s *Service) ListJobs(ctx context.Context, ownerID string, filter store.JobFilter) ([]*domain.Job, error) {
	filter.OwnerID = ownerID
	if s.cfg.AllowAnonymous && ownerID == domain.AnonymousOwner {
		filter.OwnerID = ""
	}
	return s.store.ListJobs(ctx, filter)
}

// GetBatch returns the batch and an aggregate derived from its stored members
func (s *Service) GetBatch(ctx context.Context, ownerID, batchID string) (*domain.Batch, domain.BatchSummary, error) {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, domain.BatchSummary{}, err
	}
	if !batch.OwnedBy(ownerID, s.cfg.AllowAnonymous) {
		return nil, domain.BatchSummary{}, fmt.Errorf("%w: batch %s", domain.ErrOwnershipViolation, batchID)
	}

	jobs, err := s.store.GetJobs(ctx, batch.JobIDs)
	if err != nil {
		return nil, domain.BatchSummary{}, err
	}
	return batch, domain.Summarize(batch, jobs), nil
}

// WaitBatch blocks until every member of the batch is terminal and returns the
// final aggregate. The aggregate is rebuilt from the store on every wake-up.
func (s *Service) WaitBatch(ctx context.Context, ownerID, batchID string) (domain.BatchSummary, error) {
	waiter, _ := s.dispatcher.(Waiter)

	for {
		_, summary, err := s.GetBatch(ctx, ownerID, batchID)
		if err != nil {
			return domain.BatchSummary{}, err
		}
		if summary.Done() {
			return summary, nil
		}

		var done <-chan struct{}
		if waiter != nil {
			for _, o := range summary.Jobs {
				if !o.Status.IsTerminal() {
					done = waiter.Done(o.JobID)
					break
				}
			}
		}

		timer := time.NewTimer(s.cfg.WatchInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return summary, ctx.Err()
		case <-done:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Cancel moves a running job to canceled and asks the provider to stop. It is
// a no-op on terminal jobs.
func (s *Service) Cancel(ctx context.Context, ownerID, jobID string) (*domain.Job, error) {
	for attempt := 0; attempt < maxCancelConflicts; attempt++ {
		job, err := s.GetJob(ctx, ownerID, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}

		next := job.Clone()
		if err := next.Cancel(s.now()); err != nil {
			return job, err
		}
		err = s.store.UpdateJob(ctx, next)
		if errors.Is(err, domain.ErrStaleVersion) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if s.pollsLocally(jobID) {
			s.cancels.Request(jobID)
		}
		s.cancelRemote(ctx, next)
		s.logger.Info("Job canceled", slog.String("job_id", jobID))
		return next, nil
	}
	return nil, fmt.Errorf("%w: job %s kept changing during cancel", domain.ErrStaleVersion, jobID)
}

// pollsLocally reports whether a poller in this process owns jobID. Pollers
// elsewhere notice the cancel through the stored status.
func (s *Service) pollsLocally(jobID string) bool {
	w, ok := s.dispatcher.(Waiter)
	return ok && w.Done(jobID) != nil
}

func (s *Service) cancelRemote(ctx context.Context, job *domain.Job) {
	adapter, err := s.adapters.For(job.Kind)
	if err != nil || job.ProviderRef == "" {
		return
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CancelTimeout)
		defer cancel()
		if err := adapter.Cancel(cctx, job.ProviderRef); err != nil {
			s.logger.Warn("Provider cancel failed",
				slog.String("job_id", job.ID),
				slog.String("provider_ref", job.ProviderRef),
				slog.Any("error", err),
			)
		}
	}()
}

// Regenerate resubmits a batch member's input as a new job that takes the old
// member's place in the batch
func (s *Service) Regenerate(ctx context.Context, ownerID, batchID, jobID string) (*domain.Job, error) {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !batch.OwnedBy(ownerID, s.cfg.AllowAnonymous) {
		return nil, fmt.Errorf("%w: batch %s", domain.ErrOwnershipViolation, batchID)
	}

	old, err := s.GetJob(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(batch.JobIDs, jobID) {
		return nil, fmt.Errorf("%w: job %s, batch %s", domain.ErrNotBatchMember, jobID, batchID)
	}

	if !old.Status.IsTerminal() {
		if _, err := s.Cancel(ctx, ownerID, jobID); err != nil {
			return nil, err
		}
	}

	spec, err := s.prepare(batch.OwnerID, old.Kind, old.Model, old.Input)
	if err != nil {
		return nil, err
	}
	spec.batchID = batchID
	spec.dependsOn = old.DependsOn

	job, submitErr := s.submit(ctx, spec)

	persistCtx := context.WithoutCancel(ctx)
	if _, err := s.store.ReplaceBatchMember(persistCtx, batchID, jobID, job); err != nil {
		return nil, err
	}
	s.logger.Info("Batch member regenerated",
		slog.String("batch_id", batchID),
		slog.String("old_job_id", jobID),
		slog.String("job_id", job.ID),
	)
	if submitErr != nil {
		return job, submitErr
	}

	s.dispatch(persistCtx, job)
	return job, nil
}

// EstimateCost prices n jobs of kind, resolving the default model when model is empty
func (s *Service) EstimateCost(kind domain.JobKind, model string, durationSeconds float64, resolution string, n int) (float64, error) {
	if model == "" {
		model = s.cfg.DefaultModels[kind]
	}
	return s.estimator.EstimateBatch(kind, model, durationSeconds, resolution, n)
}

// Ready reports whether the store can serve requests
func (s *Service) Ready(ctx context.Context) error {
	if p, ok := s.store.(store.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Wait blocks until background provider cancels have returned
func (s *Service) Wait() {
	s.background.Wait()
}
