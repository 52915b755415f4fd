package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/mediagen-orchestrator/internal/cost"
	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
	"github.com/cuongbtq/mediagen-orchestrator/internal/poller"
	"github.com/cuongbtq/mediagen-orchestrator/internal/provider"
	"github.com/cuongbtq/mediagen-orchestrator/internal/store"
)

// Prompts understood by fakeAdapter
const (
	promptReject = "reject"
	promptFail   = "fail"
	promptHang   = "hang"
)

type fakePrediction struct {
	prompt   string
	polls    int
	canceled bool
}

// fakeAdapter decides each prediction's fate from its prompt
type fakeAdapter struct {
	mu          sync.Mutex
	seq         int
	predictions map[string]*fakePrediction
	submits     []provider.SubmitRequest
	cancels     []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{predictions: make(map[string]*fakePrediction)}
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) Submit(ctx context.Context, req provider.SubmitRequest) (provider.SubmitResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submits = append(a.submits, req)

	prompt := req.Input.String(domain.InputPrompt)
	if prompt == promptReject {
		return provider.SubmitResult{}, &provider.Error{Kind: provider.ErrInvalidInput, Provider: "fake", StatusCode: 422, Message: "prompt rejected"}
	}
	a.seq++
	ref := fmt.Sprintf("ref-%d", a.seq)
	a.predictions[ref] = &fakePrediction{prompt: prompt}
	return provider.SubmitResult{Ref: ref, Status: provider.StatusRunning}, nil
}

func (a *fakeAdapter) Poll(ctx context.Context, ref string) (provider.PollResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.predictions[ref]
	if !ok {
		return provider.PollResult{}, &provider.Error{Kind: provider.ErrInvalidInput, Provider: "fake", Message: "unknown ref"}
	}
	if p.canceled {
		return provider.PollResult{Status: provider.StatusCanceled}, nil
	}
	p.polls++
	switch {
	case p.prompt == promptHang || p.polls < 2:
		return provider.PollResult{Status: provider.StatusRunning}, nil
	case p.prompt == promptFail:
		return provider.PollResult{Status: provider.StatusFailed, Message: "content policy"}, nil
	default:
		return provider.PollResult{Status: provider.StatusSucceeded, Output: []string{"https://cdn.test/" + ref + ".mp4"}}, nil
	}
}

func (a *fakeAdapter) Cancel(ctx context.Context, ref string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels = append(a.cancels, ref)
	if p, ok := a.predictions[ref]; ok {
		p.canceled = true
	}
	return nil
}

func (a *fakeAdapter) submitCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.submits)
}

func (a *fakeAdapter) canceledRefs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancels...)
}

type fixture struct {
	store      *store.MemoryStore
	adapter    *fakeAdapter
	dispatcher *LocalDispatcher
	svc        *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := store.NewMemoryStore()
	adapter := newFakeAdapter()
	registry := provider.NewRegistry()
	registry.Register(adapter, domain.AllKinds...)

	cancels := poller.NewCancellations()
	p := poller.New(st, registry, cancels, poller.Config{
		Interval:        5 * time.Millisecond,
		DefaultDeadline: time.Minute,
		MaxPollAttempts: 2,
		RetryBackoff:    time.Millisecond,
		CancelTimeout:   time.Second,
	}, logger)
	dispatcher := NewLocalDispatcher(p, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = dispatcher.Shutdown(ctx)
	})

	estimator := cost.NewEstimator([]cost.Rate{{Model: "acme/video", PerUnit: 0.1}}, nil)

	svc := NewService(&Dependencies{
		Store:         st,
		Adapters:      registry,
		Estimator:     estimator,
		Dispatcher:    dispatcher,
		Cancellations: cancels,
		Logger:        logger,
	}, cfg)
	var seq atomic.Int64
	svc.newID = func() string { return fmt.Sprintf("id-%03d", seq.Add(1)) }

	return &fixture{store: st, adapter: adapter, dispatcher: dispatcher, svc: svc}
}

func (f *fixture) waitJob(t *testing.T, id string) *domain.Job {
	t.Helper()
	f.dispatcher.Wait()
	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func promptInput(prompt string) domain.Input {
	return domain.Input{domain.InputPrompt: prompt, domain.InputDuration: 5}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitJob_RunsToSuccess(t *testing.T) {
	f := newFixture(t, Config{})

	job, err := f.svc.SubmitJob(context.Background(), JobRequest{
		OwnerID: "alice",
		Kind:    domain.KindVideoGeneration,
		Model:   "acme/video",
		Input:   promptInput("a red fox"),
	})

	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.Equal(t, "ref-1", job.ProviderRef)
	assert.InDelta(t, 0.5, job.CostEstimate, 1e-12)

	final := f.waitJob(t, job.ID)
	assert.Equal(t, domain.JobStatusSucceeded, final.Status)
	assert.Equal(t, []string{"https://cdn.test/ref-1.mp4"}, final.Output)
	assert.InDelta(t, 0.5, final.CostEstimate, 1e-12)
}

func TestSubmitJob_SubmissionErrorRecorded(t *testing.T) {
	f := newFixture(t, Config{})

	job, err := f.svc.SubmitJob(context.Background(), JobRequest{
		OwnerID: "alice",
		Kind:    domain.KindVideoGeneration,
		Model:   "acme/video",
		Input:   promptInput(promptReject),
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSubmission)
	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, provider.ErrInvalidInput, perr.Kind)

	require.NotNil(t, job)
	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, domain.ClassSubmission, stored.Error.Class)
	assert.Empty(t, stored.ProviderRef)
	assert.Nil(t, f.dispatcher.Done(job.ID))
}

func TestSubmitJob_InvalidRequests(t *testing.T) {
	f := newFixture(t, Config{DefaultModels: map[domain.JobKind]string{domain.KindImageGeneration: "acme/image"}})

	tests := []struct {
		name string
		req  JobRequest
	}{
		{name: "missing owner", req: JobRequest{Kind: domain.KindVideoGeneration, Model: "acme/video"}},
		{name: "unknown kind", req: JobRequest{OwnerID: "alice", Kind: "hologram", Model: "acme/video"}},
		{name: "no model and no default", req: JobRequest{OwnerID: "alice", Kind: domain.KindVideoGeneration}},
		{name: "negative duration", req: JobRequest{OwnerID: "alice", Kind: domain.KindVideoGeneration, Model: "acme/video", Input: domain.Input{domain.InputDuration: -1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := f.svc.SubmitJob(context.Background(), tt.req)
			assert.ErrorIs(t, err, domain.ErrInvalidRequest)
			assert.Nil(t, job)
		})
	}

	jobs, err := f.store.ListJobs(context.Background(), store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected requests are never persisted")
	assert.Equal(t, 0, f.adapter.submitCount())
}

func TestSubmitJob_DefaultModel(t *testing.T) {
	f := newFixture(t, Config{DefaultModels: map[domain.JobKind]string{domain.KindImageGeneration: "acme/image"}})

	job, err := f.svc.SubmitJob(context.Background(), JobRequest{
		OwnerID: "alice",
		Kind:    domain.KindImageGeneration,
		Input:   domain.Input{domain.InputPrompt: "lighthouse"},
	})

	require.NoError(t, err)
	assert.Equal(t, "acme/image", job.Model)
	assert.Equal(t, cost.DefaultKindRates[domain.KindImageGeneration], job.CostEstimate)
}

func TestSubmitVariations_MixedOutcomes(t *testing.T) {
	f := newFixture(t, Config{})

	sub, err := f.svc.SubmitVariations(context.Background(), "alice", domain.KindVideoGeneration, "acme/video", []domain.Input{
		promptInput("sunrise"),
		promptInput(promptFail),
		promptInput("sunset"),
	})
	require.NoError(t, err)
	require.Len(t, sub.Jobs, 3)
	assert.Equal(t, domain.BatchKindVariationSet, sub.Batch.Kind)

	for i, job := range sub.Jobs {
		assert.Equal(t, sub.Batch.ID, job.ParentBatchID)
		assert.Equal(t, job.ID, sub.Batch.JobIDs[i], "members keep submission order")
	}

	summary, err := f.svc.WaitBatch(waitCtx(t), "alice", sub.Batch.ID)
	require.NoError(t, err)

	assert.True(t, summary.Done())
	assert.Equal(t, 3, summary.CompletedCount)
	assert.False(t, summary.AllSucceeded)
	assert.True(t, summary.AnyFailed)
	assert.Equal(t, domain.JobStatusSucceeded, summary.Jobs[0].Status)
	assert.Equal(t, domain.JobStatusFailed, summary.Jobs[1].Status)
	assert.Equal(t, domain.ClassProviderFailure, summary.Jobs[1].Error.Class)
	assert.Equal(t, domain.JobStatusSucceeded, summary.Jobs[2].Status)
	assert.Len(t, summary.SucceededOutputs(), 2)
}

func TestSubmitVariations_SubmissionFailureIsolated(t *testing.T) {
	f := newFixture(t, Config{})

	sub, err := f.svc.SubmitVariations(context.Background(), "alice", domain.KindVideoGeneration, "acme/video", []domain.Input{
		promptInput("one"),
		promptInput(promptReject),
		promptInput("three"),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusRunning, sub.Jobs[0].Status)
	assert.Equal(t, domain.JobStatusFailed, sub.Jobs[1].Status)
	assert.Equal(t, domain.ClassSubmission, sub.Jobs[1].Error.Class)
	assert.Equal(t, domain.JobStatusRunning, sub.Jobs[2].Status)

	summary, err := f.svc.WaitBatch(waitCtx(t), "alice", sub.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, summary.Jobs[0].Status)
	assert.Equal(t, domain.JobStatusFailed, summary.Jobs[1].Status)
	assert.Equal(t, domain.JobStatusSucceeded, summary.Jobs[2].Status)
}

func TestSubmitVariations_InvalidMemberRejectsBatch(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.svc.SubmitVariations(context.Background(), "alice", domain.KindVideoGeneration, "acme/video", []domain.Input{
		promptInput("ok"),
		{domain.InputDuration: -3},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.svc.SubmitVariations(context.Background(), "alice", domain.KindVideoGeneration, "acme/video", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.Equal(t, 0, f.adapter.submitCount())
}

func TestSubmitVariations_Stagger(t *testing.T) {
	f := newFixture(t, Config{SubmitStagger: 20 * time.Millisecond})

	start := time.Now()
	_, err := f.svc.SubmitVariations(context.Background(), "alice", domain.KindVideoGeneration, "acme/video", []domain.Input{
		promptInput("a"), promptInput("b"), promptInput("c"),
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, 3, f.adapter.submitCount())
}

func TestSubmitTransitionChain_Interpolating(t *testing.T) {
	f := newFixture(t, Config{})
	scenes := []string{"s0.png", "s1.png", "s2.png", "s3.png", "s4.png"}

	sub, err := f.svc.SubmitTransitionChain(context.Background(), TransitionRequest{
		OwnerID:     "alice",
		Model:       "acme/video",
		Scenes:      scenes,
		Interpolate: true,
		Duration:    4,
	})
	require.NoError(t, err)

	require.Len(t, sub.Jobs, len(scenes)-1)
	assert.Equal(t, domain.BatchKindTransitionChain, sub.Batch.Kind)
	for i, job := range sub.Jobs {
		assert.Equal(t, domain.KindSceneTransition, job.Kind)
		assert.Equal(t, scenes[i], job.Input.String(domain.InputStartImage))
		assert.Equal(t, scenes[i+1], job.Input.String(domain.InputEndImage))
		assert.Equal(t, float64(4), job.Input.Duration())
		assert.Equal(t, sub.Batch.JobIDs[i], job.ID)
	}

	summary, err := f.svc.WaitBatch(waitCtx(t), "alice", sub.Batch.ID)
	require.NoError(t, err)
	assert.True(t, summary.AllSucceeded)
}

func TestSubmitTransitionChain_MotionPrompt(t *testing.T) {
	f := newFixture(t, Config{})

	sub, err := f.svc.SubmitTransitionChain(context.Background(), TransitionRequest{
		OwnerID: "alice",
		Model:   "acme/video",
		Scenes:  []string{"a.png", "b.png", "c.png"},
	})
	require.NoError(t, err)

	require.Len(t, sub.Jobs, 2)
	for i, job := range sub.Jobs {
		assert.Equal(t, []string{"a.png", "b.png"}[i], job.Input.String(domain.InputStartImage))
		assert.Empty(t, job.Input.String(domain.InputEndImage))
		assert.Equal(t, DefaultMotionPrompt, job.Input.String(domain.InputPrompt))
	}
}

func TestSubmitTransitionChain_TooFewScenes(t *testing.T) {
	f := newFixture(t, Config{})

	for _, scenes := range [][]string{nil, {"only.png"}, {"a.png", ""}} {
		_, err := f.svc.SubmitTransitionChain(context.Background(), TransitionRequest{
			OwnerID: "alice", Model: "acme/video", Scenes: scenes,
		})
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	}
}

func TestGetJob_Ownership(t *testing.T) {
	tests := []struct {
		name           string
		allowAnonymous bool
		caller         string
		wantErr        error
	}{
		{name: "owner", caller: "alice"},
		{name: "other owner", caller: "bob", wantErr: domain.ErrOwnershipViolation},
		{name: "anonymous when disabled", caller: domain.AnonymousOwner, wantErr: domain.ErrOwnershipViolation},
		{name: "anonymous when enabled", allowAnonymous: true, caller: domain.AnonymousOwner},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{AllowAnonymous: tt.allowAnonymous})
			job, err := f.svc.SubmitJob(context.Background(), JobRequest{
				OwnerID: "alice", Kind: domain.KindVideoGeneration, Model: "acme/video", Input: promptInput("x"),
			})
			require.NoError(t, err)

			got, err := f.svc.GetJob(context.Background(), tt.caller, job.ID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, job.ID, got.ID)
		})
	}
}

func TestGetJob_NotFound(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.svc.GetJob(context.Background(), "alice", "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestListJobs_ScopedToOwner(t *testing.T) {
	f := newFixture(t, Config{AllowAnonymous: true})
	for _, owner := range []string{"alice", "alice", "bob"} {
		_, err := f.svc.SubmitJob(context.Background(), JobRequest{
			OwnerID: owner, Kind: domain.KindVideoGeneration, Model: "acme/video", Input: promptInput("x"),
		})
		require.NoError(t, err)
	}

	alice, err := f.svc.ListJobs(context.Background(), "alice", store.JobFilter{OwnerID: "bob"})
	require.NoError(t, err)
	assert.Len(t, alice, 2, "the caller cannot widen the owner filter")

	all, err := f.svc.ListJobs(context.Background(), domain.AnonymousOwner, store.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestGetBatch_Ownership(t *testing.T) {
	f := newFixture(t, Config{})
	sub, err := f.svc.SubmitVariations(context.Background(), "alice", domain.KindVideoGeneration, "acme/video", []domain.Input{promptInput("x")})
	require.NoError(t, err)

	_, _, err = f.svc.GetBatch(context.Background(), "bob", sub.Batch.ID)
	assert.ErrorIs(t, err, domain.ErrOwnershipViolation)

	_, err = f.svc.WaitBatch(context.Background(), "bob", sub.Batch.ID)
	assert.ErrorIs(t, err, domain.ErrOwnershipViolation)

	_, _, err = f.svc.GetBatch(context.Background(), "alice", "missing")
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
}

func TestWaitBatch_ContextEnds(t *testing.T) {
	f := newFixture(t, Config{WatchInterval: 5 * time.Millisecond})
	sub, err := f.svc.SubmitVariations(context.Background(), "alice", domain.KindVideoGeneration, "acme/video", []domain.Input{promptInput(promptHang)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	summary, err := f.svc.WaitBatch(ctx, "alice", sub.Batch.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, summary.Done())
	assert.Equal(t, domain.JobStatusRunning, summary.Jobs[0].Status)
}

func TestCancel_RunningJob(t *testing.T) {
	f := newFixture(t, Config{})
	job, err := f.svc.SubmitJob(context.Background(), JobRequest{
		OwnerID: "alice", Kind: domain.KindVideoGeneration, Model: "acme/video", Input: promptInput(promptHang),
	})
	require.NoError(t, err)

	canceled, err := f.svc.Cancel(context.Background(), "alice", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCanceled, canceled.Status)

	final := f.waitJob(t, job.ID)
	assert.Equal(t, domain.JobStatusCanceled, final.Status)
	assert.Nil(t, final.Output)

	f.svc.Wait()
	assert.Equal(t, []string{job.ProviderRef}, f.adapter.canceledRefs())

	again, err := f.svc.Cancel(context.Background(), "alice", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCanceled, again.Status)
	assert.Equal(t, final.Version, again.Version, "cancel on a terminal job writes nothing")
}

func TestCancel_QueueModeLeavesNoLocalFlag(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	st := store.NewMemoryStore()
	adapter := newFakeAdapter()
	registry := provider.NewRegistry()
	registry.Register(adapter, domain.AllKinds...)
	cancels := poller.NewCancellations()

	svc := NewService(&Dependencies{
		Store:         st,
		Adapters:      registry,
		Dispatcher:    NewQueueDispatcher(&recordingPublisher{}, logger),
		Cancellations: cancels,
		Logger:        logger,
	}, Config{CancelTimeout: time.Second})

	now := time.Now()
	job := domain.NewJob("queued-elsewhere", "alice", domain.KindVideoGeneration, "acme/video", promptInput(promptHang), now)
	require.NoError(t, job.MarkSubmitting(now))
	require.NoError(t, job.MarkRunning("ref-remote", now))
	require.NoError(t, st.CreateJob(ctx, job))

	canceled, err := svc.Cancel(ctx, "alice", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCanceled, canceled.Status)
	assert.False(t, cancels.Requested(job.ID), "no poller in this process owns the job")

	svc.Wait()
	assert.Equal(t, []string{"ref-remote"}, adapter.canceledRefs())
}

func TestCancel_TerminalJobUnchanged(t *testing.T) {
	f := newFixture(t, Config{})
	job, err := f.svc.SubmitJob(context.Background(), JobRequest{
		OwnerID: "alice", Kind: domain.KindVideoGeneration, Model: "acme/video", Input: promptInput("done soon"),
	})
	require.NoError(t, err)
	final := f.waitJob(t, job.ID)
	require.Equal(t, domain.JobStatusSucceeded, final.Status)

	got, err := f.svc.Cancel(context.Background(), "alice", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, got.Status)
	assert.Equal(t, final.Output, got.Output)

	f.svc.Wait()
	assert.Empty(t, f.adapter.canceledRefs())
}

func TestCancel_Ownership(t *testing.T) {
	f := newFixture(t, Config{})
	job, err := f.svc.SubmitJob(context.Background(), JobRequest{
		OwnerID: "alice", Kind: domain.KindVideoGeneration, Model: "acme/video", Input: promptInput(promptHang),
	})
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), "bob", job.ID)
	assert.ErrorIs(t, err, domain.ErrOwnershipViolation)

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, stored.Status)
}

func TestRegenerate_SwapsMemberInPlace(t *testing.T) {
	f := newFixture(t, Config{})
	sub, err := f.svc.SubmitVariations(context.Background(), "alice", domain.KindVideoGeneration, "acme/video", []domain.Input{
		promptInput("first"), promptInput("second"), promptInput("third"),
	})
	require.NoError(t, err)
	_, err = f.svc.WaitBatch(waitCtx(t), "alice", sub.Batch.ID)
	require.NoError(t, err)

	old := sub.Jobs[1]
	job, err := f.svc.Regenerate(context.Background(), "alice", sub.Batch.ID, old.ID)
	require.NoError(t, err)

	assert.NotEqual(t, old.ID, job.ID)
	assert.Equal(t, sub.Batch.ID, job.ParentBatchID)
	assert.Equal(t, old.Input, job.Input)

	batch, summary, err := f.svc.GetBatch(context.Background(), "alice", sub.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{sub.Jobs[0].ID, job.ID, sub.Jobs[2].ID}, batch.JobIDs)
	assert.Len(t, summary.Jobs, 3)

	final, err := f.svc.WaitBatch(waitCtx(t), "alice", sub.Batch.ID)
	require.NoError(t, err)
	assert.True(t, final.AllSucceeded)

	// the superseded job is no longer part of the batch
	_, err = f.svc.Regenerate(context.Background(), "alice", sub.Batch.ID, old.ID)
	assert.ErrorIs(t, err, domain.ErrNotBatchMember)
}

func TestRegenerate_CancelsRunningMember(t *testing.T) {
	f := newFixture(t, Config{})
	sub, err := f.svc.SubmitVariations(context.Background(), "alice", domain.KindVideoGeneration, "acme/video", []domain.Input{promptInput(promptHang)})
	require.NoError(t, err)

	_, err = f.svc.Regenerate(context.Background(), "alice", sub.Batch.ID, sub.Jobs[0].ID)
	require.NoError(t, err)

	old, err := f.store.GetJob(context.Background(), sub.Jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCanceled, old.Status)
}

func TestRegenerate_Errors(t *testing.T) {
	f := newFixture(t, Config{})
	sub, err := f.svc.SubmitVariations(context.Background(), "alice", domain.KindVideoGeneration, "acme/video", []domain.Input{promptInput("x")})
	require.NoError(t, err)
	single, err := f.svc.SubmitJob(context.Background(), JobRequest{
		OwnerID: "alice", Kind: domain.KindVideoGeneration, Model: "acme/video", Input: promptInput("y"),
	})
	require.NoError(t, err)

	_, err = f.svc.Regenerate(context.Background(), "bob", sub.Batch.ID, sub.Jobs[0].ID)
	assert.ErrorIs(t, err, domain.ErrOwnershipViolation)

	_, err = f.svc.Regenerate(context.Background(), "alice", sub.Batch.ID, single.ID)
	assert.ErrorIs(t, err, domain.ErrNotBatchMember)

	_, err = f.svc.Regenerate(context.Background(), "alice", "missing", sub.Jobs[0].ID)
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
}

func TestEstimateCost(t *testing.T) {
	f := newFixture(t, Config{DefaultModels: map[domain.JobKind]string{domain.KindVideoGeneration: "acme/video"}})

	got, err := f.svc.EstimateCost(domain.KindVideoGeneration, "", 10, "", 3)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, got, 1e-12)

	_, err = f.svc.EstimateCost(domain.KindVideoGeneration, "", 10, "", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

type recordingPublisher struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (p *recordingPublisher) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.bodies = append(p.bodies, body)
	return nil
}

func TestQueueDispatcher_PublishesJobID(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewQueueDispatcher(pub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, d.Dispatch(context.Background(), &domain.Job{ID: "job-1"}))

	require.Len(t, pub.bodies, 1)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(pub.bodies[0], &msg))
	assert.Equal(t, map[string]any{"job_id": "job-1"}, msg)

	pub.err = errors.New("channel closed")
	assert.Error(t, d.Dispatch(context.Background(), &domain.Job{ID: "job-2"}))
}

func TestLocalDispatcher_RejectsAfterShutdown(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.dispatcher.Shutdown(context.Background()))

	err := f.dispatcher.Dispatch(context.Background(), &domain.Job{ID: "late"})
	assert.Error(t, err)
}

func TestResume_DispatchesRunningJobs(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	now := time.Now()
	running := domain.NewJob("orphan", "alice", domain.KindImageGeneration, "acme/image", promptInput("a lighthouse"), now)
	require.NoError(t, running.MarkSubmitting(now))
	require.NoError(t, running.MarkRunning("ref-orphan", now))
	require.NoError(t, f.store.CreateJob(ctx, running))
	f.adapter.mu.Lock()
	f.adapter.predictions["ref-orphan"] = &fakePrediction{prompt: "a lighthouse"}
	f.adapter.mu.Unlock()

	done := domain.NewJob("done", "alice", domain.KindImageGeneration, "acme/image", promptInput("a boat"), now)
	require.NoError(t, done.MarkSubmitting(now))
	require.NoError(t, done.MarkSubmissionFailed("rejected", now))
	require.NoError(t, f.store.CreateJob(ctx, done))

	n, err := f.svc.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	final := f.waitJob(t, "orphan")
	assert.Equal(t, domain.JobStatusSucceeded, final.Status)
}

type pingStore struct {
	*store.MemoryStore
	err error
}

func (s *pingStore) Ping(ctx context.Context) error { return s.err }

func TestReady(t *testing.T) {
	f := newFixture(t, Config{})
	assert.NoError(t, f.svc.Ready(context.Background()))

	down := errors.New("connection refused")
	svc := NewService(&Dependencies{
		Store:  &pingStore{MemoryStore: store.NewMemoryStore(), err: down},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Config{})
	assert.ErrorIs(t, svc.Ready(context.Background()), down)
}
