package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
)

// Composition input keys
const (
	InputVideoURL    = "video_url"
	InputAudioURL    = "audio_url"
	InputMusicURL    = "music_url"
	InputVideoVolume = "video_volume"
	InputAudioVolume = "audio_volume"
	InputMusicVolume = "music_volume"

	// PassthroughModel marks compositions that reuse the video output unchanged
	PassthroughModel = "passthrough"

	// MaxVolume is the loudest gain accepted for a composition track
	MaxVolume = 2.0
)

var (
	videoSourceKinds = []domain.JobKind{domain.KindVideoGeneration, domain.KindSceneTransition, domain.KindComposition}
	voiceSourceKinds = []domain.JobKind{domain.KindVoiceSynthesis, domain.KindVoiceClone}
)

// ComposeRequest merges a finished video with an optional narration and music bed
type ComposeRequest struct {
	OwnerID    string
	Model      string
	VideoJobID string
	// VoiceJobID is optional; without it the video passes through unchanged
	VoiceJobID  string
	MusicURL    string
	VideoVolume float64
	VoiceVolume float64
	MusicVolume float64
}

func (r ComposeRequest) validate() error {
	if r.VideoJobID == "" {
		return fmt.Errorf("%w: video job is required", domain.ErrInvalidRequest)
	}
	for name, v := range map[string]float64{"video": r.VideoVolume, "voice": r.VoiceVolume, "music": r.MusicVolume} {
		if v < 0 || v > MaxVolume {
			return fmt.Errorf("%w: %s volume must be between 0 and %.1f", domain.ErrInvalidRequest, name, MaxVolume)
		}
	}
	return nil
}

// Compose submits a composition job once its dependencies have succeeded.
// Nothing is persisted while a dependency is unfinished.
func (s *Service) Compose(ctx context.Context, req ComposeRequest) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.compose", trace.WithAttributes(
		attribute.String("video_job.id", req.VideoJobID),
		attribute.String("voice_job.id", req.VoiceJobID),
	))
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}

	video, err := s.dependency(ctx, req.OwnerID, req.VideoJobID, "video", videoSourceKinds)
	if err != nil {
		return nil, err
	}

	if req.VoiceJobID == "" {
		return s.passthrough(ctx, req.OwnerID, video)
	}

	voice, err := s.dependency(ctx, req.OwnerID, req.VoiceJobID, "voice", voiceSourceKinds)
	if err != nil {
		return nil, err
	}

	input := domain.Input{
		InputVideoURL:    video.Output[0],
		InputAudioURL:    voice.Output[0],
		InputVideoVolume: req.VideoVolume,
		InputAudioVolume: req.VoiceVolume,
	}
	if d := video.Input.Duration(); d > 0 {
		input[domain.InputDuration] = d
	}
	if req.MusicURL != "" {
		input[InputMusicURL] = req.MusicURL
		input[InputMusicVolume] = req.MusicVolume
	}

	spec, err := s.prepare(req.OwnerID, domain.KindComposition, req.Model, input)
	if err != nil {
		return nil, err
	}
	spec.dependsOn = []string{video.ID, voice.ID}

	job, submitErr := s.submit(ctx, spec)

	persistCtx := context.WithoutCancel(ctx)
	if err := s.store.CreateJob(persistCtx, job); err != nil {
		return nil, err
	}
	if submitErr != nil {
		return job, submitErr
	}

	s.dispatch(persistCtx, job)
	return job, nil
}

// dependency loads a job the composition reads from and requires it to be
// one of kinds and to have succeeded
func (s *Service) dependency(ctx context.Context, ownerID, jobID, role string, kinds []domain.JobKind) (*domain.Job, error) {
	job, err := s.GetJob(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(kinds, job.Kind) {
		return nil, fmt.Errorf("%w: job %s is a %s job and cannot be the %s track", domain.ErrInvalidRequest, jobID, job.Kind, role)
	}
	if job.Status != domain.JobStatusSucceeded {
		return nil, fmt.Errorf("%w: job %s is %s", domain.ErrDependencyNotReady, jobID, job.Status)
	}
	if len(job.Output) == 0 {
		return nil, fmt.Errorf("%w: job %s has no output", domain.ErrInvalidRequest, jobID)
	}
	return job, nil
}

// passthrough records a composition that reuses the video output without a provider call
func (s *Service) passthrough(ctx context.Context, ownerID string, video *domain.Job) (*domain.Job, error) {
	now := s.now()
	job := domain.NewJob(s.newID(), ownerID, domain.KindComposition, PassthroughModel,
		domain.Input{InputVideoURL: video.Output[0]}, now)
	job.DependsOn = []string{video.ID}

	_ = job.MarkSubmitting(now)
	_ = job.MarkRunning("", now)
	if err := job.Succeed(video.Output, now); err != nil {
		return nil, err
	}

	if err := s.store.CreateJob(context.WithoutCancel(ctx), job); err != nil {
		return nil, err
	}

	s.logger.Info("Composition passed through",
		slog.String("job_id", job.ID),
		slog.String("video_job_id", video.ID),
	)
	return job, nil
}
