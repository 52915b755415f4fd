package dto

import (
	"time"

	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
)

type CreateJobRequest struct {
	Kind  string         `json:"kind" binding:"required"`
	Model string         `json:"model"`
	Input map[string]any `json:"input"`
}

type ListJobsRequest struct {
	Kind     string `form:"kind"`
	Status   string `form:"status"`
	BatchID  string `form:"batch_id"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type VariationsRequest struct {
	Kind   string           `json:"kind" binding:"required"`
	Model  string           `json:"model"`
	Inputs []map[string]any `json:"inputs" binding:"required,min=1,max=16"`
}

type TransitionsRequest struct {
	Model        string   `json:"model"`
	Scenes       []string `json:"scenes" binding:"required,min=2,max=32"`
	Interpolate  bool     `json:"interpolate"`
	MotionPrompt string   `json:"motion_prompt"`
	Duration     float64  `json:"duration"`
	Resolution   string   `json:"resolution"`
}

// ComposeRequest volumes are optional; absent ones take the defaults below
type ComposeRequest struct {
	Model       string   `json:"model"`
	VideoJobID  string   `json:"video_job_id" binding:"required"`
	VoiceJobID  string   `json:"voice_job_id"`
	MusicURL    string   `json:"music_url"`
	VideoVolume *float64 `json:"video_volume"`
	VoiceVolume *float64 `json:"voice_volume"`
	MusicVolume *float64 `json:"music_volume"`
}

const (
	DefaultVideoVolume = 1.0
	DefaultVoiceVolume = 1.0
	DefaultMusicVolume = 0.3
)

// VolumeOr returns *v, or def when v is nil
func VolumeOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

type EstimateRequest struct {
	Kind       string  `json:"kind" binding:"required"`
	Model      string  `json:"model"`
	Duration   float64 `json:"duration"`
	Resolution string  `json:"resolution"`
	Count      int     `json:"count"`
}

type EstimateResponse struct {
	Kind     string  `json:"kind"`
	Model    string  `json:"model,omitempty"`
	Count    int     `json:"count"`
	TotalUSD float64 `json:"total_usd"`
}

type JobErrorDTO struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

type JobDTO struct {
	JobID         string         `json:"job_id"`
	OwnerID       string         `json:"owner_id"`
	Kind          string         `json:"kind"`
	Model         string         `json:"model"`
	Status        string         `json:"status"`
	ProviderRef   string         `json:"provider_ref,omitempty"`
	Input         map[string]any `json:"input"`
	Output        []string       `json:"output,omitempty"`
	Error         *JobErrorDTO   `json:"error,omitempty"`
	CostEstimate  float64        `json:"cost_estimate"`
	ParentBatchID string         `json:"parent_batch_id,omitempty"`
	DependsOn     []string       `json:"depends_on,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

func NewJobDTO(job *domain.Job) JobDTO {
	d := JobDTO{
		JobID:         job.ID,
		OwnerID:       job.OwnerID,
		Kind:          string(job.Kind),
		Model:         job.Model,
		Status:        string(job.Status),
		ProviderRef:   job.ProviderRef,
		Input:         job.Input,
		Output:        job.Output,
		CostEstimate:  job.CostEstimate,
		ParentBatchID: job.ParentBatchID,
		DependsOn:     job.DependsOn,
		CreatedAt:     job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     job.UpdatedAt.Format(time.RFC3339),
	}
	if job.Error != nil {
		d.Error = &JobErrorDTO{Class: string(job.Error.Class), Message: job.Error.Message}
	}
	return d
}

func NewJobDTOs(jobs []*domain.Job) []JobDTO {
	out := make([]JobDTO, len(jobs))
	for i, j := range jobs {
		out[i] = NewJobDTO(j)
	}
	return out
}

type BatchJobDTO struct {
	JobID  string       `json:"job_id"`
	Status string       `json:"status"`
	Output []string     `json:"output,omitempty"`
	Error  *JobErrorDTO `json:"error,omitempty"`
}

type BatchDTO struct {
	BatchID        string        `json:"batch_id"`
	Kind           string        `json:"kind"`
	OwnerID        string        `json:"owner_id"`
	JobIDs         []string      `json:"job_ids"`
	Jobs           []BatchJobDTO `json:"jobs"`
	CompletedCount int           `json:"completed_count"`
	Done           bool          `json:"done"`
	AllSucceeded   bool          `json:"all_succeeded"`
	AnyFailed      bool          `json:"any_failed"`
	CreatedAt      string        `json:"created_at"`
}

func NewBatchDTO(batch *domain.Batch, summary domain.BatchSummary) BatchDTO {
	d := BatchDTO{
		BatchID:        batch.ID,
		Kind:           string(batch.Kind),
		OwnerID:        batch.OwnerID,
		JobIDs:         batch.JobIDs,
		Jobs:           make([]BatchJobDTO, len(summary.Jobs)),
		CompletedCount: summary.CompletedCount,
		Done:           summary.Done(),
		AllSucceeded:   summary.AllSucceeded,
		AnyFailed:      summary.AnyFailed,
		CreatedAt:      batch.CreatedAt.Format(time.RFC3339),
	}
	for i, o := range summary.Jobs {
		d.Jobs[i] = BatchJobDTO{JobID: o.JobID, Status: string(o.Status), Output: o.Output}
		if o.Error != nil {
			d.Jobs[i].Error = &JobErrorDTO{Class: string(o.Error.Class), Message: o.Error.Message}
		}
	}
	return d
}

// BatchSubmissionResponse is returned right after a fan-out, before members finish
type BatchSubmissionResponse struct {
	BatchID string   `json:"batch_id"`
	Kind    string   `json:"kind"`
	Jobs    []JobDTO `json:"jobs"`
}

type ErrorResponse struct {
	Error string  `json:"error"`
	Class string  `json:"class,omitempty"`
	Job   *JobDTO `json:"job,omitempty"`
}
