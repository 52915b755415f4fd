package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/mediagen-orchestrator/internal/api/dto"
	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
	"github.com/cuongbtq/mediagen-orchestrator/internal/orchestrator"
	"github.com/cuongbtq/mediagen-orchestrator/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Submits a single generation job to its provider
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	if !allow(c, h.logger, h.limiter, 1) {
		return
	}

	job, err := h.service.SubmitJob(c.Request.Context(), orchestrator.JobRequest{
		OwnerID: ownerID(c),
		Kind:    domain.JobKind(req.Kind),
		Model:   req.Model,
		Input:   req.Input,
	})
	if err != nil {
		writeError(c, h.logger, err, job)
		return
	}

	c.JSON(http.StatusAccepted, dto.NewJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := uuidParam(c, "job_id")
	if !ok {
		return
	}

	job, err := h.service.GetJob(c.Request.Context(), ownerID(c), jobID)
	if err != nil {
		writeError(c, h.logger, err, nil)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists the caller's jobs, newest first, with keyset pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}
	if req.Kind != "" && !domain.JobKind(req.Kind).Valid() {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "unknown kind"})
		return
	}
	if req.Status != "" && !domain.JobStatus(req.Status).Valid() {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "unknown status"})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	// one extra row tells whether another page exists
	jobs, err := h.service.ListJobs(c.Request.Context(), ownerID(c), store.JobFilter{
		Kind:    domain.JobKind(req.Kind),
		Status:  domain.JobStatus(req.Status),
		BatchID: req.BatchID,
		Limit:   req.PageSize + 1,
		Cursor:  cursor,
	})
	if err != nil {
		writeError(c, h.logger, err, nil)
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&store.JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       dto.NewJobDTOs(jobs),
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancels a running job; terminal jobs are returned unchanged
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := uuidParam(c, "job_id")
	if !ok {
		return
	}

	job, err := h.service.Cancel(c.Request.Context(), ownerID(c), jobID)
	if err != nil {
		writeError(c, h.logger, err, nil)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// Compose handles POST /api/v1/compositions
// Merges a finished video with an optional voice track and music bed
func (h *JobHandler) Compose(c *gin.Context) {
	var req dto.ComposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	if !allow(c, h.logger, h.limiter, 1) {
		return
	}

	job, err := h.service.Compose(c.Request.Context(), orchestrator.ComposeRequest{
		OwnerID:     ownerID(c),
		Model:       req.Model,
		VideoJobID:  req.VideoJobID,
		VoiceJobID:  req.VoiceJobID,
		MusicURL:    req.MusicURL,
		VideoVolume: dto.VolumeOr(req.VideoVolume, dto.DefaultVideoVolume),
		VoiceVolume: dto.VolumeOr(req.VoiceVolume, dto.DefaultVoiceVolume),
		MusicVolume: dto.VolumeOr(req.MusicVolume, dto.DefaultMusicVolume),
	})
	if err != nil {
		writeError(c, h.logger, err, job)
		return
	}

	status := http.StatusAccepted
	if job.Status == domain.JobStatusSucceeded {
		status = http.StatusCreated
	}
	c.JSON(status, dto.NewJobDTO(job))
}

// Estimate handles POST /api/v1/estimates
// Prices count jobs before anything is submitted
func (h *JobHandler) Estimate(c *gin.Context) {
	var req dto.EstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}

	total, err := h.service.EstimateCost(domain.JobKind(req.Kind), req.Model, req.Duration, req.Resolution, req.Count)
	if err != nil {
		writeError(c, h.logger, err, nil)
		return
	}

	c.JSON(http.StatusOK, dto.EstimateResponse{
		Kind:     req.Kind,
		Model:    req.Model,
		Count:    req.Count,
		TotalUSD: total,
	})
}

// uuidParam reads a path parameter that must be a UUID, writing 400 otherwise
func uuidParam(c *gin.Context, name string) (string, bool) {
	value := c.Param(name)
	if _, err := uuid.Parse(value); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: name + " must be a valid UUID"})
		return "", false
	}
	return value, true
}
