package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/mediagen-orchestrator/internal/api/dto"
	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
	"github.com/cuongbtq/mediagen-orchestrator/internal/orchestrator"
)

// CreateVariations handles POST /api/v1/batches/variations
// Submits one job per input as a variation set
func (h *BatchHandler) CreateVariations(c *gin.Context) {
	var req dto.VariationsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	if !allow(c, h.logger, h.limiter, len(req.Inputs)) {
		return
	}

	inputs := make([]domain.Input, len(req.Inputs))
	for i, in := range req.Inputs {
		inputs[i] = in
	}

	sub, err := h.service.SubmitVariations(c.Request.Context(), ownerID(c), domain.JobKind(req.Kind), req.Model, inputs)
	if err != nil {
		writeError(c, h.logger, err, nil)
		return
	}

	c.JSON(http.StatusAccepted, submissionResponse(sub))
}

// CreateTransitions handles POST /api/v1/batches/transitions
// Submits the transitions between consecutive scenes as one chain
func (h *BatchHandler) CreateTransitions(c *gin.Context) {
	var req dto.TransitionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	if !allow(c, h.logger, h.limiter, len(req.Scenes)-1) {
		return
	}

	sub, err := h.service.SubmitTransitionChain(c.Request.Context(), orchestrator.TransitionRequest{
		OwnerID:      ownerID(c),
		Model:        req.Model,
		Scenes:       req.Scenes,
		Interpolate:  req.Interpolate,
		MotionPrompt: req.MotionPrompt,
		Duration:     req.Duration,
		Resolution:   req.Resolution,
	})
	if err != nil {
		writeError(c, h.logger, err, nil)
		return
	}

	c.JSON(http.StatusAccepted, submissionResponse(sub))
}

// GetBatch handles GET /api/v1/batches/:batch_id
// Returns the batch with the current state of every member
func (h *BatchHandler) GetBatch(c *gin.Context) {
	batchID, ok := uuidParam(c, "batch_id")
	if !ok {
		return
	}

	batch, summary, err := h.service.GetBatch(c.Request.Context(), ownerID(c), batchID)
	if err != nil {
		writeError(c, h.logger, err, nil)
		return
	}

	c.JSON(http.StatusOK, dto.NewBatchDTO(batch, summary))
}

// Regenerate handles POST /api/v1/batches/:batch_id/jobs/:job_id/regenerate
// Resubmits one member and swaps the new job into its place
func (h *BatchHandler) Regenerate(c *gin.Context) {
	batchID, ok := uuidParam(c, "batch_id")
	if !ok {
		return
	}
	jobID, ok := uuidParam(c, "job_id")
	if !ok {
		return
	}

	if !allow(c, h.logger, h.limiter, 1) {
		return
	}

	job, err := h.service.Regenerate(c.Request.Context(), ownerID(c), batchID, jobID)
	if err != nil {
		writeError(c, h.logger, err, job)
		return
	}

	c.JSON(http.StatusAccepted, dto.NewJobDTO(job))
}

func submissionResponse(sub *orchestrator.BatchSubmission) dto.BatchSubmissionResponse {
	return dto.BatchSubmissionResponse{
		BatchID: sub.Batch.ID,
		Kind:    string(sub.Batch.Kind),
		Jobs:    dto.NewJobDTOs(sub.Jobs),
	}
}
