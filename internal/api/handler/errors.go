package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/mediagen-orchestrator/internal/api/dto"
	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
)

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrNotBatchMember):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOwnershipViolation):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrBatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDependencyNotReady), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSubmission):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err. job, when set, is the record persisted despite the error.
func writeError(c *gin.Context, logger *slog.Logger, err error, job *domain.Job) {
	status := statusFor(err)
	resp := dto.ErrorResponse{Error: err.Error()}
	if class, ok := domain.ClassOf(err); ok {
		resp.Class = string(class)
	}
	if job != nil {
		d := dto.NewJobDTO(job)
		resp.Job = &d
	}

	if status == http.StatusInternalServerError {
		logger.Error("Request failed", slog.String("path", c.Request.URL.Path), slog.Any("error", err))
		resp.Error = "internal error"
	} else {
		logger.Info("Request rejected",
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
	c.JSON(status, resp)
}
