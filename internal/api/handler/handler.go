package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/mediagen-orchestrator/internal/api/dto"
	"github.com/cuongbtq/mediagen-orchestrator/internal/orchestrator"
)

const (
	// OwnerHeader carries the identity set by the authenticating proxy
	OwnerHeader = "X-Owner-ID"
	// OwnerContextKey is the gin context key holding the resolved owner
	OwnerContextKey = "owner_id"
)

// RateLimiter reserves job submissions for an owner
type RateLimiter interface {
	Allow(ctx context.Context, ownerID string, jobs int) (bool, error)
}

// QuotaReporter is implemented by limiters that can report the remaining window
type QuotaReporter interface {
	Quota(ctx context.Context, ownerID string) (remaining int64, limit int, err error)
}

// Rate limit response headers
const (
	RateLimitLimitHeader     = "X-RateLimit-Limit"
	RateLimitRemainingHeader = "X-RateLimit-Remaining"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Service *orchestrator.Service
	// Limiter is optional; nil disables rate limiting
	Limiter        RateLimiter
	AllowAnonymous bool
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	service *orchestrator.Service
	limiter RateLimiter
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		service: deps.Service,
		limiter: deps.Limiter,
	}
}

// BatchHandler handles batch-related HTTP requests
type BatchHandler struct {
	logger  *slog.Logger
	service *orchestrator.Service
	limiter RateLimiter
}

// NewBatchHandler creates a new BatchHandler instance
func NewBatchHandler(deps *Dependencies) *BatchHandler {
	return &BatchHandler{
		logger:  deps.Logger,
		service: deps.Service,
		limiter: deps.Limiter,
	}
}

// ownerID returns the owner resolved by the owner middleware
func ownerID(c *gin.Context) string {
	return c.GetString(OwnerContextKey)
}

// allow reserves n submissions for the caller and writes 429 when the quota is spent
func allow(c *gin.Context, logger *slog.Logger, limiter RateLimiter, n int) bool {
	if limiter == nil {
		return true
	}
	owner := ownerID(c)
	ok, err := limiter.Allow(c.Request.Context(), owner, n)
	if err != nil {
		// a broken limiter backend must not block submissions
		logger.Warn("Rate limiter unavailable", slog.String("owner_id", owner), slog.Any("error", err))
		return true
	}
	writeQuota(c, logger, limiter, owner)
	if !ok {
		logger.Info("Rate limit exceeded", slog.String("owner_id", owner), slog.Int("jobs", n))
		c.JSON(http.StatusTooManyRequests, dto.ErrorResponse{Error: "rate limit exceeded"})
		return false
	}
	return true
}

// writeQuota sets the rate limit headers when the limiter can report them
func writeQuota(c *gin.Context, logger *slog.Logger, limiter RateLimiter, owner string) {
	reporter, ok := limiter.(QuotaReporter)
	if !ok {
		return
	}
	remaining, limit, err := reporter.Quota(c.Request.Context(), owner)
	if err != nil {
		logger.Debug("Rate limit quota unavailable", slog.String("owner_id", owner), slog.Any("error", err))
		return
	}
	c.Header(RateLimitLimitHeader, strconv.Itoa(limit))
	c.Header(RateLimitRemainingHeader, strconv.FormatInt(remaining, 10))
}
