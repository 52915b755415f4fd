package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/mediagen-orchestrator/internal/api/handler"
)

const healthTimeout = 2 * time.Second

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		if err := deps.Service.Ready(ctx); err != nil {
			deps.Logger.Error("Health check failed", slog.Any("error", err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": "mediagen-api-service",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "mediagen-api-service",
		})
	})

	jobHandler := handler.NewJobHandler(deps)
	batchHandler := handler.NewBatchHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	v1.Use(OwnerMiddleware(deps.AllowAnonymous))
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List the caller's jobs
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		batches := v1.Group("/batches")
		{
			batches.POST("/variations", batchHandler.CreateVariations)
			batches.POST("/transitions", batchHandler.CreateTransitions)
			batches.GET("/:batch_id", batchHandler.GetBatch)
			batches.POST("/:batch_id/jobs/:job_id/regenerate", batchHandler.Regenerate)
		}

		v1.POST("/compositions", jobHandler.Compose)
		v1.POST("/estimates", jobHandler.Estimate)
	}

	return r
}
