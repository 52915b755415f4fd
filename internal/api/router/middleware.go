package router

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/mediagen-orchestrator/internal/api/dto"
	"github.com/cuongbtq/mediagen-orchestrator/internal/api/handler"
	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
)

// LoggerMiddleware logs HTTP requests with slog. Server errors log at error
// level and rejected requests at warn; health probes are not logged.
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		attrs := []slog.Attr{
			slog.Int("status", status),
			slog.String("method", c.Request.Method),
			slog.String("route", c.FullPath()),
			slog.String("path", c.Request.URL.Path),
			slog.String("ip", c.ClientIP()),
			slog.Duration("latency", time.Since(start)),
			slog.Int("body_size", c.Writer.Size()),
		}
		if owner := c.GetString(handler.OwnerContextKey); owner != "" {
			attrs = append(attrs, slog.String("owner_id", owner))
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}

		logger.LogAttrs(c.Request.Context(), level, "HTTP Request", attrs...)
	}
}

// CORSMiddleware handles Cross-Origin Resource Sharing for the JSON API
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, X-Requested-With, "+handler.OwnerHeader)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// OwnerMiddleware resolves the caller from the owner header. Requests without
// one are rejected unless anonymous mode is on.
func OwnerMiddleware(allowAnonymous bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := strings.TrimSpace(c.GetHeader(handler.OwnerHeader))
		if owner == "" && allowAnonymous {
			owner = domain.AnonymousOwner
		}
		if owner == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorResponse{Error: handler.OwnerHeader + " header is required"})
			return
		}

		c.Set(handler.OwnerContextKey, owner)
		c.Next()
	}
}
