package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"pdfqueue/task"

	"github.com/gin-gonic/gin"
)

// multipartSlack is allowed on top of MAX_UPLOAD_SIZE for the form envelope.
const multipartSlack = 1 << 20

func respondWithError(c *gin.Context, logger *slog.Logger, err error) {
	var vErr *task.ValidationError
	switch {
	case errors.As(err, &vErr):
		status, code := http.StatusBadRequest, "validation_error"
		if vErr.TooLarge {
			status, code = http.StatusRequestEntityTooLarge, "file_too_large"
		}
		c.JSON(status, gin.H{
			"code":  code,
			"field": vErr.Field,
			"error": vErr.Message,
		})
	case errors.Is(err, task.ErrNotCompleted):
		c.JSON(http.StatusBadRequest, gin.H{"code": "not_completed", "error": "Task is not completed yet"})
	case errors.Is(err, task.ErrOutputMissing):
		c.JSON(http.StatusNotFound, gin.H{"code": "output_missing", "error": "Output file not found"})
	case errors.Is(err, task.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "Task not found"})
	case errors.Is(err, task.ErrEnqueueFailed):
		logger.Error("enqueue failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "queue_unavailable", "error": "Task could not be queued, try again later"})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{"code": "request_canceled", "error": "Request was canceled"})
	default:
		logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "internal_error", "error": "Internal server error"})
	}
}
