package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pdfqueue/config"
	"pdfqueue/task"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	taskManager *task.Manager
	cfg         *config.Config
	logger      *slog.Logger
}

func NewHandler(tm *task.Manager, cfg *config.Config, logger *slog.Logger) *Handler {
	return &Handler{
		taskManager: tm,
		cfg:         cfg,
		logger:      logger,
	}
}

// TaskResponse is the public representation of a task.
type TaskResponse struct {
	ID              string      `json:"id"`
	Description     string      `json:"description"`
	InputFile       string      `json:"input_file"`
	OutputFile      *string     `json:"output_file"`
	Status          task.Status `json:"status"`
	ErrorCode       *string     `json:"error_code"`
	ErrorMessage    *string     `json:"error_message"`
	InputSize       int64       `json:"input_size"`
	OutputSize      int64       `json:"output_size"`
	PageCount       int         `json:"page_count"`
	OutputAvailable bool        `json:"output_available"`
	DownloadURL     *string     `json:"download_url"`
	CreatedAt       time.Time   `json:"created_at"`
	StartedAt       *time.Time  `json:"started_at"`
	CompletedAt     *time.Time  `json:"completed_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

type TaskListResponse struct {
	Count   int64          `json:"count"`
	Results []TaskResponse `json:"results"`
}

func (h *Handler) toResponse(c *gin.Context, t *task.Task) TaskResponse {
	resp := TaskResponse{
		ID:           t.ID,
		Description:  t.Description,
		InputFile:    t.InputPath,
		OutputFile:   t.OutputPath,
		Status:       t.Status,
		ErrorMessage: t.ErrorMessage,
		InputSize:    t.InputSize,
		OutputSize:   t.OutputSize,
		PageCount:    t.PageCount,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	if t.ErrorCode != "" {
		code := t.ErrorCode
		resp.ErrorCode = &code
	}
	if t.Status == task.StatusCompleted {
		resp.OutputAvailable = h.taskManager.OutputAvailable(t)
		resp.DownloadURL = h.buildDownloadURL(c, t)
	}
	return resp
}

// buildDownloadURL constructs the full URL for a completed task's file.
func (h *Handler) buildDownloadURL(c *gin.Context, t *task.Task) *string {
	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	u := fmt.Sprintf("%s/api/tasks/%s/download", baseURL, url.PathEscape(t.ID))
	return &u
}

// handleCreateTask accepts a multipart upload with description and input_file.
func (h *Handler) handleCreateTask(c *gin.Context) {
	if h.cfg.MaxUploadSize > 0 {
		// Room for the multipart envelope and the description field.
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxUploadSize+multipartSlack)
	}

	// FormFile parses the whole form, so a size violation surfaces here first.
	fh, err := c.FormFile("input_file")
	req := task.SubmitRequest{
		Description: c.PostForm("description"),
		Size:        -1,
	}

	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		respondWithError(c, h.logger, &task.ValidationError{
			Field:    "input_file",
			Message:  fmt.Sprintf("File exceeds the maximum upload size of %d bytes.", h.cfg.MaxUploadSize),
			TooLarge: true,
		})
		return
	case err == nil:
		file, err := fh.Open()
		if err != nil {
			respondWithError(c, h.logger, fmt.Errorf("open uploaded file: %w", err))
			return
		}
		defer file.Close()
		req.Filename = fh.Filename
		req.Size = fh.Size
		req.Body = file
	}

	t, err := h.taskManager.Submit(c.Request.Context(), req)
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, h.toResponse(c, t))
}

// handleListTasks lists tasks newest first.
func (h *Handler) handleListTasks(c *gin.Context) {
	opts := task.ListOptions{Status: task.Status(strings.ToUpper(c.Query("status")))}

	var err error
	if opts.Limit, err = queryInt(c, "limit"); err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	if opts.Offset, err = queryInt(c, "offset"); err != nil {
		respondWithError(c, h.logger, err)
		return
	}

	tasks, total, err := h.taskManager.List(c.Request.Context(), opts)
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}

	resp := TaskListResponse{Count: total, Results: make([]TaskResponse, 0, len(tasks))}
	for _, t := range tasks {
		resp.Results = append(resp.Results, h.toResponse(c, t))
	}
	c.JSON(http.StatusOK, resp)
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &task.ValidationError{Field: key, Message: "A non-negative integer is required."}
	}
	return n, nil
}

// handleGetTask retrieves a single task.
func (h *Handler) handleGetTask(c *gin.Context) {
	t, err := h.taskManager.Get(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, h.toResponse(c, t))
}

// handleDownload streams the compressed PDF under the original upload name.
func (h *Handler) handleDownload(c *gin.Context) {
	t, file, err := h.taskManager.OpenOutput(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		respondWithError(c, h.logger, fmt.Errorf("stat output file: %w", err))
		return
	}

	c.Header("Content-Disposition", contentDisposition(t.OriginalName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Task-Id", t.ID)
	c.DataFromReader(http.StatusOK, info.Size(), "application/pdf", file, nil)
}

// contentDisposition carries the name twice: quoted for old clients and
// RFC 5987 percent-encoded in filename*.
func contentDisposition(name string) string {
	encoded := strings.ReplaceAll(url.QueryEscape(name), "+", "%20")
	return fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", name, encoded)
}
