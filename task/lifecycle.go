package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"pdfqueue/compressor"
	"pdfqueue/config"
	"pdfqueue/storage"

	"github.com/spf13/afero"
)

// Compressor is the external tool invoker; one call is one attempt.
type Compressor interface {
	Compress(ctx context.Context, inputPath, outputPath string) error
}

// FileStore is the media storage used for inputs and outputs.
type FileStore interface {
	SaveInput(name string, r io.Reader) (string, int64, error)
	EnsureOutputDir() error
	Abs(ref string) string
	Open(ref string) (afero.File, error)
	Stat(ref string) (os.FileInfo, error)
	Remove(ref string) error
}

// Controller drives a task through PENDING -> PROCESSING -> COMPLETED|FAILED.
type Controller struct {
	store     Store
	files     FileStore
	comp      Compressor
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
	pageCount func(path string) (int, error)
}

func NewController(cfg *config.Config, store Store, files FileStore, comp Compressor, logger *slog.Logger) *Controller {
	return &Controller{
		store:     store,
		files:     files,
		comp:      comp,
		timeout:   cfg.CompressorTimeout,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		pageCount: compressor.PageCount,
	}
}

type outcome struct {
	outputRef string
	size      int64
	pages     int
}

// Process runs one task. A task that is no longer PENDING has already been
// claimed by another delivery; that case returns nil without touching it.
// Processing failures end in FAILED and are not returned; only store errors are.
func (c *Controller) Process(ctx context.Context, id string) error {
	startedAt := c.now()
	t, err := c.store.Update(ctx, id, StatusPending, Update{
		Status:    StatusProcessing,
		StartedAt: &startedAt,
	})
	if errors.Is(err, ErrConflict) {
		c.logger.Info("task already claimed, skipping delivery", "task_id", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim task %s: %w", id, err)
	}
	c.logger.Info("task transition", "task_id", id, "from", StatusPending, "to", StatusProcessing)

	res, runErr := c.run(ctx, t)

	// The terminal state must be written even when ctx was canceled.
	persistCtx := context.WithoutCancel(ctx)
	finishedAt := c.now()

	if runErr != nil {
		code, msg := classify(ctx, runErr)
		_, err := c.store.Update(persistCtx, id, StatusProcessing, Failed(code, msg, finishedAt))
		if errors.Is(err, ErrConflict) {
			c.discardOutput(id)
			return nil
		}
		if err != nil {
			return fmt.Errorf("mark task %s failed: %w", id, err)
		}
		c.logger.Warn("task transition", "task_id", id, "from", StatusProcessing, "to", StatusFailed,
			"error_code", code, "error", msg)
		return nil
	}

	_, err = c.store.Update(persistCtx, id, StatusProcessing, Update{
		Status:      StatusCompleted,
		OutputPath:  &res.outputRef,
		OutputSize:  &res.size,
		PageCount:   &res.pages,
		CompletedAt: &finishedAt,
	})
	if errors.Is(err, ErrConflict) {
		c.discardOutput(id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark task %s completed: %w", id, err)
	}
	c.logger.Info("task transition", "task_id", id, "from", StatusProcessing, "to", StatusCompleted,
		"output", res.outputRef, "input_size", t.InputSize, "output_size", res.size,
		"elapsed", finishedAt.Sub(startedAt))
	return nil
}

// discardOutput handles a run whose task was moved to a terminal state by
// someone else, usually the janitor. The stored state stands and no
// output may remain without a task pointing at it.
func (c *Controller) discardOutput(id string) {
	ref := storage.OutputName(id)
	if err := c.files.Remove(ref); err != nil {
		c.logger.Error("remove orphaned output", "task_id", id, "file", ref, "error", err)
	}
	c.logger.Warn("task finished after it was already terminal, result discarded", "task_id", id)
}

func (c *Controller) run(ctx context.Context, t *Task) (res outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during processing: %v", r)
		}
	}()

	if err := c.files.EnsureOutputDir(); err != nil {
		return res, fmt.Errorf("create output directory: %w", err)
	}

	outputRef := storage.OutputName(t.ID)
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.comp.Compress(runCtx, c.files.Abs(t.InputPath), c.files.Abs(outputRef)); err != nil {
		return res, err
	}

	info, err := c.files.Stat(outputRef)
	if err != nil {
		return res, fmt.Errorf("stat compressed file: %w", err)
	}

	pages, err := c.pageCount(c.files.Abs(outputRef))
	if err != nil {
		c.logger.Warn("could not read page count", "task_id", t.ID, "error", err)
		pages = 0
	}

	return outcome{outputRef: outputRef, size: info.Size(), pages: pages}, nil
}

// classify maps a processing error to the stored error code and message.
func classify(ctx context.Context, err error) (string, string) {
	var procErr *compressor.ProcessError
	if errors.As(err, &procErr) {
		if procErr.TimedOut {
			return CodeCompressionTimeout, "PDF compression failed: " + procErr.Error()
		}
		return CodeCompressionFailed, "PDF compression failed: " + procErr.Error()
	}
	if ctx.Err() != nil {
		return CodeInterrupted, "processing interrupted: " + err.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeCompressionTimeout, "PDF compression failed: timed out: " + err.Error()
	}
	return CodeUnexpected, err.Error()
}
