package task

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"pdfqueue/config"
	"pdfqueue/storage"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// sniffLength is how much of an upload is inspected for the PDF signature.
const sniffLength = 3072

// Dispatcher hands task ids to workers. Delivery may repeat; Controller.Process
// makes repeats harmless.
type Dispatcher interface {
	Enqueue(ctx context.Context, id string) error
}

type SubmitRequest struct {
	Description string
	Filename    string
	// Size is the size the client declared, or -1 when unknown.
	Size int64
	Body io.Reader
}

type Manager struct {
	cfg        *config.Config
	store      Store
	files      FileStore
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

func NewManager(cfg *config.Config, store Store, files FileStore, dispatcher Dispatcher, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      store,
		files:      files,
		dispatcher: dispatcher,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the background janitor until ctx ends.
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.JanitorInterval <= 0 {
		m.logger.Info("janitor disabled")
		return
	}
	m.logger.Info("janitor started", "interval", m.cfg.JanitorInterval,
		"stale_after", m.cfg.StaleAfter, "output_retention", m.cfg.OutputRetention)
	go m.cleanupLoop(ctx)
}

// Submit validates an upload, stores the file and the PENDING record, and
// enqueues the task. Nothing is persisted when validation fails.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if strings.TrimSpace(req.Description) == "" {
		return nil, newValidationError("description", "This field is required.")
	}
	if req.Body == nil || req.Filename == "" {
		return nil, newValidationError("input_file", "No file was submitted.")
	}
	if !strings.EqualFold(path.Ext(req.Filename), ".pdf") {
		return nil, newValidationError("input_file", "Only PDF files are allowed.")
	}
	if m.tooLarge(req.Size) {
		return nil, m.tooLargeError()
	}

	body := req.Body
	if m.cfg.VerifyContent {
		head := make([]byte, sniffLength)
		n, err := io.ReadFull(body, head)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read upload: %w", err)
		}
		if n == 0 {
			return nil, newValidationError("input_file", "The submitted file is empty.")
		}
		if !mimetype.Detect(head[:n]).Is("application/pdf") {
			return nil, newValidationError("input_file", "Uploaded file is not a valid PDF document.")
		}
		body = io.MultiReader(bytes.NewReader(head[:n]), body)
	}
	if m.cfg.MaxUploadSize > 0 {
		body = io.LimitReader(body, m.cfg.MaxUploadSize+1)
	}

	ref, written, err := m.files.SaveInput(req.Filename, body)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	if m.tooLarge(written) {
		m.removeFile(ref)
		return nil, m.tooLargeError()
	}
	if written == 0 {
		m.removeFile(ref)
		return nil, newValidationError("input_file", "The submitted file is empty.")
	}

	t := &Task{
		ID:           uuid.NewString(),
		Description:  req.Description,
		InputPath:    ref,
		OriginalName: storage.SanitizeName(req.Filename),
		InputSize:    written,
		Status:       StatusPending,
	}
	if err := m.store.Create(ctx, t); err != nil {
		m.removeFile(ref)
		return nil, fmt.Errorf("create task: %w", err)
	}
	m.logger.Info("task created", "task_id", t.ID, "input", ref, "size", written)

	if err := m.dispatcher.Enqueue(ctx, t.ID); err != nil && !errors.Is(err, ErrDuplicate) {
		msg := fmt.Sprintf("%v: %v", ErrEnqueueFailed, err)
		persistCtx := context.WithoutCancel(ctx)
		if _, uerr := m.store.Update(persistCtx, t.ID, StatusPending, Failed(CodeEnqueueFailed, msg, m.now())); uerr != nil {
			m.logger.Error("could not mark unqueued task failed", "task_id", t.ID, "error", uerr)
		}
		return nil, fmt.Errorf("%w: task %s: %w", ErrEnqueueFailed, t.ID, err)
	}
	m.logger.Info("task submitted to queue", "task_id", t.ID)
	return t, nil
}

func (m *Manager) tooLarge(size int64) bool {
	return m.cfg.MaxUploadSize > 0 && size > m.cfg.MaxUploadSize
}

func (m *Manager) tooLargeError() *ValidationError {
	return &ValidationError{
		Field:    "input_file",
		Message:  fmt.Sprintf("File exceeds the maximum upload size of %d bytes.", m.cfg.MaxUploadSize),
		TooLarge: true,
	}
}

func (m *Manager) removeFile(ref string) {
	if err := m.files.Remove(ref); err != nil {
		m.logger.Warn("could not remove file", "file", ref, "error", err)
	}
}

func (m *Manager) Get(ctx context.Context, id string) (*Task, error) {
	return m.store.Get(ctx, id)
}

// List returns one page of tasks, newest first, and the total matching count.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]*Task, int64, error) {
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, 0, newValidationError("status", fmt.Sprintf("%q is not a valid status.", opts.Status))
	}
	return m.store.List(ctx, opts)
}

// OpenOutput opens the compressed file of a COMPLETED task. The caller closes it.
func (m *Manager) OpenOutput(ctx context.Context, id string) (*Task, afero.File, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if t.Status != StatusCompleted {
		return t, nil, ErrNotCompleted
	}
	if t.OutputPath == nil || *t.OutputPath == "" {
		return t, nil, ErrOutputMissing
	}

	f, err := m.files.Open(*t.OutputPath)
	if err != nil {
		if os.IsNotExist(err) {
			m.logger.Warn("output file missing from storage", "task_id", id, "file", *t.OutputPath)
			return t, nil, ErrOutputMissing
		}
		return t, nil, fmt.Errorf("open output file: %w", err)
	}
	return t, f, nil
}

// OutputAvailable reports whether the task's compressed file is in storage.
func (m *Manager) OutputAvailable(t *Task) bool {
	if t.Status != StatusCompleted || t.OutputPath == nil {
		return false
	}
	_, err := m.files.Stat(*t.OutputPath)
	return err == nil
}

// Recover runs once at startup. With the in-process queue, PROCESSING tasks
// lost their worker and are failed. PENDING tasks are enqueued again.
func (m *Manager) Recover(ctx context.Context) error {
	cutoff := m.now().Add(time.Second)

	interrupted := 0
	if m.cfg.QueueDriver == config.QueueLocal {
		processing, err := m.store.ListStale(ctx, StatusProcessing, cutoff)
		if err != nil {
			return fmt.Errorf("list processing tasks: %w", err)
		}
		for _, t := range processing {
			if m.fail(ctx, t, CodeInterrupted, "processing was interrupted by a service restart") {
				interrupted++
			}
		}
	}

	pending, err := m.store.ListStale(ctx, StatusPending, cutoff)
	if err != nil {
		return fmt.Errorf("list pending tasks: %w", err)
	}
	requeued := 0
	for _, t := range pending {
		if err := m.dispatcher.Enqueue(ctx, t.ID); err != nil {
			if errors.Is(err, ErrDuplicate) {
				continue
			}
			m.logger.Warn("could not re-enqueue pending task", "task_id", t.ID, "error", err)
			continue
		}
		requeued++
	}

	m.logger.Info("recovery finished", "requeued", requeued, "interrupted", interrupted)
	return nil
}

// cleanupLoop periodically runs the janitor sweep.
func (m *Manager) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("janitor shutting down")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep fails stuck PROCESSING tasks, nudges old PENDING tasks back onto the
// queue and removes outputs past their retention.
func (m *Manager) sweep(ctx context.Context) {
	now := m.now()

	if m.cfg.StaleAfter > 0 {
		before := now.Add(-m.cfg.StaleAfter)

		stuck, err := m.store.ListStale(ctx, StatusProcessing, before)
		if err != nil {
			m.logger.Error("janitor: list processing tasks", "error", err)
		}
		for _, t := range stuck {
			m.fail(ctx, t, CodeStale, fmt.Sprintf("processing did not finish within %s", m.cfg.StaleAfter))
		}

		waiting, err := m.store.ListStale(ctx, StatusPending, before)
		if err != nil {
			m.logger.Error("janitor: list pending tasks", "error", err)
		}
		for _, t := range waiting {
			err := m.dispatcher.Enqueue(ctx, t.ID)
			if err != nil && !errors.Is(err, ErrDuplicate) && !errors.Is(err, ErrQueueFull) {
				m.logger.Warn("janitor: re-enqueue pending task", "task_id", t.ID, "error", err)
			}
		}
	}

	if m.cfg.OutputRetention > 0 {
		expired, err := m.store.ListStale(ctx, StatusCompleted, now.Add(-m.cfg.OutputRetention))
		if err != nil {
			m.logger.Error("janitor: list completed tasks", "error", err)
		}
		for _, t := range expired {
			if t.OutputPath == nil {
				continue
			}
			if _, err := m.files.Stat(*t.OutputPath); err != nil {
				continue
			}
			m.logger.Info("cleaning up old output file", "task_id", t.ID, "file", *t.OutputPath)
			m.removeFile(*t.OutputPath)
		}
	}
}

// fail moves a non-terminal task to FAILED. A concurrent transition wins.
func (m *Manager) fail(ctx context.Context, t *Task, code, msg string) bool {
	_, err := m.store.Update(ctx, t.ID, t.Status, Failed(code, msg, m.now()))
	switch {
	case err == nil:
		m.logger.Warn("task transition", "task_id", t.ID, "from", t.Status, "to", StatusFailed,
			"error_code", code, "error", msg)
		return true
	case errors.Is(err, ErrConflict):
		return false
	default:
		m.logger.Error("could not fail task", "task_id", t.ID, "error", err)
		return false
	}
}
