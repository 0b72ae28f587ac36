package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"pdfqueue/config"
	"pdfqueue/task"

	"github.com/hibiken/asynq"
)

const (
	TypeCompress = "pdf:compress"
	queueName    = "pdf"
)

type compressPayload struct {
	TaskID string `json:"taskId"`
}

// Asynq enqueues task ids into Redis and, when built with a Processor, runs
// an asynq server that consumes them.
type Asynq struct {
	client   *asynq.Client
	server   *asynq.Server
	mux      *asynq.ServeMux
	proc     Processor
	maxRetry int
	logger   *slog.Logger
}

func NewAsynq(cfg *config.Config, proc Processor, logger *slog.Logger) (*Asynq, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	a := &Asynq{
		client:   asynq.NewClient(opt),
		proc:     proc,
		maxRetry: cfg.QueueMaxRetry,
		logger:   logger,
	}
	if proc == nil {
		return a, nil
	}

	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	a.server = asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName: 1,
		},
		ShutdownTimeout: cfg.CompressorTimeout + 10*time.Second,
		Logger:          asynqLogger{logger},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			logger.Error("asynq task failed", "type", t.Type(), "error", err)
		}),
	})
	a.mux = asynq.NewServeMux()
	a.mux.HandleFunc(TypeCompress, a.handleCompress)
	return a, nil
}

// Enqueue uses the task id as the asynq task id, so an id already waiting in
// Redis is reported as task.ErrDuplicate.
func (a *Asynq) Enqueue(ctx context.Context, id string) error {
	body, err := json.Marshal(compressPayload{TaskID: id})
	if err != nil {
		return err
	}

	t := asynq.NewTask(TypeCompress, body)
	_, err = a.client.EnqueueContext(ctx, t,
		asynq.Queue(queueName),
		asynq.MaxRetry(a.maxRetry),
		asynq.TaskID(id),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return task.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("asynq enqueue: %w", err)
	}
	return nil
}

// Start runs the asynq server in the background. Enqueue-only instances do nothing.
func (a *Asynq) Start(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	if err := a.server.Start(a.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	a.logger.Info("asynq worker started", "queue", queueName)
	return nil
}

// Shutdown stops the server, waiting up to its shutdown timeout for running
// handlers, and closes the client.
func (a *Asynq) Shutdown(ctx context.Context) error {
	if a.server != nil {
		a.server.Shutdown()
	}
	return a.client.Close()
}

func (a *Asynq) handleCompress(ctx context.Context, t *asynq.Task) error {
	var p compressPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.TaskID == "" {
		return fmt.Errorf("payload has no task id: %w", asynq.SkipRetry)
	}

	err := a.proc.Process(ctx, p.TaskID)
	if errors.Is(err, task.ErrNotFound) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// asynqLogger routes asynq's internal logging through slog.
type asynqLogger struct {
	l *slog.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...), "component", "asynq") }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...), "component", "asynq") }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...), "component", "asynq") }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...), "component", "asynq") }
func (a asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...), "component", "asynq")
	os.Exit(1)
}
