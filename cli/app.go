package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"pdfqueue/compressor"
	"pdfqueue/config"
	"pdfqueue/logging"
	"pdfqueue/queue"
	"pdfqueue/storage"
	"pdfqueue/task"
)

// app holds the components shared by the serve and worker commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   task.Store
	files   *storage.Local
	queue   queue.Queue
	manager *task.Manager
}

// newApp wires configuration, storage, the store and the queue. Without
// workers the compressor is never looked up.
func newApp(ctx context.Context, withWorkers bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	files, err := storage.NewLocal(cfg.MediaRoot)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize media storage: %w", err)
	}

	var proc queue.Processor
	if withWorkers {
		runner, err := compressor.NewRunner(cfg, logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to initialize compressor: %w", err)
		}
		proc = task.NewController(cfg, store, files, runner, logger)
	}

	q, err := queue.New(cfg, proc, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}

	logger.Info("components ready",
		"store", cfg.StoreDriver, "queue", cfg.QueueDriver,
		"media_root", files.Root(), "workers", withWorkers)

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		files:   files,
		queue:   q,
		manager: task.NewManager(cfg, store, files, q, logger),
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (task.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		s, err := task.NewSQLStore(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open task store: %w", err)
		}
		return s, nil
	case config.StoreRedis:
		s, err := task.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open task store: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
}

// shutdown drains the queue within the compressor timeout, then closes the store.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.CompressorTimeout)
	defer cancel()

	if err := a.queue.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.logger.Error("queue shutdown", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("store close", "error", err)
	}
}
