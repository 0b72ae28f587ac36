package task

import (
	"context"
	"time"
)

// Store persists Task records. Every method returns the stored state as of
// the moment the call returns.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, int64, error)
	// Update applies u atomically if the task is still in status from.
	// It returns ErrConflict otherwise and ErrNotFound for unknown ids.
	Update(ctx context.Context, id string, from Status, u Update) (*Task, error)
	// ListStale returns tasks in status whose last update is older than before.
	ListStale(ctx context.Context, status Status, before time.Time) ([]*Task, error)
	Close() error
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func normalizeList(opts ListOptions) ListOptions {
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return opts
}
