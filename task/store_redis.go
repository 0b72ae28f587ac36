package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	taskKeyPrefix   = "task:"
	taskIndexKey    = "tasks:by_created"
	maxWatchRetries = 10
)

// RedisStore keeps each task as a JSON document and indexes ids by creation time.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisStore connects to url (redis://host:port/db) and pings the server.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{
		rdb: rdb,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *RedisStore) Create(ctx context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return errors.New("task id is required")
	}
	now := s.now()
	t.Status = StatusPending
	t.OutputPath = nil
	t.ErrorMessage = nil
	t.CreatedAt = now
	t.UpdatedAt = now

	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}

	ok, err := s.rdb.SetNX(ctx, taskKey(t.ID), payload, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	return s.rdb.ZAdd(ctx, taskIndexKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: t.ID,
	}).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Task, error) {
	data, err := s.rdb.Get(ctx, taskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeTask(data)
}

func (s *RedisStore) List(ctx context.Context, opts ListOptions) ([]*Task, int64, error) {
	opts = normalizeList(opts)

	if opts.Status == "" {
		total, err := s.rdb.ZCard(ctx, taskIndexKey).Result()
		if err != nil {
			return nil, 0, err
		}
		start := int64(opts.Offset)
		stop := start + int64(opts.Limit) - 1
		ids, err := s.rdb.ZRevRange(ctx, taskIndexKey, start, stop).Result()
		if err != nil {
			return nil, 0, err
		}
		tasks, err := s.load(ctx, ids)
		return tasks, total, err
	}

	all, err := s.all(ctx)
	if err != nil {
		return nil, 0, err
	}
	var filtered []*Task
	for _, t := range all {
		if t.Status == opts.Status {
			filtered = append(filtered, t)
		}
	}
	total := int64(len(filtered))
	if opts.Offset >= len(filtered) {
		return []*Task{}, total, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[opts.Offset:end], total, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, from Status, u Update) (*Task, error) {
	if err := u.validate(from); err != nil {
		return nil, err
	}

	key := taskKey(id)
	var updated *Task
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		current, err := decodeTask(data)
		if err != nil {
			return err
		}
		if current.Status != from {
			return ErrConflict
		}

		u.apply(current, s.now())
		payload, err := json.Marshal(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err == nil {
			updated = current
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			// Another writer touched the key; re-read and re-check the status.
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, ErrConflict
}

func (s *RedisStore) ListStale(ctx context.Context, status Status, before time.Time) ([]*Task, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	var stale []*Task
	for _, t := range all {
		if t.Status == status && t.UpdatedAt.Before(before) {
			stale = append(stale, t)
		}
	}
	return stale, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) all(ctx context.Context) ([]*Task, error) {
	ids, err := s.rdb.ZRevRange(ctx, taskIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, ids)
}

func (s *RedisStore) load(ctx context.Context, ids []string) ([]*Task, error) {
	if len(ids) == 0 {
		return []*Task{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	tasks := make([]*Task, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Indexed id without a document; skip it.
			continue
		}
		t, err := decodeTask([]byte(raw))
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func decodeTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

func taskKey(id string) string {
	return taskKeyPrefix + id
}
