package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// SQLStore keeps tasks in SQLite through gorm.
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSQLStore opens (or creates) the database at path and migrates the schema.
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// SQLite allows a single writer; serialize through one connection.
	sqlDB, err := db.DB()
	if err != nil {
		if c, ok := db.ConnPool.(interface{ Close() error }); ok {
			c.Close()
		}
		return nil, fmt.Errorf("database handle %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Task{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate tasks table: %w", err)
	}

	return &SQLStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SQLStore) Create(ctx context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return errors.New("task id is required")
	}
	now := s.now()
	t.Status = StatusPending
	t.OutputPath = nil
	t.ErrorMessage = nil
	t.CreatedAt = now
	t.UpdatedAt = now
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, int64, error) {
	opts = normalizeList(opts)

	query := s.db.WithContext(ctx).Model(&Task{})
	if opts.Status != "" {
		query = query.Where("status = ?", opts.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var tasks []*Task
	err := query.Order("created_at DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&tasks).Error
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

func (s *SQLStore) Update(ctx context.Context, id string, from Status, u Update) (*Task, error) {
	if err := u.validate(from); err != nil {
		return nil, err
	}

	var updated Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Task
		if err := tx.First(&current, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if current.Status != from {
			return ErrConflict
		}

		u.apply(&current, s.now())
		res := tx.Model(&Task{}).
			Where("id = ? AND status = ?", id, from).
			Updates(map[string]any{
				"status":        current.Status,
				"output_path":   current.OutputPath,
				"output_size":   current.OutputSize,
				"page_count":    current.PageCount,
				"error_code":    current.ErrorCode,
				"error_message": current.ErrorMessage,
				"started_at":    current.StartedAt,
				"completed_at":  current.CompletedAt,
				"updated_at":    current.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *SQLStore) ListStale(ctx context.Context, status Status, before time.Time) ([]*Task, error) {
	var tasks []*Task
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, before).
		Order("updated_at ASC").
		Find(&tasks).Error
	return tasks, err
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
