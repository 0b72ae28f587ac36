package task

import (
	"time"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Error codes stored alongside a FAILED task.
const (
	CodeCompressionFailed  = "compression_failed"
	CodeCompressionTimeout = "compression_timeout"
	CodeUnexpected         = "unexpected_error"
	CodeInterrupted        = "interrupted"
	CodeStale              = "stale"
	CodeEnqueueFailed      = "enqueue_failed"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition encodes the lifecycle: PENDING -> PROCESSING -> COMPLETED|FAILED.
// PENDING -> FAILED is allowed for tasks that never reached a worker.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

type Task struct {
	ID           string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Description  string     `json:"description" gorm:"type:text;not null"`
	InputPath    string     `json:"input_path" gorm:"not null"`
	OriginalName string     `json:"original_name" gorm:"not null"`
	InputSize    int64      `json:"input_size"`
	OutputPath   *string    `json:"output_path"`
	OutputSize   int64      `json:"output_size"`
	PageCount    int        `json:"page_count"`
	Status       Status     `json:"status" gorm:"type:varchar(20);not null;default:'PENDING';index"`
	ErrorCode    string     `json:"error_code,omitempty" gorm:"type:varchar(40)"`
	ErrorMessage *string    `json:"error_message" gorm:"type:text"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at" gorm:"index"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Update is a partial update applied by Store.Update. Nil fields are left untouched.
type Update struct {
	Status       Status
	OutputPath   *string
	OutputSize   *int64
	PageCount    *int
	ErrorCode    string
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// apply mutates t in place; shared by the store implementations.
func (u Update) apply(t *Task, now time.Time) {
	t.Status = u.Status
	if u.OutputPath != nil {
		t.OutputPath = u.OutputPath
	}
	if u.OutputSize != nil {
		t.OutputSize = *u.OutputSize
	}
	if u.PageCount != nil {
		t.PageCount = *u.PageCount
	}
	if u.ErrorCode != "" {
		t.ErrorCode = u.ErrorCode
	}
	if u.ErrorMessage != nil {
		t.ErrorMessage = u.ErrorMessage
	}
	if u.StartedAt != nil {
		t.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		t.CompletedAt = u.CompletedAt
	}
	t.UpdatedAt = now
}

// validate keeps output_path tied to COMPLETED and error_message tied to FAILED.
func (u Update) validate(from Status) error {
	if !CanTransition(from, u.Status) {
		return &TransitionError{From: from, To: u.Status}
	}
	switch u.Status {
	case StatusCompleted:
		if u.OutputPath == nil || *u.OutputPath == "" {
			return &TransitionError{From: from, To: u.Status, Reason: "output path is required"}
		}
		if u.ErrorMessage != nil {
			return &TransitionError{From: from, To: u.Status, Reason: "error message not allowed"}
		}
	case StatusFailed:
		if u.ErrorMessage == nil || *u.ErrorMessage == "" {
			return &TransitionError{From: from, To: u.Status, Reason: "error message is required"}
		}
		if u.OutputPath != nil {
			return &TransitionError{From: from, To: u.Status, Reason: "output path not allowed"}
		}
	default:
		if u.OutputPath != nil || u.ErrorMessage != nil {
			return &TransitionError{From: from, To: u.Status, Reason: "output path and error message are terminal-only"}
		}
	}
	return nil
}

// Failed builds the update moving a task to FAILED.
func Failed(code, message string, at time.Time) Update {
	return Update{
		Status:       StatusFailed,
		ErrorCode:    code,
		ErrorMessage: &message,
		CompletedAt:  &at,
	}
}

type ListOptions struct {
	Limit  int
	Offset int
	Status Status
}
