package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus represents valid message task statuses
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusStopped   TaskStatus = "stopped"
)

// TaskSettings holds the pacing configuration of a task.
// Interval is expressed in seconds.
type TaskSettings struct {
	Interval   int `json:"interval"`
	DailyLimit int `json:"daily_limit"`
}

// Value implements driver.Valuer for JSONB storage
func (s TaskSettings) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner for JSONB storage
func (s *TaskSettings) Scan(src interface{}) error {
	return scanJSON(src, s)
}

// Variables maps placeholder names to override values. A nil value means
// the override is unset and the per-user substitution is kept.
type Variables map[string]*string

// Value implements driver.Valuer for JSONB storage
func (v Variables) Value() (driver.Value, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

// Scan implements sql.Scanner for JSONB storage
func (v *Variables) Scan(src interface{}) error {
	return scanJSON(src, v)
}

// MessageTask represents a bulk messaging run against a fixed target set
type MessageTask struct {
	ID           int64        `json:"id" db:"id"`
	Name         string       `json:"name" db:"name"`
	Description  *string      `json:"description,omitempty" db:"description"`
	TemplateID   int64        `json:"template_id" db:"template_id"`
	UserIDs      []int64      `json:"user_ids" db:"user_ids"`
	GroupIDs     []int64      `json:"group_ids" db:"group_ids"`
	TotalUsers   int          `json:"total_users" db:"total_users"`
	SuccessCount int          `json:"success_count" db:"success_count"`
	FailedCount  int          `json:"failed_count" db:"failed_count"`
	Status       TaskStatus   `json:"status" db:"status"`
	Progress     float64      `json:"progress" db:"progress"`
	Speed        *float64     `json:"speed" db:"speed"`
	Settings     TaskSettings `json:"settings" db:"settings"`
	Variables    Variables    `json:"variables" db:"variables"`
	ErrorMessage *string      `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
	StoppedAt    *time.Time   `json:"stopped_at,omitempty" db:"stopped_at"`
}

// TaskStatusSnapshot is the read-only view returned by batch status queries
type TaskStatusSnapshot struct {
	ID           int64      `json:"id"`
	Status       TaskStatus `json:"status"`
	Progress     float64    `json:"progress"`
	SuccessCount int        `json:"success_count"`
	FailedCount  int        `json:"failed_count"`
	Speed        *float64   `json:"speed"`
}

// Snapshot returns the status view of the task
func (t *MessageTask) Snapshot() TaskStatusSnapshot {
	return TaskStatusSnapshot{
		ID:           t.ID,
		Status:       t.Status,
		Progress:     t.Progress,
		SuccessCount: t.SuccessCount,
		FailedCount:  t.FailedCount,
		Speed:        t.Speed,
	}
}

// IsRunning checks if the task is currently driven by an execution loop
func (t *MessageTask) IsRunning() bool {
	return t.Status == TaskStatusRunning
}

func scanJSON(src interface{}, dest interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dest)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported JSON source type %T", src)
	}
}
