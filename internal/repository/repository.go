package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"outreach/internal/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist
	ErrNotFound = errors.New("record not found")

	// ErrStateChanged is returned when a conditional status transition
	// matched no row because the task is no longer in the expected state
	ErrStateChanged = errors.New("task state changed")
)

// TaskRepository defines message task data access operations
type TaskRepository interface {
	Create(ctx context.Context, task *models.MessageTask) error
	GetByID(ctx context.Context, id int64) (*models.MessageTask, error)
	GetByIDs(ctx context.Context, ids []int64) ([]*models.MessageTask, error)
	List(ctx context.Context, filters TaskFilters) ([]*models.MessageTask, int, error)
	Delete(ctx context.Context, id int64) error

	// CurrentStatus is the point read polled by the execution loop
	CurrentStatus(ctx context.Context, id int64) (models.TaskStatus, error)
	CountRunning(ctx context.Context) (int, error)

	MarkRunning(ctx context.Context, id int64, run RunStart) error
	UpdateProgress(ctx context.Context, id int64, progress RunProgress) error
	MarkStopped(ctx context.Context, id int64, at time.Time) error
	Finish(ctx context.Context, id int64, runStartedAt time.Time, status models.TaskStatus, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int64, message string, at time.Time) (bool, error)
	Reclaim(ctx context.Context, now, staleBefore time.Time) (int64, error)
	ReclaimFinished(ctx context.Context, now time.Time, exclude []int64) (int64, error)
}

// TaskFilters defines filters for listing tasks
type TaskFilters struct {
	Page     int
	PageSize int
	Keyword  string
}

// RunStart carries the fields reset when a task enters RUNNING
type RunStart struct {
	StartedAt  time.Time
	TotalUsers int
	Settings   models.TaskSettings
}

// RunProgress carries the counters written together after each attempt.
// RunStartedAt identifies the run; a write from a replaced run matches no row.
type RunProgress struct {
	RunStartedAt time.Time
	SuccessCount int
	FailedCount  int
	Progress     float64
	Speed        *float64
	ErrorMessage *string
	UpdatedAt    time.Time
}

// TemplateRepository defines message template data access operations
type TemplateRepository interface {
	Create(ctx context.Context, template *models.MessageTemplate) error
	GetByID(ctx context.Context, id int64) (*models.MessageTemplate, error)
}

// UserRepository defines user data access operations
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetByIDs(ctx context.Context, ids []int64) ([]*models.User, error)
}

// GroupRepository defines user group data access operations
type GroupRepository interface {
	GetByIDs(ctx context.Context, ids []int64) ([]*models.UserGroup, error)
	MemberIDs(ctx context.Context, groupID int64) ([]int64, error)
}

// MessageRepository defines delivery record data access operations
type MessageRepository interface {
	Create(ctx context.Context, message *models.Message) error
	ListByTask(ctx context.Context, taskID int64) ([]*models.Message, error)
}

// SystemConfigRepository reads key/value settings stored in the database
type SystemConfigRepository interface {
	Get(ctx context.Context, key string) (string, error)
}

// DB is a wrapper around *sql.DB to allow passing in transaction
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}
