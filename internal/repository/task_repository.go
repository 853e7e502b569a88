package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"outreach/internal/models"
)

const taskColumns = `id, name, description, template_id, user_ids, group_ids,
	total_users, success_count, failed_count, status, progress, speed,
	settings, variables, error_message, created_at, updated_at,
	started_at, completed_at, stopped_at`

type taskRepository struct {
	db *sql.DB
}

// NewTaskRepository creates a new message task repository
func NewTaskRepository(db *sql.DB) TaskRepository {
	return &taskRepository{db: db}
}

func scanTask(row rowScanner) (*models.MessageTask, error) {
	task := &models.MessageTask{}
	err := row.Scan(
		&task.ID,
		&task.Name,
		&task.Description,
		&task.TemplateID,
		pq.Array(&task.UserIDs),
		pq.Array(&task.GroupIDs),
		&task.TotalUsers,
		&task.SuccessCount,
		&task.FailedCount,
		&task.Status,
		&task.Progress,
		&task.Speed,
		&task.Settings,
		&task.Variables,
		&task.ErrorMessage,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.StartedAt,
		&task.CompletedAt,
		&task.StoppedAt,
	)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Create creates a new task in PENDING state
func (r *taskRepository) Create(ctx context.Context, task *models.MessageTask) error {
	query := `
		INSERT INTO message_tasks (name, description, template_id, user_ids, group_ids,
			total_users, status, settings, variables)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`

	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}

	err := r.db.QueryRowContext(
		ctx,
		query,
		task.Name,
		task.Description,
		task.TemplateID,
		pq.Array(task.UserIDs),
		pq.Array(task.GroupIDs),
		task.TotalUsers,
		task.Status,
		task.Settings,
		task.Variables,
	).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

// GetByID retrieves a task by ID
func (r *taskRepository) GetByID(ctx context.Context, id int64) (*models.MessageTask, error) {
	query := `SELECT ` + taskColumns + ` FROM message_tasks WHERE id = $1`

	task, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return task, nil
}

// GetByIDs retrieves the tasks matching the given IDs; missing IDs are skipped
func (r *taskRepository) GetByIDs(ctx context.Context, ids []int64) ([]*models.MessageTask, error) {
	if len(ids) == 0 {
		return []*models.MessageTask{}, nil
	}

	query := `SELECT ` + taskColumns + ` FROM message_tasks WHERE id = ANY($1) ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to get tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*models.MessageTask{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// List retrieves tasks with keyword filter and pagination
func (r *taskRepository) List(ctx context.Context, filters TaskFilters) ([]*models.MessageTask, int, error) {
	where := strings.Builder{}
	where.WriteString(" WHERE 1=1")

	args := []interface{}{}
	argPos := 1

	if keyword := strings.TrimSpace(filters.Keyword); keyword != "" {
		where.WriteString(fmt.Sprintf(" AND name ILIKE $%d", argPos))
		args = append(args, "%"+keyword+"%")
		argPos++
	}

	limit := filters.PageSize
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	offset := (filters.Page - 1) * limit
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + taskColumns + ` FROM message_tasks` + where.String() +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	listArgs := append(append([]interface{}{}, args...), limit, offset)

	rows, err := r.db.QueryContext(ctx, query, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*models.MessageTask{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating tasks: %w", err)
	}

	// Get total count
	var totalCount int
	countQuery := "SELECT COUNT(*) FROM message_tasks" + where.String()
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("failed to get total count: %w", err)
	}

	return tasks, totalCount, nil
}

// Delete removes a non-running task and its delivery records in one transaction
func (r *taskRepository) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE task_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete task messages: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM message_tasks WHERE id = $1 AND status <> 'running'`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrStateChanged
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// CurrentStatus reads only the status column of a task
func (r *taskRepository) CurrentStatus(ctx context.Context, id int64) (models.TaskStatus, error) {
	var status models.TaskStatus
	err := r.db.QueryRowContext(ctx, `SELECT status FROM message_tasks WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read task status: %w", err)
	}
	return status, nil
}

// CountRunning counts tasks currently in RUNNING state
func (r *taskRepository) CountRunning(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_tasks WHERE status = 'running'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count running tasks: %w", err)
	}
	return count, nil
}

// MarkRunning moves a non-running task to RUNNING and resets its run fields
func (r *taskRepository) MarkRunning(ctx context.Context, id int64, run RunStart) error {
	query := `
		UPDATE message_tasks
		SET status = 'running',
			progress = 0,
			success_count = 0,
			failed_count = 0,
			speed = NULL,
			error_message = NULL,
			total_users = $2,
			settings = $3,
			started_at = $4,
			completed_at = NULL,
			stopped_at = NULL,
			updated_at = $4
		WHERE id = $1 AND status <> 'running'
	`

	result, err := r.db.ExecContext(ctx, query, id, run.TotalUsers, run.Settings, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to mark task running: %w", err)
	}

	return expectOneRow(result, ErrStateChanged)
}

// UpdateProgress writes counters, progress, speed and error in one statement.
// It returns ErrNotFound when the task is gone or a newer run replaced this one.
func (r *taskRepository) UpdateProgress(ctx context.Context, id int64, p RunProgress) error {
	query := `
		UPDATE message_tasks
		SET success_count = $2,
			failed_count = $3,
			progress = $4,
			speed = $5,
			error_message = $6,
			updated_at = $7
		WHERE id = $1 AND started_at = $8
	`

	result, err := r.db.ExecContext(ctx, query,
		id, p.SuccessCount, p.FailedCount, p.Progress, p.Speed, p.ErrorMessage, p.UpdatedAt, p.RunStartedAt)
	if err != nil {
		return fmt.Errorf("failed to update task progress: %w", err)
	}

	return expectOneRow(result, ErrNotFound)
}

// MarkStopped moves a RUNNING task to STOPPED
func (r *taskRepository) MarkStopped(ctx context.Context, id int64, at time.Time) error {
	query := `
		UPDATE message_tasks
		SET status = 'stopped', stopped_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'running'
	`

	result, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to stop task: %w", err)
	}

	return expectOneRow(result, ErrStateChanged)
}

// Finish closes a run that is still RUNNING. It reports false when the task
// had already left RUNNING or was restarted under a later run.
func (r *taskRepository) Finish(ctx context.Context, id int64, runStartedAt time.Time, status models.TaskStatus, at time.Time) (bool, error) {
	query := `
		UPDATE message_tasks
		SET status = $2, progress = 100, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'running' AND started_at = $4
	`

	result, err := r.db.ExecContext(ctx, query, id, status, at, runStartedAt)
	if err != nil {
		return false, fmt.Errorf("failed to finish task: %w", err)
	}

	return affected(result)
}

// MarkFailed records a fatal run error on a RUNNING task
func (r *taskRepository) MarkFailed(ctx context.Context, id int64, message string, at time.Time) (bool, error) {
	query := `
		UPDATE message_tasks
		SET status = 'failed', error_message = $2, updated_at = $3
		WHERE id = $1 AND status = 'running'
	`

	result, err := r.db.ExecContext(ctx, query, id, message, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark task failed: %w", err)
	}

	return affected(result)
}

// Reclaim completes RUNNING tasks that reached 100% or started before staleBefore
func (r *taskRepository) Reclaim(ctx context.Context, now, staleBefore time.Time) (int64, error) {
	query := `
		UPDATE message_tasks
		SET status = 'completed', completed_at = $1, updated_at = $1
		WHERE status = 'running'
			AND (progress >= 100 OR started_at < $2)
	`

	result, err := r.db.ExecContext(ctx, query, now, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale tasks: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// ReclaimFinished completes RUNNING tasks that reached 100%, skipping the
// ids in exclude
func (r *taskRepository) ReclaimFinished(ctx context.Context, now time.Time, exclude []int64) (int64, error) {
	if exclude == nil {
		exclude = []int64{}
	}

	query := `
		UPDATE message_tasks
		SET status = 'completed', completed_at = $1, updated_at = $1
		WHERE status = 'running'
			AND progress >= 100
			AND NOT (id = ANY($2))
	`

	result, err := r.db.ExecContext(ctx, query, now, pq.Array(exclude))
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim finished tasks: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

func affected(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

func expectOneRow(result sql.Result, errNone error) error {
	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return errNone
	}
	return nil
}
