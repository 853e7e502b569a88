package service

import (
	"context"
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/zerolog"

	"outreach/internal/models"
	"outreach/internal/repository"
)

// Defaults applied to settings a task is created without
const (
	DefaultSendInterval = 30
	DefaultDailyLimit   = 200
)

// Per-user delivery outcomes reported by Users
const (
	TaskUserSuccess = "success"
	TaskUserFailed  = "failed"
	TaskUserPending = "pending"
)

// TaskService handles message task business logic
type TaskService struct {
	tasks      repository.TaskRepository
	templates  repository.TemplateRepository
	users      repository.UserRepository
	groups     repository.GroupRepository
	messages   repository.MessageRepository
	renderer   *TemplateService
	governor   *Governor
	dispatcher Dispatcher
	clock      Clock
	log        zerolog.Logger
}

// NewTaskService creates a new task service
func NewTaskService(
	tasks repository.TaskRepository,
	templates repository.TemplateRepository,
	users repository.UserRepository,
	groups repository.GroupRepository,
	messages repository.MessageRepository,
	renderer *TemplateService,
	governor *Governor,
	dispatcher Dispatcher,
	clock Clock,
	log zerolog.Logger,
) *TaskService {
	return &TaskService{
		tasks:      tasks,
		templates:  templates,
		users:      users,
		groups:     groups,
		messages:   messages,
		renderer:   renderer,
		governor:   governor,
		dispatcher: dispatcher,
		clock:      clock,
		log:        log.With().Str("component", "task_service").Logger(),
	}
}

// Start begins a fresh run of the task.
//
// Refused with ConflictError while the task is RUNNING, NotFoundError when the
// task, its template or every target user is missing, and BusyError when the
// concurrency ceiling is reached after stale runs are reclaimed. Counters are
// reset before the task is handed to the dispatcher.
func (s *TaskService) Start(ctx context.Context, id int64) (*models.MessageTask, error) {
	task, err := s.getTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if task.IsRunning() {
		return nil, &ConflictError{Resource: "task", Message: "task is already running"}
	}

	if _, err := s.templates.GetByID(ctx, task.TemplateID); err != nil {
		return nil, translate(err, "template", task.TemplateID)
	}

	targets, err := orderedUsers(ctx, s.users, task.UserIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load target users: %w", err)
	}
	if len(targets) == 0 {
		return nil, &NotFoundError{Resource: "target users"}
	}
	targets = TruncateTargets(targets)

	if err := s.governor.Admit(ctx); err != nil {
		return nil, err
	}

	err = s.tasks.MarkRunning(ctx, id, repository.RunStart{
		StartedAt:  s.clock.Now(),
		TotalUsers: len(targets),
		Settings:   ClampSettings(task.Settings),
	})
	if errors.Is(err, repository.ErrStateChanged) {
		return nil, &ConflictError{Resource: "task", Message: "task is already running"}
	}
	if err != nil {
		return nil, translate(err, "task", id)
	}

	if err := s.dispatcher.Dispatch(ctx, id); err != nil {
		s.log.Error().Err(err).Int64("task_id", id).Msg("dispatch failed")

		// The previous run still holds the task; hand it back as STOPPED
		var conflict *ConflictError
		if errors.As(err, &conflict) || errors.Is(err, ErrPreviousRunActive) {
			if serr := s.tasks.MarkStopped(context.WithoutCancel(ctx), id, s.clock.Now()); serr != nil {
				s.log.Error().Err(serr).Int64("task_id", id).Msg("failed to revert task to stopped")
			}
			return nil, &ConflictError{Resource: "task", Message: "previous run is still stopping, retry shortly"}
		}

		msg := fmt.Sprintf("dispatch failed: %v", err)
		if _, ferr := s.tasks.MarkFailed(context.WithoutCancel(ctx), id, msg, s.clock.Now()); ferr != nil {
			s.log.Error().Err(ferr).Int64("task_id", id).Msg("failed to record dispatch failure")
		}

		var busy *BusyError
		if errors.As(err, &busy) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to dispatch task: %w", err)
	}

	s.log.Info().Int64("task_id", id).Int("targets", len(targets)).Msg("task started")

	return s.getTask(ctx, id)
}

// Stop requests a RUNNING task to stop. A run hosted in this process is
// cancelled at once; otherwise the execution loop observes the status change
// before its next user.
func (s *TaskService) Stop(ctx context.Context, id int64) (*models.MessageTask, error) {
	task, err := s.getTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if !task.IsRunning() {
		return nil, &ConflictError{Resource: "task", Message: fmt.Sprintf("task is not running: status is %s", task.Status)}
	}

	err = s.tasks.MarkStopped(ctx, id, s.clock.Now())
	if errors.Is(err, repository.ErrStateChanged) {
		return nil, &ConflictError{Resource: "task", Message: "task is not running"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stop task: %w", err)
	}

	if c, ok := s.dispatcher.(RunCanceller); ok {
		c.Cancel(id)
	}

	s.log.Info().Int64("task_id", id).Msg("task stop requested")

	return s.getTask(ctx, id)
}

// Status returns a snapshot per known id in request order. Unknown ids are
// omitted.
func (s *TaskService) Status(ctx context.Context, ids []int64) ([]models.TaskStatusSnapshot, error) {
	ids = dedupe(ids)

	tasks, err := s.tasks.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}

	byID := make(map[int64]*models.MessageTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	snapshots := make([]models.TaskStatusSnapshot, 0, len(tasks))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			snapshots = append(snapshots, t.Snapshot())
		}
	}
	return snapshots, nil
}

// Delete removes a task that is not RUNNING together with its delivery records
func (s *TaskService) Delete(ctx context.Context, id int64) error {
	task, err := s.getTask(ctx, id)
	if err != nil {
		return err
	}

	if task.IsRunning() {
		return &ConflictError{Resource: "task", Message: "cannot delete a running task, stop it first"}
	}

	err = s.tasks.Delete(ctx, id)
	if errors.Is(err, repository.ErrStateChanged) {
		return &ConflictError{Resource: "task", Message: "cannot delete a running task, stop it first"}
	}
	if err != nil {
		return translate(err, "task", id)
	}

	s.log.Info().Int64("task_id", id).Msg("task deleted")
	return nil
}

// Create resolves the target set and stores a PENDING task
func (s *TaskService) Create(ctx context.Context, req *CreateTaskRequest) (*models.MessageTask, error) {
	if err := req.Validate(ctx); err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}

	if _, err := s.templates.GetByID(ctx, req.TemplateID); err != nil {
		return nil, translate(err, "template", req.TemplateID)
	}

	targets, err := s.resolveTargets(ctx, req.UserIDs, req.GroupIDs)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, &ValidationError{Message: "task has no target users"}
	}

	settings := models.TaskSettings{Interval: DefaultSendInterval, DailyLimit: DefaultDailyLimit}
	if req.Settings != nil {
		if req.Settings.Interval > 0 {
			settings.Interval = req.Settings.Interval
		}
		if req.Settings.DailyLimit > 0 {
			settings.DailyLimit = req.Settings.DailyLimit
		}
	}

	variables := req.Variables
	if variables == nil {
		variables = models.Variables{}
	}

	task := &models.MessageTask{
		Name:        req.Name,
		Description: req.Description,
		TemplateID:  req.TemplateID,
		UserIDs:     targets,
		GroupIDs:    dedupe(req.GroupIDs),
		TotalUsers:  len(targets),
		Status:      models.TaskStatusPending,
		Settings:    settings,
		Variables:   variables,
	}

	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	s.log.Info().Int64("task_id", task.ID).Int("targets", len(targets)).Msg("task created")
	return task, nil
}

// resolveTargets returns explicit users followed by group members, first
// occurrence kept
func (s *TaskService) resolveTargets(ctx context.Context, userIDs, groupIDs []int64) ([]int64, error) {
	userIDs = dedupe(userIDs)
	groupIDs = dedupe(groupIDs)

	if len(userIDs) > 0 {
		users, err := s.users.GetByIDs(ctx, userIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to get users: %w", err)
		}
		known := make(map[int64]bool, len(users))
		for _, u := range users {
			known[u.ID] = true
		}
		for _, id := range userIDs {
			if !known[id] {
				return nil, &NotFoundError{Resource: "user", ID: id}
			}
		}
	}

	targets := append([]int64{}, userIDs...)

	if len(groupIDs) > 0 {
		groups, err := s.groups.GetByIDs(ctx, groupIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to get groups: %w", err)
		}
		known := make(map[int64]bool, len(groups))
		for _, g := range groups {
			known[g.ID] = true
		}
		for _, id := range groupIDs {
			if !known[id] {
				return nil, &NotFoundError{Resource: "group", ID: id}
			}

			members, err := s.groups.MemberIDs(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("failed to get members of group %d: %w", id, err)
			}
			targets = append(targets, members...)
		}
	}

	return dedupe(targets), nil
}

// Get retrieves a task by ID
func (s *TaskService) Get(ctx context.Context, id int64) (*models.MessageTask, error) {
	return s.getTask(ctx, id)
}

// List lists tasks with filters
func (s *TaskService) List(ctx context.Context, filters repository.TaskFilters) ([]*models.MessageTask, *PaginationInfo, error) {
	tasks, total, err := s.tasks.List(ctx, filters)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	page := filters.Page
	if page <= 0 {
		page = 1
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	pagination := &PaginationInfo{
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
		TotalPages: (total + pageSize - 1) / pageSize,
	}

	return tasks, pagination, nil
}

// Users lists the task's target users with their delivery outcome
func (s *TaskService) Users(ctx context.Context, id int64) ([]models.TaskUser, error) {
	task, err := s.getTask(ctx, id)
	if err != nil {
		return nil, err
	}

	users, err := orderedUsers(ctx, s.users, task.UserIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get task users: %w", err)
	}

	messages, err := s.messages.ListByTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery records: %w", err)
	}

	delivered := make(map[int64]bool, len(messages))
	for _, m := range messages {
		if m.IsDelivered() {
			delivered[m.UserID] = true
		}
	}

	result := make([]models.TaskUser, 0, len(users))
	for _, u := range users {
		status := TaskUserFailed
		switch {
		case delivered[u.ID]:
			status = TaskUserSuccess
		case task.Status == models.TaskStatusPending:
			status = TaskUserPending
		}

		result = append(result, models.TaskUser{
			UserID:      u.ID,
			Username:    u.Username,
			DisplayName: u.DisplayName,
			Status:      status,
		})
	}

	return result, nil
}

// Preview renders the task's message for one user without sending it
func (s *TaskService) Preview(ctx context.Context, taskID, userID int64) (*PreviewResult, error) {
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	template, err := s.templates.GetByID(ctx, task.TemplateID)
	if err != nil {
		return nil, translate(err, "template", task.TemplateID)
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, translate(err, "user", userID)
	}

	return &PreviewResult{
		TaskID:          task.ID,
		UserID:          user.ID,
		Username:        user.Username,
		RenderedMessage: s.renderer.Render(template, user, task.Variables),
		UsedTemplate:    template.Content,
		Placeholders:    s.renderer.Placeholders(template.Content),
	}, nil
}

func (s *TaskService) getTask(ctx context.Context, id int64) (*models.MessageTask, error) {
	task, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		return nil, translate(err, "task", id)
	}
	return task, nil
}

// translate maps repository.ErrNotFound to NotFoundError
func translate(err error, resource string, id int64) error {
	if errors.Is(err, repository.ErrNotFound) {
		return &NotFoundError{Resource: resource, ID: id}
	}
	return fmt.Errorf("failed to get %s: %w", resource, err)
}

// Request/Response types

// CreateTaskRequest represents a request to create a message task
type CreateTaskRequest struct {
	Name        string               `json:"name"`
	Description *string              `json:"description,omitempty"`
	TemplateID  int64                `json:"template_id"`
	UserIDs     []int64              `json:"user_ids"`
	GroupIDs    []int64              `json:"group_ids"`
	Settings    *models.TaskSettings `json:"settings,omitempty"`
	Variables   models.Variables     `json:"variables,omitempty"`
}

// Validate validates the create task request
func (r *CreateTaskRequest) Validate(ctx context.Context) error {
	return validation.ValidateStructWithContext(ctx, r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.TemplateID, validation.Required, validation.Min(int64(1))),
		validation.Field(&r.UserIDs,
			validation.Required.When(len(r.GroupIDs) == 0).Error("at least one user or group is required"),
			validation.Each(validation.Min(int64(1))),
		),
		validation.Field(&r.GroupIDs, validation.Each(validation.Min(int64(1)))),
	)
}

// PreviewResult represents the result of previewing a message
type PreviewResult struct {
	TaskID          int64    `json:"task_id"`
	UserID          int64    `json:"user_id"`
	Username        string   `json:"username"`
	RenderedMessage string   `json:"rendered_message"`
	UsedTemplate    string   `json:"used_template"`
	Placeholders    []string `json:"placeholders"`
}

// PaginationInfo represents pagination metadata
type PaginationInfo struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
	TotalPages int `json:"total_pages"`
}
