package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"outreach/internal/delivery"
	"outreach/internal/models"
	"outreach/internal/repository"
)

// Deliverer sends one rendered message to one recipient. Provider-side
// failures come back in the result; the error return is for transport
// problems. Both are retried by the executor.
type Deliverer interface {
	Deliver(ctx context.Context, recipient, text string) (delivery.Result, error)
}

// errTaskGone signals that the task row disappeared while a run was active
var errTaskGone = errors.New("task no longer exists")

// Executor drives one task run from RUNNING to a terminal status
type Executor struct {
	tasks     repository.TaskRepository
	templates repository.TemplateRepository
	users     repository.UserRepository
	messages  repository.MessageRepository
	renderer  *TemplateService
	deliverer Deliverer
	clock     Clock
	log       zerolog.Logger
}

// NewExecutor creates a new executor
func NewExecutor(
	tasks repository.TaskRepository,
	templates repository.TemplateRepository,
	users repository.UserRepository,
	messages repository.MessageRepository,
	renderer *TemplateService,
	deliverer Deliverer,
	clock Clock,
	log zerolog.Logger,
) *Executor {
	return &Executor{
		tasks:     tasks,
		templates: templates,
		users:     users,
		messages:  messages,
		renderer:  renderer,
		deliverer: deliverer,
		clock:     clock,
		log:       log.With().Str("component", "executor").Logger(),
	}
}

// run holds the state loaded once at the start of a run. startedAt is the
// run start written by MarkRunning and scopes every write of this run.
type run struct {
	task      *models.MessageTask
	template  *models.MessageTemplate
	users     []*models.User
	total     int
	settings  models.TaskSettings
	startedAt time.Time
	log       zerolog.Logger

	success   int
	failed    int
	processed int
	lastError *string
}

// Run executes the task until it completes, is stopped, or fails.
//
// Cancelling ctx is treated like a stop request: the loop exits at the next
// suspension point and the run is closed as STOPPED. Writes that close out
// the run are not bound to ctx.
func (e *Executor) Run(ctx context.Context, taskID int64, runID string) (err error) {
	log := e.log.With().Int64("task_id", taskID).Str("run_id", runID).Logger()
	store := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			err = fatal("run", fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			e.fail(store, taskID, err, log)
		}
	}()

	r, err := e.setup(ctx, taskID, log)
	if err != nil {
		return err
	}

	stopped, err := e.loop(ctx, store, r)
	if err != nil {
		return err
	}

	return e.complete(store, r, stopped)
}

func (e *Executor) setup(ctx context.Context, taskID int64, log zerolog.Logger) (*run, error) {
	task, err := e.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, fatal("load task", err)
	}
	if task.StartedAt == nil {
		return nil, fatal("load task", errors.New("task has no run start time"))
	}

	template, err := e.templates.GetByID(ctx, task.TemplateID)
	if err != nil {
		return nil, fatal("load template", err)
	}

	users, err := orderedUsers(ctx, e.users, task.UserIDs)
	if err != nil {
		return nil, fatal("load target users", err)
	}
	if len(users) == 0 {
		return nil, fatal("load target users", errors.New("no target users found"))
	}
	if len(users) > MaxUsersPerTask {
		log.Warn().Int("targets", len(users)).Int("limit", MaxUsersPerTask).Msg("target list truncated")
	}

	// total_users was fixed when the run started; users removed since then
	// still count toward the denominator
	users = TruncateTargets(users)
	total := task.TotalUsers
	if total <= 0 {
		total = len(users)
	}
	if len(users) > total {
		users = users[:total]
	}

	r := &run{
		task:      task,
		template:  template,
		users:     users,
		total:     total,
		settings:  ClampSettings(task.Settings),
		startedAt: *task.StartedAt,
		log:       log,
	}

	log.Info().
		Int("targets", len(r.users)).
		Int("total", r.total).
		Int("interval", r.settings.Interval).
		Int("daily_limit", r.settings.DailyLimit).
		Msg("run started")

	return r, nil
}

// loop processes users in order. It reports whether the run ended before
// every user reached a terminal outcome because of a stop.
func (e *Executor) loop(ctx, store context.Context, r *run) (stopped bool, err error) {
	interval := time.Duration(r.settings.Interval) * time.Second

	for i, user := range r.users {
		if r.success >= r.settings.DailyLimit {
			r.log.Info().Int("daily_limit", r.settings.DailyLimit).Msg("daily limit reached")
			return false, nil
		}

		if ctx.Err() != nil {
			return true, nil
		}

		status, err := e.tasks.CurrentStatus(ctx, r.task.ID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return true, nil
		case err != nil && ctx.Err() != nil:
			return true, nil
		case err != nil:
			return false, fatal("read task status", err)
		}
		if status != models.TaskStatusRunning {
			r.log.Info().Str("status", string(status)).Msg("stop observed")
			return true, nil
		}

		delivered, interrupted, err := e.processUser(ctx, store, r, i, user)
		if errors.Is(err, errTaskGone) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if interrupted {
			return true, nil
		}

		// Pacing applies only after a success
		if delivered && interval > 0 && i < len(r.users)-1 && r.success < r.settings.DailyLimit {
			if err := e.clock.Sleep(ctx, interval); err != nil {
				return true, nil
			}
		}
	}

	return false, nil
}

// processUser makes up to MaxDeliveryAttempts for one user. interrupted is
// set when ctx was cancelled before the user reached an outcome.
func (e *Executor) processUser(ctx, store context.Context, r *run, index int, user *models.User) (delivered, interrupted bool, err error) {
	log := r.log.With().Int64("user_id", user.ID).Str("username", user.Username).Logger()
	var lastErr string

	for attempt := 1; attempt <= MaxDeliveryAttempts; attempt++ {
		text := e.renderer.Render(r.template, user, r.task.Variables)

		result, derr := e.deliver(ctx, user.Username, text)
		if derr == nil && result.Success {
			r.success++
			if err := e.record(store, r, user, text); err != nil {
				return false, false, err
			}
			r.lastError = nil
			log.Info().Int("attempt", attempt).Msg("message delivered")
			return true, false, e.persist(store, r, index)
		}

		lastErr = result.Error
		if derr != nil {
			lastErr = derr.Error()
		}
		if lastErr == "" {
			lastErr = "delivery failed"
		}

		if attempt < MaxDeliveryAttempts {
			log.Warn().Int("attempt", attempt).Str("error", lastErr).Msg("delivery failed, retrying")
			if err := e.clock.Sleep(ctx, RetryBackoff); err != nil {
				return false, true, nil
			}
		}
	}

	if ctx.Err() != nil {
		return false, true, nil
	}

	r.failed++
	r.lastError = &lastErr
	log.Error().Str("error", lastErr).Msg("delivery failed, attempts exhausted")
	return false, false, e.persist(store, r, index)
}

// deliver calls the adapter, turning a panic into an attempt error
func (e *Executor) deliver(ctx context.Context, recipient, text string) (result delivery.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("delivery panicked: %v", p)
		}
	}()
	return e.deliverer.Deliver(ctx, recipient, text)
}

func (e *Executor) record(store context.Context, r *run, user *models.User, text string) error {
	now := e.clock.Now()
	message := &models.Message{
		TaskID:      r.task.ID,
		UserID:      user.ID,
		TemplateID:  r.template.ID,
		Content:     text,
		Status:      models.MessageStatusSent,
		SentAt:      &now,
		DeliveredAt: &now,
	}
	if err := e.messages.Create(store, message); err != nil {
		return fatal("write delivery record", err)
	}
	return nil
}

// persist writes counters, progress and speed after a user's terminal outcome
func (e *Executor) persist(store context.Context, r *run, index int) error {
	r.processed = index + 1
	now := e.clock.Now()

	var speed *float64
	if elapsed := now.Sub(r.startedAt); elapsed > 0 {
		v := float64(r.success+r.failed) / elapsed.Minutes()
		speed = &v
	}

	err := e.tasks.UpdateProgress(store, r.task.ID, repository.RunProgress{
		RunStartedAt: r.startedAt,
		SuccessCount: r.success,
		FailedCount:  r.failed,
		Progress:     float64(r.processed) / float64(r.total) * 100,
		Speed:        speed,
		ErrorMessage: r.lastError,
		UpdatedAt:    now,
	})
	if errors.Is(err, repository.ErrNotFound) {
		return errTaskGone
	}
	if err != nil {
		return fatal("write progress", err)
	}
	return nil
}

func (e *Executor) complete(store context.Context, r *run, stopped bool) error {
	status := models.TaskStatusCompleted
	if stopped {
		status = models.TaskStatusStopped
	}

	finished, err := e.tasks.Finish(store, r.task.ID, r.startedAt, status, e.clock.Now())
	if err != nil {
		return fatal("finish run", err)
	}

	r.log.Info().
		Str("status", string(status)).
		Bool("applied", finished).
		Int("success", r.success).
		Int("failed", r.failed).
		Int("processed", r.processed).
		Msg("run ended")

	return nil
}

func (e *Executor) fail(store context.Context, taskID int64, cause error, log zerolog.Logger) {
	log.Error().Err(cause).Msg("run failed")

	if _, err := e.tasks.MarkFailed(store, taskID, cause.Error(), e.clock.Now()); err != nil {
		log.Error().Err(err).Msg("failed to record run failure")
	}
}
