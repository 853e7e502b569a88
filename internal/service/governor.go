package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"outreach/internal/models"
	"outreach/internal/repository"
)

// System-wide sending policy. User supplied settings are clamped to these
// bounds, never rejected.
const (
	MaxConcurrentTasks  = 3
	MaxUsersPerTask     = 1000
	MinSendInterval     = 30 // seconds
	MaxDailyLimit       = 200
	StaleRunAfter       = time.Hour
	MaxDeliveryAttempts = 3
	RetryBackoff        = 5 * time.Second
)

// ClampSettings raises the interval to the floor and lowers the daily limit
// to the ceiling. A non-positive daily limit means unset and becomes the ceiling.
func ClampSettings(s models.TaskSettings) models.TaskSettings {
	if s.Interval < MinSendInterval {
		s.Interval = MinSendInterval
	}
	if s.DailyLimit <= 0 || s.DailyLimit > MaxDailyLimit {
		s.DailyLimit = MaxDailyLimit
	}
	return s
}

// TruncateTargets keeps the first MaxUsersPerTask entries
func TruncateTargets[T any](targets []T) []T {
	if len(targets) > MaxUsersPerTask {
		return targets[:MaxUsersPerTask]
	}
	return targets
}

// Governor enforces the concurrent task ceiling and reclaims stale runs
type Governor struct {
	tasks repository.TaskRepository
	clock Clock
	log   zerolog.Logger
}

// NewGovernor creates a new governor
func NewGovernor(tasks repository.TaskRepository, clock Clock, log zerolog.Logger) *Governor {
	return &Governor{
		tasks: tasks,
		clock: clock,
		log:   log.With().Str("component", "governor").Logger(),
	}
}

// Reclaim completes RUNNING tasks that reached 100% or have been running for
// longer than StaleRunAfter, then returns how many tasks remain RUNNING.
func (g *Governor) Reclaim(ctx context.Context) (reclaimed int64, active int, err error) {
	now := g.clock.Now()

	reclaimed, err = g.tasks.Reclaim(ctx, now, now.Add(-StaleRunAfter))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to reclaim stale runs: %w", err)
	}
	if reclaimed > 0 {
		g.log.Info().Int64("reclaimed", reclaimed).Msg("stale runs marked completed")
	}

	active, err = g.tasks.CountRunning(ctx)
	if err != nil {
		return reclaimed, 0, err
	}

	return reclaimed, active, nil
}

// ReclaimFinished completes RUNNING tasks whose progress reached 100%, except
// those in exclude. Start time is not considered.
func (g *Governor) ReclaimFinished(ctx context.Context, exclude []int64) (int64, error) {
	reclaimed, err := g.tasks.ReclaimFinished(ctx, g.clock.Now(), exclude)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim finished runs: %w", err)
	}
	if reclaimed > 0 {
		g.log.Info().Int64("reclaimed", reclaimed).Msg("finished runs marked completed")
	}
	return reclaimed, nil
}

// Admit reclaims stale runs and refuses with BusyError when the ceiling is reached
func (g *Governor) Admit(ctx context.Context) error {
	_, active, err := g.Reclaim(ctx)
	if err != nil {
		return err
	}

	if active >= MaxConcurrentTasks {
		g.log.Warn().Int("running", active).Msg("task start refused, concurrency ceiling reached")
		return &BusyError{Running: active, Limit: MaxConcurrentTasks}
	}

	return nil
}
