package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"outreach/internal/logging"
	"outreach/internal/queue"
	"outreach/internal/repository"
	"outreach/internal/service"
)

// Launcher starts a run in the local pool
type Launcher interface {
	Launch(taskID int64, runID string) error
}

// JobHandler hands consumed task jobs to the local pool.
//
// A redelivered job whose run is already here is dropped. A job for a task
// restarted since its last run replaces that run. When the pool is full the
// task is marked FAILED so it does not stay RUNNING without a loop. Other
// launch errors, including a previous run that did not exit, requeue the job.
func JobHandler(pool Launcher, tasks repository.TaskRepository, clock service.Clock, log zerolog.Logger) queue.JobHandler {
	log = logging.Component(log, "jobs")

	return func(ctx context.Context, job *queue.TaskJob) error {
		err := pool.Launch(job.TaskID, job.RunID)

		var (
			conflict *service.ConflictError
			busy     *service.BusyError
		)
		switch {
		case err == nil:
			return nil
		case errors.As(err, &conflict):
			log.Warn().Int64("task_id", job.TaskID).Str("run_id", job.RunID).Msg("duplicate job dropped")
			return nil
		case errors.As(err, &busy):
			if _, ferr := tasks.MarkFailed(ctx, job.TaskID, busy.Error(), clock.Now()); ferr != nil {
				return fmt.Errorf("failed to record busy refusal: %w", ferr)
			}
			log.Warn().Int64("task_id", job.TaskID).Msg("worker busy, task marked failed")
			return nil
		default:
			return err
		}
	}
}
