package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrRunnerClosed is returned by Launch after Shutdown
	ErrRunnerClosed = errors.New("runner is shut down")

	// ErrPreviousRunActive is returned by Launch when a replaced run did not
	// return in time
	ErrPreviousRunActive = errors.New("previous run of the task has not exited")
)

// Dispatcher hands a task that was just marked RUNNING to an execution loop.
// It must not block until the run completes.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID int64) error
}

// RunCanceller is implemented by dispatchers that host runs in this process
type RunCanceller interface {
	Cancel(taskID int64)
}

// TaskRunner executes a single run
type TaskRunner interface {
	Run(ctx context.Context, taskID int64, runID string) error
}

// Runner is an in-process pool running each dispatched task in its own
// goroutine with a cancellable context
type Runner struct {
	exec  TaskRunner
	limit int
	log   zerolog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[int64]*slot
	closed  bool
	wg      sync.WaitGroup
}

// slot is one run held by the pool. A cancelled slot stays until its
// goroutine returns but no longer counts against the limit.
type slot struct {
	runID     string
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

// replaceTimeout bounds how long Launch waits for a cancelled run to return
const replaceTimeout = 30 * time.Second

// NewRunner creates a pool that runs at most limit tasks at once
func NewRunner(exec TaskRunner, limit int, log zerolog.Logger) *Runner {
	if limit <= 0 {
		limit = MaxConcurrentTasks
	}
	base, cancel := context.WithCancel(context.Background())

	return &Runner{
		exec:    exec,
		limit:   limit,
		log:     log.With().Str("component", "runner").Logger(),
		base:    base,
		cancel:  cancel,
		running: make(map[int64]*slot),
	}
}

// Dispatch launches the task under a fresh run id
func (r *Runner) Dispatch(_ context.Context, taskID int64) error {
	return r.Launch(taskID, uuid.NewString())
}

// Launch starts a run for taskID.
//
// A run of the same task under another run id is cancelled and awaited
// first. Launch fails with ConflictError when the same run id is already
// held, with ErrPreviousRunActive when the previous run does not return
// within replaceTimeout, and with BusyError when the pool is full.
func (r *Runner) Launch(taskID int64, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRunnerClosed
	}

	if prev, ok := r.running[taskID]; ok {
		if prev.runID == runID {
			return &ConflictError{Resource: "task", Message: "a run is already in progress"}
		}

		r.log.Info().Int64("task_id", taskID).Str("previous_run_id", prev.runID).Msg("replacing previous run")
		prev.cancelled = true
		prev.cancel()

		r.mu.Unlock()
		select {
		case <-prev.done:
		case <-time.After(replaceTimeout):
		}
		r.mu.Lock()

		if r.closed {
			return ErrRunnerClosed
		}
		if _, ok := r.running[taskID]; ok {
			return ErrPreviousRunActive
		}
	}

	if n := r.countActive(); n >= r.limit {
		return &BusyError{Running: n, Limit: r.limit}
	}

	ctx, cancel := context.WithCancel(r.base)
	s := &slot{runID: runID, cancel: cancel, done: make(chan struct{})}
	r.running[taskID] = s
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		defer r.release(taskID, s)

		log := r.log.With().Int64("task_id", taskID).Str("run_id", runID).Logger()
		log.Debug().Msg("run launched")

		if err := r.exec.Run(ctx, taskID, runID); err != nil {
			log.Error().Err(err).Msg("run ended with error")
		}
	}()

	return nil
}

// Cancel ends the task's run at its next suspension point without waiting
func (r *Runner) Cancel(taskID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.running[taskID]; ok && !s.cancelled {
		s.cancelled = true
		s.cancel()
		r.log.Debug().Int64("task_id", taskID).Str("run_id", s.runID).Msg("run cancelled")
	}
}

func (r *Runner) countActive() int {
	n := 0
	for _, s := range r.running {
		if !s.cancelled {
			n++
		}
	}
	return n
}

func (r *Runner) release(taskID int64, s *slot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.cancel()
	if r.running[taskID] == s {
		delete(r.running, taskID)
	}
	close(s.done)
}

// Active returns the ids of tasks with a run in this pool
func (r *Runner) Active() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int64, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Wait blocks until every launched run has returned
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown refuses new runs, cancels running ones and waits for them to
// return or for ctx to expire
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.log.Info().Msg("all runs stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
