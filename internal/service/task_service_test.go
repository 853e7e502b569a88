package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/models"
	"outreach/internal/repository"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	ids   []int64
	err   error
	calls int
}

func (d *recordingDispatcher) Dispatch(_ context.Context, taskID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return d.err
	}
	d.ids = append(d.ids, taskID)
	return nil
}

type serviceFixture struct {
	tasks      *taskStore
	templates  *templateStore
	users      *userStore
	groups     *groupStore
	messages   *messageStore
	dispatcher *recordingDispatcher
	clock      *fakeClock
	svc        *TaskService
}

func newServiceFixture(tasks ...*models.MessageTask) *serviceFixture {
	f := &serviceFixture{
		tasks: newTaskStore(tasks...),
		templates: newTemplateStore(&models.MessageTemplate{
			ID:        7,
			Content:   "Hi {display_name}, {offer}",
			Variables: []string{"display_name"},
		}),
		users: newUserStore(makeUsers(5)...),
		groups: &groupStore{
			groups: map[int64]*models.UserGroup{
				10: {ID: 10, Name: "vip"},
				11: {ID: 11, Name: "new"},
			},
			members: map[int64][]int64{
				10: {4, 2},
				11: {5, 4},
			},
		},
		messages:   &messageStore{},
		dispatcher: &recordingDispatcher{},
		clock:      newFakeClock(),
	}
	f.svc = NewTaskService(f.tasks, f.templates, f.users, f.groups, f.messages,
		NewTemplateService(), NewGovernor(f.tasks, f.clock, testLog), f.dispatcher, f.clock, testLog)
	return f
}

func pendingTask(id int64, userIDs ...int64) *models.MessageTask {
	return &models.MessageTask{
		ID:         id,
		Name:       "task",
		TemplateID: 7,
		UserIDs:    userIDs,
		TotalUsers: len(userIDs),
		Status:     models.TaskStatusPending,
		Settings:   models.TaskSettings{Interval: 10, DailyLimit: 500},
	}
}

func TestTaskService_Start(t *testing.T) {
	finished := &models.MessageTask{
		ID: 1, TemplateID: 7, UserIDs: []int64{1, 2},
		Status: models.TaskStatusCompleted, SuccessCount: 2, Progress: 100,
		ErrorMessage: strPtr("old failure"),
	}
	f := newServiceFixture(finished)

	task, err := f.svc.Start(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusRunning, task.Status)
	assert.Equal(t, 0, task.SuccessCount)
	assert.Equal(t, float64(0), task.Progress)
	assert.Nil(t, task.ErrorMessage)
	assert.Equal(t, 2, task.TotalUsers)
	assert.Equal(t, models.TaskSettings{Interval: 30, DailyLimit: 200}, task.Settings)
	require.NotNil(t, task.StartedAt)
	assert.Equal(t, epoch, *task.StartedAt)
	assert.Equal(t, []int64{1}, f.dispatcher.ids)
}

func TestTaskService_StartRunningIsConflict(t *testing.T) {
	running := pendingTask(1, 1, 2)
	running.Status = models.TaskStatusRunning
	running.SuccessCount = 1
	running.Progress = 50
	f := newServiceFixture(running)

	_, err := f.svc.Start(context.Background(), 1)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 1, f.tasks.get(1).SuccessCount)
	assert.Equal(t, float64(50), f.tasks.get(1).Progress)
	assert.Zero(t, f.dispatcher.calls)
}

func TestTaskService_StartNotFound(t *testing.T) {
	noTemplate := pendingTask(2, 1)
	noTemplate.TemplateID = 99
	f := newServiceFixture(noTemplate, pendingTask(3, 404, 405))

	tests := []struct {
		name     string
		id       int64
		resource string
	}{
		{"unknown task", 1, "task"},
		{"missing template", 2, "template"},
		{"no existing target users", 3, "target users"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Start(context.Background(), tt.id)

			var notFound *NotFoundError
			require.ErrorAs(t, err, &notFound)
			assert.Equal(t, tt.resource, notFound.Resource)
		})
	}
	assert.Zero(t, f.dispatcher.calls)
}

func TestTaskService_StartBusy(t *testing.T) {
	now := epoch
	f := newServiceFixture(
		runningTask(1, now, 10),
		runningTask(2, now, 10),
		runningTask(3, now, 10),
		pendingTask(4, 1),
	)

	_, err := f.svc.Start(context.Background(), 4)

	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, models.TaskStatusPending, f.tasks.get(4).Status)
}

func TestTaskService_StartReclaimsStaleRun(t *testing.T) {
	f := newServiceFixture(
		runningTask(1, epoch.Add(-2*time.Hour), 10),
		runningTask(2, epoch, 10),
		runningTask(3, epoch, 10),
		pendingTask(4, 1),
	)

	_, err := f.svc.Start(context.Background(), 4)
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusCompleted, f.tasks.get(1).Status)
	assert.Equal(t, models.TaskStatusRunning, f.tasks.get(4).Status)
}

func TestTaskService_StartTruncatesTargets(t *testing.T) {
	f := newServiceFixture()
	f.users = newUserStore(makeUsers(1500)...)
	f.svc.users = f.users
	require.NoError(t, f.tasks.Create(context.Background(), pendingTask(0, userIDs(makeUsers(1500))...)))

	task, err := f.svc.Start(context.Background(), f.tasks.nextID)
	require.NoError(t, err)
	assert.Equal(t, MaxUsersPerTask, task.TotalUsers)
}

func TestTaskService_StartDispatchFailure(t *testing.T) {
	f := newServiceFixture(pendingTask(1, 1))
	f.dispatcher.err = errors.New("broker unreachable")

	_, err := f.svc.Start(context.Background(), 1)
	require.Error(t, err)

	task := f.tasks.get(1)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Contains(t, *task.ErrorMessage, "broker unreachable")
}

func TestTaskService_Stop(t *testing.T) {
	running := pendingTask(1, 1)
	running.Status = models.TaskStatusRunning
	f := newServiceFixture(running, pendingTask(2, 1))

	task, err := f.svc.Stop(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusStopped, task.Status)
	assert.NotNil(t, task.StoppedAt)

	var conflict *ConflictError
	_, err = f.svc.Stop(context.Background(), 2)
	assert.ErrorAs(t, err, &conflict)

	var notFound *NotFoundError
	_, err = f.svc.Stop(context.Background(), 3)
	assert.ErrorAs(t, err, &notFound)
}

func TestTaskService_Status(t *testing.T) {
	second := pendingTask(2, 1)
	second.SuccessCount = 4
	f := newServiceFixture(pendingTask(1, 1), second)

	snapshots, err := f.svc.Status(context.Background(), []int64{2, 99, 1, 2})
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Equal(t, int64(2), snapshots[0].ID)
	assert.Equal(t, 4, snapshots[0].SuccessCount)
	assert.Equal(t, int64(1), snapshots[1].ID)
}

func TestTaskService_Delete(t *testing.T) {
	running := pendingTask(1, 1)
	running.Status = models.TaskStatusRunning
	f := newServiceFixture(running, pendingTask(2, 1))

	var conflict *ConflictError
	assert.ErrorAs(t, f.svc.Delete(context.Background(), 1), &conflict)

	require.NoError(t, f.svc.Delete(context.Background(), 2))
	assert.Nil(t, f.tasks.get(2))

	var notFound *NotFoundError
	assert.ErrorAs(t, f.svc.Delete(context.Background(), 2), &notFound)
}

func TestTaskService_Create(t *testing.T) {
	f := newServiceFixture()

	task, err := f.svc.Create(context.Background(), &CreateTaskRequest{
		Name:       "spring",
		TemplateID: 7,
		UserIDs:    []int64{3, 1, 3},
		GroupIDs:   []int64{10, 11},
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{3, 1, 4, 2, 5}, task.UserIDs)
	assert.Equal(t, 5, task.TotalUsers)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, models.TaskSettings{Interval: DefaultSendInterval, DailyLimit: DefaultDailyLimit}, task.Settings)
	assert.NotNil(t, f.tasks.get(task.ID))
}

func TestTaskService_CreateErrors(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateTaskRequest
		wantErr interface{}
	}{
		{"missing name", CreateTaskRequest{TemplateID: 7, UserIDs: []int64{1}}, &ValidationError{}},
		{"no targets", CreateTaskRequest{Name: "x", TemplateID: 7}, &ValidationError{}},
		{"unknown template", CreateTaskRequest{Name: "x", TemplateID: 99, UserIDs: []int64{1}}, &NotFoundError{}},
		{"unknown user", CreateTaskRequest{Name: "x", TemplateID: 7, UserIDs: []int64{1, 42}}, &NotFoundError{}},
		{"unknown group", CreateTaskRequest{Name: "x", TemplateID: 7, GroupIDs: []int64{12}}, &NotFoundError{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture()
			_, err := f.svc.Create(context.Background(), &tt.req)
			require.Error(t, err)

			switch tt.wantErr.(type) {
			case *ValidationError:
				var target *ValidationError
				assert.ErrorAs(t, err, &target)
			case *NotFoundError:
				var target *NotFoundError
				assert.ErrorAs(t, err, &target)
			}
		})
	}
}

func TestTaskService_CreateEmptyGroupIsValidationError(t *testing.T) {
	f := newServiceFixture()
	f.groups.groups[12] = &models.UserGroup{ID: 12, Name: "empty"}

	_, err := f.svc.Create(context.Background(), &CreateTaskRequest{Name: "x", TemplateID: 7, GroupIDs: []int64{12}})

	var validationErr *ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestTaskService_List(t *testing.T) {
	f := newServiceFixture(pendingTask(1, 1), pendingTask(2, 1), pendingTask(3, 1))

	tasks, pagination, err := f.svc.List(context.Background(), repository.TaskFilters{PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
	assert.Equal(t, 1, pagination.Page)
	assert.Equal(t, 2, pagination.PageSize)
	assert.Equal(t, 3, pagination.TotalCount)
	assert.Equal(t, 2, pagination.TotalPages)
}

func TestTaskService_Users(t *testing.T) {
	task := pendingTask(1, 2, 1, 3)
	task.Status = models.TaskStatusCompleted
	f := newServiceFixture(task, pendingTask(2, 1))
	f.messages.messages = []*models.Message{
		{TaskID: 1, UserID: 1, Status: models.MessageStatusSent},
		{TaskID: 2, UserID: 2, Status: models.MessageStatusSent},
	}

	users, err := f.svc.Users(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, int64(2), users[0].UserID)
	assert.Equal(t, TaskUserFailed, users[0].Status)
	assert.Equal(t, TaskUserSuccess, users[1].Status)
	assert.Equal(t, TaskUserFailed, users[2].Status)

	users, err = f.svc.Users(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, TaskUserPending, users[0].Status)
}

func TestTaskService_Preview(t *testing.T) {
	task := pendingTask(1, 1)
	task.Variables = models.Variables{"offer": strPtr("20% off")}
	f := newServiceFixture(task)

	preview, err := f.svc.Preview(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "Hi user2, 20% off", preview.RenderedMessage)
	assert.Equal(t, []string{"display_name", "offer"}, preview.Placeholders)

	var notFound *NotFoundError
	_, err = f.svc.Preview(context.Background(), 1, 99)
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "user", notFound.Resource)
}

// pacingClock parks Sleep until ctx ends or release is closed
type pacingClock struct {
	*fakeClock
	sleeping chan struct{}
	release  chan struct{}
}

func newPacingClock() *pacingClock {
	return &pacingClock{
		fakeClock: newFakeClock(),
		sleeping:  make(chan struct{}, 16),
		release:   make(chan struct{}),
	}
}

func (c *pacingClock) Sleep(ctx context.Context, d time.Duration) error {
	c.Advance(d)
	select {
	case c.sleeping <- struct{}{}:
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.release:
		return nil
	}
}

func (c *pacingClock) waitSleeping(t *testing.T) {
	t.Helper()
	select {
	case <-c.sleeping:
	case <-time.After(2 * time.Second):
		t.Fatal("run never reached its pacing wait")
	}
}

func TestTaskService_RestartWhileStoppedRunIsPacing(t *testing.T) {
	f := newServiceFixture(pendingTask(1, 1, 2, 3))
	clock := newPacingClock()
	deliverer := newDeliverer(nil)

	exec := NewExecutor(f.tasks, f.templates, f.users, f.messages, NewTemplateService(), deliverer, clock, testLog)
	runner := NewRunner(exec, MaxConcurrentTasks, testLog)
	svc := NewTaskService(f.tasks, f.templates, f.users, f.groups, f.messages,
		NewTemplateService(), NewGovernor(f.tasks, clock, testLog), runner, clock, testLog)
	ctx := context.Background()

	_, err := svc.Start(ctx, 1)
	require.NoError(t, err)
	clock.waitSleeping(t)

	_, err = svc.Stop(ctx, 1)
	require.NoError(t, err)

	task, err := svc.Start(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, task.Status)

	clock.waitSleeping(t)
	task = f.tasks.get(1)
	assert.Equal(t, models.TaskStatusRunning, task.Status)
	assert.Equal(t, 1, task.SuccessCount)
	assert.Nil(t, task.ErrorMessage)

	close(clock.release)
	runner.Wait()

	task = f.tasks.get(1)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Equal(t, 3, task.SuccessCount)
	assert.Equal(t, 4, deliverer.Total())
}

func TestTaskService_StartWhilePreviousRunExiting(t *testing.T) {
	f := newServiceFixture(pendingTask(1, 1))
	f.dispatcher.err = ErrPreviousRunActive

	_, err := f.svc.Start(context.Background(), 1)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, models.TaskStatusStopped, f.tasks.get(1).Status)
}
