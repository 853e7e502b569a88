package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"outreach/internal/delivery"
	"outreach/internal/models"
	"outreach/internal/repository"
)

var testLog = zerolog.Nop()

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeClock advances on Sleep instead of blocking
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	onSleep func(d time.Duration)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	hook := c.onSleep
	c.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// taskStore is an in-memory TaskRepository with the same conditional
// transitions as the SQL implementation
type taskStore struct {
	mu          sync.Mutex
	tasks       map[int64]*models.MessageTask
	nextID      int64
	progress    []repository.RunProgress
	progressErr error
	statusReads int
}

func newTaskStore(tasks ...*models.MessageTask) *taskStore {
	s := &taskStore{tasks: map[int64]*models.MessageTask{}, nextID: 100}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *taskStore) get(id int64) *models.MessageTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	c := *t
	return &c
}

func (s *taskStore) setStatus(id int64, status models.TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id].Status = status
}

func (s *taskStore) progressWrites() []repository.RunProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]repository.RunProgress(nil), s.progress...)
}

func (s *taskStore) Create(_ context.Context, task *models.MessageTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	task.ID = s.nextID
	task.CreatedAt = epoch
	task.UpdatedAt = epoch
	c := *task
	s.tasks[task.ID] = &c
	return nil
}

func (s *taskStore) GetByID(_ context.Context, id int64) (*models.MessageTask, error) {
	if t := s.get(id); t != nil {
		return t, nil
	}
	return nil, fmt.Errorf("task %d: %w", id, repository.ErrNotFound)
}

func (s *taskStore) GetByIDs(_ context.Context, ids []int64) ([]*models.MessageTask, error) {
	out := []*models.MessageTask{}
	for _, id := range ids {
		if t := s.get(id); t != nil {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *taskStore) List(_ context.Context, _ repository.TaskFilters) ([]*models.MessageTask, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.MessageTask{}
	for _, t := range s.tasks {
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, len(out), nil
}

func (s *taskStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status == models.TaskStatusRunning {
		return repository.ErrStateChanged
	}
	delete(s.tasks, id)
	return nil
}

func (s *taskStore) CurrentStatus(_ context.Context, id int64) (models.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusReads++
	t, ok := s.tasks[id]
	if !ok {
		return "", fmt.Errorf("task %d: %w", id, repository.ErrNotFound)
	}
	return t.Status, nil
}

func (s *taskStore) CountRunning(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == models.TaskStatusRunning {
			n++
		}
	}
	return n, nil
}

func (s *taskStore) MarkRunning(_ context.Context, id int64, run repository.RunStart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status == models.TaskStatusRunning {
		return repository.ErrStateChanged
	}
	started := run.StartedAt
	t.Status = models.TaskStatusRunning
	t.Progress = 0
	t.SuccessCount = 0
	t.FailedCount = 0
	t.Speed = nil
	t.ErrorMessage = nil
	t.TotalUsers = run.TotalUsers
	t.Settings = run.Settings
	t.StartedAt = &started
	t.CompletedAt = nil
	t.StoppedAt = nil
	return nil
}

func (s *taskStore) UpdateProgress(_ context.Context, id int64, p repository.RunProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.progressErr != nil {
		return s.progressErr
	}
	t, ok := s.tasks[id]
	if !ok || !sameRun(t, p.RunStartedAt) {
		return repository.ErrNotFound
	}
	s.progress = append(s.progress, p)
	t.SuccessCount = p.SuccessCount
	t.FailedCount = p.FailedCount
	t.Progress = p.Progress
	t.Speed = p.Speed
	t.ErrorMessage = p.ErrorMessage
	return nil
}

func (s *taskStore) MarkStopped(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != models.TaskStatusRunning {
		return repository.ErrStateChanged
	}
	t.Status = models.TaskStatusStopped
	t.StoppedAt = &at
	return nil
}

func (s *taskStore) Finish(_ context.Context, id int64, runStartedAt time.Time, status models.TaskStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != models.TaskStatusRunning || !sameRun(t, runStartedAt) {
		return false, nil
	}
	t.Status = status
	t.Progress = 100
	t.CompletedAt = &at
	return true, nil
}

func (s *taskStore) MarkFailed(_ context.Context, id int64, message string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != models.TaskStatusRunning {
		return false, nil
	}
	t.Status = models.TaskStatusFailed
	t.ErrorMessage = &message
	return true, nil
}

func (s *taskStore) Reclaim(_ context.Context, now, staleBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tasks {
		if t.Status != models.TaskStatusRunning {
			continue
		}
		if t.Progress >= 100 || (t.StartedAt != nil && t.StartedAt.Before(staleBefore)) {
			at := now
			t.Status = models.TaskStatusCompleted
			t.CompletedAt = &at
			n++
		}
	}
	return n, nil
}

func (s *taskStore) ReclaimFinished(_ context.Context, now time.Time, exclude []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	skip := map[int64]bool{}
	for _, id := range exclude {
		skip[id] = true
	}
	var n int64
	for _, t := range s.tasks {
		if t.Status != models.TaskStatusRunning || t.Progress < 100 || skip[t.ID] {
			continue
		}
		at := now
		t.Status = models.TaskStatusCompleted
		t.CompletedAt = &at
		n++
	}
	return n, nil
}

func sameRun(t *models.MessageTask, runStartedAt time.Time) bool {
	return t.StartedAt != nil && t.StartedAt.Equal(runStartedAt)
}

type templateStore struct {
	templates map[int64]*models.MessageTemplate
}

func newTemplateStore(templates ...*models.MessageTemplate) *templateStore {
	s := &templateStore{templates: map[int64]*models.MessageTemplate{}}
	for _, t := range templates {
		s.templates[t.ID] = t
	}
	return s
}

func (s *templateStore) Create(_ context.Context, t *models.MessageTemplate) error {
	s.templates[t.ID] = t
	return nil
}

func (s *templateStore) GetByID(_ context.Context, id int64) (*models.MessageTemplate, error) {
	if t, ok := s.templates[id]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("template %d: %w", id, repository.ErrNotFound)
}

// userStore returns users sorted by id like the SQL implementation
type userStore struct {
	users map[int64]*models.User
}

func newUserStore(users ...*models.User) *userStore {
	s := &userStore{users: map[int64]*models.User{}}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *userStore) GetByID(_ context.Context, id int64) (*models.User, error) {
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user %d: %w", id, repository.ErrNotFound)
}

func (s *userStore) GetByIDs(_ context.Context, ids []int64) ([]*models.User, error) {
	out := []*models.User{}
	seen := map[int64]bool{}
	for _, id := range ids {
		if u, ok := s.users[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type groupStore struct {
	groups  map[int64]*models.UserGroup
	members map[int64][]int64
}

func (s *groupStore) GetByIDs(_ context.Context, ids []int64) ([]*models.UserGroup, error) {
	out := []*models.UserGroup{}
	for _, id := range ids {
		if g, ok := s.groups[id]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *groupStore) MemberIDs(_ context.Context, groupID int64) ([]int64, error) {
	return s.members[groupID], nil
}

type messageStore struct {
	mu        sync.Mutex
	messages  []*models.Message
	createErr error
}

func (s *messageStore) Create(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	m.ID = int64(len(s.messages) + 1)
	s.messages = append(s.messages, m)
	return nil
}

func (s *messageStore) ListByTask(_ context.Context, taskID int64) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.Message{}
	for _, m := range s.messages {
		if m.TaskID == taskID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *messageStore) all() []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Message(nil), s.messages...)
}

// scriptedDeliverer answers with script, or success when script is nil
type scriptedDeliverer struct {
	mu     sync.Mutex
	calls  map[string]int
	order  []string
	texts  []string
	script func(recipient string, call int) (delivery.Result, error)
}

func newDeliverer(script func(recipient string, call int) (delivery.Result, error)) *scriptedDeliverer {
	return &scriptedDeliverer{calls: map[string]int{}, script: script}
}

func (d *scriptedDeliverer) Deliver(_ context.Context, recipient, text string) (delivery.Result, error) {
	d.mu.Lock()
	d.calls[recipient]++
	call := d.calls[recipient]
	d.order = append(d.order, recipient)
	d.texts = append(d.texts, text)
	script := d.script
	d.mu.Unlock()

	if script == nil {
		return delivery.Delivered(), nil
	}
	return script(recipient, call)
}

func (d *scriptedDeliverer) Calls(recipient string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[recipient]
}

func (d *scriptedDeliverer) Total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

var errDatabaseDown = errors.New("database is down")

func makeUsers(n int) []*models.User {
	users := make([]*models.User, n)
	for i := range users {
		users[i] = &models.User{
			ID:       int64(i + 1),
			Platform: models.PlatformInstagram,
			Username: fmt.Sprintf("user%d", i+1),
		}
	}
	return users
}

func userIDs(users []*models.User) []int64 {
	ids := make([]int64, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	return ids
}
