package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"adminops/internal/apperr"
	"adminops/internal/events"
	"adminops/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) PublishJSON(eventType string, _ interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == eventType {
			n++
		}
	}
	return n
}

type memoryStore struct {
	mu    sync.Mutex
	tasks map[string]*models.AdminTask
	err   error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{tasks: make(map[string]*models.AdminTask)}
}

func (s *memoryStore) SaveTask(_ context.Context, t *models.AdminTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if cur, ok := s.tasks[t.ID]; ok && cur.Version >= t.Version {
		return nil
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *memoryStore) LoadTasks(_ context.Context) ([]*models.AdminTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.AdminTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

func newTask(name string, p models.Priority, deps ...string) *models.AdminTask {
	return &models.AdminTask{Name: name, Type: "test", Priority: p, MaxRetries: 2, Dependencies: deps}
}

func enqueue(t *testing.T, q *TaskQueue, task *models.AdminTask) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), task)
	require.NoError(t, err)
	return id
}

func mustDequeue(t *testing.T, q *TaskQueue) *models.AdminTask {
	t.Helper()
	task, ok := q.DequeueReady()
	require.True(t, ok, "expected a ready task")
	return task
}

func TestDequeueByPriority(t *testing.T) {
	q := New()
	low := enqueue(t, q, newTask("low", models.PriorityLow))
	critical := enqueue(t, q, newTask("critical", models.PriorityCritical))
	normal := enqueue(t, q, newTask("normal", models.PriorityNormal))

	assert.Equal(t, critical, mustDequeue(t, q).ID)
	assert.Equal(t, normal, mustDequeue(t, q).ID)
	assert.Equal(t, low, mustDequeue(t, q).ID)

	_, ok := q.DequeueReady()
	assert.False(t, ok)
}

func TestDequeueFIFOWithinPriority(t *testing.T) {
	q := New()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, enqueue(t, q, newTask(fmt.Sprintf("t%d", i), models.PriorityHigh)))
	}
	for _, id := range ids {
		assert.Equal(t, id, mustDequeue(t, q).ID)
	}
}

func TestDequeueMarksInProgress(t *testing.T) {
	q := New()
	id := enqueue(t, q, newTask("job", models.PriorityNormal))

	task := mustDequeue(t, q)
	assert.Equal(t, models.TaskStatusInProgress, task.Status)
	assert.NotNil(t, task.StartedAt)

	stored, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, stored.Status)
}

func TestDependencyGate(t *testing.T) {
	q := New()
	t1 := enqueue(t, q, newTask("t1", models.PriorityNormal))
	t2 := enqueue(t, q, newTask("t2", models.PriorityCritical, t1))

	first := mustDequeue(t, q)
	assert.Equal(t, t1, first.ID)

	_, ok := q.DequeueReady()
	assert.False(t, ok, "dependent must wait while its dependency runs")

	require.NoError(t, q.Complete(t1, nil))

	second := mustDequeue(t, q)
	assert.Equal(t, t2, second.ID)
}

func TestDependencyGateNeverReleasesEarly(t *testing.T) {
	q := New()
	root := enqueue(t, q, newTask("root", models.PriorityBackground))
	var dependents []string
	for i := 0; i < 3; i++ {
		dependents = append(dependents, enqueue(t, q, newTask(fmt.Sprintf("d%d", i), models.PriorityCritical, root)))
	}

	claimed := mustDequeue(t, q)
	require.Equal(t, root, claimed.ID)
	require.NoError(t, q.Retry(root, models.TaskError{Attempt: 1, Message: "flaky"}, 0))

	// the root is Pending again, dependents still blocked
	again := mustDequeue(t, q)
	assert.Equal(t, root, again.ID)
	require.NoError(t, q.Complete(root, nil))

	for range dependents {
		task := mustDequeue(t, q)
		assert.Contains(t, dependents, task.ID)
	}
}

func TestEnqueueUnknownDependency(t *testing.T) {
	q := New()
	_, err := q.Enqueue(context.Background(), newTask("orphan", models.PriorityNormal, "missing"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUnknownDependency)

	assert.Empty(t, q.List(Filter{}))
	stats := q.Stats()
	assert.Zero(t, stats.Deferred)
	assert.Empty(t, stats.ReadyByPriority)
	_, ok := q.DequeueReady()
	assert.False(t, ok)
}

func TestEnqueueValidation(t *testing.T) {
	q := New()
	existing := enqueue(t, q, newTask("existing", models.PriorityNormal))

	tests := []struct {
		name string
		task *models.AdminTask
	}{
		{name: "nil", task: nil},
		{name: "no name", task: &models.AdminTask{Type: "test"}},
		{name: "no type", task: &models.AdminTask{Name: "x"}},
		{name: "priority out of range", task: &models.AdminTask{Name: "x", Type: "test", Priority: 9}},
		{name: "negative retries", task: &models.AdminTask{Name: "x", Type: "test", MaxRetries: -1}},
		{name: "duplicate id", task: &models.AdminTask{ID: existing, Name: "x", Type: "test"}},
		{name: "self dependency", task: &models.AdminTask{ID: "self", Name: "x", Type: "test", Dependencies: []string{"self"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(context.Background(), tt.task)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestEnqueueDefaults(t *testing.T) {
	q := New()
	id := enqueue(t, q, &models.AdminTask{Name: "x", Type: "test", Dependencies: nil})

	task, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityNormal, task.Priority)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.NotZero(t, task.Sequence)
	assert.NotEmpty(t, task.ID)
}

func TestAllowedTransitions(t *testing.T) {
	statuses := []models.TaskStatus{
		models.TaskStatusPending,
		models.TaskStatusInProgress,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
		models.TaskStatusCancelled,
	}
	allowed := make(map[[2]models.TaskStatus]bool)
	for _, edge := range [][2]models.TaskStatus{
		{models.TaskStatusPending, models.TaskStatusInProgress},
		{models.TaskStatusPending, models.TaskStatusCancelled},
		{models.TaskStatusInProgress, models.TaskStatusCompleted},
		{models.TaskStatusInProgress, models.TaskStatusFailed},
		{models.TaskStatusInProgress, models.TaskStatusCancelled},
		{models.TaskStatusInProgress, models.TaskStatusPending},
	} {
		allowed[edge] = true
	}

	for _, from := range statuses {
		for _, to := range statuses {
			err := ValidateTransition(from, to)
			if allowed[[2]models.TaskStatus{from, to}] {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "%s -> %s", from, to)
			}
		}
	}
}

func TestTerminalTasksRejectTransitions(t *testing.T) {
	q := New()
	id := enqueue(t, q, newTask("job", models.PriorityNormal))
	mustDequeue(t, q)
	require.NoError(t, q.Complete(id, []byte(`{"ok":true}`)))

	assert.ErrorIs(t, q.Complete(id, nil), apperr.ErrInvalidTransition)
	assert.ErrorIs(t, q.Fail(id, models.TaskError{}), apperr.ErrInvalidTransition)
	assert.ErrorIs(t, q.Retry(id, models.TaskError{}, time.Second), apperr.ErrInvalidTransition)
	assert.ErrorIs(t, q.Requeue(id), apperr.ErrInvalidTransition)

	task, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
	assert.JSONEq(t, `{"ok":true}`, string(task.Result))
}

func TestCancelPending(t *testing.T) {
	pub := &recordingPublisher{}
	q := New(WithPublisher(pub))
	id := enqueue(t, q, newTask("job", models.PriorityNormal))

	require.NoError(t, q.Cancel(context.Background(), id))

	task, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, task.Status)
	assert.NotNil(t, task.CompletedAt)
	assert.Equal(t, 1, pub.count(events.EventTaskCancelled))

	_, ok := q.DequeueReady()
	assert.False(t, ok)

	assert.ErrorIs(t, q.Cancel(context.Background(), id), apperr.ErrAlreadyTerminal)
	assert.ErrorIs(t, q.Cancel(context.Background(), "nope"), apperr.ErrNotFound)
}

func TestCancelInProgressIsCooperative(t *testing.T) {
	q := New()
	id := enqueue(t, q, newTask("job", models.PriorityNormal))
	mustDequeue(t, q)

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	require.NoError(t, q.Bind(id, cancel))

	require.NoError(t, q.Cancel(context.Background(), id))
	<-ctx.Done()
	assert.ErrorIs(t, context.Cause(ctx), apperr.ErrCancelled)
	assert.True(t, q.CancelRequested(id))

	task, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, task.Status, "running task stays in progress until the handler returns")

	require.NoError(t, q.MarkCancelled(id))
	task, err = q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, task.Status)
}

func TestBindAfterCancelFiresImmediately(t *testing.T) {
	q := New()
	id := enqueue(t, q, newTask("job", models.PriorityNormal))
	mustDequeue(t, q)
	require.NoError(t, q.Cancel(context.Background(), id))

	ctx, cancel := context.WithCancelCause(context.Background())
	require.NoError(t, q.Bind(id, cancel))
	assert.ErrorIs(t, context.Cause(ctx), apperr.ErrCancelled)
}

func TestFailureCascadesToDependents(t *testing.T) {
	pub := &recordingPublisher{}
	q := New(WithPublisher(pub))
	root := enqueue(t, q, newTask("root", models.PriorityNormal))
	child := enqueue(t, q, newTask("child", models.PriorityNormal, root))
	grandchild := enqueue(t, q, newTask("grandchild", models.PriorityNormal, child))

	mustDequeue(t, q)
	require.NoError(t, q.Fail(root, models.TaskError{Attempt: 1, Kind: apperr.KindTerminal, Message: "boom"}))

	for _, id := range []string{child, grandchild} {
		task, err := q.Get(id)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusCancelled, task.Status)
		require.Len(t, task.Errors, 1)
		assert.Equal(t, apperr.KindDependency, task.Errors[0].Kind)
		assert.Zero(t, task.Attempts())
	}
	assert.Equal(t, 1, pub.count(events.EventTaskFailed))
	assert.Equal(t, 2, pub.count(events.EventTaskCancelled))
}

func TestRetryGate(t *testing.T) {
	fakeClock := testingclock.NewFakePassiveClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	q := New(WithClock(fakeClock))
	id := enqueue(t, q, newTask("job", models.PriorityNormal))
	mustDequeue(t, q)

	require.NoError(t, q.Retry(id, models.TaskError{Attempt: 1, Message: "flaky"}, 10*time.Second))

	task, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	require.NotNil(t, task.NextRetryAt)
	assert.Equal(t, fakeClock.Now().Add(10*time.Second), *task.NextRetryAt)

	_, ok := q.DequeueReady()
	assert.False(t, ok)

	fakeClock.SetTime(fakeClock.Now().Add(9 * time.Second))
	_, ok = q.DequeueReady()
	assert.False(t, ok)

	fakeClock.SetTime(fakeClock.Now().Add(time.Second))
	again := mustDequeue(t, q)
	assert.Equal(t, id, again.ID)
	assert.Nil(t, again.NextRetryAt)
}

func TestRetryRefusesBeyondMaxRetries(t *testing.T) {
	q := New()
	task := newTask("job", models.PriorityNormal)
	task.MaxRetries = 0
	id := enqueue(t, q, task)
	mustDequeue(t, q)

	err := q.Retry(id, models.TaskError{Attempt: 1}, time.Second)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	require.NoError(t, q.Fail(id, models.TaskError{Attempt: 1, Message: "boom"}))
	got, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestExactlyOnceDispatch(t *testing.T) {
	q := New()
	const total = 300
	for i := 0; i < total; i++ {
		p := models.Priorities[i%len(models.Priorities)]
		enqueue(t, q, newTask(fmt.Sprintf("t%d", i), p))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, ok := q.DequeueReady()
				if !ok {
					return
				}
				mu.Lock()
				claimed[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, total)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
}

func TestUpdateProgressClamps(t *testing.T) {
	q := New()
	id := enqueue(t, q, newTask("job", models.PriorityNormal))
	assert.ErrorIs(t, q.UpdateProgress(id, 10), apperr.ErrInvalidTransition)

	mustDequeue(t, q)
	require.NoError(t, q.UpdateProgress(id, 150))
	task, _ := q.Get(id)
	assert.Equal(t, 100, task.Progress)

	require.NoError(t, q.UpdateProgress(id, -5))
	task, _ = q.Get(id)
	assert.Equal(t, 0, task.Progress)
}

func TestListAndStats(t *testing.T) {
	q := New()
	a := enqueue(t, q, newTask("a", models.PriorityHigh))
	enqueue(t, q, newTask("b", models.PriorityLow, a))
	enqueue(t, q, &models.AdminTask{Name: "c", Type: "other", Priority: models.PriorityLow})

	all := q.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].Name)
	assert.Len(t, q.List(Filter{Type: "other"}), 1)
	assert.Len(t, q.List(Filter{Priority: models.PriorityLow}), 2)

	stats := q.Stats()
	assert.Equal(t, 3, stats.ByStatus[models.TaskStatusPending])
	assert.Equal(t, 1, stats.Deferred)
	assert.Equal(t, 1, stats.ReadyByPriority[models.PriorityHigh])
	assert.Equal(t, 3, stats.StatusCounts()["pending"])
}

func TestSnapshotsAreIsolated(t *testing.T) {
	q := New()
	id := enqueue(t, q, newTask("job", models.PriorityNormal))

	snap, err := q.Get(id)
	require.NoError(t, err)
	snap.Status = models.TaskStatusCompleted
	snap.Name = "changed"

	again, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, again.Status)
	assert.Equal(t, "job", again.Name)
}

func TestPersistenceAndRestore(t *testing.T) {
	store := newMemoryStore()
	q := New(WithStore(store))

	done := enqueue(t, q, newTask("done", models.PriorityNormal))
	running := enqueue(t, q, newTask("running", models.PriorityNormal))
	waiting := enqueue(t, q, newTask("waiting", models.PriorityNormal, running))

	mustDequeue(t, q)
	require.NoError(t, q.Complete(done, nil))
	mustDequeue(t, q)

	restored := New(WithStore(store))
	n, err := restored.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	task, err := restored.Get(running)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)

	next := mustDequeue(t, restored)
	assert.Equal(t, running, next.ID)
	require.NoError(t, restored.Complete(running, nil))
	assert.Equal(t, waiting, mustDequeue(t, restored).ID)

	// sequence numbering continues after restore
	fresh := enqueue(t, restored, newTask("fresh", models.PriorityNormal))
	freshTask, _ := restored.Get(fresh)
	assert.Greater(t, freshTask.Sequence, int64(3))
}

func TestStoreErrorsAreNotFatal(t *testing.T) {
	store := newMemoryStore()
	store.err = errors.New("disk full")
	q := New(WithStore(store))

	id, err := q.Enqueue(context.Background(), newTask("job", models.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, id, mustDequeue(t, q).ID)
}

func TestPurge(t *testing.T) {
	fakeClock := testingclock.NewFakePassiveClock(time.Now())
	q := New(WithClock(fakeClock))
	old := enqueue(t, q, newTask("old", models.PriorityNormal))
	mustDequeue(t, q)
	require.NoError(t, q.Complete(old, nil))

	parent := enqueue(t, q, newTask("parent", models.PriorityNormal))
	mustDequeue(t, q)
	require.NoError(t, q.Complete(parent, nil))
	enqueue(t, q, newTask("child", models.PriorityBackground, parent))

	fakeClock.SetTime(fakeClock.Now().Add(time.Hour))
	assert.Equal(t, 1, q.Purge(fakeClock.Now()))

	_, err := q.Get(old)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = q.Get(parent)
	assert.NoError(t, err, "tasks with pending dependents are kept")
}

func TestNotifyOnEnqueue(t *testing.T) {
	q := New()
	enqueue(t, q, newTask("job", models.PriorityNormal))

	select {
	case <-q.Notify():
	case <-time.After(time.Second):
		t.Fatal("expected a wake-up after enqueue")
	}
}
