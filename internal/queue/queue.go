// Package queue holds admin tasks from submission until they reach a
// terminal status. Ready tasks are served by priority, FIFO within a level;
// tasks waiting on dependencies or on a retry delay sit in a deferred set
// until a readiness sweep promotes them.
package queue

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"adminops/internal/apperr"
	"adminops/internal/domain"
	"adminops/internal/events"
	"adminops/internal/metrics"
	"adminops/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

// Option configures a TaskQueue.
type Option func(*TaskQueue)

// WithStore enables write-through persistence of task snapshots.
func WithStore(store domain.TaskStore) Option {
	return func(q *TaskQueue) { q.store = store }
}

// WithPublisher sets where task lifecycle events are published.
func WithPublisher(p domain.EventPublisher) Option {
	return func(q *TaskQueue) { q.publisher = p }
}

// WithClock substitutes the time source used for timestamps and retry gates.
func WithClock(c clock.PassiveClock) Option {
	return func(q *TaskQueue) { q.clock = c }
}

func WithLogger(l *zerolog.Logger) Option {
	return func(q *TaskQueue) {
		if l != nil {
			q.logger = l
		}
	}
}

// TaskQueue is safe for concurrent use. A single mutex guards all task
// metadata and is never held while talking to the store or the publisher.
type TaskQueue struct {
	mu       sync.Mutex
	tasks    map[string]*models.AdminTask
	ready    map[models.Priority][]*models.AdminTask
	deferred map[string]*models.AdminTask
	cancels  map[string]context.CancelCauseFunc
	seq      int64

	notify    chan struct{}
	store     domain.TaskStore
	publisher domain.EventPublisher
	clock     clock.PassiveClock
	logger    *zerolog.Logger
}

func New(opts ...Option) *TaskQueue {
	nop := zerolog.Nop()
	q := &TaskQueue{
		tasks:    make(map[string]*models.AdminTask),
		ready:    make(map[models.Priority][]*models.AdminTask),
		deferred: make(map[string]*models.AdminTask),
		cancels:  make(map[string]context.CancelCauseFunc),
		notify:   make(chan struct{}, 1),
		clock:    clock.RealClock{},
		logger:   &nop,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status   models.TaskStatus
	Type     string
	Priority models.Priority
}

func (f Filter) match(t *models.AdminTask) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Priority != 0 && t.Priority != f.Priority {
		return false
	}
	return true
}

// Stats is a point-in-time view of queue occupancy.
type Stats struct {
	ByStatus        map[models.TaskStatus]int
	ReadyByPriority map[models.Priority]int
	Deferred        int
}

// StatusCounts flattens ByStatus for metrics labels.
func (s Stats) StatusCounts() map[string]int {
	out := make(map[string]int, len(s.ByStatus))
	for k, v := range s.ByStatus {
		out[string(k)] = v
	}
	return out
}

// Enqueue validates the task and admits it as Pending. The caller may preset
// the ID; otherwise one is generated. Every dependency must already be known
// to the queue, which keeps the dependency graph acyclic.
func (q *TaskQueue) Enqueue(ctx context.Context, task *models.AdminTask) (string, error) {
	if task == nil {
		return "", apperr.Validationf("task is nil")
	}
	t := task.Clone()
	if t.Name == "" {
		return "", apperr.Validationf("task name is required")
	}
	if t.Type == "" {
		return "", apperr.Validationf("task type is required")
	}
	if t.Priority == 0 {
		t.Priority = models.PriorityNormal
	}
	if !t.Priority.Valid() {
		return "", apperr.Validationf("priority %d out of range", int(t.Priority))
	}
	if t.MaxRetries < 0 {
		return "", apperr.Validationf("max_retries must not be negative")
	}
	if t.Timeout < 0 {
		return "", apperr.Validationf("timeout must not be negative")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Dependencies = dedupe(t.Dependencies)

	q.mu.Lock()
	if _, exists := q.tasks[t.ID]; exists {
		q.mu.Unlock()
		return "", apperr.Validationf("task %s already exists", t.ID)
	}
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			q.mu.Unlock()
			return "", apperr.Validationf("task %s depends on itself", t.ID)
		}
		if _, ok := q.tasks[dep]; !ok {
			q.mu.Unlock()
			return "", fmt.Errorf("%w: %s", apperr.ErrUnknownDependency, dep)
		}
	}

	now := q.clock.Now()
	q.seq++
	t.Sequence = q.seq
	t.Status = models.TaskStatusPending
	t.Progress = 0
	t.RetryCount = 0
	t.NextRetryAt = nil
	t.Errors = nil
	t.Result = nil
	t.CancelRequested = false
	t.StartedAt = nil
	t.CompletedAt = nil
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Version = 1
	q.tasks[t.ID] = t

	var fx effects
	fx.save(t)
	q.placeLocked(t, now)
	q.sweepLocked(now, &fx)
	q.mu.Unlock()

	metrics.IncEnqueued(t.Type, t.Priority.String())
	q.logger.Debug().Str("task_id", t.ID).Str("type", t.Type).Str("priority", t.Priority.String()).Msg("task enqueued")
	q.flush(ctx, &fx)
	q.signal()
	return t.ID, nil
}

// DequeueReady claims the highest-priority ready task. The returned snapshot
// is already InProgress; no other caller can claim the same task.
func (q *TaskQueue) DequeueReady() (*models.AdminTask, bool) {
	var fx effects

	q.mu.Lock()
	now := q.clock.Now()
	q.sweepLocked(now, &fx)

	var claimed *models.AdminTask
	for _, p := range models.Priorities {
		lst := q.ready[p]
		if len(lst) == 0 {
			continue
		}
		claimed = lst[0]
		lst[0] = nil
		q.ready[p] = lst[1:]
		break
	}
	if claimed != nil {
		// ready tasks are always Pending; the transition cannot fail
		_ = q.transitionLocked(claimed, models.TaskStatusInProgress, now)
		fx.save(claimed)
	}
	var snapshot *models.AdminTask
	if claimed != nil {
		snapshot = claimed.Clone()
	}
	q.mu.Unlock()

	q.flush(context.Background(), &fx)
	return snapshot, snapshot != nil
}

// Cancel stops a task. Pending tasks are cancelled at once; running tasks get
// a cooperative cancellation request delivered through their context.
func (q *TaskQueue) Cancel(ctx context.Context, id string) error {
	var fx effects

	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("task %s: %w", id, apperr.ErrNotFound)
	}
	if t.Status.IsTerminal() {
		q.mu.Unlock()
		return fmt.Errorf("task %s is %s: %w", id, t.Status, apperr.ErrAlreadyTerminal)
	}

	now := q.clock.Now()
	switch t.Status {
	case models.TaskStatusPending:
		q.unqueueLocked(t)
		t.CancelRequested = true
		_ = q.transitionLocked(t, models.TaskStatusCancelled, now)
		fx.save(t)
		fx.emit(events.EventTaskCancelled, t)
		q.sweepLocked(now, &fx)
	case models.TaskStatusInProgress:
		t.CancelRequested = true
		t.UpdatedAt = now
		t.Version++
		fx.save(t)
		if cancel := q.cancels[id]; cancel != nil {
			cancel(apperr.ErrCancelled)
		}
	}
	q.mu.Unlock()

	q.flush(ctx, &fx)
	return nil
}

// Get returns a snapshot of the task.
func (q *TaskQueue) Get(id string) (*models.AdminTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, apperr.ErrNotFound)
	}
	return t.Clone(), nil
}

// List returns snapshots in submission order.
func (q *TaskQueue) List(filter Filter) []*models.AdminTask {
	q.mu.Lock()
	out := make([]*models.AdminTask, 0, len(q.tasks))
	for _, t := range q.tasks {
		if filter.match(t) {
			out = append(out, t.Clone())
		}
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func (q *TaskQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		ByStatus:        make(map[models.TaskStatus]int),
		ReadyByPriority: make(map[models.Priority]int),
		Deferred:        len(q.deferred),
	}
	for _, t := range q.tasks {
		s.ByStatus[t.Status]++
	}
	for p, lst := range q.ready {
		if len(lst) > 0 {
			s.ReadyByPriority[p] = len(lst)
		}
	}
	return s
}

// Notify delivers a wake-up whenever new work may have become ready.
func (q *TaskQueue) Notify() <-chan struct{} {
	return q.notify
}

// Wake nudges idle workers, e.g. after the clock moved past a retry gate.
func (q *TaskQueue) Wake() {
	q.signal()
}

func (q *TaskQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Purge forgets terminal tasks finished before the cutoff, unless a
// non-terminal task still depends on them. It returns the number removed.
func (q *TaskQueue) Purge(before time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	needed := make(map[string]bool)
	for _, t := range q.tasks {
		if t.Status.IsTerminal() {
			continue
		}
		for _, dep := range t.Dependencies {
			needed[dep] = true
		}
	}

	removed := 0
	for id, t := range q.tasks {
		if !t.Status.IsTerminal() || needed[id] || t.CompletedAt == nil || !t.CompletedAt.Before(before) {
			continue
		}
		delete(q.tasks, id)
		removed++
	}
	return removed
}

// placeLocked puts a Pending task either on its ready list or in the
// deferred set.
func (q *TaskQueue) placeLocked(t *models.AdminTask, now time.Time) {
	if q.isReadyLocked(t, now) {
		q.pushReadyLocked(t)
		return
	}
	q.deferred[t.ID] = t
}

func (q *TaskQueue) isReadyLocked(t *models.AdminTask, now time.Time) bool {
	if t.NextRetryAt != nil && now.Before(*t.NextRetryAt) {
		return false
	}
	for _, dep := range t.Dependencies {
		d, ok := q.tasks[dep]
		if !ok || d.Status != models.TaskStatusCompleted {
			return false
		}
	}
	return true
}

func (q *TaskQueue) pushReadyLocked(t *models.AdminTask) {
	lst := q.ready[t.Priority]
	i := sort.Search(len(lst), func(i int) bool { return lst[i].Sequence > t.Sequence })
	q.ready[t.Priority] = slices.Insert(lst, i, t)
}

func (q *TaskQueue) unqueueLocked(t *models.AdminTask) {
	delete(q.deferred, t.ID)
	lst := q.ready[t.Priority]
	for i, r := range lst {
		if r.ID == t.ID {
			q.ready[t.Priority] = slices.Delete(lst, i, i+1)
			return
		}
	}
}

// blockingDependencyLocked returns the first dependency that can no longer
// complete: one that failed, was cancelled, or is gone.
func (q *TaskQueue) blockingDependencyLocked(t *models.AdminTask) (string, bool) {
	for _, dep := range t.Dependencies {
		d, ok := q.tasks[dep]
		if !ok {
			return dep, true
		}
		if d.Status == models.TaskStatusFailed || d.Status == models.TaskStatusCancelled {
			return dep, true
		}
	}
	return "", false
}

// sweepLocked promotes deferred tasks that became ready and cancels those
// whose dependencies can never complete. Cancellation cascades, so it runs
// until nothing changes.
func (q *TaskQueue) sweepLocked(now time.Time, fx *effects) {
	for changed := true; changed; {
		changed = false
		for id, t := range q.deferred {
			if dep, blocked := q.blockingDependencyLocked(t); blocked {
				delete(q.deferred, id)
				t.Errors = append(t.Errors, models.TaskError{
					Kind:    apperr.KindDependency,
					Message: fmt.Sprintf("%s: %s", apperr.ErrDependencyFailed, dep),
					At:      now,
				})
				_ = q.transitionLocked(t, models.TaskStatusCancelled, now)
				fx.save(t)
				fx.emit(events.EventTaskCancelled, t)
				changed = true
				continue
			}
			if q.isReadyLocked(t, now) {
				delete(q.deferred, id)
				q.pushReadyLocked(t)
				fx.wake = true
			}
		}
	}
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
