package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"adminops/internal/apperr"
	"adminops/internal/events"
	"adminops/internal/models"
)

var allowedTransitions = map[models.TaskStatus]map[models.TaskStatus]bool{
	models.TaskStatusPending: {
		models.TaskStatusInProgress: true,
		models.TaskStatusCancelled:  true,
	},
	models.TaskStatusInProgress: {
		models.TaskStatusCompleted: true,
		models.TaskStatusFailed:    true,
		models.TaskStatusCancelled: true,
		// retry re-entry, or a requeue when the pool shuts down mid-run
		models.TaskStatusPending: true,
	},
}

// ValidateTransition reports whether a task may move from one status to another.
func ValidateTransition(from, to models.TaskStatus) error {
	if allowedTransitions[from][to] {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidTransition, from, to)
}

func (q *TaskQueue) transitionLocked(t *models.AdminTask, to models.TaskStatus, now time.Time) error {
	if err := ValidateTransition(t.Status, to); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	t.Status = to
	t.UpdatedAt = now
	t.Version++

	switch to {
	case models.TaskStatusInProgress:
		started := now
		t.StartedAt = &started
		t.NextRetryAt = nil
	case models.TaskStatusPending:
		delete(q.cancels, t.ID)
	default:
		finished := now
		t.CompletedAt = &finished
		t.NextRetryAt = nil
		delete(q.cancels, t.ID)
	}
	return nil
}

// runningLocked fetches a task that must currently be InProgress.
func (q *TaskQueue) runningLocked(id string) (*models.AdminTask, error) {
	t, ok := q.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, apperr.ErrNotFound)
	}
	if t.Status != models.TaskStatusInProgress {
		return nil, fmt.Errorf("task %s is %s, not in progress: %w", id, t.Status, apperr.ErrInvalidTransition)
	}
	return t, nil
}

// Complete records a successful execution and releases dependents.
func (q *TaskQueue) Complete(id string, result []byte) error {
	var fx effects

	q.mu.Lock()
	t, err := q.runningLocked(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	now := q.clock.Now()
	_ = q.transitionLocked(t, models.TaskStatusCompleted, now)
	t.Progress = 100
	if len(result) > 0 {
		t.Result = append(json.RawMessage(nil), result...)
	}
	fx.save(t)
	fx.emit(events.EventTaskCompleted, t)
	q.sweepLocked(now, &fx)
	q.mu.Unlock()

	q.flush(context.Background(), &fx)
	return nil
}

// Retry puts a failed task back to Pending behind a retry gate of delay.
// The caller has already decided the task has retries left.
func (q *TaskQueue) Retry(id string, failure models.TaskError, delay time.Duration) error {
	var fx effects

	q.mu.Lock()
	t, err := q.runningLocked(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if t.RetryCount >= t.MaxRetries {
		q.mu.Unlock()
		return apperr.Validationf("task %s exhausted %d retries", id, t.MaxRetries)
	}
	now := q.clock.Now()
	_ = q.transitionLocked(t, models.TaskStatusPending, now)
	t.RetryCount++
	t.Errors = append(t.Errors, failure)
	gate := now.Add(delay)
	t.NextRetryAt = &gate
	fx.save(t)
	q.placeLocked(t, now)
	q.mu.Unlock()

	q.flush(context.Background(), &fx)
	return nil
}

// Fail moves a task to Failed, keeping its whole error history, and cancels
// everything that depends on it.
func (q *TaskQueue) Fail(id string, failure models.TaskError) error {
	return q.finish(id, models.TaskStatusFailed, events.EventTaskFailed, &failure)
}

// MarkCancelled finishes a running task whose handler observed cancellation.
func (q *TaskQueue) MarkCancelled(id string) error {
	return q.finish(id, models.TaskStatusCancelled, events.EventTaskCancelled, nil)
}

func (q *TaskQueue) finish(id string, to models.TaskStatus, eventType string, failure *models.TaskError) error {
	var fx effects

	q.mu.Lock()
	t, err := q.runningLocked(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	now := q.clock.Now()
	_ = q.transitionLocked(t, to, now)
	if failure != nil {
		t.Errors = append(t.Errors, *failure)
	}
	fx.save(t)
	fx.emit(eventType, t)
	q.sweepLocked(now, &fx)
	q.mu.Unlock()

	q.flush(context.Background(), &fx)
	return nil
}

// Requeue returns a running task to Pending without charging a retry. Used
// when a worker is stopped before its handler finished.
func (q *TaskQueue) Requeue(id string) error {
	var fx effects

	q.mu.Lock()
	t, err := q.runningLocked(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	now := q.clock.Now()
	_ = q.transitionLocked(t, models.TaskStatusPending, now)
	t.StartedAt = nil
	fx.save(t)
	q.placeLocked(t, now)
	q.mu.Unlock()

	q.flush(context.Background(), &fx)
	return nil
}

// UpdateProgress records handler-reported progress, clamped to 0..100.
func (q *TaskQueue) UpdateProgress(id string, pct int) error {
	var fx effects

	q.mu.Lock()
	t, err := q.runningLocked(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	t.Progress = min(max(pct, 0), 100)
	t.UpdatedAt = q.clock.Now()
	t.Version++
	fx.save(t)
	q.mu.Unlock()

	q.flush(context.Background(), &fx)
	return nil
}

// Bind attaches the cancel function of the running handler's context. If a
// cancellation was already requested it fires immediately.
func (q *TaskQueue) Bind(id string, cancel context.CancelCauseFunc) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.runningLocked(id)
	if err != nil {
		return err
	}
	q.cancels[id] = cancel
	if t.CancelRequested {
		cancel(apperr.ErrCancelled)
	}
	return nil
}

// CancelRequested reports whether Cancel was called for a running task.
func (q *TaskQueue) CancelRequested(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	return ok && t.CancelRequested
}

// Restore loads persisted tasks. Tasks that were running when the previous
// process stopped go back to Pending; their attempt never finished.
func (q *TaskQueue) Restore(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	loaded, err := q.store.LoadTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("load tasks: %w", err)
	}

	var fx effects

	q.mu.Lock()
	now := q.clock.Now()
	var pending []*models.AdminTask
	for _, t := range loaded {
		if _, exists := q.tasks[t.ID]; exists {
			continue
		}
		t = t.Clone()
		q.tasks[t.ID] = t
		if t.Sequence > q.seq {
			q.seq = t.Sequence
		}
		if t.Status.IsTerminal() {
			continue
		}
		if t.Status == models.TaskStatusInProgress {
			t.Status = models.TaskStatusPending
			t.StartedAt = nil
			t.UpdatedAt = now
			t.Version++
			fx.save(t)
		}
		pending = append(pending, t)
	}
	for _, t := range pending {
		q.placeLocked(t, now)
	}
	q.sweepLocked(now, &fx)
	q.mu.Unlock()

	q.flush(ctx, &fx)
	q.signal()
	return len(pending), nil
}

type pendingEvent struct {
	eventType string
	payload   events.TaskEventPayload
}

// effects collects side effects produced under the lock so they can be
// applied after it is released.
type effects struct {
	saves  []*models.AdminTask
	events []pendingEvent
	wake   bool
}

func (fx *effects) save(t *models.AdminTask) {
	fx.saves = append(fx.saves, t.Clone())
}

func (fx *effects) emit(eventType string, t *models.AdminTask) {
	finished := t.UpdatedAt
	if t.CompletedAt != nil {
		finished = *t.CompletedAt
	}
	fx.events = append(fx.events, pendingEvent{
		eventType: eventType,
		payload: events.TaskEventPayload{
			TaskID:     t.ID,
			Name:       t.Name,
			Type:       t.Type,
			Priority:   t.Priority.String(),
			Status:     string(t.Status),
			RetryCount: t.RetryCount,
			Attempts:   t.Attempts(),
			Error:      t.LastError(),
			FinishedAt: finished,
		},
	})
}

func (q *TaskQueue) flush(ctx context.Context, fx *effects) {
	if q.store != nil {
		ctx = context.WithoutCancel(ctx)
		for _, t := range fx.saves {
			if err := q.store.SaveTask(ctx, t); err != nil {
				q.logger.Error().Err(err).Str("task_id", t.ID).Msg("persist task snapshot failed")
			}
		}
	}
	if q.publisher != nil {
		for _, ev := range fx.events {
			if err := q.publisher.PublishJSON(ev.eventType, ev.payload); err != nil {
				q.logger.Warn().Err(err).Str("event_type", ev.eventType).Msg("publish task event failed")
			}
		}
	}
	if fx.wake {
		q.signal()
	}
}
