package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"adminops/internal/apperr"
	"adminops/internal/models"
)

// Handler executes one task type. Returned errors are classified with
// apperr.Transient / apperr.Terminal; unclassified errors are retried.
type Handler interface {
	Execute(ctx context.Context, tc *TaskContext) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, tc *TaskContext) ([]byte, error)

func (f HandlerFunc) Execute(ctx context.Context, tc *TaskContext) ([]byte, error) {
	return f(ctx, tc)
}

// TaskContext is what a handler sees of the task it runs.
type TaskContext struct {
	Task     *models.AdminTask
	progress func(pct int) error
}

// ReportProgress records progress in percent; values are clamped to 0..100.
func (tc *TaskContext) ReportProgress(pct int) error {
	if tc.progress == nil {
		return nil
	}
	return tc.progress(pct)
}

// Checkpoint returns a non-nil error once the task was cancelled or timed
// out. Handlers call it between units of work and return the error as is.
func (tc *TaskContext) Checkpoint(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}

// Registry maps task types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(taskType string, h Handler) error {
	if taskType == "" {
		return apperr.Validationf("task type is required")
	}
	if h == nil {
		return apperr.Validationf("handler for %s is nil", taskType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("%w: %s", apperr.ErrDuplicateHandler, taskType)
	}
	r.handlers[taskType] = h
	return nil
}

func (r *Registry) Lookup(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types lists registered task types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
