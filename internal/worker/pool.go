package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"adminops/internal/apperr"
	"adminops/internal/domain"
	"adminops/internal/metrics"
	"adminops/internal/models"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

// TaskSource is the part of the task queue the pool drives.
type TaskSource interface {
	DequeueReady() (*models.AdminTask, bool)
	Notify() <-chan struct{}
	Wake()
	Get(id string) (*models.AdminTask, error)
	Bind(id string, cancel context.CancelCauseFunc) error
	Complete(id string, result []byte) error
	Retry(id string, failure models.TaskError, delay time.Duration) error
	Fail(id string, failure models.TaskError) error
	MarkCancelled(id string) error
	Requeue(id string) error
	UpdateProgress(id string, pct int) error
}

// handlerGrace is how long a handler may keep running after its context is
// done before the worker abandons it.
const handlerGrace = time.Second

// Execution outcomes used as metric labels.
const (
	OutcomeCompleted   = "completed"
	OutcomeRetried     = "retried"
	OutcomeFailed      = "failed"
	OutcomeCancelled   = "cancelled"
	OutcomeRequeued    = "requeued"
	OutcomeUnknownType = "unknown_type"
)

// PoolConfig sizes the pool and bounds each execution.
type PoolConfig struct {
	Workers      int
	TaskTimeout  time.Duration
	PollInterval time.Duration
	Retry        RetryPolicy
}

type PoolOption func(*Pool)

// WithDeadLetter receives every task that ends Failed.
func WithDeadLetter(sink domain.DeadLetterSink) PoolOption {
	return func(p *Pool) { p.deadLetter = sink }
}

func WithPoolLogger(l *zerolog.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithPoolClock(c clock.PassiveClock) PoolOption {
	return func(p *Pool) { p.clock = c }
}

// Pool runs a fixed number of workers that claim ready tasks and execute
// them through the handler registry. No queue lock is held while a handler
// runs; only claims and status changes go through the queue.
type Pool struct {
	source     TaskSource
	registry   *Registry
	cfg        PoolConfig
	deadLetter domain.DeadLetterSink
	logger     *zerolog.Logger
	clock      clock.PassiveClock

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewPool(source TaskSource, registry *Registry, cfg PoolConfig, opts ...PoolOption) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = models.DefaultWorkerCount
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = models.DefaultTaskTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = models.DefaultPollInterval
	}
	if registry == nil {
		registry = NewRegistry()
	}
	nop := zerolog.Nop()
	p := &Pool{
		source:   source,
		registry: registry,
		cfg:      cfg,
		logger:   &nop,
		clock:    clock.RealClock{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds a handler for a task type. Duplicates are rejected.
func (p *Pool) Register(taskType string, h Handler) error {
	return p.registry.Register(taskType, h)
}

// Start launches the workers. They stop when ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("worker pool already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
	p.logger.Info().Int("workers", p.cfg.Workers).Strs("types", p.registry.Types()).Msg("worker pool started")
	return nil
}

// Stop cancels the workers and waits for them. Tasks interrupted by the stop
// go back to Pending.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
}

// Run starts the pool and blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	p.Stop()
	return nil
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With().Int("worker", id).Logger()
	logger.Debug().Msg("worker started")
	defer logger.Debug().Msg("worker stopped")

	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if p.processNext(ctx) {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.cfg.PollInterval)

		select {
		case <-ctx.Done():
			return
		case <-p.source.Notify():
		case <-timer.C:
		}
	}
}

// processNext claims and executes a single task. It reports whether a task
// was claimed.
func (p *Pool) processNext(ctx context.Context) bool {
	task, ok := p.source.DequeueReady()
	if !ok {
		return false
	}
	// more work may be ready; let another idle worker look
	p.source.Wake()
	p.execute(ctx, task)
	return true
}

type execResult struct {
	result []byte
	err    error
}

func (p *Pool) execute(ctx context.Context, task *models.AdminTask) {
	logger := p.logger.With().Str("task_id", task.ID).Str("type", task.Type).Logger()
	attempt := task.Attempts() + 1

	handler, ok := p.registry.Lookup(task.Type)
	if !ok {
		failure := models.TaskError{
			Attempt: attempt,
			Kind:    apperr.KindUnknownTaskType,
			Message: fmt.Sprintf("%s: %s", apperr.ErrUnknownTaskType, task.Type),
			At:      p.clock.Now(),
		}
		logger.Error().Msg("no handler registered for task type")
		p.fail(ctx, task.ID, failure)
		metrics.ObserveTask(task.Type, OutcomeUnknownType, 0)
		return
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = p.cfg.TaskTimeout
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if err := p.source.Bind(task.ID, cancel); err != nil {
		logger.Warn().Err(err).Msg("bind cancellation failed")
	}
	execCtx, cancelTimeout := context.WithTimeoutCause(runCtx, timeout, apperr.ErrTimeout)
	defer cancelTimeout()

	tc := &TaskContext{
		Task: task,
		progress: func(pct int) error {
			return p.source.UpdateProgress(task.ID, pct)
		},
	}

	metrics.WorkerBusy()
	defer metrics.WorkerIdle()

	started := p.clock.Now()
	logger.Debug().Int("attempt", attempt).Msg("task started")

	done := make(chan execResult, 1)
	go func() {
		res, err := p.safeExecute(execCtx, handler, tc)
		done <- execResult{result: res, err: err}
	}()

	var res execResult
	select {
	case res = <-done:
	case <-execCtx.Done():
		// give a cooperative handler the chance to return on its own
		grace := time.NewTimer(handlerGrace)
		select {
		case res = <-done:
			grace.Stop()
		case <-grace.C:
			logger.Warn().Err(context.Cause(execCtx)).Msg("handler did not return after cancellation, abandoning it")
			res = execResult{err: context.Cause(execCtx)}
		}
	}
	elapsed := p.clock.Since(started)

	switch {
	case res.err == nil:
		if err := p.source.Complete(task.ID, res.result); err != nil {
			logger.Error().Err(err).Msg("mark task completed failed")
		}
		metrics.ObserveTask(task.Type, OutcomeCompleted, elapsed)
		logger.Info().Dur("duration", elapsed).Msg("task completed")

	case errors.Is(context.Cause(runCtx), apperr.ErrCancelled) || errors.Is(res.err, apperr.ErrCancelled):
		if err := p.source.MarkCancelled(task.ID); err != nil {
			logger.Error().Err(err).Msg("mark task cancelled failed")
		}
		metrics.ObserveTask(task.Type, OutcomeCancelled, elapsed)
		logger.Info().Msg("task cancelled")

	case ctx.Err() != nil:
		// the pool is stopping; the attempt did not run to completion
		if err := p.source.Requeue(task.ID); err != nil {
			logger.Error().Err(err).Msg("requeue interrupted task failed")
		}
		metrics.ObserveTask(task.Type, OutcomeRequeued, elapsed)
		logger.Info().Msg("task requeued on shutdown")

	default:
		err := res.err
		if errors.Is(context.Cause(execCtx), apperr.ErrTimeout) && !errors.Is(err, apperr.ErrTimeout) {
			err = fmt.Errorf("%w after %s: %v", apperr.ErrTimeout, timeout, err)
		}
		p.handleFailure(ctx, task, attempt, err, elapsed, &logger)
	}
}

func (p *Pool) handleFailure(ctx context.Context, task *models.AdminTask, attempt int, err error, elapsed time.Duration, logger *zerolog.Logger) {
	failure := models.TaskError{
		Attempt: attempt,
		Kind:    apperr.Kind(err),
		Message: err.Error(),
		At:      p.clock.Now(),
	}

	if apperr.IsRetryable(err) && task.RetryCount < task.MaxRetries {
		delay := p.cfg.Retry.NextDelay(task.RetryCount + 1)
		if rerr := p.source.Retry(task.ID, failure, delay); rerr != nil {
			logger.Error().Err(rerr).Msg("schedule retry failed")
			return
		}
		metrics.IncRetry(task.Type)
		metrics.ObserveTask(task.Type, OutcomeRetried, elapsed)
		logger.Warn().Err(err).
			Int("retry", task.RetryCount+1).
			Int("max_retries", task.MaxRetries).
			Dur("delay", delay).
			Msg("task failed, retry scheduled")
		return
	}

	p.fail(ctx, task.ID, failure)
	metrics.ObserveTask(task.Type, OutcomeFailed, elapsed)
	logger.Error().Err(err).Int("attempts", attempt).Msg("task failed")
}

func (p *Pool) fail(ctx context.Context, id string, failure models.TaskError) {
	if err := p.source.Fail(id, failure); err != nil {
		p.logger.Error().Err(err).Str("task_id", id).Msg("mark task failed failed")
		return
	}
	if p.deadLetter == nil {
		return
	}
	snapshot, err := p.source.Get(id)
	if err != nil {
		return
	}
	if err := p.deadLetter.PushDeadLetter(context.WithoutCancel(ctx), snapshot); err != nil {
		p.logger.Warn().Err(err).Str("task_id", id).Msg("dead-letter push failed")
	}
}

func (p *Pool) safeExecute(ctx context.Context, h Handler, tc *TaskContext) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.Terminal(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h.Execute(ctx, tc)
}
