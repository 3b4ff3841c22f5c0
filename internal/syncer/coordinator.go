// Package syncer coordinates data synchronization between pairs of
// registered systems. Each sync runs as a system_sync task on the worker
// pool; the coordinator owns the SyncOperation record and the pair lock.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"adminops/internal/apperr"
	"adminops/internal/config"
	"adminops/internal/domain"
	"adminops/internal/events"
	"adminops/internal/metrics"
	"adminops/internal/models"
	"adminops/internal/repository"
	"adminops/internal/ticker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

// Systems is the view of the system registry the coordinator needs.
type Systems interface {
	Get(id string) (models.SystemConnection, error)
	GetByName(name string) (models.SystemConnection, error)
	Connector(id string) (domain.Connector, error)
	MarkSynced(id string, at time.Time) error
}

type Option func(*Coordinator)

func WithStore(s domain.SyncStore) Option {
	return func(c *Coordinator) { c.store = s }
}

func WithCheckpoints(r domain.CheckpointRepository) Option {
	return func(c *Coordinator) { c.checkpoints = r }
}

func WithPublisher(p domain.EventPublisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

func WithClock(cl clock.WithTicker) Option {
	return func(c *Coordinator) { c.clock = cl }
}

func WithLogger(l *zerolog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMaxRetries sets max_retries on submitted sync tasks.
func WithMaxRetries(n int) Option {
	return func(c *Coordinator) { c.maxRetries = n }
}

// SyncOption adjusts a single Sync request.
type SyncOption func(*syncRequest)

type syncRequest struct {
	priority     models.Priority
	dependencies []string
}

// WithPriority overrides the default Normal priority of the sync task.
func WithPriority(p models.Priority) SyncOption {
	return func(r *syncRequest) { r.priority = p }
}

// WithDependencies makes the sync task wait for other tasks.
func WithDependencies(ids ...string) SyncOption {
	return func(r *syncRequest) { r.dependencies = append(r.dependencies, ids...) }
}

type taskPayload struct {
	OperationID string `json:"operation_id"`
}

type Coordinator struct {
	cfg         config.SyncConfig
	systems     Systems
	submitter   domain.TaskSubmitter
	store       domain.SyncStore
	checkpoints domain.CheckpointRepository
	publisher   domain.EventPublisher
	clock       clock.WithTicker
	logger      *zerolog.Logger
	limiter     *rate.Limiter
	maxRetries  int

	mu        sync.Mutex
	ops       map[string]*models.SyncOperation
	byTask    map[string]string
	active    map[string]string
	resolvers map[string]Resolver
	scheduled map[string]time.Time
}

func NewCoordinator(cfg config.SyncConfig, systems Systems, submitter domain.TaskSubmitter, opts ...Option) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = models.DefaultSyncBatchSize
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = models.DefaultSyncFetchTimeout
	}
	if cfg.Tick <= 0 {
		cfg.Tick = models.DefaultSyncTick
	}
	limit := rate.Inf
	if cfg.ApplyRPS > 0 {
		limit = rate.Limit(cfg.ApplyRPS)
	}

	nop := zerolog.Nop()
	c := &Coordinator{
		cfg:        cfg,
		systems:    systems,
		submitter:  submitter,
		clock:      clock.RealClock{},
		logger:     &nop,
		limiter:    rate.NewLimiter(limit, cfg.BatchSize),
		maxRetries: models.DefaultMaxRetries,
		ops:        make(map[string]*models.SyncOperation),
		byTask:     make(map[string]string),
		active:     make(map[string]string),
		resolvers:  make(map[string]Resolver),
		scheduled:  make(map[string]time.Time),
	}
	c.checkpoints = repository.NewMemoryCheckpointRepository()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sync starts a sync from source to target. It fails with ErrUnknownSystem
// when either system is missing and with ErrSyncInProgress when the pair
// already has an active operation in either direction.
func (c *Coordinator) Sync(ctx context.Context, sourceID, targetID string, syncType models.SyncType, opts ...SyncOption) (string, error) {
	if !syncType.Valid() {
		return "", apperr.Validationf("unknown sync type %q", syncType)
	}
	if sourceID == targetID {
		return "", apperr.Validationf("source and target must differ")
	}
	source, err := c.systems.Get(sourceID)
	if err != nil {
		return "", err
	}
	target, err := c.systems.Get(targetID)
	if err != nil {
		return "", err
	}

	req := syncRequest{priority: models.PriorityNormal}
	for _, opt := range opts {
		opt(&req)
	}

	pair := models.PairKey(sourceID, targetID)
	op := &models.SyncOperation{
		ID:        uuid.NewString(),
		SourceID:  sourceID,
		TargetID:  targetID,
		SyncType:  syncType,
		Status:    models.SyncStatusPending,
		TaskID:    uuid.NewString(),
		CreatedAt: c.clock.Now(),
	}

	payload, err := json.Marshal(taskPayload{OperationID: op.ID})
	if err != nil {
		return "", fmt.Errorf("marshal sync payload: %w", err)
	}

	c.mu.Lock()
	if existing, busy := c.active[pair]; busy {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %s <-> %s (operation %s)", apperr.ErrSyncInProgress, source.Name, target.Name, existing)
	}
	c.active[pair] = op.ID
	c.ops[op.ID] = op
	c.byTask[op.TaskID] = op.ID
	snapshot := op.Clone()
	c.mu.Unlock()

	c.persist(ctx, snapshot)

	task := &models.AdminTask{
		ID:           op.TaskID,
		Name:         fmt.Sprintf("sync %s -> %s (%s)", source.Name, target.Name, syncType),
		Type:         models.TaskTypeSystemSync,
		Priority:     req.priority,
		MaxRetries:   c.maxRetries,
		Dependencies: req.dependencies,
		Payload:      payload,
	}
	if _, err := c.submitter.Enqueue(ctx, task); err != nil {
		c.mu.Lock()
		delete(c.ops, op.ID)
		delete(c.byTask, op.TaskID)
		delete(c.active, pair)
		c.mu.Unlock()

		err = fmt.Errorf("submit sync task: %w", err)
		// запись уже сохранена как Pending, закрываем её
		finished := c.clock.Now()
		snapshot.Status = models.SyncStatusFailed
		snapshot.Error = err.Error()
		snapshot.FinishedAt = &finished
		c.persist(ctx, snapshot)
		return "", err
	}

	c.logger.Info().
		Str("operation_id", op.ID).
		Str("source", source.Name).
		Str("target", target.Name).
		Str("sync_type", string(syncType)).
		Msg("sync submitted")
	return op.ID, nil
}

// RegisterResolver overrides last-write-wins for the pair {a, b}.
func (c *Coordinator) RegisterResolver(a, b string, r Resolver) error {
	if a == b {
		return apperr.Validationf("resolver pair must name two systems")
	}
	if r == nil {
		return apperr.Validationf("resolver is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolvers[models.PairKey(a, b)] = r
	return nil
}

func (c *Coordinator) resolver(a, b string) Resolver {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.resolvers[models.PairKey(a, b)]; ok {
		return r
	}
	return LastWriteWins
}

// Get returns a snapshot of the operation. Operations not held in memory are
// looked up in the store.
func (c *Coordinator) Get(ctx context.Context, id string) (*models.SyncOperation, error) {
	c.mu.Lock()
	op, ok := c.ops[id]
	var snapshot *models.SyncOperation
	if ok {
		snapshot = op.Clone()
	}
	c.mu.Unlock()
	if ok {
		return snapshot, nil
	}
	if c.store != nil {
		return c.store.GetSyncOperation(ctx, id)
	}
	return nil, fmt.Errorf("sync operation %s: %w", id, apperr.ErrNotFound)
}

// List returns snapshots of every operation, oldest first.
func (c *Coordinator) List() []*models.SyncOperation {
	c.mu.Lock()
	out := make([]*models.SyncOperation, 0, len(c.ops))
	for _, op := range c.ops {
		out = append(out, op.Clone())
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Active returns the operations that have not reached a terminal state.
func (c *Coordinator) Active() []*models.SyncOperation {
	var out []*models.SyncOperation
	for _, op := range c.List() {
		if !op.Status.IsTerminal() {
			out = append(out, op)
		}
	}
	return out
}

// Subscribe finalizes operations whose task failed or was cancelled before
// the handler could record an outcome.
func (c *Coordinator) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventTaskFailed, c.onTaskEnded)
	bus.Subscribe(events.EventTaskCancelled, c.onTaskEnded)
}

func (c *Coordinator) onTaskEnded(event *events.Event) error {
	var p events.TaskEventPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return fmt.Errorf("decode task event: %w", err)
	}
	if p.Type != models.TaskTypeSystemSync {
		return nil
	}

	c.mu.Lock()
	opID, ok := c.byTask[p.TaskID]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	reason := p.Error
	if event.Type == events.EventTaskCancelled {
		reason = "sync task cancelled"
	}
	if reason == "" {
		reason = "sync task " + p.Status
	}
	c.finish(context.Background(), opID, models.SyncStatusFailed, reason)
	return nil
}

// begin moves an operation to Running for a new attempt.
func (c *Coordinator) begin(ctx context.Context, id string) (*models.SyncOperation, error) {
	if err := c.adopt(ctx, id); err != nil {
		return nil, err
	}

	c.mu.Lock()
	op, ok := c.ops[id]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("sync operation %s: %w", id, apperr.ErrNotFound)
	}
	if op.Status.IsTerminal() {
		c.mu.Unlock()
		return nil, fmt.Errorf("sync operation %s already %s", id, op.Status)
	}
	now := c.clock.Now()
	op.Status = models.SyncStatusRunning
	op.Attempts++
	if op.StartedAt == nil {
		op.StartedAt = &now
	}
	op.Error = ""
	snapshot := op.Clone()
	c.mu.Unlock()

	c.persist(ctx, snapshot)
	return snapshot, nil
}

// adopt loads an operation that is not held in memory, as happens when its
// task was restored after a restart, and claims its pair again.
func (c *Coordinator) adopt(ctx context.Context, id string) error {
	c.mu.Lock()
	_, known := c.ops[id]
	c.mu.Unlock()
	if known || c.store == nil {
		return nil
	}

	op, err := c.store.GetSyncOperation(ctx, id)
	if err != nil {
		return err
	}
	if op.Status.IsTerminal() {
		return fmt.Errorf("sync operation %s already %s", id, op.Status)
	}

	pair := models.PairKey(op.SourceID, op.TargetID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, known := c.ops[id]; known {
		return nil
	}
	if existing, busy := c.active[pair]; busy {
		return fmt.Errorf("%w: operation %s holds the pair", apperr.ErrSyncInProgress, existing)
	}
	c.active[pair] = op.ID
	c.ops[op.ID] = op
	c.byTask[op.TaskID] = op.ID
	c.logger.Info().Str("operation_id", op.ID).Msg("sync operation resumed")
	return nil
}

// record replaces the outcome log and counters of a running operation.
func (c *Coordinator) record(id string, outcomes []models.RecordOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.ops[id]
	if !ok || op.Status.IsTerminal() {
		return
	}
	op.Outcomes = append([]models.RecordOutcome(nil), outcomes...)
	op.AppliedCount, op.FailedCount, op.SkippedCount, op.ConflictCount = 0, 0, 0, 0
	for _, o := range outcomes {
		switch o.Action {
		case models.OutcomeApplied:
			op.AppliedCount++
		case models.OutcomeFailed:
			op.FailedCount++
		case models.OutcomeSkipped:
			op.SkippedCount++
		}
		if o.Conflict {
			op.ConflictCount++
		}
	}
}

// finish moves an operation into a terminal state and releases the pair.
// Only the first call has an effect.
func (c *Coordinator) finish(ctx context.Context, id string, status models.SyncStatus, reason string) (*models.SyncOperation, bool) {
	c.mu.Lock()
	op, ok := c.ops[id]
	if !ok || op.Status.IsTerminal() {
		c.mu.Unlock()
		return nil, false
	}
	now := c.clock.Now()
	op.Status = status
	op.Error = reason
	op.FinishedAt = &now
	pair := models.PairKey(op.SourceID, op.TargetID)
	if c.active[pair] == id {
		delete(c.active, pair)
	}
	snapshot := op.Clone()
	c.mu.Unlock()

	c.persist(ctx, snapshot)
	metrics.ObserveSync(string(snapshot.SyncType), string(status),
		snapshot.AppliedCount, snapshot.FailedCount, snapshot.SkippedCount, snapshot.ConflictCount)

	eventType := events.EventSyncCompleted
	if status == models.SyncStatusFailed {
		eventType = events.EventSyncFailed
	}
	c.publish(eventType, snapshot)

	c.logger.Info().
		Str("operation_id", id).
		Str("status", string(status)).
		Int("applied", snapshot.AppliedCount).
		Int("failed", snapshot.FailedCount).
		Int("conflicts", snapshot.ConflictCount).
		Str("error", reason).
		Msg("sync finished")
	return snapshot, true
}

func (c *Coordinator) persist(ctx context.Context, op *models.SyncOperation) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveSyncOperation(context.WithoutCancel(ctx), op); err != nil {
		c.logger.Error().Err(err).Str("operation_id", op.ID).Msg("persist sync operation")
	}
}

func (c *Coordinator) publish(eventType string, op *models.SyncOperation) {
	if c.publisher == nil {
		return
	}
	payload := events.SyncEventPayload{
		OperationID: op.ID,
		SourceID:    op.SourceID,
		TargetID:    op.TargetID,
		SyncType:    string(op.SyncType),
		Status:      string(op.Status),
		Applied:     op.AppliedCount,
		Failed:      op.FailedCount,
		Skipped:     op.SkippedCount,
		Conflicts:   op.ConflictCount,
		Error:       op.Error,
		TaskID:      op.TaskID,
	}
	if op.StartedAt != nil && op.FinishedAt != nil {
		payload.DurationMilli = op.FinishedAt.Sub(*op.StartedAt).Milliseconds()
	}
	if err := c.publisher.PublishJSON(eventType, payload); err != nil {
		c.logger.Warn().Err(err).Str("event_type", eventType).Msg("publish sync event")
	}
}

// Run drives ScheduleDue on the configured tick until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	return ticker.New("sync", c.cfg.Tick, func(ctx context.Context, now time.Time) {
		c.ScheduleDue(ctx, now)
	}, c.clock, c.logger).Run(ctx)
}

// ScheduleDue submits syncs for configured pairs whose frequency elapsed.
// It returns the ids of the submitted operations.
func (c *Coordinator) ScheduleDue(ctx context.Context, now time.Time) []string {
	var submitted []string
	for _, pair := range c.cfg.Pairs {
		source, err := c.systems.GetByName(pair.Source)
		if err != nil {
			c.logger.Warn().Err(err).Str("source", pair.Source).Msg("scheduled sync skipped")
			continue
		}
		target, err := c.systems.GetByName(pair.Target)
		if err != nil {
			c.logger.Warn().Err(err).Str("target", pair.Target).Msg("scheduled sync skipped")
			continue
		}

		every := pair.Frequency
		if every <= 0 {
			every = source.SyncFrequency
		}
		if every <= 0 {
			continue
		}

		key := models.DirectedKey(source.ID, target.ID)
		c.mu.Lock()
		last, seen := c.scheduled[key]
		c.mu.Unlock()
		if seen && now.Sub(last) < every {
			continue
		}

		priority, err := models.ParsePriority(pair.Priority)
		if err != nil {
			priority = models.PriorityNormal
		}
		syncType := models.SyncType(pair.Type)
		if syncType == "" {
			syncType = models.SyncTypeIncremental
		}

		id, err := c.Sync(ctx, source.ID, target.ID, syncType, WithPriority(priority))
		if err != nil {
			c.logger.Debug().Err(err).Str("source", source.Name).Str("target", target.Name).Msg("scheduled sync not submitted")
			continue
		}
		c.mu.Lock()
		c.scheduled[key] = now
		c.mu.Unlock()
		submitted = append(submitted, id)
	}
	return submitted
}
