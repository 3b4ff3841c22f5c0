package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"adminops/internal/apperr"
	"adminops/internal/domain"
	"adminops/internal/models"
	"adminops/internal/worker"

	"golang.org/x/sync/errgroup"
)

type syncResult struct {
	OperationID string `json:"operation_id"`
	Applied     int    `json:"applied"`
	Skipped     int    `json:"skipped"`
	Conflicts   int    `json:"conflicts"`
}

type pendingWrite struct {
	record  models.Record
	outcome models.RecordOutcome
}

// Execute runs one attempt of a system_sync task.
func (c *Coordinator) Execute(ctx context.Context, tc *worker.TaskContext) ([]byte, error) {
	var p taskPayload
	if err := json.Unmarshal(tc.Task.Payload, &p); err != nil || p.OperationID == "" {
		return nil, apperr.Terminal(apperr.Validationf("sync task %s has no operation id", tc.Task.ID))
	}
	op, err := c.begin(ctx, p.OperationID)
	if err != nil {
		return nil, apperr.Terminal(err)
	}

	logger := c.logger.With().
		Str("operation_id", op.ID).
		Str("source_id", op.SourceID).
		Str("target_id", op.TargetID).
		Int("attempt", op.Attempts).
		Logger()

	source, err := c.systems.Connector(op.SourceID)
	if err != nil {
		c.finish(ctx, op.ID, models.SyncStatusFailed, err.Error())
		return nil, apperr.Terminal(err)
	}
	target, err := c.systems.Connector(op.TargetID)
	if err != nil {
		c.finish(ctx, op.ID, models.SyncStatusFailed, err.Error())
		return nil, apperr.Terminal(err)
	}

	key := models.DirectedKey(op.SourceID, op.TargetID)
	var since time.Time
	if op.SyncType == models.SyncTypeIncremental {
		at, ok, err := c.checkpoints.GetCheckpoint(ctx, key)
		if err != nil {
			return nil, apperr.Transient(fmt.Errorf("load checkpoint %s: %w", key, err))
		}
		if ok {
			since = at
		}
	}
	startedAt := c.clock.Now()

	sourceRecords, targetRecords, err := c.fetch(ctx, source, target, since)
	if err != nil {
		logger.Warn().Err(err).Msg("fetch changes failed")
		return nil, err
	}
	logger.Debug().
		Int("source_changes", len(sourceRecords)).
		Int("target_changes", len(targetRecords)).
		Time("since", since).
		Msg("changes fetched")

	outcomes, writes := c.plan(op, sourceRecords, targetRecords, since)
	c.record(op.ID, outcomes)

	for start := 0; start < len(writes); start += c.cfg.BatchSize {
		if err := tc.Checkpoint(ctx); err != nil {
			logger.Info().Err(err).Int("written", start).Msg("sync interrupted")
			return nil, err
		}

		end := min(start+c.cfg.BatchSize, len(writes))
		batch := writes[start:end]
		if err := c.limiter.WaitN(ctx, len(batch)); err != nil {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			return nil, apperr.Transient(fmt.Errorf("apply throttle: %w", err))
		}

		outcomes = append(outcomes, c.apply(ctx, target, batch)...)
		c.record(op.ID, outcomes)
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		_ = tc.ReportProgress(end * 100 / len(writes))
	}

	failed := 0
	for _, o := range outcomes {
		if o.Action == models.OutcomeFailed {
			failed++
		}
	}

	if failed > 0 {
		reason := fmt.Sprintf("%d of %d records failed", failed, len(outcomes))
		c.finish(ctx, op.ID, models.SyncStatusFailed, reason)
		return nil, apperr.Terminal(errors.New(reason))
	}

	if err := c.checkpoints.SetCheckpoint(ctx, key, startedAt); err != nil {
		logger.Error().Err(err).Msg("advance checkpoint")
	}
	now := c.clock.Now()
	for _, id := range []string{op.SourceID, op.TargetID} {
		if err := c.systems.MarkSynced(id, now); err != nil {
			logger.Warn().Err(err).Str("system_id", id).Msg("mark synced")
		}
	}

	snapshot, _ := c.finish(ctx, op.ID, models.SyncStatusCompleted, "")
	res := syncResult{OperationID: op.ID}
	if snapshot != nil {
		res.Applied = snapshot.AppliedCount
		res.Skipped = snapshot.SkippedCount
		res.Conflicts = snapshot.ConflictCount
	}
	return json.Marshal(res)
}

// fetch reads changes from both sides concurrently, bounded by the fetch
// timeout. Connector errors are transient.
func (c *Coordinator) fetch(ctx context.Context, source, target domain.Connector, since time.Time) ([]models.Record, []models.Record, error) {
	fctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	var sourceRecords, targetRecords []models.Record
	g, gctx := errgroup.WithContext(fctx)
	g.Go(func() error {
		recs, err := source.FetchChanges(gctx, since)
		if err != nil {
			return fmt.Errorf("fetch source changes: %w", err)
		}
		sourceRecords = recs
		return nil
	})
	g.Go(func() error {
		recs, err := target.FetchChanges(gctx, since)
		if err != nil {
			return fmt.Errorf("fetch target changes: %w", err)
		}
		targetRecords = recs
		return nil
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, nil, context.Cause(ctx)
		}
		if !apperr.IsRetryable(err) {
			return nil, nil, err
		}
		if errors.Is(fctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", apperr.ErrTimeout, err)
		}
		return nil, nil, apperr.Transient(err)
	}
	return sourceRecords, targetRecords, nil
}

// plan decides what to do with every changed source record. Records that
// need no write get their outcome right away; the rest are returned as
// pending writes in source order.
func (c *Coordinator) plan(op *models.SyncOperation, sourceRecords, targetRecords []models.Record, since time.Time) ([]models.RecordOutcome, []pendingWrite) {
	index := make(map[string]models.Record, len(targetRecords))
	for _, r := range targetRecords {
		index[r.ID] = r
	}
	resolver := c.resolver(op.SourceID, op.TargetID)

	var outcomes []models.RecordOutcome
	var writes []pendingWrite
	for _, src := range sourceRecords {
		tgt, onTarget := index[src.ID]
		switch {
		case !onTarget:
			writes = append(writes, pendingWrite{
				record:  src,
				outcome: models.RecordOutcome{RecordID: src.ID, Direction: models.DirectionToTarget},
			})

		case src.SameContent(tgt):
			outcomes = append(outcomes, models.RecordOutcome{RecordID: src.ID, Action: models.OutcomeSkipped})

		case src.LastModified.After(since) && tgt.LastModified.After(since):
			res, err := resolver.Resolve(src, tgt)
			if err != nil {
				outcomes = append(outcomes, models.RecordOutcome{
					RecordID: src.ID,
					Action:   models.OutcomeFailed,
					Conflict: true,
					Error:    fmt.Sprintf("resolve conflict: %v", err),
				})
				continue
			}
			if res.Outcome == models.ResolutionTargetWins {
				outcomes = append(outcomes, models.RecordOutcome{
					RecordID:   src.ID,
					Action:     models.OutcomeSkipped,
					Conflict:   true,
					Resolution: res.Outcome,
				})
				continue
			}
			rec := res.Record
			rec.ID = src.ID
			writes = append(writes, pendingWrite{
				record: rec,
				outcome: models.RecordOutcome{
					RecordID:   src.ID,
					Direction:  models.DirectionToTarget,
					Conflict:   true,
					Resolution: res.Outcome,
				},
			})

		default:
			// only the source side changed since the checkpoint
			writes = append(writes, pendingWrite{
				record:  src,
				outcome: models.RecordOutcome{RecordID: src.ID, Direction: models.DirectionToTarget},
			})
		}
	}
	return outcomes, writes
}

// errNoOutcome marks a write the target neither confirmed nor rejected.
var errNoOutcome = errors.New("no outcome reported by target")

// apply writes one batch to the target. Each record takes the connector's
// per-record answer when there is one; the others fail with the call error,
// or with errNoOutcome when the call itself succeeded.
func (c *Coordinator) apply(ctx context.Context, target domain.Connector, batch []pendingWrite) []models.RecordOutcome {
	records := make([]models.Record, len(batch))
	for i, w := range batch {
		records[i] = w.record
	}

	results, err := target.ApplyWrites(ctx, records)
	reported := make(map[string]error, len(results))
	for _, r := range results {
		reported[r.RecordID] = r.Err
	}

	out := make([]models.RecordOutcome, len(batch))
	for i, w := range batch {
		o := w.outcome
		recErr, ok := reported[w.record.ID]
		if !ok {
			recErr = err
			if recErr == nil {
				recErr = errNoOutcome
			}
		}
		if recErr != nil {
			o.Action = models.OutcomeFailed
			o.Error = recErr.Error()
		} else {
			o.Action = models.OutcomeApplied
		}
		out[i] = o
	}
	return out
}
