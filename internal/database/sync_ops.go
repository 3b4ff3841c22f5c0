package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"adminops/internal/apperr"
	"adminops/internal/models"
)

// SaveSyncOperation stores the operation together with its outcome log.
// The log is replaced as a whole.
func (db *DB) SaveSyncOperation(ctx context.Context, op *models.SyncOperation) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO sync_operations (id, source_id, target_id, sync_type, status, task_id, attempts,
            applied_count, failed_count, skipped_count, conflict_count, error, created_at, started_at, finished_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            status = excluded.status,
            task_id = excluded.task_id,
            attempts = excluded.attempts,
            applied_count = excluded.applied_count,
            failed_count = excluded.failed_count,
            skipped_count = excluded.skipped_count,
            conflict_count = excluded.conflict_count,
            error = excluded.error,
            started_at = excluded.started_at,
            finished_at = excluded.finished_at
    `,
		op.ID,
		op.SourceID,
		op.TargetID,
		string(op.SyncType),
		string(op.Status),
		nullString(op.TaskID),
		op.Attempts,
		op.AppliedCount,
		op.FailedCount,
		op.SkippedCount,
		op.ConflictCount,
		nullString(op.Error),
		op.CreatedAt.UTC(),
		nullTime(op.StartedAt),
		nullTime(op.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("save sync operation %s: %w", op.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_outcomes WHERE operation_id = ?`, op.ID); err != nil {
		return fmt.Errorf("clear outcomes of %s: %w", op.ID, err)
	}
	if len(op.Outcomes) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
            INSERT INTO sync_outcomes (operation_id, seq, record_id, action, direction, conflict, resolution, error)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        `)
		if err != nil {
			return fmt.Errorf("prepare outcomes: %w", err)
		}
		defer stmt.Close()

		for i, o := range op.Outcomes {
			_, err := stmt.ExecContext(ctx,
				op.ID,
				i,
				o.RecordID,
				o.Action,
				nullString(o.Direction),
				o.Conflict,
				nullString(o.Resolution),
				nullString(o.Error),
			)
			if err != nil {
				return fmt.Errorf("save outcome %s/%s: %w", op.ID, o.RecordID, err)
			}
		}
	}

	return tx.Commit()
}

// GetSyncOperation returns the stored operation with its outcome log.
func (db *DB) GetSyncOperation(ctx context.Context, id string) (*models.SyncOperation, error) {
	var (
		op                    models.SyncOperation
		syncType, status      string
		taskID, opErr         sql.NullString
		startedAt, finishedAt sql.NullTime
	)
	err := db.QueryRowContext(ctx, `
        SELECT id, source_id, target_id, sync_type, status, task_id, attempts,
               applied_count, failed_count, skipped_count, conflict_count, error,
               created_at, started_at, finished_at
        FROM sync_operations WHERE id = ?
    `, id).Scan(
		&op.ID,
		&op.SourceID,
		&op.TargetID,
		&syncType,
		&status,
		&taskID,
		&op.Attempts,
		&op.AppliedCount,
		&op.FailedCount,
		&op.SkippedCount,
		&op.ConflictCount,
		&opErr,
		&op.CreatedAt,
		&startedAt,
		&finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync operation %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get sync operation %s: %w", id, err)
	}
	op.SyncType = models.SyncType(syncType)
	op.Status = models.SyncStatus(status)
	op.TaskID = taskID.String
	op.Error = opErr.String
	op.StartedAt = timePtr(startedAt)
	op.FinishedAt = timePtr(finishedAt)

	outcomes, err := db.syncOutcomes(ctx, id)
	if err != nil {
		return nil, err
	}
	op.Outcomes = outcomes
	return &op, nil
}

func (db *DB) syncOutcomes(ctx context.Context, id string) ([]models.RecordOutcome, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT record_id, action, direction, conflict, resolution, error
        FROM sync_outcomes WHERE operation_id = ? ORDER BY seq
    `, id)
	if err != nil {
		return nil, fmt.Errorf("load outcomes of %s: %w", id, err)
	}
	defer rows.Close()

	var outcomes []models.RecordOutcome
	for rows.Next() {
		var (
			o                               models.RecordOutcome
			direction, resolution, recError sql.NullString
		)
		if err := rows.Scan(&o.RecordID, &o.Action, &direction, &o.Conflict, &resolution, &recError); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Direction = direction.String
		o.Resolution = resolution.String
		o.Error = recError.String
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}
