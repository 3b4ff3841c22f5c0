package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"adminops/internal/models"
)

const taskColumns = `id, name, type, priority, status, progress, retry_count, max_retries,
        next_retry_at, dependencies, timeout_ns, payload, result, errors, cancel_requested,
        sequence, version, created_at, updated_at, started_at, completed_at`

// SaveTask upserts a task snapshot. A snapshot older than the stored one
// (lower version) is ignored.
func (db *DB) SaveTask(ctx context.Context, task *models.AdminTask) error {
	deps, err := json.Marshal(nonNil(task.Dependencies))
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}
	errs, err := json.Marshal(nonNil(task.Errors))
	if err != nil {
		return fmt.Errorf("encode errors: %w", err)
	}

	query := `
        INSERT INTO tasks (` + taskColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            name = excluded.name,
            type = excluded.type,
            priority = excluded.priority,
            status = excluded.status,
            progress = excluded.progress,
            retry_count = excluded.retry_count,
            max_retries = excluded.max_retries,
            next_retry_at = excluded.next_retry_at,
            dependencies = excluded.dependencies,
            timeout_ns = excluded.timeout_ns,
            payload = excluded.payload,
            result = excluded.result,
            errors = excluded.errors,
            cancel_requested = excluded.cancel_requested,
            sequence = excluded.sequence,
            version = excluded.version,
            updated_at = excluded.updated_at,
            started_at = excluded.started_at,
            completed_at = excluded.completed_at
        WHERE excluded.version >= tasks.version
    `

	_, err = db.ExecContext(ctx, query,
		task.ID,
		task.Name,
		task.Type,
		int(task.Priority),
		string(task.Status),
		task.Progress,
		task.RetryCount,
		task.MaxRetries,
		nullTime(task.NextRetryAt),
		string(deps),
		int64(task.Timeout),
		nullJSON(task.Payload),
		nullJSON(task.Result),
		string(errs),
		task.CancelRequested,
		task.Sequence,
		task.Version,
		task.CreatedAt.UTC(),
		task.UpdatedAt.UTC(),
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

// LoadTasks returns every stored task in submission order.
func (db *DB) LoadTasks(ctx context.Context) ([]*models.AdminTask, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY sequence`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.AdminTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	db.logger.Debug().Int("count", len(tasks)).Msg("tasks loaded")
	return tasks, nil
}

// DeleteFinishedTasks drops terminal tasks completed before the cutoff that no
// remaining task depends on.
func (db *DB) DeleteFinishedTasks(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
        DELETE FROM tasks
        WHERE status IN (?, ?, ?)
          AND completed_at IS NOT NULL AND completed_at < ?
          AND NOT EXISTS (
              SELECT 1 FROM tasks AS t, json_each(t.dependencies) AS d
              WHERE d.value = tasks.id AND t.status NOT IN (?, ?, ?)
          )
    `,
		string(models.TaskStatusCompleted), string(models.TaskStatusFailed), string(models.TaskStatusCancelled),
		before.UTC(),
		string(models.TaskStatusCompleted), string(models.TaskStatusFailed), string(models.TaskStatusCancelled),
	)
	if err != nil {
		return 0, fmt.Errorf("delete finished tasks: %w", err)
	}
	return res.RowsAffected()
}

func scanTask(rows *sql.Rows) (*models.AdminTask, error) {
	var (
		t                                 models.AdminTask
		priority                          int
		status                            string
		deps, errs                        string
		timeout                           int64
		payload, result                   sql.NullString
		nextRetry, startedAt, completedAt sql.NullTime
	)
	err := rows.Scan(
		&t.ID,
		&t.Name,
		&t.Type,
		&priority,
		&status,
		&t.Progress,
		&t.RetryCount,
		&t.MaxRetries,
		&nextRetry,
		&deps,
		&timeout,
		&payload,
		&result,
		&errs,
		&t.CancelRequested,
		&t.Sequence,
		&t.Version,
		&t.CreatedAt,
		&t.UpdatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Priority = models.Priority(priority)
	t.Status = models.TaskStatus(status)
	t.Timeout = time.Duration(timeout)
	if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies of %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(errs), &t.Errors); err != nil {
		return nil, fmt.Errorf("decode errors of %s: %w", t.ID, err)
	}
	if len(t.Dependencies) == 0 {
		t.Dependencies = nil
	}
	if len(t.Errors) == 0 {
		t.Errors = nil
	}
	if payload.Valid {
		t.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.NextRetryAt = timePtr(nextRetry)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
