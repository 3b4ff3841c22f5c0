package domain

import (
	"context"
	"time"

	"adminops/internal/models"
)

// Connector is the capability the engine needs from an external system.
// Implementations live outside the engine.
type Connector interface {
	Probe(ctx context.Context) models.ProbeResult
	FetchChanges(ctx context.Context, since time.Time) ([]models.Record, error)
	ApplyWrites(ctx context.Context, records []models.Record) ([]models.WriteOutcome, error)
}

type TaskStore interface {
	SaveTask(ctx context.Context, task *models.AdminTask) error
	LoadTasks(ctx context.Context) ([]*models.AdminTask, error)
}

type SyncStore interface {
	SaveSyncOperation(ctx context.Context, op *models.SyncOperation) error
	GetSyncOperation(ctx context.Context, id string) (*models.SyncOperation, error)
}

// CheckpointRepository remembers when a directed sync pair last succeeded.
type CheckpointRepository interface {
	GetCheckpoint(ctx context.Context, key string) (time.Time, bool, error)
	SetCheckpoint(ctx context.Context, key string, at time.Time) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type TaskSubmitter interface {
	Enqueue(ctx context.Context, task *models.AdminTask) (string, error)
}

type DeadLetterSink interface {
	PushDeadLetter(ctx context.Context, task *models.AdminTask) error
}

type AlertNotifier interface {
	NotifyAlert(ctx context.Context, alert []byte) error
}
