package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryCheckpointRepository keeps sync checkpoints in process memory.
type MemoryCheckpointRepository struct {
	checkpoints sync.Map
}

func NewMemoryCheckpointRepository() *MemoryCheckpointRepository {
	return &MemoryCheckpointRepository{}
}

func (r *MemoryCheckpointRepository) GetCheckpoint(ctx context.Context, key string) (time.Time, bool, error) {
	val, ok := r.checkpoints.Load(key)
	if !ok {
		return time.Time{}, false, nil
	}
	return val.(time.Time), true, nil
}

func (r *MemoryCheckpointRepository) SetCheckpoint(ctx context.Context, key string, at time.Time) error {
	r.checkpoints.Store(key, at)
	return nil
}
