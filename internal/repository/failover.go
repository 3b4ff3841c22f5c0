package repository

import (
	"context"
	"sync"
	"time"

	"adminops/internal/domain"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

// recheckAfter is how long the primary stays bypassed after a failure.
const recheckAfter = time.Minute

// FailoverCheckpointRepository reads and writes the primary repository and
// switches to the fallback while the primary is failing.
type FailoverCheckpointRepository struct {
	primary  domain.CheckpointRepository
	fallback domain.CheckpointRepository
	logger   *zerolog.Logger
	clock    clock.PassiveClock

	mu       sync.Mutex
	down     bool
	downedAt time.Time
}

func NewFailoverCheckpointRepository(primary, fallback domain.CheckpointRepository, logger *zerolog.Logger, c clock.PassiveClock) *FailoverCheckpointRepository {
	if c == nil {
		c = clock.RealClock{}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverCheckpointRepository{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		clock:    c,
	}
}

// usePrimary reports whether the primary should be tried: it is up, or it
// has been down long enough to deserve another attempt.
func (r *FailoverCheckpointRepository) usePrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.down || r.clock.Since(r.downedAt) > recheckAfter
}

func (r *FailoverCheckpointRepository) markDown(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.down {
		r.logger.Error().Err(err).Msg("Primary checkpoint repository failed, falling back to memory")
	}
	r.down = true
	r.downedAt = r.clock.Now()
}

func (r *FailoverCheckpointRepository) markUp() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		r.logger.Info().Msg("Primary checkpoint repository recovered")
	}
	r.down = false
}

// IsDown reports whether calls currently go to the fallback.
func (r *FailoverCheckpointRepository) IsDown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.down
}

func (r *FailoverCheckpointRepository) GetCheckpoint(ctx context.Context, key string) (time.Time, bool, error) {
	if r.usePrimary() {
		at, ok, err := r.primary.GetCheckpoint(ctx, key)
		if err == nil {
			r.markUp()
			return at, ok, nil
		}
		r.markDown(err)
	}
	return r.fallback.GetCheckpoint(ctx, key)
}

func (r *FailoverCheckpointRepository) SetCheckpoint(ctx context.Context, key string, at time.Time) error {
	// the fallback always holds a copy so a later outage still sees it
	if err := r.fallback.SetCheckpoint(ctx, key, at); err != nil {
		return err
	}
	if r.usePrimary() {
		if err := r.primary.SetCheckpoint(ctx, key, at); err != nil {
			r.markDown(err)
			return nil
		}
		r.markUp()
	}
	return nil
}
