// Package ticker runs a function on a fixed interval until its context ends.
package ticker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

// Func is invoked once per tick with the tick time.
type Func func(ctx context.Context, now time.Time)

// Scheduler calls fn right away and then on every tick. A panic inside fn is
// logged and the loop keeps going.
type Scheduler struct {
	name     string
	interval time.Duration
	fn       Func
	clock    clock.WithTicker
	logger   *zerolog.Logger
}

func New(name string, interval time.Duration, fn Func, c clock.WithTicker, logger *zerolog.Logger) *Scheduler {
	if c == nil {
		c = clock.RealClock{}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Scheduler{name: name, interval: interval, fn: fn, clock: c, logger: logger}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("ticker %s: interval must be positive", s.name)
	}

	t := s.clock.NewTicker(s.interval)
	defer t.Stop()

	s.logger.Debug().Str("ticker", s.name).Dur("interval", s.interval).Msg("ticker started")
	s.tick(ctx, s.clock.Now())

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug().Str("ticker", s.name).Msg("ticker stopped")
			return nil
		case now := <-t.C():
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("ticker", s.name).Interface("panic", r).Msg("tick panicked")
		}
	}()
	if ctx.Err() != nil {
		return
	}
	s.fn(ctx, now)
}
