package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"adminops/internal/events"
	"adminops/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	deadLetterKey = "adminops:dead_letter"
	alertsKey     = "adminops:alerts"
)

// RedisSink mirrors engine output into redis lists: failed tasks, alerts and
// a capped event journal.
type RedisSink struct {
	client    *redis.Client
	eventsKey string
	maxEvents int64
	timeout   time.Duration
}

func NewRedisSink(client *redis.Client, eventsKey string, maxEvents int64) *RedisSink {
	return &RedisSink{
		client:    client,
		eventsKey: eventsKey,
		maxEvents: maxEvents,
		timeout:   5 * time.Second,
	}
}

// PushDeadLetter stores a snapshot of a task that ended Failed.
func (s *RedisSink) PushDeadLetter(ctx context.Context, task *models.AdminTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := s.client.LPush(ctx, deadLetterKey, data).Err(); err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

func (s *RedisSink) NotifyAlert(ctx context.Context, alert []byte) error {
	if err := s.client.LPush(ctx, alertsKey, alert).Err(); err != nil {
		return fmt.Errorf("failed to push alert: %w", err)
	}
	return nil
}

// RecordEvent appends an event to the journal and trims it to maxEvents.
// It has the shape of an events.EventHandler.
func (s *RedisSink) RecordEvent(event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.eventsKey, data)
	if s.maxEvents > 0 {
		pipe.LTrim(ctx, s.eventsKey, 0, s.maxEvents-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// DeadLetters returns up to limit dead-lettered tasks, newest first.
func (s *RedisSink) DeadLetters(ctx context.Context, limit int64) ([]*models.AdminTask, error) {
	vals, err := s.client.LRange(ctx, deadLetterKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	out := make([]*models.AdminTask, 0, len(vals))
	for _, v := range vals {
		var task models.AdminTask
		if err := json.Unmarshal([]byte(v), &task); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		out = append(out, &task)
	}
	return out, nil
}
