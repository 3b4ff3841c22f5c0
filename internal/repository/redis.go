package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"adminops/internal/config"

	"github.com/redis/go-redis/v9"
)

const checkpointPrefix = "adminops:checkpoint:"

type RedisCheckpointRepository struct {
	client *redis.Client
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisCheckpointRepository(client *redis.Client) *RedisCheckpointRepository {
	return &RedisCheckpointRepository{client: client}
}

func (r *RedisCheckpointRepository) GetCheckpoint(ctx context.Context, key string) (time.Time, bool, error) {
	if r.client == nil {
		return time.Time{}, false, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, checkpointPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get checkpoint from redis: %w", err)
	}

	at, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse checkpoint %q: %w", val, err)
	}
	return at, true, nil
}

// SetCheckpoint stores the time without expiry; checkpoints only move forward
// through successful syncs.
func (r *RedisCheckpointRepository) SetCheckpoint(ctx context.Context, key string, at time.Time) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Set(ctx, checkpointPrefix+key, at.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("failed to set checkpoint in redis: %w", err)
	}
	return nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
