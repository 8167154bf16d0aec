package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "workout-kv||"

// RedisStorage persists values as plain redis strings, no TTL. Snapshots
// accumulate for historical analytics and are never expired.
type RedisStorage struct {
	redisClient *redis.Client
}

func NewRedisStorage(redisClient *redis.Client) *RedisStorage {
	return &RedisStorage{
		redisClient: redisClient,
	}
}

func (s *RedisStorage) Get(ctx context.Context, key string) (string, error) {
	cmd := s.redisClient.Get(ctx, redisKeyPrefix+key)
	if err := cmd.Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("redis get %q: %w", key, err)
	}
	return cmd.Val(), nil
}

func (s *RedisStorage) Set(ctx context.Context, key, value string) error {
	if err := s.redisClient.Set(ctx, redisKeyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}
