package ratelimit

import (
	"context"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// RedisStore is a fixed-window counter shared across replicas, using
// INCR + EXPIRE on a per-(actor, resource) key.
type RedisStore struct {
	client *backend.Client
	limit  int
	window time.Duration
	prefix string
}

type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedis creates a store backed by a new Redis client.
func NewRedis(addr string, limit int, window time.Duration, opts ...RedisOption) *RedisStore {
	client := backend.NewClient(&backend.Options{Addr: addr})
	return NewRedisFromClient(client, limit, window, opts...)
}

// NewRedisFromClient creates a store from an existing client.
func NewRedisFromClient(client *backend.Client, limit int, window time.Duration, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		limit:  limit,
		window: window,
		prefix: "thorbis:ratelimit:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Allow(ctx context.Context, actorID, resource string) (bool, error) {
	if s.limit <= 0 {
		return true, nil
	}
	key := s.prefix + actorID + ":" + resource
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, s.window).Err(); err != nil {
			return false, fmt.Errorf("redis expire: %w", err)
		}
	}
	return count <= int64(s.limit), nil
}
