// Package idempotency deduplicates retried create and vote requests. A
// client retrying a non-idempotent create against an at-least-once backend
// would otherwise duplicate data; claiming the request key first makes the
// retry return the originally created resource instead.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// NewKey generates a client-side idempotency key.
func NewKey() string {
	return uuid.NewString()
}

// RedisStore claims request keys with SetNX so exactly one of any set of
// concurrent retries wins.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "idem:"}, nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "idem:"}
}

// Claim binds key to resourceID unless another request already did. It
// returns the bound resource id and whether this caller won the claim.
func (s *RedisStore) Claim(ctx context.Context, key, resourceID string, ttl time.Duration) (string, bool, error) {
	redisKey := s.prefix + key
	won, err := s.client.SetNX(ctx, redisKey, resourceID, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if won {
		return resourceID, true, nil
	}
	existing, err := s.client.Get(ctx, redisKey).Result()
	if err == redis.Nil {
		// The winning entry expired between SetNX and Get; treat the
		// request as fresh rather than failing it.
		return resourceID, true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read idempotency key: %w", err)
	}
	return existing, false, nil
}

// Release drops a claim after the guarded operation failed, so a retry with
// the same key can run the operation again.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
