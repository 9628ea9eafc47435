package dedup

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultClaimTTL bounds how long enrollment claims are remembered. Event
// sources redeliver within minutes, not weeks, so expired claims are safe to
// forget.
const DefaultClaimTTL = 7 * 24 * time.Hour

// RedisIndex is a Redis-backed Index shared by multiple listener instances.
type RedisIndex struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisIndex connects to Redis at the given URL and verifies the connection.
func NewRedisIndex(ctx context.Context, url string, ttl time.Duration) (*RedisIndex, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}

	return &RedisIndex{client: client, ttl: ttl}, nil
}

// Claim atomically claims the triple with SET NX; the first caller wins.
func (r *RedisIndex) Claim(ctx context.Context, workflowID, recordID, eventID string) (bool, error) {
	claimed, err := r.client.SetNX(ctx, claimKey(workflowID, recordID, eventID), 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim enrollment: %w", err)
	}

	return claimed, nil
}

// Release deletes the claim key so the triple can be claimed again.
func (r *RedisIndex) Release(ctx context.Context, workflowID, recordID, eventID string) error {
	if err := r.client.Del(ctx, claimKey(workflowID, recordID, eventID)).Err(); err != nil {
		return fmt.Errorf("failed to release enrollment claim: %w", err)
	}

	return nil
}

func (r *RedisIndex) Close(_ context.Context) error {
	return r.client.Close()
}
