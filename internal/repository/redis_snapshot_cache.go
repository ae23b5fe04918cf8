package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/domain"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/pkg/telemetry"
)

const snapshotKeyPrefix = "fanmeet:queue:snapshot:"

// setIfNewerScript stores the payload only when its revision is newer than the cached one.
// KEYS[1] = snapshot hash
// ARGV[1] = revision, ARGV[2] = payload, ARGV[3] = ttl in milliseconds
// Returns 1 when written, 0 when a newer or equal revision was already cached.
var setIfNewerScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'revision')
if current and tonumber(current) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'revision', ARGV[1], 'payload', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// RedisSnapshotCache implements SnapshotCache on Redis hashes
type RedisSnapshotCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisSnapshotCache creates a snapshot cache
func NewRedisSnapshotCache(client redis.Cmdable, ttl time.Duration) *RedisSnapshotCache {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisSnapshotCache{client: client, ttl: ttl}
}

func snapshotKey(eventID string) string {
	return snapshotKeyPrefix + eventID
}

// Get implements SnapshotCache
func (c *RedisSnapshotCache) Get(ctx context.Context, eventID string) (snap *domain.QueueSnapshot, err error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.snapshot.get")
	defer func() { telemetry.EndSpan(span, err) }()

	payload, err := c.client.HGet(ctx, snapshotKey(eventID), "payload").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	snap = &domain.QueueSnapshot{}
	if err := json.Unmarshal([]byte(payload), snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}

// Set implements SnapshotCache
func (c *RedisSnapshotCache) Set(ctx context.Context, snap *domain.QueueSnapshot) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.snapshot.set")
	defer func() { telemetry.EndSpan(span, err) }()

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	err = setIfNewerScript.Run(ctx, c.client,
		[]string{snapshotKey(snap.EventID)},
		snap.Revision, string(payload), c.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}
