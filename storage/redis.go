package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aegis/core"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	snapshotKey    = "aegis:queue:snapshot"
	snapshotMaxAge = 10 * time.Minute
)

// ErrNoSnapshot is returned when no queue snapshot exists in the cache
var ErrNoSnapshot = errors.New("no queue snapshot available")

// RedisCache keeps a msgpack-encoded snapshot of the processed queue so
// dashboard replicas can serve reads without hitting the engine. Snapshots
// expire on their own; a missing snapshot is not an error condition for
// callers that fall back to the live queue.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.SugaredLogger
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(addr, password string, db int, logger *zap.SugaredLogger) (*RedisCache, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	logger.Infow("Connected to Redis", "addr", addr, "db", db)

	return &RedisCache{
		client: client,
		ttl:    snapshotMaxAge,
		logger: logger,
	}, nil
}

// SetSnapshotTTL overrides the default snapshot expiry
func (rc *RedisCache) SetSnapshotTTL(ttl time.Duration) {
	if ttl > 0 {
		rc.ttl = ttl
	}
}

// SaveSnapshot replaces the cached queue snapshot
func (rc *RedisCache) SaveSnapshot(ctx context.Context, alerts []core.ProcessedAlert) error {
	data, err := msgpack.Marshal(alerts)
	if err != nil {
		return fmt.Errorf("failed to encode queue snapshot: %w", err)
	}
	if err := rc.client.Set(ctx, snapshotKey, data, rc.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save queue snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the cached queue snapshot, or ErrNoSnapshot
func (rc *RedisCache) LoadSnapshot(ctx context.Context) ([]core.ProcessedAlert, error) {
	data, err := rc.client.Get(ctx, snapshotKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue snapshot: %w", err)
	}

	var alerts []core.ProcessedAlert
	if err := msgpack.Unmarshal(data, &alerts); err != nil {
		return nil, fmt.Errorf("failed to decode queue snapshot: %w", err)
	}
	return alerts, nil
}

// InvalidateSnapshot drops the cached snapshot
func (rc *RedisCache) InvalidateSnapshot(ctx context.Context) error {
	if err := rc.client.Del(ctx, snapshotKey).Err(); err != nil {
		return fmt.Errorf("failed to invalidate queue snapshot: %w", err)
	}
	return nil
}

// HealthCheck verifies the Redis connection
func (rc *RedisCache) HealthCheck(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}
