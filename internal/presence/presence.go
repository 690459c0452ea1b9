// ABOUTME: Redis-backed user presence mirror with TTL refresh
// ABOUTME: Marks users online on first connection and offline on last

package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker records user presence.
type Tracker interface {
	Online(ctx context.Context, userID string) error
	Offline(ctx context.Context, userID string) error
}

// Nop is a Tracker that records nothing.
type Nop struct{}

// Online does nothing.
func (Nop) Online(context.Context, string) error { return nil }

// Offline does nothing.
func (Nop) Offline(context.Context, string) error { return nil }

// redisClient is the subset of *redis.Client the tracker uses.
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Close() error
}

// Options configures a RedisTracker.
type Options struct {
	Addr       string
	Password   string
	DB         int
	KeyPrefix  string
	TTL        time.Duration
	InstanceID string
}

// RedisTracker implements Tracker on Redis keys with a TTL.
type RedisTracker struct {
	client     redisClient
	prefix     string
	ttl        time.Duration
	instanceID string
	logger     *slog.Logger
}

// NewRedisTracker connects to Redis and verifies the connection.
func NewRedisTracker(ctx context.Context, opts Options, logger *slog.Logger) (*RedisTracker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}

	return newTracker(client, opts, logger), nil
}

func newTracker(client redisClient, opts Options, logger *slog.Logger) *RedisTracker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Minute
	}
	return &RedisTracker{
		client:     client,
		prefix:     opts.KeyPrefix,
		ttl:        opts.TTL,
		instanceID: opts.InstanceID,
		logger:     logger.With("component", "presence"),
	}
}

func (t *RedisTracker) key(userID string) string {
	return t.prefix + userID
}

// Online writes the user's presence key.
func (t *RedisTracker) Online(ctx context.Context, userID string) error {
	if err := t.client.Set(ctx, t.key(userID), t.instanceID, t.ttl).Err(); err != nil {
		return fmt.Errorf("setting presence for %s: %w", userID, err)
	}
	return nil
}

// Offline deletes the user's presence key.
func (t *RedisTracker) Offline(ctx context.Context, userID string) error {
	if err := t.client.Del(ctx, t.key(userID)).Err(); err != nil {
		return fmt.Errorf("clearing presence for %s: %w", userID, err)
	}
	return nil
}

// Refresh extends the TTL of every listed user's key. A key that already
// expired is written again.
func (t *RedisTracker) Refresh(ctx context.Context, userIDs []string) error {
	var errs []error
	for _, id := range userIDs {
		ok, err := t.client.Expire(ctx, t.key(id), t.ttl).Result()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			if err := t.Online(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Run refreshes the listed users every half TTL until ctx is done.
func (t *RedisTracker) Run(ctx context.Context, users func() []string) error {
	ticker := time.NewTicker(t.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.Refresh(ctx, users()); err != nil {
				t.logger.Warn("presence refresh failed", "error", err)
			}
		}
	}
}

// Close closes the Redis client.
func (t *RedisTracker) Close() error {
	return t.client.Close()
}
