package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still holds the caller's run ID.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript resets the TTL only when the key still holds the caller's run ID.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisConfig configures the Redis lock backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Prefix is prepended to every lock key.
	Prefix string

	// DialTimeout bounds the startup ping.
	DialTimeout time.Duration
}

// RedisLocker stores module locks in Redis.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker connects to Redis and verifies the connection.
func NewRedisLocker(cfg RedisConfig) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "envrun:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix}, nil
}

// NewRedisLockerWithClient wraps an existing client.
func NewRedisLockerWithClient(client *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "envrun:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// Acquire takes the lock with SET NX. A lock already held by runID is kept.
func (l *RedisLocker) Acquire(ctx context.Context, key, runID string, ttl time.Duration) (bool, string, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, runID, ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if ok {
		return true, runID, nil
	}

	holder, err := l.Holder(ctx, key)
	if err != nil {
		return false, "", err
	}
	if holder == runID {
		return true, runID, nil
	}
	return false, holder, nil
}

// Refresh extends the lock to ttl if runID still owns it.
func (l *RedisLocker) Refresh(ctx context.Context, key, runID string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, l.client, []string{l.prefix + key}, runID, ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("failed to refresh lock %s: %w", key, err)
	}
	return n == 1, nil
}

// Release drops the lock if runID still owns it.
func (l *RedisLocker) Release(ctx context.Context, key, runID string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, runID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// ForceRelease deletes the lock and returns the previous holder.
func (l *RedisLocker) ForceRelease(ctx context.Context, key string) (string, error) {
	holder, err := l.client.GetDel(ctx, l.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to force release lock %s: %w", key, err)
	}
	return holder, nil
}

// Holder returns the current holder, or "".
func (l *RedisLocker) Holder(ctx context.Context, key string) (string, error) {
	holder, err := l.client.Get(ctx, l.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lock %s: %w", key, err)
	}
	return holder, nil
}

// Close closes the Redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
