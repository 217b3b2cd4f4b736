// Package lock serializes reconciliation runs, within one process or across
// instances sharing a Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cyderes/post-metrics-service/internal/config"
)

// ErrLocked is returned when another holder owns the lock
var ErrLocked = errors.New("lock is held by another run")

// Locker hands out a single exclusive lease. Acquire never waits: it returns
// ErrLocked when the lease is taken. The returned release func is safe to call once.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// New builds the locker named by cfg.Type. "none" returns nil, which callers
// treat as no serialization.
func New(cfg config.LockConfig, logger *zap.Logger) (Locker, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "local":
		return &LocalLocker{}, nil
	case "redis":
		l, err := NewRedisLocker(cfg, logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", cfg.Type)
	}
}

// LocalLocker serializes runs inside one process
type LocalLocker struct {
	mu sync.Mutex
}

// Acquire takes the mutex without blocking
func (l *LocalLocker) Acquire(ctx context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrLocked
	}
	var once sync.Once
	return func() { once.Do(l.mu.Unlock) }, nil
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes runs across instances with SET NX PX. The TTL bounds
// how long a crashed holder blocks other instances.
type RedisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLocker connects to Redis and verifies the connection
func NewRedisLocker(cfg config.LockConfig, logger *zap.Logger) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisLocker(client, cfg.Key, cfg.TTL, logger), nil
}

func newRedisLocker(client *redis.Client, key string, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisLocker{client: client, key: key, ttl: ttl, logger: logger}
}

// Acquire sets the key if absent, tagged with a fresh token
func (r *RedisLocker) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", r.key, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{r.key}, token).Err(); err != nil {
				r.logger.Warn("failed to release lock", zap.String("key", r.key), zap.Error(err))
			}
		})
	}, nil
}

// Close closes the Redis client
func (r *RedisLocker) Close() error {
	return r.client.Close()
}
