package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound reports that a session entry is absent from the store.
var ErrNotFound = errors.New("session: key not found")

// NewToken returns a fresh session token. Every in-flight classification is
// tagged with the token current at launch so late results can be discarded.
func NewToken() string {
	return uuid.NewString()
}

// Keys for the three session-scoped entries.
func ImageKey(token string) string       { return fmt.Sprintf("analysis:%s:image", token) }
func PredictionsKey(token string) string { return fmt.Sprintf("analysis:%s:predictions", token) }
func SelectionKey(token string) string   { return fmt.Sprintf("analysis:%s:selection", token) }

// KV is the session-scoped durable store. Writes are best-effort from the
// flow's perspective: callers log failures and keep going.
type KV interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, keys ...string) error
}

// RedisKV is a Redis-backed KV with transient-error retry.
type RedisKV struct {
	client         *redis.Client
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRedisKV constructs a Redis-backed session store.
func NewRedisKV(client *redis.Client, logger *zap.Logger) *RedisKV {
	return &RedisKV{
		client:         client,
		logger:         logger.Named("session_kv"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Set writes a session entry.
func (kv *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return kv.withRetry(ctx, "session.set", func() error {
		return kv.client.Set(ctx, key, value, ttl).Err()
	})
}

// Get reads a session entry, mapping absence onto ErrNotFound.
func (kv *RedisKV) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := kv.withRetry(ctx, "session.get", func() error {
		result, err := kv.client.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		value = result
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Delete removes session entries. Missing keys are not an error.
func (kv *RedisKV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return kv.withRetry(ctx, "session.delete", func() error {
		return kv.client.Del(ctx, keys...).Err()
	})
}

func (kv *RedisKV) withRetry(ctx context.Context, operation string, fn func() error) error {
	backoff := kv.initialBackoff
	var err error
	for attempt := 0; attempt < kv.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= kv.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				kv.logger.Info("redis operation succeeded after retry",
					zap.String("operation", operation), zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, redis.Nil) || !isTransientError(err) {
			return err
		}
		kv.logger.Warn("transient redis error",
			zap.String("operation", operation), zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return err
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}

// MemoryKV is an in-process KV used in tests and single-node setups.
type MemoryKV struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryKV constructs an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

// Set stores a value. TTLs are ignored; the process lifetime bounds entries.
func (kv *MemoryKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.values[key] = value
	return nil
}

// Get reads a value, mapping absence onto ErrNotFound.
func (kv *MemoryKV) Get(ctx context.Context, key string) (string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	value, ok := kv.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Delete removes entries.
func (kv *MemoryKV) Delete(ctx context.Context, keys ...string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	for _, key := range keys {
		delete(kv.values, key)
	}
	return nil
}
