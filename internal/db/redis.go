package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore holds the token pools, the failed confirmation queue and the
// scheduling state. Ctx is used by callers without a request context.
type RedisStore struct {
	Client *redis.Client
	Ctx    context.Context
}

// InitRedis connects to addr with tracing enabled and verifies the
// connection before returning.
func InitRedis(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("instrument redis tracing: %w", err)
	}

	rs := &RedisStore{Client: client, Ctx: context.Background()}
	ctx, cancel := context.WithTimeout(rs.Ctx, 5*time.Second)
	defer cancel()
	if err := rs.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

// SetTime stores t under key with nanosecond precision.
func (r *RedisStore) SetTime(ctx context.Context, key string, t time.Time) error {
	return r.Client.Set(ctx, key, strconv.FormatInt(t.UnixNano(), 10), 0).Err()
}

// GetTime loads a time stored by SetTime. ok is false when the key is unset.
func (r *RedisStore) GetTime(ctx context.Context, key string) (t time.Time, ok bool, err error) {
	v, err := r.Client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, v).UTC(), true, nil
}

// Ping reports whether Redis is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}
