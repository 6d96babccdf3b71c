package tokens

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/patrickwarner/adconfirm/internal/db"
)

// Persister saves and restores a store's full contents.
type Persister[T any] interface {
	Save(ctx context.Context, items []T) error
	Load(ctx context.Context) ([]T, error)
}

// Codec converts entries to and from their persisted form.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

// NopPersister keeps nothing.
type NopPersister[T any] struct{}

func (NopPersister[T]) Save(context.Context, []T) error   { return nil }
func (NopPersister[T]) Load(context.Context) ([]T, error) { return nil, nil }

// RedisPersister stores a collection as a Redis list, one encoded entry per
// element. Saves replace the list in a single MULTI/EXEC transaction.
type RedisPersister[T any] struct {
	client *redis.Client
	key    string
	codec  Codec[T]
}

func NewRedisPersister[T any](store *db.RedisStore, key string, codec Codec[T]) *RedisPersister[T] {
	return &RedisPersister[T]{client: store.Client, key: key, codec: codec}
}

func (p *RedisPersister[T]) Save(ctx context.Context, items []T) error {
	values := make([]any, 0, len(items))
	for i, item := range items {
		b, err := p.codec.Encode(item)
		if err != nil {
			return fmt.Errorf("encode entry %d: %w", i, err)
		}
		values = append(values, b)
	}

	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, p.key)
		if len(values) > 0 {
			pipe.RPush(ctx, p.key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save %s: %w", p.key, err)
	}
	return nil
}

func (p *RedisPersister[T]) Load(ctx context.Context) ([]T, error) {
	raw, err := p.client.LRange(ctx, p.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", p.key, err)
	}
	out := make([]T, 0, len(raw))
	for i, r := range raw {
		item, err := p.codec.Decode([]byte(r))
		if err != nil {
			return nil, fmt.Errorf("decode %s entry %d: %w", p.key, i, err)
		}
		out = append(out, item)
	}
	return out, nil
}
