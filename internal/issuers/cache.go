// Package issuers keeps the most recent issuers document published by the
// confirmations server.
package issuers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/patrickwarner/adconfirm/internal/db"
	"github.com/patrickwarner/adconfirm/internal/models"
)

const redisKey = "adconfirm:issuers"

// ErrInvalidIssuers is returned when a document lacks confirmation or
// payment keys.
var ErrInvalidIssuers = errors.New("issuers document is missing keys")

// Provider exposes the current issuers document.
type Provider interface {
	Issuers() (models.IssuersInfo, bool)
}

// Cache holds the current issuers document and optionally persists it in
// Redis so a restart does not have to wait for the next refresh.
type Cache struct {
	mu    sync.RWMutex
	info  models.IssuersInfo
	ok    bool
	store *db.RedisStore
}

// NewCache returns an empty cache. store may be nil.
func NewCache(store *db.RedisStore) *Cache {
	return &Cache{store: store}
}

// Static returns a cache preloaded with info, for tests and tools.
func Static(info models.IssuersInfo) *Cache {
	return &Cache{info: info, ok: true}
}

func (c *Cache) Issuers() (models.IssuersInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info, c.ok
}

// Set validates and stores info.
func (c *Cache) Set(ctx context.Context, info models.IssuersInfo) error {
	if !info.IsValid() {
		return ErrInvalidIssuers
	}
	c.mu.Lock()
	c.info, c.ok = info, true
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	b, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal issuers: %w", err)
	}
	if err := c.store.Client.Set(ctx, redisKey, b, 0).Err(); err != nil {
		return fmt.Errorf("save issuers: %w", err)
	}
	return nil
}

// Load restores a previously saved document. A missing key is not an error.
func (c *Cache) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	b, err := c.store.Client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load issuers: %w", err)
	}
	var info models.IssuersInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return fmt.Errorf("decode issuers: %w", err)
	}
	if !info.IsValid() {
		return ErrInvalidIssuers
	}
	c.mu.Lock()
	c.info, c.ok = info, true
	c.mu.Unlock()
	return nil
}
