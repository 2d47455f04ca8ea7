// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache implements the task result cache: an in-process LRU front
// over the durable cache store, so repeated fingerprints skip task bodies
// without a storage round trip.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tombee/flux/internal/storage"
	"github.com/tombee/flux/pkg/flux"
)

const (
	defaultFrontSize = 1024

	// frontMaxAge bounds how long the front may hold an entry regardless
	// of its own expiry, so a restart-free server still converges with
	// writers elsewhere.
	frontMaxAge = 5 * time.Minute
)

var _ flux.Cache = (*Cache)(nil)

type entry struct {
	value     json.RawMessage
	expiresAt time.Time
}

// Cache fronts a storage.CacheStore with an expirable LRU. Reads that miss
// the front fall through to the store and repopulate it. Writes are
// last-write-wins in both tiers.
type Cache struct {
	front   *expirable.LRU[string, entry]
	backend storage.CacheStore
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a cache over the given durable store. size <= 0 uses the
// default front capacity.
func New(backend storage.CacheStore, size int, logger *slog.Logger) *Cache {
	if size <= 0 {
		size = defaultFrontSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		front:   expirable.NewLRU[string, entry](size, nil, frontMaxAge),
		backend: backend,
		logger:  logger,
		now:     time.Now,
	}
}

// Get implements flux.Cache. Storage failures degrade to a miss; a broken
// cache must never fail an execution.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	if e, ok := c.front.Get(key); ok {
		if c.now().Before(e.expiresAt) {
			return e.value, true
		}
		c.front.Remove(key)
	}

	value, ok, err := c.backend.GetCache(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	// The store only reports live entries; re-front with a conservative
	// expiry since the store does not return the original one.
	c.front.Add(key, entry{value: value, expiresAt: c.now().Add(frontMaxAge)})
	return value, true
}

// Put implements flux.Cache. A non-positive TTL stores nothing.
func (c *Cache) Put(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	expiresAt := c.now().Add(ttl)
	c.front.Add(key, entry{value: value, expiresAt: expiresAt})
	if err := c.backend.PutCache(ctx, key, value, expiresAt); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// Prune removes expired entries from the durable tier. The front evicts on
// its own.
func (c *Cache) Prune(ctx context.Context) error {
	return c.backend.PruneCache(ctx, c.now())
}

// RunPruner prunes on the given interval until the context is cancelled.
func (c *Cache) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Prune(ctx); err != nil {
				c.logger.Warn("cache prune failed", "error", err)
			}
		}
	}
}
