// Package redis implements the best-effort snapshot fallback cache. It keeps
// the latest captured content per target so circuit-open denials can point
// operators at a cached copy.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

const keyPrefix = "snapcache:"

// SnapshotCache implements domain.SnapshotCache over go-redis.
type SnapshotCache struct {
	Client goredis.UniversalClient
	TTL    time.Duration
}

// New constructs a cache with the given TTL (default 24h).
func New(client goredis.UniversalClient, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SnapshotCache{Client: client, TTL: ttl}
}

// Store writes the entry under snapcache:<targetID>, replacing any previous
// copy and refreshing the TTL.
func (c *SnapshotCache) Store(ctx domain.Context, entry domain.CachedSnapshot) error {
	if entry.TargetID == "" {
		return fmt.Errorf("op=snapcache.store: %w: empty target id", domain.ErrInvalidArgument)
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("op=snapcache.store: %w", err)
	}
	if err := c.Client.Set(ctx, keyPrefix+entry.TargetID, b, c.TTL).Err(); err != nil {
		return fmt.Errorf("op=snapcache.store: %w", err)
	}
	return nil
}

// Latest returns the cached entry for a target, or ErrNotFound.
func (c *SnapshotCache) Latest(ctx domain.Context, targetID string) (domain.CachedSnapshot, error) {
	b, err := c.Client.Get(ctx, keyPrefix+targetID).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return domain.CachedSnapshot{}, fmt.Errorf("op=snapcache.latest: %w", domain.ErrNotFound)
		}
		return domain.CachedSnapshot{}, fmt.Errorf("op=snapcache.latest: %w", err)
	}
	var entry domain.CachedSnapshot
	if err := json.Unmarshal(b, &entry); err != nil {
		return domain.CachedSnapshot{}, fmt.Errorf("op=snapcache.latest: %w", err)
	}
	return entry, nil
}

// Clear drops every cached entry via a cursor scan and reports how many keys
// were removed. Used by the CLEAR_CACHE remediation.
func (c *SnapshotCache) Clear(ctx domain.Context) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := c.Client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("op=snapcache.clear: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.Client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("op=snapcache.clear: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Ping reports whether the cache backend is reachable; used by readiness.
func (c *SnapshotCache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}
