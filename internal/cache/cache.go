// Package cache implements CacheStore: a key-value cache with per-family
// TTLs and namespacing, backed by Redis. Cache failures never fail the
// caller — every method degrades to a cache miss on error, per spec §5
// ("failures never propagate") and the teacher's own TTL-map caches
// (cache/embedding.go, cache/query.go), whose API shape (Get/Set by
// fingerprint, per-user invalidation by prefix scan) is kept unchanged.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Family namespaces keys so each concern gets its own TTL and can be
// invalidated independently (spec §4.1 "TTLs are per-family").
type Family string

const (
	FamilyDenseEmbedding  Family = "emb:dense"
	FamilySparseEmbedding Family = "emb:sparse"
	FamilyRetrieval       Family = "retrieval"
	FamilySubscription    Family = "subscription"
	FamilyUsagePeriod     Family = "usage:period"
	FamilyUsageDay        Family = "usage:day"
	FamilyRateLimit       Family = "ratelimit:minute"
)

// Store is the CacheStore: best-effort reads/writes, namespaced by Family.
type Store struct {
	rdb *redis.Client
	ttl map[Family]time.Duration
}

// New creates a Store against redisURL with the given per-family TTLs.
// Any family absent from ttls falls back to 5 minutes.
func New(redisURL string, ttls map[Family]time.Duration) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache.New: parse redis url: %w", err)
	}
	return &Store{rdb: redis.NewClient(opt), ttl: ttls}, nil
}

func (s *Store) ttlFor(f Family) time.Duration {
	if d, ok := s.ttl[f]; ok {
		return d
	}
	return 5 * time.Minute
}

func namespacedKey(f Family, key string) string {
	return string(f) + ":" + key
}

// Get unmarshals the cached value for (family, key) into dest. Returns
// (false, nil) on a miss or any Redis error — cache failures are swallowed
// and counted by the caller via the returned bool, never returned as an error
// that could fail the pipeline.
func (s *Store) Get(ctx context.Context, family Family, key string, dest any) bool {
	raw, err := s.rdb.Get(ctx, namespacedKey(family, key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Debug("cache get failed, treating as miss", "family", family, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		slog.Debug("cache value corrupt, treating as miss", "family", family, "error", err)
		return false
	}
	return true
}

// Set writes value under (family, key) with the family's configured TTL.
// Write failures are logged and swallowed.
func (s *Store) Set(ctx context.Context, family Family, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		slog.Debug("cache marshal failed, skipping write", "family", family, "error", err)
		return
	}
	if err := s.rdb.Set(ctx, namespacedKey(family, key), raw, s.ttlFor(family)).Err(); err != nil {
		slog.Debug("cache set failed", "family", family, "error", err)
	}
}

// InvalidatePrefix deletes every key in family whose suffix starts with
// prefix — used to drop all cached entries for one principal after a
// document upload or subscription webhook, mirroring the teacher's
// QueryCache.InvalidateUser prefix-scan-delete.
func (s *Store) InvalidatePrefix(ctx context.Context, family Family, prefix string) {
	pattern := namespacedKey(family, prefix) + "*"
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		slog.Debug("cache invalidate scan failed", "family", family, "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Debug("cache invalidate delete failed", "family", family, "error", err)
	}
}

// Incr atomically increments the fixed-window counter at (family, key),
// setting ttl on first creation, and returns the post-increment count. Used
// by SubscriptionEnforcer's per-minute request counter, where a small skew
// between the INCR and the EXPIRE is an acceptable race (spec §4.4 allows
// "≤1% overshoot" rather than serializing per-principal traffic). Returns
// (0, err) on a Redis failure so the caller can apply its own fail-open/
// fail-closed policy instead of silently treating a write failure as zero.
func (s *Store) Incr(ctx context.Context, family Family, key string, ttl time.Duration) (int64, error) {
	k := namespacedKey(family, key)
	n, err := s.rdb.Incr(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("cache.Store.Incr: %w", err)
	}
	if n == 1 {
		if err := s.rdb.Expire(ctx, k, ttl).Err(); err != nil {
			slog.Debug("cache incr: expire set failed", "family", family, "error", err)
		}
	}
	return n, nil
}

// Ping reports whether Redis is reachable, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// NormalizedQueryHash returns a deterministic fingerprint for a query
// string, keyed the way the teacher's EmbeddingQueryHash does: lowercase,
// trimmed, sha256.
func NormalizedQueryHash(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	h := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", h[:16])
}
