// Package redisstore is a cache.Repository backed by Redis, following the
// runtime's own key-prefixing convention for Redis-backed state
// (registry/result_stream.go's "registry:result-stream:%s"-style
// deterministic prefixes).
package redisstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// keyDigest collapses an arbitrary (possibly large, JSON-shaped) cache key
// into a fixed-length Redis-safe token.
func keyDigest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// RedisStore is a cache.Repository backed by a *redis.Client.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// Options configures a RedisStore.
type Options struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Prefix is prepended to every key this store touches; defaults to
	// "flow:cache:" if empty.
	Prefix string
}

// New constructs a RedisStore around a ready *redis.Client: callers resolve
// the Redis address once and build the client themselves. Of opts, only
// Prefix is used; Addr is not read by this constructor.
func New(client *redis.Client, opts Options) *RedisStore {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "flow:cache:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) redisKey(namespace, key string) string {
	return fmt.Sprintf("%s%s:%s", r.prefix, namespace, keyDigest(key))
}

// Retrieve fetches the value stored under namespace/key.
func (r *RedisStore) Retrieve(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	raw, err := r.client.Get(ctx, r.redisKey(namespace, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redisstore: retrieve: %w", err)
	}
	return raw, true, nil
}

// Store writes value under namespace/key with no expiry; callers that want
// TTL-bounded caching should configure Redis-side eviction instead, since
// the cache coordinator itself treats a miss and an evicted key identically.
func (r *RedisStore) Store(ctx context.Context, namespace, key string, value []byte) error {
	if err := r.client.Set(ctx, r.redisKey(namespace, key), value, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: store: %w", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
