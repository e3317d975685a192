// Package cache provides the run-scoped lookup caches (CVE -> CVSS, advisory
// id -> detail) behind one interface with memory and Redis backends.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Defaults applied when the configuration leaves size or TTL unset.
const (
	DefaultSize = 4096
	DefaultTTL  = 6 * time.Hour
)

// Cache stores values by string key. Backend failures behave like misses.
type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Set(ctx context.Context, key string, value V)
}

// Memory is a bounded LRU whose entries also expire after a TTL.
type Memory[V any] struct {
	lru *expirable.LRU[string, V]
}

// NewMemory builds an in-process cache; non-positive arguments fall back to defaults.
func NewMemory[V any](size int, ttl time.Duration) *Memory[V] {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory[V]{lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

// Get returns a live entry.
func (m *Memory[V]) Get(_ context.Context, key string) (V, bool) {
	return m.lru.Get(key)
}

// Set inserts or refreshes an entry, evicting the least recently used one when full.
func (m *Memory[V]) Set(_ context.Context, key string, value V) {
	m.lru.Add(key, value)
}

// Len reports the number of cached entries.
func (m *Memory[V]) Len() int {
	return m.lru.Len()
}

// RedisClient is the subset of go-redis used here.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Redis shares cached values between processes as JSON documents.
type Redis[V any] struct {
	client RedisClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisClient dials a go-redis client.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedis namespaces keys under prefix; namespace separates value kinds.
func NewRedis[V any](client RedisClient, prefix, namespace string, ttl time.Duration, logger *slog.Logger) *Redis[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Redis[V]{client: client, prefix: prefix + namespace + ":", ttl: ttl, logger: logger}
}

// Get decodes a stored value.
func (r *Redis[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false
	}
	if err != nil {
		r.logger.Warn("cache get failed", "key", key, "err", err)
		return zero, false
	}
	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		r.logger.Warn("cache entry undecodable", "key", key, "err", err)
		return zero, false
	}
	return v, true
}

// Set stores value with the configured TTL.
func (r *Redis[V]) Set(ctx context.Context, key string, value V) {
	raw, err := json.Marshal(value)
	if err != nil {
		r.logger.Warn("cache entry unencodable", "key", key, "err", err)
		return
	}
	if err := r.client.Set(ctx, r.prefix+key, raw, r.ttl).Err(); err != nil {
		r.logger.Warn("cache set failed", "key", key, "err", err)
	}
}
