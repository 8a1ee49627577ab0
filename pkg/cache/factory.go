package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// NewCache 创建缓存实例
func NewCache(config Config) (Cache, error) {
	switch strings.ToLower(config.Type) {
	case "", "local":
		return NewLocalCache(config.Local), nil
	case "gocache":
		return NewGoCache(config.Local), nil
	case "redis":
		return NewRedisCache(config.Redis)
	case "layered":
		return NewLayeredCache(config)
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", config.Type)
	}
}

// NewLayeredCache 创建分层缓存（本地缓存 + Redis）
func NewLayeredCache(config Config) (Cache, error) {
	distributed, err := NewRedisCache(config.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}
	return newLayered(NewLocalCache(config.Local), distributed, config.Local.DefaultExpiration), nil
}

func newLayered(local, distributed Cache, localTTL time.Duration) Cache {
	return &layeredCache{local: local, distributed: distributed, localTTL: localTTL}
}

// layeredCache 分层缓存实现
type layeredCache struct {
	local       Cache
	distributed Cache
	localTTL    time.Duration
}

// Get 从本地缓存获取，如果没有则从分布式缓存获取并回填本地缓存
func (lc *layeredCache) Get(ctx context.Context, key string) (string, bool) {
	if value, ok := lc.local.Get(ctx, key); ok {
		return value, true
	}
	value, ttl, ok := lc.distributed.GetWithTTL(ctx, key)
	if !ok {
		return "", false
	}
	_ = lc.local.Set(ctx, key, value, lc.backfillTTL(ttl))
	return value, true
}

// 回填的本地 TTL 不超过远端剩余时间
func (lc *layeredCache) backfillTTL(remote time.Duration) time.Duration {
	if remote > 0 && (lc.localTTL <= 0 || remote < lc.localTTL) {
		return remote
	}
	return lc.localTTL
}

// Set 同时设置到本地和分布式缓存
func (lc *layeredCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if err := lc.distributed.Set(ctx, key, value, expiration); err != nil {
		return err
	}
	return lc.local.Set(ctx, key, value, lc.backfillTTL(expiration))
}

// Delete 从两个缓存层删除
func (lc *layeredCache) Delete(ctx context.Context, key string) error {
	if err := lc.local.Delete(ctx, key); err != nil {
		return err
	}
	return lc.distributed.Delete(ctx, key)
}

func (lc *layeredCache) Exists(ctx context.Context, key string) bool {
	return lc.local.Exists(ctx, key) || lc.distributed.Exists(ctx, key)
}

func (lc *layeredCache) GetWithTTL(ctx context.Context, key string) (string, time.Duration, bool) {
	if value, ttl, ok := lc.local.GetWithTTL(ctx, key); ok {
		return value, ttl, true
	}
	return lc.distributed.GetWithTTL(ctx, key)
}

func (lc *layeredCache) Close() error {
	lerr := lc.local.Close()
	if err := lc.distributed.Close(); err != nil {
		return err
	}
	return lerr
}
