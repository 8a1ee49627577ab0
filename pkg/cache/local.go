package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// localCache 基于 golang-lru 的进程内缓存，容量满时淘汰最久未用项
type localCache struct {
	lru        *expirable.LRU[string, localItem]
	defaultTTL time.Duration
}

type localItem struct {
	value    string
	expireAt time.Time
}

// NewLocalCache 创建本地缓存
func NewLocalCache(config LocalConfig) Cache {
	size := config.MaxSize
	if size <= 0 {
		size = 10000
	}
	// 单项过期由 localItem 自己判断，LRU 本身不设 TTL
	return &localCache{
		lru:        expirable.NewLRU[string, localItem](size, nil, 0),
		defaultTTL: config.DefaultExpiration,
	}
}

func (lc *localCache) Get(ctx context.Context, key string) (string, bool) {
	v, _, ok := lc.GetWithTTL(ctx, key)
	return v, ok
}

func (lc *localCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if expiration <= 0 {
		expiration = lc.defaultTTL
	}
	item := localItem{value: value}
	if expiration > 0 {
		item.expireAt = time.Now().Add(expiration)
	}
	lc.lru.Add(key, item)
	return nil
}

func (lc *localCache) Delete(ctx context.Context, key string) error {
	lc.lru.Remove(key)
	return nil
}

func (lc *localCache) Exists(ctx context.Context, key string) bool {
	_, ok := lc.Get(ctx, key)
	return ok
}

func (lc *localCache) GetWithTTL(ctx context.Context, key string) (string, time.Duration, bool) {
	item, ok := lc.lru.Get(key)
	if !ok {
		return "", 0, false
	}
	if item.expireAt.IsZero() {
		return item.value, 0, true
	}
	ttl := time.Until(item.expireAt)
	if ttl <= 0 {
		lc.lru.Remove(key)
		return "", 0, false
	}
	return item.value, ttl, true
}

func (lc *localCache) Close() error {
	lc.lru.Purge()
	return nil
}
