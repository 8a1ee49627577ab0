package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"VoiceForge/pkg/cache"
	"VoiceForge/pkg/response"

	"github.com/gin-gonic/gin"
)

type IdemStore interface {
	Set(ctx context.Context, key string, ttl time.Duration) bool // return true if set, false if exists
	Release(ctx context.Context, key string)
}

type memoryIdemStore struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func newMemoryIdemStore() *memoryIdemStore { return &memoryIdemStore{m: make(map[string]time.Time)} }

func (s *memoryIdemStore) Set(_ context.Context, key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if exp, ok := s.m[key]; ok && exp.After(now) {
		return false
	}
	// 顺手清理过期键
	for k, exp := range s.m {
		if !exp.After(now) {
			delete(s.m, k)
		}
	}
	s.m[key] = now.Add(ttl)
	return true
}

func (s *memoryIdemStore) Release(_ context.Context, key string) {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}

// cacheIdemStore 复用共享缓存；先查后写，极端并发下由业务层的状态校验兜底
type cacheIdemStore struct{ c cache.Cache }

// NewCacheIdemStore 基于 cache.Cache 的幂等存储
func NewCacheIdemStore(c cache.Cache) IdemStore { return &cacheIdemStore{c: c} }

func (s *cacheIdemStore) Set(ctx context.Context, key string, ttl time.Duration) bool {
	if s.c.Exists(ctx, key) {
		return false
	}
	return s.c.Set(ctx, key, "1", ttl) == nil
}

func (s *cacheIdemStore) Release(ctx context.Context, key string) {
	_ = s.c.Delete(ctx, key)
}

type IdempotencyConfig struct {
	HeaderName string        // Idempotency-Key 的请求头名
	TTL        time.Duration // 决定一段时间内重复请求的拒绝窗口
	Store      IdemStore     // 可选外部存储
}

// IdempotencyMiddleware 拒绝窗口期内携带相同 Idempotency-Key 的重复请求。
// 未带该头的请求直接放行；服务端错误会释放键以便客户端重试。
func IdempotencyMiddleware(cfg IdempotencyConfig) gin.HandlerFunc {
	if cfg.HeaderName == "" {
		cfg.HeaderName = "Idempotency-Key"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	store := cfg.Store
	if store == nil {
		store = newMemoryIdemStore()
	}
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(cfg.HeaderName))
		if key == "" {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		// 键按调用方与路由隔离
		key = "idem:" + OwnerID(c) + ":" + c.Request.Method + ":" + route + ":" + c.Request.URL.Path + ":" + key

		ctx := c.Request.Context()
		if !store.Set(ctx, key, cfg.TTL) {
			response.AbortWithStatus(c, http.StatusConflict, "Duplicate request")
			return
		}
		c.Next()
		if c.Writer.Status() >= http.StatusInternalServerError {
			store.Release(ctx, key)
		}
	}
}
