package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"VoiceForge/pkg/metrics"
	"VoiceForge/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

const defaultRate = "10-S"

// RateLimiterConfig 限流配置
//
// 示例：
// Rate: "30-M"、Identifier: "ip"/"owner"/"ip+route"/"link"
// link 按录音链接 (路由参数 :token) 计数，没有 token 时退回 ip
// WhitelistCIDRs: ["10.0.0.0/8", "127.0.0.1/32"]
// SkipPaths: ["/health", "/metrics"] 前缀匹配
//
// Store 默认内存；多实例部署用 NewRedisStore 共享计数。
type RateLimiterConfig struct {
	Rate           string   `json:"rate"` // e.g. "30-M", "1000-H"
	Identifier     string   `json:"identifier"`
	WhitelistCIDRs []string `json:"whitelist_cidrs"`
	SkipPaths      []string `json:"skip_paths"`
	AddHeaders     bool     `json:"add_headers"`
	DenyStatus     int      `json:"deny_status"` // 默认 429
	DenyMessage    string   `json:"deny_message"`
}

// NewRedisStore 基于 Redis 的共享计数
func NewRedisStore(client *redis.Client, prefix string) (limiter.Store, error) {
	if prefix == "" {
		prefix = "voiceforge:ratelimit"
	}
	return sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
}

// MetricsObserver 指标上报接口
type MetricsObserver interface {
	OnAllow(route string)
	OnDeny(route string)
}

// PrometheusObserver 写入 metrics.RateLimitDecisions
type PrometheusObserver struct{}

func (PrometheusObserver) OnAllow(route string) {
	metrics.RateLimitDecisions.WithLabelValues(route, "allow").Inc()
}

func (PrometheusObserver) OnDeny(route string) {
	metrics.RateLimitDecisions.WithLabelValues(route, "deny").Inc()
}

// RateLimiter 单一速率的限流器
type RateLimiter struct {
	cfg        RateLimiterConfig
	lim        *limiter.Limiter
	whiteCIDRs []*net.IPNet

	mu       sync.RWMutex
	observer MetricsObserver
}

// NewRateLimiter store 为 nil 时使用内存存储；速率格式错误时退回 10-S
func NewRateLimiter(cfg RateLimiterConfig, store limiter.Store) *RateLimiter {
	if store == nil {
		store = memory.NewStore()
	}
	if cfg.Rate == "" {
		cfg.Rate = defaultRate
	}
	rate, err := limiter.NewRateFromFormatted(cfg.Rate)
	if err != nil {
		rate, _ = limiter.NewRateFromFormatted(defaultRate)
	}
	l := &RateLimiter{cfg: cfg, lim: limiter.New(store, rate)}
	for _, c := range cfg.WhitelistCIDRs {
		if _, ipnet, err := net.ParseCIDR(strings.TrimSpace(c)); err == nil {
			l.whiteCIDRs = append(l.whiteCIDRs, ipnet)
		}
	}
	return l
}

// WithObserver 配置指标观察者
func (l *RateLimiter) WithObserver(observer MetricsObserver) *RateLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = observer
	return l
}

// Middleware 返回 Gin 中间件
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if l.skipped(route) {
			c.Next()
			return
		}

		ip := strings.TrimPrefix(c.ClientIP(), "::ffff:")
		if ipListed(ip, l.whiteCIDRs) {
			c.Next()
			return
		}

		lctx, err := l.lim.Get(c, l.key(c, ip, route))
		if err != nil {
			// 存储不可用时放行
			c.Next()
			return
		}
		if l.cfg.AddHeaders {
			c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
			c.Header("X-RateLimit-Reset", strconv.Itoa(secondsUntil(lctx.Reset)))
		}
		obs := l.getObserver()
		if lctx.Reached {
			c.Header("Retry-After", strconv.Itoa(secondsUntil(lctx.Reset)))
			if obs != nil {
				obs.OnDeny(route)
			}
			l.deny(c)
			return
		}
		if obs != nil {
			obs.OnAllow(route)
		}
		c.Next()
	}
}

func (l *RateLimiter) getObserver() MetricsObserver {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.observer
}

func (l *RateLimiter) skipped(route string) bool {
	for _, pref := range l.cfg.SkipPaths {
		if pref != "" && strings.HasPrefix(route, pref) {
			return true
		}
	}
	return false
}

func (l *RateLimiter) key(c *gin.Context, ip, route string) string {
	switch l.cfg.Identifier {
	case "owner":
		if owner := c.GetString(OwnerKey); owner != "" {
			return "owner:" + owner
		}
	case "link":
		if token := c.Param("token"); token != "" {
			return "link:" + token
		}
	case "ip+route":
		return "iprt:" + ip + ":" + route
	}
	return "ip:" + ip
}

func (l *RateLimiter) deny(c *gin.Context) {
	status := l.cfg.DenyStatus
	if status == 0 {
		status = http.StatusTooManyRequests
	}
	msg := l.cfg.DenyMessage
	if msg == "" {
		msg = "Too Many Requests"
	}
	response.AbortWithStatus(c, status, msg)
}

func ipListed(ip string, nets []*net.IPNet) bool {
	pip := net.ParseIP(ip)
	if pip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(pip) {
			return true
		}
	}
	return false
}

func secondsUntil(unix int64) int {
	sec := int(time.Until(time.Unix(unix, 0)).Seconds())
	if sec < 0 {
		return 0
	}
	return sec
}
