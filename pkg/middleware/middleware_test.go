package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"VoiceForge/pkg/cache"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func do(r http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHMACAuthRoundTrip(t *testing.T) {
	auth := NewHMACAuth("s3cret")
	token, err := auth.Issue("owner-1", time.Hour)
	require.NoError(t, err)

	owner, err := auth.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", owner)

	_, err = NewHMACAuth("other").Verify(token)
	assert.Error(t, err)

	_, err = auth.Verify(token + "0")
	assert.Error(t, err)

	_, err = auth.Issue("a.b", 0)
	assert.Error(t, err)
}

func TestHMACAuthExpiry(t *testing.T) {
	auth := NewHMACAuth("s3cret")
	now := time.Now()
	auth.now = func() time.Time { return now }
	token, err := auth.Issue("owner-1", time.Minute)
	require.NoError(t, err)

	auth.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = auth.Verify(token)
	assert.Error(t, err)

	forever, err := auth.Issue("owner-1", 0)
	require.NoError(t, err)
	_, err = auth.Verify(forever)
	assert.NoError(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	auth := NewHMACAuth("s3cret")
	token, _ := auth.Issue("owner-1", time.Hour)

	r := gin.New()
	r.GET("/me", AuthMiddleware(auth), func(c *gin.Context) { c.String(http.StatusOK, OwnerID(c)) })

	assert.Equal(t, http.StatusUnauthorized, do(r, "GET", "/me", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "GET", "/me", map[string]string{"Authorization": "Bearer nope"}).Code)

	w := do(r, "GET", "/me", map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "owner-1", w.Body.String())

	w = do(r, "GET", "/me?access_token="+token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "owner-1", w.Body.String())
}

func TestRateLimiterDeniesAfterLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: "2-M", Identifier: "ip+route", AddHeaders: true}, nil).
		WithObserver(PrometheusObserver{})

	r := gin.New()
	r.POST("/upload", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/other", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, do(r, "POST", "/upload", nil).Code)
	w := do(r, "POST", "/upload", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = do(r, "POST", "/upload", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// 按路由分别计数
	assert.Equal(t, http.StatusOK, do(r, "GET", "/other", nil).Code)
}

func TestRateLimiterSkipAndWhitelist(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		Rate:           "1-M",
		SkipPaths:      []string{"/health"},
		WhitelistCIDRs: []string{"10.0.0.0/8"},
	}, nil)
	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(r, "GET", "/health", nil).Code)
	}

	req := httptest.NewRequest("GET", "/x", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimiterCountsPerRecordingLink(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: "1-M", Identifier: "link"}, nil)
	r := gin.New()
	r.POST("/record/:token/upload", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusCreated) })

	assert.Equal(t, http.StatusCreated, do(r, "POST", "/record/aaa/upload", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, "POST", "/record/aaa/upload", nil).Code)
	// 另一个链接有独立的额度
	assert.Equal(t, http.StatusCreated, do(r, "POST", "/record/bbb/upload", nil).Code)
}

func TestIdempotencyRejectsDuplicateKey(t *testing.T) {
	for name, store := range map[string]IdemStore{
		"memory": newMemoryIdemStore(),
		"cache":  NewCacheIdemStore(cache.NewLocalCache(cache.LocalConfig{MaxSize: 100, DefaultExpiration: time.Minute})),
	} {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			r := gin.New()
			r.POST("/train", IdempotencyMiddleware(IdempotencyConfig{Store: store, TTL: time.Minute}), func(c *gin.Context) {
				calls.Add(1)
				c.Status(http.StatusAccepted)
			})

			hdr := map[string]string{"Idempotency-Key": "k1"}
			assert.Equal(t, http.StatusAccepted, do(r, "POST", "/train", hdr).Code)
			assert.Equal(t, http.StatusConflict, do(r, "POST", "/train", hdr).Code)
			assert.Equal(t, http.StatusAccepted, do(r, "POST", "/train", map[string]string{"Idempotency-Key": "k2"}).Code)
			// 不带键的请求不做去重
			assert.Equal(t, http.StatusAccepted, do(r, "POST", "/train", nil).Code)
			assert.Equal(t, http.StatusAccepted, do(r, "POST", "/train", nil).Code)
			assert.Equal(t, int32(4), calls.Load())
		})
	}
}

func TestIdempotencyReleasesKeyOnServerError(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	r := gin.New()
	r.POST("/train", IdempotencyMiddleware(IdempotencyConfig{}), func(c *gin.Context) {
		if fail.Load() {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		c.Status(http.StatusAccepted)
	})

	hdr := map[string]string{"Idempotency-Key": "k1"}
	assert.Equal(t, http.StatusServiceUnavailable, do(r, "POST", "/train", hdr).Code)
	fail.Store(false)
	assert.Equal(t, http.StatusAccepted, do(r, "POST", "/train", hdr).Code)
	assert.Equal(t, http.StatusConflict, do(r, "POST", "/train", hdr).Code)
}

func TestOperationLogPassesThrough(t *testing.T) {
	r := gin.New()
	r.Use(OperationLogMiddleware())
	r.GET("/record/:token", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	assert.Equal(t, http.StatusNoContent, do(r, "GET", "/record/abc", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(r, "GET", "/missing", nil).Code)
}
