package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "VoiceForge/pkg/errors"
	"VoiceForge/pkg/response"

	"github.com/gin-gonic/gin"
)

// OwnerKey 认证通过后 gin.Context 中保存调用方 ID 的键
const OwnerKey = "owner_id"

// AuthProvider verifies a bearer credential and returns the caller's owner id.
type AuthProvider interface {
	Verify(token string) (ownerID string, err error)
}

// HMACAuth issues and verifies "<owner>.<expires>.<signature>" tokens signed
// with the API secret. Owner ids must not contain dots.
type HMACAuth struct {
	secret []byte
	now    func() time.Time
}

func NewHMACAuth(secret string) *HMACAuth {
	return &HMACAuth{secret: []byte(secret), now: time.Now}
}

// 生成 HMAC 签名
func generateSignature(data string, secretKey []byte) string {
	mac := hmac.New(sha256.New, secretKey)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue 签发令牌，ttl<=0 表示不过期
func (a *HMACAuth) Issue(ownerID string, ttl time.Duration) (string, error) {
	if ownerID == "" || strings.Contains(ownerID, ".") {
		return "", apperrors.E(apperrors.KindValidation, "owner id must be non-empty and contain no dots")
	}
	var exp int64
	if ttl > 0 {
		exp = a.now().Add(ttl).Unix()
	}
	payload := ownerID + "." + strconv.FormatInt(exp, 10)
	return payload + "." + generateSignature(payload, a.secret), nil
}

func (a *HMACAuth) Verify(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" {
		return "", apperrors.E(apperrors.KindForbidden, "Malformed credentials")
	}
	payload := parts[0] + "." + parts[1]
	expected := generateSignature(payload, a.secret)
	if !hmac.Equal([]byte(parts[2]), []byte(expected)) {
		return "", apperrors.E(apperrors.KindForbidden, "Invalid credentials")
	}
	exp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", apperrors.E(apperrors.KindForbidden, "Malformed credentials")
	}
	if exp > 0 && a.now().Unix() > exp {
		return "", apperrors.E(apperrors.KindForbidden, "Credentials expired")
	}
	return parts[0], nil
}

// AuthMiddleware 校验 Authorization: Bearer，浏览器的 WebSocket/EventSource
// 无法带请求头，退而读取 access_token 查询参数
func AuthMiddleware(provider AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			response.AbortWithStatus(c, http.StatusUnauthorized, "Authentication required")
			return
		}
		owner, err := provider.Verify(token)
		if err != nil {
			response.AbortWithStatus(c, http.StatusUnauthorized, apperrors.GetMessage(err))
			return
		}
		c.Set(OwnerKey, owner)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	return strings.TrimSpace(c.Query("access_token"))
}

// OwnerID 当前请求的调用方，未认证时为空
func OwnerID(c *gin.Context) string {
	return c.GetString(OwnerKey)
}
