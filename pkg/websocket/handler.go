package websocket

import (
	"net/http"
	"time"

	"VoiceForge/pkg/response"

	"github.com/gin-gonic/gin"
)

// Authorizer decides whether the caller may observe topic. A returned error
// is rendered through response.Error before the upgrade happens.
type Authorizer func(c *gin.Context, topic string) error

// Handler WebSocket HTTP处理器
type Handler struct {
	hub       *Hub
	authorize Authorizer
}

// NewHandler 创建新的WebSocket处理器
func NewHandler(hub *Hub, authorize Authorizer) *Handler {
	return &Handler{
		hub:       hub,
		authorize: authorize,
	}
}

// RegisterRoutes 统一注册路由
func RegisterRoutes(r gin.IRoutes, handler *Handler) {
	r.GET(RouteTrainingProgress, handler.HandleWebSocket)
	r.GET(RouteWebSocketStats, handler.GetStats)
	r.GET(RouteWebSocketHealth, handler.HealthCheck)
}

// HandleWebSocket 处理训练进度订阅
func (h *Handler) HandleWebSocket(c *gin.Context) {
	topic := c.Param("profile_id")
	if topic == "" {
		response.AbortWithStatus(c, http.StatusBadRequest, "profile_id is required")
		return
	}
	if h.authorize != nil {
		if err := h.authorize(c, topic); err != nil {
			response.Error(c, err)
			return
		}
	}

	// 升级失败时 upgrader 已经写回了错误响应
	_, _ = Serve(h.hub, c.Writer, c.Request, topic)
}

// GetStats 获取WebSocket统计信息
func (h *Handler) GetStats(c *gin.Context) {
	stats := GetConfigSummary(h.hub.config)
	stats["total_connections"] = h.hub.GetConnectionCount()
	stats["active_topics"] = h.hub.GetTopicCount()
	c.JSON(http.StatusOK, stats)
}

// HealthCheck WebSocket健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	// 检查Hub是否正常运行
	if h.hub.ctx.Err() != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"error":   "WebSocket Hub已关闭",
			"details": h.hub.ctx.Err().Error(),
		})
		return
	}

	// 检查连接数是否正常
	totalConnections := h.hub.GetConnectionCount()
	maxConnections := h.hub.config.MaxConnections

	status := "healthy"
	if totalConnections >= maxConnections*9/10 { // 90%以上认为警告
		status = "warning"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            status,
		"total_connections": totalConnections,
		"max_connections":   maxConnections,
		"connection_usage":  float64(totalConnections) / float64(maxConnections) * 100,
		"active_topics":     h.hub.GetTopicCount(),
		"hub_running":       true,
		"timestamp":         time.Now().Unix(),
	})
}
