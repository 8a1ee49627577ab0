package response

import (
	"net/http"

	apperrors "VoiceForge/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Body 统一响应结构
type Body struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusOK, Body{Code: 0, Message: msg, Data: data})
}

func Created(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusCreated, Body{Code: 0, Message: msg, Data: data})
}

// Accepted 异步任务已受理，结果需后续查询
func Accepted(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusAccepted, Body{Code: 0, Message: msg, Data: data})
}

// Fail 业务失败，HTTP 400
func Fail(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusBadRequest, Body{Code: http.StatusBadRequest, Message: msg, Data: data})
}

// AbortWithStatus 以指定状态码终止请求
func AbortWithStatus(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, Body{Code: status, Message: msg})
}

// Error 按错误分类选择状态码，消息经过脱敏
func Error(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	msg := apperrors.GetMessage(err)
	if status >= http.StatusInternalServerError {
		msg = apperrors.SanitizeText(msg)
	}
	c.AbortWithStatusJSON(status, Body{Code: status, Message: msg, Data: gin.H{"error": apperrors.KindOf(err).String()}})
}
