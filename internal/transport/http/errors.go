package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailsink/backend/internal/domain"
)

// errorMapping 业务错误到 HTTP 状态码和中文消息的映射，按顺序匹配
var errorMapping = []struct {
	err    error
	status int
	msg    string
}{
	{domain.ErrUnauthorized, http.StatusUnauthorized, MsgAuthRequired},
	{domain.ErrForbidden, http.StatusForbidden, MsgPermissionDenied},
	{domain.ErrSelfDeletionForbidden, http.StatusForbidden, "不能删除自己的账户"},
	{domain.ErrInvalidInvite, http.StatusBadRequest, "邀请码无效、已使用或已过期"},
	{domain.ErrUsernameTaken, http.StatusConflict, "用户名已存在"},
	{domain.ErrNotFound, http.StatusNotFound, "资源不存在"},
	{domain.ErrInvalidPattern, http.StatusBadRequest, "正则表达式无效"},
	{domain.ErrVersionConflict, http.StatusConflict, "配置已被其他请求修改，请重试"},
	// 参数校验错误直接返回具体原因
	{domain.ErrInvalidInput, http.StatusBadRequest, ""},
}

// 通用错误消息
const (
	MsgInvalidRequest     = "请求参数格式错误"
	MsgInvalidLimit       = "limit 参数必须是正整数"
	MsgAuthRequired       = "需要登录认证"
	MsgInvalidCredentials = "用户名或密码错误"
	MsgPermissionDenied   = "权限不足"
	MsgPatternRequired    = "pattern 参数不能为空"
	MsgRelayNotConfigured = "外发中继未启用或配置不完整"
	MsgInternalError      = "服务器内部错误，请稍后重试"
)

// respondError 把业务错误转换为统一响应，未知错误记录日志并返回 500
func respondError(c *gin.Context, log *zap.Logger, err error) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			msg := m.msg
			if msg == "" {
				msg = err.Error()
			}
			Fail(c, m.status, msg)
			return
		}
	}

	log.Error("request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Error(err),
	)
	Fail(c, http.StatusInternalServerError, MsgInternalError)
}
