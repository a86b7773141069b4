package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"mailsink/backend/internal/domain"
)

const (
	// APIKeyHeader API Key 请求头
	APIKeyHeader = "X-API-Key"

	identityKey     = "identity"
	sessionTokenKey = "sessionToken"
)

// CallerResolver 根据凭证解析调用方身份
type CallerResolver interface {
	ResolveCaller(apiKey, token string) *domain.Identity
}

// Authenticate 解析调用方凭证，成功时把身份写入上下文，失败时不中断请求
//
// 凭证顺序：X-API-Key 请求头，然后是会话 cookie，最后是 Authorization: Bearer。
func Authenticate(resolver CallerResolver, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := strings.TrimSpace(c.GetHeader(APIKeyHeader))
		cookieToken, _ := c.Cookie(cookieName)
		bearer := bearerToken(c)

		token := cookieToken
		identity := resolver.ResolveCaller(apiKey, cookieToken)
		if identity == nil && bearer != "" && bearer != cookieToken {
			token = bearer
			identity = resolver.ResolveCaller("", bearer)
		}

		if identity != nil {
			c.Set(identityKey, identity)
			if token != "" {
				c.Set(sessionTokenKey, token)
			}
		}
		c.Next()
	}
}

// RequireCaller 要求已认证的调用方
func RequireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentIdentity(c) == nil {
			abort(c, http.StatusUnauthorized, "需要登录认证")
			return
		}
		c.Next()
	}
}

// RequireAdmin 要求管理员权限
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := CurrentIdentity(c)
		if identity == nil {
			abort(c, http.StatusUnauthorized, "需要登录认证")
			return
		}
		if !identity.IsAdmin() {
			abort(c, http.StatusForbidden, "需要管理员权限")
			return
		}
		c.Next()
	}
}

// CurrentIdentity 返回上下文中的调用方身份，未认证时返回 nil
func CurrentIdentity(c *gin.Context) *domain.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	identity, _ := v.(*domain.Identity)
	return identity
}

// SessionToken 返回本次请求使用的会话令牌
func SessionToken(c *gin.Context) string {
	return c.GetString(sessionTokenKey)
}

// bearerToken 从 Authorization 请求头提取令牌
func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// abort 以统一响应结构中断请求
func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code": status,
		"msg":  msg,
	})
}
