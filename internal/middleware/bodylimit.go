package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// DefaultBodyLimit JSON 请求体上限，登录、设置和邀请请求都远小于此值
const DefaultBodyLimit int64 = 64 << 10

// BodySizeLimit 限制带请求体的方法
//
// Content-Length 已超限时直接返回 413；未声明长度的请求由 MaxBytesReader 截断，
// 超限后 JSON 绑定失败返回 400。
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		if c.Request.ContentLength > maxBytes {
			abort(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("请求体不能超过 %d 字节", maxBytes))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
