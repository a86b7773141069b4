package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newGuardRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	ok := func(c *gin.Context) { c.String(http.StatusOK, "ok") }
	r.GET("/api/emails", ok)
	r.POST("/api/settings", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.String(http.StatusBadRequest, "bad")
			return
		}
		c.String(http.StatusOK, "ok")
	})
	r.GET("/metrics", ok)
	r.GET("/health/live", ok)
	return r
}

func TestSecurityHeaders(t *testing.T) {
	r := newGuardRouter(SecurityHeaders())

	t.Run("API 响应禁止缓存", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/emails", nil))

		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		assert.Contains(t, w.Header().Get("Content-Security-Policy"), "frame-ancestors 'none'")
	})

	t.Run("运维端点不设置 Cache-Control", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		assert.Empty(t, w.Header().Get("Cache-Control"))
		assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	})
}

func TestBodySizeLimit(t *testing.T) {
	r := newGuardRouter(BodySizeLimit(32))

	t.Run("声明长度超限返回 413", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/settings", strings.NewReader(`{"allowed_domains":["example.com","example.org"]}`))
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("未声明长度时截断读取", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/settings", strings.NewReader(`{"allowed_domains":["example.com","example.org"]}`))
		req.ContentLength = -1
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("小请求体正常通过", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/settings", strings.NewReader(`{"a":1}`)))

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("GET 请求不受限制", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/emails", nil))

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := newGuardRouter(RequestLogger(zap.New(core)))

	t.Run("生成请求 ID 并写入日志", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/emails", nil))

		id := w.Header().Get(RequestIDHeader)
		require.Len(t, id, 36)

		entries := logs.FilterMessage("request").All()
		require.NotEmpty(t, entries)
		assert.Equal(t, id, entries[len(entries)-1].ContextMap()["request_id"])
	})

	t.Run("沿用客户端提供的请求 ID", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/emails", nil)
		req.Header.Set(RequestIDHeader, "trace-123")
		r.ServeHTTP(w, req)

		assert.Equal(t, "trace-123", w.Header().Get(RequestIDHeader))
	})

	t.Run("运维端点使用 debug 级别", func(t *testing.T) {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))

		entries := logs.FilterMessage("ops request").All()
		require.Len(t, entries, 1)
		assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	})
}
