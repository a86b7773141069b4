package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mailsink/backend/internal/middleware"
)

// Response 统一响应信封，code 与 HTTP 状态码一致
//
// 错误响应附带 request_id，便于和服务端日志对应。
type Response struct {
	Code      int    `json:"code"`
	Msg       string `json:"msg"`
	Data      any    `json:"data,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func reply(c *gin.Context, status int, msg string, data any) {
	resp := Response{Code: status, Msg: msg, Data: data}
	if status >= http.StatusBadRequest {
		resp.RequestID = c.Writer.Header().Get(middleware.RequestIDHeader)
	}
	c.JSON(status, resp)
}

// Success 200，固定提示"成功"
func Success(c *gin.Context, data any) {
	reply(c, http.StatusOK, "成功", data)
}

// SuccessWithMsg 200，带操作结果提示
func SuccessWithMsg(c *gin.Context, msg string, data any) {
	reply(c, http.StatusOK, msg, data)
}

// Created 201
func Created(c *gin.Context, data any) {
	reply(c, http.StatusCreated, "创建成功", data)
}

// BadRequest 400
func BadRequest(c *gin.Context, msg string) {
	Fail(c, http.StatusBadRequest, msg)
}

// Fail 错误响应，不带数据
func Fail(c *gin.Context, status int, msg string) {
	reply(c, status, msg, nil)
}
