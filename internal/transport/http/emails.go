package httptransport

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/middleware"
	"mailsink/backend/internal/service"
)

// EmailHandler 邮件查询接口
type EmailHandler struct {
	query *service.QueryService
	log   *zap.Logger
}

// NewEmailHandler 创建邮件查询处理器
func NewEmailHandler(query *service.QueryService, log *zap.Logger) *EmailHandler {
	return &EmailHandler{query: query, log: log}
}

// matchResponse 正则匹配结果，未找到时只有 found=false
type matchResponse struct {
	Found bool `json:"found"`
	*service.MatchResult
}

// List 列出调用方可见的最新邮件
func (h *EmailHandler) List(c *gin.Context) {
	limit, ok := parseLimit(c, service.DefaultListLimit)
	if !ok {
		return
	}

	messages, err := h.query.ListVisible(middleware.CurrentIdentity(c), limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, messages)
}

// ListByRecipient 列出发往指定地址的可见邮件
func (h *EmailHandler) ListByRecipient(c *gin.Context) {
	limit, ok := parseLimit(c, service.RecipientListLimit)
	if !ok {
		return
	}

	messages, err := h.query.ListByRecipient(middleware.CurrentIdentity(c), c.Param("to"), limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, messages)
}

// Match 在发往指定地址的邮件中查找第一处正则匹配
func (h *EmailHandler) Match(c *gin.Context) {
	pattern := c.Query("pattern")
	if pattern == "" {
		BadRequest(c, MsgPatternRequired)
		return
	}

	result, err := h.query.FindFirstMatch(c.Param("to"), middleware.CurrentIdentity(c), pattern)
	if errors.Is(err, domain.ErrNotFound) {
		Success(c, matchResponse{Found: false})
		return
	}
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, matchResponse{Found: true, MatchResult: result})
}

// Codes 提取最近的验证码
func (h *EmailHandler) Codes(c *gin.Context) {
	h.codes(c, service.CodesLimit)
}

// ShortCodes 只返回最近 3 条验证码
func (h *EmailHandler) ShortCodes(c *gin.Context) {
	h.codes(c, service.ShortCodesLimit)
}

func (h *EmailHandler) codes(c *gin.Context, max int) {
	records, err := h.query.ExtractCodes(middleware.CurrentIdentity(c), max)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, records)
}

// parseLimit 解析 limit 查询参数，非法时已写入 400 响应
func parseLimit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		BadRequest(c, MsgInvalidLimit)
		return 0, false
	}
	return limit, true
}
