package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailsink/backend/internal/auth"
	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/middleware"
	"mailsink/backend/internal/relay"
	"mailsink/backend/internal/service"
)

// SettingsHandler 个人设置、全局配置和身份管理
type SettingsHandler struct {
	registry *auth.Registry
	settings *service.SettingsService
	relay    *relay.Dispatcher
	log      *zap.Logger
}

// NewSettingsHandler 创建设置处理器
func NewSettingsHandler(registry *auth.Registry, settings *service.SettingsService, dispatcher *relay.Dispatcher, log *zap.Logger) *SettingsHandler {
	return &SettingsHandler{
		registry: registry,
		settings: settings,
		relay:    dispatcher,
		log:      log,
	}
}

// settingsResponse 设置页数据，管理员额外包含身份、邀请和中继配置
type settingsResponse struct {
	User           identityResponse   `json:"user"`
	AllowedDomains []string           `json:"allowedDomains"`
	Identities     []identityResponse `json:"identities,omitempty"`
	Invites        []domain.Invite    `json:"invites,omitempty"`
	Relay          *relayResponse     `json:"smtp,omitempty"`
}

type updateSettingsRequest struct {
	NewPassword    *string       `json:"newPassword"`
	RotateAPIKey   bool          `json:"rotateApiKey"`
	AllowedDomains *[]string     `json:"allowedDomains"`
	Relay          *relayRequest `json:"smtp"`
}

type updateUserRequest struct {
	ID             string    `json:"id" binding:"required"`
	AllowedDomains *[]string `json:"allowedDomains"`
	Role           *string   `json:"role"`
}

type relayTestRequest struct {
	To string `json:"to" binding:"required,email"`
}

// Get 返回设置页数据
func (h *SettingsHandler) Get(c *gin.Context) {
	caller := middleware.CurrentIdentity(c)

	resp, err := h.view(caller)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, resp)
}

// Update 修改个人设置；全局域名和中继配置只有管理员可以修改
func (h *SettingsHandler) Update(c *gin.Context) {
	var req updateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	caller := middleware.CurrentIdentity(c)
	if (req.AllowedDomains != nil || req.Relay != nil) && !caller.IsAdmin() {
		respondError(c, h.log, domain.ErrForbidden)
		return
	}

	if req.NewPassword != nil {
		if err := h.registry.SetPassword(caller.ID, *req.NewPassword); err != nil {
			respondError(c, h.log, err)
			return
		}
		h.log.Info("password changed", zap.String("username", caller.Username))
	}

	if req.RotateAPIKey {
		if _, err := h.registry.RotateAPIKey(caller.ID); err != nil {
			respondError(c, h.log, err)
			return
		}
		h.log.Info("api key rotated", zap.String("username", caller.Username))
	}

	if req.AllowedDomains != nil {
		if _, err := h.settings.SetAllowedDomains(caller, *req.AllowedDomains); err != nil {
			respondError(c, h.log, err)
			return
		}
	}

	if req.Relay != nil {
		if _, err := h.settings.SetRelayConfig(caller, req.Relay.toDomain()); err != nil {
			respondError(c, h.log, err)
			return
		}
	}

	// 重新读取身份，返回最新的 API Key
	fresh, err := h.registry.Identity(caller.ID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	resp, err := h.view(fresh)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "设置已保存", resp)
}

// UpdateUser 管理员修改其他身份的角色或可见域名
func (h *SettingsHandler) UpdateUser(c *gin.Context) {
	var req updateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	if req.AllowedDomains == nil && req.Role == nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	caller := middleware.CurrentIdentity(c)
	var (
		updated *domain.Identity
		err     error
	)

	if req.Role != nil {
		if updated, err = h.registry.SetRole(caller, req.ID, domain.Role(*req.Role)); err != nil {
			respondError(c, h.log, err)
			return
		}
	}
	if req.AllowedDomains != nil {
		if updated, err = h.registry.SetAllowedDomains(caller, req.ID, *req.AllowedDomains); err != nil {
			respondError(c, h.log, err)
			return
		}
	}

	Success(c, newIdentityResponse(updated, false))
}

// DeleteUser 管理员删除身份，不能删除自己
func (h *SettingsHandler) DeleteUser(c *gin.Context) {
	if err := h.registry.DeleteIdentity(middleware.CurrentIdentity(c), c.Param("id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "账户已删除", nil)
}

// RelayTest 通过当前中继配置发送一封测试邮件
func (h *SettingsHandler) RelayTest(c *gin.Context) {
	var req relayTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	err := h.relay.Send(c.Request.Context(), relay.TestMail(req.To))
	if errors.Is(err, relay.ErrNotConfigured) {
		BadRequest(c, MsgRelayNotConfigured)
		return
	}
	if err != nil {
		Fail(c, http.StatusBadGateway, "测试邮件发送失败: "+err.Error())
		return
	}
	SuccessWithMsg(c, "测试邮件已发送", nil)
}

func (h *SettingsHandler) view(caller *domain.Identity) (*settingsResponse, error) {
	current, err := h.settings.Current()
	if err != nil {
		return nil, err
	}

	resp := &settingsResponse{
		User:           newIdentityResponse(caller, true),
		AllowedDomains: current.AllowedDomains,
	}
	if resp.AllowedDomains == nil {
		resp.AllowedDomains = []string{}
	}
	if !caller.IsAdmin() {
		return resp, nil
	}

	identities, err := h.registry.ListIdentities(caller)
	if err != nil {
		return nil, err
	}
	invites, err := h.registry.ListInvites(caller)
	if err != nil {
		return nil, err
	}
	relayCfg := newRelayResponse(current.Relay)

	resp.Identities = newIdentityList(identities)
	resp.Invites = invites
	resp.Relay = &relayCfg
	return resp, nil
}
