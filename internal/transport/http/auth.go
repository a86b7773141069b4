package httptransport

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailsink/backend/internal/auth"
	"mailsink/backend/internal/config"
	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/middleware"
)

// AuthHandler 处理登录、注册和注销
type AuthHandler struct {
	registry *auth.Registry
	cfg      config.AuthConfig
	log      *zap.Logger
}

// NewAuthHandler 创建认证处理器
//
// 参数:
//   - registry: 身份与会话注册表
//   - cfg: 会话 cookie 配置
//   - log: 日志记录器
func NewAuthHandler(registry *auth.Registry, cfg config.AuthConfig, log *zap.Logger) *AuthHandler {
	return &AuthHandler{
		registry: registry,
		cfg:      cfg,
		log:      log,
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type registerRequest struct {
	Invite   string `json:"invite" binding:"required"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login 校验用户名密码并创建会话
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	identity, ok := h.registry.VerifyCredentials(req.Username, req.Password)
	if !ok {
		h.log.Info("login failed",
			zap.String("username", req.Username),
			zap.String("ip", c.ClientIP()),
		)
		Fail(c, http.StatusUnauthorized, MsgInvalidCredentials)
		return
	}

	h.startSession(c, identity, http.StatusOK)
}

// Register 兑换邀请码创建账户，并直接登录
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	identity, err := h.registry.RedeemInvite(req.Invite, req.Username, req.Password)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	h.startSession(c, identity, http.StatusCreated)
}

// Logout 删除当前会话并清除 cookie
func (h *AuthHandler) Logout(c *gin.Context) {
	if err := h.registry.Logout(middleware.SessionToken(c)); err != nil {
		h.log.Warn("failed to delete session", zap.Error(err))
	}
	h.setCookie(c, "", -1)
	SuccessWithMsg(c, "已退出登录", nil)
}

// Me 返回当前调用方
func (h *AuthHandler) Me(c *gin.Context) {
	Success(c, newIdentityResponse(middleware.CurrentIdentity(c), true))
}

func (h *AuthHandler) startSession(c *gin.Context, identity *domain.Identity, status int) {
	session, err := h.registry.CreateSession(identity)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	h.setCookie(c, session.Token, int(time.Until(session.ExpiresAt).Seconds()))
	h.log.Info("session created",
		zap.String("username", identity.Username),
		zap.String("ip", c.ClientIP()),
	)

	data := sessionResponse{
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt,
		Identity:  newIdentityResponse(identity, true),
	}
	if status == http.StatusCreated {
		Created(c, data)
		return
	}
	Success(c, data)
}

func (h *AuthHandler) setCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cfg.CookieName, value, maxAge, "/", "", h.cfg.CookieSecure, true)
}
