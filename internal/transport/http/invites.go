package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailsink/backend/internal/auth"
	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/middleware"
	"mailsink/backend/internal/relay"
)

// InviteHandler 邀请码管理
type InviteHandler struct {
	registry  *auth.Registry
	relay     *relay.Dispatcher
	publicURL string
	log       *zap.Logger
}

// NewInviteHandler 创建邀请码处理器
func NewInviteHandler(registry *auth.Registry, dispatcher *relay.Dispatcher, publicURL string, log *zap.Logger) *InviteHandler {
	return &InviteHandler{
		registry:  registry,
		relay:     dispatcher,
		publicURL: publicURL,
		log:       log,
	}
}

type createInviteRequest struct {
	Role           string   `json:"role"`
	AllowedDomains []string `json:"allowedDomains"`
	Email          string   `json:"email" binding:"omitempty,email"`
}

type inviteResponse struct {
	Invite      *domain.Invite `json:"invite"`
	Link        string         `json:"link"`
	EmailQueued bool           `json:"emailQueued"`
}

// Create 创建邀请码，提供邮箱时异步发送邀请邮件
func (h *InviteHandler) Create(c *gin.Context) {
	var req createInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	invite, err := h.registry.CreateInvite(middleware.CurrentIdentity(c), domain.Role(req.Role), req.AllowedDomains)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	resp := inviteResponse{
		Invite: invite,
		Link:   relay.InviteLink(h.publicURL, invite.Code),
	}
	if req.Email != "" {
		resp.EmailQueued = h.relay.Enqueue(relay.InviteMail(req.Email, h.publicURL, invite.Code))
	}
	Created(c, resp)
}

// List 列出全部邀请码
func (h *InviteHandler) List(c *gin.Context) {
	invites, err := h.registry.ListInvites(middleware.CurrentIdentity(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, invites)
}
