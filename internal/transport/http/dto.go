package httptransport

import (
	"time"

	"mailsink/backend/internal/domain"
)

// identityResponse 对外展示的身份信息，不包含密码哈希
type identityResponse struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	Role           string    `json:"role"`
	AllowedDomains []string  `json:"allowedDomains"`
	APIKey         string    `json:"apiKey,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// newIdentityResponse 转换身份信息，withKey 为 true 时包含 API Key（仅返回给本人）
func newIdentityResponse(identity *domain.Identity, withKey bool) identityResponse {
	resp := identityResponse{
		ID:             identity.ID,
		Username:       identity.Username,
		Role:           string(identity.Role),
		AllowedDomains: identity.AllowedDomains,
		CreatedAt:      identity.CreatedAt,
	}
	if resp.AllowedDomains == nil {
		resp.AllowedDomains = []string{}
	}
	if withKey {
		resp.APIKey = identity.APIKey
	}
	return resp
}

func newIdentityList(identities []domain.Identity) []identityResponse {
	out := make([]identityResponse, 0, len(identities))
	for i := range identities {
		out = append(out, newIdentityResponse(&identities[i], false))
	}
	return out
}

// relayResponse 中继配置，不返回密码
type relayResponse struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	User        string `json:"user"`
	From        string `json:"from"`
	Secure      bool   `json:"secure"`
	Enabled     bool   `json:"enabled"`
	HasPassword bool   `json:"hasPassword"`
}

func newRelayResponse(cfg domain.RelayConfig) relayResponse {
	return relayResponse{
		Host:        cfg.Host,
		Port:        cfg.Port,
		User:        cfg.User,
		From:        cfg.From,
		Secure:      cfg.Secure,
		Enabled:     cfg.Enabled,
		HasPassword: cfg.Pass != "",
	}
}

// relayRequest 修改中继配置的请求体，密码为空时保留原密码
type relayRequest struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	User    string `json:"user"`
	Pass    string `json:"pass"`
	From    string `json:"from"`
	Secure  bool   `json:"secure"`
	Enabled bool   `json:"enabled"`
}

func (r relayRequest) toDomain() domain.RelayConfig {
	return domain.RelayConfig{
		Host:    r.Host,
		Port:    r.Port,
		User:    r.User,
		Pass:    r.Pass,
		From:    r.From,
		Secure:  r.Secure,
		Enabled: r.Enabled,
	}
}

// sessionResponse 登录或注册成功后的响应
type sessionResponse struct {
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expiresAt"`
	Identity  identityResponse `json:"identity"`
}
