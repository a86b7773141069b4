package domain

import "time"

// Role 身份角色
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Valid 判断角色取值是否合法。
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// Identity 表示一个注册账户，包含角色和可见域名范围。
type Identity struct {
	ID             string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Username       string    `json:"username" gorm:"uniqueIndex;type:varchar(100);not null"`
	PasswordHash   string    `json:"passwordHash" gorm:"type:varchar(255)"` // 仅用于持久化，接口层不返回
	Role           Role      `json:"role" gorm:"type:varchar(20);default:'user'"`
	AllowedDomains []string  `json:"allowedDomains" gorm:"serializer:json;type:text"`
	APIKey         string    `json:"apiKey" gorm:"uniqueIndex;type:varchar(64)"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// IsAdmin 判断是否为管理员
func (i *Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Unrestricted 管理员或域名列表包含 "*" 时不做域名过滤。
func (i *Identity) Unrestricted() bool {
	if i.IsAdmin() {
		return true
	}
	for _, d := range i.AllowedDomains {
		if d == Wildcard {
			return true
		}
	}
	return false
}

// CanSee 判断该身份能否看到指定邮件：至少一个收件人的域名被允许即可。
func (i *Identity) CanSee(m *Message) bool {
	if i.Unrestricted() {
		return true
	}
	for _, to := range m.To {
		if DomainAllowed(to.Address, i.AllowedDomains) {
			return true
		}
	}
	return false
}

// Clone 返回身份的深拷贝，避免调用方修改存储内部状态。
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	c.AllowedDomains = append([]string(nil), i.AllowedDomains...)
	return &c
}

// Session 表示一次登录会话，令牌即凭证。
type Session struct {
	Token     string    `json:"token" gorm:"primaryKey;type:varchar(64)"`
	UserID    string    `json:"userId" gorm:"type:varchar(36);index;not null"`
	ExpiresAt time.Time `json:"expiresAt" gorm:"index"`
	CreatedAt time.Time `json:"createdAt"`
}

// Expired 判断会话在 now 时刻是否已过期。
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Invite 表示一次性邀请码。
//
// 状态机: unused -> used（终态），或在兑换时因超过 ExpiresAt 视为过期（终态）。
type Invite struct {
	Code           string    `json:"code" gorm:"primaryKey;type:varchar(64)"`
	Role           Role      `json:"role" gorm:"type:varchar(20)"`
	AllowedDomains []string  `json:"allowedDomains" gorm:"serializer:json;type:text"`
	Used           bool      `json:"used" gorm:"default:false;index"`
	UsedBy         string    `json:"usedBy,omitempty" gorm:"type:varchar(36)"`
	ExpiresAt      time.Time `json:"expiresAt"`
	CreatedAt      time.Time `json:"createdAt"`
	CreatedBy      string    `json:"createdBy,omitempty" gorm:"type:varchar(36)"`
}

// Redeemable 判断邀请码在 now 时刻是否可以兑换。
func (inv *Invite) Redeemable(now time.Time) bool {
	return !inv.Used && now.Before(inv.ExpiresAt)
}
