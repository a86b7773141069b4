package storage

import (
	"time"

	"mailsink/backend/internal/domain"
)

// MaxMessages 邮件保留窗口：存储中最多保留的最新邮件数量。
const MaxMessages = 300

// MessageRepository 定义邮件存取操作。
//
// 只有插入和按时间倒序读取，没有更新和删除；超出保留窗口的旧邮件在插入后被淘汰。
type MessageRepository interface {
	InsertMessage(message *domain.Message) error
	ListRecentMessages(limit int) ([]domain.Message, error)
}

// IdentityRepository 定义身份存取操作。
type IdentityRepository interface {
	GetIdentityByUsername(username string) (*domain.Identity, error)
	GetIdentityByID(id string) (*domain.Identity, error)
	GetIdentityByAPIKey(apiKey string) (*domain.Identity, error)
	CreateIdentity(identity *domain.Identity) error
	UpdateIdentity(identity *domain.Identity) error
	DeleteIdentity(id string) error
	ListIdentities() ([]domain.Identity, error)
}

// InviteRepository 定义邀请码存取操作。
type InviteRepository interface {
	GetInvite(code string) (*domain.Invite, error)
	CreateInvite(invite *domain.Invite) error
	MarkInviteUsed(code, usedBy string) error
	ListInvites() ([]domain.Invite, error)
	// RedeemInvite 原子地把邀请码标记为已使用并创建身份，两者要么都成功要么都不生效。
	// 邀请码不存在、已使用或在 now 时刻已过期返回 domain.ErrInvalidInvite；
	// 用户名冲突返回 domain.ErrUsernameTaken。
	RedeemInvite(code string, now time.Time, identity *domain.Identity) error
}

// SessionRepository 定义会话存取操作。
type SessionRepository interface {
	GetSession(token string) (*domain.Session, error)
	CreateSession(session *domain.Session) error
	DeleteSession(token string) error
	DeleteExpiredSessions(now time.Time) (int, error) // 返回删除数量
}

// SettingsRepository 定义全局配置存取操作。
type SettingsRepository interface {
	// GetSettings 返回当前配置；从未保存过时返回 domain.ErrNotFound。
	GetSettings() (*domain.Settings, error)
	// SaveSettings 仅当存储中的版本等于 settings.Version 时写入，并把版本加一。
	// 版本不一致返回 domain.ErrVersionConflict。
	SaveSettings(settings *domain.Settings) error
}

// Store 定义完整的存储接口。
type Store interface {
	MessageRepository
	IdentityRepository
	InviteRepository
	SessionRepository
	SettingsRepository

	Close() error
	Health() error
}
