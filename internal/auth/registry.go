package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"mailsink/backend/internal/config"
	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/storage"
)

// DefaultBootstrapPassword 默认的初始管理员密码，使用时启动日志会发出警告
const DefaultBootstrapPassword = "password"

const (
	sessionTokenBytes = 32
	inviteCodeBytes   = 16
)

// Repository 身份注册表依赖的存储接口
type Repository interface {
	storage.IdentityRepository
	storage.InviteRepository
	storage.SessionRepository
}

// Registry 身份与会话注册表
//
// 负责把调用方凭证（API Key 或会话令牌）解析为身份，
// 以及身份、会话和邀请码的全部写操作。
type Registry struct {
	repo     Repository
	cfg      config.AuthConfig
	log      *zap.Logger
	now      func() time.Time
	hashCost int

	dummyOnce sync.Once
	dummyHash string
}

// NewRegistry 创建身份注册表
func NewRegistry(repo Repository, cfg config.AuthConfig, log *zap.Logger) *Registry {
	return &Registry{
		repo:     repo,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		hashCost: bcrypt.DefaultCost,
	}
}

// ========== 凭证解析 ==========

// ResolveCaller 解析调用方身份
//
// API Key 优先；未提供或未匹配时回退到会话令牌，会话必须在当前时刻之后过期。
// 读到的过期会话会被顺手删除。两者都无法解析时返回 nil。
func (r *Registry) ResolveCaller(apiKey, token string) *domain.Identity {
	if apiKey != "" {
		identity, err := r.repo.GetIdentityByAPIKey(apiKey)
		if err == nil {
			return identity
		}
		if !errors.Is(err, domain.ErrNotFound) {
			r.log.Error("failed to resolve api key", zap.Error(err))
		}
	}

	if token == "" {
		return nil
	}

	session, err := r.repo.GetSession(token)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			r.log.Error("failed to load session", zap.Error(err))
		}
		return nil
	}

	if session.Expired(r.now()) {
		if err := r.repo.DeleteSession(token); err != nil {
			r.log.Warn("failed to delete expired session", zap.Error(err))
		}
		return nil
	}

	identity, err := r.repo.GetIdentityByID(session.UserID)
	if err != nil {
		return nil
	}
	return identity
}

// VerifyCredentials 校验用户名和密码
//
// 用户不存在时仍然对一个固定哈希执行一次比较，使耗时与用户存在时一致。
func (r *Registry) VerifyCredentials(username, password string) (*domain.Identity, bool) {
	identity, err := r.repo.GetIdentityByUsername(strings.TrimSpace(username))
	if err != nil {
		CheckPassword(password, r.placeholderHash())
		return nil, false
	}
	if !CheckPassword(password, identity.PasswordHash) {
		return nil, false
	}
	return identity, true
}

func (r *Registry) placeholderHash() string {
	r.dummyOnce.Do(func() {
		hash, err := HashPassword(uuid.NewString(), r.hashCost)
		if err != nil {
			r.log.Error("failed to build placeholder hash", zap.Error(err))
			return
		}
		r.dummyHash = hash
	})
	return r.dummyHash
}

// ========== 会话 ==========

// CreateSession 为身份签发新会话，同时清理已过期的会话
func (r *Registry) CreateSession(identity *domain.Identity) (*domain.Session, error) {
	now := r.now()

	if removed, err := r.repo.DeleteExpiredSessions(now); err != nil {
		r.log.Warn("failed to purge expired sessions", zap.Error(err))
	} else if removed > 0 {
		r.log.Debug("purged expired sessions", zap.Int("count", removed))
	}

	token, err := randomHex(sessionTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	session := &domain.Session{
		Token:     token,
		UserID:    identity.ID,
		ExpiresAt: now.Add(r.cfg.SessionTTL),
		CreatedAt: now,
	}
	if err := r.repo.CreateSession(session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return session, nil
}

// Logout 删除会话
func (r *Registry) Logout(token string) error {
	if token == "" {
		return nil
	}
	return r.repo.DeleteSession(token)
}

// PurgeExpiredSessions 删除所有已过期的会话，返回删除数量
func (r *Registry) PurgeExpiredSessions() (int, error) {
	return r.repo.DeleteExpiredSessions(r.now())
}

// ========== 邀请码 ==========

// CreateInvite 管理员创建邀请码
//
// 参数:
//   - caller: 调用方身份，必须为管理员
//   - role: 授予的角色，空值视为 user
//   - allowedDomains: 授予的可见域名，user 角色不能为空
//
// 返回值:
//   - *domain.Invite: 新建的邀请码
//   - error: 权限不足、参数无效或保存失败时返回错误
func (r *Registry) CreateInvite(caller *domain.Identity, role domain.Role, allowedDomains []string) (*domain.Invite, error) {
	if !caller.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	if role == "" {
		role = domain.RoleUser
	}
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q: %w", role, domain.ErrInvalidInput)
	}

	domains := domain.NormalizeDomains(allowedDomains)
	if err := domain.ValidateDomains(domains); err != nil {
		return nil, err
	}
	if role == domain.RoleUser && len(domains) == 0 {
		return nil, fmt.Errorf("allowed domains are required for user invites: %w", domain.ErrInvalidInput)
	}
	if role == domain.RoleAdmin {
		domains = []string{domain.Wildcard}
	}

	code, err := randomHex(inviteCodeBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate invite code: %w", err)
	}

	now := r.now()
	invite := &domain.Invite{
		Code:           code,
		Role:           role,
		AllowedDomains: domains,
		ExpiresAt:      now.Add(r.cfg.InviteTTL),
		CreatedAt:      now,
		CreatedBy:      caller.ID,
	}
	if err := r.repo.CreateInvite(invite); err != nil {
		return nil, err
	}

	r.log.Info("invite created",
		zap.String("created_by", caller.Username),
		zap.String("role", string(role)),
		zap.Strings("allowed_domains", domains),
	)
	return invite, nil
}

// ListInvites 管理员列出全部邀请码
func (r *Registry) ListInvites(caller *domain.Identity) ([]domain.Invite, error) {
	if !caller.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	return r.repo.ListInvites()
}

// RedeemInvite 兑换邀请码并创建身份
//
// 邀请码不存在、已使用或已过期返回 domain.ErrInvalidInvite；
// 用户名已被占用返回 domain.ErrUsernameTaken。标记与创建在存储层原子完成。
func (r *Registry) RedeemInvite(code, username, password string) (*domain.Identity, error) {
	username = strings.TrimSpace(username)
	if err := domain.ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	invite, err := r.repo.GetInvite(code)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrInvalidInvite
		}
		return nil, err
	}
	now := r.now()
	if !invite.Redeemable(now) {
		return nil, domain.ErrInvalidInvite
	}

	hash, err := HashPassword(password, r.hashCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	identity := &domain.Identity{
		ID:             uuid.NewString(),
		Username:       username,
		PasswordHash:   hash,
		Role:           invite.Role,
		AllowedDomains: append([]string(nil), invite.AllowedDomains...),
		APIKey:         newAPIKey(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.repo.RedeemInvite(code, now, identity); err != nil {
		return nil, err
	}

	r.log.Info("invite redeemed",
		zap.String("username", identity.Username),
		zap.String("role", string(identity.Role)),
	)
	return identity, nil
}

// ========== 身份管理 ==========

// RotateAPIKey 为身份生成新的 API Key，旧 Key 立即失效
func (r *Registry) RotateAPIKey(identityID string) (string, error) {
	identity, err := r.repo.GetIdentityByID(identityID)
	if err != nil {
		return "", err
	}

	identity.APIKey = newAPIKey()
	identity.UpdatedAt = r.now()
	if err := r.repo.UpdateIdentity(identity); err != nil {
		return "", err
	}
	return identity.APIKey, nil
}

// SetPassword 修改身份密码
func (r *Registry) SetPassword(identityID, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	identity, err := r.repo.GetIdentityByID(identityID)
	if err != nil {
		return err
	}

	hash, err := HashPassword(newPassword, r.hashCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	identity.PasswordHash = hash
	identity.UpdatedAt = r.now()
	return r.repo.UpdateIdentity(identity)
}

// SetAllowedDomains 管理员修改身份的可见域名
func (r *Registry) SetAllowedDomains(caller *domain.Identity, identityID string, domains []string) (*domain.Identity, error) {
	if !caller.IsAdmin() {
		return nil, domain.ErrForbidden
	}

	identity, err := r.repo.GetIdentityByID(identityID)
	if err != nil {
		return nil, err
	}

	normalized := domain.NormalizeDomains(domains)
	if err := domain.ValidateDomains(normalized); err != nil {
		return nil, err
	}
	if identity.Role == domain.RoleUser && len(normalized) == 0 {
		return nil, fmt.Errorf("allowed domains must not be empty: %w", domain.ErrInvalidInput)
	}

	identity.AllowedDomains = normalized
	identity.UpdatedAt = r.now()
	if err := r.repo.UpdateIdentity(identity); err != nil {
		return nil, err
	}
	return identity, nil
}

// SetRole 管理员修改其他身份的角色
func (r *Registry) SetRole(caller *domain.Identity, identityID string, role domain.Role) (*domain.Identity, error) {
	if !caller.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q: %w", role, domain.ErrInvalidInput)
	}
	if caller.ID == identityID {
		return nil, fmt.Errorf("cannot change own role: %w", domain.ErrForbidden)
	}

	identity, err := r.repo.GetIdentityByID(identityID)
	if err != nil {
		return nil, err
	}
	if role == domain.RoleUser && len(identity.AllowedDomains) == 0 {
		return nil, fmt.Errorf("allowed domains must not be empty: %w", domain.ErrInvalidInput)
	}

	identity.Role = role
	identity.UpdatedAt = r.now()
	if err := r.repo.UpdateIdentity(identity); err != nil {
		return nil, err
	}
	return identity, nil
}

// DeleteIdentity 管理员删除身份，不能删除自己
func (r *Registry) DeleteIdentity(caller *domain.Identity, identityID string) error {
	if !caller.IsAdmin() {
		return domain.ErrForbidden
	}
	if caller.ID == identityID {
		return domain.ErrSelfDeletionForbidden
	}
	if err := r.repo.DeleteIdentity(identityID); err != nil {
		return err
	}

	r.log.Info("identity deleted",
		zap.String("deleted_by", caller.Username),
		zap.String("identity_id", identityID),
	)
	return nil
}

// Identity 按 ID 读取身份
func (r *Registry) Identity(id string) (*domain.Identity, error) {
	return r.repo.GetIdentityByID(id)
}

// ListIdentities 管理员列出全部身份
func (r *Registry) ListIdentities(caller *domain.Identity) ([]domain.Identity, error) {
	if !caller.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	return r.repo.ListIdentities()
}

// ========== 初始化 ==========

// EnsureBootstrapAdmin 在没有任何身份时创建初始管理员
func (r *Registry) EnsureBootstrapAdmin() error {
	identities, err := r.repo.ListIdentities()
	if err != nil {
		return fmt.Errorf("failed to list identities: %w", err)
	}
	if len(identities) > 0 {
		return nil
	}

	identity, _, err := r.UpsertAdmin(r.cfg.BootstrapUsername, r.cfg.BootstrapPassword)
	if err != nil {
		return err
	}

	r.log.Info("bootstrap admin created", zap.String("username", identity.Username))
	if r.cfg.BootstrapPassword == DefaultBootstrapPassword {
		r.log.Warn("bootstrap admin uses the default password, change it after first login",
			zap.String("username", identity.Username),
		)
	}
	return nil
}

// UpsertAdmin 创建管理员，用户名已存在时将其提升为管理员并重置密码
//
// 返回值:
//   - *domain.Identity: 管理员身份
//   - bool: 是否为新建
//   - error: 参数无效或保存失败时返回错误
func (r *Registry) UpsertAdmin(username, password string) (*domain.Identity, bool, error) {
	username = strings.TrimSpace(username)
	if err := domain.ValidateUsername(username); err != nil {
		return nil, false, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, false, err
	}

	hash, err := HashPassword(password, r.hashCost)
	if err != nil {
		return nil, false, fmt.Errorf("failed to hash password: %w", err)
	}
	now := r.now()

	existing, err := r.repo.GetIdentityByUsername(username)
	switch {
	case err == nil:
		existing.Role = domain.RoleAdmin
		existing.AllowedDomains = []string{domain.Wildcard}
		existing.PasswordHash = hash
		if existing.APIKey == "" {
			existing.APIKey = newAPIKey()
		}
		existing.UpdatedAt = now
		if err := r.repo.UpdateIdentity(existing); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, false, err
	}

	identity := &domain.Identity{
		ID:             uuid.NewString(),
		Username:       username,
		PasswordHash:   hash,
		Role:           domain.RoleAdmin,
		AllowedDomains: []string{domain.Wildcard},
		APIKey:         newAPIKey(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.repo.CreateIdentity(identity); err != nil {
		return nil, false, err
	}
	return identity, true, nil
}

// randomHex 生成 n 字节的随机数并编码为十六进制
func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// newAPIKey 生成 API Key
func newAPIKey() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}
