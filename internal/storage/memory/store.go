package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/storage"
)

// Store 使用内存保存邮件、身份、会话、邀请码和全局配置。
//
// 所有读写由同一把读写锁保护，读操作不会看到写了一半的数据。
type Store struct {
	mu sync.RWMutex

	messages []domain.Message // 最新的在前
	seq      int64

	identities map[string]*domain.Identity // id -> identity
	byUsername map[string]string           // lower(username) -> id
	byAPIKey   map[string]string           // apiKey -> id

	invites  map[string]*domain.Invite  // code -> invite
	sessions map[string]*domain.Session // token -> session

	settings *domain.Settings

	capacity int
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return NewStoreWithCapacity(storage.MaxMessages)
}

// NewStoreWithCapacity 创建指定邮件保留数量的内存存储，主要用于测试。
func NewStoreWithCapacity(capacity int) *Store {
	if capacity <= 0 {
		capacity = storage.MaxMessages
	}
	return &Store{
		messages:   make([]domain.Message, 0, capacity+1),
		identities: make(map[string]*domain.Identity),
		byUsername: make(map[string]string),
		byAPIKey:   make(map[string]string),
		invites:    make(map[string]*domain.Invite),
		sessions:   make(map[string]*domain.Session),
		capacity:   capacity,
	}
}

// ========== Messages ==========

// InsertMessage 将邮件插入到最新位置，超出容量时淘汰最旧的邮件。
func (s *Store) InsertMessage(message *domain.Message) error {
	if message == nil || message.ID == "" {
		return fmt.Errorf("message id is required: %w", domain.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	message.Seq = s.seq

	stored := *message
	stored.To = append([]domain.Address(nil), message.To...)

	s.messages = append(s.messages, domain.Message{})
	copy(s.messages[1:], s.messages)
	s.messages[0] = stored

	// 插入后裁剪
	if len(s.messages) > s.capacity {
		s.messages = s.messages[:s.capacity]
	}
	return nil
}

// ListRecentMessages 按插入顺序倒序返回最多 limit 封邮件。
func (s *Store) ListRecentMessages(limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.messages) {
		limit = len(s.messages)
	}
	out := make([]domain.Message, limit)
	copy(out, s.messages[:limit])
	return out, nil
}

// ========== Identities ==========

// GetIdentityByUsername 根据用户名获取身份（不区分大小写）。
func (s *Store) GetIdentityByUsername(username string) (*domain.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUsername[usernameKey(username)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.identities[id].Clone(), nil
}

// GetIdentityByID 根据 ID 获取身份。
func (s *Store) GetIdentityByID(id string) (*domain.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.identities[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return identity.Clone(), nil
}

// GetIdentityByAPIKey 根据 API Key 获取身份。
func (s *Store) GetIdentityByAPIKey(apiKey string) (*domain.Identity, error) {
	if apiKey == "" {
		return nil, domain.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAPIKey[apiKey]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.identities[id].Clone(), nil
}

// CreateIdentity 创建身份，用户名冲突返回 domain.ErrUsernameTaken。
func (s *Store) CreateIdentity(identity *domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.createIdentityLocked(identity)
}

// UpdateIdentity 更新身份。
func (s *Store) UpdateIdentity(identity *domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.identities[identity.ID]
	if !ok {
		return domain.ErrNotFound
	}

	newKey := usernameKey(identity.Username)
	if owner, exists := s.byUsername[newKey]; exists && owner != identity.ID {
		return domain.ErrUsernameTaken
	}
	if identity.APIKey != "" {
		if owner, exists := s.byAPIKey[identity.APIKey]; exists && owner != identity.ID {
			return fmt.Errorf("api key collision: %w", domain.ErrInvalidInput)
		}
	}

	delete(s.byUsername, usernameKey(current.Username))
	delete(s.byAPIKey, current.APIKey)

	stored := identity.Clone()
	s.identities[stored.ID] = stored
	s.byUsername[newKey] = stored.ID
	if stored.APIKey != "" {
		s.byAPIKey[stored.APIKey] = stored.ID
	}
	return nil
}

// DeleteIdentity 删除身份及其全部会话。
func (s *Store) DeleteIdentity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[id]
	if !ok {
		return domain.ErrNotFound
	}

	delete(s.byUsername, usernameKey(identity.Username))
	delete(s.byAPIKey, identity.APIKey)
	delete(s.identities, id)

	for token, session := range s.sessions {
		if session.UserID == id {
			delete(s.sessions, token)
		}
	}
	return nil
}

// ListIdentities 按创建时间返回全部身份。
func (s *Store) ListIdentities() ([]domain.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Identity, 0, len(s.identities))
	for _, identity := range s.identities {
		out = append(out, *identity.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) createIdentityLocked(identity *domain.Identity) error {
	if identity == nil || identity.ID == "" {
		return fmt.Errorf("identity id is required: %w", domain.ErrInvalidInput)
	}
	key := usernameKey(identity.Username)
	if key == "" {
		return fmt.Errorf("username is required: %w", domain.ErrInvalidInput)
	}
	if _, exists := s.byUsername[key]; exists {
		return domain.ErrUsernameTaken
	}
	if _, exists := s.identities[identity.ID]; exists {
		return fmt.Errorf("identity %s already exists: %w", identity.ID, domain.ErrInvalidInput)
	}
	if identity.APIKey != "" {
		if _, exists := s.byAPIKey[identity.APIKey]; exists {
			return fmt.Errorf("api key collision: %w", domain.ErrInvalidInput)
		}
	}

	stored := identity.Clone()
	s.identities[stored.ID] = stored
	s.byUsername[key] = stored.ID
	if stored.APIKey != "" {
		s.byAPIKey[stored.APIKey] = stored.ID
	}
	return nil
}

// ========== Invites ==========

// GetInvite 根据邀请码获取邀请。
func (s *Store) GetInvite(code string) (*domain.Invite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invite, ok := s.invites[code]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneInvite(invite), nil
}

// CreateInvite 保存邀请码。
func (s *Store) CreateInvite(invite *domain.Invite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.invites[invite.Code]; exists {
		return fmt.Errorf("invite code collision: %w", domain.ErrInvalidInput)
	}
	s.invites[invite.Code] = cloneInvite(invite)
	return nil
}

// MarkInviteUsed 将邀请码标记为已使用。
func (s *Store) MarkInviteUsed(code, usedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	invite, ok := s.invites[code]
	if !ok {
		return domain.ErrNotFound
	}
	if invite.Used {
		return domain.ErrInvalidInvite
	}
	invite.Used = true
	invite.UsedBy = usedBy
	return nil
}

// ListInvites 按创建时间倒序返回全部邀请码。
func (s *Store) ListInvites() ([]domain.Invite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Invite, 0, len(s.invites))
	for _, invite := range s.invites {
		out = append(out, *cloneInvite(invite))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// RedeemInvite 在同一个临界区内校验邀请码、创建身份并标记邀请码已使用。
func (s *Store) RedeemInvite(code string, now time.Time, identity *domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	invite, ok := s.invites[code]
	if !ok || !invite.Redeemable(now) {
		return domain.ErrInvalidInvite
	}

	if err := s.createIdentityLocked(identity); err != nil {
		return err
	}

	invite.Used = true
	invite.UsedBy = identity.ID
	return nil
}

// ========== Sessions ==========

// GetSession 根据令牌获取会话（可能已过期，由调用方判断）。
func (s *Store) GetSession(token string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[token]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *session
	return &copied, nil
}

// CreateSession 保存会话。
func (s *Store) CreateSession(session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *session
	s.sessions[session.Token] = &copied
	return nil
}

// DeleteSession 删除会话，不存在时不报错。
func (s *Store) DeleteSession(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, token)
	return nil
}

// DeleteExpiredSessions 删除在 now 时刻已过期的会话。
func (s *Store) DeleteExpiredSessions(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for token, session := range s.sessions {
		if session.Expired(now) {
			delete(s.sessions, token)
			count++
		}
	}
	return count, nil
}

// ========== Settings ==========

// GetSettings 返回全局配置的副本。
func (s *Store) GetSettings() (*domain.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settings == nil {
		return nil, domain.ErrNotFound
	}
	return s.settings.Clone(), nil
}

// SaveSettings 比较版本后写入全局配置。
func (s *Store) SaveSettings(settings *domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if s.settings != nil {
		current = s.settings.Version
	}
	if settings.Version != current {
		return domain.ErrVersionConflict
	}

	settings.Version = current + 1
	settings.ID = domain.SettingsID
	s.settings = settings.Clone()
	return nil
}

// ========== 工具方法 ==========

// Close 内存存储无需释放资源。
func (s *Store) Close() error {
	return nil
}

// Health 内存存储始终可用。
func (s *Store) Health() error {
	return nil
}

func usernameKey(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func cloneInvite(invite *domain.Invite) *domain.Invite {
	c := *invite
	c.AllowedDomains = append([]string(nil), invite.AllowedDomains...)
	return &c
}
