package hybrid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/storage"
	"mailsink/backend/internal/storage/redis"
)

var _ storage.Store = (*Store)(nil)

// Store 混合存储实现：邮件、身份、邀请码和配置保存在基础存储中，会话保存在 Redis
type Store struct {
	storage.Store
	sessions *redis.SessionStore
	redis    *redis.Client
	log      *zap.Logger
}

// NewStore 创建混合存储实例
//
// 参数:
//   - base: 基础存储（memory、file 或 sql）
//   - client: 已连接的 Redis 客户端
//   - log: 日志记录器
func NewStore(base storage.Store, client *redis.Client, log *zap.Logger) *Store {
	return &Store{
		Store:    base,
		sessions: redis.NewSessionStore(client),
		redis:    client,
		log:      log,
	}
}

// ========== Session Repository ==========

// GetSession 从 Redis 获取会话
func (s *Store) GetSession(token string) (*domain.Session, error) {
	return s.sessions.GetSession(token)
}

// CreateSession 保存会话到 Redis
func (s *Store) CreateSession(session *domain.Session) error {
	return s.sessions.CreateSession(session)
}

// DeleteSession 从 Redis 删除会话
func (s *Store) DeleteSession(token string) error {
	return s.sessions.DeleteSession(token)
}

// DeleteExpiredSessions 会话由 Redis TTL 自动过期
func (s *Store) DeleteExpiredSessions(now time.Time) (int, error) {
	return s.sessions.DeleteExpiredSessions(now)
}

// DeleteIdentity 删除身份后清理其在 Redis 中的会话
func (s *Store) DeleteIdentity(id string) error {
	if err := s.Store.DeleteIdentity(id); err != nil {
		return err
	}
	if err := s.sessions.DeleteUserSessions(id); err != nil {
		s.log.Warn("failed to delete redis sessions for identity",
			zap.String("identity_id", id),
			zap.Error(err),
		)
	}
	return nil
}

// ========== 工具方法 ==========

// Close 关闭基础存储和 Redis 连接
func (s *Store) Close() error {
	return errors.Join(s.Store.Close(), s.redis.Close())
}

// Health 检查基础存储和 Redis 的健康状态
func (s *Store) Health() error {
	if err := s.Store.Health(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.redis.Ping(ctx); err != nil {
		return fmt.Errorf("redis unhealthy: %w", err)
	}
	return nil
}
