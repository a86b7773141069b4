package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"mailsink/backend/internal/domain"
)

const opTimeout = 3 * time.Second

// SessionStore 把会话保存在 Redis 中，键的 TTL 等于会话剩余有效期
type SessionStore struct {
	client *Client
}

// NewSessionStore 创建 Redis 会话存储
func NewSessionStore(client *Client) *SessionStore {
	return &SessionStore{client: client}
}

func (s *SessionStore) sessionKey(token string) string {
	return s.client.key("session", token)
}

func (s *SessionStore) userSessionKey(userID string) string {
	return s.client.key("user_sessions", userID)
}

// GetSession 根据令牌获取会话，键已过期时返回 domain.ErrNotFound
func (s *SessionStore) GetSession(token string) (*domain.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	data, err := s.client.rdb.Get(ctx, s.sessionKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

// CreateSession 保存会话，并登记到所属用户的会话集合
func (s *SessionStore) CreateSession(session *domain.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(session)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	pipe := s.client.rdb.TxPipeline()
	pipe.Set(ctx, s.sessionKey(session.Token), data, ttl)
	pipe.SAdd(ctx, s.userSessionKey(session.UserID), session.Token)
	pipe.Expire(ctx, s.userSessionKey(session.UserID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// DeleteSession 删除会话，不存在时不报错
func (s *SessionStore) DeleteSession(token string) error {
	session, err := s.GetSession(token)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	pipe := s.client.rdb.TxPipeline()
	pipe.Del(ctx, s.sessionKey(token))
	pipe.SRem(ctx, s.userSessionKey(session.UserID), token)
	_, err = pipe.Exec(ctx)
	return err
}

// DeleteUserSessions 删除某个用户的全部会话
func (s *SessionStore) DeleteUserSessions(userID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tokens, err := s.client.rdb.SMembers(ctx, s.userSessionKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list user sessions: %w", err)
	}

	keys := make([]string, 0, len(tokens)+1)
	for _, token := range tokens {
		keys = append(keys, s.sessionKey(token))
	}
	keys = append(keys, s.userSessionKey(userID))
	return s.client.rdb.Del(ctx, keys...).Err()
}

// DeleteExpiredSessions Redis 依靠键 TTL 自动过期，无需清理
func (s *SessionStore) DeleteExpiredSessions(time.Time) (int, error) {
	return 0, nil
}
