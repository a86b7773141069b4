package sql

import (
	"time"

	"mailsink/backend/internal/domain"
)

// ========== Session Repository ==========

// GetSession 根据令牌获取会话（可能已过期，由调用方判断）
func (s *Store) GetSession(token string) (*domain.Session, error) {
	var session domain.Session
	if err := s.gormDB.Where("token = ?", token).First(&session).Error; err != nil {
		return nil, notFound(err)
	}
	return &session, nil
}

// CreateSession 保存会话
func (s *Store) CreateSession(session *domain.Session) error {
	return s.gormDB.Create(session).Error
}

// DeleteSession 删除会话，不存在时不报错
func (s *Store) DeleteSession(token string) error {
	return s.gormDB.Where("token = ?", token).Delete(&domain.Session{}).Error
}

// DeleteExpiredSessions 删除在 now 时刻已过期的会话
func (s *Store) DeleteExpiredSessions(now time.Time) (int, error) {
	result := s.gormDB.Where("expires_at <= ?", now.UTC()).Delete(&domain.Session{})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}
