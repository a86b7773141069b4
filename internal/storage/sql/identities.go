package sql

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"mailsink/backend/internal/domain"
)

// ========== Identity Repository ==========

// GetIdentityByUsername 根据用户名获取身份（不区分大小写）
func (s *Store) GetIdentityByUsername(username string) (*domain.Identity, error) {
	var identity domain.Identity
	err := s.gormDB.
		Where("LOWER(username) = ?", strings.ToLower(strings.TrimSpace(username))).
		First(&identity).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &identity, nil
}

// GetIdentityByID 根据ID获取身份
func (s *Store) GetIdentityByID(id string) (*domain.Identity, error) {
	var identity domain.Identity
	if err := s.gormDB.Where("id = ?", id).First(&identity).Error; err != nil {
		return nil, notFound(err)
	}
	return &identity, nil
}

// GetIdentityByAPIKey 根据 API Key 获取身份
func (s *Store) GetIdentityByAPIKey(apiKey string) (*domain.Identity, error) {
	if apiKey == "" {
		return nil, domain.ErrNotFound
	}
	var identity domain.Identity
	if err := s.gormDB.Where("api_key = ?", apiKey).First(&identity).Error; err != nil {
		return nil, notFound(err)
	}
	return &identity, nil
}

// CreateIdentity 创建身份
func (s *Store) CreateIdentity(identity *domain.Identity) error {
	return s.gormDB.Transaction(func(tx *gorm.DB) error {
		return createIdentityTx(tx, identity)
	})
}

// UpdateIdentity 更新身份的全部字段
func (s *Store) UpdateIdentity(identity *domain.Identity) error {
	return s.gormDB.Transaction(func(tx *gorm.DB) error {
		var current domain.Identity
		if err := tx.Where("id = ?", identity.ID).First(&current).Error; err != nil {
			return notFound(err)
		}

		taken, err := usernameTaken(tx, identity.Username, identity.ID)
		if err != nil {
			return err
		}
		if taken {
			return domain.ErrUsernameTaken
		}

		// 并发改名时由唯一索引兜底；API Key 为 32 字节随机数，冲突只可能来自用户名
		if err := tx.Save(identity).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domain.ErrUsernameTaken
			}
			return err
		}
		return nil
	})
}

// DeleteIdentity 删除身份及其全部会话
func (s *Store) DeleteIdentity(id string) error {
	return s.gormDB.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ?", id).Delete(&domain.Identity{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return tx.Where("user_id = ?", id).Delete(&domain.Session{}).Error
	})
}

// ListIdentities 按创建时间返回全部身份
func (s *Store) ListIdentities() ([]domain.Identity, error) {
	var identities []domain.Identity
	if err := s.gormDB.Order("created_at ASC").Find(&identities).Error; err != nil {
		return nil, err
	}
	return identities, nil
}

// createIdentityTx 在事务内校验用户名唯一并创建身份
//
// 先查后插只给出友好的错误；并发注册 Bob 和 bob 时由 LOWER(username) 唯一索引拒绝后提交的一方。
func createIdentityTx(tx *gorm.DB, identity *domain.Identity) error {
	if identity == nil || identity.ID == "" {
		return fmt.Errorf("identity id is required: %w", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(identity.Username) == "" {
		return fmt.Errorf("username is required: %w", domain.ErrInvalidInput)
	}

	taken, err := usernameTaken(tx, identity.Username, "")
	if err != nil {
		return err
	}
	if taken {
		return domain.ErrUsernameTaken
	}

	if err := tx.Create(identity).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrUsernameTaken
		}
		return err
	}
	return nil
}

// usernameTaken 判断用户名是否已被 exceptID 以外的身份占用
func usernameTaken(tx *gorm.DB, username, exceptID string) (bool, error) {
	query := tx.Model(&domain.Identity{}).
		Where("LOWER(username) = ?", strings.ToLower(strings.TrimSpace(username)))
	if exceptID != "" {
		query = query.Where("id <> ?", exceptID)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
