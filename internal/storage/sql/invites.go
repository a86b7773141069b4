package sql

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"mailsink/backend/internal/domain"
)

// ========== Invite Repository ==========

// GetInvite 根据邀请码获取邀请
func (s *Store) GetInvite(code string) (*domain.Invite, error) {
	var invite domain.Invite
	if err := s.gormDB.Where("code = ?", code).First(&invite).Error; err != nil {
		return nil, notFound(err)
	}
	return &invite, nil
}

// CreateInvite 保存邀请码
func (s *Store) CreateInvite(invite *domain.Invite) error {
	if err := s.gormDB.Create(invite).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("invite code collision: %w", domain.ErrInvalidInput)
		}
		return err
	}
	return nil
}

// MarkInviteUsed 将未使用的邀请码标记为已使用
func (s *Store) MarkInviteUsed(code, usedBy string) error {
	return s.gormDB.Transaction(func(tx *gorm.DB) error {
		return markUsedTx(tx, code, usedBy)
	})
}

// ListInvites 按创建时间倒序返回全部邀请码
func (s *Store) ListInvites() ([]domain.Invite, error) {
	var invites []domain.Invite
	if err := s.gormDB.Order("created_at DESC").Find(&invites).Error; err != nil {
		return nil, err
	}
	return invites, nil
}

// RedeemInvite 在一个事务中标记邀请码并创建身份
//
// 标记使用带 used = false 条件的 UPDATE，两个并发兑换中只有一个能影响到行。
// 创建身份失败时事务回滚，邀请码保持未使用。
func (s *Store) RedeemInvite(code string, now time.Time, identity *domain.Identity) error {
	return s.gormDB.Transaction(func(tx *gorm.DB) error {
		var invite domain.Invite
		if err := tx.Where("code = ?", code).First(&invite).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrInvalidInvite
			}
			return err
		}
		if !invite.Redeemable(now) {
			return domain.ErrInvalidInvite
		}

		if err := markUsedTx(tx, code, identity.ID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.ErrInvalidInvite
			}
			return err
		}
		return createIdentityTx(tx, identity)
	})
}

// markUsedTx 条件更新邀请码状态，邀请码已被使用时返回 ErrInvalidInvite
func markUsedTx(tx *gorm.DB, code, usedBy string) error {
	result := tx.Model(&domain.Invite{}).
		Where("code = ? AND used = ?", code, false).
		Updates(map[string]interface{}{"used": true, "used_by": usedBy})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := tx.Model(&domain.Invite{}).Where("code = ?", code).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrNotFound
	}
	return domain.ErrInvalidInvite
}
