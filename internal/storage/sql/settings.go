package sql

import (
	"errors"

	"gorm.io/gorm"

	"mailsink/backend/internal/domain"
)

// ========== Settings Repository ==========

// GetSettings 返回全局配置，从未保存过时返回 domain.ErrNotFound
func (s *Store) GetSettings() (*domain.Settings, error) {
	var settings domain.Settings
	if err := s.gormDB.Where("id = ?", domain.SettingsID).First(&settings).Error; err != nil {
		return nil, notFound(err)
	}
	return &settings, nil
}

// SaveSettings 以版本号做比较交换写入全局配置
func (s *Store) SaveSettings(settings *domain.Settings) error {
	next := settings.Clone()
	next.ID = domain.SettingsID
	next.Version = settings.Version + 1

	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		if settings.Version == 0 {
			var count int64
			if err := tx.Model(&domain.Settings{}).Where("id = ?", domain.SettingsID).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return domain.ErrVersionConflict
			}
			if err := tx.Create(next).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return domain.ErrVersionConflict
				}
				return err
			}
			return nil
		}

		result := tx.Model(&domain.Settings{}).
			Where("id = ? AND version = ?", domain.SettingsID, settings.Version).
			Select("*").
			Updates(next)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrVersionConflict
		}
		return nil
	})
	if err != nil {
		return err
	}

	settings.ID = domain.SettingsID
	settings.Version = next.Version
	return nil
}
