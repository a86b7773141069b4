package sql

import (
	"fmt"

	"gorm.io/gorm"

	"mailsink/backend/internal/domain"
)

// ========== Message Repository ==========

// InsertMessage 插入邮件，并在同一事务中删除超出保留窗口的旧邮件
func (s *Store) InsertMessage(message *domain.Message) error {
	if message == nil || message.ID == "" {
		return fmt.Errorf("message id is required: %w", domain.ErrInvalidInput)
	}

	s.insertMu.Lock()
	defer s.insertMu.Unlock()

	return s.gormDB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(message).Error; err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		// 找到窗口外最新一条的序号，删除它及更旧的邮件
		var cutoff []int64
		err := tx.Model(&domain.Message{}).
			Order("seq DESC").
			Offset(s.capacity).
			Limit(1).
			Pluck("seq", &cutoff).Error
		if err != nil {
			return fmt.Errorf("failed to locate retention cutoff: %w", err)
		}
		if len(cutoff) == 0 {
			return nil
		}

		if err := tx.Where("seq <= ?", cutoff[0]).Delete(&domain.Message{}).Error; err != nil {
			return fmt.Errorf("failed to trim messages: %w", err)
		}
		return nil
	})
}

// ListRecentMessages 按插入顺序倒序返回最多 limit 封邮件
func (s *Store) ListRecentMessages(limit int) ([]domain.Message, error) {
	if limit <= 0 || limit > s.capacity {
		limit = s.capacity
	}

	var messages []domain.Message
	if err := s.gormDB.Order("seq DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}
