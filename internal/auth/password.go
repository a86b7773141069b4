package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"mailsink/backend/internal/domain"
)

// ValidatePassword 验证密码长度（bcrypt 只处理前 72 字节）
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters: %w", domain.ErrInvalidInput)
	}
	if len(password) > 72 {
		return fmt.Errorf("password must be at most 72 characters: %w", domain.ErrInvalidInput)
	}
	return nil
}

// HashPassword 用 bcrypt 哈希密码，cost 超出 bcrypt 允许范围时使用默认值
func HashPassword(password string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword 比较明文和哈希；哈希损坏与密码不匹配同样返回 false
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
