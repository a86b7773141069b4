package domain

import (
	"fmt"
	"regexp"
)

// 验证常量
const (
	// RFC 1035 域名长度限制
	MaxDomainLength = 253

	// 用户名长度限制
	MinUsernameLength = 3
	MaxUsernameLength = 32
)

var (
	// 域名验证（支持子域名）
	domainRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

	// 用户名验证（必须以字母开头）
	usernameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)
)

// ValidateUsername 验证用户名格式
//
// 3-32 个字符，以字母开头，只能包含字母、数字、点、下划线和连字符。
// 不合法时返回包装了 ErrInvalidInput 的错误。
func ValidateUsername(username string) error {
	if len(username) < MinUsernameLength {
		return fmt.Errorf("username must be at least %d characters: %w", MinUsernameLength, ErrInvalidInput)
	}
	if len(username) > MaxUsernameLength {
		return fmt.Errorf("username must be at most %d characters: %w", MaxUsernameLength, ErrInvalidInput)
	}
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("username %q must start with a letter and contain only letters, digits, '.', '_' or '-': %w", username, ErrInvalidInput)
	}
	return nil
}

// ValidateDomains 验证已规范化的域名列表，通配符 "*" 视为合法
func ValidateDomains(domains []string) error {
	for _, d := range domains {
		if d == Wildcard {
			continue
		}
		if len(d) > MaxDomainLength || !domainRegex.MatchString(d) {
			return fmt.Errorf("invalid domain %q: %w", d, ErrInvalidInput)
		}
	}
	return nil
}
