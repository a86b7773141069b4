package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/storage"
)

// maxSettingsRetries 版本冲突时的最大重试次数
const maxSettingsRetries = 5

// SettingsService 全局配置服务
//
// 每次调用都从存储读取最新记录，不在进程内缓存。
type SettingsService struct {
	repo     storage.SettingsRepository
	defaults []string
	log      *zap.Logger
}

// NewSettingsService 创建全局配置服务
//
// 参数:
//   - repo: 配置存储
//   - defaultDomains: 存储中还没有配置记录时使用的全局域名列表
//   - log: 日志记录器
func NewSettingsService(repo storage.SettingsRepository, defaultDomains []string, log *zap.Logger) *SettingsService {
	return &SettingsService{
		repo:     repo,
		defaults: domain.NormalizeDomains(defaultDomains),
		log:      log,
	}
}

// EnsureInitialized 存储中没有配置记录时写入初始配置
func (s *SettingsService) EnsureInitialized() error {
	_, err := s.repo.GetSettings()
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	settings := domain.DefaultSettings(s.defaults)
	if err := s.repo.SaveSettings(settings); err != nil {
		// 其他实例已经写入
		if errors.Is(err, domain.ErrVersionConflict) {
			return nil
		}
		return fmt.Errorf("failed to save initial settings: %w", err)
	}

	s.log.Info("global settings initialized",
		zap.Strings("allowed_domains", settings.AllowedDomains),
	)
	return nil
}

// Current 返回当前全局配置，未初始化时返回默认配置
func (s *SettingsService) Current() (*domain.Settings, error) {
	settings, err := s.repo.GetSettings()
	if errors.Is(err, domain.ErrNotFound) {
		return domain.DefaultSettings(s.defaults), nil
	}
	return settings, err
}

// AllowedDomains 返回全局域名白名单，空列表表示允许所有域名
func (s *SettingsService) AllowedDomains() ([]string, error) {
	settings, err := s.Current()
	if err != nil {
		return nil, err
	}
	return settings.AllowedDomains, nil
}

// RelayConfig 返回外发中继配置
func (s *SettingsService) RelayConfig() (domain.RelayConfig, error) {
	settings, err := s.Current()
	if err != nil {
		return domain.RelayConfig{}, err
	}
	return settings.Relay, nil
}

// SetAllowedDomains 管理员修改全局域名白名单，空列表表示允许所有域名
func (s *SettingsService) SetAllowedDomains(caller *domain.Identity, domains []string) (*domain.Settings, error) {
	if !caller.IsAdmin() {
		return nil, domain.ErrForbidden
	}

	normalized := domain.NormalizeDomains(domains)
	if err := domain.ValidateDomains(normalized); err != nil {
		return nil, err
	}
	updated, err := s.update(caller, func(settings *domain.Settings) {
		settings.AllowedDomains = normalized
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("global allowed domains updated",
		zap.String("updated_by", caller.Username),
		zap.Strings("allowed_domains", normalized),
	)
	return updated, nil
}

// SetRelayConfig 管理员修改外发中继配置
//
// 密码为空时保留原密码。
func (s *SettingsService) SetRelayConfig(caller *domain.Identity, relay domain.RelayConfig) (*domain.Settings, error) {
	if !caller.IsAdmin() {
		return nil, domain.ErrForbidden
	}

	relay.Host = strings.TrimSpace(relay.Host)
	relay.From = strings.TrimSpace(relay.From)
	if relay.Port == 0 {
		relay.Port = 587
	}
	if relay.Port < 0 || relay.Port > 65535 {
		return nil, fmt.Errorf("invalid relay port %d: %w", relay.Port, domain.ErrInvalidInput)
	}
	if relay.Enabled && relay.Host == "" {
		return nil, fmt.Errorf("relay host is required when enabled: %w", domain.ErrInvalidInput)
	}

	updated, err := s.update(caller, func(settings *domain.Settings) {
		next := relay
		if next.Pass == "" {
			next.Pass = settings.Relay.Pass
		}
		settings.Relay = next
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("relay config updated",
		zap.String("updated_by", caller.Username),
		zap.String("host", relay.Host),
		zap.Int("port", relay.Port),
		zap.Bool("enabled", relay.Enabled),
	)
	return updated, nil
}

// update 读取最新配置、修改后按版本写回，版本冲突时重试
func (s *SettingsService) update(caller *domain.Identity, mutate func(*domain.Settings)) (*domain.Settings, error) {
	for attempt := 0; attempt < maxSettingsRetries; attempt++ {
		settings, err := s.Current()
		if err != nil {
			return nil, err
		}

		mutate(settings)
		settings.UpdatedAt = time.Now().UTC()
		settings.UpdatedBy = caller.ID

		err = s.repo.SaveSettings(settings)
		if err == nil {
			return settings, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, err
		}
		s.log.Debug("settings version conflict, retrying", zap.Int("attempt", attempt+1))
	}
	return nil, domain.ErrVersionConflict
}
