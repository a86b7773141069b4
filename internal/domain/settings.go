package domain

import "time"

// SettingsID 全局配置记录的固定 ID
const SettingsID = "global"

// RelayConfig 外发中继配置
type RelayConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	User    string `json:"user"`
	Pass    string `json:"pass"`
	From    string `json:"from"`
	Secure  bool   `json:"secure"`  // true 时使用隐式 TLS，否则尝试 STARTTLS
	Enabled bool   `json:"enabled"`
}

// Configured 判断中继是否启用且配置完整
func (r RelayConfig) Configured() bool {
	return r.Enabled && r.Host != ""
}

// Settings 全局配置记录，带版本号用于并发更新的比较交换。
type Settings struct {
	ID             string      `json:"id" gorm:"primaryKey;type:varchar(32)"`
	Version        int64       `json:"version"`
	AllowedDomains []string    `json:"allowedDomains" gorm:"serializer:json;type:text"` // 空表示允许所有域名
	Relay          RelayConfig `json:"smtp" gorm:"serializer:json;type:text"`
	UpdatedAt      time.Time   `json:"updatedAt"`
	UpdatedBy      string      `json:"updatedBy,omitempty" gorm:"type:varchar(36)"`
}

// DefaultSettings 返回初始全局配置
func DefaultSettings(allowedDomains []string) *Settings {
	return &Settings{
		ID:             SettingsID,
		Version:        0,
		AllowedDomains: NormalizeDomains(allowedDomains),
		Relay:          RelayConfig{Port: 587},
		UpdatedAt:      time.Now().UTC(),
	}
}

// Clone 返回配置的深拷贝
func (s *Settings) Clone() *Settings {
	if s == nil {
		return nil
	}
	c := *s
	c.AllowedDomains = append([]string(nil), s.AllowedDomains...)
	return &c
}
