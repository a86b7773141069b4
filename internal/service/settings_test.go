package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/storage/memory"
)

// MockSettingsRepository 模拟配置存储
type MockSettingsRepository struct {
	mock.Mock
}

func (m *MockSettingsRepository) GetSettings() (*domain.Settings, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Settings).Clone(), args.Error(1)
}

func (m *MockSettingsRepository) SaveSettings(settings *domain.Settings) error {
	args := m.Called(settings)
	return args.Error(0)
}

func TestSettingsService(t *testing.T) {
	t.Run("未初始化时返回配置中的默认值", func(t *testing.T) {
		svc := NewSettingsService(memory.NewStore(), []string{"Example.com"}, zap.NewNop())

		domains, err := svc.AllowedDomains()
		require.NoError(t, err)
		assert.Equal(t, []string{"example.com"}, domains)
	})

	t.Run("初始化只写入一次", func(t *testing.T) {
		store := memory.NewStore()
		svc := NewSettingsService(store, []string{"example.com"}, zap.NewNop())
		require.NoError(t, svc.EnsureInitialized())
		require.NoError(t, svc.EnsureInitialized())

		settings, err := store.GetSettings()
		require.NoError(t, err)
		assert.Equal(t, int64(1), settings.Version)
	})

	t.Run("管理员修改白名单", func(t *testing.T) {
		store := memory.NewStore()
		svc := NewSettingsService(store, nil, zap.NewNop())
		require.NoError(t, svc.EnsureInitialized())

		updated, err := svc.SetAllowedDomains(adminIdentity, []string{"@Foo.com", "bar.com"})
		require.NoError(t, err)
		assert.Equal(t, []string{"foo.com", "bar.com"}, updated.AllowedDomains)
		assert.Equal(t, "admin", updated.UpdatedBy)

		domains, err := svc.AllowedDomains()
		require.NoError(t, err)
		assert.Equal(t, []string{"foo.com", "bar.com"}, domains)

		_, err = svc.SetAllowedDomains(exampleIdentity, nil)
		assert.ErrorIs(t, err, domain.ErrForbidden)

		_, err = svc.SetAllowedDomains(adminIdentity, []string{"not a domain"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		domains, err = svc.AllowedDomains()
		require.NoError(t, err)
		assert.Equal(t, []string{"foo.com", "bar.com"}, domains)
	})

	t.Run("修改中继配置时保留旧密码", func(t *testing.T) {
		store := memory.NewStore()
		svc := NewSettingsService(store, nil, zap.NewNop())

		_, err := svc.SetRelayConfig(adminIdentity, domain.RelayConfig{Host: "smtp.example.com", Pass: "secret", Enabled: true})
		require.NoError(t, err)

		_, err = svc.SetRelayConfig(adminIdentity, domain.RelayConfig{Host: "smtp2.example.com", Port: 465, Enabled: true})
		require.NoError(t, err)

		relay, err := svc.RelayConfig()
		require.NoError(t, err)
		assert.Equal(t, "smtp2.example.com", relay.Host)
		assert.Equal(t, "secret", relay.Pass)
		assert.Equal(t, 465, relay.Port)

		_, err = svc.SetRelayConfig(adminIdentity, domain.RelayConfig{Enabled: true})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("版本冲突后重试", func(t *testing.T) {
		repo := new(MockSettingsRepository)
		current := domain.DefaultSettings(nil)
		current.Version = 3
		repo.On("GetSettings").Return(current, nil)
		repo.On("SaveSettings", mock.Anything).Return(domain.ErrVersionConflict).Once()
		repo.On("SaveSettings", mock.Anything).Return(nil).Once()

		svc := NewSettingsService(repo, nil, zap.NewNop())
		_, err := svc.SetAllowedDomains(adminIdentity, []string{"example.com"})
		require.NoError(t, err)
		repo.AssertNumberOfCalls(t, "SaveSettings", 2)
	})

	t.Run("持续冲突时放弃", func(t *testing.T) {
		repo := new(MockSettingsRepository)
		repo.On("GetSettings").Return(domain.DefaultSettings(nil), nil)
		repo.On("SaveSettings", mock.Anything).Return(domain.ErrVersionConflict)

		svc := NewSettingsService(repo, nil, zap.NewNop())
		_, err := svc.SetAllowedDomains(adminIdentity, []string{"example.com"})
		assert.ErrorIs(t, err, domain.ErrVersionConflict)
	})
}
