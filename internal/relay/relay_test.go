package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailsink/backend/internal/config"
	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/pool"
)

type staticSettings struct {
	relay domain.RelayConfig
	err   error
}

func (s staticSettings) RelayConfig() (domain.RelayConfig, error) {
	return s.relay, s.err
}

// MockSender 模拟发送器
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Name() string { return "mock" }

func (m *MockSender) Ready(cfg domain.RelayConfig) bool {
	return cfg.Host != ""
}

func (m *MockSender) Send(ctx context.Context, cfg domain.RelayConfig, mail Mail) error {
	args := m.Called(cfg, mail)
	return args.Error(0)
}

func newDispatcher(t *testing.T, settings SettingsSource, sender Sender) (*Dispatcher, *monitoring.Metrics, *pool.WorkerPool) {
	t.Helper()
	metrics := monitoring.NewMetrics()
	workers := pool.NewWorkerPool(1, 4, zap.NewNop())
	return NewDispatcher(settings, sender, workers, metrics, zap.NewNop()), metrics, workers
}

func TestDispatcher_Send(t *testing.T) {
	enabled := domain.RelayConfig{Host: "smtp.example.com", Port: 587, Enabled: true}

	t.Run("中继未启用时不发送", func(t *testing.T) {
		sender := new(MockSender)
		d, _, _ := newDispatcher(t, staticSettings{relay: domain.RelayConfig{Host: "smtp.example.com"}}, sender)

		err := d.Send(context.Background(), TestMail("bob@example.com"))
		assert.ErrorIs(t, err, ErrNotConfigured)
		sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	})

	t.Run("配置不完整时不发送", func(t *testing.T) {
		sender := new(MockSender)
		d, _, _ := newDispatcher(t, staticSettings{relay: domain.RelayConfig{Enabled: true}}, sender)

		assert.ErrorIs(t, d.Send(context.Background(), TestMail("bob@example.com")), ErrNotConfigured)
	})

	t.Run("发送成功记录指标", func(t *testing.T) {
		sender := new(MockSender)
		sender.On("Send", enabled, TestMail("bob@example.com")).Return(nil).Once()
		d, metrics, _ := newDispatcher(t, staticSettings{relay: enabled}, sender)

		require.NoError(t, d.Send(context.Background(), TestMail("bob@example.com")))
		sender.AssertExpectations(t)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RelayDeliveries.WithLabelValues("success")))
	})

	t.Run("发送失败返回错误", func(t *testing.T) {
		sender := new(MockSender)
		sender.On("Send", mock.Anything, mock.Anything).Return(errors.New("refused")).Once()
		d, metrics, _ := newDispatcher(t, staticSettings{relay: enabled}, sender)

		assert.ErrorContains(t, d.Send(context.Background(), TestMail("bob@example.com")), "refused")
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RelayDeliveries.WithLabelValues("failure")))
	})

	t.Run("读取配置失败", func(t *testing.T) {
		sender := new(MockSender)
		d, _, _ := newDispatcher(t, staticSettings{err: errors.New("db down")}, sender)

		assert.ErrorContains(t, d.Send(context.Background(), TestMail("bob@example.com")), "db down")
	})
}

func TestDispatcher_Enqueue(t *testing.T) {
	enabled := domain.RelayConfig{Host: "smtp.example.com", Enabled: true}
	mail := InviteMail("carol@example.com", "https://sink.example.com/", "abc123")

	sender := new(MockSender)
	sender.On("Send", enabled, mail).Return(nil).Once()
	d, _, workers := newDispatcher(t, staticSettings{relay: enabled}, sender)
	workers.Start(context.Background())

	assert.True(t, d.Enqueue(mail))
	workers.Stop()

	sender.AssertExpectations(t)
	assert.False(t, d.Enqueue(mail))
}

func TestInviteMail(t *testing.T) {
	mail := InviteMail("carol@example.com", "https://sink.example.com/", "abc123")

	assert.Equal(t, "carol@example.com", mail.To)
	assert.Contains(t, mail.Text, "https://sink.example.com/register?invite=abc123")
}

func TestNewSender(t *testing.T) {
	t.Run("默认使用 SMTP", func(t *testing.T) {
		sender, err := NewSender(context.Background(), config.RelayConfig{}, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, ProviderSMTP, sender.Name())
	})

	t.Run("SES 使用静态密钥", func(t *testing.T) {
		sender, err := NewSender(context.Background(), config.RelayConfig{
			Provider:           "ses",
			SESRegion:          "eu-west-1",
			SESAccessKeyID:     "AKIDEXAMPLE",
			SESSecretAccessKey: "secret",
		}, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, ProviderSES, sender.Name())
	})

	t.Run("不支持的提供方", func(t *testing.T) {
		_, err := NewSender(context.Background(), config.RelayConfig{Provider: "pigeon"}, zap.NewNop())
		assert.Error(t, err)
	})
}
