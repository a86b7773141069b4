package service

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/storage/memory"
)

// MockMessageRepository 模拟邮件存储
type MockMessageRepository struct {
	mock.Mock
}

func (m *MockMessageRepository) InsertMessage(message *domain.Message) error {
	args := m.Called(message)
	return args.Error(0)
}

func (m *MockMessageRepository) ListRecentMessages(limit int) ([]domain.Message, error) {
	args := m.Called(limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Message), args.Error(1)
}

type recordingNotifier struct {
	messages []*domain.Message
}

func (r *recordingNotifier) NotifyNewMessage(message *domain.Message) {
	r.messages = append(r.messages, message)
}

func incoming(to, subject, text string) IncomingMessage {
	return IncomingMessage{
		From:    domain.Address{Address: "sender@example.com", Name: "Sender"},
		To:      []domain.Address{{Address: to}},
		Subject: subject,
		Text:    text,
	}
}

func TestIngestService_Ingest(t *testing.T) {
	t.Run("保存并通知", func(t *testing.T) {
		store := memory.NewStore()
		metrics := monitoring.NewMetrics()
		notifier := &recordingNotifier{}
		svc := NewIngestService(store, metrics, zap.NewNop())
		svc.SetNotifier(notifier)
		fixed := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
		svc.now = func() time.Time { return fixed }

		stored := svc.Ingest(incoming("bob@example.com", "Hi", "body"))
		require.NotNil(t, stored)
		assert.Equal(t, fixed, stored.ReceivedAt)

		messages, err := store.ListRecentMessages(0)
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Equal(t, stored.ID, messages[0].ID)
		assert.Len(t, notifier.messages, 1)
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.MessagesStored))
	})

	t.Run("垃圾主题不保存", func(t *testing.T) {
		store := memory.NewStore()
		metrics := monitoring.NewMetrics()
		svc := NewIngestService(store, metrics, zap.NewNop())

		assert.Nil(t, svc.Ingest(incoming("bob@example.com", FilteredSubject, "spam")))

		messages, err := store.ListRecentMessages(0)
		require.NoError(t, err)
		assert.Empty(t, messages)
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.MessagesFiltered))
	})

	t.Run("存储失败只记录不报错", func(t *testing.T) {
		repo := new(MockMessageRepository)
		repo.On("InsertMessage", mock.AnythingOfType("*domain.Message")).Return(errors.New("disk full"))
		metrics := monitoring.NewMetrics()
		notifier := &recordingNotifier{}
		svc := NewIngestService(repo, metrics, zap.NewNop())
		svc.SetNotifier(notifier)

		assert.Nil(t, svc.Ingest(incoming("bob@example.com", "Hi", "body")))
		assert.Empty(t, notifier.messages)
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.MessagesDropped))
		repo.AssertExpectations(t)
	})
}
