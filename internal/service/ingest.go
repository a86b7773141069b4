package service

import (
	"time"

	"go.uber.org/zap"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/storage"
)

// MessageNotifier 新邮件入库后的通知接收方
type MessageNotifier interface {
	NotifyNewMessage(message *domain.Message)
}

// IngestService 负责把 SMTP 收到的邮件规范化后写入存储
type IngestService struct {
	repo     storage.MessageRepository
	notifier MessageNotifier
	metrics  *monitoring.Metrics
	log      *zap.Logger
	now      func() time.Time
}

// NewIngestService 创建邮件接收服务
func NewIngestService(repo storage.MessageRepository, metrics *monitoring.Metrics, log *zap.Logger) *IngestService {
	return &IngestService{
		repo:    repo,
		metrics: metrics,
		log:     log,
		now:     time.Now,
	}
}

// SetNotifier 设置新邮件通知接收方
func (s *IngestService) SetNotifier(notifier MessageNotifier) {
	s.notifier = notifier
}

// Ingest 规范化并保存一封邮件
//
// 保存是尽力而为的：存储失败只记录日志和指标，不会返回给 SMTP 层。
// 返回已保存的邮件；命中垃圾主题过滤或保存失败时返回 nil。
func (s *IngestService) Ingest(in IncomingMessage) *domain.Message {
	start := time.Now()
	s.metrics.MessagesReceived.Inc()

	if in.Filtered() {
		s.metrics.MessagesFiltered.Inc()
		s.log.Info("message dropped by subject filter",
			zap.String("from", in.From.Address),
		)
		return nil
	}

	message := Normalize(in, s.now())
	if err := s.repo.InsertMessage(message); err != nil {
		s.metrics.MessagesDropped.Inc()
		s.log.Error("failed to store message",
			zap.String("message_id", message.ID),
			zap.String("from", message.From.Address),
			zap.Error(err),
		)
		return nil
	}

	s.metrics.MessagesStored.Inc()
	s.metrics.RecordEmailProcessingTime(time.Since(start))
	s.log.Info("message stored",
		zap.String("message_id", message.ID),
		zap.String("from", message.From.Address),
		zap.String("to", message.PrimaryRecipient()),
		zap.Int("recipients", len(message.To)),
	)

	if s.notifier != nil {
		s.notifier.NotifyNewMessage(message)
	}
	return message
}
