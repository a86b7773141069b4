// Package relay 通过外部 SMTP 服务器或 AWS SES 发送系统邮件（邀请链接、测试邮件）。
//
// 中继是可选的：未启用或配置不完整时只记录日志，不会返回错误。
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailsink/backend/internal/config"
	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/pool"
)

// ErrNotConfigured 中继未启用或缺少必要配置
var ErrNotConfigured = errors.New("relay not configured")

const sendTimeout = 30 * time.Second

// Mail 一封外发邮件
type Mail struct {
	To      string
	Subject string
	Text    string
}

// Sender 邮件发送器
type Sender interface {
	// Name 返回发送器名称，用于日志和指标
	Name() string
	// Ready 判断中继配置是否足够发送邮件
	Ready(cfg domain.RelayConfig) bool
	// Send 按中继配置发送一封邮件
	Send(ctx context.Context, cfg domain.RelayConfig, mail Mail) error
}

// SettingsSource 提供当前的中继配置，每次发送前重新读取
type SettingsSource interface {
	RelayConfig() (domain.RelayConfig, error)
}

// NewSender 根据配置选择发送器
func NewSender(ctx context.Context, cfg config.RelayConfig, log *zap.Logger) (Sender, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderSMTP:
		return NewSMTPSender(log), nil
	case ProviderSES:
		return NewSESSender(ctx, SESConfig{
			Region:          cfg.SESRegion,
			AccessKeyID:     cfg.SESAccessKeyID,
			SecretAccessKey: cfg.SESSecretAccessKey,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported relay provider: %s", cfg.Provider)
	}
}

// Dispatcher 外发邮件调度器
type Dispatcher struct {
	settings SettingsSource
	sender   Sender
	workers  *pool.WorkerPool
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// NewDispatcher 创建外发邮件调度器
//
// 参数:
//   - settings: 中继配置来源
//   - sender: 邮件发送器
//   - workers: 异步发送使用的协程池
//   - metrics: 监控指标
//   - log: 日志记录器
func NewDispatcher(settings SettingsSource, sender Sender, workers *pool.WorkerPool, metrics *monitoring.Metrics, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		settings: settings,
		sender:   sender,
		workers:  workers,
		metrics:  metrics,
		log:      log,
	}
}

// Send 同步发送邮件
//
// 返回值:
//   - error: 中继未配置时返回 ErrNotConfigured，发送失败时返回发送器的错误
func (d *Dispatcher) Send(ctx context.Context, mail Mail) error {
	cfg, err := d.settings.RelayConfig()
	if err != nil {
		return fmt.Errorf("failed to load relay config: %w", err)
	}
	if !cfg.Enabled || !d.sender.Ready(cfg) {
		d.log.Info("relay disabled, message not sent",
			zap.String("to", mail.To),
			zap.String("subject", mail.Subject),
		)
		return ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	err = d.sender.Send(ctx, cfg, mail)
	d.metrics.RecordRelayDelivery(err)
	if err != nil {
		d.log.Error("relay delivery failed",
			zap.String("provider", d.sender.Name()),
			zap.String("to", mail.To),
			zap.Error(err),
		)
		return err
	}

	d.log.Info("relay delivery succeeded",
		zap.String("provider", d.sender.Name()),
		zap.String("to", mail.To),
		zap.String("subject", mail.Subject),
	)
	return nil
}

// Enqueue 异步发送邮件，失败只记录日志
//
// 返回值:
//   - bool: 是否成功入队
func (d *Dispatcher) Enqueue(mail Mail) bool {
	queued := d.workers.TrySubmit(func() {
		_ = d.Send(context.Background(), mail)
	})
	if !queued {
		d.log.Warn("relay queue full, message dropped",
			zap.String("to", mail.To),
			zap.String("subject", mail.Subject),
		)
	}
	return queued
}

// InviteMail 生成邀请邮件
func InviteMail(to, publicURL, code string) Mail {
	link := InviteLink(publicURL, code)
	return Mail{
		To:      to,
		Subject: "You have been invited to Mailsink",
		Text: "You have been invited to join Mailsink.\n\n" +
			"Register with the link below:\n" + link + "\n\n" +
			"The invite can be used once and expires soon.\n",
	}
}

// InviteLink 生成邀请注册链接
func InviteLink(publicURL, code string) string {
	return strings.TrimRight(publicURL, "/") + "/register?invite=" + code
}

// TestMail 生成中继测试邮件
func TestMail(to string) Mail {
	return Mail{
		To:      to,
		Subject: "Mailsink relay test",
		Text:    "This is a test message sent through the configured relay.\n",
	}
}
