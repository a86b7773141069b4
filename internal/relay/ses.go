package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"mailsink/backend/internal/domain"
)

// sesMaxRetries SES 请求失败后的最大重试次数
const sesMaxRetries = 3

// SESConfig SES 发送器配置
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SendEmailAPI SES v2 SendEmail 接口，测试时可替换
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender 通过 AWS SES v2 发送邮件
//
// 发件地址取中继配置中的 From，主机和端口配置不使用。
type SESSender struct {
	client     SendEmailAPI
	log        *zap.Logger
	retryDelay time.Duration
}

// NewSESSender 加载 AWS 配置并创建 SES 发送器
//
// 未提供静态密钥时使用默认凭证链（环境变量、共享配置、实例角色）。
func NewSESSender(ctx context.Context, cfg SESConfig, log *zap.Logger) (*SESSender, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewSESSenderWithClient(sesv2.NewFromConfig(awsCfg), log), nil
}

// NewSESSenderWithClient 使用指定的客户端创建 SES 发送器
func NewSESSenderWithClient(client SendEmailAPI, log *zap.Logger) *SESSender {
	return &SESSender{
		client:     client,
		log:        log,
		retryDelay: time.Second,
	}
}

// Name 发送器名称
func (s *SESSender) Name() string {
	return ProviderSES
}

// Ready 需要发件地址
func (s *SESSender) Ready(cfg domain.RelayConfig) bool {
	return cfg.From != ""
}

// Send 发送一封邮件，失败时按指数退避重试
func (s *SESSender) Send(ctx context.Context, cfg domain.RelayConfig, mail Mail) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(cfg.From),
		Destination: &types.Destination{
			ToAddresses: []string{mail.To},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(mail.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(mail.Text),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}

	var lastErr error
	delay := s.retryDelay
	for attempt := 0; attempt <= sesMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("ses retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}

		_, err := s.client.SendEmail(ctx, input)
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Warn("ses send failed",
			zap.Int("attempt", attempt),
			zap.String("to", mail.To),
			zap.Error(err),
		)
	}

	return fmt.Errorf("ses send failed after %d retries: %w", sesMaxRetries, lastErr)
}
