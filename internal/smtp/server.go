package smtp

import (
	"fmt"
	"net"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"mailsink/backend/internal/config"
	"mailsink/backend/internal/monitoring"
)

// NewServer 按配置创建 go-smtp 服务器
func NewServer(cfg config.SMTPConfig, backend *Backend) *gosmtp.Server {
	s := gosmtp.NewServer(backend)
	s.Addr = cfg.BindAddr
	s.Domain = cfg.Domain
	s.ReadTimeout = cfg.ReadTimeout
	s.WriteTimeout = cfg.WriteTimeout
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.MaxRecipients = cfg.MaxRecipients
	// 认证不做校验，明文连接上也允许 AUTH
	s.AllowInsecureAuth = true
	return s
}

// Listen 打开 SMTP 监听端口并套上连接限流
func Listen(cfg config.SMTPConfig, metrics *monitoring.Metrics, log *zap.Logger) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("listen smtp %s: %w", cfg.BindAddr, err)
	}
	limiter := NewConnectionLimiter(cfg.MaxConns, cfg.ConnRate, cfg.ConnBurst)
	return LimitListener(ln, limiter, metrics, log), nil
}
