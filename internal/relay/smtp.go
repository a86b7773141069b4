package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailsink/backend/internal/domain"
)

const (
	// ProviderSMTP 通过 SMTP 服务器中继
	ProviderSMTP = "smtp"
	// ProviderSES 通过 AWS SES 发送
	ProviderSES = "ses"
)

// SMTPSender 通过外部 SMTP 服务器发送邮件
//
// Secure 为 true 时使用隐式 TLS，否则在服务器声明 STARTTLS 时升级。
// 配置了用户名时使用 PLAIN 认证。
type SMTPSender struct {
	log       *zap.Logger
	tlsConfig *tls.Config
	now       func() time.Time
}

// NewSMTPSender 创建 SMTP 发送器
func NewSMTPSender(log *zap.Logger) *SMTPSender {
	return &SMTPSender{
		log: log,
		now: time.Now,
	}
}

// Name 发送器名称
func (s *SMTPSender) Name() string {
	return ProviderSMTP
}

// Ready 需要主机地址
func (s *SMTPSender) Ready(cfg domain.RelayConfig) bool {
	return cfg.Configured()
}

// Send 发送一封邮件
func (s *SMTPSender) Send(ctx context.Context, cfg domain.RelayConfig, mail Mail) error {
	from := cfg.From
	if from == "" {
		from = cfg.User
	}
	if from == "" {
		return fmt.Errorf("relay sender address is empty: %w", domain.ErrInvalidInput)
	}

	port := cfg.Port
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	tlsConfig := s.tlsConfigFor(cfg.Host)

	c, err := s.connect(ctx, addr, cfg.Secure, tlsConfig)
	if err != nil {
		return err
	}
	defer c.Close()

	if cfg.User != "" {
		if err := c.Auth(sasl.NewPlainClient("", cfg.User, cfg.Pass)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(mail.To, nil); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(buildMessage(from, mail, s.now())); err != nil {
		_ = w.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data: %w", err)
	}

	return c.Quit()
}

func (s *SMTPSender) tlsConfigFor(host string) *tls.Config {
	if s.tlsConfig != nil {
		cfg := s.tlsConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		return cfg
	}
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

// connect 建立到中继的会话
//
// Secure 时直接使用隐式 TLS。否则先用一次 EHLO 探测服务器能力：声明了 STARTTLS
// 就重新连接并升级，未声明时退回明文。
func (s *SMTPSender) connect(ctx context.Context, addr string, secure bool, tlsConfig *tls.Config) (*gosmtp.Client, error) {
	if secure {
		conn, err := dial(ctx, addr, true, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return gosmtp.NewClient(conn), nil
	}

	startTLS, err := advertisesStartTLS(ctx, addr)
	if err != nil {
		return nil, err
	}

	conn, err := dial(ctx, addr, false, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if !startTLS {
		s.log.Warn("relay does not advertise STARTTLS, sending in plaintext", zap.String("addr", addr))
		return gosmtp.NewClient(conn), nil
	}

	c, err := gosmtp.NewClientStartTLS(conn, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("starttls: %w", err)
	}
	return c, nil
}

// advertisesStartTLS 打开一个明文会话读取 EHLO 扩展后退出
func advertisesStartTLS(ctx context.Context, addr string) (bool, error) {
	conn, err := dial(ctx, addr, false, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := gosmtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello("localhost"); err != nil {
		return false, fmt.Errorf("hello: %w", err)
	}
	ok, _ := c.Extension("STARTTLS")
	_ = c.Quit()
	return ok, nil
}

func dial(ctx context.Context, addr string, implicitTLS bool, tlsConfig *tls.Config) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	var (
		conn net.Conn
		err  error
	)
	if implicitTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

// buildMessage 生成纯文本 UTF-8 邮件，正文使用 quoted-printable 编码
func buildMessage(from string, mail Mail, now time.Time) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", mail.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", mail.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%s@mailsink>\r\n", uuid.NewString())
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	_, _ = qp.Write([]byte(mail.Text))
	_ = qp.Close()

	return buf.Bytes()
}
