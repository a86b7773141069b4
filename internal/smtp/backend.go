package smtp

import (
	"errors"
	"io"
	"strings"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/service"
)

var (
	errRecipientRejected = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
		Message:      "recipient domain not allowed",
	}
	errPolicyUnavailable = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "recipient policy temporarily unavailable",
	}
	errMalformedMessage = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
		Message:      "malformed message",
	}
	errInvalidRecipient = &gosmtp.SMTPError{
		Code:         501,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
		Message:      "invalid recipient address",
	}
)

// Backend 实现 go-smtp 的 Backend 接口。
//
// 这是一个只接收邮件的捕获服务器：接受任何发件人，
// 收件人域名按全局配置的允许列表检查，列表为空时全部接受。
// 允许列表在每个 RCPT 命令时重新读取，管理员修改后立即生效。
type Backend struct {
	settings *service.SettingsService
	ingest   *service.IngestService
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// NewBackend 创建 SMTP Backend。
func NewBackend(
	settings *service.SettingsService,
	ingest *service.IngestService,
	metrics *monitoring.Metrics,
	log *zap.Logger,
) *Backend {
	return &Backend{
		settings: settings,
		ingest:   ingest,
		metrics:  metrics,
		log:      log,
	}
}

// NewSession 在 HELO/EHLO 时创建会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := ""
	if c != nil && c.Conn() != nil {
		remote = c.Conn().RemoteAddr().String()
	}
	return &session{
		backend: b,
		remote:  remote,
	}, nil
}

type session struct {
	backend    *Backend
	remote     string
	from       string
	recipients []string
}

// AuthMechanisms 声明支持 PLAIN 认证。
func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

// Auth 接受任何凭证，认证是可选的。
func (s *session) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		s.backend.log.Debug("smtp auth accepted",
			zap.String("remote", s.remote),
			zap.String("username", username),
		)
		return nil
	}), nil
}

// Mail 处理 MAIL 命令，任何发件人都会被接受。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = normalizeAddress(from)
	return nil
}

// Rcpt 处理 RCPT 命令。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)
	if !strings.Contains(addr, "@") {
		return errInvalidRecipient
	}

	allowed, err := s.backend.settings.AllowedDomains()
	if err != nil {
		s.backend.log.Error("failed to load allowed domains",
			zap.String("recipient", addr),
			zap.Error(err),
		)
		return errPolicyUnavailable
	}

	if !domain.DomainAllowed(addr, allowed) {
		s.backend.metrics.RecipientsRejected.Inc()
		s.backend.log.Info("recipient rejected by domain policy",
			zap.String("remote", s.remote),
			zap.String("from", s.from),
			zap.String("recipient", addr),
		)
		return errRecipientRejected
	}

	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 读取并解析邮件内容，交给接收服务保存。
//
// 保存失败不会影响 SMTP 应答；只有无法解析的邮件会被拒绝。
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	parsed, err := ParseEmail(raw)
	if err != nil {
		s.backend.metrics.ParseFailures.Inc()
		s.backend.log.Warn("failed to parse message",
			zap.String("remote", s.remote),
			zap.String("from", s.from),
			zap.Error(err),
		)
		if errors.Is(err, domain.ErrParseFailure) {
			return errMalformedMessage
		}
		return err
	}

	from := parsed.From
	if from.Address == "" {
		from.Address = s.from
	}

	s.backend.ingest.Ingest(service.IncomingMessage{
		From:    from,
		To:      envelopeRecipients(s.recipients, parsed.To),
		Subject: parsed.Subject,
		Text:    parsed.Text,
		HTML:    parsed.HTML,
	})
	return nil
}

// Reset 重置事务状态。
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	return nil
}

// envelopeRecipients 以信封收件人为准，显示名称从邮件头 To 中按地址匹配补全。
func envelopeRecipients(envelope []string, header []domain.Address) []domain.Address {
	out := make([]domain.Address, 0, len(envelope))
	for _, addr := range envelope {
		recipient := domain.Address{Address: addr}
		for _, h := range header {
			if strings.EqualFold(h.Address, addr) {
				recipient.Name = h.Name
				break
			}
		}
		out = append(out, recipient)
	}
	return out
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	return strings.Trim(addr, "<>")
}
