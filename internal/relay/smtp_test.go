package relay

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailsink/backend/internal/domain"
)

type capturedMail struct {
	tls      bool
	username string
	password string
	from     string
	to       []string
	data     string
}

// captureBackend 记录收到的邮件
type captureBackend struct {
	mu    sync.Mutex
	mails []capturedMail
}

func (b *captureBackend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	_, isTLS := c.TLSConnectionState()
	return &captureSession{backend: b, current: capturedMail{tls: isTLS}}, nil
}

func (b *captureBackend) received() []capturedMail {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]capturedMail(nil), b.mails...)
}

type captureSession struct {
	backend *captureBackend
	current capturedMail
}

func (s *captureSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *captureSession) Auth(_ string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		s.current.username = username
		s.current.password = password
		return nil
	}), nil
}

func (s *captureSession) Mail(from string, _ *gosmtp.MailOptions) error {
	s.current.from = from
	return nil
}

func (s *captureSession) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	s.current.to = append(s.current.to, to)
	return nil
}

func (s *captureSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.current.data = string(data)
	s.backend.mu.Lock()
	s.backend.mails = append(s.backend.mails, s.current)
	s.backend.mu.Unlock()
	return nil
}

func (s *captureSession) Reset()        {}
func (s *captureSession) Logout() error { return nil }

// startCaptureServer 启动一个记录邮件的 SMTP 服务器，返回主机和端口
//
// starttls 非空时服务器声明 STARTTLS，且只允许 TLS 下认证；implicit 为 true 时监听直接走 TLS。
func startCaptureServer(t *testing.T, starttls *tls.Config, implicit bool) (*captureBackend, string, int) {
	t.Helper()

	backend := &captureBackend{}
	srv := gosmtp.NewServer(backend)
	srv.Domain = "localhost"
	srv.TLSConfig = starttls
	srv.AllowInsecureAuth = starttls == nil

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	if implicit {
		ln = tls.NewListener(ln, starttls)
		srv.TLSConfig = nil
		srv.AllowInsecureAuth = false
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return backend, host, port
}

func TestSMTPSender_Send(t *testing.T) {
	t.Run("通过中继发送并认证", func(t *testing.T) {
		backend, host, port := startCaptureServer(t, nil, false)
		sender := NewSMTPSender(zap.NewNop())
		sender.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

		cfg := domain.RelayConfig{
			Host:    host,
			Port:    port,
			User:    "relay-user",
			Pass:    "relay-pass",
			From:    "noreply@mailsink.test",
			Enabled: true,
		}
		err := sender.Send(context.Background(), cfg, Mail{
			To:      "bob@example.com",
			Subject: "Hello",
			Text:    "line one\nline two\n",
		})
		require.NoError(t, err)

		mails := backend.received()
		require.Len(t, mails, 1)
		got := mails[0]
		assert.Equal(t, "relay-user", got.username)
		assert.Equal(t, "relay-pass", got.password)
		assert.Equal(t, "noreply@mailsink.test", got.from)
		assert.Equal(t, []string{"bob@example.com"}, got.to)
		assert.Contains(t, got.data, "Subject: Hello\r\n")
		assert.Contains(t, got.data, "To: bob@example.com\r\n")
		assert.Contains(t, got.data, "line one\r\nline two\r\n")
		assert.False(t, got.tls)
	})

	t.Run("服务器声明 STARTTLS 时升级后再认证", func(t *testing.T) {
		serverTLS, clientTLS := selfSignedTLS(t)
		backend, host, port := startCaptureServer(t, serverTLS, false)
		sender := NewSMTPSender(zap.NewNop())
		sender.tlsConfig = clientTLS

		cfg := domain.RelayConfig{Host: host, Port: port, User: "relay-user", Pass: "relay-pass", From: "noreply@mailsink.test", Enabled: true}
		require.NoError(t, sender.Send(context.Background(), cfg, TestMail("bob@example.com")))

		mails := backend.received()
		require.Len(t, mails, 1)
		assert.True(t, mails[0].tls)
		assert.Equal(t, "relay-user", mails[0].username)
	})

	t.Run("STARTTLS 证书不受信任时失败", func(t *testing.T) {
		serverTLS, _ := selfSignedTLS(t)
		backend, host, port := startCaptureServer(t, serverTLS, false)
		sender := NewSMTPSender(zap.NewNop())

		cfg := domain.RelayConfig{Host: host, Port: port, From: "noreply@mailsink.test", Enabled: true}
		err := sender.Send(context.Background(), cfg, TestMail("bob@example.com"))
		assert.Error(t, err)
		assert.Empty(t, backend.received())
	})

	t.Run("隐式 TLS", func(t *testing.T) {
		serverTLS, clientTLS := selfSignedTLS(t)
		backend, host, port := startCaptureServer(t, serverTLS, true)
		sender := NewSMTPSender(zap.NewNop())
		sender.tlsConfig = clientTLS

		cfg := domain.RelayConfig{Host: host, Port: port, User: "relay-user", Pass: "relay-pass", From: "noreply@mailsink.test", Secure: true, Enabled: true}
		require.NoError(t, sender.Send(context.Background(), cfg, TestMail("bob@example.com")))

		mails := backend.received()
		require.Len(t, mails, 1)
		assert.True(t, mails[0].tls)
	})

	t.Run("没有发件地址时使用用户名", func(t *testing.T) {
		backend, host, port := startCaptureServer(t, nil, false)
		sender := NewSMTPSender(zap.NewNop())

		cfg := domain.RelayConfig{Host: host, Port: port, User: "me@mailsink.test", Enabled: true}
		require.NoError(t, sender.Send(context.Background(), cfg, TestMail("bob@example.com")))

		mails := backend.received()
		require.Len(t, mails, 1)
		assert.Equal(t, "me@mailsink.test", mails[0].from)
	})

	t.Run("缺少发件地址", func(t *testing.T) {
		sender := NewSMTPSender(zap.NewNop())
		err := sender.Send(context.Background(), domain.RelayConfig{Host: "127.0.0.1", Enabled: true}, TestMail("bob@example.com"))
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("连接失败", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().(*net.TCPAddr)
		require.NoError(t, ln.Close())

		sender := NewSMTPSender(zap.NewNop())
		cfg := domain.RelayConfig{Host: "127.0.0.1", Port: addr.Port, From: "a@b.c", Enabled: true}
		assert.Error(t, sender.Send(context.Background(), cfg, TestMail("bob@example.com")))
	})
}

// selfSignedTLS 生成 127.0.0.1 的自签名证书，返回服务端配置和信任该证书的客户端配置
func selfSignedTLS(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relay.test"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	server := &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: cert}},
		MinVersion:   tls.VersionTLS12,
	}
	client := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	return server, client
}

func TestSMTPSender_Ready(t *testing.T) {
	sender := NewSMTPSender(zap.NewNop())
	assert.True(t, sender.Ready(domain.RelayConfig{Host: "smtp.example.com", Enabled: true}))
	assert.False(t, sender.Ready(domain.RelayConfig{Enabled: true}))
	assert.False(t, sender.Ready(domain.RelayConfig{Host: "smtp.example.com"}))
}
