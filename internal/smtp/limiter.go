package smtp

import (
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailsink/backend/internal/monitoring"
)

const (
	// RefuseCapacity 并发连接数已满
	RefuseCapacity = "capacity"
	// RefuseRate 新建连接速率超限
	RefuseRate = "rate"
)

const (
	refusalReply        = "421 4.7.0 Too many connections, try again later\r\n"
	refusalWriteTimeout = time.Second
)

// ConnectionLimiter SMTP 连接限流器
type ConnectionLimiter struct {
	maxConns int
	current  int
	mu       sync.Mutex
	rate     *rate.Limiter
}

// NewConnectionLimiter 创建连接限流器
//
// 参数:
//   - maxConns: 最大并发连接数，<=0 表示不限制
//   - perSecond: 每秒新建连接数，<=0 表示不限制
//   - burst: 允许的突发连接数
func NewConnectionLimiter(maxConns int, perSecond float64, burst int) *ConnectionLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &ConnectionLimiter{
		maxConns: maxConns,
		rate:     rate.NewLimiter(limit, burst),
	}
}

// Acquire 获取连接许可
//
// 返回值:
//   - bool: 是否获取成功
//   - string: 失败原因，RefuseCapacity 或 RefuseRate
func (l *ConnectionLimiter) Acquire() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxConns > 0 && l.current >= l.maxConns {
		return false, RefuseCapacity
	}
	if !l.rate.Allow() {
		return false, RefuseRate
	}

	l.current++
	return true, ""
}

// Release 释放连接
func (l *ConnectionLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current > 0 {
		l.current--
	}
}

// Current 当前连接数
func (l *ConnectionLimiter) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// limitedListener 在 Accept 时执行限流，超限的连接收到 421 后立即关闭。
type limitedListener struct {
	net.Listener
	limiter *ConnectionLimiter
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// LimitListener 用连接限流器包装监听器
func LimitListener(l net.Listener, limiter *ConnectionLimiter, metrics *monitoring.Metrics, log *zap.Logger) net.Listener {
	return &limitedListener{
		Listener: l,
		limiter:  limiter,
		metrics:  metrics,
		log:      log,
	}
}

func (l *limitedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		ok, reason := l.limiter.Acquire()
		if !ok {
			l.metrics.RecordConnectionRefused(reason)
			l.log.Warn("smtp connection refused",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.String("reason", reason),
			)
			go refuse(conn)
			continue
		}

		l.metrics.SMTPConnectionsActive.Inc()
		return &limitedConn{Conn: conn, release: func() {
			l.limiter.Release()
			l.metrics.SMTPConnectionsActive.Dec()
		}}, nil
	}
}

// refuse 写入 421 后关闭连接，在独立 goroutine 中执行以免慢客户端阻塞 Accept
func refuse(conn net.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(refusalWriteTimeout))
	_, _ = io.WriteString(conn, refusalReply)
	_ = conn.Close()
}

// limitedConn 关闭时归还连接许可，只归还一次
type limitedConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *limitedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}
