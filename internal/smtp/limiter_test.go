package smtp

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailsink/backend/internal/monitoring"
)

func TestConnectionLimiter(t *testing.T) {
	t.Run("并发连接数上限", func(t *testing.T) {
		l := NewConnectionLimiter(2, 0, 0)

		ok, _ := l.Acquire()
		assert.True(t, ok)
		ok, _ = l.Acquire()
		assert.True(t, ok)

		ok, reason := l.Acquire()
		assert.False(t, ok)
		assert.Equal(t, RefuseCapacity, reason)
		assert.Equal(t, 2, l.Current())

		l.Release()
		ok, _ = l.Acquire()
		assert.True(t, ok)
	})

	t.Run("新建连接速率限制", func(t *testing.T) {
		l := NewConnectionLimiter(0, 0.001, 1)

		ok, _ := l.Acquire()
		assert.True(t, ok)

		ok, reason := l.Acquire()
		assert.False(t, ok)
		assert.Equal(t, RefuseRate, reason)
	})

	t.Run("多余的释放不会出现负数", func(t *testing.T) {
		l := NewConnectionLimiter(1, 0, 0)
		l.Release()
		assert.Equal(t, 0, l.Current())
	})
}

// pipeListener 每次 Accept 返回一个 net.Pipe 的服务端
type pipeListener struct {
	conns chan net.Conn
	done  chan struct{}
}

func newPipeListener() *pipeListener {
	return &pipeListener{conns: make(chan net.Conn), done: make(chan struct{})}
}

// dial 返回客户端一端
func (l *pipeListener) dial(t *testing.T) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	l.conns <- server
	return client
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	close(l.done)
	return nil
}

func (l *pipeListener) Addr() net.Addr { return &net.TCPAddr{} }

func TestLimitListener(t *testing.T) {
	t.Run("拒绝时返回 421", func(t *testing.T) {
		pl := newPipeListener()
		metrics := monitoring.NewMetrics()
		ln := LimitListener(pl, NewConnectionLimiter(1, 0, 0), metrics, zap.NewNop())
		t.Cleanup(func() { _ = ln.Close() })

		accepted := make(chan net.Conn, 2)
		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				accepted <- conn
			}
		}()

		pl.dial(t)
		held := <-accepted
		t.Cleanup(func() { _ = held.Close() })

		refused := pl.dial(t)
		line, err := bufio.NewReader(refused).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, refusalReply, line)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SMTPConnectionsRefused.WithLabelValues(RefuseCapacity)))
	})

	t.Run("不读取回复的客户端不阻塞后续连接", func(t *testing.T) {
		pl := newPipeListener()
		metrics := monitoring.NewMetrics()
		ln := LimitListener(pl, NewConnectionLimiter(1, 0, 0), metrics, zap.NewNop())
		t.Cleanup(func() { _ = ln.Close() })

		accepted := make(chan net.Conn, 2)
		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				accepted <- conn
			}
		}()

		pl.dial(t)
		held := <-accepted

		// 对端从不读取，同步写入会一直阻塞到写超时
		pl.dial(t)
		require.Eventually(t, func() bool {
			return testutil.ToFloat64(metrics.SMTPConnectionsRefused.WithLabelValues(RefuseCapacity)) == 1
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, held.Close())
		start := time.Now()
		pl.dial(t)

		select {
		case conn := <-accepted:
			_ = conn.Close()
			assert.Less(t, time.Since(start), refusalWriteTimeout/2)
		case <-time.After(refusalWriteTimeout / 2):
			t.Fatal("accept blocked behind a stalled refusal")
		}
	})
}
