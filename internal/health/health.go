package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// goroutineThreshold 存活检查允许的最大协程数
const goroutineThreshold = 10000

// Pinger 可检查健康状态的依赖
type Pinger interface {
	Health() error
}

// Checker 健康检查器
//
// /health/live 只检查进程本身，/health/ready 检查存储是否可用。
type Checker struct {
	health healthcheck.Handler
	log    *zap.Logger
}

// NewChecker 创建健康检查器
func NewChecker(store Pinger, log *zap.Logger) *Checker {
	hc := &Checker{
		health: healthcheck.NewHandler(),
		log:    log,
	}

	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(goroutineThreshold))
	hc.health.AddReadinessCheck("store", healthcheck.Timeout(func() error {
		if err := store.Health(); err != nil {
			hc.log.Warn("store health check failed", zap.Error(err))
			return err
		}
		return nil
	}, 3*time.Second))

	return hc
}

// Handler 返回原始健康检查处理器，提供 /live 和 /ready
func (hc *Checker) Handler() http.Handler {
	return hc.health
}

// Live 存活检查
func (hc *Checker) Live(c *gin.Context) {
	hc.health.LiveEndpoint(c.Writer, c.Request)
}

// Ready 就绪检查
func (hc *Checker) Ready(c *gin.Context) {
	hc.health.ReadyEndpoint(c.Writer, c.Request)
}
