// Package factory 根据配置组装存储后端
package factory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailsink/backend/internal/config"
	"mailsink/backend/internal/storage"
	"mailsink/backend/internal/storage/filesystem"
	"mailsink/backend/internal/storage/hybrid"
	"mailsink/backend/internal/storage/memory"
	"mailsink/backend/internal/storage/redis"
	"mailsink/backend/internal/storage/sql"
)

// Backend 打开后的存储以及它需要的后台任务
type Backend struct {
	Store storage.Store
	Kind  string

	flusher       *filesystem.Store
	flushInterval time.Duration
}

// Open 按 storage.type 打开基础存储，启用 Redis 时把会话交给 Redis
//
// 参数:
//   - cfg: 完整配置，需已通过 Validate
//   - log: 日志记录器
//
// 返回值:
//   - *Backend: 存储及后台任务
//   - error: 打开失败时返回错误，已打开的资源会被释放
func Open(cfg *config.Config, log *zap.Logger) (*Backend, error) {
	b := &Backend{Kind: cfg.Storage.Type}

	switch cfg.Storage.Type {
	case "memory":
		b.Store = memory.NewStore()
	case "file":
		fs, err := filesystem.NewStore(cfg.Storage.Path, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open file storage: %w", err)
		}
		b.Store = fs
		b.flusher = fs
		b.flushInterval = cfg.Storage.FlushInterval
	case "sql":
		store, err := sql.NewStore(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Database.Driver, err)
		}
		b.Store = store
		b.Kind = "sql/" + store.Driver()
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Storage.Type)
	}

	if cfg.Redis.Enabled {
		client, err := redis.New(cfg.Redis, log)
		if err != nil {
			_ = b.Store.Close()
			return nil, err
		}
		b.Store = hybrid.NewStore(b.Store, client, log)
		b.Kind += "+redis"
	}

	log.Info("storage initialized", zap.String("kind", b.Kind))
	return b, nil
}

// Run 执行存储的后台任务直到 ctx 结束；没有后台任务时直接等待
func (b *Backend) Run(ctx context.Context) {
	if b.flusher == nil || b.flushInterval <= 0 {
		<-ctx.Done()
		return
	}
	b.flusher.Run(ctx, b.flushInterval)
}

// Close 关闭存储，file 存储会在关闭前刷盘
func (b *Backend) Close() error {
	return b.Store.Close()
}
