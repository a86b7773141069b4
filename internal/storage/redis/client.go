package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mailsink/backend/internal/config"
)

const (
	defaultKeyPrefix = "mailsink:"
	connectTimeout   = 5 * time.Second
)

// Client 带键名前缀的 Redis 连接
type Client struct {
	rdb    *goredis.Client
	prefix string
	log    *zap.Logger
}

// New 连接 Redis，连接不通时返回错误
//
// 参数:
//   - cfg: Redis 配置，KeyPrefix 为空时使用 "mailsink:"
//   - log: 日志记录器
func New(cfg config.RedisConfig, log *zap.Logger) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  connectTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	log.Info("connected to Redis",
		zap.String("address", cfg.Address),
		zap.Int("db", cfg.DB),
		zap.String("key_prefix", prefix),
	)
	return &Client{rdb: rdb, prefix: prefix, log: log}, nil
}

// key 拼接带前缀的键名，例如 key("session", token) => "mailsink:session:<token>"
func (c *Client) key(parts ...string) string {
	return c.prefix + strings.Join(parts, ":")
}

// Close 关闭连接
func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("failed to close Redis connection: %w", err)
	}
	c.log.Info("Redis connection closed")
	return nil
}

// Ping 检查连接是否可用
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
