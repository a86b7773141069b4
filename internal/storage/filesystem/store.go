package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/storage/memory"
)

const (
	messagesFile = "emails.json"
	stateFile    = "settings.json"
)

// Store 文件系统存储实现
//
// 数据保存在内存中，写操作只标记脏数据，由 Flush 批量写入磁盘：
//   - emails.json: 邮件列表（最新在前）
//   - settings.json: 身份、邀请码、会话与全局配置
//
// 每个文件通过临时文件加重命名的方式原子替换。
type Store struct {
	*memory.Store

	dir string
	log *zap.Logger

	flushMu       sync.Mutex
	messagesDirty atomic.Bool
	stateDirty    atomic.Bool
}

// NewStore 创建文件系统存储实例并加载已有数据
//
// 参数:
//   - dir: 数据目录，不存在时自动创建
//   - log: 日志记录器
func NewStore(dir string, log *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{
		Store: memory.NewStore(),
		dir:   dir,
		log:   log,
	}

	var messages []domain.Message
	if err := readJSON(filepath.Join(dir, messagesFile), &messages); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", messagesFile, err)
	}
	var state memory.State
	if err := readJSON(filepath.Join(dir, stateFile), &state); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", stateFile, err)
	}
	s.Store.Load(messages, state)

	log.Info("filesystem storage loaded",
		zap.String("path", dir),
		zap.Int("messages", len(messages)),
		zap.Int("users", len(state.Users)),
	)
	return s, nil
}

// ========== 写操作：委托给内存存储并标记脏数据 ==========

// InsertMessage 插入邮件
func (s *Store) InsertMessage(message *domain.Message) error {
	if err := s.Store.InsertMessage(message); err != nil {
		return err
	}
	s.messagesDirty.Store(true)
	return nil
}

// CreateIdentity 创建身份
func (s *Store) CreateIdentity(identity *domain.Identity) error {
	return s.markState(s.Store.CreateIdentity(identity))
}

// UpdateIdentity 更新身份
func (s *Store) UpdateIdentity(identity *domain.Identity) error {
	return s.markState(s.Store.UpdateIdentity(identity))
}

// DeleteIdentity 删除身份
func (s *Store) DeleteIdentity(id string) error {
	return s.markState(s.Store.DeleteIdentity(id))
}

// CreateInvite 创建邀请码
func (s *Store) CreateInvite(invite *domain.Invite) error {
	return s.markState(s.Store.CreateInvite(invite))
}

// MarkInviteUsed 标记邀请码已使用
func (s *Store) MarkInviteUsed(code, usedBy string) error {
	return s.markState(s.Store.MarkInviteUsed(code, usedBy))
}

// RedeemInvite 兑换邀请码
func (s *Store) RedeemInvite(code string, now time.Time, identity *domain.Identity) error {
	return s.markState(s.Store.RedeemInvite(code, now, identity))
}

// CreateSession 创建会话
func (s *Store) CreateSession(session *domain.Session) error {
	return s.markState(s.Store.CreateSession(session))
}

// DeleteSession 删除会话
func (s *Store) DeleteSession(token string) error {
	return s.markState(s.Store.DeleteSession(token))
}

// DeleteExpiredSessions 删除过期会话
func (s *Store) DeleteExpiredSessions(now time.Time) (int, error) {
	count, err := s.Store.DeleteExpiredSessions(now)
	if err == nil && count > 0 {
		s.stateDirty.Store(true)
	}
	return count, err
}

// SaveSettings 保存全局配置
func (s *Store) SaveSettings(settings *domain.Settings) error {
	return s.markState(s.Store.SaveSettings(settings))
}

func (s *Store) markState(err error) error {
	if err == nil {
		s.stateDirty.Store(true)
	}
	return err
}

// ========== 持久化 ==========

// Flush 将脏数据写入磁盘。
func (s *Store) Flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	var errs []error

	if s.messagesDirty.Swap(false) {
		messages, _ := s.Store.ListRecentMessages(0)
		if err := writeJSON(s.dir, messagesFile, messages); err != nil {
			s.messagesDirty.Store(true)
			errs = append(errs, err)
		}
	}

	if s.stateDirty.Swap(false) {
		if err := writeJSON(s.dir, stateFile, s.Store.ExportState()); err != nil {
			s.stateDirty.Store(true)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Run 按固定间隔刷盘，直到 ctx 结束。
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.log.Error("failed to flush storage", zap.Error(err))
			}
		}
	}
}

// Close 关闭前刷盘
func (s *Store) Close() error {
	if err := s.Flush(); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	s.log.Info("filesystem storage flushed", zap.String("path", s.dir))
	return nil
}

// Health 检查数据目录是否可用
func (s *Store) Health() error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("data directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data path %s is not a directory", s.dir)
	}
	return nil
}

// readJSON 读取 JSON 文件，文件不存在时保持 v 为零值
func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// writeJSON 通过临时文件加重命名原子写入
func writeJSON(dir, name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", name, err)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}
