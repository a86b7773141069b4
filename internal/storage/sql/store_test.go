package sql

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsink/backend/internal/config"
	"mailsink/backend/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(config.DatabaseConfig{
		Driver: "sqlite3",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newMessage(i int) *domain.Message {
	return &domain.Message{
		ID:         uuid.NewString(),
		From:       domain.Address{Address: "sender@example.com"},
		To:         []domain.Address{{Address: fmt.Sprintf("user%d@example.com", i)}},
		Subject:    fmt.Sprintf("message %d", i),
		Text:       "body",
		ReceivedAt: time.Now().UTC(),
	}
}

func newIdentity(username string) *domain.Identity {
	now := time.Now().UTC()
	return &domain.Identity{
		ID:             uuid.NewString(),
		Username:       username,
		PasswordHash:   "hash",
		Role:           domain.RoleUser,
		AllowedDomains: []string{"example.com"},
		APIKey:         uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
}

func TestNormalizeMySQLDSN(t *testing.T) {
	dsn, err := normalizeMySQLDSN("user:pass@tcp(localhost:3306)/mailsink")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")
}

func TestStore_Messages(t *testing.T) {
	t.Run("插入后按倒序读取", func(t *testing.T) {
		store := newTestStore(t)

		for i := 0; i < 3; i++ {
			require.NoError(t, store.InsertMessage(newMessage(i)))
		}

		messages, err := store.ListRecentMessages(0)
		require.NoError(t, err)
		require.Len(t, messages, 3)
		assert.Equal(t, "message 2", messages[0].Subject)
		assert.Equal(t, "message 0", messages[2].Subject)
		assert.Equal(t, "user2@example.com", messages[0].To[0].Address)
	})

	t.Run("超出窗口后淘汰最旧邮件", func(t *testing.T) {
		store := newTestStore(t)
		store.capacity = 5

		for i := 0; i < 12; i++ {
			require.NoError(t, store.InsertMessage(newMessage(i)))
		}

		messages, err := store.ListRecentMessages(0)
		require.NoError(t, err)
		require.Len(t, messages, 5)
		assert.Equal(t, "message 11", messages[0].Subject)
		assert.Equal(t, "message 7", messages[4].Subject)

		var count int64
		require.NoError(t, store.gormDB.Model(&domain.Message{}).Count(&count).Error)
		assert.Equal(t, int64(5), count)
	})

	t.Run("缺少 ID 失败", func(t *testing.T) {
		store := newTestStore(t)
		err := store.InsertMessage(&domain.Message{})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestStore_Identities(t *testing.T) {
	store := newTestStore(t)

	alice := newIdentity("Alice")
	require.NoError(t, store.CreateIdentity(alice))

	t.Run("用户名不区分大小写", func(t *testing.T) {
		got, err := store.GetIdentityByUsername("alice")
		require.NoError(t, err)
		assert.Equal(t, alice.ID, got.ID)
		assert.Equal(t, []string{"example.com"}, got.AllowedDomains)

		err = store.CreateIdentity(newIdentity("ALICE"))
		assert.ErrorIs(t, err, domain.ErrUsernameTaken)
	})

	t.Run("唯一索引拒绝大小写不同的用户名", func(t *testing.T) {
		err := store.gormDB.Create(newIdentity("aLiCe")).Error
		require.Error(t, err)

		var count int64
		require.NoError(t, store.gormDB.Model(&domain.Identity{}).Where("LOWER(username) = ?", "alice").Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})

	t.Run("并发注册同名只有一个成功", func(t *testing.T) {
		names := []string{"Dave", "dave", "DAVE", "daVe"}
		errs := make([]error, len(names))
		var wg sync.WaitGroup
		for i, name := range names {
			wg.Add(1)
			go func(i int, name string) {
				defer wg.Done()
				errs[i] = store.CreateIdentity(newIdentity(name))
			}(i, name)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, domain.ErrUsernameTaken)
		}
		assert.Equal(t, 1, succeeded)
	})

	t.Run("按 API Key 查找", func(t *testing.T) {
		got, err := store.GetIdentityByAPIKey(alice.APIKey)
		require.NoError(t, err)
		assert.Equal(t, alice.ID, got.ID)

		_, err = store.GetIdentityByAPIKey("")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("更新身份", func(t *testing.T) {
		bob := newIdentity("bob")
		require.NoError(t, store.CreateIdentity(bob))

		bob.AllowedDomains = []string{"*"}
		bob.Role = domain.RoleAdmin
		require.NoError(t, store.UpdateIdentity(bob))

		got, err := store.GetIdentityByID(bob.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RoleAdmin, got.Role)
		assert.Equal(t, []string{"*"}, got.AllowedDomains)

		bob.Username = "alice"
		assert.ErrorIs(t, store.UpdateIdentity(bob), domain.ErrUsernameTaken)

		assert.ErrorIs(t, store.UpdateIdentity(newIdentity("ghost")), domain.ErrNotFound)
	})

	t.Run("删除身份同时删除会话", func(t *testing.T) {
		carol := newIdentity("carol")
		require.NoError(t, store.CreateIdentity(carol))
		require.NoError(t, store.CreateSession(&domain.Session{
			Token:     "carol-token",
			UserID:    carol.ID,
			ExpiresAt: time.Now().UTC().Add(time.Hour),
			CreatedAt: time.Now().UTC(),
		}))

		require.NoError(t, store.DeleteIdentity(carol.ID))

		_, err := store.GetSession("carol-token")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.ErrorIs(t, store.DeleteIdentity(carol.ID), domain.ErrNotFound)
	})

	t.Run("列出身份", func(t *testing.T) {
		identities, err := store.ListIdentities()
		require.NoError(t, err)
		assert.Len(t, identities, 2)
	})
}

func TestStore_RedeemInvite(t *testing.T) {
	now := time.Now().UTC()

	newInvite := func(t *testing.T, store *Store, expires time.Time) *domain.Invite {
		invite := &domain.Invite{
			Code:           uuid.NewString(),
			Role:           domain.RoleUser,
			AllowedDomains: []string{"example.com"},
			ExpiresAt:      expires,
			CreatedAt:      now,
		}
		require.NoError(t, store.CreateInvite(invite))
		return invite
	}

	t.Run("兑换成功", func(t *testing.T) {
		store := newTestStore(t)
		invite := newInvite(t, store, now.Add(time.Hour))

		identity := newIdentity("dave")
		require.NoError(t, store.RedeemInvite(invite.Code, now, identity))

		got, err := store.GetInvite(invite.Code)
		require.NoError(t, err)
		assert.True(t, got.Used)
		assert.Equal(t, identity.ID, got.UsedBy)

		assert.ErrorIs(t, store.RedeemInvite(invite.Code, now, newIdentity("eve")), domain.ErrInvalidInvite)
	})

	t.Run("过期或不存在的邀请码", func(t *testing.T) {
		store := newTestStore(t)
		invite := newInvite(t, store, now.Add(-time.Minute))

		assert.ErrorIs(t, store.RedeemInvite(invite.Code, now, newIdentity("frank")), domain.ErrInvalidInvite)
		assert.ErrorIs(t, store.RedeemInvite("missing", now, newIdentity("frank")), domain.ErrInvalidInvite)
	})

	t.Run("用户名冲突时邀请码保持未使用", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.CreateIdentity(newIdentity("grace")))
		invite := newInvite(t, store, now.Add(time.Hour))

		err := store.RedeemInvite(invite.Code, now, newIdentity("Grace"))
		assert.ErrorIs(t, err, domain.ErrUsernameTaken)

		got, err := store.GetInvite(invite.Code)
		require.NoError(t, err)
		assert.False(t, got.Used)
	})

	t.Run("并发兑换只有一个成功", func(t *testing.T) {
		store := newTestStore(t)
		invite := newInvite(t, store, now.Add(time.Hour))

		var wg sync.WaitGroup
		var mu sync.Mutex
		successes := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := store.RedeemInvite(invite.Code, now, newIdentity(fmt.Sprintf("racer%d", i)))
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		identities, err := store.ListIdentities()
		require.NoError(t, err)
		assert.Len(t, identities, 1)
	})

	t.Run("标记已使用", func(t *testing.T) {
		store := newTestStore(t)
		invite := newInvite(t, store, now.Add(time.Hour))

		require.NoError(t, store.MarkInviteUsed(invite.Code, "someone"))
		assert.ErrorIs(t, store.MarkInviteUsed(invite.Code, "someone"), domain.ErrInvalidInvite)
		assert.ErrorIs(t, store.MarkInviteUsed("missing", "someone"), domain.ErrNotFound)

		invites, err := store.ListInvites()
		require.NoError(t, err)
		assert.Len(t, invites, 1)
	})
}

func TestStore_Sessions(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.CreateSession(&domain.Session{Token: "live", UserID: "u1", ExpiresAt: now.Add(time.Hour), CreatedAt: now}))
	require.NoError(t, store.CreateSession(&domain.Session{Token: "dead", UserID: "u1", ExpiresAt: now.Add(-time.Hour), CreatedAt: now}))

	removed, err := store.DeleteExpiredSessions(now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.GetSession("live")
	require.NoError(t, err)
	_, err = store.GetSession("dead")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, store.DeleteSession("live"))
	require.NoError(t, store.DeleteSession("live"))
}

func TestStore_Settings(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetSettings()
	assert.ErrorIs(t, err, domain.ErrNotFound)

	settings := domain.DefaultSettings([]string{"example.com"})
	require.NoError(t, store.SaveSettings(settings))
	assert.Equal(t, int64(1), settings.Version)

	t.Run("版本一致时更新", func(t *testing.T) {
		current, err := store.GetSettings()
		require.NoError(t, err)
		current.Relay = domain.RelayConfig{Host: "smtp.example.com", Port: 465, Secure: true, Enabled: true}
		require.NoError(t, store.SaveSettings(current))

		got, err := store.GetSettings()
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, "smtp.example.com", got.Relay.Host)
		assert.Equal(t, []string{"example.com"}, got.AllowedDomains)
	})

	t.Run("版本过期时冲突", func(t *testing.T) {
		stale := domain.DefaultSettings(nil)
		stale.Version = 1
		assert.ErrorIs(t, store.SaveSettings(stale), domain.ErrVersionConflict)

		fresh := domain.DefaultSettings(nil)
		assert.ErrorIs(t, store.SaveSettings(fresh), domain.ErrVersionConflict)
	})
}

func TestStore_Health(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Health())
	assert.Equal(t, "sqlite3", store.Driver())
}
