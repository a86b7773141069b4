package memory

import (
	"sort"

	"mailsink/backend/internal/domain"
)

// State 身份注册表和全局配置的快照，用于文件持久化。
type State struct {
	Settings *domain.Settings `json:"settings,omitempty"`
	Users    []domain.Identity `json:"users"`
	Invites  []domain.Invite   `json:"invites"`
	Sessions []domain.Session  `json:"sessions"`
}

// ExportState 导出身份、邀请码、会话和全局配置。
func (s *Store) ExportState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := State{
		Settings: s.settings.Clone(),
		Users:    make([]domain.Identity, 0, len(s.identities)),
		Invites:  make([]domain.Invite, 0, len(s.invites)),
		Sessions: make([]domain.Session, 0, len(s.sessions)),
	}
	for _, identity := range s.identities {
		state.Users = append(state.Users, *identity.Clone())
	}
	for _, invite := range s.invites {
		state.Invites = append(state.Invites, *cloneInvite(invite))
	}
	for _, session := range s.sessions {
		state.Sessions = append(state.Sessions, *session)
	}

	sort.Slice(state.Users, func(i, j int) bool { return state.Users[i].CreatedAt.Before(state.Users[j].CreatedAt) })
	sort.Slice(state.Invites, func(i, j int) bool { return state.Invites[i].CreatedAt.Before(state.Invites[j].CreatedAt) })
	sort.Slice(state.Sessions, func(i, j int) bool { return state.Sessions[i].CreatedAt.Before(state.Sessions[j].CreatedAt) })
	return state
}

// Load 用持久化的数据替换当前内容。messages 需按最新在前排列。
func (s *Store) Load(messages []domain.Message, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(messages) > s.capacity {
		messages = messages[:s.capacity]
	}

	// 重新分配插入序号，保持最新的序号最大
	s.messages = make([]domain.Message, len(messages), s.capacity+1)
	for i := range messages {
		s.messages[i] = messages[i]
		s.messages[i].Seq = int64(len(messages) - i)
	}
	s.seq = int64(len(messages))

	s.identities = make(map[string]*domain.Identity, len(state.Users))
	s.byUsername = make(map[string]string, len(state.Users))
	s.byAPIKey = make(map[string]string, len(state.Users))
	for i := range state.Users {
		identity := state.Users[i].Clone()
		s.identities[identity.ID] = identity
		s.byUsername[usernameKey(identity.Username)] = identity.ID
		if identity.APIKey != "" {
			s.byAPIKey[identity.APIKey] = identity.ID
		}
	}

	s.invites = make(map[string]*domain.Invite, len(state.Invites))
	for i := range state.Invites {
		s.invites[state.Invites[i].Code] = cloneInvite(&state.Invites[i])
	}

	s.sessions = make(map[string]*domain.Session, len(state.Sessions))
	for i := range state.Sessions {
		session := state.Sessions[i]
		s.sessions[session.Token] = &session
	}

	s.settings = state.Settings.Clone()
}
