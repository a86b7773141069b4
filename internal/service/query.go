package service

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/storage"
)

// 查询的默认条数
const (
	DefaultListLimit   = 20
	RecipientListLimit = 50
	CodesLimit         = 50
	ShortCodesLimit    = 3
)

// codePattern 一次性验证码的固定格式
var codePattern = regexp.MustCompile(`\d{3}-\d{4}-\d{3}`)

// CodeRecord 从邮件正文中提取出的验证码
type CodeRecord struct {
	ID      string    `json:"id"`
	Code    string    `json:"code"`
	Email   string    `json:"email"`
	Date    time.Time `json:"date"`
	Subject string    `json:"subject"`
}

// MatchResult 按正则查找到的第一处匹配
type MatchResult struct {
	Match     string    `json:"match"`
	Groups    []string  `json:"groups"`
	MessageID string    `json:"emailId"`
	Date      time.Time `json:"date"`
}

// QueryService 按调用方身份过滤邮件的只读服务
type QueryService struct {
	repo storage.MessageRepository
}

// NewQueryService 创建查询服务
func NewQueryService(repo storage.MessageRepository) *QueryService {
	return &QueryService{repo: repo}
}

// ListVisible 返回调用方可见的最新邮件，按时间倒序，limit <= 0 表示不限
func (s *QueryService) ListVisible(identity *domain.Identity, limit int) ([]domain.Message, error) {
	return s.collect(identity, limit, func(*domain.Message) bool { return true })
}

// ListByRecipient 返回发往指定地址且调用方可见的邮件
func (s *QueryService) ListByRecipient(identity *domain.Identity, recipient string, limit int) ([]domain.Message, error) {
	recipient = strings.TrimSpace(recipient)
	return s.collect(identity, limit, func(m *domain.Message) bool {
		return m.HasRecipient(recipient)
	})
}

// ExtractCodes 扫描可见邮件的正文，提取全部验证码，按时间倒序取前 max 条
func (s *QueryService) ExtractCodes(identity *domain.Identity, max int) ([]CodeRecord, error) {
	messages, err := s.ListVisible(identity, 0)
	if err != nil {
		return nil, err
	}

	records := make([]CodeRecord, 0)
	for i := range messages {
		m := &messages[i]
		text := MessageText(m)
		for _, loc := range codePattern.FindAllStringIndex(text, -1) {
			records = append(records, CodeRecord{
				ID:      fmt.Sprintf("%s-%d", m.ID, loc[0]),
				Code:    text[loc[0]:loc[1]],
				Email:   m.PrimaryRecipient(),
				Date:    m.ReceivedAt,
				Subject: m.Subject,
			})
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Date.After(records[j].Date)
	})

	if max > 0 && len(records) > max {
		records = records[:max]
	}
	return records, nil
}

// FindFirstMatch 在发往 recipient 的可见邮件中查找第一处正则匹配
//
// 按存储顺序逐封扫描，每封先匹配正文再匹配主题。
// 正则无法编译返回 domain.ErrInvalidPattern，没有匹配返回 domain.ErrNotFound。
func (s *QueryService) FindFirstMatch(recipient string, identity *domain.Identity, pattern string) (*MatchResult, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPattern, err)
	}

	messages, err := s.ListByRecipient(identity, recipient, 0)
	if err != nil {
		return nil, err
	}

	for i := range messages {
		m := &messages[i]
		for _, candidate := range []string{MessageText(m), m.Subject} {
			if groups := re.FindStringSubmatch(candidate); groups != nil {
				return &MatchResult{
					Match:     groups[0],
					Groups:    groups[1:],
					MessageID: m.ID,
					Date:      m.ReceivedAt,
				}, nil
			}
		}
	}
	return nil, domain.ErrNotFound
}

// collect 读取存储中的全部邮件，按可见性和 keep 过滤，最多返回 limit 封
func (s *QueryService) collect(identity *domain.Identity, limit int, keep func(*domain.Message) bool) ([]domain.Message, error) {
	if identity == nil {
		return nil, domain.ErrUnauthorized
	}

	messages, err := s.repo.ListRecentMessages(storage.MaxMessages)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Message, 0, len(messages))
	for i := range messages {
		m := &messages[i]
		if !identity.CanSee(m) || !keep(m) {
			continue
		}
		out = append(out, *m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
