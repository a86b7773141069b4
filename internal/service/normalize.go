package service

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"mailsink/backend/internal/domain"
)

const (
	// DefaultSubject 邮件没有主题时使用的占位主题
	DefaultSubject = "(No Subject)"
	// FilteredSubject 已知垃圾邮件使用的主题，命中后邮件解析但不保存
	FilteredSubject = "You have a friend request in Habbo"
)

// IncomingMessage 解析后、规范化前的邮件
type IncomingMessage struct {
	From    domain.Address
	To      []domain.Address
	Subject string
	Text    string
	HTML    string
}

// Filtered 判断邮件是否命中垃圾主题过滤
func (in IncomingMessage) Filtered() bool {
	return in.Subject == FilteredSubject
}

// Normalize 把解析后的邮件转换为规范的存储记录
//
// 接收时间取 now 而不是邮件头中的 Date。只有纯文本正文缺失时才从 HTML 派生。
func Normalize(in IncomingMessage, now time.Time) *domain.Message {
	subject := in.Subject
	if subject == "" {
		subject = DefaultSubject
	}

	text := in.Text
	if text == "" && in.HTML != "" {
		text = HTMLToText(in.HTML)
	}

	to := make([]domain.Address, len(in.To))
	copy(to, in.To)

	return &domain.Message{
		ID:         uuid.NewString(),
		From:       in.From,
		To:         to,
		Subject:    subject,
		Text:       text,
		HTML:       in.HTML,
		ReceivedAt: now.UTC(),
	}
}

// MessageText 返回用于扫描的正文：优先纯文本，其次由 HTML 派生
func MessageText(m *domain.Message) string {
	if m.Text != "" {
		return m.Text
	}
	if m.HTML != "" {
		return HTMLToText(m.HTML)
	}
	return ""
}

// 块级元素前后换行，段落类元素之间保留一个空行
var (
	lineBreakTags = map[atom.Atom]bool{
		atom.Div: true, atom.Li: true, atom.Tr: true, atom.Dt: true, atom.Dd: true,
		atom.Section: true, atom.Article: true, atom.Header: true, atom.Footer: true,
		atom.Nav: true, atom.Aside: true, atom.Main: true, atom.Form: true, atom.Hr: true,
		atom.Center: true, atom.Address: true, atom.Figure: true, atom.Figcaption: true,
	}
	paragraphTags = map[atom.Atom]bool{
		atom.P: true, atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
		atom.Ul: true, atom.Ol: true, atom.Dl: true, atom.Table: true, atom.Blockquote: true, atom.Pre: true,
	}
	skippedTags = map[atom.Atom]bool{
		atom.Script: true, atom.Style: true, atom.Head: true, atom.Title: true, atom.Noscript: true, atom.Template: true,
	}
)

// HTMLToText 去除 HTML 标记得到纯文本，在块级元素边界保留换行
func HTMLToText(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))

	var w textWriter
	skip := 0
	pre := 0
	var links []string

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return tidyLines(w.String())

		case html.TextToken:
			if skip > 0 {
				continue
			}
			if pre > 0 {
				w.text(string(z.Text()))
				continue
			}
			w.text(collapseSpaces(string(z.Text())))

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := atom.Lookup(name)
			switch {
			case skippedTags[tag]:
				if tt == html.StartTagToken {
					skip++
				}
			case tag == atom.Br:
				w.newline()
			case tag == atom.A:
				links = append(links, anchorHref(z, hasAttr))
			case tag == atom.Td || tag == atom.Th:
				w.text(" ")
			case paragraphTags[tag]:
				w.breakLines(2)
				if tag == atom.Pre && tt == html.StartTagToken {
					pre++
				}
			case lineBreakTags[tag]:
				w.breakLines(1)
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := atom.Lookup(name)
			switch {
			case skippedTags[tag]:
				if skip > 0 {
					skip--
				}
			case tag == atom.A:
				if n := len(links); n > 0 {
					if href := links[n-1]; href != "" && skip == 0 {
						w.text(" [" + href + "]")
					}
					links = links[:n-1]
				}
			case paragraphTags[tag]:
				w.breakLines(2)
				if tag == atom.Pre && pre > 0 {
					pre--
				}
			case lineBreakTags[tag]:
				w.breakLines(1)
			}
		}
	}
}

// textWriter 记录末尾连续换行数，块级边界只补足缺少的换行
type textWriter struct {
	b        strings.Builder
	newlines int
}

func (w *textWriter) text(s string) {
	w.b.WriteString(s)
	if strings.TrimSpace(s) != "" {
		w.newlines = 0
		if strings.HasSuffix(s, "\n") {
			w.newlines = 1
		}
	}
}

func (w *textWriter) newline() {
	w.b.WriteByte('\n')
	w.newlines++
}

func (w *textWriter) breakLines(n int) {
	for w.newlines < n {
		w.newline()
	}
}

func (w *textWriter) String() string {
	return w.b.String()
}

// anchorHref 读取链接地址，页内锚点和 javascript 链接返回空
func anchorHref(z *html.Tokenizer, hasAttr bool) string {
	for hasAttr {
		var key, val []byte
		key, val, hasAttr = z.TagAttr()
		if string(key) != "href" {
			continue
		}
		href := strings.TrimSpace(string(val))
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return ""
		}
		return href
	}
	return ""
}

// collapseSpaces 把连续空白折叠为一个空格
func collapseSpaces(s string) string {
	var b strings.Builder
	space := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', '\f', '\u00a0':
			if !space {
				b.WriteByte(' ')
				space = true
			}
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return b.String()
}

// tidyLines 去掉行首尾空白，最多保留一个连续空行
func tidyLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := true
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if blank {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
