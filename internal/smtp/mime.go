package smtp

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"mailsink/backend/internal/domain"
)

// ParsedEmail 表示解析后的邮件内容。
type ParsedEmail struct {
	Subject string
	From    domain.Address
	To      []domain.Address
	Text    string
	HTML    string
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

var addressParser = &mail.AddressParser{WordDecoder: wordDecoder}

// ParseEmail 解析邮件，提取地址、主题、文本和 HTML 正文，附件被跳过。
//
// 邮件头或 MIME 结构无法解析时返回包装了 domain.ErrParseFailure 的错误。
func ParseEmail(rawEmail []byte) (*ParsedEmail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(rawEmail))
	if err != nil {
		return nil, parseFailure("read message", err)
	}

	parsed := &ParsedEmail{
		Subject: decodeHeader(msg.Header.Get("Subject")),
		From:    parseAddress(msg.Header.Get("From")),
		To:      parseAddressList(msg.Header.Get("To")),
	}

	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// 如果没有 Content-Type 或解析失败，当作纯文本处理
		body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), "")
		if err != nil {
			return nil, parseFailure("decode body", err)
		}
		parsed.Text = body
		return parsed, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, parseFailure("multipart", errors.New("missing boundary"))
		}

		mr := multipart.NewReader(msg.Body, boundary)
		if err := parseMultipart(mr, parsed); err != nil {
			return nil, parseFailure("parse multipart", err)
		}
		return parsed, nil
	}

	// 单部分邮件
	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
	if err != nil {
		return nil, parseFailure("decode body", err)
	}
	if strings.HasPrefix(mediaType, "text/html") {
		parsed.HTML = body
	} else {
		parsed.Text = body
	}
	return parsed, nil
}

// parseMultipart 递归解析多部分邮件，每种正文只取第一个。
func parseMultipart(mr *multipart.Reader, parsed *ParsedEmail) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		if isAttachment(part, params) {
			continue
		}

		// 处理嵌套的 multipart
		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				if err := parseMultipart(multipart.NewReader(part, boundary), parsed); err != nil {
					return err
				}
			}
			continue
		}

		if !strings.HasPrefix(mediaType, "text/") {
			continue
		}

		// multipart.Part 会自动解码 quoted-printable，这里只需处理 base64
		body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			return err
		}

		switch {
		case strings.HasPrefix(mediaType, "text/html"):
			if parsed.HTML == "" {
				parsed.HTML = body
			}
		case strings.HasPrefix(mediaType, "text/plain"):
			if parsed.Text == "" {
				parsed.Text = body
			}
		}
	}
}

// isAttachment 判断 MIME 部分是否为附件
func isAttachment(part *multipart.Part, params map[string]string) bool {
	disposition, dispParams, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	if err == nil {
		if disposition == "attachment" || dispParams["filename"] != "" {
			return true
		}
	}
	return params["name"] != ""
}

// decodeBody 根据传输编码和字符集解码邮件体。
func decodeBody(reader io.Reader, transferEncoding string, charset string) (string, error) {
	var decoded io.Reader = reader

	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		return "", err
	}

	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset == "" || charset == "utf-8" || charset == "us-ascii" {
		return string(body), nil
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		// 未知字符集按原样返回
		return string(body), nil
	}
	converted, _, err := transform.Bytes(enc.NewDecoder(), body)
	if err != nil {
		return string(body), nil
	}
	return string(converted), nil
}

// charsetReader 为 RFC 2047 编码的邮件头提供字符集转换
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

// decodeHeader 解码 RFC 2047 编码的邮件头，失败时返回原值。
func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return strings.TrimSpace(decoded)
}

// parseAddress 解析单个地址，格式不合法时保留原始文本作为地址
func parseAddress(value string) domain.Address {
	value = strings.TrimSpace(value)
	if value == "" {
		return domain.Address{}
	}
	addr, err := addressParser.Parse(value)
	if err != nil {
		return domain.Address{Address: normalizeAddress(value)}
	}
	return domain.Address{Address: addr.Address, Name: addr.Name}
}

// parseAddressList 解析地址列表，格式不合法时返回 nil
func parseAddressList(value string) []domain.Address {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	list, err := addressParser.ParseList(value)
	if err != nil {
		return nil
	}
	out := make([]domain.Address, 0, len(list))
	for _, addr := range list {
		out = append(out, domain.Address{Address: addr.Address, Name: addr.Name})
	}
	return out
}

func parseFailure(stage string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrParseFailure, stage, err)
}
