package smtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsink/backend/internal/domain"
)

func TestParseEmail(t *testing.T) {
	t.Run("纯文本邮件", func(t *testing.T) {
		raw := "From: Alice <alice@example.net>\r\n" +
			"To: Bob <bob@example.com>, carol@example.com\r\n" +
			"Subject: Hello\r\n" +
			"\r\n" +
			"Your code is 123-4567-890\r\n"

		parsed, err := ParseEmail([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, "Hello", parsed.Subject)
		assert.Equal(t, domain.Address{Address: "alice@example.net", Name: "Alice"}, parsed.From)
		assert.Equal(t, []domain.Address{
			{Address: "bob@example.com", Name: "Bob"},
			{Address: "carol@example.com"},
		}, parsed.To)
		assert.Equal(t, "Your code is 123-4567-890\r\n", parsed.Text)
		assert.Empty(t, parsed.HTML)
	})

	t.Run("multipart/alternative 同时包含文本和 HTML", func(t *testing.T) {
		raw := "From: alice@example.net\r\n" +
			"To: bob@example.com\r\n" +
			"Subject: Both\r\n" +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: multipart/alternative; boundary=\"b1\"\r\n" +
			"\r\n" +
			"--b1\r\n" +
			"Content-Type: text/plain; charset=utf-8\r\n" +
			"\r\n" +
			"plain body\r\n" +
			"--b1\r\n" +
			"Content-Type: text/html; charset=utf-8\r\n" +
			"Content-Transfer-Encoding: base64\r\n" +
			"\r\n" +
			"PHA+aHRtbCBib2R5PC9wPg==\r\n" +
			"--b1--\r\n"

		parsed, err := ParseEmail([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, "plain body", parsed.Text)
		assert.Equal(t, "<p>html body</p>", parsed.HTML)
	})

	t.Run("附件被跳过", func(t *testing.T) {
		raw := "From: alice@example.net\r\n" +
			"To: bob@example.com\r\n" +
			"Subject: Attachment\r\n" +
			"Content-Type: multipart/mixed; boundary=\"mix\"\r\n" +
			"\r\n" +
			"--mix\r\n" +
			"Content-Type: text/plain\r\n" +
			"\r\n" +
			"see attached\r\n" +
			"--mix\r\n" +
			"Content-Type: text/plain; name=\"notes.txt\"\r\n" +
			"Content-Disposition: attachment; filename=\"notes.txt\"\r\n" +
			"\r\n" +
			"secret notes\r\n" +
			"--mix--\r\n"

		parsed, err := ParseEmail([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, "see attached", parsed.Text)
		assert.NotContains(t, parsed.Text, "secret")
	})

	t.Run("RFC 2047 编码的主题和 ISO-8859-1 正文", func(t *testing.T) {
		raw := "From: alice@example.net\r\n" +
			"To: bob@example.com\r\n" +
			"Subject: =?UTF-8?B?5L2g5aW9?=\r\n" +
			"Content-Type: text/plain; charset=iso-8859-1\r\n" +
			"Content-Transfer-Encoding: quoted-printable\r\n" +
			"\r\n" +
			"caf=E9\r\n"

		parsed, err := ParseEmail([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, "你好", parsed.Subject)
		assert.Equal(t, "café\r\n", parsed.Text)
	})

	t.Run("单部分 HTML 邮件", func(t *testing.T) {
		raw := "From: alice@example.net\r\n" +
			"Content-Type: text/html\r\n" +
			"\r\n" +
			"<b>hi</b>"

		parsed, err := ParseEmail([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, "<b>hi</b>", parsed.HTML)
		assert.Empty(t, parsed.Text)
		assert.Nil(t, parsed.To)
	})

	t.Run("邮件头格式错误", func(t *testing.T) {
		_, err := ParseEmail([]byte("this is not a header line\r\n\r\nbody"))
		assert.ErrorIs(t, err, domain.ErrParseFailure)
	})

	t.Run("multipart 缺少 boundary", func(t *testing.T) {
		raw := "From: alice@example.net\r\n" +
			"Content-Type: multipart/mixed\r\n" +
			"\r\n" +
			"body"
		_, err := ParseEmail([]byte(raw))
		assert.ErrorIs(t, err, domain.ErrParseFailure)
	})
}

func TestEnvelopeRecipients(t *testing.T) {
	header := []domain.Address{
		{Address: "Bob@Example.com", Name: "Bob"},
		{Address: "someone@elsewhere.org", Name: "Someone"},
	}

	got := envelopeRecipients([]string{"bob@example.com", "hidden@example.com"}, header)
	assert.Equal(t, []domain.Address{
		{Address: "bob@example.com", Name: "Bob"},
		{Address: "hidden@example.com"},
	}, got)
}
