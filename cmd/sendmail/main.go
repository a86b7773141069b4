package main

import (
	"bytes"
	"flag"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type options struct {
	addr        string
	from        string
	to          []string
	subject     string
	text        string
	html        string
	user        string
	pass        string
	count       int
	concurrency int
}

// main 通过 SMTP 向接收服务投递测试邮件
//
// 用法: sendmail -to bob@example.com -subject "Verify" -text "Your code is 123-4567-890"
func main() {
	var opts options
	var to string
	flag.StringVar(&opts.addr, "addr", "localhost:2525", "SMTP 服务地址")
	flag.StringVar(&opts.from, "from", "sender@example.net", "发件人地址")
	flag.StringVar(&to, "to", "", "收件人地址，多个用逗号分隔")
	flag.StringVar(&opts.subject, "subject", "Test message", "邮件主题")
	flag.StringVar(&opts.text, "text", "", "纯文本正文")
	flag.StringVar(&opts.html, "html", "", "HTML 正文")
	flag.StringVar(&opts.user, "user", "", "AUTH PLAIN 用户名，留空不认证")
	flag.StringVar(&opts.pass, "pass", "", "AUTH PLAIN 密码")
	flag.IntVar(&opts.count, "count", 1, "发送封数")
	flag.IntVar(&opts.concurrency, "concurrency", 1, "并发连接数")
	flag.Parse()

	for _, addr := range strings.Split(to, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			opts.to = append(opts.to, addr)
		}
	}
	if len(opts.to) == 0 {
		fmt.Println("错误: 至少需要一个收件人 (-to)")
		flag.Usage()
		os.Exit(1)
	}
	if opts.text == "" && opts.html == "" {
		opts.text = "Hello from mailsink."
	}
	if opts.concurrency < 1 {
		opts.concurrency = 1
	}

	start := time.Now()
	var group errgroup.Group
	group.SetLimit(opts.concurrency)
	for i := 0; i < opts.count; i++ {
		group.Go(func() error {
			return send(opts)
		})
	}
	if err := group.Wait(); err != nil {
		fmt.Printf("错误: 发送失败: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ 已发送 %d 封邮件，用时 %s\n", opts.count, time.Since(start).Round(time.Millisecond))
}

func send(opts options) error {
	c, err := gosmtp.Dial(opts.addr)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Hello("localhost"); err != nil {
		return err
	}
	if opts.user != "" {
		if err := c.Auth(sasl.NewPlainClient("", opts.user, opts.pass)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.Mail(opts.from, nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range opts.to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	body, err := buildMessage(opts)
	if err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	return c.Quit()
}

// buildMessage 只有一种正文时生成单段邮件，否则生成 multipart/alternative
func buildMessage(opts options) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", opts.from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(opts.to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", opts.subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%s@mailsink>\r\n", uuid.NewString())
	buf.WriteString("MIME-Version: 1.0\r\n")

	switch {
	case opts.html == "":
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		buf.WriteString(opts.text)
		return buf.Bytes(), nil
	case opts.text == "":
		buf.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		buf.WriteString(opts.html)
		return buf.Bytes(), nil
	}

	var parts bytes.Buffer
	mw := multipart.NewWriter(&parts)
	for _, p := range []struct{ contentType, body string }{
		{"text/plain; charset=utf-8", opts.text},
		{"text/html; charset=utf-8", opts.html},
	} {
		pw, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {p.contentType}})
		if err != nil {
			return nil, err
		}
		if _, err := pw.Write([]byte(p.body)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())
	buf.Write(parts.Bytes())
	return buf.Bytes(), nil
}
