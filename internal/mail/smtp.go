package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/romu70/jearch/internal/model"
)

// SMTPConfig はSMTP送信の設定。
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromAddress string
	FromName    string
}

// SMTPTransport はSMTPサーバー経由でメールを送信する。
// ポート465は接続時からTLS、それ以外はSTARTTLSで暗号化する。
type SMTPTransport struct {
	cfg    SMTPConfig
	auth   smtp.Auth
	dialer *net.Dialer
	now    func() time.Time
}

// NewSMTPTransport はSMTPTransportを生成する。
func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPTransport{
		cfg:    cfg,
		auth:   auth,
		dialer: &net.Dialer{},
		now:    time.Now,
	}
}

// Send はメールを送信する。ctxの期限は接続全体のデッドラインとして適用する。
func (t *SMTPTransport) Send(ctx context.Context, email *model.QueuedEmail) error {
	msg, err := t.buildMessage(email)
	if err != nil {
		return err
	}

	address := net.JoinHostPort(t.cfg.Host, fmt.Sprint(t.cfg.Port))
	tlsConfig := &tls.Config{ServerName: t.cfg.Host}

	var conn net.Conn
	if t.cfg.Port == 465 {
		conn, err = (&tls.Dialer{NetDialer: t.dialer, Config: tlsConfig}).DialContext(ctx, "tcp", address)
	} else {
		conn, err = t.dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server %s: %w", address, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// ctxのキャンセルで読み書き中の接続を打ち切る
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if t.cfg.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("failed to start TLS: %w", err)
			}
		}
	}

	if t.auth != nil {
		if err := client.Auth(t.auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}
	if err := client.Mail(t.cfg.FromAddress); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(email.ToAddress); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to open data writer: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	return client.Quit()
}

// buildMessage はRFC 5322形式のメッセージを組み立てる。
// HTMLパートがある場合は multipart/alternative とする。
func (t *SMTPTransport) buildMessage(email *model.QueuedEmail) ([]byte, error) {
	var buf bytes.Buffer

	domain := "localhost"
	if at := strings.LastIndex(t.cfg.FromAddress, "@"); at >= 0 {
		domain = t.cfg.FromAddress[at+1:]
	}

	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	header("Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), domain))
	header("Date", t.now().Format(time.RFC1123Z))
	header("To", email.ToAddress)
	header("From", fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", t.cfg.FromName), t.cfg.FromAddress))
	header("Subject", mime.QEncoding.Encode("utf-8", email.Subject))
	header("MIME-Version", "1.0")

	if email.BodyHTML == "" {
		header("Content-Type", `text/plain; charset="utf-8"`)
		buf.WriteString("\r\n")
		buf.WriteString(email.BodyText)
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	header("Content-Type", fmt.Sprintf(`multipart/alternative; boundary="%s"`, mw.Boundary()))
	buf.WriteString("\r\n")

	parts := []struct {
		contentType string
		body        string
	}{
		{`text/plain; charset="utf-8"`, email.BodyText},
		{`text/html; charset="utf-8"`, email.BodyHTML},
	}
	for _, p := range parts {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {p.contentType}})
		if err != nil {
			return nil, fmt.Errorf("failed to create message part: %w", err)
		}
		if _, err := w.Write([]byte(p.body)); err != nil {
			return nil, fmt.Errorf("failed to write message part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return buf.Bytes(), nil
}
