// Package notify renders and delivers account notification mails.
package notify

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"mime"
	"net/mail"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// Mail is a single plain-text message.
type Mail struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Transport delivers an already formatted Mail.
type Transport interface {
	Send(ctx context.Context, m Mail) error
}

// Dispatcher formats notifications and hands them to a Transport.
type Dispatcher struct {
	transport Transport
	from      string
	log       *zap.Logger
}

// NewDispatcher returns a dispatcher sending from the given address.
func NewDispatcher(t Transport, from string, log *zap.Logger) *Dispatcher {
	return &Dispatcher{transport: t, from: from, log: log}
}

// Send delivers a message with the given subject and body to one recipient.
func (d *Dispatcher) Send(ctx context.Context, to, subject, body string) error {
	addr, err := mail.ParseAddress(to)
	if err != nil {
		return fmt.Errorf("notify: invalid recipient %q: %w", to, err)
	}
	m := Mail{From: d.from, To: addr.Address, Subject: subject, Body: body}
	if err := d.transport.Send(ctx, m); err != nil {
		return fmt.Errorf("notify: send to %s: %w", addr.Address, err)
	}
	d.log.Info("mail sent", zap.String("to", addr.Address), zap.String("subject", subject))
	return nil
}

// SendVerification renders the verification mail for username and sends it.
func (d *Dispatcher) SendVerification(ctx context.Context, to, username, link string) error {
	subject, body, err := RenderVerification(username, link)
	if err != nil {
		return err
	}
	return d.Send(ctx, to, subject, body)
}

// RenderVerification returns the subject and body of the verification mail.
func RenderVerification(username, link string) (subject, body string, err error) {
	data := struct{ Username, Link string }{username, link}
	var s, b bytes.Buffer
	if err := templates.ExecuteTemplate(&s, "subject", data); err != nil {
		return "", "", fmt.Errorf("notify: render subject: %w", err)
	}
	if err := templates.ExecuteTemplate(&b, "body", data); err != nil {
		return "", "", fmt.Errorf("notify: render body: %w", err)
	}
	return s.String(), b.String(), nil
}

// BuildMessage serialises m as an RFC 5322 message with CRLF line endings.
func BuildMessage(m Mail, date time.Time) []byte {
	var buf bytes.Buffer
	header := func(k, v string) {
		buf.WriteString(k + ": " + v + "\r\n")
	}
	header("From", m.From)
	header("To", m.To)
	header("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	header("Date", date.Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=UTF-8")
	header("Content-Transfer-Encoding", "8bit")
	buf.WriteString("\r\n")

	body := strings.ReplaceAll(m.Body, "\r\n", "\n")
	buf.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return buf.Bytes()
}
