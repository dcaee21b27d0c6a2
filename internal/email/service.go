// Package email delivers in-app notifications over SMTP.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net/smtp"
	"strings"

	"docket/api/internal/store"
)

// ErrNotConfigured is returned by Deliver when no SMTP relay is set.
var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// BaseURL prefixes notification links, e.g. https://docket.example.com.
	BaseURL string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service turns notifications into multipart emails.
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

type notificationData struct {
	AppName   string
	Recipient string
	Title     string
	Body      string
	Link      string
}

// Deliver emails one notification to its recipient. Recipients without an
// address are skipped.
func (s *Service) Deliver(ctx context.Context, recipient store.User, notification store.Notification) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if strings.TrimSpace(recipient.Email) == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data := notificationData{
		AppName:   "Docket",
		Recipient: recipient.DisplayName,
		Title:     notification.Title,
		Body:      notification.Body,
		Link:      s.absoluteLink(notification.Link),
	}
	html, err := renderTemplate(notificationTmpl, data)
	if err != nil {
		return fmt.Errorf("render notification template: %w", err)
	}
	text := notification.Body
	if data.Link != "" {
		text += "\r\n\r\n" + data.Link
	}
	msg := s.buildMessage(recipient.Email, "[Docket] "+notification.Title, text, html, notification.ID)
	if err := s.send(s.server, s.auth, s.config.From, []string{recipient.Email}, msg); err != nil {
		return fmt.Errorf("send notification %s: %w", notification.ID, err)
	}
	return nil
}

func (s *Service) absoluteLink(link string) string {
	if link == "" || s.config.BaseURL == "" || strings.Contains(link, "://") {
		return link
	}
	return strings.TrimRight(s.config.BaseURL, "/") + "/" + strings.TrimLeft(link, "/")
}

func (s *Service) buildMessage(to, subject, text, html, notificationID string) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.config.FromName), s.config.From)
	}
	boundary := "docket-" + notificationID

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", text)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", html)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

var notificationTmpl = template.Must(template.New("notification").Parse(notificationTemplate))

func renderTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const notificationTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.Recipient}},</p>

    <h2>{{.Title}}</h2>

    <p>{{.Body}}</p>
    {{if .Link}}
    <p>
        <a href="{{.Link}}" class="button">Open in {{.AppName}}</a>
    </p>
    {{end}}
    <div class="footer">
        <p>You are receiving this because of your role on a {{.AppName}} project.</p>
    </div>
</body>
</html>`
