// Package email sends moderation notices to entry owners via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

// NewService creates a new email service
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

// Message is one outgoing notice with plain text and HTML bodies.
type Message struct {
	To      []string
	Subject string
	Text    string
	HTML    string
}

// Send delivers msg as multipart/alternative. Text may be empty, in which
// case only the HTML part is written.
func (s *Service) Send(msg Message) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	if len(msg.To) == 0 {
		return fmt.Errorf("email has no recipients")
	}
	return s.send(s.server, s.auth, s.config.From, msg.To, s.encode(msg))
}

func (s *Service) encode(m Message) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	const boundary = "reelqueue-alt"

	var buf bytes.Buffer
	header := func(key, value string) { fmt.Fprintf(&buf, "%s: %s\r\n", key, value) }
	header("To", strings.Join(m.To, ", "))
	header("From", from)
	header("Subject", m.Subject)
	header("MIME-Version", "1.0")
	header("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
	buf.WriteString("\r\n")

	part := func(contentType, body string) {
		fmt.Fprintf(&buf, "--%s\r\nContent-Type: %s; charset=UTF-8\r\n\r\n%s\r\n", boundary, contentType, body)
	}
	if m.Text != "" {
		part("text/plain", strings.ReplaceAll(m.Text, "\n", "\r\n"))
	}
	part("text/html", m.HTML)
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return buf.Bytes()
}

type ModerationData struct {
	AppName    string
	UserName   string
	EntryTitle string
	EntryType  string
	Approved   bool
}

// SendModerationNotice tells an owner their entry was approved or rejected.
func (s *Service) SendModerationNotice(to, userName, entryTitle, entryType, status string) error {
	data := ModerationData{
		AppName:    "Reelqueue",
		UserName:   userName,
		EntryTitle: entryTitle,
		EntryType:  entryType,
		Approved:   status == "approved",
	}

	html, err := renderTemplate(moderationEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render moderation template: %w", err)
	}
	return s.Send(Message{
		To:      []string{to},
		Subject: fmt.Sprintf("Your submission %q was %s", entryTitle, status),
		Text:    moderationText(data),
		HTML:    html,
	})
}

func moderationText(d ModerationData) string {
	outcome := "has been approved and is now visible to everyone."
	if !d.Approved {
		outcome = "was not approved. You can edit it and resubmit it for review."
	}
	return fmt.Sprintf("Hi %s,\n\nYour %s %q %s\n", d.UserName, d.EntryType, d.EntryTitle, outcome)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const moderationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}} moderation update</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #b3261e; padding-bottom: 10px; margin-bottom: 20px; }
        .approved { background: #e6f4ea; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .rejected { background: #fce8e6; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.UserName}},</p>

    {{if .Approved}}
    <div class="approved">
        Your {{.EntryType}} <strong>{{.EntryTitle}}</strong> has been approved and is now visible to everyone.
    </div>
    {{else}}
    <div class="rejected">
        Your {{.EntryType}} <strong>{{.EntryTitle}}</strong> was not approved. You can edit it and resubmit it for review.
    </div>
    {{end}}

    <div class="footer">
        <p>You are receiving this because you submitted an entry to {{.AppName}}.</p>
    </div>
</body>
</html>`
