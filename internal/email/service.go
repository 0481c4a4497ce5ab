// Package email sends review notices to resource owners over SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
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

// SendHTMLEmail sends a multipart message with a plain-text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-counselhub"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// DecisionNotice describes one review outcome for the resource owner.
type DecisionNotice struct {
	AppName       string
	OwnerName     string
	ResourceTitle string
	Decision      string
	ResourceURL   string
}

// Published reports whether the notice is for a publish; anything else is
// treated as a rejection.
func (n DecisionNotice) Published() bool { return n.Decision == "published" }

// SendDecisionNotice mails the owner of a resource that was published or
// rejected.
func (s *Service) SendDecisionNotice(to string, notice DecisionNotice) error {
	if notice.AppName == "" {
		notice.AppName = "CounselHub"
	}
	subject := fmt.Sprintf("Your resource %q was rejected", notice.ResourceTitle)
	text := fmt.Sprintf("Hi %s,\n\nAn administrator reviewed %q and rejected it. You can edit it and resubmit it for review.", notice.OwnerName, notice.ResourceTitle)
	if notice.Published() {
		subject = fmt.Sprintf("Your resource %q is now published", notice.ResourceTitle)
		text = fmt.Sprintf("Hi %s,\n\n%q has been published and is now visible in the resource library.", notice.OwnerName, notice.ResourceTitle)
	}
	if notice.ResourceURL != "" {
		text += "\n\n" + notice.ResourceURL
	}

	html, err := renderTemplate(decisionTmpl, notice)
	if err != nil {
		return fmt.Errorf("render decision template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

var decisionTmpl = template.Must(template.New("decision").Parse(decisionEmailTemplate))

func renderTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const decisionEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}} review update</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #2f855a; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #2f855a; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.OwnerName}},</p>
{{if .Published}}
    <p><strong>{{.ResourceTitle}}</strong> has been published and is now visible in the resource library.</p>
{{else}}
    <p>An administrator reviewed <strong>{{.ResourceTitle}}</strong> and rejected it. You can edit it and resubmit it for review.</p>
{{end}}
{{if .ResourceURL}}
    <p>
        <a href="{{.ResourceURL}}" class="button">Open resource</a>
    </p>
{{end}}
    <div class="footer">
        <p>You are receiving this because you own this resource on {{.AppName}}.</p>
    </div>
</body>
</html>`
