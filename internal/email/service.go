// Package email sends sync reports and welcome mail over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("email not configured")

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   SendFunc
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

// WithSender replaces the SMTP transport, for tests.
func (s *Service) WithSender(send SendFunc) *Service {
	s.send = send
	return s
}

func (s *Service) IsConfigured() bool {
	return s != nil && s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart/alternative message with a plain-text part.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if len(to) == 0 {
		return fmt.Errorf("no recipients")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	boundary := "boundary-maqlexpress"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", textBody)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type SyncReportData struct {
	AppName         string
	UserName        string
	PIDName         string
	ProjectID       string
	Failed          bool
	Error           string
	Attributes      int
	AttributeValues int
	Metrics         int
	Skipped         int
	Duration        time.Duration
}

func (d SyncReportData) Total() int { return d.Attributes + d.AttributeValues + d.Metrics }

// SendSyncReport mails the outcome of a metadata sync.
func (s *Service) SendSyncReport(to string, data SyncReportData) error {
	data.AppName = "MAQL Express"
	subject := fmt.Sprintf("Sync finished for %s", data.PIDName)
	text := fmt.Sprintf("%d new variables were added to %s (%d attributes, %d attribute values, %d metrics).",
		data.Total(), data.PIDName, data.Attributes, data.AttributeValues, data.Metrics)
	if data.Failed {
		subject = fmt.Sprintf("Sync failed for %s", data.PIDName)
		text = fmt.Sprintf("The sync of %s failed: %s", data.PIDName, data.Error)
	}
	html, err := renderTemplate(syncReportTemplate, data)
	if err != nil {
		return fmt.Errorf("render sync report template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

type WelcomeData struct {
	AppName  string
	UserName string
}

func (s *Service) SendWelcomeEmail(to, userName string) error {
	data := WelcomeData{AppName: "MAQL Express", UserName: userName}
	html, err := renderTemplate(welcomeTemplate, data)
	if err != nil {
		return fmt.Errorf("render welcome template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, "Welcome to MAQL Express", "Your MAQL Express account is ready.", html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const syncReportTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}} sync report</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .error { background: #fdecea; padding: 12px; border-radius: 4px; margin: 20px 0; }
        td { padding: 4px 12px 4px 0; }
    </style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <p>Hi {{.UserName}},</p>
    {{if .Failed}}
    <p>The sync of <strong>{{.PIDName}}</strong> ({{.ProjectID}}) did not complete.</p>
    <div class="error">{{.Error}}</div>
    {{else}}
    <p>The sync of <strong>{{.PIDName}}</strong> ({{.ProjectID}}) finished in {{.Duration}}.</p>
    <table>
        <tr><td>Attributes</td><td>{{.Attributes}}</td></tr>
        <tr><td>Attribute values</td><td>{{.AttributeValues}}</td></tr>
        <tr><td>Metrics</td><td>{{.Metrics}}</td></tr>
        <tr><td>Attributes without value lookup</td><td>{{.Skipped}}</td></tr>
    </table>
    {{end}}
</body>
</html>`

const welcomeTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Welcome to {{.AppName}}</title>
</head>
<body style="font-family: sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
    <h1>{{.AppName}}</h1>
    <h2>Welcome, {{.UserName}}!</h2>
    <p>Add a PID, import or sync your variables, and start composing MAQL.</p>
</body>
</html>`
