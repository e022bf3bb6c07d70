// Package email sends collaboration invitations over SMTP.
package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// AppURL is the web app base used to build invitation links.
	AppURL string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
	logger *zap.Logger
}

func NewService(config Config, logger *zap.Logger) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
		logger: logger,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// Invitation is one pending share to announce.
type Invitation struct {
	To            string
	InviterName   string
	DocumentID    string
	DocumentTitle string
	GrantID       string
	AccessLevel   string
}

// InviteURL links to the editor with the invite marker the web app uses to
// accept pending invitations on first visit.
func InviteURL(appURL, documentID, grantID string) string {
	base := strings.TrimRight(appURL, "/")
	q := url.Values{"invite": {grantID}}
	return base + "/editor/" + url.PathEscape(documentID) + "?" + q.Encode()
}

type invitationData struct {
	AppName       string
	InviterName   string
	DocumentTitle string
	AccessLevel   string
	InviteURL     string
}

func (s *Service) SendInvitation(ctx context.Context, inv Invitation) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data := invitationData{
		AppName:       "Coedit",
		InviterName:   inv.InviterName,
		DocumentTitle: inv.DocumentTitle,
		AccessLevel:   inv.AccessLevel,
		InviteURL:     InviteURL(s.config.AppURL, inv.DocumentID, inv.GrantID),
	}
	html, err := renderTemplate(invitationEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render invitation template: %w", err)
	}
	subject := fmt.Sprintf("%s shared \"%s\" with you", data.InviterName, data.DocumentTitle)
	plain := fmt.Sprintf("%s invited you to %s \"%s\".\r\nOpen it here: %s\r\n",
		data.InviterName, verb(data.AccessLevel), data.DocumentTitle, data.InviteURL)
	if err := s.sendHTML([]string{inv.To}, subject, plain, html); err != nil {
		return fmt.Errorf("send invitation: %w", err)
	}
	s.logger.Info("invitation sent", zap.String("document_id", inv.DocumentID), zap.String("grant_id", inv.GrantID))
	return nil
}

func verb(accessLevel string) string {
	switch accessLevel {
	case "edit":
		return "edit"
	case "comment":
		return "comment on"
	default:
		return "view"
	}
}

func (s *Service) sendHTML(to []string, subject, plain, htmlBody string) error {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-coedit"

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
	fmt.Fprintf(&msg, "%s\r\n", plain)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

func renderTemplate(tmpl string, data any) (string, error) {
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

const invitationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.DocumentTitle}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #3B82F6; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #3B82F6; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #3B82F6; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>{{.InviterName}} shared <strong>{{.DocumentTitle}}</strong> with you ({{.AccessLevel}} access).</p>

    <p>
        <a href="{{.InviteURL}}" class="button">Open document</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.InviteURL}}</p>

    <div class="footer">
        <p>Sign in with this email address to accept the invitation.</p>
    </div>
</body>
</html>`
