package alerts

import (
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/apiwatch/backend/internal/config"
	"github.com/apiwatch/backend/internal/store"
)

const emailSendTimeout = 30 * time.Second

// EmailChannel delivers alerts as multipart HTML mail over SMTP.
type EmailChannel struct {
	dialer *gomail.Dialer
	from   string
	to     string
}

// NewEmailChannel returns nil when SMTP is disabled or incomplete, so the
// caller can skip registering the channel.
func NewEmailChannel(cfg config.SMTPConfig) *EmailChannel {
	if !cfg.Enabled || cfg.Host == "" || cfg.From == "" || cfg.To == "" {
		return nil
	}

	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	if cfg.UseTLS {
		dialer.TLSConfig = &tls.Config{ServerName: cfg.Host}
	}
	return &EmailChannel{dialer: dialer, from: cfg.From, to: cfg.To}
}

func (c *EmailChannel) Name() string { return store.ChannelEmail }

// Send builds and delivers the message. gomail has no context support, so
// the SMTP exchange runs in a goroutine bounded by the send timeout.
func (c *EmailChannel) Send(ctx context.Context, alert *store.Alert) error {
	m := gomail.NewMessage()
	m.SetHeader("From", c.from)
	m.SetHeader("To", c.to)
	m.SetHeader("Subject", alertSubject(alert))
	m.SetBody("text/plain", fmt.Sprintf("%s\n\n%s\n\nRisk score: %.1f / 10\nAlert ID: %d\nAPI ID: %d",
		alert.Title, alert.Description, alert.RiskScore, alert.ID, alert.APIID))
	m.AddAlternative("text/html", emailBody(alert))

	errc := make(chan error, 1)
	go func() { errc <- c.dialer.DialAndSend(m) }()

	timer := time.NewTimer(emailSendTimeout)
	defer timer.Stop()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("smtp send: timeout after %s", emailSendTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func emailBody(alert *store.Alert) string {
	return fmt.Sprintf(`<html><body style="font-family:sans-serif">
<div style="border-left:4px solid %s;padding:12px 16px">
<h2 style="margin-top:0;color:%s">%s</h2>
<p>%s</p>
<table cellpadding="4">
<tr><td><b>Severity</b></td><td>%s</td></tr>
<tr><td><b>Risk score</b></td><td>%.1f / 10</td></tr>
<tr><td><b>Alert ID</b></td><td>%d</td></tr>
<tr><td><b>API ID</b></td><td>%d</td></tr>
<tr><td><b>Created</b></td><td>%s</td></tr>
</table>
</div>
</body></html>`,
		severityColor(alert.Severity),
		severityColor(alert.Severity),
		html.EscapeString(alert.Title),
		html.EscapeString(alert.Description),
		html.EscapeString(alert.Severity),
		alert.RiskScore,
		alert.ID,
		alert.APIID,
		alert.CreatedAt.Format(time.RFC3339))
}
