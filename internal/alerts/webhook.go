package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/slack-go/slack"

	"github.com/apiwatch/backend/internal/store"
)

const webhookTimeout = 10 * time.Second

// WebhookChannel posts a Slack-compatible attachment payload to a configured
// URL. Any HTTP status >= 400 counts as a delivery failure.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel returns nil when no URL is configured.
func NewWebhookChannel(url string) *WebhookChannel {
	if url == "" {
		return nil
	}
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

func (c *WebhookChannel) Name() string { return store.ChannelWebhook }

func (c *WebhookChannel) Send(ctx context.Context, alert *store.Alert) error {
	msg := &slack.WebhookMessage{
		Attachments: []slack.Attachment{{
			Color: severityColor(alert.Severity),
			Title: alert.Title,
			Text:  alert.Description,
			Fields: []slack.AttachmentField{
				{Title: "Severity", Value: alert.Severity, Short: true},
				{Title: "Risk Score", Value: fmt.Sprintf("%.1f / 10", alert.RiskScore), Short: true},
				{Title: "Alert ID", Value: strconv.FormatInt(alert.ID, 10), Short: true},
				{Title: "API ID", Value: strconv.FormatInt(alert.APIID, 10), Short: true},
			},
			Footer: "API Monitor",
			Ts:     json.Number(strconv.FormatInt(alert.CreatedAt.Unix(), 10)),
		}},
	}

	if err := slack.PostWebhookCustomHTTPContext(ctx, c.url, c.client, msg); err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	return nil
}
