package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SlackDispatcher posts Block Kit messages to a Slack incoming webhook.
type SlackDispatcher struct {
	WebhookURL string
	HTTPClient *http.Client
}

func NewSlackDispatcher(webhookURL string) *SlackDispatcher {
	return &SlackDispatcher{
		WebhookURL: webhookURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (d *SlackDispatcher) Dispatch(ctx context.Context, a Alert) error {
	body, err := json.Marshal(slackMessage(a))
	if err != nil {
		return fmt.Errorf("marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func slackMessage(a Alert) map[string]any {
	headline := fmt.Sprintf("%s %s", severityEmoji(a.Severity), a.Title)

	fields := make([]map[string]any, 0, len(a.Fields))
	for _, f := range a.Fields {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*%s:* %s", f.Label, f.Value),
		})
	}

	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{"type": "plain_text", "text": headline},
		},
		{
			"type": "section",
			"text": map[string]any{"type": "mrkdwn", "text": a.Summary},
		},
	}
	if len(fields) > 0 {
		blocks = append(blocks, map[string]any{"type": "section", "fields": fields})
	}
	if len(a.Recommendations) > 0 {
		var b strings.Builder
		b.WriteString("*Recommended Actions:*")
		for i, r := range a.Recommendations {
			fmt.Fprintf(&b, "\n%d. %s", i+1, r)
		}
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": map[string]any{"type": "mrkdwn", "text": b.String()},
		})
	}
	if a.DashboardURL != "" {
		blocks = append(blocks, map[string]any{
			"type": "actions",
			"elements": []map[string]any{{
				"type": "button",
				"text": map[string]any{"type": "plain_text", "text": "View Dashboard"},
				"url":  a.DashboardURL,
			}},
		})
	}

	return map[string]any{
		"text":   headline,
		"blocks": blocks,
	}
}

func severityEmoji(s Severity) string {
	if s == SeverityCritical {
		return ":red_circle:"
	}
	return ":large_yellow_circle:"
}
