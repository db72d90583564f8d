// Package slack sends sync run summaries to Slack via incoming webhooks.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/leadsync/internal/pipeline"
	"github.com/linnemanlabs/leadsync/internal/upstream"
)

const (
	maxErrorLen = 2000
	httpTimeout = 10 * time.Second
)

// Notifier sends run results to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     upstream.NewHTTPClient(httpTimeout),
	}
}

// Send posts a run summary to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, result *pipeline.Result) error {
	if n.webhookURL == "" {
		return nil
	}
	return upstream.PostJSON(ctx, n.client, "slack", n.webhookURL, nil, buildMessage(result), nil)
}

func buildMessage(r *pipeline.Result) map[string]any {
	blocks := []map[string]any{
		headerBlock(r),
		{"type": "divider"},
		fieldsBlock(r),
	}
	if r.Err != nil {
		blocks = append(blocks, map[string]any{"type": "divider"}, errorBlock(r))
	}
	blocks = append(blocks, map[string]any{"type": "divider"}, contextBlock(r))
	return map[string]any{"blocks": blocks}
}

func headerBlock(r *pipeline.Result) map[string]any {
	emoji := "\U0001f7e2" // green circle
	title := "Lead Sync Complete"
	switch {
	case r.Status == pipeline.StatusFailed:
		emoji = "\U0001f534" // red circle
		title = "Lead Sync Failed"
	case r.DryRun:
		emoji = "\U0001f7e1" // yellow circle
		title = "Lead Sync Dry Run"
	}

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s: %s", emoji, title, r.Technology),
		},
	}
}

func fieldsBlock(r *pipeline.Result) map[string]any {
	field := func(format string, args ...any) map[string]any {
		return map[string]any{"type": "mrkdwn", "text": fmt.Sprintf(format, args...)}
	}
	fields := []map[string]any{
		field("*Fetched:* %d", r.Fetched),
		field("*New:* %d", r.New),
		field("*Created:* %d", r.Created),
		field("*Existing:* %d", r.Existing),
		field("*Ledger rows:* %d", r.Persisted),
		field("*Duration:* %.1fs", r.Duration.Seconds()),
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func errorBlock(r *pipeline.Result) map[string]any {
	text := fmt.Sprintf("*Failed in %s*\n\n```%s```", r.Phase, truncate(r.Err.Error(), maxErrorLen))

	var pf *pipeline.PartialFailureError
	if errors.As(r.Err, &pf) {
		text += fmt.Sprintf("\n:warning: %d companies are in the ledger but were not all created in Apollo. "+
			"They will not be retried automatically.", pf.Persisted)
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func contextBlock(r *pipeline.Result) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("leadsync • run %s • %s", r.RunID, r.StartedAt.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

// truncate caps s at limit bytes without splitting a UTF-8 sequence.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
