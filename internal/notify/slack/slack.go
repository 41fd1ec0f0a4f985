// Package slack posts triage run summaries to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/sieve/internal/triage"
)

const (
	maxOutcomeLines = 20
	maxTemplateLen  = 80
	httpTimeout     = 10 * time.Second
)

// Notifier sends run summaries to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Send posts a run summary to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, s *triage.RunSummary) error {
	if n.webhookURL == "" || s == nil {
		return nil
	}

	body, err := json.Marshal(buildMessage(s))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(s *triage.RunSummary) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(s),
			{"type": "divider"},
			fieldsBlock(s),
			{"type": "divider"},
			outcomesBlock(s),
			{"type": "divider"},
			contextBlock(s),
		},
	}
}

func headerBlock(s *triage.RunSummary) map[string]any {
	var text string
	if s.State == triage.StateDone {
		text = fmt.Sprintf("%s Log triage complete: %d published, %d failed", statusEmoji(s), s.Succeeded, s.Failed)
	} else {
		text = fmt.Sprintf("%s Log triage aborted while %s", statusEmoji(s), s.State)
	}

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(s *triage.RunSummary) map[string]any {
	field := func(label string, v any) map[string]any {
		return map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*%s:* %v", label, v)}
	}
	return map[string]any{
		"type": "section",
		"fields": []map[string]any{
			field("Events", s.EventsFetched),
			field("Templates", s.Groups),
			field("Already known", s.AlreadyKnown),
			field("Suppressed", s.Suppressed),
			field("Skipped", s.Skipped),
			field("Duration", fmt.Sprintf("%.1fs", s.Duration)),
		},
	}
}

func outcomesBlock(s *triage.RunSummary) map[string]any {
	var b strings.Builder
	b.WriteString("*Templates*\n")
	if len(s.Outcomes) == 0 {
		b.WriteString("_Nothing new this window._")
	}
	for i, o := range s.Outcomes {
		if i == maxOutcomeLines {
			fmt.Fprintf(&b, "_...and %d more_", len(s.Outcomes)-maxOutcomeLines)
			break
		}
		fmt.Fprintf(&b, "%s %s `%s` (%dx) %s\n",
			outcomeEmoji(o.Status), o.Classification, truncate(o.MessageTemplate, maxTemplateLen), o.Count, outcomeDetail(o))
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": strings.TrimRight(b.String(), "\n"),
		},
	}
}

func contextBlock(s *triage.RunSummary) map[string]any {
	ts := s.CompletedAt
	if ts.IsZero() {
		ts = s.StartedAt
	}

	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("sieve • run %s • %s", s.RunID, ts.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func outcomeDetail(o triage.Outcome) string {
	switch o.Status {
	case triage.OutcomePublished:
		return "→ " + o.TicketKey
	case triage.OutcomeFailed:
		return "failed: " + truncate(o.Error, maxTemplateLen)
	default:
		return string(o.Status)
	}
}

func statusEmoji(s *triage.RunSummary) string {
	switch {
	case s.State != triage.StateDone || s.Failed > 0:
		return "\U0001f534" // red circle
	case s.Succeeded > 0:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func outcomeEmoji(status triage.OutcomeStatus) string {
	switch status {
	case triage.OutcomePublished:
		return ":ticket:"
	case triage.OutcomeFailed:
		return ":x:"
	case triage.OutcomeSuppressed:
		return ":mute:"
	default:
		return ":white_circle:"
	}
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
