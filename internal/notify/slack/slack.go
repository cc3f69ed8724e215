// Package slack posts URGENT study notifications to Slack via incoming webhooks.
// Patient identifiers are never included in the message.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

const (
	maxReasonsLen = 2000
	httpTimeout   = 10 * time.Second
)

// Notifier implements triage.Notifier for a Slack webhook.
type Notifier struct {
	webhookURL string
	publicURL  string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, NotifyUrgent is a
// no-op. When publicURL is set the message links to the study.
func New(webhookURL, publicURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		publicURL:  strings.TrimRight(publicURL, "/"),
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// NotifyUrgent posts the study's triage decision to the configured webhook.
func (n *Notifier) NotifyUrgent(ctx context.Context, study *triage.Study) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(study, n.publicURL))
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

func buildMessage(s *triage.Study, publicURL string) map[string]any {
	return map[string]any{
		"text": fmt.Sprintf("URGENT chest X-ray: %s", studyLabel(s)),
		"blocks": []map[string]any{
			headerBlock(s),
			fieldsBlock(s),
			{"type": "divider"},
			reasonsBlock(s),
			{"type": "divider"},
			contextBlock(s, publicURL),
		},
	}
}

func studyLabel(s *triage.Study) string {
	if s.AccessionNumber != "" {
		return s.AccessionNumber
	}
	return s.ID
}

func headerBlock(s *triage.Study) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("\U0001f534 %s: %s", levelOf(s), studyLabel(s)), // red circle
		},
	}
}

func levelOf(s *triage.Study) triage.Level {
	if l := s.TriageLevel(); l != "" {
		return l
	}
	return triage.LevelUrgent
}

func fieldsBlock(s *triage.Study) map[string]any {
	rewritten := "no"
	if s.Analysis != nil && s.Analysis.Report.LLMRewritten {
		rewritten = "yes"
	}
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Study:* %s", s.ID)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Processing:* %.1fs", s.Duration)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Top finding:* %s", topFinding(s))},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Report rewritten:* %s", rewritten)},
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

// topFinding is the highest-probability positive finding.
func topFinding(s *triage.Study) string {
	if s.Analysis == nil {
		return "n/a"
	}
	var (
		best  *triage.FindingResult
		bestP float64
	)
	for i := range s.Analysis.Findings {
		f := &s.Analysis.Findings[i]
		if !f.Enabled || f.Status != triage.StatusPositive {
			continue
		}
		if p := f.Probability(); best == nil || p > bestP {
			best, bestP = f, p
		}
	}
	if best == nil {
		return "n/a"
	}
	return fmt.Sprintf("%s (%.2f)", triage.DisplayName(best.Name), bestP)
}

func reasonsBlock(s *triage.Study) map[string]any {
	var b strings.Builder
	if s.Analysis != nil {
		for _, r := range s.Analysis.TriageReasons {
			b.WriteString("• ")
			b.WriteString(r)
			b.WriteString("\n")
		}
	}
	text := truncate(strings.TrimSpace(b.String()), maxReasonsLen)
	if text == "" {
		text = "_No reasons recorded._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Triage reasons*\n\n%s", text),
		},
	}
}

func contextBlock(s *triage.Study, publicURL string) map[string]any {
	ts := s.CompletedAt
	if ts.IsZero() {
		ts = s.CreatedAt
	}
	text := fmt.Sprintf("cxrtriage • %s • %s", ts.UTC().Format("2006-01-02 15:04 UTC"), triage.Disclaimer)
	if publicURL != "" {
		text = fmt.Sprintf("<%s/api/v1/studies/%s|Open study> • %s", publicURL, url.PathEscape(s.ID), text)
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": text},
		},
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
