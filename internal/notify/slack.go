package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const slackTimeout = 10 * time.Second

// SlackNotifier posts run results to an incoming webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// SlackMessage is the webhook payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment carries the counters of one run
type SlackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text,omitempty"`
	Fields []SlackField `json:"fields,omitempty"`
	Footer string       `json:"footer,omitempty"`
}

// SlackField is one short key/value cell
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a Slack notifier. An empty URL disables it.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: slackTimeout},
	}
}

// slackColor maps a level to an attachment color
func slackColor(l Level) string {
	switch l {
	case LevelSuccess:
		return "good"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "danger"
	default:
		return "#439FE0"
	}
}

// BuildSlackMessage renders a notification as a webhook payload
func BuildSlackMessage(n Notification) SlackMessage {
	att := SlackAttachment{
		Color: slackColor(n.Level),
		Text:  n.Message,
		Fields: []SlackField{
			{Title: "Passed", Value: strconv.Itoa(n.Counts.Passed), Short: true},
			{Title: "Failed", Value: strconv.Itoa(n.Counts.Failed), Short: true},
			{Title: "Skipped", Value: strconv.Itoa(n.Counts.Skipped), Short: true},
			{Title: "Errors", Value: strconv.Itoa(n.Counts.Errors), Short: true},
		},
		Footer: "pytest-orch",
	}
	if n.RunID != "" {
		att.Footer += " | run " + n.RunID
	}

	if len(n.Failures) > 0 {
		var b strings.Builder
		for _, id := range n.Failures {
			fmt.Fprintf(&b, "• `%s`\n", id)
		}
		if n.Omitted > 0 {
			fmt.Fprintf(&b, "and %d more", n.Omitted)
		}
		att.Title = "Failing tests"
		att.Text = strings.TrimSpace(n.Message + "\n" + b.String())
	}

	return SlackMessage{Text: n.Title, Attachments: []SlackAttachment{att}}
}

// Send posts the notification
func (s *SlackNotifier) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(BuildSlackMessage(n))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), slackTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	return nil
}
