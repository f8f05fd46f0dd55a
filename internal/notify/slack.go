package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// SlackConfig configures the Slack sink.
type SlackConfig struct {
	Enabled bool   `json:"enabled" split_words:"true"`
	Token   string `json:"token" split_words:"true"`
	Channel string `json:"channel" split_words:"true"`
	APIBase string `json:"apiBase,omitempty" split_words:"true"`
	// Timeout bounds one Slack API call. Zero means DefaultSlackTimeout.
	Timeout time.Duration `json:"timeout,omitempty" split_words:"true"`
}

// DefaultSlackTimeout bounds a Slack call when no timeout is configured.
const DefaultSlackTimeout = 10 * time.Second

// SlackNotifier posts notifications to one Slack channel.
type SlackNotifier struct {
	api     *slack.Client
	channel string
}

// NewSlackNotifier creates a Slack sink from cfg.
func NewSlackNotifier(cfg SlackConfig) (*SlackNotifier, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("slack: missing token")
	}
	if strings.TrimSpace(cfg.Channel) == "" {
		return nil, fmt.Errorf("slack: missing channel")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultSlackTimeout
	}
	opts := []slack.Option{slack.OptionHTTPClient(&http.Client{Timeout: timeout})}
	if base := strings.TrimSpace(cfg.APIBase); base != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimRight(base, "/")+"/"))
	}
	return &SlackNotifier{api: slack.New(token, opts...), channel: cfg.Channel}, nil
}

// Notify implements Notifier.
func (s *SlackNotifier) Notify(ctx context.Context, n Notification) {
	if err := s.Post(ctx, n); err != nil {
		slog.Warn("Slack notification failed", "kind", n.Kind, "error", err)
	}
}

// Post delivers n and reports the delivery error.
func (s *SlackNotifier) Post(ctx context.Context, n Notification) error {
	_, _, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(FormatText(n), false))
	return err
}

// FormatText renders a notification as a Slack message body.
func FormatText(n Notification) string {
	var b strings.Builder
	icon := ":white_check_mark:"
	if n.IsError() {
		icon = ":x:"
	} else if strings.HasSuffix(n.Kind, "waiting") {
		icon = ":raised_hand:"
	}
	fmt.Fprintf(&b, "%s *%s*", icon, n.Title)
	if n.Message != "" {
		b.WriteString("\n" + n.Message)
	}
	if n.Error != "" {
		fmt.Fprintf(&b, "\nError: `%s`", n.Error)
	}
	switch {
	case n.WorkflowRunID != "":
		fmt.Fprintf(&b, "\nWorkflow run: `%s`", n.WorkflowRunID)
	case n.RunID != "":
		fmt.Fprintf(&b, "\nRun: `%s`", n.RunID)
	}
	return b.String()
}
