package adapter

import (
	"context"
	"log/slog"
	"os"

	"github.com/slack-go/slack"

	"github.com/harunnryd/genkan/internal/errors"
)

// SlackAdapter is outbound only. Messages go to the configured channel
// regardless of the chat id on the event.
type SlackAdapter struct {
	channel string
	client  *slack.Client
}

func NewSlackAdapter(botToken, channel string) *SlackAdapter {
	if botToken == "" {
		botToken = os.Getenv("SLACK_BOT_TOKEN")
	}
	return &SlackAdapter{
		channel: channel,
		client:  slack.New(botToken),
	}
}

func (s *SlackAdapter) Name() string {
	return "slack"
}

func (s *SlackAdapter) SendMessage(ctx context.Context, _ int64, text string) error {
	if s.channel == "" {
		return errors.InvalidInput("slack channel not configured")
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return errors.Wrap(err, "failed to send slack message")
	}
	slog.Debug("Slack message sent", "channel", s.channel)
	return nil
}

func (s *SlackAdapter) Health(ctx context.Context) error {
	if s.client == nil {
		return errors.Transient("slack client not initialized")
	}
	if _, err := s.client.AuthTestContext(ctx); err != nil {
		return errors.Transient("slack auth failed: " + err.Error())
	}
	return nil
}
