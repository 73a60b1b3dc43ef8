package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/ent0n29/tracerail/internal/privacy"
	"github.com/ent0n29/tracerail/internal/reliability"
)

// LogSender writes notifications to the service log.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, n Notification) error {
	s.logger.Info("notification",
		zap.String("channel", n.Channel),
		zap.String("recipient", n.Recipient),
		zap.String("subject", n.Subject),
		zap.String("body", n.Body),
		zap.String("dedup_key", n.Key()),
	)
	return nil
}

// SlackSender posts notifications with chat.postMessage. The recipient is a
// channel or user id.
type SlackSender struct {
	api *slack.Client
}

func NewSlackSender(token string, opts ...slack.Option) (*SlackSender, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("slack bot token is required")
	}
	return &SlackSender{api: slack.New(token, opts...)}, nil
}

func (s *SlackSender) Send(ctx context.Context, n Notification) error {
	recipient := strings.TrimSpace(n.Recipient)
	if recipient == "" {
		return Permanent(errors.New("slack recipient is empty"))
	}
	text := n.Body
	if subject := strings.TrimSpace(n.Subject); subject != "" {
		text = "*" + subject + "*\n" + n.Body
	}
	// Slack is outside the trust boundary; personal data never leaves.
	text, _ = privacy.Redact(text)
	_, _, err := s.api.PostMessageContext(ctx, recipient, slack.MsgOptionText(text, false))
	if err != nil {
		return classifySlackError(err)
	}
	return nil
}

func classifySlackError(err error) error {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return err
	}
	var status slack.StatusCodeError
	if errors.As(err, &status) {
		if reliability.IsRetryableHTTPStatus(status.Code) {
			return err
		}
		return Permanent(err)
	}
	var api slack.SlackErrorResponse
	if errors.As(err, &api) {
		if reliability.IsRetryableSlackError(api.Err) {
			return err
		}
		return Permanent(fmt.Errorf("slack: %w", err))
	}
	// Transport errors are retried.
	return err
}
