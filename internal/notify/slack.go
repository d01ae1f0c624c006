// Package notify delivers digests and confirmation requests to Slack.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/slack-go/slack"

	"github.com/rendis/maildigest/pkg/schema"
)

// Action ids carried by the confirmation buttons. The button value is the event id.
const (
	ActionConfirm = "confirm_event"
	ActionSkip    = "skip_event"
)

// WebhookHandle is returned when confirmations go through an incoming webhook,
// which cannot be edited afterwards.
const WebhookHandle = "webhook"

const actionsBlockPrefix = "event_actions_"

// Config selects the delivery paths. Reports prefer the webhook; confirmations
// prefer the bot token so the message can be edited in place.
type Config struct {
	WebhookURL string
	BotToken   string
	Channel    string
	// TimeZone renders event times in confirmation messages.
	TimeZone   string
	HTTPClient *http.Client
	// APIURL overrides the Web API base, used in tests.
	APIURL string
}

// Slack implements the notification channel.
type Slack struct {
	cfg    Config
	api    *slack.Client
	http   *http.Client
	logger *slog.Logger
	layout eventLayout
}

func New(cfg Config, logger *slog.Logger) (*Slack, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Slack{cfg: cfg, http: cfg.HTTPClient, logger: logger}
	if s.http == nil {
		s.http = http.DefaultClient
	}
	layout, err := newEventLayout(cfg.TimeZone)
	if err != nil {
		return nil, err
	}
	s.layout = layout

	if cfg.BotToken != "" {
		if cfg.Channel == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "slack bot token needs a channel")
		}
		opts := []slack.Option{slack.OptionHTTPClient(s.http)}
		if cfg.APIURL != "" {
			opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
		}
		s.api = slack.New(cfg.BotToken, opts...)
	}
	return s, nil
}

// SendReport posts the report. A non-200 answer is reported as not delivered;
// only transport failures and rate limits are errors.
func (s *Slack) SendReport(ctx context.Context, report string) (bool, error) {
	text := ToMrkdwn(report)
	switch {
	case s.cfg.WebhookURL != "":
		err := slack.PostWebhookCustomHTTPContext(ctx, s.cfg.WebhookURL, s.http, &slack.WebhookMessage{Text: text})
		return webhookOutcome(err)
	case s.api != nil:
		_, _, err := s.api.PostMessageContext(ctx, s.cfg.Channel, slack.MsgOptionText(text, false))
		if err != nil {
			return false, fmt.Errorf("post report: %w", err)
		}
		return true, nil
	}
	s.logger.WarnContext(ctx, "no slack destination configured, report not sent")
	return false, nil
}

func webhookOutcome(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return false, fmt.Errorf("slack webhook rate limited: %w", err)
	}
	var sce slack.StatusCodeError
	if errors.As(err, &sce) {
		return false, nil
	}
	return false, fmt.Errorf("slack webhook: %w", err)
}

// RequestConfirmation posts one message listing every event with its own
// confirm and skip buttons, and returns "<channel>:<ts>" as the handle.
func (s *Slack) RequestConfirmation(ctx context.Context, threadID string, events []schema.DetectedEvent) (string, error) {
	blocks := s.confirmationBlocks(events)
	fallback := fmt.Sprintf("%d possible calendar event(s) need confirmation", len(events))

	if s.api != nil {
		channel, ts, err := s.api.PostMessageContext(ctx, s.cfg.Channel,
			slack.MsgOptionText(fallback, false),
			slack.MsgOptionBlocks(blocks...),
		)
		if err != nil {
			return "", fmt.Errorf("post confirmation: %w", err)
		}
		s.logger.InfoContext(ctx, "confirmation requested", "thread_id", threadID, "channel", channel, "ts", ts, "events", len(events))
		return channel + ":" + ts, nil
	}
	if s.cfg.WebhookURL != "" {
		msg := &slack.WebhookMessage{Text: fallback, Blocks: &slack.Blocks{BlockSet: blocks}}
		if err := slack.PostWebhookCustomHTTPContext(ctx, s.cfg.WebhookURL, s.http, msg); err != nil {
			return "", fmt.Errorf("post confirmation: %w", err)
		}
		return WebhookHandle, nil
	}
	return "", schema.NewError(schema.ErrCodeNonRetryable, "no slack destination configured for confirmations")
}

// MarkDecided replaces the event's buttons with the outcome. Webhook handles
// cannot be edited and are ignored.
func (s *Slack) MarkDecided(ctx context.Context, handle string, ev schema.DetectedEvent, action schema.Action) error {
	channel, ts, ok := SplitHandle(handle)
	if !ok || s.api == nil {
		return nil
	}
	hist, err := s.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channel,
		Latest:    ts,
		Inclusive: true,
		Limit:     1,
	})
	if err != nil {
		return fmt.Errorf("load confirmation message: %w", err)
	}
	if len(hist.Messages) == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "confirmation message %s not found", handle)
	}

	current := hist.Messages[0].Blocks.BlockSet
	updated := make([]slack.Block, 0, len(current))
	for _, b := range current {
		if b.ID() == actionsBlockPrefix+ev.ID {
			updated = append(updated, outcomeBlock(ev, action))
			continue
		}
		updated = append(updated, b)
	}
	_, _, _, err = s.api.UpdateMessageContext(ctx, channel, ts,
		slack.MsgOptionText(hist.Messages[0].Text, false),
		slack.MsgOptionBlocks(updated...),
	)
	if err != nil {
		return fmt.Errorf("update confirmation message: %w", err)
	}
	return nil
}

// SplitHandle parses a "<channel>:<ts>" handle.
func SplitHandle(handle string) (channel, ts string, ok bool) {
	channel, ts, ok = strings.Cut(handle, ":")
	return channel, ts, ok && channel != "" && ts != ""
}

// JoinHandle is the inverse of SplitHandle.
func JoinHandle(channel, ts string) string { return channel + ":" + ts }

func (s *Slack) confirmationBlocks(events []schema.DetectedEvent) []slack.Block {
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "Possible calendar events", false, false)),
	}
	for _, ev := range events {
		blocks = append(blocks,
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, s.layout.describe(ev), false, false), nil, nil),
			slack.NewActionBlock(actionsBlockPrefix+ev.ID,
				slack.NewButtonBlockElement(ActionConfirm, ev.ID,
					slack.NewTextBlockObject(slack.PlainTextType, "Add to calendar", false, false)).WithStyle(slack.StylePrimary),
				slack.NewButtonBlockElement(ActionSkip, ev.ID,
					slack.NewTextBlockObject(slack.PlainTextType, "Skip", false, false)),
			),
			slack.NewDividerBlock(),
		)
	}
	return blocks
}

func outcomeBlock(ev schema.DetectedEvent, action schema.Action) slack.Block {
	// The calendar entry is created after this edit, so it only records the choice.
	text := fmt.Sprintf(":white_check_mark: *%s* confirmed", ev.Title)
	if action == schema.ActionSkip {
		text = fmt.Sprintf(":heavy_minus_sign: *%s* skipped", ev.Title)
	}
	return slack.NewContextBlock(actionsBlockPrefix+ev.ID, slack.NewTextBlockObject(slack.MarkdownType, text, false, false))
}
