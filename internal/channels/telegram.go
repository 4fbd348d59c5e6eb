package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// botAPI is the subset of *tgbotapi.BotAPI the sink uses.
type botAPI interface {
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink renames and posts to Telegram chats. A target is a numeric
// chat ID or an @channel username.
type TelegramSink struct {
	bot    botAPI
	logger *slog.Logger
	// drain bounds how long a cancelled call waits for its request to end.
	drain time.Duration
}

// DefaultRequestTimeout caps a single Bot API request when no timeout is
// configured.
const DefaultRequestTimeout = 30 * time.Second

// NewTelegramSink logs in with token. endpoint overrides the Bot API URL
// format and may be empty. Every Bot API request is cut off after timeout.
func NewTelegramSink(token, endpoint string, timeout time.Duration, logger *slog.Logger) (*TelegramSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	logger.Info("telegram sink ready", "user", bot.Self.UserName)
	return &TelegramSink{bot: bot, logger: logger, drain: timeout}, nil
}

func (t *TelegramSink) Name() string {
	return "telegram"
}

func (t *TelegramSink) Rename(ctx context.Context, targetRef, label string) error {
	chatID, username, err := parseTarget(targetRef)
	if err != nil {
		return err
	}
	cfg := tgbotapi.SetChatTitleConfig{ChatID: chatID, ChannelUsername: username, Title: label}
	return t.call(ctx, func() error {
		_, err := t.bot.Request(cfg)
		return err
	})
}

func (t *TelegramSink) Post(ctx context.Context, targetRef, message string) error {
	chatID, username, err := parseTarget(targetRef)
	if err != nil {
		return err
	}
	var msg tgbotapi.MessageConfig
	if username != "" {
		msg = tgbotapi.NewMessageToChannel(username, message)
	} else {
		msg = tgbotapi.NewMessage(chatID, message)
	}
	msg.DisableWebPagePreview = true
	return t.call(ctx, func() error {
		_, err := t.bot.Send(msg)
		return err
	})
}

// call runs a blocking Bot API request. When ctx ends first it still waits
// up to t.drain for the request to finish, so a caller's concurrency slot
// covers the request it started.
func (t *TelegramSink) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return classifyTelegramError(err)
	case <-ctx.Done():
	}

	timer := time.NewTimer(t.drain)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		if t.logger != nil {
			t.logger.Warn("telegram request still running after drain", "drain", t.drain)
		}
	}
	return ctx.Err()
}

func parseTarget(ref string) (int64, string, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "@") && len(ref) > 1 {
		return 0, ref, nil
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("telegram: bad target %q: %w", ref, ErrTargetGone)
	}
	return id, "", nil
}

// classifyTelegramError maps Bot API failures onto the sink errors. An
// unchanged title is reported by Telegram as an error but is a success here.
func classifyTelegramError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("telegram: %w", err)
	}
	desc := strings.ToLower(apiErr.Message)
	switch {
	case strings.Contains(desc, "not modified"):
		return nil
	case apiErr.Code == http.StatusTooManyRequests:
		return fmt.Errorf("telegram: retry after %ds: %w", apiErr.RetryAfter, ErrRateLimited)
	case strings.Contains(desc, "chat not found"),
		strings.Contains(desc, "kicked"),
		strings.Contains(desc, "chat was deleted"),
		strings.Contains(desc, "group chat was upgraded"):
		return fmt.Errorf("telegram: %s: %w", apiErr.Message, ErrTargetGone)
	case apiErr.Code == http.StatusForbidden,
		strings.Contains(desc, "not enough rights"),
		strings.Contains(desc, "have no rights"):
		return fmt.Errorf("telegram: %s: %w", apiErr.Message, ErrForbidden)
	default:
		return fmt.Errorf("telegram: %d %s", apiErr.Code, apiErr.Message)
	}
}
