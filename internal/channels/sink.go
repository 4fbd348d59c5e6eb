package channels

import (
	"context"
	"errors"
	"log/slog"
)

var (
	// ErrTargetGone means the chat no longer exists or the bot was removed.
	ErrTargetGone = errors.New("channels: target gone")
	// ErrForbidden means the bot lacks the permission for the operation.
	ErrForbidden = errors.New("channels: forbidden")
	// ErrRateLimited means the platform asked us to back off.
	ErrRateLimited = errors.New("channels: rate limited")
)

// Sink performs the side effects of a watch on its target.
type Sink interface {
	// Name returns the unique name of the sink (e.g., "telegram").
	Name() string

	// Rename sets the target's title to label.
	Rename(ctx context.Context, targetRef, label string) error

	// Post sends message to the target.
	Post(ctx context.Context, targetRef, message string) error
}

// LogSink records side effects in the log instead of performing them.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Rename(ctx context.Context, targetRef, label string) error {
	s.logger.InfoContext(ctx, "dry-run rename", "target", targetRef, "label", label)
	return nil
}

func (s *LogSink) Post(ctx context.Context, targetRef, message string) error {
	s.logger.InfoContext(ctx, "dry-run post", "target", targetRef, "message", message)
	return nil
}
