package eventpublisher

import (
	"context"
	"log/slog"

	"github.com/streamcord/spyglass/internal/domain"
)

// LogSink only logs events. Used when no broker is configured.
type LogSink struct{}

var _ domain.EventSink = LogSink{}

func (LogSink) SendOnlineEvent(ctx context.Context, streamID, userID int64, timestamp string) error {
	slog.InfoContext(ctx, "Stream online", "user_id", userID, "stream_id", streamID, "time", timestamp)
	return nil
}

func (LogSink) SendOfflineEvent(ctx context.Context, userID int64, timestamp string) error {
	slog.InfoContext(ctx, "Stream offline", "user_id", userID, "time", timestamp)
	return nil
}
