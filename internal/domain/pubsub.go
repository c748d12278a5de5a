package domain

import "context"

// EventSink forwards broadcaster state changes to downstream consumers.
type EventSink interface {
	SendOnlineEvent(ctx context.Context, streamID, userID int64, timestamp string) error
	SendOfflineEvent(ctx context.Context, userID int64, timestamp string) error
}
