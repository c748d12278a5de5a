package domain

import "context"

// Notification is a desired-state row: some consumer wants events for StreamerID.
type Notification struct {
	ID              string
	ClientID        ClientID
	StreamerID      int64
	StreamEndAction int
}

// WantsOffline reports whether this notification needs an offline subscription.
func (n Notification) WantsOffline() bool {
	return n.StreamEndAction != 0
}

// NotificationRepository reads and clears notification records for a single client id.
type NotificationRepository interface {
	List(ctx context.Context) ([]Notification, error)
	ListByStreamer(ctx context.Context, streamerID int64) ([]Notification, error)
	DeleteByStreamer(ctx context.Context, streamerID int64) (int64, error)
}
