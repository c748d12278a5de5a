package domain

import (
	"context"
	"strconv"
	"time"
)

// RemoteSubscription is an EventSub subscription as Twitch reports it.
type RemoteSubscription struct {
	ID        string           `json:"id"`
	Status    string           `json:"status"`
	Type      SubscriptionType `json:"type"`
	Version   string           `json:"version"`
	Cost      int              `json:"cost"`
	Condition RemoteCondition  `json:"condition"`
	Transport RemoteTransport  `json:"transport"`
	CreatedAt time.Time        `json:"created_at"`
}

type RemoteCondition struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
}

type RemoteTransport struct {
	Method   string `json:"method"`
	Callback string `json:"callback,omitempty"`
	Secret   string `json:"secret,omitempty"`
}

// EntityID parses the broadcaster id. ok is false for conditions that carry no
// numeric broadcaster.
func (r RemoteSubscription) EntityID() (int64, bool) {
	id, err := strconv.ParseInt(r.Condition.BroadcasterUserID, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// SubscriptionAPI is the subset of the Helix API the reconciler drives.
// CreateSubscription and RemoveSubscription retry transient failures until ctx
// ends; a returned error is either a definitive rejection or cancellation.
type SubscriptionAPI interface {
	FetchExistingSubscriptions(ctx context.Context) ([]RemoteSubscription, error)
	CreateSubscription(ctx context.Context, userID int64, subType SubscriptionType, secret Secret) ([]RemoteSubscription, error)
	RemoveSubscription(ctx context.Context, subID string) error
}
