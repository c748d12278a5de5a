package domain

import (
	"context"
	"time"
)

type SubscriptionType string

const (
	SubscriptionTypeOnline  SubscriptionType = "stream.online"
	SubscriptionTypeOffline SubscriptionType = "stream.offline"
)

// MessageRingSize bounds Subscription.Messages.
const MessageRingSize = 50

// Revocation reasons reported by Twitch in subscription.status.
const (
	ReasonAuthorizationRevoked   = "authorization_revoked"
	ReasonUserRemoved            = "user_removed"
	ReasonNotificationFailures   = "notification_failures_exceeded"
	ReasonVersionRemoved         = "version_removed"
	RemoteStatusEnabled          = "enabled"
	RemoteStatusVerificationWait = "webhook_callback_verification_pending"
)

type SlotState int

const (
	SlotPendingVerification SlotState = iota
	SlotVerified
	SlotRevoked
)

func (s SlotState) String() string {
	switch s {
	case SlotVerified:
		return "verified"
	case SlotRevoked:
		return "revoked"
	default:
		return "pending_verification"
	}
}

// Subscription is the local mirror of one remote EventSub subscription.
type Subscription struct {
	ClientID         ClientID
	SubID            string
	UserID           int64
	Type             SubscriptionType
	Secret           Secret
	CreatedAt        time.Time
	Verified         bool
	VerifiedAt       *time.Time
	Revoked          bool
	RevokedAt        *time.Time
	RevocationReason *string
	Messages         []string
}

func (s *Subscription) State() SlotState {
	switch {
	case s.Revoked:
		return SlotRevoked
	case s.Verified:
		return SlotVerified
	default:
		return SlotPendingVerification
	}
}

// NeedsResubscribe reports whether a revocation is one the service recovers
// from by creating a fresh subscription.
func (s *Subscription) NeedsResubscribe() bool {
	if !s.Revoked || s.RevocationReason == nil {
		return false
	}
	switch *s.RevocationReason {
	case ReasonNotificationFailures, ReasonVersionRemoved:
		return true
	}
	return false
}

// ClearsNotifications reports whether a revocation reason means the broadcaster
// is gone for good and their notifications should be dropped.
func ClearsNotifications(reason string) bool {
	return reason == ReasonAuthorizationRevoked || reason == ReasonUserRemoved
}

// SubscriptionRepository persists subscription records for a single client id.
type SubscriptionRepository interface {
	Insert(ctx context.Context, sub *Subscription) error
	GetBySubID(ctx context.Context, subID string) (*Subscription, error)
	List(ctx context.Context) ([]Subscription, error)
	ListByUser(ctx context.Context, userID int64) ([]Subscription, error)
	Delete(ctx context.Context, subID string) error
	MarkVerified(ctx context.Context, subID string, at time.Time) error
	MarkRevoked(ctx context.Context, subID, reason string, at time.Time) error
	RecordMessage(ctx context.Context, subID, messageID string) error
}
