package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/streamcord/spyglass/internal/domain"
)

// Entity ids are written as decimal strings, the form Twitch uses. Readers
// also accept numeric ids written by other tools.

type subscriptionDoc struct {
	ClientID         string        `bson:"client_id"`
	SubID            string        `bson:"sub_id"`
	UserID           bson.RawValue `bson:"user_id"`
	Type             string        `bson:"type"`
	Secret           string        `bson:"secret"`
	CreatedAt        time.Time     `bson:"created_at"`
	Verified         bool          `bson:"verified"`
	VerifiedAt       *time.Time    `bson:"verified_at"`
	Revoked          bool          `bson:"revoked"`
	RevokedAt        *time.Time    `bson:"revoked_at,omitempty"`
	RevocationReason *string       `bson:"revocation_reason,omitempty"`
	Messages         []string      `bson:"messages"`
}

func newSubscriptionDoc(sub *domain.Subscription) bson.D {
	messages := sub.Messages
	if messages == nil {
		messages = []string{}
	}
	return bson.D{
		{Key: "client_id", Value: string(sub.ClientID)},
		{Key: "sub_id", Value: sub.SubID},
		{Key: "user_id", Value: strconv.FormatInt(sub.UserID, 10)},
		{Key: "type", Value: string(sub.Type)},
		{Key: "secret", Value: string(sub.Secret)},
		{Key: "created_at", Value: sub.CreatedAt.UTC()},
		{Key: "verified", Value: sub.Verified},
		{Key: "verified_at", Value: sub.VerifiedAt},
		{Key: "revoked", Value: sub.Revoked},
		{Key: "messages", Value: messages},
	}
}

func (d *subscriptionDoc) toDomain() (domain.Subscription, error) {
	userID, err := entityID(d.UserID)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("subscription %s: user_id: %w", d.SubID, err)
	}
	return domain.Subscription{
		ClientID:         domain.ClientID(d.ClientID),
		SubID:            d.SubID,
		UserID:           userID,
		Type:             domain.SubscriptionType(d.Type),
		Secret:           domain.Secret(d.Secret),
		CreatedAt:        d.CreatedAt,
		Verified:         d.Verified,
		VerifiedAt:       d.VerifiedAt,
		Revoked:          d.Revoked,
		RevokedAt:        d.RevokedAt,
		RevocationReason: d.RevocationReason,
		Messages:         d.Messages,
	}, nil
}

type notificationDoc struct {
	ID              bson.RawValue `bson:"_id"`
	ClientID        string        `bson:"client_id"`
	StreamerID      bson.RawValue `bson:"streamer_id"`
	StreamEndAction int           `bson:"stream_end_action"`
}

func (d *notificationDoc) toDomain() (domain.Notification, error) {
	id := keyString(d.ID)
	streamerID, err := entityID(d.StreamerID)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("notification %s: streamer_id: %w", id, err)
	}
	return domain.Notification{
		ID:              id,
		ClientID:        domain.ClientID(d.ClientID),
		StreamerID:      streamerID,
		StreamEndAction: d.StreamEndAction,
	}, nil
}

func decodeNotification(raw bson.Raw) (domain.Notification, error) {
	var doc notificationDoc
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return domain.Notification{}, err
	}
	return doc.toDomain()
}

func decodeSubscription(raw bson.Raw) (domain.Subscription, error) {
	var doc subscriptionDoc
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return domain.Subscription{}, err
	}
	return doc.toDomain()
}

// decodeEach decodes every document under cur. Documents that fail to decode
// are logged and skipped so one bad record does not hide the rest.
func decodeEach[T any](ctx context.Context, cur *mongo.Cursor, kind string, decode func(bson.Raw) (T, error)) ([]T, error) {
	defer func() { _ = cur.Close(ctx) }()

	out := make([]T, 0)
	for cur.Next(ctx) {
		v, err := decode(cur.Current)
		if err != nil {
			slog.WarnContext(ctx, "Skipping malformed document", "collection", kind, "id", keyString(cur.Current.Lookup("_id")), "error", err)
			continue
		}
		out = append(out, v)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", kind, err)
	}
	return out, nil
}

// 2^63 as a float64. Doubles at or above it overflow int64.
const maxIntegralDouble = float64(1 << 63)

func entityID(v bson.RawValue) (int64, error) {
	switch v.Type {
	case bson.TypeDouble:
		f := v.Double()
		if math.IsNaN(f) || f != math.Trunc(f) || f >= maxIntegralDouble || f < -maxIntegralDouble {
			return 0, fmt.Errorf("non-integral id %v", f)
		}
		return int64(f), nil
	case bson.TypeString:
		return strconv.ParseInt(v.StringValue(), 10, 64)
	case bson.TypeInt32:
		return int64(v.Int32()), nil
	case bson.TypeInt64:
		return v.Int64(), nil
	default:
		return 0, fmt.Errorf("unsupported bson type %s", v.Type)
	}
}

// entityFilter matches an id stored either as a string or as a number.
func entityFilter(id int64) bson.M {
	return bson.M{"$in": bson.A{strconv.FormatInt(id, 10), id}}
}

func keyString(v bson.RawValue) string {
	switch v.Type {
	case bson.TypeObjectID:
		return v.ObjectID().Hex()
	case bson.TypeString:
		return v.StringValue()
	case 0:
		return ""
	default:
		return v.String()
	}
}
