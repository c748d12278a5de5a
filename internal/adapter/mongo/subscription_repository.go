package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/streamcord/spyglass/internal/domain"
)

// SubscriptionRepo is the subscriptions collection seen by one client id.
type SubscriptionRepo struct {
	coll     *mongo.Collection
	clientID domain.ClientID
}

var _ domain.SubscriptionRepository = (*SubscriptionRepo)(nil)

func NewSubscriptionRepo(s *Store, clientID domain.ClientID) *SubscriptionRepo {
	return &SubscriptionRepo{coll: s.subscriptions, clientID: clientID}
}

func (r *SubscriptionRepo) scope(extra bson.M) bson.M {
	f := bson.M{"client_id": string(r.clientID)}
	for k, v := range extra {
		f[k] = v
	}
	return f
}

func (r *SubscriptionRepo) Insert(ctx context.Context, sub *domain.Subscription) error {
	if sub.ClientID == "" {
		sub.ClientID = r.clientID
	}
	if _, err := r.coll.InsertOne(ctx, newSubscriptionDoc(sub)); err != nil {
		return fmt.Errorf("failed to insert subscription %s: %w", sub.SubID, err)
	}
	return nil
}

func (r *SubscriptionRepo) GetBySubID(ctx context.Context, subID string) (*domain.Subscription, error) {
	var doc subscriptionDoc
	err := r.coll.FindOne(ctx, r.scope(bson.M{"sub_id": subID})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription %s: %w", subID, err)
	}
	sub, err := doc.toDomain()
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *SubscriptionRepo) List(ctx context.Context) ([]domain.Subscription, error) {
	return r.find(ctx, r.scope(nil))
}

func (r *SubscriptionRepo) ListByUser(ctx context.Context, userID int64) ([]domain.Subscription, error) {
	return r.find(ctx, r.scope(bson.M{"user_id": entityFilter(userID)}))
}

func (r *SubscriptionRepo) find(ctx context.Context, filter bson.M) ([]domain.Subscription, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "sub_id", Value: 1}})
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	return decodeEach(ctx, cur, "subscriptions", decodeSubscription)
}

func (r *SubscriptionRepo) Delete(ctx context.Context, subID string) error {
	if _, err := r.coll.DeleteOne(ctx, r.scope(bson.M{"sub_id": subID})); err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", subID, err)
	}
	return nil
}

func (r *SubscriptionRepo) MarkVerified(ctx context.Context, subID string, at time.Time) error {
	return r.update(ctx, subID, bson.M{"$set": bson.M{"verified": true, "verified_at": at.UTC()}})
}

func (r *SubscriptionRepo) MarkRevoked(ctx context.Context, subID, reason string, at time.Time) error {
	return r.update(ctx, subID, bson.M{"$set": bson.M{
		"revoked":           true,
		"revoked_at":        at.UTC(),
		"revocation_reason": reason,
	}})
}

// RecordMessage prepends messageID and trims the list to the ring size in one
// atomic update.
func (r *SubscriptionRepo) RecordMessage(ctx context.Context, subID, messageID string) error {
	return r.update(ctx, subID, bson.M{"$push": bson.M{"messages": bson.M{
		"$each":     bson.A{messageID},
		"$position": 0,
		"$slice":    domain.MessageRingSize,
	}}})
}

func (r *SubscriptionRepo) update(ctx context.Context, subID string, update bson.M) error {
	res, err := r.coll.UpdateOne(ctx, r.scope(bson.M{"sub_id": subID}), update)
	if err != nil {
		return fmt.Errorf("failed to update subscription %s: %w", subID, err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}

// Changes watches the collection for updates and replacements, the only
// operations that can carry a revocation.
func (r *SubscriptionRepo) Changes(cfg FeedConfig) *Feed[domain.Subscription] {
	return NewFeed(r.coll, []domain.ChangeOp{domain.OpUpdate, domain.OpReplace}, decodeSubscription, cfg)
}
