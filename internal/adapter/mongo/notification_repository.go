package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/streamcord/spyglass/internal/domain"
)

// NotificationRepo is the notifications collection seen by one client id.
type NotificationRepo struct {
	coll     *mongo.Collection
	clientID domain.ClientID
}

var _ domain.NotificationRepository = (*NotificationRepo)(nil)

func NewNotificationRepo(s *Store, clientID domain.ClientID) *NotificationRepo {
	return &NotificationRepo{coll: s.notifications, clientID: clientID}
}

func (r *NotificationRepo) List(ctx context.Context) ([]domain.Notification, error) {
	return r.find(ctx, bson.M{"client_id": string(r.clientID)})
}

func (r *NotificationRepo) ListByStreamer(ctx context.Context, streamerID int64) ([]domain.Notification, error) {
	return r.find(ctx, bson.M{"client_id": string(r.clientID), "streamer_id": entityFilter(streamerID)})
}

func (r *NotificationRepo) find(ctx context.Context, filter bson.M) ([]domain.Notification, error) {
	cur, err := r.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}

	return decodeEach(ctx, cur, "notifications", decodeNotification)
}

func (r *NotificationRepo) DeleteByStreamer(ctx context.Context, streamerID int64) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, bson.M{"client_id": string(r.clientID), "streamer_id": entityFilter(streamerID)})
	if err != nil {
		return 0, fmt.Errorf("failed to delete notifications for %d: %w", streamerID, err)
	}
	return res.DeletedCount, nil
}

// Changes watches inserts, updates, replacements and deletes.
func (r *NotificationRepo) Changes(cfg FeedConfig) *Feed[domain.Notification] {
	ops := []domain.ChangeOp{domain.OpInsert, domain.OpUpdate, domain.OpReplace, domain.OpDelete}
	return NewFeed(r.coll, ops, decodeNotification, cfg)
}
