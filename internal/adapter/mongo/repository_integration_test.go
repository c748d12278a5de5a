package mongo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamcord/spyglass/internal/domain"
)

func testSubscription(subID string, userID int64, subType domain.SubscriptionType, created time.Time) *domain.Subscription {
	return &domain.Subscription{
		ClientID:  testClientID,
		SubID:     subID,
		UserID:    userID,
		Type:      subType,
		Secret:    "secret-" + domain.Secret(subID),
		CreatedAt: created,
	}
}

func TestSubscriptionRepo_InsertAndGet(t *testing.T) {
	store := setupTestStore(t)
	repo := NewSubscriptionRepo(store, testClientID)
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Insert(ctx, testSubscription("sub-1", 1337, domain.SubscriptionTypeOnline, created)))

	sub, err := repo.GetBySubID(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, testClientID, sub.ClientID)
	assert.Equal(t, int64(1337), sub.UserID)
	assert.Equal(t, domain.SubscriptionTypeOnline, sub.Type)
	assert.Equal(t, domain.Secret("secret-sub-1"), sub.Secret)
	assert.True(t, created.Equal(sub.CreatedAt))
	assert.Equal(t, domain.SlotPendingVerification, sub.State())
	assert.Empty(t, sub.Messages)
}

func TestSubscriptionRepo_GetNotFound(t *testing.T) {
	store := setupTestStore(t)
	repo := NewSubscriptionRepo(store, testClientID)

	sub, err := repo.GetBySubID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
	assert.Nil(t, sub)
}

func TestSubscriptionRepo_ScopedToClient(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	other := NewSubscriptionRepo(store, "other-client")
	repo := NewSubscriptionRepo(store, testClientID)

	foreign := testSubscription("sub-foreign", 1, domain.SubscriptionTypeOnline, time.Now())
	foreign.ClientID = "other-client"
	require.NoError(t, other.Insert(ctx, foreign))

	subs, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)

	_, err = repo.GetBySubID(ctx, "sub-foreign")
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
}

func TestSubscriptionRepo_ListByUserOrdered(t *testing.T) {
	store := setupTestStore(t)
	repo := NewSubscriptionRepo(store, testClientID)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Insert(ctx, testSubscription("b", 7, domain.SubscriptionTypeOffline, base.Add(time.Minute))))
	require.NoError(t, repo.Insert(ctx, testSubscription("a", 7, domain.SubscriptionTypeOnline, base)))
	require.NoError(t, repo.Insert(ctx, testSubscription("c", 8, domain.SubscriptionTypeOnline, base)))

	subs, err := repo.ListByUser(ctx, 7)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "a", subs[0].SubID)
	assert.Equal(t, "b", subs[1].SubID)
}

func TestSubscriptionRepo_Delete(t *testing.T) {
	store := setupTestStore(t)
	repo := NewSubscriptionRepo(store, testClientID)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, testSubscription("sub-1", 1, domain.SubscriptionTypeOnline, time.Now())))
	require.NoError(t, repo.Delete(ctx, "sub-1"))
	require.NoError(t, repo.Delete(ctx, "sub-1"), "deleting twice is not an error")

	_, err := repo.GetBySubID(ctx, "sub-1")
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
}

func TestSubscriptionRepo_MarkVerifiedAndRevoked(t *testing.T) {
	store := setupTestStore(t)
	repo := NewSubscriptionRepo(store, testClientID)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Insert(ctx, testSubscription("sub-1", 1, domain.SubscriptionTypeOnline, at)))

	require.NoError(t, repo.MarkVerified(ctx, "sub-1", at))
	sub, err := repo.GetBySubID(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SlotVerified, sub.State())
	require.NotNil(t, sub.VerifiedAt)
	assert.True(t, at.Equal(*sub.VerifiedAt))

	require.NoError(t, repo.MarkRevoked(ctx, "sub-1", domain.ReasonVersionRemoved, at.Add(time.Hour)))
	sub, err = repo.GetBySubID(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SlotRevoked, sub.State())
	require.NotNil(t, sub.RevocationReason)
	assert.Equal(t, domain.ReasonVersionRemoved, *sub.RevocationReason)
	assert.True(t, sub.NeedsResubscribe())

	assert.ErrorIs(t, repo.MarkVerified(ctx, "missing", at), domain.ErrSubscriptionNotFound)
}

func TestSubscriptionRepo_RecordMessageKeepsNewestFifty(t *testing.T) {
	store := setupTestStore(t)
	repo := NewSubscriptionRepo(store, testClientID)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, testSubscription("sub-1", 1, domain.SubscriptionTypeOnline, time.Now())))
	for i := range domain.MessageRingSize + 3 {
		require.NoError(t, repo.RecordMessage(ctx, "sub-1", fmt.Sprintf("msg-%d", i)))
	}

	sub, err := repo.GetBySubID(ctx, "sub-1")
	require.NoError(t, err)
	require.Len(t, sub.Messages, domain.MessageRingSize)
	assert.Equal(t, fmt.Sprintf("msg-%d", domain.MessageRingSize+2), sub.Messages[0])
	assert.Equal(t, "msg-3", sub.Messages[domain.MessageRingSize-1])
}

func TestNotificationRepo_ListAndDelete(t *testing.T) {
	store := setupTestStore(t)
	repo := NewNotificationRepo(store, testClientID)
	ctx := context.Background()

	insertNotification(t, store, "n1", testClientID, "1337", 1)
	insertNotification(t, store, "n2", testClientID, int64(1337), 0)
	insertNotification(t, store, "n3", testClientID, "42", 0)
	insertNotification(t, store, "n4", "other-client", "1337", 0)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byStreamer, err := repo.ListByStreamer(ctx, 1337)
	require.NoError(t, err)
	assert.Len(t, byStreamer, 2, "string and numeric ids both match")

	deleted, err := repo.DeleteByStreamer(ctx, 1337)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	remaining, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "n3", remaining[0].ID)
}

func TestNotificationRepo_ListToleratesForeignIDTypes(t *testing.T) {
	store := setupTestStore(t)
	repo := NewNotificationRepo(store, testClientID)
	ctx := context.Background()

	insertNotification(t, store, "n1", testClientID, "1337", 1)
	insertNotification(t, store, "n2", testClientID, 1337.0, 0)
	insertNotification(t, store, "n3", testClientID, 1.5, 0)
	insertNotification(t, store, "n4", testClientID, true, 0)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2, "malformed ids are skipped, not fatal")
	for _, n := range all {
		assert.Equal(t, int64(1337), n.StreamerID)
	}

	byStreamer, err := repo.ListByStreamer(ctx, 1337)
	require.NoError(t, err)
	assert.Len(t, byStreamer, 2, "a double id matches the numeric filter")
}

func TestNotificationFeed_DeliversInsertAndDelete(t *testing.T) {
	store := setupTestStore(t)
	if err := store.EnablePreImages(context.Background()); err != nil {
		t.Logf("pre-images unavailable: %v", err)
	}
	repo := NewNotificationRepo(store, testClientID)
	feed := repo.Changes(FeedConfig{RetryDelay: 100 * time.Millisecond, PreImages: store.PreImages()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got collected
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx, got.handle) }()

	// Give the stream time to open before writing.
	time.Sleep(500 * time.Millisecond)
	insertNotification(t, store, "n1", testClientID, "1337", 1)
	_, err := store.notifications.DeleteOne(context.Background(), map[string]string{"_id": "n1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return got.Len() >= 2 }, 10*time.Second, 50*time.Millisecond)
	cancel()
	<-done

	changes := got.Changes()
	assert.Equal(t, domain.OpInsert, changes[0].Op)
	require.NotNil(t, changes[0].Document)
	assert.Equal(t, int64(1337), changes[0].Document.StreamerID)
	assert.Equal(t, domain.OpDelete, changes[1].Op)
	assert.Equal(t, "n1", changes[1].Key)
}
