package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamcord/spyglass/internal/domain"
)

// fakeFeed replays changes, then fails with err or waits for cancellation.
type fakeFeed[T any] struct {
	changes []domain.Change[T]
	err     error
}

func (f *fakeFeed[T]) Run(ctx context.Context, handle domain.ChangeHandler[T]) error {
	for _, ch := range f.changes {
		if err := handle(ctx, ch); err != nil {
			return err
		}
	}
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return ctx.Err()
}

type notifChange = domain.Change[domain.Notification]
type subChange = domain.Change[domain.Subscription]

func newTestWatcher(f *fixture, notifs []notifChange, subs []subChange, policy InvalidationPolicy) *Watcher {
	return NewWatcher(f.rec, f.lanes, f.notifs,
		&fakeFeed[domain.Notification]{changes: notifs},
		&fakeFeed[domain.Subscription]{changes: subs},
		testClient, policy)
}

func notif(id string, streamer int64, action int) *domain.Notification {
	return &domain.Notification{ID: id, ClientID: testClient, StreamerID: streamer, StreamEndAction: action}
}

func TestWatcher_InsertEnsuresSubscriptions(t *testing.T) {
	f := newFixture(t)
	n := notif("n1", 42, 1)
	f.notifs.Add(*n)
	w := newTestWatcher(f, nil, nil, InvalidateResync)

	require.NoError(t, w.onNotification(context.Background(), notifChange{Op: domain.OpInsert, Key: "n1", Document: n}))

	assert.Equal(t, []submission{{42, "ensure"}}, f.lanes.Submissions())
	assert.ElementsMatch(t, []domain.SubscriptionType{online, offline}, f.typesFor(42))
}

func TestWatcher_IgnoresOtherClients(t *testing.T) {
	f := newFixture(t)
	w := newTestWatcher(f, nil, nil, InvalidateResync)
	n := notif("n1", 42, 0)
	n.ClientID = "someone-else"

	require.NoError(t, w.onNotification(context.Background(), notifChange{Op: domain.OpInsert, Key: "n1", Document: n}))
	require.NoError(t, w.onNotification(context.Background(), notifChange{Op: domain.OpDelete, Key: "n1", Before: n}))

	assert.Empty(t, f.lanes.Submissions())
}

func TestWatcher_DeleteWithPreImagePrunes(t *testing.T) {
	f := newFixture(t)
	f.storeRemote(t, "on", 42, online, testEpoch)
	w := newTestWatcher(f, nil, nil, InvalidateResync)

	require.NoError(t, w.onNotification(context.Background(), notifChange{Op: domain.OpDelete, Key: "n1", Before: notif("n1", 42, 0)}))

	assert.Equal(t, []submission{{42, "prune"}}, f.lanes.Submissions())
	assert.Empty(t, f.subs.Snapshot())
}

func TestWatcher_DeleteWithoutPreImageUsesIndex(t *testing.T) {
	f := newFixture(t)
	f.notifs.Add(*notif("n1", 42, 0))
	f.storeRemote(t, "on", 42, online, testEpoch)
	w := newTestWatcher(f, nil, nil, InvalidateResync)
	require.NoError(t, w.Prime(context.Background()))
	f.notifs.Remove("n1")

	require.NoError(t, w.onNotification(context.Background(), notifChange{Op: domain.OpDelete, Key: "n1"}))

	assert.Equal(t, []submission{{42, "prune"}}, f.lanes.Submissions())
	assert.Empty(t, f.subs.Snapshot())

	// The key is forgotten once handled.
	require.NoError(t, w.onNotification(context.Background(), notifChange{Op: domain.OpDelete, Key: "n1"}))
	assert.Len(t, f.lanes.Submissions(), 1)
}

func TestWatcher_UpdateMovingStreamerPrunesOldAndEnsuresNew(t *testing.T) {
	f := newFixture(t)
	f.storeRemote(t, "old-on", 42, online, testEpoch)
	f.notifs.Add(*notif("n1", 44, 0))
	w := newTestWatcher(f, nil, nil, InvalidateResync)
	w.remember("n1", 42)

	require.NoError(t, w.onNotification(context.Background(), notifChange{Op: domain.OpUpdate, Key: "n1", Document: notif("n1", 44, 0)}))

	assert.Equal(t, []submission{{42, "prune"}, {44, "update"}}, f.lanes.Submissions())
	assert.Empty(t, f.typesFor(42))
	assert.Equal(t, []domain.SubscriptionType{online}, f.typesFor(44))
}

func TestWatcher_UpdateDroppingOfflineRemovesIt(t *testing.T) {
	f := newFixture(t)
	f.storeRemote(t, "on", 42, online, testEpoch)
	f.storeRemote(t, "off", 42, offline, testEpoch)
	f.notifs.Add(*notif("n1", 42, 0))
	w := newTestWatcher(f, nil, nil, InvalidateResync)

	require.NoError(t, w.onNotification(context.Background(), notifChange{
		Op: domain.OpReplace, Key: "n1", Document: notif("n1", 42, 0), Before: notif("n1", 42, 1),
	}))

	assert.Equal(t, []domain.SubscriptionType{online}, f.typesFor(42))
}

func TestWatcher_RevocationTriggersResubscribe(t *testing.T) {
	tests := []struct {
		reason string
		want   bool
	}{
		{domain.ReasonNotificationFailures, true},
		{domain.ReasonVersionRemoved, true},
		{domain.ReasonAuthorizationRevoked, false},
		{domain.ReasonUserRemoved, false},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.notifs.Add(*notif("n1", 42, 0))
			f.storeRemote(t, "on", 42, online, testEpoch)
			require.NoError(t, f.subs.MarkRevoked(ctx, "on", tt.reason, testEpoch))
			sub, err := f.subs.GetBySubID(ctx, "on")
			require.NoError(t, err)
			w := newTestWatcher(f, nil, nil, InvalidateResync)

			require.NoError(t, w.onSubscription(ctx, subChange{Op: domain.OpUpdate, Key: "x", Document: sub}))

			if !tt.want {
				assert.Empty(t, f.lanes.Submissions())
				return
			}
			assert.Equal(t, []submission{{42, "resubscribe"}}, f.lanes.Submissions())
			subs := f.subs.Snapshot()
			require.Len(t, subs, 1)
			assert.NotEqual(t, "on", subs[0].SubID)
		})
	}
}

func TestWatcher_InvalidationExitPolicy(t *testing.T) {
	f := newFixture(t)
	w := newTestWatcher(f, []notifChange{{Op: domain.OpInvalidate}}, nil, InvalidateExit)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := w.Run(ctx)

	assert.ErrorIs(t, err, domain.ErrFeedInvalidated)
	assert.Zero(t, testutil.ToFloat64(f.metrics.Passes.WithLabelValues("invalidate")))
}

func TestWatcher_InvalidationResyncRunsBeforeNextEvent(t *testing.T) {
	f := newFixture(t)
	f.notifs.Add(*notif("existing", 2, 0))
	inserted := notif("new", 4, 0)
	f.notifs.Add(*inserted)
	f.lanes.hold = true

	w := newTestWatcher(f, []notifChange{
		{Op: domain.OpInvalidate},
		{Op: domain.OpInsert, Key: "new", Document: inserted},
	}, nil, InvalidateResync)

	ctx, cancel := context.WithCancel(context.Background())
	done := async(func() error { return w.Run(ctx) })

	require.Eventually(t, func() bool { return len(f.lanes.Submissions()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	subs := f.lanes.Submissions()
	assert.ElementsMatch(t, []submission{{2, "ensure"}, {4, "ensure"}}, subs[:2], "full pass queues first")
	assert.Equal(t, submission{4, "ensure"}, subs[2])
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.Passes.WithLabelValues("invalidate")), 0)
}

func TestWatcher_FailedResyncIsFatal(t *testing.T) {
	f := newFixture(t)
	f.api.FetchErr = errors.New("store unreachable")
	w := newTestWatcher(f, nil, []subChange{{Op: domain.OpInvalidate}}, InvalidateResync)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := w.Run(ctx)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscriptions")
}
