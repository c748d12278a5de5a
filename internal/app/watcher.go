package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/streamcord/spyglass/internal/domain"
)

// InvalidationPolicy decides what happens when a change feed is invalidated.
type InvalidationPolicy string

const (
	// InvalidateResync runs a full reconciliation pass before consuming further events.
	InvalidateResync InvalidationPolicy = "resync"
	// InvalidateExit stops the watcher with domain.ErrFeedInvalidated.
	InvalidateExit InvalidationPolicy = "exit"
)

// Watcher turns change feed events into lane tasks.
type Watcher struct {
	reconciler    *Reconciler
	lanes         Submitter
	notifications domain.NotificationRepository
	notifFeed     domain.ChangeFeed[domain.Notification]
	subFeed       domain.ChangeFeed[domain.Subscription]
	clientID      domain.ClientID
	policy        InvalidationPolicy

	// Notification id to streamer id, for deletes that arrive without a
	// pre-image.
	mu        sync.Mutex
	streamers map[string]int64
}

func NewWatcher(
	reconciler *Reconciler,
	lanes Submitter,
	notifications domain.NotificationRepository,
	notifFeed domain.ChangeFeed[domain.Notification],
	subFeed domain.ChangeFeed[domain.Subscription],
	clientID domain.ClientID,
	policy InvalidationPolicy,
) *Watcher {
	if policy == "" {
		policy = InvalidateResync
	}
	return &Watcher{
		reconciler:    reconciler,
		lanes:         lanes,
		notifications: notifications,
		notifFeed:     notifFeed,
		subFeed:       subFeed,
		clientID:      clientID,
		policy:        policy,
		streamers:     make(map[string]int64),
	}
}

// Prime loads the notification index from the store.
func (w *Watcher) Prime(ctx context.Context) error {
	all, err := w.notifications.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to prime notification index: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.streamers)
	for _, n := range all {
		w.streamers[n.ID] = n.StreamerID
	}
	return nil
}

// Run consumes both feeds until ctx is cancelled or one of them fails.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Prime(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := w.notifFeed.Run(ctx, w.onNotification); err != nil {
			return fmt.Errorf("notifications feed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := w.subFeed.Run(ctx, w.onSubscription); err != nil {
			return fmt.Errorf("subscriptions feed: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (w *Watcher) onNotification(ctx context.Context, ch domain.Change[domain.Notification]) error {
	switch ch.Op {
	case domain.OpInvalidate:
		return w.invalidated(ctx, "notifications")

	case domain.OpInsert:
		n := ch.Document
		if n == nil || n.ClientID != w.clientID {
			return nil
		}
		w.remember(ch.Key, n.StreamerID)
		w.submitEnsure(n.StreamerID, n.StreamEndAction)

	case domain.OpDelete:
		streamer, ok := w.previousStreamer(ch)
		w.forget(ch.Key)
		if !ok {
			slog.DebugContext(ctx, "Deleted notification not tracked by this client", "key", ch.Key)
			return nil
		}
		w.submitPrune(streamer)

	case domain.OpUpdate, domain.OpReplace:
		previous, hadPrevious := w.previousStreamer(ch)
		n := ch.Document
		if n == nil || n.ClientID != w.clientID {
			w.forget(ch.Key)
			if hadPrevious {
				w.submitPrune(previous)
			}
			return nil
		}

		w.remember(ch.Key, n.StreamerID)
		if hadPrevious && previous != n.StreamerID {
			w.submitPrune(previous)
		}
		streamer, action := n.StreamerID, n.StreamEndAction
		w.lanes.Submit(streamer, "update", func(ctx context.Context) error {
			if err := w.reconciler.PruneSubscriptions(ctx, streamer); err != nil {
				return err
			}
			return w.reconciler.EnsureSubscriptions(ctx, streamer, action)
		})
	}
	return nil
}

func (w *Watcher) onSubscription(ctx context.Context, ch domain.Change[domain.Subscription]) error {
	switch ch.Op {
	case domain.OpInvalidate:
		return w.invalidated(ctx, "subscriptions")

	case domain.OpUpdate, domain.OpReplace:
		sub := ch.Document
		if sub == nil || sub.ClientID != w.clientID || !sub.NeedsResubscribe() {
			return nil
		}
		revoked := *sub
		w.lanes.Submit(revoked.UserID, "resubscribe", func(ctx context.Context) error {
			return w.reconciler.Resubscribe(ctx, revoked)
		})
	}
	return nil
}

// invalidated applies the policy. Under InvalidateResync the full pass runs
// inside the feed handler, so no further event is consumed until it is done.
func (w *Watcher) invalidated(ctx context.Context, feed string) error {
	if w.policy == InvalidateExit {
		return fmt.Errorf("%s: %w", feed, domain.ErrFeedInvalidated)
	}

	slog.WarnContext(ctx, "Change feed invalidated, running full reconciliation", "feed", feed)
	if err := w.Prime(ctx); err != nil {
		return err
	}
	if err := w.reconciler.FullPass(ctx, "invalidate"); err != nil {
		return fmt.Errorf("resync after %s invalidation: %w", feed, err)
	}
	return nil
}

func (w *Watcher) submitEnsure(streamer int64, action int) {
	w.lanes.Submit(streamer, "ensure", func(ctx context.Context) error {
		return w.reconciler.EnsureSubscriptions(ctx, streamer, action)
	})
}

func (w *Watcher) submitPrune(streamer int64) {
	w.lanes.Submit(streamer, "prune", func(ctx context.Context) error {
		return w.reconciler.PruneSubscriptions(ctx, streamer)
	})
}

// previousStreamer resolves the streamer a change used to refer to, from the
// pre-image when the store recorded one and from the index otherwise.
func (w *Watcher) previousStreamer(ch domain.Change[domain.Notification]) (int64, bool) {
	if ch.Before != nil {
		if ch.Before.ClientID != w.clientID {
			return 0, false
		}
		return ch.Before.StreamerID, true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.streamers[ch.Key]
	return id, ok
}

func (w *Watcher) remember(key string, streamer int64) {
	if key == "" {
		return
	}
	w.mu.Lock()
	w.streamers[key] = streamer
	w.mu.Unlock()
}

func (w *Watcher) forget(key string) {
	w.mu.Lock()
	delete(w.streamers, key)
	w.mu.Unlock()
}
