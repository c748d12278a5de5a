package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamcord/spyglass/internal/adapter/metrics"
	"github.com/streamcord/spyglass/internal/domain"
	"github.com/streamcord/spyglass/internal/platform/retry"
)

const DefaultRetryDelay = 30 * time.Second

// ReconcilerConfig holds the optional collaborators of a Reconciler.
type ReconcilerConfig struct {
	ClientID   domain.ClientID
	RetryDelay time.Duration
	Clock      clockwork.Clock
	Metrics    *metrics.ReconcileMetrics
	// NewSecret defaults to domain.NewSecret.
	NewSecret func() (domain.Secret, error)
}

// Reconciler keeps the remote subscriptions, the stored subscriptions and the
// desired state in the notifications collection consistent for the entities
// this worker owns.
type Reconciler struct {
	api           domain.SubscriptionAPI
	subscriptions domain.SubscriptionRepository
	notifications domain.NotificationRepository
	worker        domain.WorkerInfo
	lanes         Submitter

	clientID   domain.ClientID
	retryDelay time.Duration
	clock      clockwork.Clock
	metrics    *metrics.ReconcileMetrics
	newSecret  func() (domain.Secret, error)

	passMu sync.Mutex
}

func NewReconciler(
	api domain.SubscriptionAPI,
	subs domain.SubscriptionRepository,
	notifications domain.NotificationRepository,
	worker domain.WorkerInfo,
	lanes Submitter,
	cfg ReconcilerConfig,
) *Reconciler {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.NewSecret == nil {
		cfg.NewSecret = domain.NewSecret
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewReconcileMetrics(prometheus.NewRegistry())
	}
	return &Reconciler{
		api:           api,
		subscriptions: subs,
		notifications: notifications,
		worker:        worker,
		lanes:         lanes,
		clientID:      cfg.ClientID,
		retryDelay:    cfg.RetryDelay,
		clock:         cfg.Clock,
		metrics:       cfg.Metrics,
		newSecret:     cfg.NewSecret,
	}
}

// SyncResult summarizes one SyncSubscriptions run. Repairs run later on the
// entity lanes; Queued counts the ones accepted.
type SyncResult struct {
	Remote            int
	Local             int
	MissingFromRemote int
	MissingFromLocal  int
	Queued            int
}

// SyncSubscriptions diffs the owned remote subscriptions against the owned
// stored ones by subscription id and queues a repair on the entity's lane for
// every difference. Records Twitch no longer knows are dropped and recreated;
// remote subscriptions without a record are removed and recreated, since
// Twitch never returns the secret of an existing one.
func (r *Reconciler) SyncSubscriptions(ctx context.Context) (SyncResult, error) {
	var res SyncResult
	fetchedAt := r.clock.Now()

	remote, err := r.api.FetchExistingSubscriptions(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to fetch remote subscriptions: %w", err)
	}
	remoteByID := make(map[string]domain.RemoteSubscription, len(remote))
	for _, rs := range remote {
		if id, ok := rs.EntityID(); ok && r.worker.ShouldHandle(id) {
			remoteByID[rs.ID] = rs
		}
	}

	local, err := r.subscriptions.List(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list stored subscriptions: %w", err)
	}
	localByID := make(map[string]domain.Subscription, len(local))
	for _, sub := range local {
		if r.worker.ShouldHandle(sub.UserID) {
			localByID[sub.SubID] = sub
		}
	}
	res.Remote, res.Local = len(remoteByID), len(localByID)

	for id, sub := range localByID {
		if _, ok := remoteByID[id]; ok {
			continue
		}
		// Created by a lane task after the remote list was taken.
		if sub.CreatedAt.After(fetchedAt) {
			continue
		}
		res.MissingFromRemote++
		slog.InfoContext(ctx, "Stored subscription unknown to Twitch, queueing recreation",
			"sub_id", id, "user_id", sub.UserID, "type", sub.Type)
		if r.lanes.Submit(sub.UserID, "sync", func(ctx context.Context) error {
			return r.replaceStale(ctx, sub)
		}) {
			res.Queued++
		}
	}

	for id, rs := range remoteByID {
		if _, ok := localByID[id]; ok {
			continue
		}
		res.MissingFromLocal++
		userID, _ := rs.EntityID()
		slog.InfoContext(ctx, "Twitch subscription has no stored record, queueing replacement",
			"sub_id", id, "user_id", userID, "type", rs.Type, "status", rs.Status)
		if r.lanes.Submit(userID, "sync", func(ctx context.Context) error {
			return r.replaceUnrecorded(ctx, userID, rs)
		}) {
			res.Queued++
		}
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	slog.InfoContext(ctx, "Subscriptions synchronized",
		"remote", res.Remote, "local", res.Local,
		"missing_from_remote", res.MissingFromRemote, "missing_from_local", res.MissingFromLocal,
		"queued", res.Queued)
	return res, nil
}

// replaceStale drops a record Twitch did not list and refills the slot. It
// runs on the entity's lane, so it sees whatever earlier lane tasks did.
func (r *Reconciler) replaceStale(ctx context.Context, sub domain.Subscription) error {
	if _, err := r.subscriptions.GetBySubID(ctx, sub.SubID); err != nil {
		if errors.Is(err, domain.ErrSubscriptionNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load subscription %s: %w", sub.SubID, err)
	}
	if err := r.subscriptions.Delete(ctx, sub.SubID); err != nil {
		return fmt.Errorf("failed to delete stale subscription %s: %w", sub.SubID, err)
	}
	r.count("delete_local", nil)
	return r.refill(ctx, sub.UserID, sub.Type)
}

// replaceUnrecorded removes a remote subscription nobody holds the secret of
// and refills the slot. A record written for it since the list was taken
// means a lane task created it, and it is kept.
func (r *Reconciler) replaceUnrecorded(ctx context.Context, userID int64, rs domain.RemoteSubscription) error {
	_, err := r.subscriptions.GetBySubID(ctx, rs.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrSubscriptionNotFound) {
		return fmt.Errorf("failed to load subscription %s: %w", rs.ID, err)
	}

	err = r.api.RemoveSubscription(ctx, rs.ID)
	r.count("remove", err)
	if err != nil {
		slog.WarnContext(ctx, "Failed to remove unrecorded subscription, leaving it for the next pass", "sub_id", rs.ID, "error", err)
		return err
	}
	return r.refill(ctx, userID, rs.Type)
}

// refill makes one creation attempt for an empty slot. A failure waits for the
// next pass.
func (r *Reconciler) refill(ctx context.Context, entityID int64, subType domain.SubscriptionType) error {
	existing, err := r.subscriptions.ListByUser(ctx, entityID)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions for %d: %w", entityID, err)
	}
	for _, sub := range existing {
		if sub.Type == subType && sub.State() != domain.SlotRevoked {
			slog.DebugContext(ctx, "Slot already filled, not recreating", "user_id", entityID, "type", subType, "sub_id", sub.SubID)
			return nil
		}
	}
	return r.create(ctx, entityID, subType)
}

// EnsureSubscriptions makes sure entityID has exactly one live online
// subscription, and exactly one live offline subscription when
// streamEndAction asks for it. An offline subscription is left alone
// otherwise. Creation is retried every RetryDelay while the entity still
// needs the subscription.
func (r *Reconciler) EnsureSubscriptions(ctx context.Context, entityID int64, streamEndAction int) error {
	if !r.worker.ShouldHandle(entityID) {
		return nil
	}

	wanted := []domain.SubscriptionType{domain.SubscriptionTypeOnline}
	if streamEndAction != 0 {
		wanted = append(wanted, domain.SubscriptionTypeOffline)
	}

	existing, err := r.subscriptions.ListByUser(ctx, entityID)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions for %d: %w", entityID, err)
	}

	var errs []error
	for _, subType := range wanted {
		live := r.settle(ctx, existing, subType)
		switch {
		case len(live) == 0:
			if err := r.createWhileRequired(ctx, entityID, subType); err != nil {
				errs = append(errs, err)
			}
		case len(live) > 1:
			// Oldest first; keep it and drop the rest.
			for _, dup := range live[1:] {
				slog.WarnContext(ctx, "Removing duplicate subscription", "sub_id", dup.SubID, "type", subType, "kept", live[0].SubID)
				if err := r.removeUntilGone(ctx, dup); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

// settle returns the live subscriptions of subType and discards revoked ones,
// which no longer deliver events.
func (r *Reconciler) settle(ctx context.Context, existing []domain.Subscription, subType domain.SubscriptionType) []domain.Subscription {
	var live []domain.Subscription
	for _, sub := range existing {
		if sub.Type != subType {
			continue
		}
		if sub.State() == domain.SlotRevoked {
			slog.InfoContext(ctx, "Discarding revoked subscription", "sub_id", sub.SubID, "type", sub.Type)
			if err := r.removeUntilGone(ctx, sub); err != nil {
				slog.WarnContext(ctx, "Failed to discard revoked subscription", "sub_id", sub.SubID, "error", err)
			}
			continue
		}
		live = append(live, sub)
	}
	return live
}

// PruneSubscriptions removes what the remaining notifications no longer need:
// everything when none remain, only the offline subscription when none of
// them asks for offline events.
func (r *Reconciler) PruneSubscriptions(ctx context.Context, entityID int64) error {
	if !r.worker.ShouldHandle(entityID) {
		return nil
	}

	notifications, err := r.notifications.ListByStreamer(ctx, entityID)
	if err != nil {
		return fmt.Errorf("failed to list notifications for %d: %w", entityID, err)
	}
	existing, err := r.subscriptions.ListByUser(ctx, entityID)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions for %d: %w", entityID, err)
	}

	var targets []domain.Subscription
	switch {
	case len(notifications) == 0:
		targets = existing
	case !anyWantsOffline(notifications):
		for _, sub := range existing {
			if sub.Type == domain.SubscriptionTypeOffline {
				targets = append(targets, sub)
			}
		}
	default:
		return nil
	}

	if len(targets) > 0 {
		slog.InfoContext(ctx, "Pruning subscriptions", "remaining_notifications", len(notifications), "removing", len(targets))
	}
	var errs []error
	for _, sub := range targets {
		if err := r.removeUntilGone(ctx, sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resubscribe replaces a subscription Twitch revoked for a reason that a new
// subscription can fix.
func (r *Reconciler) Resubscribe(ctx context.Context, sub domain.Subscription) error {
	if !r.worker.ShouldHandle(sub.UserID) {
		return nil
	}

	current, err := r.subscriptions.GetBySubID(ctx, sub.SubID)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		slog.DebugContext(ctx, "Revoked subscription already replaced", "sub_id", sub.SubID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load subscription %s: %w", sub.SubID, err)
	}

	slog.InfoContext(ctx, "Resubscribing revoked subscription", "sub_id", current.SubID, "type", current.Type, "reason", deref(current.RevocationReason))
	if err := r.removeUntilGone(ctx, *current); err != nil {
		return err
	}
	r.count("resubscribe", nil)
	return r.createWhileRequired(ctx, current.UserID, current.Type)
}

// FullPass synchronizes with Twitch, then queues an ensure for every owned
// entity with notifications and a prune for every owned entity that only has
// subscriptions left.
func (r *Reconciler) FullPass(ctx context.Context, trigger string) error {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	start := r.clock.Now()
	slog.InfoContext(ctx, "Starting reconciliation pass", "trigger", trigger)

	if _, err := r.SyncSubscriptions(ctx); err != nil {
		return err
	}

	notifications, err := r.notifications.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list notifications: %w", err)
	}
	actions := make(map[int64]int)
	for _, n := range notifications {
		if !r.worker.ShouldHandle(n.StreamerID) {
			continue
		}
		if n.WantsOffline() || actions[n.StreamerID] == 0 {
			actions[n.StreamerID] = n.StreamEndAction
		}
	}
	for entityID, action := range actions {
		r.lanes.Submit(entityID, "ensure", func(ctx context.Context) error {
			return r.EnsureSubscriptions(ctx, entityID, action)
		})
	}

	subs, err := r.subscriptions.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}
	orphans := make(map[int64]struct{})
	for _, sub := range subs {
		if _, wanted := actions[sub.UserID]; wanted || !r.worker.ShouldHandle(sub.UserID) {
			continue
		}
		orphans[sub.UserID] = struct{}{}
	}
	for entityID := range orphans {
		slog.WarnContext(ctx, "Subscriptions without notifications, queueing removal", "user_id", entityID)
		r.lanes.Submit(entityID, "prune", func(ctx context.Context) error {
			return r.PruneSubscriptions(ctx, entityID)
		})
	}

	elapsed := r.clock.Since(start)
	if r.metrics != nil {
		r.metrics.Passes.WithLabelValues(trigger).Inc()
		r.metrics.PassDuration.Observe(elapsed.Seconds())
	}
	slog.InfoContext(ctx, "Reconciliation pass queued", "trigger", trigger,
		"entities", len(actions), "orphans", len(orphans), "duration", elapsed)
	return nil
}

// RunPeriodic runs FullPass every interval until ctx is cancelled. A zero
// interval disables it.
func (r *Reconciler) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		slog.Info("Periodic reconciliation disabled")
		return
	}

	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Periodic reconciliation stopped")
			return
		case <-ticker.Chan():
			if err := r.FullPass(ctx, "periodic"); err != nil && ctx.Err() == nil {
				slog.Error("Periodic reconciliation failed", "error", err)
			}
		}
	}
}

// create asks Twitch for a new subscription with a fresh secret and stores
// what it returns.
func (r *Reconciler) create(ctx context.Context, entityID int64, subType domain.SubscriptionType) error {
	secret, err := r.newSecret()
	if err != nil {
		return fmt.Errorf("failed to generate secret: %w", err)
	}

	created, err := r.api.CreateSubscription(ctx, entityID, subType, secret)
	r.count("create", err)
	if err != nil {
		return err
	}
	if len(created) == 0 {
		return fmt.Errorf("twitch returned no subscription for %d %s", entityID, subType)
	}

	for _, rs := range created {
		sub := &domain.Subscription{
			ClientID:  r.clientID,
			SubID:     rs.ID,
			UserID:    entityID,
			Type:      subType,
			Secret:    secret,
			CreatedAt: r.clock.Now().UTC(),
		}
		// The remote subscription exists either way; a missing record is
		// repaired by the next sync.
		if err := r.subscriptions.Insert(ctx, sub); err != nil {
			slog.ErrorContext(ctx, "Failed to store created subscription", "sub_id", rs.ID, "error", err)
		}
	}
	return nil
}

// createWhileRequired retries create until it succeeds or the notifications
// stop asking for the subscription.
func (r *Reconciler) createWhileRequired(ctx context.Context, entityID int64, subType domain.SubscriptionType) error {
	attempt := 0
	policy := retry.Fixed(r.retryDelay, r.clock)
	policy.OnRetry = func(n int, err error, wait time.Duration) {
		slog.WarnContext(ctx, "Subscription creation failed, retrying",
			"user_id", entityID, "type", subType, "attempt", n, "retry_in", wait, "error", err)
	}

	err := retry.DoVoid(ctx, policy, r.classifyCreate, func() error {
		attempt++
		if attempt > 1 {
			required, err := r.required(ctx, entityID, subType)
			if err != nil {
				return err
			}
			if !required {
				slog.InfoContext(ctx, "Subscription no longer required, giving up creation", "user_id", entityID, "type", subType)
				return nil
			}
		}
		return r.create(ctx, entityID, subType)
	})
	if errors.Is(err, domain.ErrSubscriptionExists) {
		slog.WarnContext(ctx, "Twitch already has this subscription, leaving it to the next sync", "user_id", entityID, "type", subType)
		return nil
	}
	return err
}

func (r *Reconciler) classifyCreate(err error) retry.Action {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return retry.Stop
	case errors.Is(err, domain.ErrInvalidEntityID), errors.Is(err, domain.ErrSubscriptionExists):
		return retry.Stop
	default:
		return retry.Retry
	}
}

// required reports whether entityID still needs a live subscription of subType.
func (r *Reconciler) required(ctx context.Context, entityID int64, subType domain.SubscriptionType) (bool, error) {
	notifications, err := r.notifications.ListByStreamer(ctx, entityID)
	if err != nil {
		return false, fmt.Errorf("failed to list notifications for %d: %w", entityID, err)
	}
	if len(notifications) == 0 {
		return false, nil
	}
	if subType == domain.SubscriptionTypeOffline && !anyWantsOffline(notifications) {
		return false, nil
	}

	existing, err := r.subscriptions.ListByUser(ctx, entityID)
	if err != nil {
		return false, fmt.Errorf("failed to list subscriptions for %d: %w", entityID, err)
	}
	for _, sub := range existing {
		if sub.Type == subType && sub.State() != domain.SlotRevoked {
			return false, nil
		}
	}
	return true, nil
}

// removeUntilGone removes sub remotely and then deletes the record, retrying
// every RetryDelay until ctx ends. A definitive rejection from Twitch stops it
// with the record in place.
func (r *Reconciler) removeUntilGone(ctx context.Context, sub domain.Subscription) error {
	policy := retry.Fixed(r.retryDelay, r.clock)
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		slog.WarnContext(ctx, "Subscription removal failed, retrying",
			"sub_id", sub.SubID, "attempt", attempt, "retry_in", wait, "error", err)
	}

	err := retry.DoVoid(ctx, policy, classifyRemove, func() error {
		err := r.api.RemoveSubscription(ctx, sub.SubID)
		r.count("remove", err)
		if err != nil {
			return err
		}
		if err := r.subscriptions.Delete(ctx, sub.SubID); err != nil {
			return err
		}
		r.count("delete_local", nil)
		return nil
	})
	if errors.Is(err, domain.ErrRejected) {
		slog.WarnContext(ctx, "Twitch refused removal, keeping record for the next pass", "sub_id", sub.SubID, "error", err)
	}
	return err
}

func classifyRemove(err error) retry.Action {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return retry.Stop
	case errors.Is(err, domain.ErrRejected):
		return retry.Stop
	default:
		return retry.Retry
	}
}

func (r *Reconciler) count(action string, err error) {
	if r.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	r.metrics.Actions.WithLabelValues(action, result).Inc()
}

func anyWantsOffline(notifications []domain.Notification) bool {
	for _, n := range notifications {
		if n.WantsOffline() {
			return true
		}
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
