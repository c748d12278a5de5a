// Package domaintest provides in-memory implementations of the domain
// repositories and sinks. Test use only.
package domaintest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/streamcord/spyglass/internal/domain"
)

// SubscriptionStore is an in-memory domain.SubscriptionRepository.
type SubscriptionStore struct {
	mu   sync.Mutex
	subs map[string]*domain.Subscription
	// Err, when set, is returned by every method.
	Err error
}

var _ domain.SubscriptionRepository = (*SubscriptionStore)(nil)

func NewSubscriptionStore(subs ...domain.Subscription) *SubscriptionStore {
	s := &SubscriptionStore{subs: make(map[string]*domain.Subscription)}
	for i := range subs {
		sub := subs[i]
		s.subs[sub.SubID] = &sub
	}
	return s
}

func (s *SubscriptionStore) Insert(_ context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.subs[sub.SubID]; ok {
		return fmt.Errorf("duplicate sub_id %s", sub.SubID)
	}
	cp := *sub
	s.subs[sub.SubID] = &cp
	return nil
}

func (s *SubscriptionStore) GetBySubID(_ context.Context, subID string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	sub, ok := s.subs[subID]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *SubscriptionStore) List(_ context.Context) ([]domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return s.sorted(func(*domain.Subscription) bool { return true }), nil
}

func (s *SubscriptionStore) ListByUser(_ context.Context, userID int64) ([]domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return s.sorted(func(sub *domain.Subscription) bool { return sub.UserID == userID }), nil
}

func (s *SubscriptionStore) sorted(keep func(*domain.Subscription) bool) []domain.Subscription {
	var out []domain.Subscription
	for _, sub := range s.subs {
		if keep(sub) {
			out = append(out, *sub)
		}
	}
	slices.SortFunc(out, func(a, b domain.Subscription) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.SubID < b.SubID {
			return -1
		}
		if a.SubID > b.SubID {
			return 1
		}
		return 0
	})
	return out
}

func (s *SubscriptionStore) Delete(_ context.Context, subID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	delete(s.subs, subID)
	return nil
}

func (s *SubscriptionStore) MarkVerified(_ context.Context, subID string, at time.Time) error {
	return s.update(subID, func(sub *domain.Subscription) {
		sub.Verified = true
		sub.VerifiedAt = &at
	})
}

func (s *SubscriptionStore) MarkRevoked(_ context.Context, subID, reason string, at time.Time) error {
	return s.update(subID, func(sub *domain.Subscription) {
		sub.Revoked = true
		sub.RevokedAt = &at
		sub.RevocationReason = &reason
	})
}

func (s *SubscriptionStore) RecordMessage(_ context.Context, subID, messageID string) error {
	return s.update(subID, func(sub *domain.Subscription) {
		sub.Messages = append([]string{messageID}, sub.Messages...)
		if len(sub.Messages) > domain.MessageRingSize {
			sub.Messages = sub.Messages[:domain.MessageRingSize]
		}
	})
}

func (s *SubscriptionStore) update(subID string, fn func(*domain.Subscription)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	sub, ok := s.subs[subID]
	if !ok {
		return domain.ErrSubscriptionNotFound
	}
	fn(sub)
	return nil
}

// Snapshot returns a copy of every stored subscription.
func (s *SubscriptionStore) Snapshot() []domain.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(*domain.Subscription) bool { return true })
}

// NotificationStore is an in-memory domain.NotificationRepository.
type NotificationStore struct {
	mu    sync.Mutex
	items []domain.Notification
	Err   error
}

var _ domain.NotificationRepository = (*NotificationStore)(nil)

func NewNotificationStore(items ...domain.Notification) *NotificationStore {
	return &NotificationStore{items: slices.Clone(items)}
}

func (s *NotificationStore) Add(n domain.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, n)
}

func (s *NotificationStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = slices.DeleteFunc(s.items, func(n domain.Notification) bool { return n.ID == id })
}

func (s *NotificationStore) List(_ context.Context) ([]domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return slices.Clone(s.items), nil
}

func (s *NotificationStore) ListByStreamer(_ context.Context, streamerID int64) ([]domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []domain.Notification
	for _, n := range s.items {
		if n.StreamerID == streamerID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *NotificationStore) DeleteByStreamer(_ context.Context, streamerID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	before := len(s.items)
	s.items = slices.DeleteFunc(s.items, func(n domain.Notification) bool { return n.StreamerID == streamerID })
	return int64(before - len(s.items)), nil
}
