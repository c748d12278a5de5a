package domaintest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/streamcord/spyglass/internal/domain"
)

// FakeAPI is an in-memory domain.SubscriptionAPI that behaves like Helix for
// the three subscription calls.
type FakeAPI struct {
	mu     sync.Mutex
	remote map[string]domain.RemoteSubscription
	nextID int

	creates int
	removes int

	// CreateErr, when set, is returned for every create. CreateHook runs
	// before each create and may return an error for that call only.
	CreateErr  error
	CreateHook func(userID int64, subType domain.SubscriptionType) error
	RemoveErr  error
	FetchErr   error
}

var _ domain.SubscriptionAPI = (*FakeAPI)(nil)

func NewFakeAPI(remote ...domain.RemoteSubscription) *FakeAPI {
	a := &FakeAPI{remote: make(map[string]domain.RemoteSubscription)}
	for _, rs := range remote {
		a.remote[rs.ID] = rs
	}
	return a
}

// Remote builds a remote subscription descriptor.
func Remote(id string, userID int64, subType domain.SubscriptionType) domain.RemoteSubscription {
	return domain.RemoteSubscription{
		ID:        id,
		Status:    domain.RemoteStatusEnabled,
		Type:      subType,
		Version:   "1",
		Condition: domain.RemoteCondition{BroadcasterUserID: strconv.FormatInt(userID, 10)},
		Transport: domain.RemoteTransport{Method: "webhook"},
	}
}

func (a *FakeAPI) FetchExistingSubscriptions(context.Context) ([]domain.RemoteSubscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FetchErr != nil {
		return nil, a.FetchErr
	}
	return a.sorted(), nil
}

func (a *FakeAPI) CreateSubscription(ctx context.Context, userID int64, subType domain.SubscriptionType, _ domain.Secret) ([]domain.RemoteSubscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.creates++
	if a.CreateErr != nil {
		return nil, a.CreateErr
	}
	if a.CreateHook != nil {
		if err := a.CreateHook(userID, subType); err != nil {
			return nil, err
		}
	}
	a.nextID++
	rs := Remote(fmt.Sprintf("remote-%d", a.nextID), userID, subType)
	rs.Status = domain.RemoteStatusVerificationWait
	rs.CreatedAt = time.Date(2024, 1, 1, 0, 0, a.nextID, 0, time.UTC)
	a.remote[rs.ID] = rs
	return []domain.RemoteSubscription{rs}, nil
}

func (a *FakeAPI) RemoveSubscription(ctx context.Context, subID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	a.removes++
	if a.RemoveErr != nil {
		return a.RemoveErr
	}
	delete(a.remote, subID)
	return nil
}

// Add registers rs as if it had been created earlier.
func (a *FakeAPI) Add(rs domain.RemoteSubscription) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remote[rs.ID] = rs
}

// Subscriptions returns the remote registry ordered by id.
func (a *FakeAPI) Subscriptions() []domain.RemoteSubscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sorted()
}

// Calls returns how many creates and removes were attempted.
func (a *FakeAPI) Calls() (creates, removes int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creates, a.removes
}

func (a *FakeAPI) SetCreateErr(err error) {
	a.mu.Lock()
	a.CreateErr = err
	a.mu.Unlock()
}

func (a *FakeAPI) SetRemoveErr(err error) {
	a.mu.Lock()
	a.RemoveErr = err
	a.mu.Unlock()
}

func (a *FakeAPI) sorted() []domain.RemoteSubscription {
	out := make([]domain.RemoteSubscription, 0, len(a.remote))
	for _, id := range slices.Sorted(maps.Keys(a.remote)) {
		out = append(out, a.remote[id])
	}
	return out
}
