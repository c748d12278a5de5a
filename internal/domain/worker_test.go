package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerInfo_ShouldHandle_ExactlyOneOwner(t *testing.T) {
	const total = 4
	for id := int64(-20); id < 200; id++ {
		owners := 0
		for idx := int64(0); idx < total; idx++ {
			if (WorkerInfo{Index: idx, Total: total}).ShouldHandle(id) {
				owners++
			}
		}
		assert.Equal(t, 1, owners, "entity %d", id)
	}
}

func TestWorkerInfo_ShouldHandle_SingleWorkerOwnsAll(t *testing.T) {
	w := WorkerInfo{Index: 0, Total: 1}
	for _, id := range []int64{0, 1, 7, 123456789} {
		assert.True(t, w.ShouldHandle(id))
	}
}

func TestWorkerInfo_Lane_SpreadsOwnedIDs(t *testing.T) {
	w := WorkerInfo{Index: 1, Total: 3}

	// owned ids: 1, 4, 7, 10, 13 -> lanes 0, 1, 2, 3, 0
	assert.Equal(t, 0, w.Lane(1, 4))
	assert.Equal(t, 1, w.Lane(4, 4))
	assert.Equal(t, 2, w.Lane(7, 4))
	assert.Equal(t, 3, w.Lane(10, 4))
	assert.Equal(t, 0, w.Lane(13, 4))
}

func TestWorkerInfo_Lane_Deterministic(t *testing.T) {
	w := WorkerInfo{Index: 0, Total: 2}
	assert.Equal(t, w.Lane(42, 8), w.Lane(42, 8))
	assert.Equal(t, 0, w.Lane(42, 1))
}

func TestWorkerInfo_Validate(t *testing.T) {
	assert.NoError(t, WorkerInfo{Index: 0, Total: 1, Callback: "a.example"}.Validate())
	assert.Error(t, WorkerInfo{Index: 1, Total: 1, Callback: "a.example"}.Validate())
	assert.Error(t, WorkerInfo{Index: 0, Total: 0, Callback: "a.example"}.Validate())
	assert.Error(t, WorkerInfo{Index: -1, Total: 2, Callback: "a.example"}.Validate())
	assert.Error(t, WorkerInfo{Index: 0, Total: 2}.Validate())
}

func TestWorkerInfo_CallbackURL(t *testing.T) {
	w := WorkerInfo{Callback: "hooks.example.com"}
	assert.Equal(t, "https://hooks.example.com/webhooks/callback", w.CallbackURL())
}

func TestSubscription_State(t *testing.T) {
	sub := Subscription{}
	assert.Equal(t, SlotPendingVerification, sub.State())
	sub.Verified = true
	assert.Equal(t, SlotVerified, sub.State())
	sub.Revoked = true
	assert.Equal(t, SlotRevoked, sub.State())
}

func TestSubscription_NeedsResubscribe(t *testing.T) {
	reason := func(s string) *string { return &s }

	assert.False(t, (&Subscription{}).NeedsResubscribe())
	assert.True(t, (&Subscription{Revoked: true, RevocationReason: reason(ReasonNotificationFailures)}).NeedsResubscribe())
	assert.True(t, (&Subscription{Revoked: true, RevocationReason: reason(ReasonVersionRemoved)}).NeedsResubscribe())
	assert.False(t, (&Subscription{Revoked: true, RevocationReason: reason(ReasonUserRemoved)}).NeedsResubscribe())
}

func TestNewSecret_Unique(t *testing.T) {
	a, err := NewSecret()
	assert.NoError(t, err)
	b, err := NewSecret()
	assert.NoError(t, err)
	assert.Len(t, string(a), 64)
	assert.NotEqual(t, a, b)
	assert.Equal(t, "[redacted]", a.String())
}
