package twitch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/streamcord/spyglass/internal/adapter/metrics"
	"github.com/streamcord/spyglass/internal/domain"
)

func newCallbackClient(t *testing.T, clock clockwork.Clock, root http.HandlerFunc) *Client {
	t.Helper()
	fake := &fakeHelix{}
	api := httptest.NewServer(fake)
	t.Cleanup(api.Close)
	target := httptest.NewServer(root)
	t.Cleanup(target.Close)

	c, err := NewClient(context.Background(), Config{
		ClientID:         "client-abc",
		APIURL:           api.URL + "/helix",
		AuthURL:          api.URL,
		CallbackCheckURL: target.URL + "/",
		Clock:            clock,
		Metrics:          metrics.NewAPIMetrics(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	return c
}

func advanceCheck(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(callbackCheckInterval)
}

func TestAwaitCallbackAccess_SucceedsOnExpectedStatus(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var hits atomic.Int32
	c := newCallbackClient(t, clock, func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusTeapot)
	})

	done := make(chan error, 1)
	go func() { done <- c.AwaitCallbackAccess(context.Background(), http.StatusTeapot) }()

	advanceCheck(t, clock)
	advanceCheck(t, clock)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("check did not finish")
	}
}

func TestAwaitCallbackAccess_GivesUpAfterThreeAttempts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newCallbackClient(t, clock, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	done := make(chan error, 1)
	go func() { done <- c.AwaitCallbackAccess(context.Background(), http.StatusTeapot) }()

	for range callbackCheckAttempts {
		advanceCheck(t, clock)
	}

	select {
	case err := <-done:
		require.ErrorIs(t, err, domain.ErrCallbackInaccessible)
	case <-time.After(2 * time.Second):
		t.Fatal("check did not finish")
	}
}
