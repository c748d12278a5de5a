package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nicklaw5/helix/v2"
	"golang.org/x/sync/singleflight"

	"github.com/streamcord/spyglass/internal/adapter/metrics"
	"github.com/streamcord/spyglass/internal/domain"
	"github.com/streamcord/spyglass/internal/platform/version"
)

// expiryMargin refreshes the token a little before Twitch would reject it.
const expiryMargin = time.Minute

// TokenError is returned when the client-credentials grant fails.
type TokenError struct {
	Status int
	Err    error
}

func (e *TokenError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token request failed with status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("token request failed: %v", e.Err)
}

func (e *TokenError) Unwrap() error { return e.Err }

// tokenSource owns the app access token. Concurrent refreshes collapse into one
// request, and a refresh triggered by a stale token is skipped once another
// caller has already replaced it.
type tokenSource struct {
	httpClient   *http.Client
	authBase     string
	clientID     domain.ClientID
	clientSecret domain.ClientSecret
	clock        clockwork.Clock
	metrics      *metrics.APIMetrics

	mu    sync.RWMutex
	token domain.AccessToken
	group singleflight.Group
}

// Current returns a token that has not expired yet, refreshing first if needed.
func (s *tokenSource) Current(ctx context.Context) (domain.AccessToken, error) {
	s.mu.RLock()
	tok := s.token
	s.mu.RUnlock()

	if !tok.Expired(s.clock.Now()) {
		return tok, nil
	}
	if err := s.refresh(ctx, tok.Value); err != nil {
		return domain.AccessToken{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

// Invalidate reports that stale was rejected with 401.
func (s *tokenSource) Invalidate(ctx context.Context, stale string) error {
	return s.refresh(ctx, stale)
}

func (s *tokenSource) refresh(ctx context.Context, stale string) error {
	_, err, _ := s.group.Do("token", func() (any, error) {
		s.mu.RLock()
		cur := s.token
		s.mu.RUnlock()

		if cur.Value != stale && !cur.Expired(s.clock.Now()) {
			return nil, nil
		}

		tok, err := s.fetch(ctx)
		if err != nil {
			s.metrics.TokenRefreshes.WithLabelValues("error").Inc()
			return nil, err
		}

		s.mu.Lock()
		s.token = tok
		s.mu.Unlock()

		s.metrics.TokenRefreshes.WithLabelValues("ok").Inc()
		slog.Info("Fetched app access token", "expires_at", tok.ExpiresAt.Format(time.RFC3339))
		return nil, nil
	})
	return err
}

func (s *tokenSource) fetch(ctx context.Context) (domain.AccessToken, error) {
	d := &doer{client: s.httpClient, authBase: s.authBase}
	api, err := helix.NewClientWithContext(ctx, &helix.Options{
		ClientID:     string(s.clientID),
		ClientSecret: string(s.clientSecret),
		UserAgent:    version.UserAgent(),
		HTTPClient:   d,
	})
	if err != nil {
		return domain.AccessToken{}, &TokenError{Err: err}
	}

	resp, err := api.RequestAppAccessToken(nil)
	if d.err != nil {
		return domain.AccessToken{}, &TokenError{Err: d.err}
	}
	if err != nil {
		return domain.AccessToken{}, &TokenError{Status: d.status, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return domain.AccessToken{}, &TokenError{Status: resp.StatusCode, Err: errors.New(describe(resp.ResponseCommon, nil))}
	}
	if resp.Data.AccessToken == "" {
		return domain.AccessToken{}, &TokenError{Err: errors.New("empty access_token in response")}
	}

	lifetime := time.Duration(resp.Data.ExpiresIn) * time.Second
	if lifetime > 2*expiryMargin {
		lifetime -= expiryMargin
	}

	return domain.AccessToken{
		Value:     resp.Data.AccessToken,
		ExpiresAt: s.clock.Now().Add(lifetime),
	}, nil
}
