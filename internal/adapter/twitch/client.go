package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nicklaw5/helix/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/streamcord/spyglass/internal/adapter/metrics"
	"github.com/streamcord/spyglass/internal/domain"
	"github.com/streamcord/spyglass/internal/platform/retry"
	"github.com/streamcord/spyglass/internal/platform/version"
)

const (
	defaultRetryDelay     = 30 * time.Second
	defaultRequestsPerMin = 800
	requestTimeout        = 15 * time.Second
)

type Config struct {
	ClientID     domain.ClientID
	ClientSecret domain.ClientSecret
	APIURL       string // e.g. https://api.twitch.tv/helix
	AuthURL      string // e.g. https://id.twitch.tv
	Callback     string // host the webhook route is served on

	// CallbackCheckURL overrides https://{Callback}/ for AwaitCallbackAccess.
	CallbackCheckURL string

	RetryDelay        time.Duration
	RequestsPerMinute int
	HTTPClient        *http.Client
	Clock             clockwork.Clock
	Metrics           *metrics.APIMetrics
}

// RejectedError is a definitive answer from Helix that retrying will not change.
// Status is zero when helix refused to build the request at all.
type RejectedError struct {
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	if e.Status == 0 {
		return "helix refused request: " + e.Body
	}
	return fmt.Sprintf("helix rejected request with status %d: %s", e.Status, e.Body)
}

// Is maps 409 Conflict onto domain.ErrSubscriptionExists and every rejection
// onto domain.ErrRejected.
func (e *RejectedError) Is(target error) bool {
	switch target {
	case domain.ErrRejected:
		return true
	case domain.ErrSubscriptionExists:
		return e.Status == http.StatusConflict
	}
	return false
}

type transientError struct {
	status int
	err    error
}

func (e *transientError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("helix status %d: %v", e.status, e.err)
	}
	return e.err.Error()
}

func (e *transientError) Unwrap() error { return e.err }

// errRetryNow means the request failed for a reason already dealt with (token
// refreshed, rate limit window waited out) and should be sent again at once.
var errRetryNow = errors.New("retry immediately")

// Client talks to the EventSub endpoints of the Helix API through nicklaw5/helix.
// Token refresh, the rate limit gate and the retry table live here; helix only
// builds requests and decodes responses.
type Client struct {
	cfg         Config
	http        *http.Client
	authBase    string
	tokens      *tokenSource
	gate        *resetGate
	limiter     *rate.Limiter
	clock       clockwork.Clock
	metrics     *metrics.APIMetrics
	callbackURL string
}

var _ domain.SubscriptionAPI = (*Client)(nil)

// NewClient fetches the initial app access token. A failure here is wrapped in
// domain.ErrNoAccessToken.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMin
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: requestTimeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewAPIMetrics(prometheus.NewRegistry())
	}
	if cfg.APIURL == "" {
		cfg.APIURL = helix.DefaultAPIBaseURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	authBase := helix.AuthBaseURL
	if cfg.AuthURL != "" {
		authBase = strings.TrimRight(cfg.AuthURL, "/") + "/oauth2"
	}

	c := &Client{
		cfg:      cfg,
		http:     cfg.HTTPClient,
		authBase: authBase,
		tokens: &tokenSource{
			httpClient:   cfg.HTTPClient,
			authBase:     authBase,
			clientID:     cfg.ClientID,
			clientSecret: cfg.ClientSecret,
			clock:        cfg.Clock,
			metrics:      cfg.Metrics,
		},
		gate:        newResetGate(cfg.Clock),
		limiter:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.RequestsPerMinute),
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
		callbackURL: domain.WorkerInfo{Callback: cfg.Callback}.CallbackURL(),
	}

	if _, err := c.tokens.Current(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrNoAccessToken, err)
	}
	return c, nil
}

// FetchExistingSubscriptions pages through every subscription registered for
// this client id. Failures other than cancellation are retried indefinitely.
func (c *Client) FetchExistingSubscriptions(ctx context.Context) ([]domain.RemoteSubscription, error) {
	var all []domain.RemoteSubscription
	cursor := ""

	for {
		var page helix.ManyEventSubSubscriptions
		err := c.call(ctx, "list", anyStatus, isSuccess, func(api *helix.Client) (*helix.ResponseCommon, error) {
			resp, err := api.GetEventSubSubscriptions(&helix.EventSubSubscriptionsParams{After: cursor})
			if err != nil {
				return nil, err
			}
			page = resp.Data
			return &resp.ResponseCommon, nil
		})
		if err != nil {
			return nil, err
		}

		for _, sub := range page.EventSubSubscriptions {
			all = append(all, fromHelix(sub))
		}

		if len(all) >= page.Total || page.Pagination.Cursor == "" || len(page.EventSubSubscriptions) == 0 {
			slog.Info("Fetched existing subscriptions", "total", page.Total, "received", len(all))
			return all, nil
		}
		cursor = page.Pagination.Cursor
	}
}

// CreateSubscription registers a webhook subscription for userID. Ids outside
// [0, MaxInt32] are refused without calling Twitch.
func (c *Client) CreateSubscription(ctx context.Context, userID int64, subType domain.SubscriptionType, secret domain.Secret) ([]domain.RemoteSubscription, error) {
	if userID < 0 || userID > math.MaxInt32 {
		slog.WarnContext(ctx, "Refusing to create subscription for invalid user id", "user_id", userID, "type", subType)
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidEntityID, userID)
	}

	payload := &helix.EventSubSubscription{
		Type:      string(subType),
		Version:   "1",
		Condition: helix.EventSubCondition{BroadcasterUserID: strconv.FormatInt(userID, 10)},
		Transport: helix.EventSubTransport{Method: "webhook", Callback: c.callbackURL, Secret: string(secret)},
	}

	var created []helix.EventSubSubscription
	err := c.call(ctx, "create", isServerFault, isSuccess, func(api *helix.Client) (*helix.ResponseCommon, error) {
		resp, err := api.CreateEventSubSubscription(payload)
		if err != nil {
			return nil, err
		}
		created = resp.Data.EventSubSubscriptions
		return &resp.ResponseCommon, nil
	})
	if err != nil {
		if rej, ok := errors.AsType[*RejectedError](err); ok {
			slog.ErrorContext(ctx, "Failed to create subscription", "user_id", userID, "type", subType, "status", rej.Status, "body", rej.Body)
		}
		return nil, err
	}

	subs := make([]domain.RemoteSubscription, 0, len(created))
	for _, sub := range created {
		slog.InfoContext(ctx, "Created subscription", "sub_id", sub.ID, "user_id", userID, "type", subType)
		subs = append(subs, fromHelix(sub))
	}
	return subs, nil
}

// RemoveSubscription deletes subID remotely. A 404 counts as removed.
func (c *Client) RemoveSubscription(ctx context.Context, subID string) error {
	accept := func(status int) bool { return isSuccess(status) || status == http.StatusNotFound }

	var status int
	err := c.call(ctx, "delete", isServerFault, accept, func(api *helix.Client) (*helix.ResponseCommon, error) {
		resp, err := api.RemoveEventSubSubscription(subID)
		if err != nil {
			return nil, err
		}
		status = resp.StatusCode
		return &resp.ResponseCommon, nil
	})
	if err != nil {
		if rej, ok := errors.AsType[*RejectedError](err); ok {
			slog.ErrorContext(ctx, "Failed to remove subscription", "sub_id", subID, "status", rej.Status, "body", rej.Body)
		}
		return err
	}

	if status == http.StatusNotFound {
		slog.InfoContext(ctx, "Subscription already gone", "sub_id", subID)
	} else {
		slog.InfoContext(ctx, "Removed subscription", "sub_id", subID)
	}
	return nil
}

// request issues one helix call and returns its status fields.
type request func(api *helix.Client) (*helix.ResponseCommon, error)

// call runs one logical request through the retry matrix: 401 refreshes the
// token and 429 waits for the reset, both followed by an immediate resend;
// statuses matching transient wait RetryDelay and resend; anything else not
// accepted is a *RejectedError.
func (c *Client) call(ctx context.Context, endpoint string, transient, accept func(int) bool, send request) error {
	p := retry.Fixed(c.cfg.RetryDelay, c.clock)
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		c.metrics.Retries.WithLabelValues(endpoint, "transient").Inc()
		slog.WarnContext(ctx, "Helix request failed, retrying", "endpoint", endpoint, "attempt", attempt, "retry_in", backoff, "error", err)
	}

	classify := func(err error) retry.Action {
		if ctx.Err() != nil {
			return retry.Stop
		}
		if errors.Is(err, errRetryNow) {
			return retry.Immediate
		}
		if _, ok := errors.AsType[*RejectedError](err); ok {
			return retry.Stop
		}
		return retry.Retry
	}

	err := retry.DoVoid(ctx, p, classify, func() error {
		return c.exchange(ctx, endpoint, transient, accept, send)
	})
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("helix %s: %w", endpoint, ctx.Err())
	}
	return err
}

func (c *Client) exchange(ctx context.Context, endpoint string, transient, accept func(int) bool, send request) error {
	if err := c.gate.Wait(ctx); err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	token, err := c.tokens.Current(ctx)
	if err != nil {
		return &transientError{err: err}
	}

	d := &doer{client: c.http, authBase: c.authBase}
	api, err := helix.NewClientWithContext(ctx, &helix.Options{
		ClientID:       string(c.cfg.ClientID),
		AppAccessToken: token.Value,
		UserAgent:      version.UserAgent(),
		HTTPClient:     d,
		APIBaseURL:     c.cfg.APIURL,
	})
	if err != nil {
		return &RejectedError{Body: err.Error()}
	}

	rc, err := send(api)
	switch {
	case d.err != nil:
		c.metrics.Requests.WithLabelValues(endpoint, "error").Inc()
		return &transientError{err: d.err}
	case err != nil && !d.sent:
		return &RejectedError{Body: err.Error()}
	}

	c.metrics.Requests.WithLabelValues(endpoint, strconv.Itoa(d.status)).Inc()
	common := helix.ResponseCommon{StatusCode: d.status, Header: d.header}
	if rc != nil {
		common = *rc
	}
	detail := describe(common, err)

	switch {
	case accept(common.StatusCode):
		if err != nil {
			return &transientError{status: common.StatusCode, err: err}
		}
		return nil
	case common.StatusCode == http.StatusUnauthorized:
		slog.WarnContext(ctx, "Helix rejected access token, refreshing", "endpoint", endpoint)
		c.metrics.Retries.WithLabelValues(endpoint, "unauthorized").Inc()
		if err := c.tokens.Invalidate(ctx, token.Value); err != nil {
			return &transientError{err: err}
		}
		return errRetryNow
	case common.StatusCode == http.StatusTooManyRequests:
		resetAt := resetTime(common.GetRateLimitReset(), c.clock.Now(), c.cfg.RetryDelay)
		wait := resetAt.Sub(c.clock.Now())
		c.metrics.Retries.WithLabelValues(endpoint, "rate_limited").Inc()
		slept, err := c.gate.Hold(ctx, resetAt)
		if slept {
			c.metrics.RateLimitWaits.Inc()
			if wait > 0 {
				c.metrics.RateLimitSeconds.Add(wait.Seconds())
			}
			slog.InfoContext(ctx, "Hit Helix rate limit, waited for reset", "endpoint", endpoint, "wait", wait)
		}
		if err != nil {
			return err
		}
		return errRetryNow
	case transient(common.StatusCode):
		return &transientError{status: common.StatusCode, err: errors.New(detail)}
	default:
		return &RejectedError{Status: common.StatusCode, Body: detail}
	}
}

// describe renders the error fields Helix put in the response body, or the
// decode error when helix could not read them.
func describe(rc helix.ResponseCommon, err error) string {
	switch {
	case rc.ErrorMessage != "" && rc.Error != "":
		return rc.Error + ": " + rc.ErrorMessage
	case rc.ErrorMessage != "":
		return rc.ErrorMessage
	case rc.Error != "":
		return rc.Error
	case err != nil:
		return err.Error()
	}
	return http.StatusText(rc.StatusCode)
}

func fromHelix(s helix.EventSubSubscription) domain.RemoteSubscription {
	return domain.RemoteSubscription{
		ID:        s.ID,
		Status:    s.Status,
		Type:      domain.SubscriptionType(s.Type),
		Version:   s.Version,
		Cost:      s.Cost,
		Condition: domain.RemoteCondition{BroadcasterUserID: s.Condition.BroadcasterUserID},
		Transport: domain.RemoteTransport{Method: s.Transport.Method, Callback: s.Transport.Callback},
		CreatedAt: s.CreatedAt.Time,
	}
}

// doer is the helix.HTTPClient for a single attempt. It points helix's fixed
// id.twitch.tv host at authBase and keeps what helix only reports as text: the
// transport error, and whether a response arrived at all.
type doer struct {
	client   *http.Client
	authBase string

	sent   bool
	err    error
	status int
	header http.Header
}

func (d *doer) Do(req *http.Request) (*http.Response, error) {
	if rest, ok := strings.CutPrefix(req.URL.String(), helix.AuthBaseURL); ok && d.authBase != helix.AuthBaseURL {
		target, err := url.Parse(d.authBase + rest)
		if err != nil {
			d.sent, d.err = true, err
			return nil, err
		}
		req = req.Clone(req.Context())
		req.URL = target
		req.Host = target.Host
	}

	d.sent = true
	resp, err := d.client.Do(req)
	if err != nil {
		d.err = err
		return nil, err
	}
	d.status, d.header = resp.StatusCode, resp.Header
	return resp, nil
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }

func anyStatus(int) bool { return true }

func isServerFault(status int) bool {
	return status == http.StatusInternalServerError || status == http.StatusBadGateway
}
