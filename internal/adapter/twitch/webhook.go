package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/nicklaw5/helix/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamcord/spyglass/internal/adapter/metrics"
	"github.com/streamcord/spyglass/internal/domain"
	"github.com/streamcord/spyglass/internal/platform/correlation"
)

const (
	MessageTypeVerification = "webhook_callback_verification"
	MessageTypeNotification = "notification"
	MessageTypeRevocation   = "revocation"

	HeaderMessageID        = "Twitch-Eventsub-Message-Id"
	HeaderMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	HeaderMessageType      = "Twitch-Eventsub-Message-Type"
	HeaderMessageSignature = "Twitch-Eventsub-Message-Signature"

	maxWebhookBody = 1 << 20
)

// Generic names some proxies rewrite the Twitch headers to.
var headerAliases = map[string]string{
	HeaderMessageID:        "X-Message-Id",
	HeaderMessageTimestamp: "X-Message-Timestamp",
	HeaderMessageType:      "X-Message-Type",
	HeaderMessageSignature: "X-Message-Signature",
}

// WebhookHandler authenticates EventSub deliveries against the per-subscription
// secret and applies them: verifications and revocations update the stored
// subscription, notifications are forwarded to the event sink.
type WebhookHandler struct {
	subscriptions domain.SubscriptionRepository
	notifications domain.NotificationRepository
	sink          domain.EventSink
	clock         clockwork.Clock
	metrics       *metrics.WebhookMetrics
}

func NewWebhookHandler(subs domain.SubscriptionRepository, notifications domain.NotificationRepository, sink domain.EventSink, clock clockwork.Clock, m *metrics.WebhookMetrics) *WebhookHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.NewWebhookMetrics(prometheus.NewRegistry())
	}
	return &WebhookHandler{
		subscriptions: subs,
		notifications: notifications,
		sink:          sink,
		clock:         clock,
		metrics:       m,
	}
}

type webhookEnvelope struct {
	Challenge    string                    `json:"challenge"`
	Subscription domain.RemoteSubscription `json:"subscription"`
	Event        json.RawMessage           `json:"event"`
}

type streamOnlineEvent struct {
	ID                string `json:"id"`
	BroadcasterUserID string `json:"broadcaster_user_id"`
	Type              string `json:"type"`
	StartedAt         string `json:"started_at"`
}

type streamOfflineEvent struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
}

type delivery struct {
	id        string
	timestamp string
	kind      string
	signature string
	body      []byte
	envelope  webhookEnvelope
}

// signed checks the delivery against secret with helix. The headers are
// rebuilt under their Twitch names since the delivery may have used aliases.
func (d delivery) signed(secret domain.Secret) bool {
	h := http.Header{}
	h.Set(HeaderMessageID, d.id)
	h.Set(HeaderMessageTimestamp, d.timestamp)
	h.Set(HeaderMessageSignature, d.signature)
	return helix.VerifyEventSubNotification(string(secret), h, string(d.body))
}

// label bounds the message type to the values Twitch sends. The header is
// read before the signature is checked, so anything else becomes "unknown".
func (d delivery) label() string {
	switch d.kind {
	case MessageTypeVerification, MessageTypeNotification, MessageTypeRevocation:
		return d.kind
	}
	return "unknown"
}

func header(r *http.Request, name string) string {
	if v := r.Header.Get(name); v != "" {
		return v
	}
	return r.Header.Get(headerAliases[name])
}

// HandleCallback is the echo handler for POST /webhooks/callback.
func (h *WebhookHandler) HandleCallback(c echo.Context) error {
	req := c.Request()
	ctx := correlation.Ensure(req.Context())

	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody+1))
	if err != nil {
		return h.reject(c, "unknown", "unreadable", http.StatusBadRequest)
	}
	if len(body) > maxWebhookBody {
		return h.reject(c, "unknown", "too_large", http.StatusRequestEntityTooLarge)
	}

	d := delivery{
		id:        header(req, HeaderMessageID),
		timestamp: header(req, HeaderMessageTimestamp),
		kind:      header(req, HeaderMessageType),
		signature: header(req, HeaderMessageSignature),
		body:      body,
	}
	if d.id == "" || d.kind == "" || d.signature == "" {
		slog.WarnContext(ctx, "Webhook delivery missing EventSub headers")
		return h.reject(c, "unknown", "malformed", http.StatusBadRequest)
	}
	if err := json.Unmarshal(body, &d.envelope); err != nil || d.envelope.Subscription.ID == "" {
		slog.WarnContext(ctx, "Webhook delivery has no subscription id", "message_id", d.id)
		return h.reject(c, d.label(), "malformed", http.StatusBadRequest)
	}

	sub, err := h.subscriptions.GetBySubID(ctx, d.envelope.Subscription.ID)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		slog.WarnContext(ctx, "Webhook delivery for unknown subscription", "sub_id", d.envelope.Subscription.ID, "message_type", d.kind)
		return h.reject(c, d.label(), "unknown_subscription", http.StatusNotFound)
	}
	if err != nil {
		slog.ErrorContext(ctx, "Failed to look up subscription", "sub_id", d.envelope.Subscription.ID, "error", err)
		return h.reject(c, d.label(), "store_error", http.StatusInternalServerError)
	}

	if !d.signed(sub.Secret) {
		slog.WarnContext(ctx, "Webhook delivery failed signature verification", "sub_id", sub.SubID, "message_id", d.id)
		return h.reject(c, d.label(), "bad_signature", http.StatusUnauthorized)
	}

	ctx = correlation.WithEntity(ctx, sub.UserID)

	switch d.kind {
	case MessageTypeVerification:
		return h.handleVerification(ctx, c, sub, d)
	case MessageTypeNotification:
		return h.handleNotification(ctx, c, sub, d)
	case MessageTypeRevocation:
		return h.handleRevocation(ctx, c, sub, d)
	default:
		slog.WarnContext(ctx, "Unknown EventSub message type", "message_type", d.kind, "sub_id", sub.SubID)
		return h.reject(c, d.label(), "unknown_type", http.StatusBadRequest)
	}
}

func (h *WebhookHandler) handleVerification(ctx context.Context, c echo.Context, sub *domain.Subscription, d delivery) error {
	if err := h.subscriptions.MarkVerified(ctx, sub.SubID, h.messageTime(d.timestamp)); err != nil {
		slog.ErrorContext(ctx, "Failed to mark subscription verified", "sub_id", sub.SubID, "error", err)
		return h.reject(c, d.label(), "store_error", http.StatusInternalServerError)
	}
	h.record(ctx, sub.SubID, d.id)

	slog.InfoContext(ctx, "Verified subscription", "sub_id", sub.SubID, "type", sub.Type)
	h.metrics.Messages.WithLabelValues(d.label(), "ok").Inc()
	return c.String(http.StatusAccepted, d.envelope.Challenge)
}

func (h *WebhookHandler) handleNotification(ctx context.Context, c echo.Context, sub *domain.Subscription, d delivery) error {
	subType := d.envelope.Subscription.Type
	if subType == "" {
		subType = sub.Type
	}
	ts := d.timestamp
	if ts == "" {
		ts = h.clock.Now().UTC().Format(time.RFC3339Nano)
	}

	result, err := h.forward(ctx, subType, d.envelope.Event, ts)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to publish stream event", "sub_id", sub.SubID, "type", subType, "error", err)
		return h.reject(c, d.label(), "publish_failed", http.StatusInternalServerError)
	}
	h.record(ctx, sub.SubID, d.id)

	h.metrics.Messages.WithLabelValues(d.label(), result).Inc()
	return c.NoContent(http.StatusNoContent)
}

// forward publishes the event and returns the metric result label.
func (h *WebhookHandler) forward(ctx context.Context, subType domain.SubscriptionType, raw json.RawMessage, ts string) (string, error) {
	switch subType {
	case domain.SubscriptionTypeOnline:
		var ev streamOnlineEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			slog.WarnContext(ctx, "Malformed stream.online event", "error", err)
			return "invalid_event", nil
		}
		if ev.Type != "live" {
			slog.DebugContext(ctx, "Ignoring non-live stream.online event", "stream_type", ev.Type)
			return "suppressed", nil
		}
		streamID, err1 := strconv.ParseInt(ev.ID, 10, 64)
		userID, err2 := strconv.ParseInt(ev.BroadcasterUserID, 10, 64)
		if err1 != nil || err2 != nil {
			slog.WarnContext(ctx, "Non-numeric ids in stream.online event", "stream_id", ev.ID, "user_id", ev.BroadcasterUserID)
			return "invalid_event", nil
		}
		if err := h.sink.SendOnlineEvent(ctx, streamID, userID, ts); err != nil {
			return "", err
		}
		return "published", nil

	case domain.SubscriptionTypeOffline:
		var ev streamOfflineEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			slog.WarnContext(ctx, "Malformed stream.offline event", "error", err)
			return "invalid_event", nil
		}
		userID, err := strconv.ParseInt(ev.BroadcasterUserID, 10, 64)
		if err != nil {
			slog.WarnContext(ctx, "Non-numeric id in stream.offline event", "user_id", ev.BroadcasterUserID)
			return "invalid_event", nil
		}
		if err := h.sink.SendOfflineEvent(ctx, userID, ts); err != nil {
			return "", err
		}
		return "published", nil

	default:
		slog.WarnContext(ctx, "Ignoring notification for unhandled subscription type", "type", subType)
		return "ignored", nil
	}
}

func (h *WebhookHandler) handleRevocation(ctx context.Context, c echo.Context, sub *domain.Subscription, d delivery) error {
	reason := d.envelope.Subscription.Status
	slog.WarnContext(ctx, "Subscription revoked by Twitch", "sub_id", sub.SubID, "type", sub.Type, "reason", reason)

	if err := h.subscriptions.MarkRevoked(ctx, sub.SubID, reason, h.messageTime(d.timestamp)); err != nil {
		slog.ErrorContext(ctx, "Failed to mark subscription revoked", "sub_id", sub.SubID, "error", err)
		return h.reject(c, d.label(), "store_error", http.StatusInternalServerError)
	}
	h.record(ctx, sub.SubID, d.id)

	if domain.ClearsNotifications(reason) {
		n, err := h.notifications.DeleteByStreamer(ctx, sub.UserID)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to clear notifications after revocation", "user_id", sub.UserID, "error", err)
		} else {
			slog.InfoContext(ctx, "Cleared notifications after revocation", "user_id", sub.UserID, "deleted", n)
		}
	}

	h.metrics.Messages.WithLabelValues(d.label(), "ok").Inc()
	return c.NoContent(http.StatusNoContent)
}

func (h *WebhookHandler) record(ctx context.Context, subID, messageID string) {
	if err := h.subscriptions.RecordMessage(ctx, subID, messageID); err != nil {
		slog.WarnContext(ctx, "Failed to record message id", "sub_id", subID, "message_id", messageID, "error", err)
	}
}

func (h *WebhookHandler) messageTime(ts string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t
	}
	return h.clock.Now()
}

func (h *WebhookHandler) reject(c echo.Context, kind, result string, status int) error {
	h.metrics.Messages.WithLabelValues(kind, result).Inc()
	return c.NoContent(status)
}
