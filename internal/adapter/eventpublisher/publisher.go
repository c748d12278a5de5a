package eventpublisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/streamcord/spyglass/internal/adapter/metrics"
	"github.com/streamcord/spyglass/internal/domain"
)

const envelopeVersion = 1

const (
	opOnline  = 1
	opOffline = 2
)

// Queue is a durable destination for encoded events.
type Queue interface {
	Publish(ctx context.Context, body []byte) error
	Name() string
}

type onlineEnvelope struct {
	Op       int    `json:"op"`
	V        int    `json:"v"`
	UserID   string `json:"userID"`
	StreamID string `json:"streamID"`
	Time     string `json:"time"`
}

type offlineEnvelope struct {
	Op     int    `json:"op"`
	V      int    `json:"v"`
	UserID string `json:"userID"`
	Time   string `json:"time"`
}

// Publisher implements domain.EventSink on top of a Queue, guarded by a circuit breaker.
type Publisher struct {
	queue   Queue
	cb      *gobreaker.CircuitBreaker
	metrics *metrics.EgressMetrics
}

var _ domain.EventSink = (*Publisher)(nil)

// New wraps queue with a breaker that opens after 5 consecutive failures and
// tries again after 30s.
func New(queue Queue, m *metrics.EgressMetrics) *Publisher {
	return NewWithSettings(queue, m, gobreaker.Settings{
		Name:        queue.Name(),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

func NewWithSettings(queue Queue, m *metrics.EgressMetrics, st gobreaker.Settings) *Publisher {
	if m == nil {
		m = metrics.NewEgressMetrics(prometheus.NewRegistry())
	}
	p := &Publisher{queue: queue, metrics: m}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
		m.BreakerState.Set(stateToFloat(to))
	}
	p.cb = gobreaker.NewCircuitBreaker(st)
	return p
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func (p *Publisher) SendOnlineEvent(ctx context.Context, streamID, userID int64, timestamp string) error {
	return p.publish(ctx, "online", onlineEnvelope{
		Op:       opOnline,
		V:        envelopeVersion,
		UserID:   strconv.FormatInt(userID, 10),
		StreamID: strconv.FormatInt(streamID, 10),
		Time:     timestamp,
	})
}

func (p *Publisher) SendOfflineEvent(ctx context.Context, userID int64, timestamp string) error {
	return p.publish(ctx, "offline", offlineEnvelope{
		Op:     opOffline,
		V:      envelopeVersion,
		UserID: strconv.FormatInt(userID, 10),
		Time:   timestamp,
	})
}

func (p *Publisher) publish(ctx context.Context, op string, envelope any) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", op, err)
	}

	_, err = p.cb.Execute(func() (any, error) {
		return nil, p.queue.Publish(ctx, body)
	})
	if err != nil {
		result := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			result = "rejected"
		}
		p.metrics.Published.WithLabelValues(op, result).Inc()
		return fmt.Errorf("publish %s event to %s: %w", op, p.queue.Name(), err)
	}

	p.metrics.Published.WithLabelValues(op, "ok").Inc()
	return nil
}

// State exposes the breaker state for readiness checks.
func (p *Publisher) State() gobreaker.State {
	return p.cb.State()
}
