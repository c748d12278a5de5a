package metrics

import "github.com/prometheus/client_golang/prometheus"

type WebhookMetrics struct {
	Messages *prometheus.CounterVec
}

func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	m := &WebhookMetrics{
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "messages_total",
			Help:      "Webhook deliveries by message type and result.",
		}, []string{"type", "result"}),
	}

	reg.MustRegister(m.Messages)
	return m
}
