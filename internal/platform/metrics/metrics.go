package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	OrdersInitiated   *prometheus.CounterVec
	CollectPolls      prometheus.Counter
	OrdersResolved    *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	ActivePollers     prometheus.Gauge
	RequestDuration   *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		OrdersInitiated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankid_gateway_orders_initiated_total",
			Help: "BankID orders created, labelled by operation (auth or sign).",
		}, []string{"operation"}),
		CollectPolls: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bankid_gateway_collect_polls_total",
			Help: "Collect calls made against the BankID RP API.",
		}),
		OrdersResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankid_gateway_orders_resolved_total",
			Help: "Orders that reached a terminal state, labelled by outcome.",
		}, []string{"outcome"}),
		WebhookDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankid_gateway_webhook_deliveries_total",
			Help: "Webhook delivery attempts, labelled by result (ok or failed).",
		}, []string{"result"}),
		ActivePollers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bankid_gateway_active_pollers",
			Help: "Background polling loops currently running.",
		}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bankid_gateway_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Metrics) IncOrdersInitiated(operation string) {
	if m == nil {
		return
	}
	m.OrdersInitiated.WithLabelValues(operation).Inc()
}

func (m *Metrics) IncCollectPolls() {
	if m == nil {
		return
	}
	m.CollectPolls.Inc()
}

func (m *Metrics) IncOrdersResolved(outcome string) {
	if m == nil {
		return
	}
	m.OrdersResolved.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncWebhookDelivery(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.WebhookDeliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRequestDuration(route string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

func (m *Metrics) PollerStarted() {
	if m == nil {
		return
	}
	m.ActivePollers.Inc()
}

func (m *Metrics) PollerStopped() {
	if m == nil {
		return
	}
	m.ActivePollers.Dec()
}
