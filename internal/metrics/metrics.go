package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CheckoutRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_requests_total",
		Help: "Checkout requests handled by the coordinator, by result.",
	}, []string{"result"})

	NotificationsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_consumed_total",
		Help: "Checkout notifications processed by the order consumer, by outcome.",
	}, []string{"outcome"})

	PersistenceRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "persistence_retries_total",
		Help: "Retried order store writes.",
	})

	BootstrapAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bootstrap_attempts_total",
		Help: "Startup initialization attempts, by component and result.",
	}, []string{"component", "result"})

	PublishDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "publish_duration_seconds",
		Help:    "Time spent waiting for the bus to confirm a publish.",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
