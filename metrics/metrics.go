// Package metrics wraps the Prometheus instrumentation for the tracking
// and subscription engines behind a single collector with its own registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the metric vectors shared by the engines and the HTTP
// layer. It registers everything on a private registry so tests can create
// collectors freely.
type Collector struct {
	registry *prometheus.Registry

	DeliveriesCreated prometheus.Counter
	DeliveriesExpired prometheus.Counter
	StatusUpdates     *prometheus.CounterVec
	NotificationsSent *prometheus.CounterVec
	RenewalReminders  prometheus.Counter
	TrackingWatches   prometheus.Gauge
	HTTPRequestsTotal *prometheus.CounterVec
}

// NewCollector creates a Collector with its own Prometheus registry.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		DeliveriesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_created_total",
			Help:      "Total number of delivery-status records created",
		}),
		DeliveriesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_expired_total",
			Help:      "Total number of delivery-status records removed by the expiry sweep",
		}),
		StatusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_updates_total",
			Help:      "Total number of delivery status updates by new status",
		}, []string{"status"}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of notification sends by template and outcome",
		}, []string{"template", "outcome"}),
		RenewalReminders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewal_reminders_total",
			Help:      "Total number of renewal reminders sent",
		}),
		TrackingWatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracking_watches",
			Help:      "Number of live tracking watch subscriptions",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by route and status code",
		}, []string{"route", "code"}),
	}

	reg.MustRegister(
		c.DeliveriesCreated,
		c.DeliveriesExpired,
		c.StatusUpdates,
		c.NotificationsSent,
		c.RenewalReminders,
		c.TrackingWatches,
		c.HTTPRequestsTotal,
	)
	return c
}

// Handler returns an HTTP handler exposing the registry in the Prometheus
// text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
