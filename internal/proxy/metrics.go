package proxy

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Response modes, used as metric labels and log fields.
const (
	modeHTML     = "html"
	modeCSS      = "css"
	modeScript   = "script"
	modeStream   = "stream"
	modeRedirect = "redirect"
	modeError    = "error"
)

// Tunnel outcomes.
const (
	tunnelRejected = "rejected"
	tunnelFailed   = "failed"
	tunnelRefused  = "refused"
	tunnelClosed   = "closed"
)

// metrics holds the proxy's prometheus collectors. Each Proxy owns its registry so several instances can
// coexist in one process.
type metrics struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	upstreamDuration prometheus.Histogram
	tunnels          *prometheus.CounterVec
	tunnelsActive    prometheus.Gauge
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &metrics{
		registry: registry,
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uaproxy_requests_total",
				Help: "Proxied HTTP requests by response mode",
			},
			[]string{"mode"},
		),
		upstreamDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "uaproxy_upstream_duration_seconds",
				Help:    "Time until upstream response headers arrived",
				Buckets: prometheus.DefBuckets,
			},
		),
		tunnels: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uaproxy_tunnels_total",
				Help: "Websocket tunnels by outcome",
			},
			[]string{"result"},
		),
		tunnelsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "uaproxy_tunnels_active",
				Help: "Websocket tunnels currently piping",
			},
		),
	}
}

// MetricsHandler serves the proxy's metrics in the prometheus exposition format.
func (proxy *Proxy) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(proxy.metrics.registry, promhttp.HandlerOpts{})
}
