package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sync directions.
const (
	DirectionPush    = "push"
	DirectionPull    = "pull"
	DirectionReceive = "receive"
	DirectionHealth  = "health"
)

var (
	syncAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wafportal_sync_attempts_total",
		Help: "Total number of cluster sync attempts by direction and terminal status",
	}, []string{"direction", "status"})
	syncDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wafportal_sync_duration_seconds",
		Help:    "Duration of cluster sync attempts",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"direction"})
	slavesOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wafportal_slaves_online",
		Help: "Number of registered slave nodes currently online",
	})
	proxyReloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wafportal_proxy_reloads_total",
		Help: "Total number of nginx reload attempts by result",
	}, []string{"result"})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(syncAttemptsTotal, syncDurationSeconds, slavesOnline, proxyReloadsTotal)
}

// ObserveSync records one finished sync attempt.
func ObserveSync(direction, status string, d time.Duration) {
	syncAttemptsTotal.WithLabelValues(direction, status).Inc()
	syncDurationSeconds.WithLabelValues(direction).Observe(d.Seconds())
}

// SetSlavesOnline sets the online slave gauge.
func SetSlavesOnline(n int64) { slavesOnline.Set(float64(n)) }

// IncProxyReload counts an nginx reload attempt.
func IncProxyReload(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	proxyReloadsTotal.WithLabelValues(result).Inc()
}
