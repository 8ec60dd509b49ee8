package rate

import "github.com/prometheus/client_golang/prometheus"

var (
	remainingGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stromer_rate_limit_remaining",
			Help: "Remaining vendor API requests in the rate-limit window",
		},
		[]string{"api", "window"},
	)
	retryAfterGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stromer_rate_limit_retry_after_seconds",
			Help: "Cooldown requested by the vendor API",
		},
		[]string{"api"},
	)
	lastStatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stromer_rate_limit_last_status_code",
			Help: "Last HTTP status code returned by the vendor API",
		},
		[]string{"api"},
	)
	blockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stromer_rate_limit_blocked_total",
			Help: "Requests refused locally by the rate-limit guard",
		},
		[]string{"api", "reason"},
	)
)

func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		remainingGauge,
		retryAfterGauge,
		lastStatusGauge,
		blockedTotal,
	}
}
