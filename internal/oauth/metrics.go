package oauth

import "github.com/prometheus/client_golang/prometheus"

var (
	loginTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stromer_oauth_login_total",
			Help: "Login attempts by result",
		},
		[]string{"generation", "result"},
	)
	refreshSuccess = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stromer_oauth_refresh_success_total",
			Help: "Successful token refreshes",
		},
		[]string{"generation"},
	)
	refreshFailure = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stromer_oauth_refresh_failure_total",
			Help: "Failed token refreshes",
		},
		[]string{"generation", "kind"},
	)
	tokenValid = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stromer_oauth_token_valid",
			Help: "Access token held (1=valid, 0=invalid)",
		},
		[]string{"generation"},
	)
	remotePersistOK = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stromer_oauth_remote_persist_ok",
			Help: "Remote blob persistence health (1=ok, 0=error)",
		},
	)
)

// MetricsCollectors returns collectors for the OAuth module.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		loginTotal,
		refreshSuccess,
		refreshFailure,
		tokenValid,
		remotePersistOK,
	}
}
