package stromer

import "github.com/prometheus/client_golang/prometheus"

var (
	pollCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stromer_poll_cycles_total",
		Help: "Poll cycles by result (success, partial, failure, auth_failure)",
	}, []string{"result"})
	fetchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stromer_fetch_failures_total",
		Help: "Failed sub-fetches by endpoint",
	}, []string{"endpoint"})
	retryCountGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stromer_poll_retry_count",
		Help: "Consecutive failed poll cycles",
	}, []string{"bike_id"})
	availableGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stromer_bike_available",
		Help: "Bike availability (1=available, 0=unavailable)",
	}, []string{"bike_id"})
	activeGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stromer_bike_active",
		Help: "Bike in use (1=active polling cadence, 0=idle)",
	}, []string{"bike_id"})
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stromer_events_total",
		Help: "Edge-triggered events raised",
	}, []string{"event"})
	commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stromer_commands_total",
		Help: "Bike commands by result",
	}, []string{"command", "result"})
	batteryGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stromer_battery_percent",
		Help: "Battery state of charge",
	}, []string{"bike_id"})
	batteryHealthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stromer_battery_health_percent",
		Help: "Battery health",
	}, []string{"bike_id"})
	tripDistanceGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stromer_trip_distance_km",
		Help: "Trip distance since the last reset",
	}, []string{"bike_id"})
)

func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		pollCycles,
		fetchFailures,
		retryCountGauge,
		availableGauge,
		activeGauge,
		eventsTotal,
		commandsTotal,
		batteryGauge,
		batteryHealthGauge,
		tripDistanceGauge,
	}
}

func recordSnapshot(bikeID string, s Snapshot) {
	if v, ok := s.Float(Battery); ok {
		batteryGauge.WithLabelValues(bikeID).Set(v)
	}
	if v, ok := s.Float(BatteryHealth); ok {
		batteryHealthGauge.WithLabelValues(bikeID).Set(v)
	}
	if v, ok := s.Float(TripDistance); ok {
		tripDistanceGauge.WithLabelValues(bikeID).Set(v)
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
