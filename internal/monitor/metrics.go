package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/i474232898/humidor-monitor/internal/alert"
	"github.com/i474232898/humidor-monitor/internal/sensor"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "humidor_cycles_total",
		Help: "Refresh cycles by outcome",
	}, []string{"outcome"})

	sourceFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "humidor_source_fetch_total",
		Help: "Per-sensor fetches by result",
	}, []string{"sensor", "result"})

	consecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "humidor_consecutive_failures",
		Help: "Consecutive refresh cycles with at least one failed source",
	})

	alertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "humidor_alerts_total",
		Help: "Threshold breaches by kind",
	}, []string{"kind"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "humidor_cycle_duration_seconds",
		Help:    "Refresh cycle duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	})
)

// outcomeAbandoned is the outcome label of a cycle whose context ended early.
const outcomeAbandoned = "abandoned"

func observeCycle(c sensor.Cycle, outcome string) {
	cyclesTotal.WithLabelValues(outcome).Inc()
	cycleDuration.Observe(c.FinishedAt.Sub(c.StartedAt).Seconds())
	for _, res := range c.Results {
		result := "ok"
		switch {
		case res.Skipped:
			result = "skipped"
		case !res.OK():
			result = string(res.Kind())
		}
		sourceFetchTotal.WithLabelValues(res.SensorID, result).Inc()
	}
}

func observeAlerts(batch []alert.Alert) {
	for _, a := range batch {
		alertsTotal.WithLabelValues(string(a.Kind)).Inc()
	}
}

// SetConsecutiveFailures exports the scheduler's failure counter.
func SetConsecutiveFailures(n int) {
	consecutiveFailures.Set(float64(n))
}
