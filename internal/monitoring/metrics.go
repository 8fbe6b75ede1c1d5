package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Link and session metrics. They register with the default registry, which
// the CLI exposes through promhttp.
var (
	LinkCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opcn2_link_commands_total",
		Help: "Commands exchanged with the device, by final result.",
	}, []string{"command", "result"})

	LinkRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opcn2_link_retries_total",
		Help: "Commands re-sent because the device reported busy.",
	}, []string{"command"})

	LinkExchangeSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opcn2_link_exchange_seconds",
		Help:    "Time from first write to verified response, including retries.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"command"})

	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opcn2_session_state",
		Help: "Current device state (0 powered off, 1 idle, 2 fan on, 3 laser on, 4 sampling).",
	})

	HistogramReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opcn2_histogram_reads_total",
		Help: "Histogram reads, by result.",
	}, []string{"result"})
)
