package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"paircall/internal/core/domain"
	"paircall/internal/core/ports"
)

type PrometheusCollector struct {
	// Counters
	callsTotal           *prometheus.CounterVec
	callsEndedTotal      *prometheus.CounterVec
	callsFailedTotal     *prometheus.CounterVec
	ringsTotal           prometheus.Counter
	signalingWritesTotal *prometheus.CounterVec

	// Gauges
	callsActive prometheus.Gauge

	// Histograms
	callSetupDuration prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		callsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paircall_calls_total",
			Help: "Total number of calls started, by handshake role",
		}, []string{"role"}),

		callsEndedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paircall_calls_ended_total",
			Help: "Total number of calls reaching a terminal state",
		}, []string{"state"}),

		callsFailedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paircall_calls_failed_total",
			Help: "Total number of failed calls, by failure reason",
		}, []string{"reason"}),

		ringsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "paircall_rings_total",
			Help: "Total number of incoming call notifications raised",
		}),

		signalingWritesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paircall_signaling_writes_total",
			Help: "Total number of signaling record writes, by operation and outcome",
		}, []string{"op", "outcome"}),

		callsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "paircall_calls_active",
			Help: "Number of calls currently in a non-terminal state",
		}),

		callSetupDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "paircall_call_setup_duration_seconds",
			Help:    "Time from call start to connected media",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
}

var _ ports.CallMetrics = (*PrometheusCollector)(nil)

func (pc *PrometheusCollector) RecordCallStarted(role domain.Role) {
	pc.callsTotal.WithLabelValues(role.String()).Inc()
	pc.callsActive.Inc()
}

func (pc *PrometheusCollector) RecordCallConnected(role domain.Role, setupSeconds float64) {
	pc.callSetupDuration.Observe(setupSeconds)
}

func (pc *PrometheusCollector) RecordCallEnded(state domain.CallState) {
	pc.callsEndedTotal.WithLabelValues(state.String()).Inc()
	pc.callsActive.Dec()
}

func (pc *PrometheusCollector) RecordCallFailed(reason string) {
	pc.callsFailedTotal.WithLabelValues(reason).Inc()
}

func (pc *PrometheusCollector) RecordRing() {
	pc.ringsTotal.Inc()
}

func (pc *PrometheusCollector) RecordSignalingWrite(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	pc.signalingWritesTotal.WithLabelValues(op, outcome).Inc()
}
