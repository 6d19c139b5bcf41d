package infra

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eliteGoblin/hs3guard/internal/domain"
)

// PromMetrics turns bus events into Prometheus series. Observe is a bus
// handler.
type PromMetrics struct {
	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	stepsCompleted   prometheus.Counter
	stepDuration     prometheus.Histogram
	sessionProgress  prometheus.Gauge
	safetyEvents     *prometheus.CounterVec
	violations       *prometheus.CounterVec
	emergencyStops   prometheus.Counter
	safetyLevel      prometheus.Gauge
	monitoring       prometheus.Gauge
	deviceConnected  prometheus.Gauge
	generating       prometheus.Gauge
	eventsDropped    prometheus.Counter
}

// NewPromMetrics creates and registers every series on reg.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	m := &PromMetrics{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hs3guard_sessions_started_total",
			Help: "Sessions started.",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hs3guard_sessions_finished_total",
			Help: "Sessions finished, by recorded status.",
		}, []string{"status"}),
		stepsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hs3guard_steps_completed_total",
			Help: "Steps that ran to the end of their duration.",
		}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hs3guard_step_duration_seconds",
			Help:    "Planned duration of started steps.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		sessionProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hs3guard_session_progress_percent",
			Help: "Progress of the active session.",
		}),
		safetyEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hs3guard_safety_events_total",
			Help: "Safety events logged, by level.",
		}, []string{"level"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hs3guard_safety_violations_total",
			Help: "Rule violations reported by the monitor, by rule.",
		}, []string{"rule"}),
		emergencyStops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hs3guard_emergency_stops_total",
			Help: "Emergency shutdowns executed.",
		}),
		safetyLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hs3guard_safety_level",
			Help: "Current safety level (0 safe, 1 warning, 2 danger, 3 critical).",
		}),
		monitoring: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hs3guard_monitoring",
			Help: "1 while the safety monitor is armed.",
		}),
		deviceConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hs3guard_device_connected",
			Help: "1 while the generator link is usable.",
		}),
		generating: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hs3guard_device_generating",
			Help: "1 while the generator output is on.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hs3guard_forwarder_dropped_total",
			Help: "Events dropped on a full forwarder queue.",
		}),
	}
	reg.MustRegister(
		m.sessionsStarted, m.sessionsFinished, m.stepsCompleted, m.stepDuration,
		m.sessionProgress, m.safetyEvents, m.violations, m.emergencyStops,
		m.safetyLevel, m.monitoring, m.deviceConnected, m.generating, m.eventsDropped,
	)
	return m
}

// Observe updates the series for one event.
func (m *PromMetrics) Observe(ev domain.Event) {
	switch ev.Kind {
	case domain.KindSessionStarted:
		m.sessionsStarted.Inc()
		m.sessionProgress.Set(0)
	case domain.KindStepStarted:
		if ev.Step != nil {
			m.stepDuration.Observe(float64(ev.Step.DurationSeconds))
		}
	case domain.KindStepCompleted:
		m.stepsCompleted.Inc()
	case domain.KindProgressUpdated:
		m.sessionProgress.Set(float64(ev.Progress))
	case domain.KindSessionRecorded:
		if ev.Record != nil {
			m.sessionsFinished.WithLabelValues(string(ev.Record.Status)).Inc()
		}
	case domain.KindSafetyEventLogged:
		level := ev.Level
		if ev.Safety != nil {
			level = ev.Safety.Level
		}
		m.safetyEvents.WithLabelValues(level.String()).Inc()
	case domain.KindSafetyViolation:
		m.violations.WithLabelValues(ev.RuleID).Inc()
	case domain.KindEmergencyStopTriggered:
		m.emergencyStops.Inc()
	case domain.KindSafetyStatusChanged:
		m.safetyLevel.Set(float64(ev.Level))
	case domain.KindMonitoringChanged:
		m.monitoring.Set(boolGauge(ev.State == "started"))
	case domain.KindDeviceStateChanged:
		st := domain.ConnectionState(ev.State)
		m.deviceConnected.Set(boolGauge(st == domain.StateConnected || st == domain.StateGenerating))
		m.generating.Set(boolGauge(st == domain.StateGenerating))
	}
}

// IncDropped counts an event the forwarder could not queue.
func (m *PromMetrics) IncDropped() {
	m.eventsDropped.Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
