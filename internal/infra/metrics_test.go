package infra

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/eliteGoblin/hs3guard/internal/domain"
)

func TestPromMetrics_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPromMetrics(reg)

	step := domain.StepSpec{Frequency: 10, Amplitude: 1, DurationSeconds: 5}
	for _, ev := range []domain.Event{
		{Kind: domain.KindDeviceStateChanged, State: string(domain.StateConnected)},
		{Kind: domain.KindMonitoringChanged, State: "started"},
		{Kind: domain.KindSessionStarted},
		{Kind: domain.KindStepStarted, Step: &step},
		{Kind: domain.KindDeviceStateChanged, State: string(domain.StateGenerating)},
		{Kind: domain.KindStepCompleted},
		{Kind: domain.KindProgressUpdated, Progress: 50},
		{Kind: domain.KindSafetyEventLogged, Safety: &domain.SafetyEvent{Level: domain.LevelWarning}},
		{Kind: domain.KindSafetyViolation, RuleID: "host_resources"},
		{Kind: domain.KindSafetyStatusChanged, Level: domain.LevelCritical},
		{Kind: domain.KindEmergencyStopTriggered},
		{Kind: domain.KindSessionRecorded, Record: &domain.SessionRecord{Status: domain.RecordEmergencyStopped}},
		{Kind: domain.KindMonitoringChanged, State: "stopped"},
		{Kind: domain.KindDeviceStateChanged, State: string(domain.StateDisconnected)},
	} {
		m.Observe(ev)
	}
	m.IncDropped()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsCompleted))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.sessionProgress))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.safetyEvents.WithLabelValues("warning")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.violations.WithLabelValues("host_resources")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.emergencyStops))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.safetyLevel))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsFinished.WithLabelValues("emergency_stopped")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.monitoring))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.deviceConnected))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.generating))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDropped))
	assert.Equal(t, 1, testutil.CollectAndCount(m.stepDuration))
}

func TestPromMetrics_DeviceGauges(t *testing.T) {
	m := NewPromMetrics(prometheus.NewRegistry())

	m.Observe(domain.Event{Kind: domain.KindDeviceStateChanged, State: string(domain.StateGenerating)})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deviceConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.generating))

	m.Observe(domain.Event{Kind: domain.KindDeviceStateChanged, State: string(domain.StateError)})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.deviceConnected))
}

func TestPromMetrics_DoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPromMetrics(reg)
	assert.Panics(t, func() { NewPromMetrics(reg) })
}
