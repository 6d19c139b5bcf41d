package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/hs3guard/internal/domain"
	"github.com/eliteGoblin/hs3guard/internal/policy"
	"github.com/eliteGoblin/hs3guard/internal/usecase"
	"github.com/eliteGoblin/hs3guard/test/fixtures"
)

type directCaller struct {
	calls int
	err   error
}

func (c *directCaller) Call(_ context.Context, fn func() error) error {
	c.calls++
	if c.err != nil {
		return c.err
	}
	return fn()
}

type mockEngine struct {
	report    usecase.SessionReport
	pauseErr  error
	resumeErr error
	stopped   bool
	reason    string
	ack       bool
}

func (m *mockEngine) Status() usecase.SessionReport { return m.report }
func (m *mockEngine) Pause() error                  { return m.pauseErr }
func (m *mockEngine) Resume() error                 { return m.resumeErr }
func (m *mockEngine) Stop() {
	m.stopped = true
	m.report.Active = false
}
func (m *mockEngine) EmergencyStop(reason string) bool {
	m.reason = reason
	return m.ack
}

type mockMonitor struct {
	status usecase.SafetyStatus
	log    *usecase.EventLog
}

func (m *mockMonitor) Status() usecase.SafetyStatus { return m.status }
func (m *mockMonitor) Events() *usecase.EventLog    { return m.log }

type mockDevice struct {
	status domain.DeviceStatus
}

func (m *mockDevice) Status() domain.DeviceStatus { return m.status }

type testServer struct {
	caller  *directCaller
	engine  *mockEngine
	monitor *mockMonitor
	device  *mockDevice
	store   *fixtures.MemoryStore
	server  *Server
	handler http.Handler
}

func newTestServer(t *testing.T, withStore bool) *testServer {
	t.Helper()
	ts := &testServer{
		caller:  &directCaller{},
		engine:  &mockEngine{ack: true},
		monitor: &mockMonitor{log: usecase.NewEventLog(0, nil, nil), status: usecase.SafetyStatus{Monitoring: true, Level: "safe"}},
		device:  &mockDevice{status: domain.DeviceStatus{State: domain.StateConnected, Connected: true}},
	}
	deps := Deps{
		Loop:      ts.caller,
		Engine:    ts.engine,
		Monitor:   ts.monitor,
		Device:    ts.device,
		Validator: policy.NewValidator(policy.DefaultLimits()),
		Gatherer:  prometheus.NewRegistry(),
	}
	if withStore {
		ts.store = fixtures.NewMemoryStore()
		deps.Store = ts.store
		deps.Events = ts.store
	}
	ts.server = NewServer(":0", deps, nil)
	ts.handler = ts.server.Router()
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Status(t *testing.T) {
	ts := newTestServer(t, false)
	ts.engine.report = usecase.SessionReport{Active: true, SessionID: "s-1", CurrentStep: 2, TotalSteps: 4}

	rec := ts.do(http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Device.Connected)
	assert.Equal(t, "s-1", resp.Session.SessionID)
	assert.Equal(t, "safe", resp.Safety)
	assert.Equal(t, 1, ts.caller.calls)
}

func TestServer_StatusLoopStopped(t *testing.T) {
	ts := newTestServer(t, false)
	ts.caller.err = context.DeadlineExceeded

	rec := ts.do(http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Limits(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(http.MethodGet, "/limits", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	l := policy.DefaultLimits()
	assert.Equal(t, l.MaxAmplitude, body["amplitude"]["max"])
	assert.Equal(t, l.MaxFrequency, body["frequency"]["max"])
}

func TestServer_Safety(t *testing.T) {
	ts := newTestServer(t, false)
	ts.monitor.status.ActiveWarnings = []string{"host_resources"}

	rec := ts.do(http.MethodGet, "/safety", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st usecase.SafetyStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Monitoring)
	assert.Equal(t, []string{"host_resources"}, st.ActiveWarnings)
}

func TestServer_SafetyEvents(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("memory log", func(t *testing.T) {
		ts := newTestServer(t, false)
		for i := 0; i < 3; i++ {
			ts.monitor.log.Append(domain.SafetyEvent{
				Timestamp: base.Add(time.Duration(i) * time.Minute),
				Type:      domain.EventUserIntervention,
				Message:   "event",
			})
		}

		rec := ts.do(http.MethodGet, "/safety/events?limit=2", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var out []domain.SafetyEvent
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		require.Len(t, out, 2)
		assert.Equal(t, base.Add(2*time.Minute), out[1].Timestamp.UTC())
	})

	t.Run("store", func(t *testing.T) {
		ts := newTestServer(t, true)
		require.NoError(t, ts.store.AppendSafetyEvent(context.Background(), domain.SafetyEvent{
			Timestamp: base, Type: domain.EventEmergencyStop, Level: domain.LevelCritical, Message: "stop",
		}))

		rec := ts.do(http.MethodGet, "/safety/events?since="+base.Add(-time.Hour).Format(time.RFC3339), "")
		require.Equal(t, http.StatusOK, rec.Code)
		var out []domain.SafetyEvent
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		require.Len(t, out, 1)
		assert.Equal(t, domain.EventEmergencyStop, out[0].Type)
	})

	t.Run("empty is an array", func(t *testing.T) {
		ts := newTestServer(t, false)
		rec := ts.do(http.MethodGet, "/safety/events", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})

	tests := []struct {
		name  string
		query string
	}{
		{"bad limit", "?limit=abc"},
		{"zero limit", "?limit=0"},
		{"bad since", "?since=yesterday"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, false)
			rec := ts.do(http.MethodGet, "/safety/events"+tt.query, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestServer_Sessions(t *testing.T) {
	t.Run("without store", func(t *testing.T) {
		ts := newTestServer(t, false)
		rec := ts.do(http.MethodGet, "/sessions", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("filters by patient", func(t *testing.T) {
		ts := newTestServer(t, true)
		ctx := context.Background()
		now := time.Now()
		require.NoError(t, ts.store.SaveSessionRecord(ctx, domain.SessionRecord{SessionID: "a", PatientID: "p1", StartTime: now}))
		require.NoError(t, ts.store.SaveSessionRecord(ctx, domain.SessionRecord{SessionID: "b", PatientID: "p2", StartTime: now}))

		rec := ts.do(http.MethodGet, "/sessions?patient=p2", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var out []domain.SessionRecord
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		require.Len(t, out, 1)
		assert.Equal(t, "b", out[0].SessionID)
	})
}

func TestServer_SessionActions(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		setup    func(e *mockEngine)
		wantCode int
		verify   func(t *testing.T, e *mockEngine)
	}{
		{
			name:     "pause",
			path:     "/session/pause",
			setup:    func(e *mockEngine) { e.report.Active = true },
			wantCode: http.StatusOK,
		},
		{
			name:     "pause without session",
			path:     "/session/pause",
			setup:    func(e *mockEngine) { e.pauseErr = domain.ErrNoActiveSession },
			wantCode: http.StatusNotFound,
		},
		{
			name:     "resume not paused",
			path:     "/session/resume",
			setup:    func(e *mockEngine) { e.resumeErr = domain.ErrNotPaused },
			wantCode: http.StatusConflict,
		},
		{
			name:     "resume device gone",
			path:     "/session/resume",
			setup:    func(e *mockEngine) { e.resumeErr = domain.ErrDeviceNotReady },
			wantCode: http.StatusConflict,
		},
		{
			name:     "stop",
			path:     "/session/stop",
			setup:    func(e *mockEngine) { e.report.Active = true },
			wantCode: http.StatusOK,
			verify: func(t *testing.T, e *mockEngine) {
				assert.True(t, e.stopped)
			},
		},
		{
			name:     "stop without session",
			path:     "/session/stop",
			setup:    func(e *mockEngine) {},
			wantCode: http.StatusNotFound,
			verify: func(t *testing.T, e *mockEngine) {
				assert.False(t, e.stopped)
			},
		},
		{
			name:     "unknown action",
			path:     "/session/rewind",
			setup:    func(e *mockEngine) {},
			wantCode: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, false)
			tt.setup(ts.engine)
			rec := ts.do(http.MethodPost, tt.path, "")
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.verify != nil {
				tt.verify(t, ts.engine)
			}
		})
	}
}

func TestServer_SessionActionsRequirePost(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(http.MethodGet, "/session/stop", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_EmergencyStop(t *testing.T) {
	t.Run("acknowledged with reason", func(t *testing.T) {
		ts := newTestServer(t, false)
		rec := ts.do(http.MethodPost, "/session/emergency-stop", `{"reason":"patient discomfort"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"acknowledged":true}`, rec.Body.String())
		assert.Equal(t, "patient discomfort", ts.engine.reason)
	})

	t.Run("empty body", func(t *testing.T) {
		ts := newTestServer(t, false)
		rec := ts.do(http.MethodPost, "/session/emergency-stop", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, ts.engine.reason)
	})

	t.Run("device did not acknowledge", func(t *testing.T) {
		ts := newTestServer(t, false)
		ts.engine.ack = false
		rec := ts.do(http.MethodPost, "/session/emergency-stop", "")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.JSONEq(t, `{"acknowledged":false}`, rec.Body.String())
	})

	t.Run("bad body", func(t *testing.T) {
		ts := newTestServer(t, false)
		rec := ts.do(http.MethodPost, "/session/emergency-stop", `{reason`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, 0, ts.caller.calls)
	})
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

type panickingEngine struct{ mockEngine }

func (panickingEngine) Status() usecase.SessionReport { panic("engine state corrupted") }

func TestServer_HandlerRecoversPanics(t *testing.T) {
	ts := newTestServer(t, false)
	deps := ts.server.deps
	deps.Engine = &panickingEngine{}
	handler := NewServer(":0", deps, nil).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
