package domain

import "time"

// EventKind names a notification emitted to collaborators.
type EventKind string

const (
	// Session engine.
	KindSessionStarted   EventKind = "session_started"
	KindSessionPaused    EventKind = "session_paused"
	KindSessionResumed   EventKind = "session_resumed"
	KindSessionStopped   EventKind = "session_stopped"
	KindSessionCompleted EventKind = "session_completed"
	KindSessionError     EventKind = "session_error"
	KindStepStarted      EventKind = "step_started"
	KindStepCompleted    EventKind = "step_completed"
	KindProgressUpdated  EventKind = "progress_updated"
	KindStatusUpdated    EventKind = "status_updated"
	KindSessionRecorded  EventKind = "session_recorded"
	KindRealtimeData     EventKind = "realtime_data"

	// Safety monitor.
	KindSafetyEventLogged      EventKind = "safety_event_logged"
	KindSafetyViolation        EventKind = "safety_violation"
	KindEmergencyStopTriggered EventKind = "emergency_stop_triggered"
	KindSafetyStatusChanged    EventKind = "safety_status_changed"
	KindMonitoringChanged      EventKind = "monitoring_changed"

	// Device link.
	KindDeviceStateChanged EventKind = "device_state_changed"
)

// Event is the single payload type carried by the event bus.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Time      time.Time      `json:"time"`
	SessionID string         `json:"session_id,omitempty"`
	StepIndex int            `json:"step_index,omitempty"`
	Step      *StepSpec      `json:"step,omitempty"`
	Progress  int            `json:"progress,omitempty"`
	Message   string         `json:"message,omitempty"`
	Level     SafetyLevel    `json:"level,omitempty"`
	RuleID    string         `json:"rule_id,omitempty"`
	State     string         `json:"state,omitempty"`
	Safety    *SafetyEvent   `json:"safety,omitempty"`
	Record    *SessionRecord `json:"record,omitempty"`
	Realtime  *RealtimeData  `json:"realtime,omitempty"`
}

// RealtimeData is published on every monitor tick while a session runs
// unpaused. Biofeedback values are passed through without interpretation.
type RealtimeData struct {
	Device      DeviceStatus       `json:"device"`
	Status      SessionStatus      `json:"session_status"`
	StepIndex   int                `json:"step_index"`
	TotalSteps  int                `json:"total_steps"`
	Progress    int                `json:"progress"`
	Elapsed     time.Duration      `json:"elapsed"`
	Step        *StepSpec          `json:"step,omitempty"`
	Biofeedback map[string]float64 `json:"biofeedback,omitempty"`
}
