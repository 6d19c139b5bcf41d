// Package domain contains core entities and interfaces of the HS3 controller.
// This is the innermost layer - no dependencies on the other internal packages.
package domain

import "time"

// ParameterSet is one waveform configuration pushed to the generator.
type ParameterSet struct {
	Frequency float64 `json:"frequency_hz" yaml:"frequency_hz"`
	Amplitude float64 `json:"amplitude_v" yaml:"amplitude_v"`
	Offset    float64 `json:"offset_v" yaml:"offset_v"`
}

// TotalVoltage is the peak output the set can produce (amplitude + |offset|).
func (p ParameterSet) TotalVoltage() float64 {
	off := p.Offset
	if off < 0 {
		off = -off
	}
	return p.Amplitude + off
}

// StepSpec is one timed segment of a session. It is a value type: once a
// plan accepted it, nothing can change the copy the plan holds.
type StepSpec struct {
	Frequency       float64 `json:"frequency_hz" yaml:"frequency_hz"`
	Amplitude       float64 `json:"amplitude_v" yaml:"amplitude_v"`
	Offset          float64 `json:"offset_v" yaml:"offset_v"`
	DurationSeconds int     `json:"duration_s" yaml:"duration_s"`
	Description     string  `json:"description,omitempty" yaml:"description,omitempty"`
}

// Parameters returns the waveform part of the step.
func (s StepSpec) Parameters() ParameterSet {
	return ParameterSet{Frequency: s.Frequency, Amplitude: s.Amplitude, Offset: s.Offset}
}

// Duration returns the step duration as a time.Duration.
func (s StepSpec) Duration() time.Duration {
	return time.Duration(s.DurationSeconds) * time.Second
}

// SessionStatus is the lifecycle status of a running plan.
type SessionStatus string

const (
	SessionCreated          SessionStatus = "created"
	SessionRunning          SessionStatus = "running"
	SessionPaused           SessionStatus = "paused"
	SessionCompleted        SessionStatus = "completed"
	SessionError            SessionStatus = "error"
	SessionEmergencyStopped SessionStatus = "emergency_stopped"
)

// IsTerminal reports whether no further transition is possible.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionError || s == SessionEmergencyStopped
}

// SessionState is the mutable progress of one plan execution.
// Owned exclusively by the session engine.
type SessionState struct {
	SessionID   string
	PlanID      string
	CurrentStep int
	TotalSteps  int
	Status      SessionStatus
	StartedAt   time.Time
	StepStarted time.Time
}

// ConnectionState is the state of the device link.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateGenerating   ConnectionState = "generating"
	StateError        ConnectionState = "error"
)

// DeviceInfo describes the generator a link is attached to.
type DeviceInfo struct {
	Identification string    `json:"identification"`
	Port           string    `json:"port"`
	Method         string    `json:"method"`
	VendorID       string    `json:"vendor_id,omitempty"`
	ProductID      string    `json:"product_id,omitempty"`
	SerialNumber   string    `json:"serial_number,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
}

// DeviceDescriptor is a discovery result, not yet connected.
type DeviceDescriptor struct {
	Port         string `json:"port"`
	Method       string `json:"method"` // "usb" or "serial"
	VendorID     string `json:"vendor_id,omitempty"`
	ProductID    string `json:"product_id,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
	Response     string `json:"response,omitempty"` // identification reply for serial probes
}

// DeviceStatus is a point-in-time view of the link.
type DeviceStatus struct {
	State      ConnectionState `json:"state"`
	Connected  bool            `json:"connected"`
	Generating bool            `json:"generating"`
	Info       *DeviceInfo     `json:"info,omitempty"`
	Applied    ParameterSet    `json:"applied"`
	Raw        string          `json:"raw,omitempty"`
	Warning    string          `json:"warning,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
}

// SafetyLevel orders the severity of safety events. Higher is worse.
type SafetyLevel int

const (
	LevelSafe SafetyLevel = iota
	LevelWarning
	LevelDanger
	LevelCritical
)

func (l SafetyLevel) String() string {
	switch l {
	case LevelSafe:
		return "safe"
	case LevelWarning:
		return "warning"
	case LevelDanger:
		return "danger"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSafetyLevel is the inverse of SafetyLevel.String.
func ParseSafetyLevel(s string) (SafetyLevel, bool) {
	switch s {
	case "safe":
		return LevelSafe, true
	case "warning":
		return LevelWarning, true
	case "danger":
		return LevelDanger, true
	case "critical":
		return LevelCritical, true
	}
	return LevelSafe, false
}

// SafetyEventType categorizes a safety event.
type SafetyEventType string

const (
	EventParameterLimit   SafetyEventType = "parameter_limit"
	EventHardwareError    SafetyEventType = "hardware_error"
	EventConnectionLost   SafetyEventType = "connection_lost"
	EventUserIntervention SafetyEventType = "user_intervention"
	EventSystemError      SafetyEventType = "system_error"
	EventEmergencyStop    SafetyEventType = "emergency_stop"
)

// SafetyEvent is one audit entry of the safety monitor.
type SafetyEvent struct {
	Timestamp  time.Time         `json:"timestamp"`
	Type       SafetyEventType   `json:"type"`
	Level      SafetyLevel       `json:"level"`
	Message    string            `json:"message"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// HostStats is a sample of the machine running the controller.
type HostStats struct {
	Available            bool     `json:"available"`
	MemoryUsedPercent    float64  `json:"memory_used_percent"`
	Load1                float64  `json:"load1"`
	ConflictingProcesses []string `json:"conflicting_processes,omitempty"`
	Err                  string   `json:"error,omitempty"`
}

// LimitsView is the subset of the configured limits rules need.
type LimitsView struct {
	MinAmplitude float64 `json:"min_amplitude"`
	MaxAmplitude float64 `json:"max_amplitude"`
	MinOffset    float64 `json:"min_offset"`
	MaxOffset    float64 `json:"max_offset"`
	MinFrequency float64 `json:"min_frequency"`
	MaxFrequency float64 `json:"max_frequency"`
}

// SystemSnapshot is the immutable input to every safety rule.
type SystemSnapshot struct {
	Time   time.Time    `json:"time"`
	Device DeviceStatus `json:"device"`
	Limits LimitsView   `json:"limits"`
	Host   HostStats    `json:"host"`
}

// RecordStatus is the outcome stored for a finished session.
type RecordStatus string

const (
	RecordCompleted        RecordStatus = "completed"
	RecordInterrupted      RecordStatus = "interrupted"
	RecordError            RecordStatus = "error"
	RecordEmergencyStopped RecordStatus = "emergency_stopped"
)

// SessionRecord is handed to the persistence layer when a session ends.
// PatientID is opaque to this module.
type SessionRecord struct {
	SessionID      string       `json:"session_id"`
	PlanID         string       `json:"plan_id"`
	PatientID      string       `json:"patient_id,omitempty"`
	PatientName    string       `json:"patient_name,omitempty"`
	ProtocolName   string       `json:"protocol_name"`
	StartTime      time.Time    `json:"start_time"`
	EndTime        time.Time    `json:"end_time"`
	Status         RecordStatus `json:"status"`
	Notes          string       `json:"notes,omitempty"`
	StepsCompleted int          `json:"steps_completed"`
	TotalSteps     int          `json:"total_steps"`
}
