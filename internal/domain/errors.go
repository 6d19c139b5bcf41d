package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for lifecycle misuse.
var (
	ErrSessionActive   = errors.New("a session is already running or paused")
	ErrNoActiveSession = errors.New("no active session")
	ErrNotPaused       = errors.New("session is not paused")
	ErrDeviceNotReady  = errors.New("device is not connected and idle")
	ErrPlanRetired     = errors.New("plan was emergency stopped; create a new plan")
	ErrLinkFaulted     = errors.New("device link is in error state; disconnect before reuse")
	ErrNotConnected    = errors.New("device is not connected")
	ErrAlreadyOpen     = errors.New("device link already open")
)

// ValidationError is returned when a parameter falls outside the configured limits.
// Message is the operator-facing text; Step is the 1-based plan step, 0 if none.
type ValidationError struct {
	Field   string
	Value   float64
	Step    int
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ConnectionErrorKind classifies connect failures.
type ConnectionErrorKind int

const (
	ConnNotFound ConnectionErrorKind = iota
	ConnTimeout
	ConnProtocolMismatch
)

func (k ConnectionErrorKind) String() string {
	switch k {
	case ConnNotFound:
		return "not found"
	case ConnTimeout:
		return "timeout"
	case ConnProtocolMismatch:
		return "protocol mismatch"
	default:
		return "unknown"
	}
}

// ConnectionError is returned by connect.
type ConnectionError struct {
	Kind   ConnectionErrorKind
	Port   string
	Detail string
	Err    error
}

func (e *ConnectionError) Error() string {
	msg := "hs3 connection failed: " + e.Kind.String()
	if e.Port != "" {
		msg += " on " + e.Port
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommunicationErrorKind classifies failed exchanges.
type CommunicationErrorKind int

const (
	CommTransport CommunicationErrorKind = iota
	CommEmptyResponse
	CommMalformedResponse
	CommRejected
	CommNotConnected
)

func (k CommunicationErrorKind) String() string {
	switch k {
	case CommTransport:
		return "transport failure"
	case CommEmptyResponse:
		return "empty response"
	case CommMalformedResponse:
		return "malformed response"
	case CommRejected:
		return "command rejected"
	case CommNotConnected:
		return "not connected"
	default:
		return "unknown"
	}
}

// CommunicationError is returned when an exchange with the device fails.
type CommunicationError struct {
	Kind     CommunicationErrorKind
	Command  string
	Response string
	Err      error
}

func (e *CommunicationError) Error() string {
	msg := fmt.Sprintf("hs3 command %q: %s", e.Command, e.Kind)
	if e.Response != "" {
		msg += fmt.Sprintf(" (response %q)", e.Response)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// SafetyViolation is raised when a safety check fails.
type SafetyViolation struct {
	RuleID string
	Level  SafetyLevel
	Reason string
}

func (e *SafetyViolation) Error() string {
	return e.Reason
}

// SystemError wraps an unexpected failure inside rule evaluation or event dispatch.
type SystemError struct {
	Op  string
	Err error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("system error in %s: %v", e.Op, e.Err)
}

func (e *SystemError) Unwrap() error { return e.Err }

// StartError is returned when a session start is rejected.
type StartError struct {
	Reason string
	Err    error
}

func (e *StartError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session not started: %s: %v", e.Reason, e.Err)
	}
	return "session not started: " + e.Reason
}

func (e *StartError) Unwrap() error { return e.Err }
