package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/hs3guard/internal/domain"
	"github.com/eliteGoblin/hs3guard/internal/events"
	"github.com/eliteGoblin/hs3guard/internal/loop"
	"github.com/eliteGoblin/hs3guard/internal/policy"
)

// Device is the part of the device link the engine drives.
type Device interface {
	State() domain.ConnectionState
	SetFrequency(hz float64) error
	SetAmplitude(v float64) error
	SetOffset(v float64) error
	Start() error
	Stop() error
}

// Gate is the safety monitor as seen by the engine.
type Gate interface {
	ValidateBeforeStart(steps []domain.StepSpec) error
	ValidateStep(step domain.StepSpec) error
	IsMonitoring() bool
	StartMonitoring() bool
	EmergencyShutdown(reason string) bool
	OnEmergency(fn func(reason string))
	OnTick(fn func(dev domain.DeviceStatus))
}

// EngineConfig configures the session engine.
type EngineConfig struct {
	// RevalidateEachStep asks the gate to re-check every step before it is sent.
	RevalidateEachStep bool
}

// EngineOption configures optional collaborators.
type EngineOption func(*Engine)

// WithRecordStore persists a SessionRecord whenever a session ends.
func WithRecordStore(store domain.SessionRecordStore) EngineOption {
	return func(e *Engine) { e.records = store }
}

// WithIDGenerator replaces the UUID generator (for testing).
func WithIDGenerator(fn func() string) EngineOption {
	return func(e *Engine) { e.newID = fn }
}

// BiofeedbackSource supplies opaque readings attached to realtime data.
type BiofeedbackSource interface {
	Biofeedback() map[string]float64
}

// WithBiofeedback attaches src readings to every realtime_data event.
func WithBiofeedback(src BiofeedbackSource) EngineOption {
	return func(e *Engine) { e.biofeedback = src }
}

// StartOption attaches collaborator metadata to a session.
type StartOption func(*startOptions)

type startOptions struct {
	patientID   string
	patientName string
	notes       string
}

// WithPatient tags the session with an opaque patient identifier.
func WithPatient(id, name string) StartOption {
	return func(o *startOptions) {
		o.patientID = id
		o.patientName = name
	}
}

// WithNotes attaches free-text notes to the session record.
func WithNotes(notes string) StartOption {
	return func(o *startOptions) { o.notes = notes }
}

type activeSession struct {
	state     domain.SessionState
	plan      *Plan
	meta      startOptions
	timer     *loop.Timer
	completed int
}

// Engine executes plans step by step on the loop. It is the only component
// that issues generation commands.
type Engine struct {
	cfg         EngineConfig
	loop        *loop.Loop
	validator   *policy.Validator
	device      Device
	gate        Gate
	bus         *events.Bus
	records     domain.SessionRecordStore
	logger      *zap.Logger
	biofeedback BiofeedbackSource
	newID       func() string

	session *activeSession
	last    *domain.SessionState
	retired map[string]bool
}

// NewEngine creates an engine and registers it with the gate so an
// emergency shutdown pre-empts any running session.
func NewEngine(cfg EngineConfig, lp *loop.Loop, validator *policy.Validator, device Device, gate Gate, bus *events.Bus, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	e := &Engine{
		cfg:       cfg,
		loop:      lp,
		validator: validator,
		device:    device,
		gate:      gate,
		bus:       bus,
		logger:    logger,
		newID:     uuid.NewString,
		retired:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	gate.OnEmergency(e.preempt)
	gate.OnTick(e.realtime)
	return e
}

// CreatePlan validates steps into a plan. No partial plan is ever returned.
func (e *Engine) CreatePlan(label string, steps []domain.StepSpec) (*Plan, error) {
	p, err := NewPlan(e.validator, e.newID(), label, e.loop.Now(), steps)
	if err != nil {
		e.logger.Warn("Plan rejected", zap.String("label", label), zap.Error(err))
		return nil, err
	}
	e.logger.Info("Plan created",
		zap.String("plan_id", p.ID()),
		zap.String("label", label),
		zap.Int("steps", p.Len()),
		zap.Duration("duration", p.TotalDuration()))
	return p, nil
}

// Active reports whether a session is running or paused.
func (e *Engine) Active() bool {
	return e.session != nil
}

// Start begins executing plan. Rejections return *domain.StartError and
// send nothing to the device. If the first step fails on the wire the
// session id is returned together with that error.
func (e *Engine) Start(plan *Plan, opts ...StartOption) (string, error) {
	switch {
	case plan == nil:
		return "", &domain.StartError{Reason: "no plan"}
	case e.session != nil:
		return "", &domain.StartError{Reason: "session " + e.session.state.SessionID + " is active", Err: domain.ErrSessionActive}
	case e.retired[plan.ID()]:
		return "", &domain.StartError{Reason: "plan " + plan.ID(), Err: domain.ErrPlanRetired}
	case e.device.State() != domain.StateConnected:
		return "", &domain.StartError{Reason: "device is " + string(e.device.State()), Err: domain.ErrDeviceNotReady}
	}
	if err := e.gate.ValidateBeforeStart(plan.Steps()); err != nil {
		return "", &domain.StartError{Reason: "safety validation failed", Err: err}
	}
	if !e.gate.IsMonitoring() && !e.gate.StartMonitoring() {
		return "", &domain.StartError{Reason: "safety monitoring could not be started"}
	}

	var meta startOptions
	for _, opt := range opts {
		opt(&meta)
	}
	now := e.loop.Now()
	s := &activeSession{
		plan: plan,
		meta: meta,
		state: domain.SessionState{
			SessionID:  e.newID(),
			PlanID:     plan.ID(),
			TotalSteps: plan.Len(),
			Status:     domain.SessionCreated,
			StartedAt:  now,
		},
	}
	e.session = s
	e.logger.Info("Session started",
		zap.String("session_id", s.state.SessionID),
		zap.String("plan_id", plan.ID()),
		zap.Int("steps", plan.Len()))
	e.publish(domain.Event{Kind: domain.KindSessionStarted})

	s.state.Status = domain.SessionRunning
	if err := e.runStep(s, 0); err != nil {
		return s.state.SessionID, err
	}
	return s.state.SessionID, nil
}

// runStep pushes step i to the device and arms its timer.
func (e *Engine) runStep(s *activeSession, i int) error {
	step := s.plan.Step(i)
	s.state.CurrentStep = i
	s.state.StepStarted = e.loop.Now()

	if e.cfg.RevalidateEachStep {
		if err := e.gate.ValidateStep(step); err != nil {
			e.gate.EmergencyShutdown(fmt.Sprintf("Passo %d reprovado: %s", i+1, err))
			return err
		}
	}
	if err := e.apply(step); err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			e.gate.EmergencyShutdown(fmt.Sprintf("Passo %d: %s", i+1, verr.Message))
			return err
		}
		e.abort(s, err)
		return err
	}

	s.timer = e.loop.AfterFunc(step.Duration(), func() { e.stepElapsed(s, i) })
	e.publish(domain.Event{Kind: domain.KindStepStarted, StepIndex: i, Step: &step})
	e.publish(domain.Event{
		Kind:    domain.KindStatusUpdated,
		Message: fmt.Sprintf("Passo %d/%d: %g Hz, %gV, offset %gV", i+1, s.state.TotalSteps, step.Frequency, step.Amplitude, step.Offset),
	})
	return nil
}

func (e *Engine) apply(step domain.StepSpec) error {
	if err := e.device.SetFrequency(step.Frequency); err != nil {
		return err
	}
	if err := e.device.SetAmplitude(step.Amplitude); err != nil {
		return err
	}
	if err := e.device.SetOffset(step.Offset); err != nil {
		return err
	}
	return e.device.Start()
}

func (e *Engine) stepElapsed(s *activeSession, i int) {
	if e.session != s || s.state.Status != domain.SessionRunning || s.state.CurrentStep != i {
		return
	}
	s.timer = nil
	if err := e.device.Stop(); err != nil {
		e.abort(s, err)
		return
	}
	s.completed = i + 1
	step := s.plan.Step(i)
	e.publish(domain.Event{Kind: domain.KindStepCompleted, StepIndex: i, Step: &step})
	e.publish(domain.Event{Kind: domain.KindProgressUpdated, Progress: progress(s.completed, s.state.TotalSteps)})

	if s.completed < s.state.TotalSteps {
		// runStep reports its own failures.
		_ = e.runStep(s, s.completed)
		return
	}
	e.publish(domain.Event{Kind: domain.KindStatusUpdated, Message: "Sessão concluída"})
	e.finish(s, domain.SessionCompleted, domain.KindSessionCompleted, "")
}

func progress(done, total int) int {
	if total == 0 {
		return 0
	}
	return int(float64(done) / float64(total) * 100)
}

// Pause stops output and cancels the step timer. Elapsed time in the
// current step is not kept.
func (e *Engine) Pause() error {
	s := e.session
	if s == nil {
		return domain.ErrNoActiveSession
	}
	if s.state.Status != domain.SessionRunning {
		return fmt.Errorf("cannot pause a %s session", s.state.Status)
	}
	e.cancelTimer(s)
	if err := e.device.Stop(); err != nil {
		e.abort(s, err)
		return err
	}
	s.state.Status = domain.SessionPaused
	e.publish(domain.Event{Kind: domain.KindSessionPaused})
	e.publish(domain.Event{Kind: domain.KindStatusUpdated, Message: fmt.Sprintf("Sessão pausada no passo %d", s.state.CurrentStep+1)})
	return nil
}

// Resume restarts the current step from its beginning.
func (e *Engine) Resume() error {
	s := e.session
	if s == nil {
		return domain.ErrNoActiveSession
	}
	if s.state.Status != domain.SessionPaused {
		return domain.ErrNotPaused
	}
	if e.device.State() != domain.StateConnected {
		return domain.ErrDeviceNotReady
	}
	if !e.gate.IsMonitoring() && !e.gate.StartMonitoring() {
		return errors.New("safety monitoring could not be started")
	}
	s.state.Status = domain.SessionRunning
	e.publish(domain.Event{Kind: domain.KindSessionResumed})
	return e.runStep(s, s.state.CurrentStep)
}

// Stop ends the session and returns the engine to idle. It is a no-op
// when no session is active.
func (e *Engine) Stop() {
	s := e.session
	if s == nil {
		return
	}
	e.cancelTimer(s)
	if err := e.device.Stop(); err != nil {
		e.logger.Warn("Device stop failed while stopping session", zap.Error(err))
	}
	e.publish(domain.Event{Kind: domain.KindStatusUpdated, Message: "Sessão interrompida"})
	e.finish(s, s.state.Status, domain.KindSessionStopped, "")
	e.last = nil
}

// EmergencyStop halts everything through the safety monitor, which
// pre-empts the session before touching the device.
func (e *Engine) EmergencyStop(reason string) bool {
	if reason == "" {
		reason = "Parada de emergência acionada pelo operador"
	}
	return e.gate.EmergencyShutdown(reason)
}

// preempt is the gate's emergency hook. It only tears down engine state;
// the monitor owns the device during an emergency.
func (e *Engine) preempt(reason string) {
	s := e.session
	if s == nil {
		return
	}
	e.cancelTimer(s)
	e.retired[s.plan.ID()] = true
	e.logger.Error("Session pre-empted by emergency shutdown",
		zap.String("session_id", s.state.SessionID),
		zap.String("reason", reason))
	e.finish(s, domain.SessionEmergencyStopped, domain.KindSessionError, reason)
}

// realtime publishes the running session together with the device status
// the monitor just queried.
func (e *Engine) realtime(dev domain.DeviceStatus) {
	s := e.session
	if s == nil || s.state.Status != domain.SessionRunning {
		return
	}
	step := s.plan.Step(s.state.CurrentStep)
	data := &domain.RealtimeData{
		Device:     dev,
		Status:     s.state.Status,
		StepIndex:  s.state.CurrentStep,
		TotalSteps: s.state.TotalSteps,
		Progress:   progress(s.completed, s.state.TotalSteps),
		Elapsed:    e.loop.Now().Sub(s.state.StartedAt),
		Step:       &step,
	}
	if e.biofeedback != nil {
		data.Biofeedback = e.biofeedback.Biofeedback()
	}
	e.publish(domain.Event{Kind: domain.KindRealtimeData, StepIndex: s.state.CurrentStep, Realtime: data})
}

// abort ends the session after a device failure.
func (e *Engine) abort(s *activeSession, cause error) {
	if e.session != s {
		return
	}
	e.cancelTimer(s)
	if err := e.device.Stop(); err != nil {
		e.logger.Debug("Best-effort stop after failure also failed", zap.Error(err))
	}
	e.logger.Error("Session aborted",
		zap.String("session_id", s.state.SessionID),
		zap.Int("step", s.state.CurrentStep+1),
		zap.Error(cause))
	e.finish(s, domain.SessionError, domain.KindSessionError, cause.Error())
}

func (e *Engine) cancelTimer(s *activeSession) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// finish moves the session to a terminal status, emits kind, stores the
// record and returns the engine to idle.
func (e *Engine) finish(s *activeSession, status domain.SessionStatus, kind domain.EventKind, msg string) {
	s.state.Status = status
	e.publish(domain.Event{Kind: kind, Message: msg, State: string(status)})
	final := s.state
	e.last = &final
	e.session = nil
	e.store(s, kind)
}

func recordStatus(status domain.SessionStatus, kind domain.EventKind) domain.RecordStatus {
	switch {
	case status == domain.SessionEmergencyStopped:
		return domain.RecordEmergencyStopped
	case status == domain.SessionError:
		return domain.RecordError
	case kind == domain.KindSessionStopped:
		return domain.RecordInterrupted
	default:
		return domain.RecordCompleted
	}
}

func (e *Engine) store(s *activeSession, kind domain.EventKind) {
	rec := domain.SessionRecord{
		SessionID:      s.state.SessionID,
		PlanID:         s.plan.ID(),
		PatientID:      s.meta.patientID,
		PatientName:    s.meta.patientName,
		ProtocolName:   s.plan.Label(),
		StartTime:      s.state.StartedAt,
		EndTime:        e.loop.Now(),
		Status:         recordStatus(s.state.Status, kind),
		Notes:          s.meta.notes,
		StepsCompleted: s.completed,
		TotalSteps:     s.state.TotalSteps,
	}
	if e.records != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
		defer cancel()
		if err := e.records.SaveSessionRecord(ctx, rec); err != nil {
			e.logger.Error("Failed to save session record",
				zap.String("session_id", rec.SessionID),
				zap.Error(err))
		}
	}
	e.bus.Publish(domain.Event{
		Kind:      domain.KindSessionRecorded,
		Time:      rec.EndTime,
		SessionID: rec.SessionID,
		State:     string(rec.Status),
		Record:    &rec,
	})
}

// publish stamps ev with the time and the active (or last) session.
func (e *Engine) publish(ev domain.Event) {
	ev.Time = e.loop.Now()
	if e.session != nil {
		ev.SessionID = e.session.state.SessionID
	}
	e.bus.Publish(ev)
}

// SessionReport is the operator-facing view of the engine.
type SessionReport struct {
	Active           bool                 `json:"active"`
	SessionID        string               `json:"session_id,omitempty"`
	PlanID           string               `json:"plan_id,omitempty"`
	Protocol         string               `json:"protocol,omitempty"`
	Status           domain.SessionStatus `json:"status,omitempty"`
	CurrentStep      int                  `json:"current_step"`
	TotalSteps       int                  `json:"total_steps"`
	Progress         int                  `json:"progress"`
	Paused           bool                 `json:"paused"`
	Elapsed          time.Duration        `json:"elapsed"`
	CurrentFrequency float64              `json:"current_frequency,omitempty"`
}

// Status reports the active session, or the last one if idle.
func (e *Engine) Status() SessionReport {
	s := e.session
	if s == nil {
		if e.last == nil {
			return SessionReport{}
		}
		return SessionReport{
			SessionID:   e.last.SessionID,
			PlanID:      e.last.PlanID,
			Status:      e.last.Status,
			CurrentStep: e.last.CurrentStep + 1,
			TotalSteps:  e.last.TotalSteps,
		}
	}
	return SessionReport{
		Active:           true,
		SessionID:        s.state.SessionID,
		PlanID:           s.state.PlanID,
		Protocol:         s.plan.Label(),
		Status:           s.state.Status,
		CurrentStep:      s.state.CurrentStep + 1,
		TotalSteps:       s.state.TotalSteps,
		Progress:         progress(s.completed, s.state.TotalSteps),
		Paused:           s.state.Status == domain.SessionPaused,
		Elapsed:          e.loop.Now().Sub(s.state.StartedAt),
		CurrentFrequency: s.plan.Step(s.state.CurrentStep).Frequency,
	}
}

// State returns a copy of the active session state.
func (e *Engine) State() (domain.SessionState, bool) {
	if e.session == nil {
		return domain.SessionState{}, false
	}
	return e.session.state, true
}
