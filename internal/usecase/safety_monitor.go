package usecase

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/hs3guard/internal/domain"
	"github.com/eliteGoblin/hs3guard/internal/events"
	"github.com/eliteGoblin/hs3guard/internal/loop"
	"github.com/eliteGoblin/hs3guard/internal/policy"
)

// recentEventCount is how many events Status reports.
const recentEventCount = 10

// DeviceView is what the monitor needs from the device link.
type DeviceView interface {
	Status() domain.DeviceStatus
	QueryStatus() domain.DeviceStatus
	IsConnected() bool
	Stop() error
	Disconnect() error
}

// MonitorConfig configures the safety monitor.
type MonitorConfig struct {
	TickInterval    time.Duration
	CleanupInterval time.Duration
	// WarningRepeatInterval is how often a persisting non-critical failure
	// is written to the event log again. safety_violation is emitted on
	// every tick regardless.
	WarningRepeatInterval time.Duration
}

// DefaultMonitorConfig returns a 1 s tick, a 5 min cleanup and a 1 min
// warning repeat.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		TickInterval:          time.Second,
		CleanupInterval:       5 * time.Minute,
		WarningRepeatInterval: time.Minute,
	}
}

// MonitorOption configures optional collaborators.
type MonitorOption func(*Monitor)

// WithHostSampler feeds host statistics into every snapshot.
func WithHostSampler(h domain.HostSampler) MonitorOption {
	return func(m *Monitor) { m.host = h }
}

// Monitor evaluates safety rules on a fixed tick and owns the emergency
// shutdown. It runs entirely on the loop.
type Monitor struct {
	cfg       MonitorConfig
	loop      *loop.Loop
	validator *policy.Validator
	rules     *policy.RuleSet
	device    DeviceView
	host      domain.HostSampler
	log       *EventLog
	bus       *events.Bus
	logger    *zap.Logger

	monitoring     bool
	level          domain.SafetyLevel
	lastCheck      time.Time
	tick           *loop.Timer
	cleanup        *loop.Timer
	warnings       map[string]time.Time // rule id -> last time written to the log
	preempt        []func(reason string)
	onTick         []func(dev domain.DeviceStatus)
	shuttingDown   bool
	emergencyStops int
}

// NewMonitor creates a safety monitor. bus may be nil.
func NewMonitor(cfg MonitorConfig, lp *loop.Loop, validator *policy.Validator, rules *policy.RuleSet, device DeviceView, log *EventLog, bus *events.Bus, logger *zap.Logger, opts ...MonitorOption) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	if log == nil {
		log = NewEventLog(DefaultRetention, nil, logger)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultMonitorConfig().TickInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultMonitorConfig().CleanupInterval
	}
	if cfg.WarningRepeatInterval <= 0 {
		cfg.WarningRepeatInterval = DefaultMonitorConfig().WarningRepeatInterval
	}
	m := &Monitor{
		cfg:       cfg,
		loop:      lp,
		validator: validator,
		rules:     rules,
		device:    device,
		log:       log,
		bus:       bus,
		logger:    logger,
		warnings:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// failure is one rule that did not pass.
type failure struct {
	rule  policy.Rule
	level domain.SafetyLevel
	err   error
}

func (f failure) message() string {
	if f.err != nil {
		return f.err.Error()
	}
	return f.rule.Name
}

// snapshot builds the rule input. query=false uses the cached device status.
func (m *Monitor) snapshot(query bool) domain.SystemSnapshot {
	dev := m.device.Status()
	if query {
		dev = m.device.QueryStatus()
	}
	var host domain.HostStats
	if m.host != nil {
		host = m.host.Sample()
	}
	return domain.SystemSnapshot{
		Time:   m.loop.Now(),
		Device: dev,
		Limits: m.validator.Limits().View(),
		Host:   host,
	}
}

// check runs one rule; a panic is reported as a SystemError.
func check(r policy.Rule, snap domain.SystemSnapshot) (ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			err = &domain.SystemError{Op: "rule " + r.ID, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	return r.Check(snap), nil
}

// evaluate returns the enabled rules that failed, in rule order.
func (m *Monitor) evaluate(snap domain.SystemSnapshot) []failure {
	var failed []failure
	for _, r := range m.rules.Enabled() {
		ok, err := check(r, snap)
		if ok {
			continue
		}
		level := r.Level
		if err != nil {
			level = domain.LevelCritical
			m.logger.Error("Safety rule failed to evaluate", zap.String("rule", r.ID), zap.Error(err))
		}
		failed = append(failed, failure{rule: r, level: level, err: err})
	}
	return failed
}

func critical(failed []failure) []failure {
	var out []failure
	for _, f := range failed {
		if f.level >= domain.LevelCritical {
			out = append(out, f)
		}
	}
	return out
}

func joinMessages(failed []failure) string {
	msgs := make([]string, len(failed))
	for i, f := range failed {
		msgs[i] = f.message()
	}
	return strings.Join(msgs, "; ")
}

func ruleEventType(f failure) domain.SafetyEventType {
	if f.err != nil {
		return domain.EventSystemError
	}
	switch f.rule.ID {
	case policy.RuleHardwareConnected:
		return domain.EventConnectionLost
	case policy.RuleParameterLimits, policy.RuleTotalVoltage, policy.RuleConfigurationLimits:
		return domain.EventParameterLimit
	case policy.RuleHostResources, policy.RuleConflictingSoftware:
		return domain.EventSystemError
	default:
		return domain.EventHardwareError
	}
}

// record appends a safety event, logs it and publishes it.
func (m *Monitor) record(typ domain.SafetyEventType, level domain.SafetyLevel, msg string, params map[string]string) domain.SafetyEvent {
	ev := domain.SafetyEvent{
		Timestamp:  m.loop.Now(),
		Type:       typ,
		Level:      level,
		Message:    msg,
		Parameters: params,
	}
	m.log.Append(ev)

	fields := []zap.Field{zap.String("type", string(typ)), zap.String("level", level.String())}
	switch {
	case level >= domain.LevelCritical:
		m.logger.Error(msg, append(fields, zap.Bool("critical", true))...)
	case level >= domain.LevelDanger:
		m.logger.Error(msg, fields...)
	case level >= domain.LevelWarning:
		m.logger.Warn(msg, fields...)
	default:
		m.logger.Info(msg, fields...)
	}

	m.bus.Publish(domain.Event{
		Kind:    domain.KindSafetyEventLogged,
		Time:    ev.Timestamp,
		Level:   level,
		Message: msg,
		Safety:  &ev,
	})
	return ev
}

func (m *Monitor) setLevel(level domain.SafetyLevel) {
	if level == m.level {
		return
	}
	m.level = level
	m.bus.Publish(domain.Event{
		Kind:  domain.KindSafetyStatusChanged,
		Time:  m.loop.Now(),
		Level: level,
		State: level.String(),
	})
}

// StartMonitoring runs an initial full check and, if nothing Critical
// fails, schedules the periodic tick and cleanup.
func (m *Monitor) StartMonitoring() bool {
	if m.monitoring {
		return true
	}
	snap := m.snapshot(true)
	m.lastCheck = snap.Time
	if crit := critical(m.evaluate(snap)); len(crit) > 0 {
		m.record(domain.EventSystemError, domain.LevelDanger,
			"Verificação inicial de segurança falhou: "+joinMessages(crit),
			map[string]string{"rules": ruleIDs(crit)})
		return false
	}

	m.monitoring = true
	m.warnings = make(map[string]time.Time)
	m.setLevel(domain.LevelSafe)
	m.tick = m.loop.Every(m.cfg.TickInterval, m.Tick)
	m.cleanup = m.loop.Every(m.cfg.CleanupInterval, m.purge)
	m.record(domain.EventUserIntervention, domain.LevelSafe, "Monitorização de segurança iniciada", nil)
	m.bus.Publish(domain.Event{Kind: domain.KindMonitoringChanged, Time: m.loop.Now(), State: "started"})
	return true
}

// StopMonitoring cancels the periodic checks. Safe to call when stopped.
func (m *Monitor) StopMonitoring() {
	if !m.monitoring {
		return
	}
	m.monitoring = false
	if m.tick != nil {
		m.tick.Stop()
		m.tick = nil
	}
	if m.cleanup != nil {
		m.cleanup.Stop()
		m.cleanup = nil
	}
	m.record(domain.EventUserIntervention, domain.LevelSafe, "Monitorização de segurança parada", nil)
	m.bus.Publish(domain.Event{Kind: domain.KindMonitoringChanged, Time: m.loop.Now(), State: "stopped"})
}

// IsMonitoring reports whether the periodic tick is armed.
func (m *Monitor) IsMonitoring() bool {
	return m.monitoring
}

// Tick performs one monitoring pass. Critical failures trigger an
// emergency shutdown. Lesser failures emit safety_violation on every tick
// and reach the event log at most once per WarningRepeatInterval.
func (m *Monitor) Tick() {
	if !m.monitoring {
		return
	}
	snap := m.snapshot(true)
	m.lastCheck = snap.Time
	failed := m.evaluate(snap)

	if crit := critical(failed); len(crit) > 0 {
		for _, f := range crit {
			m.record(ruleEventType(f), domain.LevelCritical, "Violação crítica: "+f.message(),
				map[string]string{"rule": f.rule.ID})
		}
		m.EmergencyShutdown("Violações críticas de segurança: " + joinMessages(crit))
		return
	}

	worst := domain.LevelSafe
	active := make(map[string]time.Time, len(failed))
	for _, f := range failed {
		if f.level > worst {
			worst = f.level
		}
		last, seen := m.warnings[f.rule.ID]
		if !seen || snap.Time.Sub(last) >= m.cfg.WarningRepeatInterval {
			m.record(ruleEventType(f), f.level, "Aviso de segurança: "+f.message(),
				map[string]string{"rule": f.rule.ID})
			last = snap.Time
		}
		active[f.rule.ID] = last
		m.bus.Publish(domain.Event{
			Kind:    domain.KindSafetyViolation,
			Time:    snap.Time,
			Level:   f.level,
			RuleID:  f.rule.ID,
			Message: f.message(),
		})
	}
	for id := range m.warnings {
		if _, ok := active[id]; !ok {
			m.record(domain.EventSystemError, domain.LevelSafe, "Condição de segurança normalizada",
				map[string]string{"rule": id})
		}
	}
	m.warnings = active
	m.setLevel(worst)

	for _, fn := range m.onTick {
		fn(snap.Device)
	}
}

func (m *Monitor) purge() {
	if n := m.log.Purge(m.loop.Now()); n > 0 {
		m.logger.Debug("Purged safety events", zap.Int("count", n))
	}
}

// OnEmergency registers a hook run first during an emergency shutdown,
// before the device is touched.
func (m *Monitor) OnEmergency(fn func(reason string)) {
	m.preempt = append(m.preempt, fn)
}

// OnTick registers a hook run at the end of every tick that did not end in
// an emergency shutdown. It receives the freshly queried device status.
func (m *Monitor) OnTick(fn func(dev domain.DeviceStatus)) {
	m.onTick = append(m.onTick, fn)
}

// EmergencyShutdown halts generation unconditionally. It returns true when
// the device acknowledged the stop or was already disconnected.
func (m *Monitor) EmergencyShutdown(reason string) bool {
	if m.shuttingDown {
		return false
	}
	m.shuttingDown = true
	defer func() { m.shuttingDown = false }()

	m.logger.Error("EMERGENCY SHUTDOWN", zap.String("reason", reason))
	for _, fn := range m.preempt {
		m.runHook(fn, reason)
	}

	wasConnected := m.device.IsConnected()
	stopErr := m.device.Stop()
	if stopErr != nil {
		m.logger.Error("Emergency stop command failed", zap.Error(stopErr))
	}
	if err := m.device.Disconnect(); err != nil {
		m.logger.Warn("Disconnect during emergency reported an error", zap.Error(err))
	}
	m.StopMonitoring()

	m.emergencyStops++
	params := map[string]string{"reason": reason}
	if stopErr != nil {
		params["stop_error"] = stopErr.Error()
	}
	m.record(domain.EventEmergencyStop, domain.LevelCritical, "PARADA DE EMERGÊNCIA: "+reason, params)
	m.setLevel(domain.LevelCritical)
	m.bus.Publish(domain.Event{
		Kind:    domain.KindEmergencyStopTriggered,
		Time:    m.loop.Now(),
		Level:   domain.LevelCritical,
		Message: reason,
	})
	return stopErr == nil || !wasConnected
}

func (m *Monitor) runHook(fn func(string), reason string) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("Emergency hook panicked", zap.Any("panic", rec))
		}
	}()
	fn(reason)
}

// ValidateBeforeStart is the last gate before a plan reaches the device.
// It never talks to the device.
func (m *Monitor) ValidateBeforeStart(steps []domain.StepSpec) error {
	if len(steps) == 0 {
		return m.reject(policy.RuleParameterLimits, domain.LevelDanger, "Plano sem passos")
	}
	for i, s := range steps {
		if err := m.validator.ValidateStep(s); err != nil {
			level := domain.LevelDanger
			var verr *domain.ValidationError
			if errors.As(err, &verr) && verr.Field == "total_voltage" {
				level = domain.LevelCritical
			}
			return m.reject(policy.RuleParameterLimits, level, fmt.Sprintf("Passo %d: %s", i+1, err))
		}
	}
	if !m.device.IsConnected() {
		return m.reject(policy.RuleHardwareConnected, domain.LevelCritical, "Hardware HS3 não conectado")
	}
	if crit := critical(m.evaluate(m.snapshot(false))); len(crit) > 0 {
		return m.reject(crit[0].rule.ID, domain.LevelCritical, "Verificação de segurança falhou: "+joinMessages(crit))
	}
	m.record(domain.EventUserIntervention, domain.LevelSafe, "Plano aprovado para execução",
		map[string]string{"steps": strconv.Itoa(len(steps))})
	return nil
}

// ValidateStep re-checks one step immediately before it is sent.
func (m *Monitor) ValidateStep(step domain.StepSpec) error {
	if err := m.validator.ValidateStep(step); err != nil {
		return m.reject(policy.RuleParameterLimits, domain.LevelCritical, err.Error())
	}
	if !m.device.IsConnected() {
		return m.reject(policy.RuleHardwareConnected, domain.LevelCritical, "Hardware HS3 não conectado")
	}
	return nil
}

func (m *Monitor) reject(ruleID string, level domain.SafetyLevel, reason string) error {
	typ := domain.EventParameterLimit
	if ruleID == policy.RuleHardwareConnected {
		typ = domain.EventConnectionLost
	}
	m.record(typ, level, reason, map[string]string{"rule": ruleID})
	return &domain.SafetyViolation{RuleID: ruleID, Level: level, Reason: reason}
}

// AddRule registers a custom rule after the built-in ones.
func (m *Monitor) AddRule(r *policy.Rule) error {
	if err := m.rules.Add(r); err != nil {
		return err
	}
	m.record(domain.EventUserIntervention, domain.LevelSafe, "Regra de segurança adicionada: "+r.ID, nil)
	return nil
}

// DisableRule turns a rule off. Disabling is always audited as a Warning.
func (m *Monitor) DisableRule(id string) error {
	if err := m.rules.SetEnabled(id, false); err != nil {
		return err
	}
	delete(m.warnings, id)
	m.record(domain.EventUserIntervention, domain.LevelWarning, "Regra de segurança desativada: "+id,
		map[string]string{"rule": id})
	return nil
}

// EnableRule turns a rule back on.
func (m *Monitor) EnableRule(id string) error {
	if err := m.rules.SetEnabled(id, true); err != nil {
		return err
	}
	m.record(domain.EventUserIntervention, domain.LevelSafe, "Regra de segurança ativada: "+id,
		map[string]string{"rule": id})
	return nil
}

// Events exposes the audit log.
func (m *Monitor) Events() *EventLog {
	return m.log
}

// SafetyStatus is a point-in-time report of the monitor.
type SafetyStatus struct {
	Monitoring     bool                 `json:"monitoring"`
	Level          string               `json:"level"`
	LastCheck      time.Time            `json:"last_check"`
	TotalEvents    int                  `json:"total_events"`
	CriticalEvents int                  `json:"critical_events"`
	EmergencyStops int                  `json:"emergency_stops"`
	EnabledRules   int                  `json:"enabled_rules"`
	TotalRules     int                  `json:"total_rules"`
	ActiveWarnings []string             `json:"active_warnings,omitempty"`
	RecentEvents   []domain.SafetyEvent `json:"recent_events"`
}

// Status reports the monitor state and the most recent events.
func (m *Monitor) Status() SafetyStatus {
	warnings := make([]string, 0, len(m.warnings))
	for id := range m.warnings {
		warnings = append(warnings, id)
	}
	sort.Strings(warnings)
	return SafetyStatus{
		Monitoring:     m.monitoring,
		Level:          m.level.String(),
		LastCheck:      m.lastCheck,
		TotalEvents:    m.log.Len(),
		CriticalEvents: m.log.CountAtLeast(domain.LevelCritical),
		EmergencyStops: m.emergencyStops,
		EnabledRules:   len(m.rules.Enabled()),
		TotalRules:     len(m.rules.All()),
		ActiveWarnings: warnings,
		RecentEvents:   m.log.Recent(recentEventCount),
	}
}

func ruleIDs(failed []failure) string {
	ids := make([]string, len(failed))
	for i, f := range failed {
		ids[i] = f.rule.ID
	}
	return strings.Join(ids, ",")
}
