package hs3

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/eliteGoblin/hs3guard/internal/domain"
	"github.com/eliteGoblin/hs3guard/internal/events"
	"github.com/eliteGoblin/hs3guard/internal/policy"
)

// AutoPort asks Connect to discover the device.
const AutoPort = "AUTO"

// LinkConfig holds timing for the wire protocol.
type LinkConfig struct {
	// SettleDelay is the wait between writing a command and reading the reply.
	SettleDelay time.Duration
	// IdentifySettle is the wait used for the *IDN? handshake.
	IdentifySettle time.Duration
}

// DefaultLinkConfig returns the protocol timings of the HS3.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		SettleDelay:    100 * time.Millisecond,
		IdentifySettle: 500 * time.Millisecond,
	}
}

// Link owns the single transport to a generator and its state machine:
// Disconnected -> Connecting -> Connected <-> Generating -> Disconnected.
// Any failed device operation moves it to Error, which only Disconnect leaves.
// Not safe for concurrent use; it lives on the event loop.
type Link struct {
	cfg       LinkConfig
	validator *policy.Validator
	opener    domain.TransportOpener
	probe     domain.DeviceProbe
	bus       *events.Bus
	clock     clock.Clock
	sleep     func(time.Duration)
	logger    *zap.Logger

	transport   domain.Transport
	state       domain.ConnectionState
	info        *domain.DeviceInfo
	applied     domain.ParameterSet
	handshakeOK bool
	lastRaw     string
	lastError   string
}

// LinkOption customizes a Link.
type LinkOption func(*Link)

// WithBus publishes device state changes on bus.
func WithBus(bus *events.Bus) LinkOption {
	return func(l *Link) { l.bus = bus }
}

// WithClock sets the time source for timestamps.
func WithClock(c clock.Clock) LinkOption {
	return func(l *Link) { l.clock = c }
}

// WithSleeper replaces the settle wait (tests pass a no-op).
func WithSleeper(sleep func(time.Duration)) LinkOption {
	return func(l *Link) { l.sleep = sleep }
}

// NewLink creates a disconnected link.
func NewLink(cfg LinkConfig, validator *policy.Validator, opener domain.TransportOpener, probe domain.DeviceProbe, logger *zap.Logger, opts ...LinkOption) *Link {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Link{
		cfg:       cfg,
		validator: validator,
		opener:    opener,
		probe:     probe,
		clock:     clock.New(),
		sleep:     time.Sleep,
		logger:    logger,
		state:     domain.StateDisconnected,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the current connection state.
func (l *Link) State() domain.ConnectionState {
	return l.state
}

// IsConnected reports whether the link is Connected or Generating.
func (l *Link) IsConnected() bool {
	return l.state == domain.StateConnected || l.state == domain.StateGenerating
}

// Info returns the attached device, or nil.
func (l *Link) Info() *domain.DeviceInfo {
	if l.info == nil {
		return nil
	}
	info := *l.info
	return &info
}

func (l *Link) setState(s domain.ConnectionState) {
	if l.state == s {
		return
	}
	prev := l.state
	l.state = s
	l.logger.Info("Device state changed",
		zap.String("from", string(prev)),
		zap.String("to", string(s)))
	if l.bus != nil {
		l.bus.Publish(domain.Event{
			Kind:    domain.KindDeviceStateChanged,
			Time:    l.clock.Now(),
			State:   string(s),
			Message: l.lastError,
		})
	}
}

func (l *Link) fault(err error) {
	l.lastError = err.Error()
	l.logger.Error("Device operation failed", zap.Error(err))
	l.setState(domain.StateError)
}

// Discover runs the configured probes. It never fabricates a device.
func (l *Link) Discover(ctx context.Context) ([]domain.DeviceDescriptor, error) {
	if l.probe == nil {
		return nil, errors.New("no discovery probe configured")
	}
	return l.probe.Discover(ctx)
}

// Connect opens target ("" or AUTO discovers) and performs the *IDN? handshake.
func (l *Link) Connect(ctx context.Context, target string) (*domain.DeviceInfo, error) {
	if l.state == domain.StateError {
		return nil, domain.ErrLinkFaulted
	}
	if l.transport != nil {
		return nil, domain.ErrAlreadyOpen
	}

	l.lastError = ""
	l.setState(domain.StateConnecting)

	var candidates []domain.DeviceDescriptor
	if target == "" || strings.EqualFold(target, AutoPort) {
		found, err := l.Discover(ctx)
		if err != nil || len(found) == 0 {
			cerr := &domain.ConnectionError{Kind: domain.ConnNotFound, Detail: "no HS3 device found", Err: err}
			l.fault(cerr)
			return nil, cerr
		}
		candidates = found
	} else {
		candidates = []domain.DeviceDescriptor{{Port: target, Method: "explicit"}}
	}

	var lastErr error
	for _, d := range candidates {
		if err := ctx.Err(); err != nil {
			lastErr = &domain.ConnectionError{Kind: domain.ConnTimeout, Port: d.Port, Err: err}
			break
		}
		info, err := l.open(d)
		if err == nil {
			l.setState(domain.StateConnected)
			l.logger.Info("Connected to HS3",
				zap.String("port", info.Port),
				zap.String("method", info.Method),
				zap.String("identification", info.Identification))
			return info, nil
		}
		lastErr = err
		l.logger.Warn("Handshake failed", zap.String("port", d.Port), zap.Error(err))
	}

	l.fault(lastErr)
	return nil, lastErr
}

func (l *Link) open(d domain.DeviceDescriptor) (*domain.DeviceInfo, error) {
	t, err := l.opener.Open(d.Port)
	if err != nil {
		return nil, &domain.ConnectionError{Kind: domain.ConnNotFound, Port: d.Port, Err: err}
	}
	l.transport = t

	reply, err := l.exchange(CmdIdentify, l.cfg.IdentifySettle)
	if err != nil {
		l.closeTransport()
		kind := domain.ConnTimeout
		var cerr *domain.CommunicationError
		if errors.As(err, &cerr) && cerr.Kind == domain.CommMalformedResponse {
			kind = domain.ConnProtocolMismatch
		}
		return nil, &domain.ConnectionError{Kind: kind, Port: d.Port, Err: err}
	}
	if !ValidIdentification(reply) {
		l.closeTransport()
		return nil, &domain.ConnectionError{Kind: domain.ConnProtocolMismatch, Port: d.Port, Detail: reply}
	}

	l.handshakeOK = true
	l.applied = domain.ParameterSet{}
	l.info = &domain.DeviceInfo{
		Identification: reply,
		Port:           d.Port,
		Method:         d.Method,
		VendorID:       d.VendorID,
		ProductID:      d.ProductID,
		SerialNumber:   d.SerialNumber,
		ConnectedAt:    l.clock.Now(),
	}
	return l.Info(), nil
}

func (l *Link) closeTransport() {
	if l.transport == nil {
		return
	}
	if err := l.transport.Close(); err != nil {
		l.logger.Warn("Failed to close transport", zap.Error(err))
	}
	l.transport = nil
}

func (l *Link) exchange(cmd string, settle time.Duration) (string, error) {
	if l.transport == nil {
		return "", &domain.CommunicationError{Kind: domain.CommNotConnected, Command: cmd}
	}
	if _, err := l.transport.Write([]byte(cmd + terminator)); err != nil {
		return "", &domain.CommunicationError{Kind: domain.CommTransport, Command: cmd, Err: err}
	}
	l.sleep(settle)
	raw, err := l.transport.ReadAvailable()
	if err != nil {
		return "", &domain.CommunicationError{Kind: domain.CommTransport, Command: cmd, Err: err}
	}
	if len(raw) == 0 {
		return "", &domain.CommunicationError{Kind: domain.CommEmptyResponse, Command: cmd}
	}
	reply, ok := decodeReply(raw)
	if !ok {
		return "", &domain.CommunicationError{Kind: domain.CommMalformedResponse, Command: cmd}
	}
	if strings.TrimSpace(reply) == "" {
		return "", &domain.CommunicationError{Kind: domain.CommEmptyResponse, Command: cmd}
	}
	return reply, nil
}

// Send writes one command and returns the raw reply. It is never retried.
func (l *Link) Send(cmd string) (string, error) {
	return l.exchange(cmd, l.cfg.SettleDelay)
}

func (l *Link) ready() error {
	switch l.state {
	case domain.StateConnected, domain.StateGenerating:
		return nil
	case domain.StateError:
		return domain.ErrLinkFaulted
	default:
		return domain.ErrNotConnected
	}
}

// command sends cmd and requires an OK reply; any failure faults the link.
func (l *Link) command(cmd string) error {
	reply, err := l.Send(cmd)
	if err != nil {
		l.fault(err)
		return err
	}
	if !IsSuccess(reply) {
		err := &domain.CommunicationError{Kind: domain.CommRejected, Command: cmd, Response: reply}
		l.fault(err)
		return err
	}
	return nil
}

// SetFrequency validates and applies a frequency in hertz.
func (l *Link) SetFrequency(hz float64) error {
	if err := l.ready(); err != nil {
		return err
	}
	if err := l.validator.ValidateFrequency(hz); err != nil {
		return err
	}
	if err := l.command(setCommand(CmdFrequency, hz)); err != nil {
		return err
	}
	l.applied.Frequency = hz
	return nil
}

// SetAmplitude validates and applies an amplitude in volts.
func (l *Link) SetAmplitude(v float64) error {
	if err := l.ready(); err != nil {
		return err
	}
	if err := l.validator.ValidateAmplitude(v); err != nil {
		return err
	}
	if err := l.command(setCommand(CmdAmplitude, v)); err != nil {
		return err
	}
	l.applied.Amplitude = v
	return nil
}

// SetOffset validates and applies a DC offset in volts.
func (l *Link) SetOffset(v float64) error {
	if err := l.ready(); err != nil {
		return err
	}
	if err := l.validator.ValidateOffset(v); err != nil {
		return err
	}
	if err := l.command(setCommand(CmdOffset, v)); err != nil {
		return err
	}
	l.applied.Offset = v
	return nil
}

// Start turns the output on. The applied set must satisfy every limit,
// including amplitude + |offset|.
func (l *Link) Start() error {
	if err := l.ready(); err != nil {
		return err
	}
	if err := l.validator.ValidateParameters(l.applied); err != nil {
		return err
	}
	if err := l.command(CmdStart); err != nil {
		return err
	}
	l.setState(domain.StateGenerating)
	return nil
}

// Stop turns the output off. It is attempted whenever a transport is open,
// even in Error state, and is a no-op when disconnected.
func (l *Link) Stop() error {
	if l.transport == nil {
		return nil
	}
	if l.state == domain.StateError {
		return l.stopBestEffort()
	}
	if err := l.command(CmdStop); err != nil {
		return err
	}
	l.setState(domain.StateConnected)
	return nil
}

func (l *Link) stopBestEffort() error {
	reply, err := l.Send(CmdStop)
	if err != nil {
		return err
	}
	if !IsSuccess(reply) {
		return &domain.CommunicationError{Kind: domain.CommRejected, Command: CmdStop, Response: reply}
	}
	return nil
}

// Status returns the cached status without device I/O.
func (l *Link) Status() domain.DeviceStatus {
	return domain.DeviceStatus{
		State:      l.state,
		Connected:  l.IsConnected(),
		Generating: l.state == domain.StateGenerating,
		Info:       l.Info(),
		Applied:    l.applied,
		Raw:        l.lastRaw,
		LastError:  l.lastError,
	}
}

// QueryStatus asks the device for STATUS?. A failed query after a successful
// handshake still reports the link as connected, with Warning set.
func (l *Link) QueryStatus() domain.DeviceStatus {
	if l.transport == nil || !l.IsConnected() {
		return l.Status()
	}
	reply, err := l.Send(CmdStatus)
	if err != nil {
		st := l.Status()
		if l.handshakeOK {
			st.Warning = "status query failed: " + err.Error()
		}
		l.logger.Warn("Status query failed", zap.Error(err))
		return st
	}
	l.lastRaw = reply
	return l.Status()
}

// Disconnect stops the output, releases the transport and resets the link.
// It is idempotent and always ends Disconnected.
func (l *Link) Disconnect() error {
	var stopErr error
	if l.transport != nil {
		if err := l.stopBestEffort(); err != nil {
			stopErr = err
			l.logger.Warn("Stop before disconnect failed", zap.Error(err))
		}
		l.closeTransport()
	}
	l.info = nil
	l.applied = domain.ParameterSet{}
	l.handshakeOK = false
	l.lastRaw = ""
	l.lastError = ""
	l.setState(domain.StateDisconnected)
	return stopErr
}
