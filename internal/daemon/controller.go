// Package daemon wires the generator link, the safety monitor and the session
// engine onto one event loop and runs them as a long-lived process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/eliteGoblin/hs3guard/internal/config"
	"github.com/eliteGoblin/hs3guard/internal/domain"
	"github.com/eliteGoblin/hs3guard/internal/events"
	"github.com/eliteGoblin/hs3guard/internal/hs3"
	"github.com/eliteGoblin/hs3guard/internal/httpapi"
	"github.com/eliteGoblin/hs3guard/internal/infra"
	"github.com/eliteGoblin/hs3guard/internal/loop"
	"github.com/eliteGoblin/hs3guard/internal/policy"
	"github.com/eliteGoblin/hs3guard/internal/usecase"
)

const (
	metaLastDevice  = "last_device"
	shutdownTimeout = 5 * time.Second
)

// Stores is the persistence the controller writes to.
type Stores interface {
	domain.SessionRecordStore
	domain.SafetyEventStore
}

// Option customizes a Controller. Tests use them to swap hardware and storage.
type Option func(*options)

type options struct {
	clock      clock.Clock
	opener     domain.TransportOpener
	probe      domain.DeviceProbe
	stores     Stores
	host       domain.HostSampler
	publishers []domain.EventPublisher
	sleeper    func(time.Duration)
	watcher    WatcherConfig
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithOpener replaces the serial port opener.
func WithOpener(op domain.TransportOpener) Option {
	return func(o *options) { o.opener = op }
}

// WithProbe replaces USB and serial discovery.
func WithProbe(p domain.DeviceProbe) Option {
	return func(o *options) { o.probe = p }
}

// WithStores replaces the encrypted store.
func WithStores(s Stores) Option {
	return func(o *options) { o.stores = s }
}

// WithHostSampler replaces the gopsutil sampler.
func WithHostSampler(h domain.HostSampler) Option {
	return func(o *options) { o.host = h }
}

// WithPublishers replaces the publishers built from the configuration.
func WithPublishers(p ...domain.EventPublisher) Option {
	return func(o *options) { o.publishers = p }
}

// WithWatcherConfig changes the heartbeat and status report intervals.
func WithWatcherConfig(cfg WatcherConfig) Option {
	return func(o *options) { o.watcher = cfg }
}

// WithSleeper replaces the protocol settle wait.
func WithSleeper(fn func(time.Duration)) Option {
	return func(o *options) { o.sleeper = fn }
}

// Controller owns every runtime component. Loop-owned components (link,
// monitor, engine, bus) are only touched through Call once Start has run.
type Controller struct {
	cfg    *config.Config
	logger *zap.Logger

	loop      *loop.Loop
	bus       *events.Bus
	validator *policy.Validator
	link      *hs3.Link
	monitor   *usecase.Monitor
	engine    *usecase.Engine
	stores    Stores
	closer    func() error
	meta      metaStore

	registry  *prometheus.Registry
	metrics   *infra.PromMetrics
	forwarder *events.Forwarder
	server    *httpapi.Server
	watcher   *Watcher

	mu      sync.Mutex
	cancel  context.CancelFunc
	loopErr chan error
	stopped bool
}

type metaStore interface {
	SetMeta(ctx context.Context, key, value string) error
}

// New builds the component graph from cfg. Nothing touches the hardware
// until Connect.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{clock: clock.New(), watcher: DefaultWatcherConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	limits, err := policy.LoadLimits(cfg.LimitsFile)
	if err != nil {
		return nil, err
	}

	c := &Controller{cfg: cfg, logger: logger}
	c.validator = policy.NewValidator(limits)
	c.loop = loop.New(o.clock, logger.Named("loop"))
	c.bus = events.NewBus(logger.Named("bus"))
	c.bus.OnSystemError(func(err error) {
		logger.Error("Event handler failed", zap.Error(err))
	})

	if o.stores != nil {
		c.stores = o.stores
		c.closer = func() error { return nil }
	} else {
		store, err := OpenStore(cfg)
		if err != nil {
			return nil, err
		}
		c.stores = store
		c.closer = store.Close
	}
	if m, ok := c.stores.(metaStore); ok {
		c.meta = m
	}

	if o.opener == nil {
		o.opener = infra.NewSerialOpener(infra.SerialConfig{
			BaudRate:    cfg.Device.BaudRate,
			ReadTimeout: cfg.Device.ReadTimeout,
		})
	}
	if o.probe == nil {
		o.probe, err = NewProbe(cfg, o.opener, logger)
		if err != nil {
			c.closer()
			return nil, err
		}
	}
	linkOpts := []hs3.LinkOption{hs3.WithBus(c.bus), hs3.WithClock(o.clock)}
	if o.sleeper != nil {
		linkOpts = append(linkOpts, hs3.WithSleeper(o.sleeper))
	}
	c.link = hs3.NewLink(hs3.LinkConfig{
		SettleDelay:    cfg.Device.SettleDelay,
		IdentifySettle: cfg.Device.IdentifySettle,
	}, c.validator, o.opener, o.probe, logger.Named("hs3"), linkOpts...)

	if o.host == nil {
		o.host = infra.NewHostSampler(cfg.Monitor.ConflictingProcesses)
	}
	rules := policy.NewRuleSet(policy.RuleOptions{MemoryThresholdPercent: cfg.Monitor.MemoryThresholdPercent})
	eventLog := usecase.NewEventLog(cfg.Monitor.Retention, c.stores, logger.Named("events"))
	c.monitor = usecase.NewMonitor(usecase.MonitorConfig{
		TickInterval:    cfg.Monitor.TickInterval,
		CleanupInterval: cfg.Monitor.CleanupInterval,
	}, c.loop, c.validator, rules, c.link, eventLog, c.bus, logger.Named("safety"),
		usecase.WithHostSampler(o.host))

	c.engine = usecase.NewEngine(usecase.EngineConfig{
		RevalidateEachStep: cfg.Monitor.RevalidateEachStep,
	}, c.loop, c.validator, c.link, c.monitor, c.bus, logger.Named("session"),
		usecase.WithRecordStore(c.stores))

	c.registry = prometheus.NewRegistry()
	c.metrics = infra.NewPromMetrics(c.registry)
	c.bus.Subscribe(c.metrics.Observe)

	publishers := o.publishers
	if publishers == nil {
		publishers, err = NewPublishers(context.Background(), cfg.Publish, logger)
		if err != nil {
			c.closer()
			return nil, err
		}
	}
	if len(publishers) > 0 {
		c.forwarder = events.NewForwarder(logger.Named("forwarder"), cfg.Publish.QueueSize, cfg.Publish.Timeout, publishers...)
		c.forwarder.OnDrop(c.metrics.IncDropped)
		c.bus.Subscribe(c.forwarder.Handle)
	}

	c.watcher = NewWatcher(o.watcher, c.meta, c.Sample, logger.Named("watcher"))

	if cfg.HTTP.Addr != "" {
		c.server = httpapi.NewServer(cfg.HTTP.Addr, c.apiDeps(), logger.Named("http"))
	}
	return c, nil
}

func (c *Controller) apiDeps() httpapi.Deps {
	return httpapi.Deps{
		Loop:      c.loop,
		Engine:    c.engine,
		Monitor:   c.monitor,
		Device:    c.link,
		Validator: c.validator,
		Store:     c.stores,
		Events:    c.stores,
		Gatherer:  c.registry,
	}
}

// HTTPHandler returns the API routes without listening, for embedding.
func (c *Controller) HTTPHandler() http.Handler {
	return httpapi.NewServer("", c.apiDeps(), c.logger.Named("http")).Handler()
}

// Start runs the event loop, the forwarder and the HTTP API in the background.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.loopErr = make(chan error, 1)

	if c.forwarder != nil {
		// Queued events are still delivered while Shutdown drains the forwarder.
		c.forwarder.Start(context.WithoutCancel(ctx))
	}
	go func() {
		c.loopErr <- c.loop.Run(runCtx)
	}()
	go c.watcher.Run(runCtx)
	if c.server != nil {
		go func() {
			if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.logger.Error("HTTP API stopped", zap.Error(err))
			}
		}()
	}
	c.logger.Info("Controller started",
		zap.String("data_dir", c.cfg.Store.DataDir),
		zap.Bool("http", c.server != nil),
		zap.Bool("forwarder", c.forwarder != nil))
}

// Call runs fn on the event loop.
func (c *Controller) Call(ctx context.Context, fn func() error) error {
	return c.loop.Call(ctx, fn)
}

// Connect opens the configured port (or discovers one) and starts safety
// monitoring.
func (c *Controller) Connect(ctx context.Context) (*domain.DeviceInfo, error) {
	var info *domain.DeviceInfo
	err := c.Call(ctx, func() error {
		var err error
		info, err = c.link.Connect(ctx, c.cfg.Device.Port)
		if err != nil {
			return err
		}
		if !c.monitor.StartMonitoring() {
			return fmt.Errorf("safety monitoring could not be started on %s", info.Port)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.meta != nil {
		if err := c.meta.SetMeta(ctx, metaLastDevice, info.Port+" "+info.Identification); err != nil {
			c.logger.Warn("Failed to remember device", zap.Error(err))
		}
	}
	return info, nil
}

// Run starts plan and returns a channel that receives the terminal event of
// the session (completed, stopped or error).
func (c *Controller) Run(ctx context.Context, label string, steps []domain.StepSpec, opts ...usecase.StartOption) (string, <-chan domain.Event, error) {
	done := make(chan domain.Event, 1)
	var id string
	err := c.Call(ctx, func() error {
		plan, err := c.engine.CreatePlan(label, steps)
		if err != nil {
			return err
		}
		var session string
		var unsubscribe func()
		unsubscribe = c.bus.Subscribe(func(ev domain.Event) {
			if ev.Kind == domain.KindSessionStarted {
				if session == "" {
					session = ev.SessionID
				}
				return
			}
			if session == "" || ev.SessionID != session {
				return
			}
			select {
			case done <- ev:
			default:
			}
			unsubscribe()
		}, domain.KindSessionStarted, domain.KindSessionCompleted, domain.KindSessionStopped, domain.KindSessionError)

		id, err = c.engine.Start(plan, opts...)
		if id == "" {
			unsubscribe()
		}
		return err
	})
	return id, done, err
}

// Sample collects device, session and safety status in one loop turn.
func (c *Controller) Sample(ctx context.Context) (Report, error) {
	var r Report
	err := c.Call(ctx, func() error {
		r = Report{
			Device:  c.link.Status(),
			Session: c.engine.Status(),
			Safety:  c.monitor.Status(),
		}
		return nil
	})
	return r, err
}

// Stop ends the active session as interrupted.
func (c *Controller) Stop(ctx context.Context) error {
	return c.Call(ctx, func() error {
		c.engine.Stop()
		return nil
	})
}

// EmergencyStop triggers the emergency shutdown path.
func (c *Controller) EmergencyStop(ctx context.Context, reason string) (bool, error) {
	var ok bool
	err := c.Call(ctx, func() error {
		ok = c.engine.EmergencyStop(reason)
		return nil
	})
	return ok, err
}

// Shutdown stops any session, disconnects the generator and releases every
// resource. It is safe to call more than once.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	var errs []error
	if cancel != nil {
		err := c.Call(ctx, func() error {
			if c.engine.Active() {
				c.engine.Stop()
			}
			c.monitor.StopMonitoring()
			return c.link.Disconnect()
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to stop device: %w", err))
		}
		if c.server != nil {
			if err := c.server.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		cancel()
		select {
		case <-c.loopErr:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		if c.forwarder != nil {
			if err := c.forwarder.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := c.closer(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	c.logger.Info("Controller stopped")
	return errors.Join(errs...)
}

// Validator returns the limits validator.
func (c *Controller) Validator() *policy.Validator { return c.validator }

// Engine returns the session engine. Use it inside Call.
func (c *Controller) Engine() *usecase.Engine { return c.engine }

// Monitor returns the safety monitor. Use it inside Call.
func (c *Controller) Monitor() *usecase.Monitor { return c.monitor }

// Link returns the device link. Use it inside Call.
func (c *Controller) Link() *hs3.Link { return c.link }

// Bus returns the event bus. Subscribe inside Call.
func (c *Controller) Bus() *events.Bus { return c.bus }

func (c *Controller) Stores() Stores { return c.stores }

func (c *Controller) Registry() *prometheus.Registry { return c.registry }

// OpenStore opens the encrypted store under cfg.Store.DataDir, creating the
// key on first use.
func OpenStore(cfg *config.Config) (*infra.EncryptedStore, error) {
	key, err := infra.EnsureKey(infra.KeyProviderFor(cfg.Store.DataDir, cfg.Store.KeyEnv))
	if err != nil {
		return nil, fmt.Errorf("failed to load store key: %w", err)
	}
	return infra.NewEncryptedStore(cfg.Store.DataDir, key)
}

// NewProbe returns USB enumeration followed by serial identification.
func NewProbe(cfg *config.Config, opener domain.TransportOpener, logger *zap.Logger) (*hs3.ProbeChain, error) {
	serialProbe, err := infra.NewSerialProbe(opener, cfg.Device.IdentifyPattern, cfg.Device.IdentifySettle, logger.Named("probe"))
	if err != nil {
		return nil, err
	}
	return hs3.NewProbeChain(logger.Named("probe"),
		infra.NewUSBProbe(cfg.Device.VendorID, cfg.Device.ProductIDs, opener, logger.Named("probe")),
		serialProbe,
	), nil
}

// NewPublishers connects every configured event sink. A sink that cannot
// connect fails startup.
func NewPublishers(ctx context.Context, cfg config.PublishConfig, logger *zap.Logger) ([]domain.EventPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var out []domain.EventPublisher
	closeAll := func() {
		for _, p := range out {
			p.Close()
		}
	}
	if cfg.MQTT != nil {
		p, err := infra.NewMQTTPublisher(*cfg.MQTT)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if cfg.Redis != nil {
		p, err := infra.NewRedisStreamPublisher(ctx, *cfg.Redis)
		if err != nil {
			closeAll()
			return nil, err
		}
		out = append(out, p)
	}
	if cfg.Kafka != nil {
		p, err := infra.NewKafkaPublisher(*cfg.Kafka)
		if err != nil {
			closeAll()
			return nil, err
		}
		out = append(out, p)
	}
	for _, p := range out {
		logger.Info("Event sink enabled", zap.String("publisher", p.Name()))
	}
	return out, nil
}
