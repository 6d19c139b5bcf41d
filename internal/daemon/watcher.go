package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/hs3guard/internal/domain"
	"github.com/eliteGoblin/hs3guard/internal/usecase"
)

const metaHeartbeat = "heartbeat"

// WatcherConfig holds watcher configuration.
type WatcherConfig struct {
	HeartbeatInterval time.Duration // how often the store heartbeat is written
	ReportInterval    time.Duration // how often a status line is logged
}

// DefaultWatcherConfig returns default watcher configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		HeartbeatInterval: 30 * time.Second,
		ReportInterval:    time.Minute,
	}
}

// Report is what the watcher samples from the loop.
type Report struct {
	Device  domain.DeviceStatus
	Session usecase.SessionReport
	Safety  usecase.SafetyStatus
}

// Sampler collects a Report on the event loop.
type Sampler func(ctx context.Context) (Report, error)

// Watcher runs beside the event loop. It writes a heartbeat to the store so
// other tools can tell the controller is alive, and logs periodic status.
type Watcher struct {
	config WatcherConfig
	meta   metaStore
	sample Sampler
	clock  func() time.Time
	logger *zap.Logger
}

// NewWatcher creates a watcher. meta may be nil.
func NewWatcher(config WatcherConfig, meta metaStore, sample Sampler, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		config: config,
		meta:   meta,
		sample: sample,
		clock:  time.Now,
		logger: logger,
	}
}

// Run blocks until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("Watcher started",
		zap.Duration("heartbeat", w.config.HeartbeatInterval),
		zap.Duration("report", w.config.ReportInterval))

	w.heartbeat(ctx)

	heartbeatTicker := time.NewTicker(w.config.HeartbeatInterval)
	reportTicker := time.NewTicker(w.config.ReportInterval)
	defer func() {
		heartbeatTicker.Stop()
		reportTicker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Watcher stopping")
			return ctx.Err()

		case <-heartbeatTicker.C:
			w.heartbeat(ctx)

		case <-reportTicker.C:
			w.report(ctx)
		}
	}
}

func (w *Watcher) heartbeat(ctx context.Context) {
	if w.meta == nil {
		return
	}
	if err := w.meta.SetMeta(ctx, metaHeartbeat, w.clock().UTC().Format(time.RFC3339)); err != nil {
		w.logger.Warn("Failed to update heartbeat", zap.Error(err))
	}
}

func (w *Watcher) report(ctx context.Context) {
	r, err := w.sample(ctx)
	if err != nil {
		w.logger.Debug("Status sample skipped", zap.Error(err))
		return
	}

	fields := []zap.Field{
		zap.String("device", string(r.Device.State)),
		zap.Bool("generating", r.Device.Generating),
		zap.String("safety", r.Safety.Level),
		zap.Bool("monitoring", r.Safety.Monitoring),
	}
	if r.Session.Active {
		fields = append(fields,
			zap.String("session_id", r.Session.SessionID),
			zap.Int("step", r.Session.CurrentStep),
			zap.Int("total_steps", r.Session.TotalSteps),
			zap.Int("progress", r.Session.Progress))
	}
	if len(r.Safety.ActiveWarnings) > 0 {
		fields = append(fields, zap.Strings("warnings", r.Safety.ActiveWarnings))
		w.logger.Warn("Status report", fields...)
		return
	}
	w.logger.Info("Status report", fields...)
}
