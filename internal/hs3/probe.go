package hs3

import (
	"context"

	"go.uber.org/zap"

	"github.com/eliteGoblin/hs3guard/internal/domain"
)

// ProbeChain runs discovery strategies in order and returns the first
// non-empty result. A failing probe is logged and the next one is tried.
type ProbeChain struct {
	probes []domain.DeviceProbe
	logger *zap.Logger
}

// NewProbeChain creates a chain. Typical order: USB enumeration, then serial identification.
func NewProbeChain(logger *zap.Logger, probes ...domain.DeviceProbe) *ProbeChain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProbeChain{probes: probes, logger: logger}
}

func (c *ProbeChain) Name() string {
	return "chain"
}

// Probes returns the strategies in order.
func (c *ProbeChain) Probes() []domain.DeviceProbe {
	return c.probes
}

// Discover returns the devices found by the first probe that finds any.
func (c *ProbeChain) Discover(ctx context.Context) ([]domain.DeviceDescriptor, error) {
	for _, p := range c.probes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := p.Discover(ctx)
		if err != nil {
			c.logger.Warn("Discovery probe failed", zap.String("probe", p.Name()), zap.Error(err))
			continue
		}
		if len(found) > 0 {
			c.logger.Info("HS3 discovered",
				zap.String("probe", p.Name()),
				zap.Int("count", len(found)),
				zap.String("port", found[0].Port))
			return found, nil
		}
		c.logger.Debug("Probe found nothing", zap.String("probe", p.Name()))
	}
	return nil, nil
}

// Ensure implementations satisfy interfaces
var _ domain.DeviceProbe = (*ProbeChain)(nil)
