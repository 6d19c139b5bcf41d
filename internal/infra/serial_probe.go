package infra

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/eliteGoblin/hs3guard/internal/domain"
	"github.com/eliteGoblin/hs3guard/internal/hs3"
)

// DefaultIdentifyPattern matches *IDN? replies of HS3 compatible generators.
const DefaultIdentifyPattern = `(?i)hs3|frequency|generator`

// SerialProbe opens every serial port, sends *IDN? and keeps the ports whose
// reply matches the identification pattern.
type SerialProbe struct {
	opener  domain.TransportOpener
	pattern *regexp.Regexp
	settle  time.Duration
	logger  *zap.Logger

	listFn  func() ([]string, error)
	sleepFn func(time.Duration)
}

// NewSerialProbe compiles pattern ("" uses DefaultIdentifyPattern).
func NewSerialProbe(opener domain.TransportOpener, pattern string, settle time.Duration, logger *zap.Logger) (*SerialProbe, error) {
	if pattern == "" {
		pattern = DefaultIdentifyPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid identify pattern: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SerialProbe{
		opener:  opener,
		pattern: re,
		settle:  settle,
		logger:  logger,
		listFn:  serial.GetPortsList,
		sleepFn: time.Sleep,
	}, nil
}

func (p *SerialProbe) Name() string {
	return "serial"
}

// Discover identifies each port in turn. Ports that fail to open or answer
// are skipped.
func (p *SerialProbe) Discover(ctx context.Context) ([]domain.DeviceDescriptor, error) {
	ports, err := p.listFn()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	var found []domain.DeviceDescriptor
	for _, port := range ports {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		reply, err := p.identify(port)
		if err != nil {
			p.logger.Debug("Port did not identify", zap.String("port", port), zap.Error(err))
			continue
		}
		if !hs3.ValidIdentification(reply) || !p.pattern.MatchString(reply) {
			p.logger.Debug("Port is not an HS3", zap.String("port", port), zap.String("reply", reply))
			continue
		}
		p.logger.Info("HS3 identified", zap.String("port", port), zap.String("reply", reply))
		found = append(found, domain.DeviceDescriptor{
			Port:     port,
			Method:   p.Name(),
			Response: reply,
		})
	}
	return found, nil
}

func (p *SerialProbe) identify(port string) (string, error) {
	t, err := p.opener.Open(port)
	if err != nil {
		return "", err
	}
	defer t.Close()

	if _, err := t.Write([]byte(hs3.CmdIdentify + "\n")); err != nil {
		return "", err
	}
	p.sleepFn(p.settle)
	raw, err := t.ReadAvailable()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

var _ domain.DeviceProbe = (*SerialProbe)(nil)
