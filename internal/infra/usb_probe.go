package infra

import (
	"context"
	"fmt"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"github.com/eliteGoblin/hs3guard/internal/domain"
)

// modemStatusReader is implemented by transports backed by a real serial
// port.
type modemStatusReader interface {
	ModemStatus() (*serial.ModemStatusBits, error)
}

// USBProbe finds generators by USB vendor/product id, then opens each match
// and reads its modem lines to confirm it is physically present.
type USBProbe struct {
	vendorID   string
	productIDs []string
	opener     domain.TransportOpener
	logger     *zap.Logger
	listFn     func() ([]*enumerator.PortDetails, error)
}

// NewUSBProbe matches ports whose VID is vendorID and PID is one of
// productIDs. With a nil opener the enumerator list is trusted as is.
func NewUSBProbe(vendorID string, productIDs []string, opener domain.TransportOpener, logger *zap.Logger) *USBProbe {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &USBProbe{
		vendorID:   vendorID,
		productIDs: productIDs,
		opener:     opener,
		logger:     logger,
		listFn:     enumerator.GetDetailedPortsList,
	}
}

func (p *USBProbe) Name() string {
	return "usb"
}

// Discover lists serial ports with USB details and keeps the matching ones
// that open and answer a modem status query. No command is sent.
func (p *USBProbe) Discover(ctx context.Context) ([]domain.DeviceDescriptor, error) {
	ports, err := p.listFn()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate USB ports: %w", err)
	}
	var found []domain.DeviceDescriptor
	for _, port := range ports {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if port == nil || !port.IsUSB || !strings.EqualFold(port.VID, p.vendorID) || !p.knownProduct(port.PID) {
			continue
		}
		if err := p.present(port.Name); err != nil {
			p.logger.Debug("USB match not present", zap.String("port", port.Name), zap.Error(err))
			continue
		}
		found = append(found, domain.DeviceDescriptor{
			Port:         port.Name,
			Method:       p.Name(),
			VendorID:     strings.ToUpper(port.VID),
			ProductID:    strings.ToUpper(port.PID),
			SerialNumber: port.SerialNumber,
			Product:      port.Product,
		})
	}
	return found, nil
}

func (p *USBProbe) present(port string) error {
	if p.opener == nil {
		return nil
	}
	t, err := p.opener.Open(port)
	if err != nil {
		return err
	}
	defer t.Close()
	if mr, ok := t.(modemStatusReader); ok {
		if _, err := mr.ModemStatus(); err != nil {
			return fmt.Errorf("modem status query failed: %w", err)
		}
	}
	return nil
}

func (p *USBProbe) knownProduct(pid string) bool {
	for _, want := range p.productIDs {
		if strings.EqualFold(pid, want) {
			return true
		}
	}
	return false
}

var _ domain.DeviceProbe = (*USBProbe)(nil)
