package infra

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"github.com/eliteGoblin/hs3guard/internal/domain"
)

const readChunk = 256

// SerialConfig holds the port settings of the generator.
type SerialConfig struct {
	BaudRate    int
	ReadTimeout time.Duration
}

// DefaultSerialConfig returns 9600 8N1 with a 1s read timeout.
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{BaudRate: 9600, ReadTimeout: time.Second}
}

// SerialOpener implements domain.TransportOpener on go.bug.st/serial.
type SerialOpener struct {
	cfg    SerialConfig
	openFn func(port string, mode *serial.Mode) (serial.Port, error)
}

// NewSerialOpener creates an opener with cfg.
func NewSerialOpener(cfg SerialConfig) *SerialOpener {
	return &SerialOpener{cfg: cfg, openFn: serial.Open}
}

// Open opens port in 8N1 mode and applies the read timeout.
func (o *SerialOpener) Open(port string) (domain.Transport, error) {
	mode := &serial.Mode{
		BaudRate: o.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := o.openFn(port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", port, err)
	}
	if err := p.SetReadTimeout(o.cfg.ReadTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", port, err)
	}
	return newSerialTransport(p), nil
}

// serialTransport drains whatever the port has buffered. A read that times
// out returns zero bytes, which ends the reply.
type serialTransport struct {
	port io.ReadWriteCloser
}

func newSerialTransport(p io.ReadWriteCloser) *serialTransport {
	return &serialTransport{port: p}
}

func (t *serialTransport) Write(p []byte) (int, error) {
	return t.port.Write(p)
}

func (t *serialTransport) ReadAvailable() ([]byte, error) {
	var out []byte
	buf := make([]byte, readChunk)
	for {
		n, err := t.port.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			if err == io.EOF && len(out) > 0 {
				return out, nil
			}
			return out, err
		}
		if n == 0 || bytes.HasSuffix(out, []byte("\n")) {
			return out, nil
		}
	}
}

// ModemStatus reads the modem control lines. Only a connected device
// answers.
func (t *serialTransport) ModemStatus() (*serial.ModemStatusBits, error) {
	sp, ok := t.port.(interface {
		GetModemStatusBits() (*serial.ModemStatusBits, error)
	})
	if !ok {
		return nil, errors.New("port has no modem status lines")
	}
	return sp.GetModemStatusBits()
}

func (t *serialTransport) Close() error {
	return t.port.Close()
}

var (
	_ domain.TransportOpener = (*SerialOpener)(nil)
	_ domain.Transport       = (*serialTransport)(nil)
)
