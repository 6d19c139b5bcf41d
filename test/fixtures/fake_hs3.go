// Package fixtures provides test doubles shared by package and integration tests.
package fixtures

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/eliteGoblin/hs3guard/internal/domain"
)

// DefaultIdentity is the *IDN? reply of the fake generator.
const DefaultIdentity = "HS3 Frequency Generator,SN1234,FW2.1"

// ErrUnplugged is returned by a fake that has been unplugged.
var ErrUnplugged = errors.New("device unplugged")

// FakeHS3 emulates an HS3 generator speaking the line protocol.
// It is both the Transport and the TransportOpener.
type FakeHS3 struct {
	mu sync.Mutex

	identity  string
	overrides map[string]string
	openErr   error
	unplugged bool

	port       string
	open       bool
	opens      int
	pending    []byte
	commands   []string
	generating bool
	params     domain.ParameterSet
}

// NewFakeHS3 creates a fake answering like a healthy device.
func NewFakeHS3() *FakeHS3 {
	return &FakeHS3{
		identity:  DefaultIdentity,
		overrides: make(map[string]string),
	}
}

// SetIdentity changes the *IDN? reply. An empty identity makes the device silent on *IDN?.
func (f *FakeHS3) SetIdentity(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identity = id
}

// SetResponse overrides the reply for a command verb ("AMPL", "START", "STATUS?").
func (f *FakeHS3) SetResponse(verb, reply string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[verb] = reply
}

// FailOpen makes Open return err.
func (f *FakeHS3) FailOpen(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// Unplug simulates the cable being pulled: writes fail and nothing is read.
func (f *FakeHS3) Unplug() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unplugged = true
	f.generating = false
	f.pending = nil
}

// Open implements domain.TransportOpener.
func (f *FakeHS3) Open(port string) (domain.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	if f.unplugged {
		return nil, ErrUnplugged
	}
	f.port = port
	f.open = true
	f.opens++
	return f, nil
}

// Write implements domain.Transport.
func (f *FakeHS3) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unplugged {
		return 0, ErrUnplugged
	}
	if !f.open {
		return 0, errors.New("port closed")
	}
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		f.commands = append(f.commands, line)
		if reply := f.reply(line); reply != "" {
			f.pending = append(f.pending, reply+"\n"...)
		}
	}
	return len(p), nil
}

func (f *FakeHS3) reply(line string) string {
	verb, arg, _ := strings.Cut(line, " ")
	if r, ok := f.overrides[verb]; ok {
		return r
	}
	switch verb {
	case "*IDN?":
		return f.identity
	case "FREQ", "AMPL", "OFFS":
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return "ERROR bad value"
		}
		switch verb {
		case "FREQ":
			f.params.Frequency = v
		case "AMPL":
			f.params.Amplitude = v
		case "OFFS":
			f.params.Offset = v
		}
		return "OK"
	case "START":
		f.generating = true
		return "OK"
	case "STOP":
		f.generating = false
		return "OK"
	case "STATUS?":
		if f.generating {
			return fmt.Sprintf("OK RUNNING FREQ=%g AMPL=%g OFFS=%g", f.params.Frequency, f.params.Amplitude, f.params.Offset)
		}
		return "OK IDLE"
	}
	return "ERROR unknown command"
}

// ReadAvailable implements domain.Transport.
func (f *FakeHS3) ReadAvailable() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unplugged {
		return nil, nil
	}
	out := f.pending
	f.pending = nil
	return out, nil
}

// Close implements domain.Transport.
func (f *FakeHS3) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.generating = false
	f.pending = nil
	return nil
}

// Commands returns every command line received so far.
func (f *FakeHS3) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// CommandsWithVerb returns received commands whose verb matches.
func (f *FakeHS3) CommandsWithVerb(verb string) []string {
	var out []string
	for _, c := range f.Commands() {
		if v, _, _ := strings.Cut(c, " "); v == verb {
			out = append(out, c)
		}
	}
	return out
}

// GenerationCommands returns commands that change the output (everything but queries).
func (f *FakeHS3) GenerationCommands() []string {
	var out []string
	for _, c := range f.Commands() {
		if !strings.HasSuffix(c, "?") {
			out = append(out, c)
		}
	}
	return out
}

// ClearCommands forgets the command history.
func (f *FakeHS3) ClearCommands() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = nil
}

// Generating reports whether the fake output is on.
func (f *FakeHS3) Generating() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generating
}

// Params returns the last values the fake accepted.
func (f *FakeHS3) Params() domain.ParameterSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params
}

// IsOpen reports whether a transport is currently open.
func (f *FakeHS3) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// Port returns the last port opened.
func (f *FakeHS3) Port() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.port
}

// StaticProbe is a DeviceProbe returning fixed descriptors.
type StaticProbe struct {
	ProbeName   string
	Descriptors []domain.DeviceDescriptor
	Err         error
	Calls       int
}

func (p *StaticProbe) Name() string { return p.ProbeName }

func (p *StaticProbe) Discover(_ context.Context) ([]domain.DeviceDescriptor, error) {
	p.Calls++
	return p.Descriptors, p.Err
}

var (
	_ domain.Transport       = (*FakeHS3)(nil)
	_ domain.TransportOpener = (*FakeHS3)(nil)
	_ domain.DeviceProbe     = (*StaticProbe)(nil)
)

// Opens returns how many times the port was opened.
func (f *FakeHS3) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}
