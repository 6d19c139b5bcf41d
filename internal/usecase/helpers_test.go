package usecase

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/hs3guard/internal/domain"
	"github.com/eliteGoblin/hs3guard/internal/events"
	"github.com/eliteGoblin/hs3guard/internal/hs3"
	"github.com/eliteGoblin/hs3guard/internal/loop"
	"github.com/eliteGoblin/hs3guard/internal/policy"
	"github.com/eliteGoblin/hs3guard/test/fixtures"
)

// harness wires the real loop, bus, link and monitor around a fake generator.
type harness struct {
	clk       *clock.Mock
	loop      *loop.Loop
	bus       *events.Bus
	validator *policy.Validator
	dev       *fixtures.FakeHS3
	link      *hs3.Link
	store     *fixtures.MemoryStore
	monitor   *Monitor
	engine    *Engine
	events    []domain.Event
	ids       int
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	engine     EngineConfig
	rules      *policy.RuleSet
	disconnect bool
}

func withEngineConfig(cfg EngineConfig) harnessOption {
	return func(c *harnessConfig) { c.engine = cfg }
}

func withRules(rs *policy.RuleSet) harnessOption {
	return func(c *harnessConfig) { c.rules = rs }
}

func withoutDevice() harnessOption {
	return func(c *harnessConfig) { c.disconnect = true }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{rules: policy.NewRuleSet(policy.DefaultRuleOptions())}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &harness{clk: clock.NewMock()}
	h.loop = loop.New(h.clk, nil)
	h.bus = events.NewBus(nil)
	h.bus.Subscribe(func(ev domain.Event) { h.events = append(h.events, ev) })
	h.validator = policy.NewValidator(policy.DefaultLimits())
	h.dev = fixtures.NewFakeHS3()
	h.link = hs3.NewLink(hs3.DefaultLinkConfig(), h.validator, h.dev, nil, nil,
		hs3.WithBus(h.bus), hs3.WithClock(h.clk), hs3.WithSleeper(func(time.Duration) {}))
	h.store = fixtures.NewMemoryStore()

	if !cfg.disconnect {
		_, err := h.link.Connect(context.Background(), "/dev/ttyUSB0")
		require.NoError(t, err)
	}

	log := NewEventLog(DefaultRetention, h.store, nil)
	h.monitor = NewMonitor(DefaultMonitorConfig(), h.loop, h.validator, cfg.rules, h.link, log, h.bus, nil)
	h.engine = NewEngine(cfg.engine, h.loop, h.validator, h.link, h.monitor, h.bus, nil,
		WithRecordStore(h.store),
		WithIDGenerator(h.nextID))
	return h
}

func (h *harness) nextID() string {
	h.ids++
	return "id-" + strconv.Itoa(h.ids)
}

// advance moves the mock clock and runs everything that became due.
func (h *harness) advance(d time.Duration) {
	h.clk.Add(d)
	h.loop.RunPending()
}

// advanceBy steps the clock one second at a time so every tick runs at its
// own instant.
func (h *harness) advanceBy(d time.Duration) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += time.Second {
		h.advance(time.Second)
	}
}

func (h *harness) kinds(filter ...domain.EventKind) []domain.EventKind {
	want := make(map[domain.EventKind]bool, len(filter))
	for _, k := range filter {
		want[k] = true
	}
	var out []domain.EventKind
	for _, ev := range h.events {
		if len(want) == 0 || want[ev.Kind] {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func (h *harness) count(kind domain.EventKind) int {
	return len(h.kinds(kind))
}

func (h *harness) last(kind domain.EventKind) (domain.Event, bool) {
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].Kind == kind {
			return h.events[i], true
		}
	}
	return domain.Event{}, false
}

func step(freq, ampl, offs float64, seconds int) domain.StepSpec {
	return domain.StepSpec{Frequency: freq, Amplitude: ampl, Offset: offs, DurationSeconds: seconds}
}

func twoStepPlan() []domain.StepSpec {
	return []domain.StepSpec{step(10, 1, 0, 5), step(20, 1.5, 0, 5)}
}
