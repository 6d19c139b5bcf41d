//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/hs3guard/internal/config"
	"github.com/eliteGoblin/hs3guard/internal/daemon"
	"github.com/eliteGoblin/hs3guard/internal/domain"
	"github.com/eliteGoblin/hs3guard/internal/infra"
	"github.com/eliteGoblin/hs3guard/internal/usecase"
	"github.com/eliteGoblin/hs3guard/test/fixtures"
)

const eventStream = "hs3guard:events"

// switchableHost lets a test make conflicting software appear mid-session.
type switchableHost struct {
	mu          sync.Mutex
	conflicting []string
}

func (h *switchableHost) set(names ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conflicting = names
}

func (h *switchableHost) Sample() domain.HostStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return domain.HostStats{Available: true, MemoryUsedPercent: 40, ConflictingProcesses: h.conflicting}
}

func streamKinds(rdb *redis.Client) []string {
	msgs, err := rdb.XRange(context.Background(), eventStream, "-", "+").Result()
	Expect(err).NotTo(HaveOccurred())
	kinds := make([]string, 0, len(msgs))
	for _, m := range msgs {
		kinds = append(kinds, m.Values["kind"].(string))
	}
	return kinds
}

var _ = Describe("Controller", func() {
	var (
		cfg   *config.Config
		dev   *fixtures.FakeHS3
		host  *switchableHost
		mr    *miniredis.Miniredis
		rdb   *redis.Client
		ctrl  *daemon.Controller
		api   *httptest.Server
		probe *fixtures.StaticProbe
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})

		cfg = config.Default()
		cfg.Device.Port = config.AutoPort
		cfg.Store.DataDir = GinkgoT().TempDir()
		cfg.Store.KeyEnv = "HS3GUARD_INTEGRATION_UNSET"
		cfg.Publish.Redis = &infra.RedisConfig{Addr: mr.Addr(), Stream: eventStream}

		dev = fixtures.NewFakeHS3()
		host = &switchableHost{}
		probe = &fixtures.StaticProbe{
			ProbeName: "usb",
			Descriptors: []domain.DeviceDescriptor{
				{Port: "/dev/ttyUSB3", Method: "usb", VendorID: "0E36", ProductID: "0008"},
			},
		}

		ctrl, err = daemon.New(cfg, zap.NewNop(),
			daemon.WithOpener(dev),
			daemon.WithProbe(probe),
			daemon.WithHostSampler(host),
			daemon.WithSleeper(func(time.Duration) {}),
		)
		Expect(err).NotTo(HaveOccurred())
		ctrl.Start(context.Background())
		api = httptest.NewServer(ctrl.HTTPHandler())
	})

	AfterEach(func() {
		api.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		Expect(ctrl.Shutdown(ctx)).To(Succeed())
		rdb.Close()
		mr.Close()
	})

	reopenStore := func() *infra.EncryptedStore {
		store, err := daemon.OpenStore(cfg)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)
		return store
	}

	Describe("Discovery and connection", func() {
		It("should connect to the discovered generator and remember it", func() {
			info, err := ctrl.Connect(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Port).To(Equal("/dev/ttyUSB3"))
			Expect(info.Method).To(Equal("usb"))
			Expect(probe.Calls).To(Equal(1))

			Expect(ctrl.Shutdown(context.Background())).To(Succeed())
			last, err := reopenStore().Meta(context.Background(), "last_device")
			Expect(err).NotTo(HaveOccurred())
			Expect(last).To(HavePrefix("/dev/ttyUSB3 "))
		})
	})

	Describe("Running a plan", func() {
		BeforeEach(func() {
			_, err := ctrl.Connect(context.Background())
			Expect(err).NotTo(HaveOccurred())
		})

		Context("when every step completes", func() {
			It("should persist an encrypted record and forward events", func() {
				steps := []domain.StepSpec{
					{Frequency: 7.83, Amplitude: 1, DurationSeconds: 1},
					{Frequency: 10, Amplitude: 1, DurationSeconds: 1},
				}
				id, done, err := ctrl.Run(context.Background(), "Schumann", steps, usecase.WithPatient("p-9", "Rui"))
				Expect(err).NotTo(HaveOccurred())

				var ev domain.Event
				Eventually(done, 10*time.Second).Should(Receive(&ev))
				Expect(ev.Kind).To(Equal(domain.KindSessionCompleted))

				Eventually(func() []string { return streamKinds(rdb) }, 5*time.Second).
					Should(ContainElements("session_started", "session_completed", "session_recorded"))

				Expect(ctrl.Shutdown(context.Background())).To(Succeed())
				recs, err := reopenStore().ListSessionRecords(context.Background(), "p-9", 10)
				Expect(err).NotTo(HaveOccurred())
				Expect(recs).To(HaveLen(1))
				Expect(recs[0].SessionID).To(Equal(id))
				Expect(recs[0].Status).To(Equal(domain.RecordCompleted))
				Expect(recs[0].ProtocolName).To(Equal("Schumann"))
			})
		})

		Context("when the operator hits emergency stop over HTTP", func() {
			It("should halt the output and record the emergency", func() {
				steps := []domain.StepSpec{{Frequency: 100, Amplitude: 2, DurationSeconds: 600}}
				_, done, err := ctrl.Run(context.Background(), "Long", steps)
				Expect(err).NotTo(HaveOccurred())
				Expect(dev.Generating()).To(BeTrue())

				resp, err := http.Post(api.URL+"/session/emergency-stop", "application/json",
					strings.NewReader(`{"reason":"patient request"}`))
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var ev domain.Event
				Eventually(done, 5*time.Second).Should(Receive(&ev))
				Expect(ev.Kind).To(Equal(domain.KindSessionError))
				Expect(ev.State).To(Equal(string(domain.SessionEmergencyStopped)))
				Expect(dev.Generating()).To(BeFalse())
				Expect(dev.IsOpen()).To(BeFalse())

				safety, err := http.Get(api.URL + "/safety")
				Expect(err).NotTo(HaveOccurred())
				defer safety.Body.Close()
				var st usecase.SafetyStatus
				Expect(json.NewDecoder(safety.Body).Decode(&st)).To(Succeed())
				Expect(st.Level).To(Equal("critical"))
				Expect(st.EmergencyStops).To(Equal(1))
				Expect(st.Monitoring).To(BeFalse())

				Expect(ctrl.Shutdown(context.Background())).To(Succeed())
				events, err := reopenStore().ListSafetyEvents(context.Background(), time.Time{}, 100)
				Expect(err).NotTo(HaveOccurred())
				Expect(events).To(ContainElement(HaveField("Type", domain.EventEmergencyStop)))
			})
		})

		Context("when conflicting software starts mid-session", func() {
			It("should warn without stopping the session", func() {
				steps := []domain.StepSpec{{Frequency: 100, Amplitude: 2, DurationSeconds: 600}}
				_, _, err := ctrl.Run(context.Background(), "Long", steps)
				Expect(err).NotTo(HaveOccurred())

				host.set("TiePieMulti")
				Eventually(func() string {
					r, err := ctrl.Sample(context.Background())
					Expect(err).NotTo(HaveOccurred())
					return r.Safety.Level
				}, 5*time.Second, 100*time.Millisecond).Should(Equal("warning"))

				r, err := ctrl.Sample(context.Background())
				Expect(err).NotTo(HaveOccurred())
				Expect(r.Session.Active).To(BeTrue())
				Expect(r.Safety.ActiveWarnings).To(ConsistOf("conflicting_software"))
				Expect(dev.Generating()).To(BeTrue())

				Eventually(func() []string { return streamKinds(rdb) }, 5*time.Second).
					Should(ContainElement("safety_violation"))
			})
		})

		Context("when the generator is unplugged mid-step", func() {
			It("should emergency stop on the next monitor tick", func() {
				steps := []domain.StepSpec{{Frequency: 100, Amplitude: 2, DurationSeconds: 600}}
				id, done, err := ctrl.Run(context.Background(), "Long", steps)
				Expect(err).NotTo(HaveOccurred())

				Eventually(func() []string { return streamKinds(rdb) }, 5*time.Second).
					Should(ContainElement("realtime_data"))

				dev.Unplug()
				var ev domain.Event
				Eventually(done, 5*time.Second).Should(Receive(&ev))
				Expect(ev.Kind).To(Equal(domain.KindSessionError))
				Expect(ev.State).To(Equal(string(domain.SessionEmergencyStopped)))
				Expect(dev.IsOpen()).To(BeFalse())

				Expect(ctrl.Shutdown(context.Background())).To(Succeed())
				store := reopenStore()
				recs, err := store.ListSessionRecords(context.Background(), "", 10)
				Expect(err).NotTo(HaveOccurred())
				Expect(recs).To(ContainElement(And(
					HaveField("SessionID", id),
					HaveField("Status", domain.RecordEmergencyStopped),
				)))
				events, err := store.ListSafetyEvents(context.Background(), time.Time{}, 100)
				Expect(err).NotTo(HaveOccurred())
				Expect(events).To(ContainElement(HaveField("Type", domain.EventConnectionLost)))
			})
		})

		Context("when the plan exceeds the limits", func() {
			It("should reject it before anything reaches the device", func() {
				dev.ClearCommands()
				steps := []domain.StepSpec{{Frequency: 100, Amplitude: 4, Offset: 2, DurationSeconds: 60}}
				_, _, err := ctrl.Run(context.Background(), "Over", steps)
				Expect(err).To(HaveOccurred())
				var ve *domain.ValidationError
				Expect(err).To(BeAssignableToTypeOf(ve))
				Expect(dev.GenerationCommands()).To(BeEmpty())
			})
		})
	})
})
