package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/hs3guard/internal/daemon"
	"github.com/eliteGoblin/hs3guard/internal/infra"
	"github.com/eliteGoblin/hs3guard/internal/policy"
	"github.com/eliteGoblin/hs3guard/internal/usecase"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List attached HS3 generators",
	Long:  `Enumerates USB serial devices by vendor/product id, then probes the remaining ports with *IDN?.`,
	RunE:  runDiscover,
}

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Show the active safety limits",
	RunE:  runLimits,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a plan against the safety limits without touching the device",
	RunE:  runValidate,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show controller heartbeat, last device and recent sessions",
	RunE:  runStatus,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded sessions",
	RunE:  runHistory,
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recorded safety events",
	RunE:  runEvents,
}

var conditionsCmd = &cobra.Command{
	Use:   "conditions FILE [TERM]",
	Short: "List or search the conditions in a frequency workbook",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runConditions,
}

var (
	validateSource planSource
	historyPatient string
	historyLimit   int
	historyXLSX    string
	eventsSince    time.Duration
	eventsLimit    int
)

func init() {
	validateCmd.Flags().StringVar(&validateSource.planFile, "plan", "", "YAML plan file")
	validateCmd.Flags().StringVar(&validateSource.xlsxFile, "xlsx", "", "frequency workbook")
	validateCmd.Flags().StringVar(&validateSource.condition, "disease", "", "disease (or indication) to take from --xlsx")
	validateCmd.Flags().Float64Var(&validateSource.amplitude, "amplitude", 0, "amplitude in volts for --xlsx plans")
	validateCmd.Flags().IntVar(&validateSource.stepMinutes, "step-minutes", 0, "minutes per frequency for --xlsx plans")

	historyCmd.Flags().StringVar(&historyPatient, "patient", "", "only this patient id")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum sessions to list")
	historyCmd.Flags().StringVar(&historyXLSX, "xlsx", "", "also export the listed sessions to this workbook")

	eventsCmd.Flags().DurationVar(&eventsSince, "since", 24*time.Hour, "how far back to look")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "maximum events to list")

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(limitsCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(conditionsCmd)
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := createLogger(cfg)
	defer func() { _ = logger.Sync() }()

	opener := infra.NewSerialOpener(infra.SerialConfig{BaudRate: cfg.Device.BaudRate, ReadTimeout: cfg.Device.ReadTimeout})
	probe, err := daemon.NewProbe(cfg, opener, logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Device.ProbeTimeout)
	defer cancel()

	found, err := probe.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}

	fmt.Println("\n=== HS3 Devices ===")
	if len(found) == 0 {
		fmt.Println("No HS3 device found.")
	}
	for _, d := range found {
		fmt.Printf("  %s [%s]", d.Port, d.Method)
		if d.VendorID != "" {
			fmt.Printf(" %s:%s", d.VendorID, d.ProductID)
		}
		if d.Response != "" {
			fmt.Printf(" %q", d.Response)
		}
		fmt.Println()
	}
	fmt.Println("===================")
	return nil
}

func runLimits(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := policy.LoadLimits(cfg.LimitsFile)
	if err != nil {
		return err
	}

	source := "built-in"
	if cfg.LimitsFile != "" {
		source = cfg.LimitsFile
	}
	fmt.Printf("\n=== Safety Limits (%s) ===\n", source)
	fmt.Printf("Amplitude: %g .. %g V (default %g)\n", l.MinAmplitude, l.MaxAmplitude, l.DefaultAmplitude)
	fmt.Printf("Offset:    %g .. %g V (default %g)\n", l.MinOffset, l.MaxOffset, l.DefaultOffset)
	fmt.Printf("Frequency: %g .. %g Hz (default %g)\n", l.MinFrequency, l.MaxFrequency, l.DefaultFrequency)
	fmt.Printf("Duration:  %d .. %d min (default %d)\n", l.MinDurationMinutes, l.MaxDurationMinutes, l.DefaultDurationMinutes)
	fmt.Println("==========================")
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	limits, err := policy.LoadLimits(cfg.LimitsFile)
	if err != nil {
		return err
	}
	v := policy.NewValidator(limits)

	label, steps, err := validateSource.resolve(v)
	if err != nil {
		return err
	}
	plan, err := usecase.NewPlan(v, "validate", label, time.Now(), steps)
	if err != nil {
		return fmt.Errorf("plan rejected: %w", err)
	}

	fmt.Printf("\nPlan %q is within limits: %d steps, %s total\n", plan.Label(), plan.Len(), plan.TotalDuration())
	for i, s := range plan.Steps() {
		fmt.Printf("  %3d. %10g Hz  %5.2f V  offset %5.2f V  %4ds\n", i+1, s.Frequency, s.Amplitude, s.Offset, s.DurationSeconds)
	}
	return nil
}

func openStore() (*infra.EncryptedStore, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := daemon.OpenStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	return store, createLogger(cfg), nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	store, logger, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	defer func() { _ = logger.Sync() }()
	ctx := context.Background()

	fmt.Println("\n=== hs3guard Status ===")
	beat, err := store.Meta(ctx, "heartbeat")
	if err != nil {
		return err
	}
	if beat == "" {
		fmt.Println("Controller: never started")
	} else if t, err := time.Parse(time.RFC3339, beat); err == nil {
		age := time.Since(t).Round(time.Second)
		state := "RUNNING"
		if age > 2*daemon.DefaultWatcherConfig().HeartbeatInterval {
			state = "NOT RUNNING"
		}
		fmt.Printf("Controller: %s (last heartbeat %s ago)\n", state, age)
	}
	if dev, _ := store.Meta(ctx, "last_device"); dev != "" {
		fmt.Printf("Last device: %s\n", dev)
	}

	recs, err := store.ListSessionRecords(ctx, "", 5)
	if err != nil {
		return err
	}
	fmt.Println("\nRecent sessions:")
	if len(recs) == 0 {
		fmt.Println("  none")
	}
	for _, r := range recs {
		fmt.Printf("  %s  %-18s %-24s %d/%d steps\n",
			r.StartTime.Local().Format(time.DateTime), r.Status, r.ProtocolName, r.StepsCompleted, r.TotalSteps)
	}
	fmt.Printf("\nStore: %s\n", store.Path())
	fmt.Println("=======================")
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, logger, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	defer func() { _ = logger.Sync() }()

	recs, err := store.ListSessionRecords(context.Background(), historyPatient, historyLimit)
	if err != nil {
		return err
	}
	for _, r := range recs {
		fmt.Printf("%s  %s  %-18s %-24s patient=%s %d/%d\n",
			r.SessionID, r.StartTime.Local().Format(time.DateTime), r.Status, r.ProtocolName,
			r.PatientID, r.StepsCompleted, r.TotalSteps)
	}
	if historyXLSX == "" {
		return nil
	}

	f, err := os.Create(historyXLSX)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", historyXLSX, err)
	}
	if err := infra.WriteSessionHistoryXLSX(f, recs); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	logger.Info("Session history exported", zap.String("path", historyXLSX), zap.Int("sessions", len(recs)))
	fmt.Printf("Exported %d sessions to %s\n", len(recs), historyXLSX)
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	store, logger, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	defer func() { _ = logger.Sync() }()

	evs, err := store.ListSafetyEvents(context.Background(), time.Now().Add(-eventsSince), eventsLimit)
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		fmt.Println("No safety events.")
	}
	for _, ev := range evs {
		fmt.Printf("%s  %-8s %-17s %s\n",
			ev.Timestamp.Local().Format(time.DateTime), ev.Level, ev.Type, ev.Message)
	}
	return nil
}

func runConditions(cmd *cobra.Command, args []string) error {
	src, err := infra.OpenXLSXProtocolSource(args[0])
	if err != nil {
		return err
	}
	names := src.Conditions()
	if len(args) == 2 {
		names = src.Search(args[1])
	}
	for _, name := range names {
		freqs, _ := src.Frequencies(name)
		fmt.Printf("%-40s %d frequencies\n", name, len(freqs))
	}
	return nil
}
