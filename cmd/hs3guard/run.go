package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/hs3guard/internal/daemon"
	"github.com/eliteGoblin/hs3guard/internal/domain"
	"github.com/eliteGoblin/hs3guard/internal/policy"
	"github.com/eliteGoblin/hs3guard/internal/usecase"
)

const shutdownGrace = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the generator and run a plan",
	Long: `Connects to the HS3 (discovering it unless --port is given), starts
safety monitoring and runs the plan step by step.

Press Ctrl+C once to stop the session normally. Press it again to trigger
an emergency stop.`,
	RunE: runRun,
}

var (
	runSource      planSource
	runPort        string
	runPatientID   string
	runPatientName string
	runNotes       string
	runHTTPAddr    string
)

func init() {
	runCmd.Flags().StringVar(&runSource.planFile, "plan", "", "YAML plan file")
	runCmd.Flags().StringVar(&runSource.xlsxFile, "xlsx", "", "frequency workbook (Disease / Freq N columns)")
	runCmd.Flags().StringVar(&runSource.condition, "disease", "", "disease (or indication) to take from --xlsx")
	runCmd.Flags().Float64Var(&runSource.amplitude, "amplitude", 0, "amplitude in volts for --xlsx plans (default from limits)")
	runCmd.Flags().IntVar(&runSource.stepMinutes, "step-minutes", 0, "minutes per frequency for --xlsx plans (default from limits)")
	runCmd.Flags().StringVar(&runPort, "port", "", "serial port, or AUTO to discover")
	runCmd.Flags().StringVar(&runPatientID, "patient", "", "patient identifier stored with the session record")
	runCmd.Flags().StringVar(&runPatientName, "patient-name", "", "patient name stored with the session record")
	runCmd.Flags().StringVar(&runNotes, "notes", "", "free-text notes stored with the session record")
	runCmd.Flags().StringVar(&runHTTPAddr, "http-addr", "", "serve the status API on this address")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runPort != "" {
		cfg.Device.Port = runPort
	}
	if runHTTPAddr != "" {
		cfg.HTTP.Addr = runHTTPAddr
	}

	limits, err := policy.LoadLimits(cfg.LimitsFile)
	if err != nil {
		return err
	}
	label, steps, err := runSource.resolve(policy.NewValidator(limits))
	if err != nil {
		return err
	}

	logger := createLogger(cfg)
	defer func() { _ = logger.Sync() }()

	ctrl, err := daemon.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl.Start(ctx)
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer scancel()
		if err := ctrl.Shutdown(sctx); err != nil {
			logger.Error("Shutdown incomplete", zap.Error(err))
		}
	}()

	info, err := ctrl.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	fmt.Printf("Connected to %s on %s\n", info.Identification, info.Port)

	var opts []usecase.StartOption
	if runPatientID != "" || runPatientName != "" {
		opts = append(opts, usecase.WithPatient(runPatientID, runPatientName))
	}
	if runNotes != "" {
		opts = append(opts, usecase.WithNotes(runNotes))
	}

	var total time.Duration
	for _, s := range steps {
		total += s.Duration()
	}
	id, done, err := ctrl.Run(ctx, label, steps, opts...)
	if err != nil {
		return fmt.Errorf("session not started: %w", err)
	}
	fmt.Printf("Session %s started: %s, %d steps, %s\n", id, label, len(steps), total)

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	interrupts := 0
	for {
		select {
		case ev := <-done:
			return reportEnd(ev)

		case sig := <-sigChan:
			interrupts++
			if interrupts == 1 {
				logger.Info("Received signal, stopping session", zap.String("signal", sig.String()))
				fmt.Println("\nStopping session (press Ctrl+C again for emergency stop)...")
				if err := ctrl.Stop(ctx); err != nil {
					logger.Error("Stop failed", zap.Error(err))
				}
				continue
			}
			logger.Warn("Second signal, emergency stop", zap.String("signal", sig.String()))
			ok, err := ctrl.EmergencyStop(ctx, "Parada de emergência por sinal "+sig.String())
			if err != nil || !ok {
				return fmt.Errorf("EMERGENCY STOP NOT CONFIRMED, check the device (err=%v)", err)
			}
			fmt.Println("Emergency stop confirmed")
		}
	}
}

func reportEnd(ev domain.Event) error {
	switch ev.Kind {
	case domain.KindSessionCompleted:
		fmt.Println("Session completed")
		return nil
	case domain.KindSessionStopped:
		fmt.Println("Session stopped")
		return nil
	default:
		if ev.State == string(domain.SessionEmergencyStopped) {
			return fmt.Errorf("session emergency stopped: %s", ev.Message)
		}
		return fmt.Errorf("session failed: %s", ev.Message)
	}
}
