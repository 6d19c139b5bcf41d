package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/hs3guard/internal/httpapi"
)

var (
	apiURL          string
	apiTimeout      time.Duration
	emergencyReason string
)

var sessionCmd = &cobra.Command{
	Use:   "session ACTION",
	Short: "Control a session running in another hs3guard process",
	Long: `Sends pause, resume, stop or emergency-stop to a controller started with
"hs3guard run --http-addr".`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"pause", "resume", "stop", "emergency-stop", "status"},
	RunE:      runSession,
}

func init() {
	sessionCmd.Flags().StringVar(&apiURL, "api", "http://127.0.0.1:8080", "controller API base URL")
	sessionCmd.Flags().DurationVar(&apiTimeout, "timeout", 5*time.Second, "request timeout")
	sessionCmd.Flags().StringVar(&emergencyReason, "reason", "operator request", "reason recorded with emergency-stop")
	rootCmd.AddCommand(sessionCmd)
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := createLogger(cfg)
	defer func() { _ = logger.Sync() }()

	client := httpapi.NewClient(strings.TrimRight(apiURL, "/"), apiTimeout, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 3*apiTimeout)
	defer cancel()

	switch action := args[0]; action {
	case "status":
		st, err := client.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Device:  %s (generating=%t)\n", st.Device.State, st.Device.Generating)
		fmt.Printf("Safety:  %s\n", st.Safety)
		if !st.Session.Active {
			fmt.Println("Session: none")
			return nil
		}
		fmt.Printf("Session: %s %s step %d/%d, %d%%\n",
			st.Session.SessionID, st.Session.Protocol, st.Session.CurrentStep, st.Session.TotalSteps, st.Session.Progress)
		if st.Session.Paused {
			fmt.Println("         paused")
		}
		return nil

	case "pause", "resume", "stop":
		report, err := client.Session(ctx, action)
		if err != nil {
			return err
		}
		fmt.Printf("%s: ok (session %s)\n", action, report.SessionID)
		return nil

	case "emergency-stop":
		if err := client.EmergencyStop(ctx, emergencyReason); err != nil {
			return fmt.Errorf("emergency stop not confirmed, check the generator: %w", err)
		}
		fmt.Println("Emergency stop acknowledged by the generator")
		return nil

	default:
		return fmt.Errorf("unknown action %q (pause, resume, stop, emergency-stop, status)", action)
	}
}
