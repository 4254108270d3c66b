package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinel-ew/sentinel/internal/controlplane"
	"github.com/sentinel-ew/sentinel/internal/models"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Manage batch runs",
}

var runStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a batch run over the configured case feed",
	RunE:  runRunStart,
}

var runShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show a run and its metrics",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunShow,
}

var (
	runLimit int
	runWait  bool
)

func init() {
	runCmd.AddCommand(runStartCmd, runShowCmd)

	runStartCmd.Flags().IntVar(&runLimit, "limit", 0, "Max cases to process (0 = all)")
	runStartCmd.Flags().BoolVar(&runWait, "wait", false, "Block until the run completes")
}

func runRunStart(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/runs", map[string]int{"limit": runLimit})
	if err != nil {
		return err
	}

	var run models.Run
	if err := json.Unmarshal(resp, &run); err != nil {
		return err
	}
	fmt.Printf("Started run %s over %d cases\n", run.ID, run.Requested)

	if !runWait {
		return nil
	}
	for {
		time.Sleep(500 * time.Millisecond)
		detail, err := fetchRun(run.ID)
		if err != nil {
			return err
		}
		if detail.Run.Status != models.RunStatusRunning {
			printRun(detail)
			return nil
		}
	}
}

func runRunShow(cmd *cobra.Command, args []string) error {
	detail, err := fetchRun(args[0])
	if err != nil {
		return err
	}
	printRun(detail)
	return nil
}

func fetchRun(id string) (*controlplane.RunDetail, error) {
	resp, err := apiGet("/runs/" + id)
	if err != nil {
		return nil, err
	}
	var detail controlplane.RunDetail
	if err := json.Unmarshal(resp, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

func printRun(d *controlplane.RunDetail) {
	r := d.Run
	fmt.Printf("Run:       %s\n", r.ID)
	fmt.Printf("Status:    %s\n", r.Status)
	fmt.Printf("Progress:  %d/%d (%d failed)\n", r.Processed, r.Requested, r.Failed)
	fmt.Printf("Started:   %s\n", r.StartedAt.Format(time.RFC3339))
	if m := d.Metric; m != nil {
		fmt.Println("Metrics:")
		fmt.Printf("  False alarm rate: %.3f\n", m.FalseAlarmRate)
		fmt.Printf("  Severity MAE:     %.3f\n", m.SeverityMAE)
		fmt.Printf("  Brier score:      %.3f\n", m.BrierScore)
		fmt.Printf("  Lead time (days): %.1f\n", m.LeadTimeDays)
	}
}
