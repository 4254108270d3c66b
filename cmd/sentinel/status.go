package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sentinel-ew/sentinel/internal/controlplane"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and fusion state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	if !isDaemonRunning(apiAddr) {
		fmt.Println("Daemon: offline")
		return nil
	}

	resp, err := apiGet("/dashboard")
	if err != nil {
		return err
	}

	var d controlplane.Dashboard
	if err := json.Unmarshal(resp, &d); err != nil {
		return err
	}

	fmt.Println("Daemon: online")
	fmt.Printf("Active runs:       %d\n", d.ActiveRuns)
	fmt.Printf("Pending approvals: %d\n", d.PendingApprovals)

	fmt.Println("Fusion weights:")
	names := make([]string, 0, len(d.FusionState.Weights))
	for name := range d.FusionState.Weights {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-10s %.3f\n", name, d.FusionState.Weights[name])
	}
	fmt.Printf("Thresholds: severity >= %.2f, confidence >= %.2f\n",
		d.FusionState.SevThreshold, d.FusionState.ConfThreshold)

	if m := d.LatestMetric; m != nil {
		fmt.Printf("Last run (%s):\n", truncateID(m.RunID))
		fmt.Printf("  False alarm rate: %.3f\n", m.FalseAlarmRate)
		fmt.Printf("  Severity MAE:     %.3f\n", m.SeverityMAE)
		fmt.Printf("  Brier score:      %.3f\n", m.BrierScore)
		fmt.Printf("  Lead time (days): %.1f\n", m.LeadTimeDays)
	}
	return nil
}
