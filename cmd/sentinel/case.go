package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinel-ew/sentinel/internal/controlplane"
)

var caseCmd = &cobra.Command{
	Use:   "case",
	Short: "Inspect processed cases",
}

var caseShowCmd = &cobra.Command{
	Use:   "show [case-id]",
	Short: "Show a case with agent outputs, decisions and audit trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runCaseShow,
}

var (
	caseRunID string
	caseAudit bool
)

func init() {
	caseCmd.AddCommand(caseShowCmd)

	caseShowCmd.Flags().StringVar(&caseRunID, "run", "", "Run ID (defaults to the case's most recent run)")
	caseShowCmd.Flags().BoolVar(&caseAudit, "audit", false, "Include the full audit trail")
}

func runCaseShow(cmd *cobra.Command, args []string) error {
	path := "/cases/" + url.PathEscape(args[0])
	if caseRunID != "" {
		path += "?run_id=" + url.QueryEscape(caseRunID)
	}
	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var detail controlplane.CaseDetail
	if err := json.Unmarshal(resp, &detail); err != nil {
		return err
	}

	n := detail.Normalized
	fmt.Printf("Case:        %s\n", detail.Case.ID)
	fmt.Printf("Run:         %s\n", n.RunID)
	fmt.Printf("Location:    %s, %s\n", n.City, n.Country)
	if n.PathogenLabel != "" {
		fmt.Printf("Pathogen:    %s\n", n.PathogenLabel)
	}
	fmt.Printf("Date:        %s\n", n.Date.Format("2006-01-02"))
	fmt.Printf("Credibility: %.3f\n", n.CredibilityScore)

	if len(detail.Agents) > 0 {
		fmt.Println("\nAgent outputs:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  AGENT\tCYCLE\tSCORE\tCONF\tRATIONALE")
		for _, out := range detail.Agents {
			fmt.Fprintf(w, "  %s\t%d\t%.1f\t%.2f\t%s\n",
				out.AgentName, out.Cycle, out.Score, out.Confidence, truncate(out.Rationale, 60))
		}
		w.Flush()
	}

	if len(detail.Decisions) > 0 {
		fmt.Println("\nDecisions:")
		for _, d := range detail.Decisions {
			eligible := ""
			if d.Eligible {
				eligible = "  [eligible]"
			}
			fmt.Printf("  cycle %d: severity %.1f, confidence %.2f%s\n", d.Cycle, d.Severity, d.Confidence, eligible)
			fmt.Printf("    %s\n", truncate(d.Suggestion, 100))
		}
	}

	if len(detail.Approvals) > 0 {
		fmt.Println("\nReview history:")
		for _, a := range detail.Approvals {
			line := fmt.Sprintf("  cycle %d: %s", a.Cycle, a.Status)
			if a.Reviewer != "" {
				line += " by " + a.Reviewer
			}
			if a.Dispatch != nil {
				if a.Dispatch.Dispatched {
					line += fmt.Sprintf(" (alert sent via %s)", a.Dispatch.Channel)
				} else {
					line += " (dispatch failed)"
				}
			}
			fmt.Println(line)
		}
	}

	if caseAudit && len(detail.Audit) > 0 {
		fmt.Println("\nAudit trail:")
		for _, ev := range detail.Audit {
			fmt.Printf("  %s  %-22s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Action, ev.Actor)
		}
	}

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
