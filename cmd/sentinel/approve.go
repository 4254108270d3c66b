package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sentinel-ew/sentinel/internal/models"
)

var approvalCmd = &cobra.Command{
	Use:   "approval",
	Short: "Manage the human-review queue",
}

var approvalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approvals",
	RunE:  runApprovalList,
}

var approvalDecideCmd = &cobra.Command{
	Use:   "decide [approval-id]",
	Short: "Submit a reviewer decision",
	Long:  `Submits a reviewer decision for a pending approval. Valid statuses are approved, rejected and request_more_evidence.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalDecide,
}

var (
	decideStatus   string
	decideReviewer string
	decideNotes    string
)

func init() {
	approvalCmd.AddCommand(approvalListCmd, approvalDecideCmd)

	approvalDecideCmd.Flags().StringVar(&decideStatus, "status", "", "Decision: approved, rejected or request_more_evidence (required)")
	approvalDecideCmd.Flags().StringVar(&decideReviewer, "reviewer", "", "Reviewer name (required)")
	approvalDecideCmd.Flags().StringVar(&decideNotes, "notes", "", "Reviewer notes; fed back into retrieval on request_more_evidence")
	approvalDecideCmd.MarkFlagRequired("status")
	approvalDecideCmd.MarkFlagRequired("reviewer")
}

func runApprovalList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/approvals")
	if err != nil {
		return err
	}

	var queue []models.Approval
	if err := json.Unmarshal(resp, &queue); err != nil {
		return err
	}

	if len(queue) == 0 {
		fmt.Println("No pending approvals")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCASE\tRUN\tCYCLE\tCREATED")
	for _, a := range queue {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			truncateID(a.ID), a.CaseID, truncateID(a.RunID), a.Cycle, a.CreatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}

func runApprovalDecide(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"status":   decideStatus,
		"reviewer": decideReviewer,
		"notes":    decideNotes,
	}

	resp, err := apiPost("/approvals/"+url.PathEscape(args[0])+"/decision", body)
	if err != nil {
		return err
	}

	var a models.Approval
	if err := json.Unmarshal(resp, &a); err != nil {
		return err
	}

	fmt.Printf("Approval %s: %s\n", truncateID(a.ID), a.Status)
	switch a.Status {
	case models.ApprovalStatusApproved:
		if a.Dispatch != nil && a.Dispatch.Dispatched {
			fmt.Printf("Alert dispatched via %s\n", a.Dispatch.Channel)
		} else {
			fmt.Println("Dispatch failed; see the case audit trail")
		}
	case models.ApprovalStatusMoreEvidence:
		fmt.Println("Re-evaluation scheduled with expanded retrieval")
	}
	return nil
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
