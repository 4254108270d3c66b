package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentinel-ew/sentinel/internal/tui"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Launch the interactive review console",
	RunE:  runReview,
}

func runReview(cmd *cobra.Command, args []string) error {
	if !isDaemonRunning(apiAddr) {
		return fmt.Errorf("daemon not reachable at %s; start it with 'sentinel daemon'", apiAddr)
	}

	app := tui.New(apiAddr)
	if err := app.Run(); err != nil {
		return fmt.Errorf("review console error: %w", err)
	}
	return nil
}
