package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kcenon/ad-sdlc/internal/config"
	"github.com/kcenon/ad-sdlc/internal/model"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <projectId>",
	Short: "Cancel an in-progress project",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	projectID := args[0]
	a, err := buildApp(config.FromEnviron())
	if err != nil {
		return err
	}

	if err := a.sm.Transition(projectID, model.PhaseCancelled); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "project %s cancelled\n", projectID)
	return nil
}
