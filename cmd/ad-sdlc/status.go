package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/kcenon/ad-sdlc/internal/config"
	"github.com/kcenon/ad-sdlc/internal/errs"
	"github.com/kcenon/ad-sdlc/internal/model"
	"github.com/kcenon/ad-sdlc/internal/scratchpad"
)

var statusCmd = &cobra.Command{
	Use:   "status <projectId>",
	Short: "Show a project's current phase and queue state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var titleCaser = cases.Title(language.English)

func controllerStateRef(projectID string) scratchpad.Ref {
	return scratchpad.Ref{ProjectID: projectID, Section: scratchpad.SectionProgress, LogicalName: "state"}
}

func runStatus(cmd *cobra.Command, args []string) error {
	projectID := args[0]
	a, err := buildApp(config.FromEnviron())
	if err != nil {
		return err
	}

	var project model.Project
	if err := a.sp.ReadTyped(projectRef(projectID), "1", &project); err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return errs.New(errs.KindNotFound, "no such project: "+projectID)
		}
		return err
	}

	phase, err := a.sm.GetPhase(projectID)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Project:   %s (%s)\n", project.Name, project.ID)
	fmt.Fprintf(w, "Mode:      %s\n", project.Mode)
	fmt.Fprintf(w, "Phase:     %s\n", titleCaser.String(strings.ReplaceAll(string(phase), "_", " ")))
	fmt.Fprintf(w, "Started:   %s (%s ago)\n", project.CreatedAt.Format("2006-01-02 15:04:05"), humanize.Time(project.CreatedAt))

	var state model.ControllerState
	if err := a.sp.ReadTyped(controllerStateRef(projectID), "1", &state); err == nil {
		fmt.Fprintf(w, "\nController queue:\n")
		fmt.Fprintf(w, "  total:       %d\n", state.TotalIssues)
		fmt.Fprintf(w, "  completed:   %d\n", state.CompletedIssues)
		fmt.Fprintf(w, "  failed:      %d\n", state.FailedIssues)
		fmt.Fprintf(w, "  pending:     %d\n", len(state.Queue.Pending))
		fmt.Fprintf(w, "  ready:       %d\n", len(state.Queue.Ready))
		fmt.Fprintf(w, "  in-progress: %d\n", len(state.Queue.InProgress))
		fmt.Fprintf(w, "  blocked:     %d\n", len(state.Queue.Blocked))
	} else if errs.KindOf(err) != errs.KindNotFound {
		return err
	}

	return nil
}
