package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/kcenon/ad-sdlc/internal/config"
	"github.com/kcenon/ad-sdlc/internal/errs"
	"github.com/kcenon/ad-sdlc/internal/model"
	"github.com/kcenon/ad-sdlc/internal/orchestrator"
	"github.com/kcenon/ad-sdlc/internal/priority"
	"github.com/kcenon/ad-sdlc/internal/scheduler"
	"github.com/kcenon/ad-sdlc/internal/scratchpad"
)

const projectSchemaVersion = "1.0"

func projectRef(projectID string) scratchpad.Ref {
	return scratchpad.Ref{ProjectID: projectID, Section: scratchpad.SectionProgress, LogicalName: "project"}
}

var startCmd = &cobra.Command{
	Use:   "start <projectId>",
	Short: "Start a new project",
	Args:  cobra.ExactArgs(1),
	RunE:  runStart,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <projectId>",
	Short: "Resume an in-progress project",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	startCmd.Flags().String("mode", string(model.ModeGreenfield), "pipeline mode: greenfield or enhancement")
	startCmd.Flags().String("name", "", "human-readable project name (default: projectId)")
}

func runStart(cmd *cobra.Command, args []string) error {
	projectID := args[0]
	a, err := buildApp(config.FromEnviron())
	if err != nil {
		return err
	}

	phase, err := a.sm.GetPhase(projectID)
	if err != nil {
		return err
	}
	if phase != model.PhaseIntake {
		return errs.New(errs.KindAlreadyExists, "project "+projectID+" already started; use 'resume' instead")
	}

	modeFlag, _ := cmd.Flags().GetString("mode")
	mode := model.Mode(modeFlag)
	if mode != model.ModeGreenfield && mode != model.ModeEnhancement {
		return errs.New(errs.KindValidation, "mode must be 'greenfield' or 'enhancement', got "+modeFlag)
	}
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = projectID
	}

	now := time.Now()
	project := &model.Project{
		ID: projectID, Name: name, Mode: mode, Phase: model.PhaseIntake,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := a.sp.WriteTyped(projectRef(projectID), scratchpad.FormatYAML, projectSchemaVersion, project); err != nil {
		return err
	}

	return runPipeline(cmd.Context(), a, mode, projectID)
}

func runResume(cmd *cobra.Command, args []string) error {
	projectID := args[0]
	a, err := buildApp(config.FromEnviron())
	if err != nil {
		return err
	}

	phase, err := a.sm.GetPhase(projectID)
	if err != nil {
		return err
	}
	if phase == model.PhaseIntake {
		return errs.New(errs.KindNotFound, "project "+projectID+" has not been started; use 'start' instead")
	}
	if phase == model.PhaseDone || phase == model.PhaseCancelled {
		return errs.New(errs.KindInvalidState, "project "+projectID+" is already "+string(phase))
	}

	var project model.Project
	if err := a.sp.ReadTyped(projectRef(projectID), "1", &project); err != nil {
		return err
	}

	return runPipeline(cmd.Context(), a, project.Mode, projectID)
}

// runPipeline drives the Orchestrator until the pipeline is done, blocked
// on an approval gate, or hands off to the Controller at the
// issue_breakdown boundary — at which point it analyzes the dependency
// graph and runs the Scheduler, then resumes the Orchestrator for the
// post-implementation stages.
func runPipeline(ctx context.Context, a *app, mode model.Mode, projectID string) error {
	orc := orchestrator.New(a.sp, a.sm, a.dispatcher, a.docsPathResolver(), orchestrator.Config{
		DispatchTimeout: a.workflow.DispatchTimeout,
		StallThreshold:  a.workflow.StallThreshold,
		Logger:          a.logger,
	})

	for {
		status, err := orc.Run(ctx, mode, projectID, a.workflow.CycleInterval)
		if errors.Is(err, orchestrator.ErrHandoffToController) {
			a.logger.Info("handing off to controller", "project", projectID)
			if err := runController(ctx, a, projectID); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		switch status {
		case orchestrator.StatusDone:
			a.logger.Info("pipeline complete", "project", projectID)
			return nil
		case orchestrator.StatusAwaitingApproval:
			a.logger.Info("pipeline awaiting approval", "project", projectID)
			return nil
		}
	}
}

// runController builds a Priority Analyzer from the persisted dependency
// graph and drains it with a Scheduler, implementing the Controller side
// of the Orchestrator/Controller handoff (§2, §4.8).
func runController(ctx context.Context, a *app, projectID string) error {
	ref := scratchpad.Ref{ProjectID: projectID, Section: scratchpad.SectionIssues, LogicalName: "dependency_graph"}
	var doc priority.DependencyGraphDoc
	if err := a.sp.ReadTyped(ref, "1", &doc); err != nil {
		return err
	}

	analyzer, err := priority.Analyze(doc.Graph(), priority.DefaultWeights())
	if err != nil {
		return err
	}

	sched := scheduler.New(a.sp, a.dispatcher, analyzer, scheduler.Config{
		MaxWorkers:    a.cfg.MaxWorkers,
		CycleInterval: a.workflow.CycleInterval,
		Retry: scheduler.RetryPolicy{
			MaxAttempts: a.workflow.RetryMax,
			BaseDelay:   a.workflow.RetryBaseDelay,
			MaxDelay:    30 * time.Second,
			Strategy:    scheduler.StrategyExponential,
		},
		AgentType: func(issueID string) string { return "developer" },
		Logger:    a.logger,
	})
	return sched.Start(ctx, projectID)
}
