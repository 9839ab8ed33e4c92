package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kcenon/ad-sdlc/internal/dispatch"
	"github.com/kcenon/ad-sdlc/internal/model"
	"github.com/kcenon/ad-sdlc/internal/scratchpad"
	"github.com/kcenon/ad-sdlc/internal/statemgr"
)

func newTestRig(t *testing.T) (*Orchestrator, *scratchpad.Scratchpad, *statemgr.Manager, *dispatch.InProcessTransport) {
	t.Helper()
	root := t.TempDir()
	sp := scratchpad.New(root, time.Second)
	sm := statemgr.New(sp)
	in := dispatch.NewInProcessTransport()
	d := dispatch.New(in)
	o := New(sp, sm, d, nil, Config{DispatchTimeout: time.Second, StallThreshold: time.Hour})
	return o, sp, sm, in
}

func staticOK(output string) dispatch.Handler {
	return func(ctx context.Context, req dispatch.Request) (*dispatch.Response, error) {
		return &dispatch.Response{Output: output, Success: true}, nil
	}
}

func TestAdvanceDispatchesFirstUnapprovedGateFreeStage(t *testing.T) {
	o, sp, _, in := newTestRig(t)
	in.Register("collector", staticOK("name: test\n"))

	status, err := o.Advance(context.Background(), model.ModeGreenfield, "proj-1")
	require.NoError(t, err)
	require.Equal(t, StatusAdvanced, status)

	exists, err := sp.Exists(scratchpad.Ref{ProjectID: "proj-1", Section: scratchpad.SectionInfo, LogicalName: "collected_info"})
	require.NoError(t, err)
	require.True(t, exists)
}

func TestAdvanceBlocksOnApprovalGate(t *testing.T) {
	o, _, sm, in := newTestRig(t)
	in.Register("collector", staticOK("info"))
	in.Register("prd-writer", staticOK("# PRD"))

	ctx := context.Background()
	_, err := o.Advance(ctx, model.ModeGreenfield, "proj-2")
	require.NoError(t, err)

	status, err := o.Advance(ctx, model.ModeGreenfield, "proj-2")
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingApproval, status)

	phase, err := sm.GetPhase("proj-2")
	require.NoError(t, err)
	require.Equal(t, model.PhaseRequirements, phase)

	require.NoError(t, o.Approve("proj-2", "prd"))
	status, err = o.Advance(ctx, model.ModeGreenfield, "proj-2")
	require.NoError(t, err)
	require.Equal(t, StatusAdvanced, status)

	phase, err = sm.GetPhase("proj-2")
	require.NoError(t, err)
	require.Equal(t, model.PhasePRD, phase)
}

func TestAdvanceFailsClosedOnMissingMandatoryInput(t *testing.T) {
	o, sp, sm, in := newTestRig(t)
	in.Register("qa-agent", staticOK("all clear"))
	for _, p := range []model.ProjectPhase{
		model.PhaseRequirements, model.PhasePRD, model.PhaseDesign, model.PhaseArchitecture,
		model.PhaseIssueBreakdown, model.PhasePrioritization, model.PhaseImplementing, model.PhasePRReview,
	} {
		require.NoError(t, sm.Transition("proj-3", p))
	}

	_, err := o.Advance(context.Background(), model.ModeGreenfield, "proj-3")
	require.Error(t, err)

	exists, existsErr := sp.Exists(scratchpad.Ref{ProjectID: "proj-3", Section: scratchpad.SectionProgress, LogicalName: "qa_report"})
	require.NoError(t, existsErr)
	require.False(t, exists)
}

func TestAdvanceHandsOffToControllerAtIssueBreakdownBoundary(t *testing.T) {
	o, _, sm, in := newTestRig(t)
	in.Register("collector", staticOK("info"))
	in.Register("prd-writer", staticOK("# PRD"))
	in.Register("srs-writer", staticOK("# SRS"))
	in.Register("sds-writer", staticOK("# SDS"))
	in.Register("issue-breaker", staticOK(`{"nodes":[]}`))

	ctx := context.Background()
	projectID := "proj-4"

	_, err := o.Advance(ctx, model.ModeGreenfield, projectID) // requirements
	require.NoError(t, err)
	require.NoError(t, o.Approve(projectID, "prd"))
	_, err = o.Advance(ctx, model.ModeGreenfield, projectID) // prd
	require.NoError(t, err)
	require.NoError(t, o.Approve(projectID, "design"))
	_, err = o.Advance(ctx, model.ModeGreenfield, projectID) // design
	require.NoError(t, err)
	require.NoError(t, o.Approve(projectID, "architecture"))
	_, err = o.Advance(ctx, model.ModeGreenfield, projectID) // architecture
	require.NoError(t, err)
	_, err = o.Advance(ctx, model.ModeGreenfield, projectID) // issue_breakdown
	require.NoError(t, err)

	status, err := o.Advance(ctx, model.ModeGreenfield, projectID)
	require.True(t, errors.Is(err, ErrHandoffToController))
	require.Equal(t, StatusHandoff, status)

	phase, err := sm.GetPhase(projectID)
	require.NoError(t, err)
	require.Equal(t, model.PhaseImplementing, phase)
}

func TestAdvanceResumesPostImplementationStagesAfterHandoff(t *testing.T) {
	o, _, sm, in := newTestRig(t)
	in.Register("pr-reviewer", staticOK("looks good"))
	require.NoError(t, sm.Transition("proj-5", model.PhaseRequirements))
	require.NoError(t, sm.Transition("proj-5", model.PhasePRD))
	require.NoError(t, sm.Transition("proj-5", model.PhaseDesign))
	require.NoError(t, sm.Transition("proj-5", model.PhaseArchitecture))
	require.NoError(t, sm.Transition("proj-5", model.PhaseIssueBreakdown))
	require.NoError(t, sm.Transition("proj-5", model.PhasePrioritization))
	require.NoError(t, sm.Transition("proj-5", model.PhaseImplementing))

	status, err := o.Advance(context.Background(), model.ModeGreenfield, "proj-5")
	require.NoError(t, err)
	require.Equal(t, StatusAdvanced, status)

	phase, err := sm.GetPhase("proj-5")
	require.NoError(t, err)
	require.Equal(t, model.PhasePRReview, phase)
}

func TestAdvanceReportsDoneAtTerminalPhase(t *testing.T) {
	o, _, sm, _ := newTestRig(t)
	for _, p := range []model.ProjectPhase{
		model.PhaseRequirements, model.PhasePRD, model.PhaseDesign, model.PhaseArchitecture,
		model.PhaseIssueBreakdown, model.PhasePrioritization, model.PhaseImplementing,
		model.PhasePRReview, model.PhaseQA, model.PhaseSecurityReview, model.PhaseRelease, model.PhaseDone,
	} {
		require.NoError(t, sm.Transition("proj-6", p))
	}

	status, err := o.Advance(context.Background(), model.ModeGreenfield, "proj-6")
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)
}

func TestAdvancePersistsFailedStageResultOnDispatchFailure(t *testing.T) {
	o, sp, sm, in := newTestRig(t)
	in.Register("collector", func(ctx context.Context, req dispatch.Request) (*dispatch.Response, error) {
		return &dispatch.Response{Success: false, Error: "collector exploded"}, nil
	})

	_, err := o.Advance(context.Background(), model.ModeGreenfield, "proj-7")
	require.Error(t, err)

	phase, phaseErr := sm.GetPhase("proj-7")
	require.NoError(t, phaseErr)
	require.Equal(t, model.PhaseIntake, phase)

	ref := o.stageResultRef("proj-7", "requirements")
	exists, err := sp.Exists(ref)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestEnhancementModeSkipsApprovalOnDesignAndArchitecture(t *testing.T) {
	o, _, _, in := newTestRig(t)
	in.Register("collector", staticOK("info"))
	in.Register("prd-writer", staticOK("# PRD"))
	in.Register("srs-updater", staticOK("# SRS"))

	ctx := context.Background()
	_, err := o.Advance(ctx, model.ModeEnhancement, "proj-8")
	require.NoError(t, err)
	require.NoError(t, o.Approve("proj-8", "prd"))
	_, err = o.Advance(ctx, model.ModeEnhancement, "proj-8")
	require.NoError(t, err)

	status, err := o.Advance(ctx, model.ModeEnhancement, "proj-8")
	require.NoError(t, err)
	require.Equal(t, StatusAdvanced, status)
}
