// Package orchestrator implements the Orchestrator (§4.8): the
// stage-granularity driver that walks a project through its static
// pipeline, calling the Dispatcher for each stage, writing declared
// outputs to the Scratchpad, and transitioning the State Manager.
//
// The tick-driven shape (Run wrapping a per-stage Advance in a
// ticker/select loop) is grounded directly on the teacher's orchestrator.go
// Run/runCycle pair; Advance's stage-by-current-phase dispatch is the
// generalization of runCycle's sequence of process*Stage calls (each of
// which only acted on tickets in one specific kanban.Status) into a single
// table-driven lookup by ProjectPhase. Stage-stall detection is adapted
// from background.go's performPMCheckins/analyzeTicketProgress.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kcenon/ad-sdlc/internal/dispatch"
	"github.com/kcenon/ad-sdlc/internal/errs"
	"github.com/kcenon/ad-sdlc/internal/model"
	"github.com/kcenon/ad-sdlc/internal/scratchpad"
	"github.com/kcenon/ad-sdlc/internal/security"
	"github.com/kcenon/ad-sdlc/internal/statemgr"
)

const stageResultSchemaVersion = "1.0"

// ErrHandoffToController is returned by Advance/Run when the pipeline has
// reached the boundary §2 draws at the "issues" stage: prioritization and
// implementing belong to the Controller (C7), not the Orchestrator. The
// caller runs the Scheduler against the project, then calls Advance again
// once it has drained — Advance will find the post-implementation stages
// waiting at PhaseImplementing.
var ErrHandoffToController = errors.New("orchestrator: handoff to controller at issue_breakdown boundary")

// Status is the outcome of a single Advance call.
type Status string

const (
	StatusAdvanced         Status = "advanced"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusHandoff          Status = "handoff"
	StatusDone             Status = "done"
)

// stageDef augments §3's PipelineStage record with the phase edge it
// drives. The spec's algorithm transitions the State Manager "to the
// stage's post-state" but PipelineStage's own fields (name, agentId,
// inputs, outputs, next, approvalRequired, parallel, maxParallel,
// dependsOn) carry no phase — the static list below supplies that mapping
// alongside the spec-shaped record, rather than growing PipelineStage
// fields the spec never names.
type stageDef struct {
	model.PipelineStage
	FromPhase model.ProjectPhase
	ToPhase   model.ProjectPhase
}

func greenfieldStages() []stageDef {
	return []stageDef{
		{
			PipelineStage: model.PipelineStage{Name: "requirements", AgentID: "collector", Outputs: []string{"collected_info"}},
			FromPhase:     model.PhaseIntake, ToPhase: model.PhaseRequirements,
		},
		{
			PipelineStage: model.PipelineStage{Name: "prd", AgentID: "prd-writer", Inputs: []string{"collected_info"}, Outputs: []string{"prd"}, ApprovalRequired: true},
			FromPhase:     model.PhaseRequirements, ToPhase: model.PhasePRD,
		},
		{
			PipelineStage: model.PipelineStage{Name: "design", AgentID: "srs-writer", Inputs: []string{"prd"}, Outputs: []string{"srs"}, ApprovalRequired: true},
			FromPhase:     model.PhasePRD, ToPhase: model.PhaseDesign,
		},
		{
			PipelineStage: model.PipelineStage{Name: "architecture", AgentID: "sds-writer", Inputs: []string{"srs"}, Outputs: []string{"sds"}, ApprovalRequired: true},
			FromPhase:     model.PhaseDesign, ToPhase: model.PhaseArchitecture,
		},
		{
			PipelineStage: model.PipelineStage{Name: "issue_breakdown", AgentID: "issue-breaker", Inputs: []string{"sds"}, Outputs: []string{"dependency_graph"}},
			FromPhase:     model.PhaseArchitecture, ToPhase: model.PhaseIssueBreakdown,
		},
		{
			PipelineStage: model.PipelineStage{Name: "pr_review", AgentID: "pr-reviewer", Outputs: []string{"pr_review_summary"}},
			FromPhase:     model.PhaseImplementing, ToPhase: model.PhasePRReview,
		},
		{
			PipelineStage: model.PipelineStage{Name: "qa", AgentID: "qa-agent", Inputs: []string{"pr_review_summary"}, Outputs: []string{"qa_report"}},
			FromPhase:     model.PhasePRReview, ToPhase: model.PhaseQA,
		},
		{
			PipelineStage: model.PipelineStage{Name: "security_review", AgentID: "security-agent", Inputs: []string{"qa_report"}, Outputs: []string{"security_report"}},
			FromPhase:     model.PhaseQA, ToPhase: model.PhaseSecurityReview,
		},
		{
			PipelineStage: model.PipelineStage{Name: "release", AgentID: "release-agent", Inputs: []string{"security_report"}, Outputs: []string{"release_notes"}},
			FromPhase:     model.PhaseSecurityReview, ToPhase: model.PhaseRelease,
		},
	}
}

// enhancementStages reuses the same phase edges as greenfield (the
// transition table permits forward movement only to the adjacent phase,
// apart from cancellation and the retry edges back to implementing) but swaps
// the design/architecture stages for lighter "update" variants that don't
// gate on approval, since an enhancement starts from an existing design
// rather than drafting one from nothing.
func enhancementStages() []stageDef {
	stages := greenfieldStages()
	for i := range stages {
		switch stages[i].Name {
		case "design":
			stages[i].AgentID = "srs-updater"
			stages[i].ApprovalRequired = false
		case "architecture":
			stages[i].AgentID = "sds-updater"
			stages[i].ApprovalRequired = false
		}
	}
	return stages
}

func stagesFor(mode model.Mode) []stageDef {
	if mode == model.ModeEnhancement {
		return enhancementStages()
	}
	return greenfieldStages()
}

// logicalNameToSection maps a Scratchpad logical name to the section it
// lives under, since stageDef.Inputs/Outputs only carry names per §3.
func logicalNameToSection(name string) scratchpad.Section {
	switch name {
	case "collected_info":
		return scratchpad.SectionInfo
	case "prd", "srs", "sds":
		return scratchpad.SectionDocuments
	case "dependency_graph":
		return scratchpad.SectionIssues
	default:
		return scratchpad.SectionProgress
	}
}

// Orchestrator is the Orchestrator (C8).
type Orchestrator struct {
	sp         *scratchpad.Scratchpad
	sm         *statemgr.Manager
	dispatcher *dispatch.Dispatcher
	docs       *security.PathResolver
	logger     *slog.Logger

	dispatchTimeout time.Duration
	stallThreshold  time.Duration

	mu sync.Mutex
}

// Config carries the Orchestrator's tunables.
type Config struct {
	DispatchTimeout time.Duration
	StallThreshold  time.Duration
	Logger          *slog.Logger
}

// New builds an Orchestrator. docs may be nil if final-document publishing
// is not needed (e.g. in tests).
func New(sp *scratchpad.Scratchpad, sm *statemgr.Manager, dispatcher *dispatch.Dispatcher, docs *security.PathResolver, cfg Config) *Orchestrator {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 5 * time.Minute
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		sp:              sp,
		sm:              sm,
		dispatcher:      dispatcher,
		docs:            docs,
		logger:          cfg.Logger,
		dispatchTimeout: cfg.DispatchTimeout,
		stallThreshold:  cfg.StallThreshold,
	}
}

func (o *Orchestrator) stageResultRef(projectID, stageName string) scratchpad.Ref {
	return scratchpad.Ref{ProjectID: projectID, Section: scratchpad.SectionProgress, LogicalName: "stage_results/" + stageName}
}

func (o *Orchestrator) approvalKey(stageName string) string {
	return "approved:" + stageName
}

// Approve marks a stage as externally approved, unblocking Advance past
// its ApprovalRequired gate. Approval is granted out-of-band (a human or
// another system flips this flag) since §6's CLI surface names no
// dedicated approve command; the State Manager's key/value store already
// exists for exactly this kind of side-channel fact.
func (o *Orchestrator) Approve(projectID, stageName string) error {
	version, err := o.sm.Version(projectID)
	if err != nil {
		return err
	}
	_, err = o.sm.Set(projectID, o.approvalKey(stageName), true, version)
	return err
}

func (o *Orchestrator) isApproved(projectID, stageName string) (bool, error) {
	v, ok, err := o.sm.Get(projectID, o.approvalKey(stageName))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	approved, _ := v.(bool)
	return approved, nil
}

func (o *Orchestrator) loadStageResult(projectID, stageName string) (*model.StageResult, bool, error) {
	ref := o.stageResultRef(projectID, stageName)
	exists, err := o.sp.Exists(ref)
	if err != nil || !exists {
		return nil, false, err
	}
	var r model.StageResult
	if err := o.sp.ReadTyped(ref, "1", &r); err != nil {
		return nil, false, err
	}
	return &r, true, nil
}

func (o *Orchestrator) persistStageResult(projectID string, r *model.StageResult) error {
	return o.sp.WriteTyped(o.stageResultRef(projectID, r.Stage), scratchpad.FormatYAML, stageResultSchemaVersion, r)
}

// Advance runs exactly one step of the pipeline for projectID: it picks
// the stage (or synthetic handoff) matching the current phase and either
// dispatches it to completion, reports it is blocked on approval, hands
// off to the Controller, or reports the whole pipeline done.
func (o *Orchestrator) Advance(ctx context.Context, mode model.Mode, projectID string) (Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	phase, err := o.sm.GetPhase(projectID)
	if err != nil {
		return "", err
	}
	if phase == model.PhaseDone || phase == model.PhaseCancelled {
		return StatusDone, nil
	}

	stage, ok := findStage(stagesFor(mode), phase)
	if !ok {
		if phase == model.PhaseIssueBreakdown {
			return o.handoffToController(projectID)
		}
		return "", errs.New(errs.KindInvalidState, fmt.Sprintf("no pipeline stage owns phase %q", phase))
	}

	if stage.ApprovalRequired {
		approved, err := o.isApproved(projectID, stage.Name)
		if err != nil {
			return "", err
		}
		if !approved {
			return StatusAwaitingApproval, nil
		}
	}

	if err := o.checkStall(projectID, stage.Name); err != nil {
		o.logger.Warn("stage appears stalled", "project", projectID, "stage", stage.Name, "error", err)
	}

	if err := o.runStage(ctx, projectID, stage); err != nil {
		return "", err
	}
	return StatusAdvanced, nil
}

func findStage(stages []stageDef, phase model.ProjectPhase) (stageDef, bool) {
	for _, s := range stages {
		if s.FromPhase == phase {
			return s, true
		}
	}
	return stageDef{}, false
}

// handoffToController performs the two structural phase transitions §2
// assigns to the Controller (issue_breakdown -> prioritization ->
// implementing) with no agent dispatch, then returns ErrHandoffToController
// so the caller knows to run the Scheduler next.
func (o *Orchestrator) handoffToController(projectID string) (Status, error) {
	if err := o.sm.Transition(projectID, model.PhasePrioritization); err != nil {
		return "", err
	}
	if err := o.sm.Transition(projectID, model.PhaseImplementing); err != nil {
		return "", err
	}
	return StatusHandoff, ErrHandoffToController
}

// checkStall logs (but does not fail) when a previously attempted, still-
// incomplete stage has sat for longer than the configured threshold —
// the generalization of performPMCheckins' stalled-ticket detection.
func (o *Orchestrator) checkStall(projectID, stageName string) error {
	prior, found, err := o.loadStageResult(projectID, stageName)
	if err != nil {
		return err
	}
	if !found || prior.Completed || prior.StartedAt.IsZero() {
		return nil
	}
	if time.Since(prior.StartedAt) > o.stallThreshold {
		return fmt.Errorf("stage %q has been in-progress since %s (%d prior attempts)", stageName, prior.StartedAt.Format(time.RFC3339), prior.Attempts)
	}
	return nil
}

// runStage executes steps 2-5 of §4.8's algorithm for one stage.
func (o *Orchestrator) runStage(ctx context.Context, projectID string, stage stageDef) error {
	for _, in := range stage.Inputs {
		ref := scratchpad.Ref{ProjectID: projectID, Section: logicalNameToSection(in), LogicalName: in}
		exists, err := o.sp.Exists(ref)
		if err != nil {
			return err
		}
		if !exists {
			return errs.New(errs.KindValidation, fmt.Sprintf("stage %q missing mandatory input %q", stage.Name, in))
		}
	}

	priorOutputs := make(map[string]string, len(stage.Inputs))
	for _, in := range stage.Inputs {
		ref := scratchpad.Ref{ProjectID: projectID, Section: logicalNameToSection(in), LogicalName: in}
		data, _, err := o.sp.ReadCoalesced(ref)
		if err != nil {
			return err
		}
		priorOutputs[in] = string(data)
	}

	prior, found, err := o.loadStageResult(projectID, stage.Name)
	if err != nil {
		return err
	}
	attempts := 1
	if found {
		attempts = prior.Attempts + 1
	}
	if err := o.persistStageResult(projectID, &model.StageResult{
		Stage: stage.Name, Completed: false, Attempts: attempts, StartedAt: time.Now(),
	}); err != nil {
		return err
	}

	req := dispatch.Request{
		AgentType:         stage.AgentID,
		Input:             map[string]interface{}{},
		ScratchpadDir:     o.sp.Root(),
		ProjectDir:        projectID,
		PriorStageOutputs: priorOutputs,
	}
	deadline := time.Now().Add(o.dispatchTimeout)

	resp, dispatchErr := o.dispatcher.Dispatch(ctx, stage.Name, req, deadline)
	if dispatchErr != nil {
		_ = o.persistStageResult(projectID, &model.StageResult{
			Stage: stage.Name, Completed: false, Attempts: attempts, StartedAt: time.Now(), FinishedAt: time.Now(), Error: dispatchErr.Error(),
		})
		return dispatchErr
	}

	written, err := o.writeStageOutputs(projectID, stage, resp)
	if err != nil {
		_ = o.persistStageResult(projectID, &model.StageResult{
			Stage: stage.Name, Completed: false, Attempts: attempts, StartedAt: time.Now(), FinishedAt: time.Now(), Error: err.Error(),
		})
		return err
	}

	if err := o.sm.Transition(projectID, stage.ToPhase); err != nil {
		return err
	}

	if stage.Name == "release" {
		if err := o.publish(projectID); err != nil {
			o.logger.Error("failed to publish final documents", "project", projectID, "error", err)
		}
	}

	return o.persistStageResult(projectID, &model.StageResult{
		Stage: stage.Name, Completed: true, Attempts: attempts, StartedAt: time.Now(), FinishedAt: time.Now(), Outputs: written,
	})
}

// writeStageOutputs writes an agent's response to Scratchpad per §4.8 step
// 4: a single declared output is written verbatim as the response body; a
// stage with multiple declared outputs requires the agent to have returned
// a JSON object mapping each output name to its content, since the wire
// response carries only one output string.
func (o *Orchestrator) writeStageOutputs(projectID string, stage stageDef, resp *dispatch.Response) (map[string]string, error) {
	if !resp.Success {
		return nil, errs.New(errs.KindAgentDispatchError, "stage "+stage.Name+": agent reported failure: "+resp.Error)
	}
	if len(stage.Outputs) == 0 {
		return nil, nil
	}

	written := make(map[string]string, len(stage.Outputs))

	if len(stage.Outputs) == 1 {
		name := stage.Outputs[0]
		if err := o.writeOutput(projectID, name, resp.Output); err != nil {
			return nil, err
		}
		written[name] = resp.Output
		return written, nil
	}

	var byName map[string]string
	if err := json.Unmarshal([]byte(resp.Output), &byName); err != nil {
		return nil, errs.Wrap(errs.KindAgentDispatchError, "stage "+stage.Name+" declares multiple outputs but response was not a {name: content} object", err)
	}
	for _, name := range stage.Outputs {
		content, ok := byName[name]
		if !ok {
			return nil, errs.New(errs.KindValidation, "stage "+stage.Name+" response missing declared output "+name)
		}
		if err := o.writeOutput(projectID, name, content); err != nil {
			return nil, err
		}
		written[name] = content
	}
	return written, nil
}

// outputFormat matches §4.2's split: YAML for human-edited surfaces,
// JSON for machine artifacts (graphs), markdown for narrative documents.
func outputFormat(name string) scratchpad.Format {
	switch name {
	case "collected_info":
		return scratchpad.FormatYAML
	case "dependency_graph":
		return scratchpad.FormatJSON
	default:
		return scratchpad.FormatMarkdown
	}
}

func (o *Orchestrator) writeOutput(projectID, name, content string) error {
	ref := scratchpad.Ref{ProjectID: projectID, Section: logicalNameToSection(name), LogicalName: name}
	return o.sp.Write(ref, outputFormat(name), []byte(content))
}

// publish copies the three final documents out of the Scratchpad's
// documents section into docs/{prd,srs,sds}/<projectId>.md, per §6's
// on-disk layout note that docs/ holds the "final published documents"
// distinct from the working Scratchpad copies.
func (o *Orchestrator) publish(projectID string) error {
	if o.docs == nil {
		return nil
	}
	for _, name := range []string{"prd", "srs", "sds"} {
		ref := scratchpad.Ref{ProjectID: projectID, Section: scratchpad.SectionDocuments, LogicalName: name}
		data, _, err := o.sp.Read(ref)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				continue
			}
			return err
		}

		rel := filepath.Join(name, projectID+".md")
		dest, err := o.docs.Resolve(rel)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return errs.Wrap(errs.KindIOError, "create docs directory", err)
		}
		tmp := dest + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return errs.Wrap(errs.KindIOError, "write published document", err)
		}
		if err := os.Rename(tmp, dest); err != nil {
			os.Remove(tmp)
			return errs.Wrap(errs.KindIOError, "commit published document", err)
		}
	}
	return nil
}

// Run drives Advance on a fixed interval until the pipeline is Done, hands
// off to the Controller, or the context is cancelled — the ticker/select
// shape is grounded directly on the teacher's Orchestrator.Run/runCycle.
func (o *Orchestrator) Run(ctx context.Context, mode model.Mode, projectID string, interval time.Duration) (Status, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := o.Advance(ctx, mode, projectID)
		if errors.Is(err, ErrHandoffToController) {
			return status, err
		}
		if err != nil {
			return status, err
		}
		if status == StatusDone || status == StatusAwaitingApproval {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}
