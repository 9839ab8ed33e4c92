// Package model holds the shared data-model types (§3): Project state,
// Issue/WorkOrder/ImplementationResult, Agent descriptors, pipeline stages,
// and the Controller's in-memory queue state. These types are grounded on
// the shape of the teacher's kanban/types.go (Status enum, Signoffs,
// History append-log) generalized from a fixed five-agent ticket board
// into the spec's arbitrary-agent, arbitrary-stage pipeline.
package model

import "time"

// ProjectPhase is one of the thirteen ordered SDLC phases, plus cancelled.
type ProjectPhase string

const (
	PhaseIntake          ProjectPhase = "intake"
	PhaseRequirements    ProjectPhase = "requirements"
	PhasePRD             ProjectPhase = "prd"
	PhaseDesign          ProjectPhase = "design"
	PhaseArchitecture    ProjectPhase = "architecture"
	PhaseIssueBreakdown  ProjectPhase = "issue_breakdown"
	PhasePrioritization  ProjectPhase = "prioritization"
	PhaseImplementing    ProjectPhase = "implementing"
	PhasePRReview        ProjectPhase = "pr_review"
	PhaseQA              ProjectPhase = "qa"
	PhaseSecurityReview  ProjectPhase = "security_review"
	PhaseRelease         ProjectPhase = "release"
	PhaseDone            ProjectPhase = "done"
	PhaseCancelled       ProjectPhase = "cancelled"
)

// orderedPhases defines the forward progression used to validate
// transitions; explicit retries (e.g. pr_review -> implementing) are
// layered on top in statemgr's transition table, not here.
var orderedPhases = []ProjectPhase{
	PhaseIntake, PhaseRequirements, PhasePRD, PhaseDesign, PhaseArchitecture,
	PhaseIssueBreakdown, PhasePrioritization, PhaseImplementing, PhasePRReview,
	PhaseQA, PhaseSecurityReview, PhaseRelease, PhaseDone,
}

// OrderedPhases returns the forward phase sequence, excluding Cancelled
// (which is reachable from any phase).
func OrderedPhases() []ProjectPhase {
	out := make([]ProjectPhase, len(orderedPhases))
	copy(out, orderedPhases)
	return out
}

// IndexOf returns the position of p in the forward sequence, or -1.
func IndexOf(p ProjectPhase) int {
	for i, q := range orderedPhases {
		if q == p {
			return i
		}
	}
	return -1
}

// Mode parameterizes the Orchestrator's static pipeline stage list (§4.8).
type Mode string

const (
	ModeGreenfield  Mode = "greenfield"
	ModeEnhancement Mode = "enhancement"
)

// Project is the top-level unit of work the pipeline operates on. It is
// persisted once at project creation (progress/<projectId>/project.yaml) so
// a later `resume` can recover the mode the project was started with
// without the caller having to repeat it.
type Project struct {
	SchemaVersion string       `json:"schemaVersion" yaml:"schemaVersion"`
	ID            string       `json:"id" yaml:"id"`
	Name          string       `json:"name" yaml:"name"`
	Mode          Mode         `json:"mode" yaml:"mode"`
	Phase         ProjectPhase `json:"phase" yaml:"phase"`
	CreatedAt     time.Time    `json:"createdAt" yaml:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt" yaml:"updatedAt"`
}

func (p *Project) GetSchemaVersion() string  { return p.SchemaVersion }
func (p *Project) SetSchemaVersion(v string) { p.SchemaVersion = v }

// Priority is one of four issue priority tiers.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// Effort is a t-shirt-size effort estimate.
type Effort string

const (
	EffortXS Effort = "XS"
	EffortS  Effort = "S"
	EffortM  Effort = "M"
	EffortL  Effort = "L"
	EffortXL Effort = "XL"
)

// EffortWeight is used by the critical-path longest-path relaxation (§4.6).
var EffortWeight = map[Effort]int{
	EffortXS: 1,
	EffortS:  2,
	EffortM:  3,
	EffortL:  5,
	EffortXL: 8,
}

// IssueState is the lifecycle status of a single issue in the Controller's queue.
type IssueState string

const (
	IssuePending    IssueState = "pending"
	IssueReady      IssueState = "ready"
	IssueInProgress IssueState = "in_progress"
	IssueCompleted  IssueState = "completed"
	IssueBlocked    IssueState = "blocked"
	IssueFailed     IssueState = "failed"
)

// Issue is a single unit of schedulable work.
type Issue struct {
	ID           string     `json:"id" yaml:"id"`
	Title        string     `json:"title" yaml:"title"`
	Priority     Priority   `json:"priority" yaml:"priority"`
	Effort       Effort     `json:"effort" yaml:"effort"`
	Dependencies []string   `json:"dependencies" yaml:"dependencies"`
	State        IssueState `json:"state" yaml:"state"`
	Attempts     int        `json:"attempts" yaml:"attempts"`
}

// WorkOrder is synthesized by the Controller for a single dispatch.
type WorkOrder struct {
	OrderID             string    `json:"orderId" yaml:"orderId"`
	IssueID             string    `json:"issueId" yaml:"issueId"`
	CreatedAt           time.Time `json:"createdAt" yaml:"createdAt"`
	Priority            float64   `json:"priority" yaml:"priority"`
	Context             string    `json:"context" yaml:"context"`
	AcceptanceCriteria  []string  `json:"acceptanceCriteria" yaml:"acceptanceCriteria"`
}

// ImplementationStatus is the outcome of a single dispatch attempt.
type ImplementationStatus string

const (
	ImplCompleted ImplementationStatus = "completed"
	ImplFailed    ImplementationStatus = "failed"
	ImplBlocked   ImplementationStatus = "blocked"
)

// ImplementationResult is what exactly one WorkOrder produces.
type ImplementationResult struct {
	OrderID      string               `json:"orderId" yaml:"orderId"`
	IssueID      string               `json:"issueId" yaml:"issueId"`
	Status       ImplementationStatus `json:"status" yaml:"status"`
	BranchName   string               `json:"branchName,omitempty" yaml:"branchName,omitempty"`
	Changes      []string             `json:"changes,omitempty" yaml:"changes,omitempty"`
	TestsAdded   []string             `json:"testsAdded,omitempty" yaml:"testsAdded,omitempty"`
	CommitHash   string               `json:"commitHash,omitempty" yaml:"commitHash,omitempty"`
	Err          error                `json:"-" yaml:"-"`
}

// PRReviewDecision is the outcome of a PR review pass.
type PRReviewDecision string

const (
	ReviewApprove        PRReviewDecision = "approve"
	ReviewRequestChanges PRReviewDecision = "request_changes"
	ReviewReject         PRReviewDecision = "reject"
)

// QualityMetrics is an optional scorecard attached to a PRReviewResult.
type QualityMetrics struct {
	CoveragePercent float64 `json:"coveragePercent,omitempty" yaml:"coveragePercent,omitempty"`
	LintIssues      int     `json:"lintIssues,omitempty" yaml:"lintIssues,omitempty"`
}

// PRReviewResult is the output of a PR review stage.
type PRReviewResult struct {
	Decision       PRReviewDecision `json:"decision" yaml:"decision"`
	Comments       []string         `json:"comments,omitempty" yaml:"comments,omitempty"`
	QualityMetrics *QualityMetrics  `json:"qualityMetrics,omitempty" yaml:"qualityMetrics,omitempty"`
}

// WorkerStatus is the lifecycle status of a single pool worker.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerWorking WorkerStatus = "working"
	WorkerError   WorkerStatus = "error"
)

// Worker is one slot in the Controller's fixed-size worker pool.
type Worker struct {
	ID             string       `json:"id" yaml:"id"`
	Status         WorkerStatus `json:"status" yaml:"status"`
	CurrentIssue   string       `json:"currentIssue,omitempty" yaml:"currentIssue,omitempty"`
	CompletedTasks int          `json:"completedTasks" yaml:"completedTasks"`
}

// Queue partitions issues by state for the Controller's in-memory queue (§3 invariant 3).
type Queue struct {
	Pending    []string `json:"pending" yaml:"pending"`
	Ready      []string `json:"ready" yaml:"ready"`
	InProgress []string `json:"inProgress" yaml:"inProgress"`
	Completed  []string `json:"completed" yaml:"completed"`
	Blocked    []string `json:"blocked" yaml:"blocked"`
	Failed     []string `json:"failed" yaml:"failed"`
}

// ControllerState is the durable mirror of the Controller's in-memory
// queue, persisted atomically every dispatch tick so a killed process
// resumes exactly where it left off (§5, §8 restart-equivalence).
type ControllerState struct {
	SchemaVersion   string         `json:"schemaVersion" yaml:"schemaVersion"`
	SessionID       string         `json:"sessionId" yaml:"sessionId"`
	ProjectID       string         `json:"projectId" yaml:"projectId"`
	CurrentPhase    ProjectPhase   `json:"currentPhase" yaml:"currentPhase"`
	Queue           Queue          `json:"queue" yaml:"queue"`
	Workers         []Worker       `json:"workers" yaml:"workers"`
	TotalIssues     int            `json:"totalIssues" yaml:"totalIssues"`
	CompletedIssues int            `json:"completedIssues" yaml:"completedIssues"`
	FailedIssues    int            `json:"failedIssues" yaml:"failedIssues"`
	// RecoveryAttempts counts, per issue ID, how many times the Controller's
	// restart reconciliation pass has found that issue stranded in-progress
	// with no live worker and re-queued it; once an issue exceeds the retry
	// budget it is moved to Failed instead of being recovered again.
	RecoveryAttempts map[string]int `json:"recoveryAttempts,omitempty" yaml:"recoveryAttempts,omitempty"`
}

func (c *ControllerState) GetSchemaVersion() string  { return c.SchemaVersion }
func (c *ControllerState) SetSchemaVersion(v string) { c.SchemaVersion = v }
