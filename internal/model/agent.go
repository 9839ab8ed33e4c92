package model

import "time"

// Lifecycle determines whether the Factory reuses a single instance of an
// agent or constructs a fresh one per dispatch.
type Lifecycle string

const (
	LifecycleSingleton Lifecycle = "singleton"
	LifecycleTransient Lifecycle = "transient"
)

// Dependency is one edge in an agent's dependency list; Optional
// dependencies are validated for existence but do not block dispatch if
// unregistered.
type Dependency struct {
	AgentID  string `json:"agentId" yaml:"agentId"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// AgentDescriptor is the registry's record of one agent. It holds no
// constructor; the registry.Constructor that builds the agent is passed to
// registry.Register alongside the descriptor.
type AgentDescriptor struct {
	AgentID      string       `json:"agentId" yaml:"agentId"`
	Name         string       `json:"name" yaml:"name"`
	Description  string       `json:"description" yaml:"description"`
	Lifecycle    Lifecycle    `json:"lifecycle" yaml:"lifecycle"`
	Dependencies []Dependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// PipelineStage describes one step of the Orchestrator's static pipeline,
// parameterized by Mode in the stage list the Orchestrator is constructed
// with.
type PipelineStage struct {
	Name             string   `json:"name" yaml:"name"`
	AgentID          string   `json:"agentId" yaml:"agentId"`
	Inputs           []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs          []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Next             string   `json:"next,omitempty" yaml:"next,omitempty"`
	ApprovalRequired bool     `json:"approvalRequired,omitempty" yaml:"approvalRequired,omitempty"`
	Parallel         bool     `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	MaxParallel      int      `json:"maxParallel,omitempty" yaml:"maxParallel,omitempty"`
	DependsOn        []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
}

// StageResult is the durable record of one stage's outcome, keyed by
// project+stage name, making the Orchestrator resumable (§4.8). Attempts/
// StartedAt survive a crash mid-dispatch so a restarted Orchestrator can
// tell a genuinely stalled stage from one that never began.
type StageResult struct {
	SchemaVersion string            `json:"schemaVersion" yaml:"schemaVersion"`
	Stage         string            `json:"stage" yaml:"stage"`
	Completed     bool              `json:"completed" yaml:"completed"`
	Outputs       map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Error         string            `json:"error,omitempty" yaml:"error,omitempty"`
	Attempts      int               `json:"attempts" yaml:"attempts"`
	StartedAt     time.Time         `json:"startedAt" yaml:"startedAt"`
	FinishedAt    time.Time         `json:"finishedAt,omitempty" yaml:"finishedAt,omitempty"`
}

func (s *StageResult) GetSchemaVersion() string  { return s.SchemaVersion }
func (s *StageResult) SetSchemaVersion(v string) { s.SchemaVersion = v }
