package core

import "time"

// InteractionKind classifies how two worker types interact in a flowchart step.
type InteractionKind string

const (
	// InteractionDelegate sends a task message and awaits a response.
	InteractionDelegate InteractionKind = "delegate"
	// InteractionVerify routes an executor's result to a verifier for approval.
	InteractionVerify InteractionKind = "verify"
	// InteractionCollaborate places both parties into a shared space.
	InteractionCollaborate InteractionKind = "collaborate"
	// InteractionReport is one-way and non-blocking.
	InteractionReport InteractionKind = "report"
)

// FlowchartState is the lifecycle state of an auto-mode run.
type FlowchartState string

const (
	// FlowchartDrafting means the plan is being computed from the objective.
	FlowchartDrafting FlowchartState = "drafting"
	// FlowchartTeamBuilding means worker registration is realizing the counts.
	FlowchartTeamBuilding FlowchartState = "team_building"
	// FlowchartExecuting means steps are running per their dependencies.
	FlowchartExecuting FlowchartState = "executing"
	// FlowchartAdapting means a failed step is being re-routed or the team rescaled.
	FlowchartAdapting FlowchartState = "adapting"
	// FlowchartPaused means execution is suspended until resumed.
	FlowchartPaused FlowchartState = "paused"
	// FlowchartCompleted means every step's success criteria are satisfied.
	FlowchartCompleted FlowchartState = "completed"
	// FlowchartFailed carries the failing step and cause.
	FlowchartFailed FlowchartState = "failed"
	// FlowchartCancelled means the run was stopped by an external caller.
	FlowchartCancelled FlowchartState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s FlowchartState) Terminal() bool {
	return s == FlowchartCompleted || s == FlowchartFailed || s == FlowchartCancelled
}

// TeamCounts declares how many workers of each type a flowchart requires.
type TeamCounts struct {
	Planner  int `json:"planner"`
	Executor int `json:"executor"`
	Verifier int `json:"verifier"`
}

// Total returns the overall team size.
func (c TeamCounts) Total() int { return c.Planner + c.Executor + c.Verifier }

// For returns the count declared for a worker type.
func (c TeamCounts) For(t WorkerType) int {
	switch t {
	case WorkerTypePlanner:
		return c.Planner
	case WorkerTypeExecutor:
		return c.Executor
	case WorkerTypeVerifier:
		return c.Verifier
	default:
		return 0
	}
}

// Step is one interaction in a flowchart's ordered step list. Preconditions
// name step ids that must complete first; steps with no ordering relation
// between them are eligible to run concurrently.
type Step struct {
	ID            string          `json:"id"`
	FromType      WorkerType      `json:"from_type"`
	ToType        WorkerType      `json:"to_type"`
	Kind          InteractionKind `json:"kind"`
	Preconditions []string        `json:"preconditions,omitempty"`
	Payload       map[string]any  `json:"payload,omitempty"`
	MaxRetries    int             `json:"max_retries"`
	Timeout       time.Duration   `json:"timeout"`
}

// Flowchart is the realized plan an auto-mode session executes: declared
// team counts plus an ordered list of interaction steps. Once execution
// begins the descriptor is immutable; adaptation produces a new version
// that records its lineage through PriorID.
type Flowchart struct {
	ID              string         `json:"id"`
	Objective       string         `json:"objective"`
	Counts          TeamCounts     `json:"counts"`
	Steps           []Step         `json:"steps"`
	SuccessCriteria []string       `json:"success_criteria,omitempty"`
	CreatedBy       string         `json:"created_by"`
	CreatedAt       time.Time      `json:"created_at"`
	Version         int            `json:"version"`
	PriorID         string         `json:"prior_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// StepByID returns the step with the given id, or nil.
func (f *Flowchart) StepByID(id string) *Step {
	for i := range f.Steps {
		if f.Steps[i].ID == id {
			return &f.Steps[i]
		}
	}
	return nil
}

// NextVersion clones the flowchart as a superseding version keeping lineage.
func (f *Flowchart) NextVersion() *Flowchart {
	clone := *f
	clone.ID = NewID()
	clone.PriorID = f.ID
	clone.Version = f.Version + 1
	clone.Steps = append([]Step(nil), f.Steps...)
	clone.SuccessCriteria = append([]string(nil), f.SuccessCriteria...)
	return &clone
}
