package flowchart

import (
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/collabmesh/core"
)

// SubtaskEstimator computes the number of independent subtasks an objective
// decomposes into. The estimate drives executor sizing during drafting.
type SubtaskEstimator func(objective string) int

// EstimateSubtasks is the default estimator. It counts clause boundaries in
// the objective text: semicolons, " and " and " then " each introduce one
// additional subtask. The result is always at least one.
func EstimateSubtasks(objective string) int {
	n := 1
	lower := strings.ToLower(objective)
	n += strings.Count(lower, ";")
	n += strings.Count(lower, " and ")
	n += strings.Count(lower, " then ")
	return n
}

// SizeTeam applies the sizing policy to a subtask estimate: at minimum one
// planner, one executor per subtask capped by cfg.MaxExecutors, and one
// verifier per cfg.VerifierRatio executors with a minimum of one whenever
// the run's output requires delivery.
func SizeTeam(cfg core.Config, subtasks int, requiresDelivery bool) core.TeamCounts {
	executors := subtasks
	if cfg.MaxExecutors > 0 && executors > cfg.MaxExecutors {
		executors = cfg.MaxExecutors
	}
	if executors < 1 {
		executors = 1
	}

	ratio := cfg.VerifierRatio
	if ratio < 1 {
		ratio = 1
	}
	verifiers := (executors + ratio - 1) / ratio
	if requiresDelivery && verifiers < 1 {
		verifiers = 1
	}
	if !requiresDelivery {
		verifiers = 0
	}

	return core.TeamCounts{Planner: 1, Executor: executors, Verifier: verifiers}
}

// Draft composes a flowchart for the objective: one delegate step per
// subtask, a verify step gated on each delegate when the team includes
// verifiers, and a final one-way report step gated on everything else.
// Delegate steps carry no mutual preconditions and are eligible to run
// concurrently.
func Draft(cfg core.Config, objective, createdBy string, counts core.TeamCounts, stepTimeout time.Duration) *core.Flowchart {
	if stepTimeout <= 0 {
		stepTimeout = cfg.StepTimeout
	}

	fc := &core.Flowchart{
		ID:        core.NewID(),
		Objective: objective,
		Counts:    counts,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
		Version:   1,
	}

	var gateIDs []string
	for i := 0; i < counts.Executor; i++ {
		delegate := core.Step{
			ID:       fmt.Sprintf("delegate-%d", i+1),
			FromType: core.WorkerTypePlanner,
			ToType:   core.WorkerTypeExecutor,
			Kind:     core.InteractionDelegate,
			Payload: map[string]any{
				"objective": objective,
				"subtask":   i + 1,
			},
			MaxRetries: cfg.RetryAttempts,
			Timeout:    stepTimeout,
		}
		fc.Steps = append(fc.Steps, delegate)

		if counts.Verifier > 0 {
			verify := core.Step{
				ID:            fmt.Sprintf("verify-%d", i+1),
				FromType:      core.WorkerTypeExecutor,
				ToType:        core.WorkerTypeVerifier,
				Kind:          core.InteractionVerify,
				Preconditions: []string{delegate.ID},
				MaxRetries:    cfg.RetryAttempts,
				Timeout:       stepTimeout,
			}
			fc.Steps = append(fc.Steps, verify)
			gateIDs = append(gateIDs, verify.ID)
		} else {
			gateIDs = append(gateIDs, delegate.ID)
		}
	}

	fc.Steps = append(fc.Steps, core.Step{
		ID:            "report",
		FromType:      core.WorkerTypeExecutor,
		ToType:        core.WorkerTypePlanner,
		Kind:          core.InteractionReport,
		Preconditions: gateIDs,
		Timeout:       stepTimeout,
	})

	fc.SuccessCriteria = append(fc.SuccessCriteria, gateIDs...)
	return fc
}
