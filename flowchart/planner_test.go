package flowchart

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/collabmesh/core"
)

func TestEstimateSubtasks(t *testing.T) {
	assert.Equal(t, 1, EstimateSubtasks("write the parser"))
	assert.Equal(t, 2, EstimateSubtasks("write the parser and test it"))
	assert.Equal(t, 3, EstimateSubtasks("fetch data; clean it; then publish"))
	assert.Equal(t, 1, EstimateSubtasks(""))
}

func TestSizeTeam(t *testing.T) {
	cfg := core.DefaultConfig.Clone()
	cfg.MaxExecutors = 4
	cfg.VerifierRatio = 3

	counts := SizeTeam(cfg, 2, true)
	assert.Equal(t, core.TeamCounts{Planner: 1, Executor: 2, Verifier: 1}, counts)

	counts = SizeTeam(cfg, 9, true)
	assert.Equal(t, 4, counts.Executor, "executor count is capped")
	assert.Equal(t, 2, counts.Verifier, "one verifier per three executors, rounded up")

	counts = SizeTeam(cfg, 2, false)
	assert.Zero(t, counts.Verifier, "no delivery means no verifiers")

	counts = SizeTeam(cfg, 0, true)
	assert.Equal(t, 1, counts.Executor, "at least one executor")
	assert.Equal(t, 1, counts.Planner)
}

func TestDraftStructure(t *testing.T) {
	cfg := core.DefaultConfig.Clone()
	counts := core.TeamCounts{Planner: 1, Executor: 2, Verifier: 1}
	fc := Draft(cfg, "build and test", "coord", counts, time.Second)

	require.Len(t, fc.Steps, 5, "two delegates, two verifies, one report")
	assert.Equal(t, 1, fc.Version)
	assert.Equal(t, "coord", fc.CreatedBy)

	d1 := fc.StepByID("delegate-1")
	require.NotNil(t, d1)
	assert.Equal(t, core.InteractionDelegate, d1.Kind)
	assert.Empty(t, d1.Preconditions, "delegates run concurrently")

	v1 := fc.StepByID("verify-1")
	require.NotNil(t, v1)
	assert.Equal(t, []string{"delegate-1"}, v1.Preconditions)

	report := fc.StepByID("report")
	require.NotNil(t, report)
	assert.Equal(t, core.InteractionReport, report.Kind)
	assert.ElementsMatch(t, []string{"verify-1", "verify-2"}, report.Preconditions)
	assert.ElementsMatch(t, []string{"verify-1", "verify-2"}, fc.SuccessCriteria)
}

func TestDraftWithoutVerifiers(t *testing.T) {
	cfg := core.DefaultConfig.Clone()
	fc := Draft(cfg, "quick job", "coord", core.TeamCounts{Planner: 1, Executor: 1}, time.Second)

	require.Len(t, fc.Steps, 2)
	report := fc.StepByID("report")
	require.NotNil(t, report)
	assert.Equal(t, []string{"delegate-1"}, report.Preconditions)
}

func TestNextVersionKeepsLineage(t *testing.T) {
	cfg := core.DefaultConfig.Clone()
	fc := Draft(cfg, "job", "coord", core.TeamCounts{Planner: 1, Executor: 1, Verifier: 1}, time.Second)

	next := fc.NextVersion()
	assert.Equal(t, fc.ID, next.PriorID)
	assert.Equal(t, fc.Version+1, next.Version)
	assert.NotEqual(t, fc.ID, next.ID)
	assert.Equal(t, len(fc.Steps), len(next.Steps))
}
