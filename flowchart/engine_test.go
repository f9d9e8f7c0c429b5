package flowchart

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/collabmesh/core"
	"github.com/hupe1980/collabmesh/dispatcher"
	"github.com/hupe1980/collabmesh/internal/testutil"
)

func newTestEngine(t *testing.T, mutate func(cfg *core.Config), optFns ...func(o *Options)) (*dispatcher.Dispatcher, *Engine) {
	t.Helper()
	cfg := core.DefaultConfig.Clone()
	cfg.BackoffBase = 5 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	d := dispatcher.New(func(o *dispatcher.Options) {
		o.Config = cfg
	})
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)
	return d, New(d, optFns...)
}

func echoFactory(t core.WorkerType) core.CapabilityProvider {
	return testutil.NewEchoProvider(string(t))
}

func waitRun(t *testing.T, r *Run) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return r.Wait(ctx)
}

func TestRunCompletes(t *testing.T) {
	d, e := newTestEngine(t, nil)

	r := e.Launch("draft the design and write the code", echoFactory)
	require.NoError(t, waitRun(t, r))

	st := r.Status()
	assert.Equal(t, core.FlowchartCompleted, st.State)
	assert.Equal(t, st.StepsTotal, st.StepsDone)
	assert.Equal(t, 1, st.Version, "no adaptation, original flowchart version")
	assert.Equal(t, 5, st.StepsTotal, "two delegates, two verifies, one report")

	assert.Zero(t, d.Registry().Stats().Total, "team is torn down after the run")
}

func TestRunAccessibleByID(t *testing.T) {
	_, e := newTestEngine(t, nil)

	r := e.Launch("job", echoFactory)
	got, ok := e.Get(r.ID())
	require.True(t, ok)
	assert.Same(t, r, got)
	require.NoError(t, waitRun(t, r))
}

func TestTeamBuildShortfallFails(t *testing.T) {
	d, e := newTestEngine(t, func(cfg *core.Config) {
		cfg.WorkerCapacity[core.WorkerTypeExecutor] = 0
	})

	r := e.Launch("impossible job", echoFactory)
	err := waitRun(t, r)
	require.Error(t, err)

	var tbf *core.TeamBuildFailureError
	require.ErrorAs(t, err, &tbf)
	assert.Equal(t, 1, tbf.Shortfall[core.WorkerTypeExecutor])

	var capacity *core.CapacityExceededError
	assert.ErrorAs(t, err, &capacity)

	assert.Equal(t, core.FlowchartFailed, r.Status().State)
	assert.Zero(t, d.Registry().Stats().Total, "partial team never survives")
}

// A delegate step whose worker never answers times out, the run adapts by
// scaling in a fresh executor and re-routing, and completes once that
// executor responds.
func TestDelegateTimeoutAdaptsAndCompletes(t *testing.T) {
	var executors int32
	factory := func(tp core.WorkerType) core.CapabilityProvider {
		if tp == core.WorkerTypeExecutor && atomic.AddInt32(&executors, 1) == 1 {
			return testutil.NewSilentProvider("executor")
		}
		return testutil.NewEchoProvider(string(tp))
	}

	_, e := newTestEngine(t, func(cfg *core.Config) {
		cfg.MaxExecutors = 1
		cfg.StepTimeout = 300 * time.Millisecond
		cfg.RetryAttempts = 3
	})

	r := e.Launch("single subtask", factory)
	require.NoError(t, waitRun(t, r))

	st := r.Status()
	assert.Equal(t, core.FlowchartCompleted, st.State)
	assert.GreaterOrEqual(t, st.Version, 2, "adaptation supersedes the flowchart")

	fc := r.Flowchart()
	assert.NotEmpty(t, fc.PriorID, "lineage to the superseded version")
	assert.Equal(t, "delegate-1", fc.Metadata["adapted_step"])
}

func TestVerifierRejectionAdapts(t *testing.T) {
	rejector := testutil.NewRejectingProvider(1, "verify")
	factory := func(tp core.WorkerType) core.CapabilityProvider {
		if tp == core.WorkerTypeVerifier {
			return rejector
		}
		return testutil.NewEchoProvider(string(tp))
	}

	_, e := newTestEngine(t, func(cfg *core.Config) {
		cfg.MaxExecutors = 1
		cfg.StepTimeout = 2 * time.Second
	})

	r := e.Launch("verified job", factory)
	require.NoError(t, waitRun(t, r))

	st := r.Status()
	assert.Equal(t, core.FlowchartCompleted, st.State)
	assert.GreaterOrEqual(t, st.Version, 2)
	assert.Equal(t, "verify-1", r.Flowchart().Metadata["adapted_step"])
}

func TestRetriesExhaustedEscalatesToFailed(t *testing.T) {
	factory := func(tp core.WorkerType) core.CapabilityProvider {
		if tp == core.WorkerTypeExecutor {
			return testutil.NewSilentProvider("executor")
		}
		return testutil.NewEchoProvider(string(tp))
	}

	_, e := newTestEngine(t, func(cfg *core.Config) {
		cfg.MaxExecutors = 1
		cfg.StepTimeout = 150 * time.Millisecond
		cfg.RetryAttempts = 1
	})

	r := e.Launch("doomed job", factory)
	err := waitRun(t, r)
	require.Error(t, err)

	var sf *core.StepFailureError
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, "delegate-1", sf.StepID)

	var timeout *core.TimeoutError
	assert.ErrorAs(t, err, &timeout, "cause is the step timeout")

	st := r.Status()
	assert.Equal(t, core.FlowchartFailed, st.State)
	assert.Equal(t, "delegate-1", st.FailedStep)
}

// gatedProvider blocks Execute until released, so tests can hold a run in
// the Executing state deterministically.
type gatedProvider struct {
	testutil.EchoProvider
	release chan struct{}
}

func (p *gatedProvider) Execute(ctx context.Context, task core.Task) (core.Result, error) {
	select {
	case <-p.release:
		return p.EchoProvider.Execute(ctx, task)
	case <-ctx.Done():
		return core.Result{}, ctx.Err()
	}
}

func TestPauseAndResume(t *testing.T) {
	release := make(chan struct{})
	factory := func(tp core.WorkerType) core.CapabilityProvider {
		if tp == core.WorkerTypeExecutor {
			return &gatedProvider{EchoProvider: testutil.EchoProvider{Caps: []string{"executor"}}, release: release}
		}
		return testutil.NewEchoProvider(string(tp))
	}

	_, e := newTestEngine(t, func(cfg *core.Config) {
		cfg.MaxExecutors = 1
		cfg.StepTimeout = 10 * time.Second
	})

	r := e.Launch("slow job", factory)

	r.Pause()
	assert.Equal(t, core.FlowchartPaused, r.Status().State)

	r.Resume()
	assert.NotEqual(t, core.FlowchartPaused, r.Status().State)

	close(release)
	require.NoError(t, waitRun(t, r))
	assert.Equal(t, core.FlowchartCompleted, r.Status().State)
}

func TestCancel(t *testing.T) {
	factory := func(tp core.WorkerType) core.CapabilityProvider {
		if tp == core.WorkerTypeExecutor {
			return testutil.NewSilentProvider("executor")
		}
		return testutil.NewEchoProvider(string(tp))
	}

	d, e := newTestEngine(t, func(cfg *core.Config) {
		cfg.MaxExecutors = 1
		cfg.StepTimeout = 30 * time.Second
	})

	r := e.Launch("cancelled job", factory)
	require.Eventually(t, func() bool {
		return r.Status().State == core.FlowchartExecuting
	}, 5*time.Second, 10*time.Millisecond)

	r.Cancel()
	require.NoError(t, waitRun(t, r))
	assert.Equal(t, core.FlowchartCancelled, r.Status().State)
	assert.Zero(t, d.Registry().Stats().Total)

	r.Cancel() // no-op on a terminal run
}

func TestCollaborateStepJoinsSharedSpace(t *testing.T) {
	d, e := newTestEngine(t, nil)

	fc := &core.Flowchart{
		ID:        core.NewID(),
		Objective: "pair work",
		Counts:    core.TeamCounts{Planner: 1, Executor: 1},
		Steps: []core.Step{
			{
				ID:       "collab",
				FromType: core.WorkerTypePlanner,
				ToType:   core.WorkerTypeExecutor,
				Kind:     core.InteractionCollaborate,
				Timeout:  2 * time.Second,
			},
		},
		CreatedBy: "caller",
		CreatedAt: time.Now().UTC(),
		Version:   1,
	}

	r := e.LaunchFlowchart(fc, echoFactory)
	require.NoError(t, waitRun(t, r))

	assert.Equal(t, core.FlowchartCompleted, r.Status().State)
	require.Len(t, d.Spaces().List(false), 1, "collaborate created the run's space")
}
