package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/collabmesh/audit"
	"github.com/hupe1980/collabmesh/core"
	"github.com/hupe1980/collabmesh/internal/testutil"
)

func newRunning(t *testing.T, optFns ...func(o *Options)) *Dispatcher {
	t.Helper()
	d := New(optFns...)
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)
	return d
}

func TestDispatcherLifecycle(t *testing.T) {
	d := New()
	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "double start must fail")
	d.Stop()
	d.Stop() // idempotent

	_, err := d.CreateWorker(core.WorkerTypeExecutor, "late", testutil.NewEchoProvider())
	assert.Error(t, err, "stopped dispatcher must reject workers")
}

func TestCreateWorkerBindsProvider(t *testing.T) {
	d := newRunning(t)

	provider := testutil.NewEchoProvider("code", "review")
	rec, err := d.CreateWorker(core.WorkerTypeExecutor, "worker-1", provider)
	require.NoError(t, err)

	got, ok := d.Registry().Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"code", "review"}, got.Capabilities)
	assert.True(t, d.Router().Attached(rec.ID))
}

func TestTaskRoundTrip(t *testing.T) {
	d := newRunning(t)

	sender := testutil.NewEchoProvider()
	executor := testutil.NewEchoProvider("code")

	from, err := d.CreateWorker(core.WorkerTypePlanner, "planner", sender)
	require.NoError(t, err)
	to, err := d.CreateWorker(core.WorkerTypeExecutor, "executor", executor)
	require.NoError(t, err)

	msgID, err := d.Send(from.ID, to.ID, EncodeTask(core.Task{
		ID:        core.NewID(),
		Objective: "build the parser",
	}), true)
	require.NoError(t, err)

	// The executor's delivery loop answers the task; the response lands in
	// the planner's queue and reaches its provider via OnMessage.
	require.Eventually(t, func() bool {
		return len(sender.Messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp := sender.Messages()[0]
	assert.Equal(t, to.ID, resp.From)
	assert.Equal(t, msgID, resp.ReplyTo)

	res, err := DecodeResult(resp)
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Equal(t, "build the parser", res.Output["echo"])

	require.Len(t, executor.Tasks(), 1)
	assert.Equal(t, "build the parser", executor.Tasks()[0].Objective)
}

func TestTaskFailureCarriedInResponse(t *testing.T) {
	d := newRunning(t)

	sender := testutil.NewEchoProvider()
	flaky := testutil.NewFlakyProvider(1, "code")

	from, err := d.CreateWorker(core.WorkerTypePlanner, "planner", sender)
	require.NoError(t, err)
	to, err := d.CreateWorker(core.WorkerTypeExecutor, "executor", flaky)
	require.NoError(t, err)

	_, err = d.Send(from.ID, to.ID, EncodeTask(core.Task{ID: core.NewID(), Objective: "x"}), true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sender.Messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = DecodeResult(sender.Messages()[0])
	assert.Error(t, err)
}

func TestSendValidation(t *testing.T) {
	d := newRunning(t)

	rec, err := d.CreateWorker(core.WorkerTypeExecutor, "w", testutil.NewEchoProvider())
	require.NoError(t, err)

	_, err = d.Send("ghost", rec.ID, nil, false)
	var unknown *core.UnknownRecipientError
	assert.ErrorAs(t, err, &unknown)

	_, err = d.Send(rec.ID, "ghost", nil, false)
	assert.ErrorAs(t, err, &unknown)
}

func TestDestroyWorker(t *testing.T) {
	d := newRunning(t)

	rec, err := d.CreateWorker(core.WorkerTypeExecutor, "w", testutil.NewEchoProvider())
	require.NoError(t, err)

	sid := d.CreateSpace("room", rec.ID, 4)
	require.NoError(t, d.JoinSpace(sid, rec.ID))

	d.DestroyWorker(rec.ID)
	assert.False(t, d.Registry().Known(rec.ID))
	assert.False(t, d.Router().Attached(rec.ID))

	stats, err := d.Spaces().Stats(sid)
	require.NoError(t, err)
	assert.Zero(t, stats.Participants)

	d.DestroyWorker(rec.ID) // no-op
}

func TestSpaceBroadcastThroughDispatcher(t *testing.T) {
	d := newRunning(t)

	a := testutil.NewEchoProvider()
	b := testutil.NewEchoProvider()
	recA, err := d.CreateWorker(core.WorkerTypeExecutor, "a", a)
	require.NoError(t, err)
	recB, err := d.CreateWorker(core.WorkerTypeExecutor, "b", b)
	require.NoError(t, err)

	sid := d.CreateSpace("room", recA.ID, 4)
	require.NoError(t, d.JoinSpace(sid, recA.ID))
	require.NoError(t, d.JoinSpace(sid, recB.ID))

	_, err = d.BroadcastToSpace(sid, recA.ID, map[string]any{"note": "hello"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(b.Messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, a.Messages(), "broadcasts exclude the sender")
	assert.Equal(t, sid, b.Messages()[0].SpaceID)

	assert.Len(t, d.SpaceHistory(sid), 1)
}

func TestEndpointReceivesResponses(t *testing.T) {
	d := newRunning(t)

	executor := testutil.NewEchoProvider("code")
	rec, err := d.CreateWorker(core.WorkerTypeExecutor, "executor", executor)
	require.NoError(t, err)

	const coord = "coordinator"
	d.AttachEndpoint(coord)
	defer d.DetachEndpoint(coord)

	msg := core.NewMessage(coord, rec.ID, EncodeTask(core.Task{ID: core.NewID(), Objective: "step"}), true)
	require.NoError(t, d.Router().SendMessage(msg))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := d.Router().Receive(ctx, coord)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, resp.ReplyTo)
}

func TestDispatcherAuditsLifecycle(t *testing.T) {
	store := audit.NewInMemoryStore()
	d := newRunning(t, func(o *Options) {
		o.Audit = store
	})

	rec, err := d.CreateWorker(core.WorkerTypeExecutor, "w", testutil.NewEchoProvider())
	require.NoError(t, err)
	d.DestroyWorker(rec.ID)
	d.Stop()

	records, err := store.List(context.Background(), d.SessionID())
	require.NoError(t, err)

	actions := make([]string, 0, len(records))
	for _, r := range records {
		actions = append(actions, r.Action)
	}
	assert.Contains(t, actions, "session_started")
	assert.Contains(t, actions, "worker_created")
	assert.Contains(t, actions, "worker_destroyed")
	assert.Contains(t, actions, "session_stopped")
}

func TestEncodeDecodeTask(t *testing.T) {
	task := core.Task{
		ID:        "t-1",
		Objective: "summarize",
		Input:     map[string]any{"doc": "readme"},
	}
	msg := core.NewMessage("a", "b", EncodeTask(task), true)
	got := DecodeTask(msg)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.Objective, got.Objective)
	assert.Equal(t, task.Input, got.Input)
	assert.Equal(t, "a", got.IssuedBy)
}
