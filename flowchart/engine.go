package flowchart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/collabmesh/core"
	"github.com/hupe1980/collabmesh/dispatcher"
	"github.com/hupe1980/collabmesh/logging"
)

// ProviderFactory produces the capability provider backing each worker the
// engine creates during team building and scaling.
type ProviderFactory func(t core.WorkerType) core.CapabilityProvider

// Options configures an Engine using the functional options pattern.
type Options struct {
	// Logger provides structured logging. Defaults to NoOp if nil.
	Logger logging.Logger

	// Estimator sizes the executor pool from the objective text.
	Estimator SubtaskEstimator

	// RequiresDelivery marks runs whose output must pass verification. It
	// forces at least one verifier into every team.
	RequiresDelivery bool
}

// Engine drives auto-mode runs on top of a dispatcher. Each run owns its
// team: the engine creates the workers during team building and destroys
// them when the run reaches a terminal state.
type Engine struct {
	opts Options
	d    *dispatcher.Dispatcher
	cfg  core.Config

	mu   sync.Mutex
	runs map[string]*Run
}

// New creates an auto-mode engine bound to the given dispatcher.
func New(d *dispatcher.Dispatcher, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Logger:           logging.NoOpLogger{},
		Estimator:        EstimateSubtasks,
		RequiresDelivery: true,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{
		opts: opts,
		d:    d,
		cfg:  d.Config(),
		runs: make(map[string]*Run),
	}
}

// Launch drafts a flowchart for the objective, builds its team and starts
// executing in the background. The returned Run exposes Wait, Pause,
// Resume, Cancel and Status.
func (e *Engine) Launch(objective string, factory ProviderFactory) *Run {
	r := e.newRun(factory)

	subtasks := e.opts.Estimator(objective)
	counts := SizeTeam(e.cfg, subtasks, e.opts.RequiresDelivery)
	fc := Draft(e.cfg, objective, r.coordID, counts, e.cfg.StepTimeout)

	e.opts.Logger.Info("flowchart drafted",
		"run_id", r.id, "flowchart_id", fc.ID,
		"subtasks", subtasks, "team_size", counts.Total())
	e.d.RecordActivity("", r.coordID, "flowchart_drafted", map[string]any{
		"run_id": r.id, "flowchart_id": fc.ID, "objective": objective,
	})

	e.start(r, fc)
	return r
}

// LaunchFlowchart executes a caller-composed flowchart instead of drafting
// one. The flowchart's declared counts drive team building as usual.
func (e *Engine) LaunchFlowchart(fc *core.Flowchart, factory ProviderFactory) *Run {
	r := e.newRun(factory)
	e.start(r, fc)
	return r
}

func (e *Engine) newRun(factory ProviderFactory) *Run {
	r := &Run{
		id:      core.NewID(),
		coordID: "coordinator-" + core.NewID(),
		engine:  e,
		factory: factory,
		state:   core.FlowchartDrafting,
		team:    make(map[core.WorkerType][]string),
		rrIdx:   make(map[core.WorkerType]int),
		status:  make(map[string]stepStatus),
		results: make(map[string]core.Result),
		tried:   make(map[string]map[string]bool),
		pending: make(map[string]chan core.Message),
		done:    make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.resumeCh = make(chan struct{})
	close(r.resumeCh)

	e.mu.Lock()
	e.runs[r.id] = r
	e.mu.Unlock()
	return r
}

func (e *Engine) start(r *Run, fc *core.Flowchart) {
	r.mu.Lock()
	r.fc = fc
	r.attempts = make(map[string]int, len(fc.Steps))
	for _, step := range fc.Steps {
		r.status[step.ID] = stepPending
	}
	r.mu.Unlock()

	e.d.AttachEndpoint(r.coordID)
	go r.demux()
	go r.execute()
}

// Get returns a launched run by id.
func (e *Engine) Get(id string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	return r, ok
}

type stepStatus int

const (
	stepPending stepStatus = iota
	stepRunning
	stepDone
)

// Status is a point-in-time snapshot of a run.
type Status struct {
	RunID       string
	State       core.FlowchartState
	FlowchartID string
	Version     int
	Team        map[core.WorkerType][]string
	StepsTotal  int
	StepsDone   int
	FailedStep  string
	Err         error
}

// Run is one auto-mode execution of an objective. All exported methods are
// safe for concurrent use.
type Run struct {
	id      string
	coordID string
	engine  *Engine
	factory ProviderFactory

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      core.FlowchartState
	pausedFrom core.FlowchartState
	resumeCh   chan struct{}
	fc         *core.Flowchart
	team       map[core.WorkerType][]string
	rrIdx      map[core.WorkerType]int
	status     map[string]stepStatus
	results    map[string]core.Result
	tried      map[string]map[string]bool // step id -> worker ids already tried
	attempts   map[string]int
	spaceID    string
	failedStep string
	runErr     error

	pendingMu sync.Mutex
	pending   map[string]chan core.Message // message id -> response waiter
}

// ID returns the run's identifier.
func (r *Run) ID() string { return r.id }

// Flowchart returns the current flowchart version.
func (r *Run) Flowchart() *core.Flowchart {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fc
}

// Status returns a snapshot of the run.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Status{
		RunID:      r.id,
		State:      r.state,
		Team:       make(map[core.WorkerType][]string, len(r.team)),
		FailedStep: r.failedStep,
		Err:        r.runErr,
	}
	for t, ids := range r.team {
		s.Team[t] = append([]string(nil), ids...)
	}
	if r.fc != nil {
		s.FlowchartID = r.fc.ID
		s.Version = r.fc.Version
		s.StepsTotal = len(r.fc.Steps)
	}
	for _, st := range r.status {
		if st == stepDone {
			s.StepsDone++
		}
	}
	return s
}

// Wait blocks until the run reaches a terminal state or the context
// expires. It returns the run's terminal error, if any.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runErr
}

// Pause suspends the run before its next step starts. Steps already in
// flight complete normally. Pausing a terminal run is a no-op.
func (r *Run) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() || r.state == core.FlowchartPaused {
		return
	}
	r.pausedFrom = r.state
	r.state = core.FlowchartPaused
	r.resumeCh = make(chan struct{})
}

// Resume continues a paused run.
func (r *Run) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != core.FlowchartPaused {
		return
	}
	r.state = r.pausedFrom
	close(r.resumeCh)
}

// Cancel stops the run. In-flight steps are abandoned and the team is torn
// down. Cancelling a terminal run is a no-op.
func (r *Run) Cancel() {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return
	}
	if r.state == core.FlowchartPaused {
		close(r.resumeCh)
	}
	r.state = core.FlowchartCancelled
	r.mu.Unlock()
	r.cancel()
}

// execute is the run's main loop: build the team, then schedule steps
// until everything is done or the run fails.
func (r *Run) execute() {
	defer r.finish()

	if !r.transition(core.FlowchartTeamBuilding) {
		return
	}
	if err := r.buildTeam(r.Flowchart().Counts); err != nil {
		r.fail("", err)
		return
	}

	if !r.transition(core.FlowchartExecuting) {
		return
	}
	r.schedule()
}

// transition moves the run into next unless it has been cancelled or
// paused. Paused runs block until resumed. The pause check and the state
// write happen under one lock acquisition so a concurrent Pause is never
// overwritten.
func (r *Run) transition(next core.FlowchartState) bool {
	for {
		r.mu.Lock()
		if r.state.Terminal() {
			r.mu.Unlock()
			return false
		}
		if r.state == core.FlowchartPaused {
			ch := r.resumeCh
			r.mu.Unlock()
			select {
			case <-ch:
			case <-r.ctx.Done():
				return false
			}
			continue
		}
		r.state = next
		r.mu.Unlock()
		return true
	}
}

func (r *Run) waitIfPaused() bool {
	for {
		r.mu.Lock()
		if r.state.Terminal() {
			r.mu.Unlock()
			return false
		}
		if r.state != core.FlowchartPaused {
			r.mu.Unlock()
			return true
		}
		ch := r.resumeCh
		r.mu.Unlock()
		select {
		case <-ch:
		case <-r.ctx.Done():
			return false
		}
	}
}

// buildTeam realizes the declared counts through the dispatcher. Any
// capacity shortfall tears the partial team down again; a run never starts
// with fewer workers than its flowchart declares.
func (r *Run) buildTeam(counts core.TeamCounts) error {
	for _, t := range core.WorkerTypes() {
		for i := 0; i < counts.For(t); i++ {
			name := fmt.Sprintf("auto-%s-%d", t, i+1)
			rec, err := r.engine.d.CreateWorker(t, name, r.factory(t))
			if err != nil {
				shortfall := make(map[core.WorkerType]int)
				for _, u := range core.WorkerTypes() {
					if missing := counts.For(u) - len(r.teamFor(u)); missing > 0 {
						shortfall[u] = missing
					}
				}
				r.teardownTeam()
				return &core.TeamBuildFailureError{
					FlowchartID: r.Flowchart().ID,
					Shortfall:   shortfall,
					Cause:       err,
				}
			}
			r.mu.Lock()
			r.team[t] = append(r.team[t], rec.ID)
			r.mu.Unlock()
		}
	}
	return nil
}

func (r *Run) currentSpace() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spaceID
}

func (r *Run) teamFor(t core.WorkerType) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.team[t]...)
}

func (r *Run) teardownTeam() {
	r.mu.Lock()
	var ids []string
	for _, members := range r.team {
		ids = append(ids, members...)
	}
	r.team = make(map[core.WorkerType][]string)
	r.mu.Unlock()
	for _, id := range ids {
		r.engine.d.DestroyWorker(id)
	}
}

type stepOutcome struct {
	stepID string
	worker string
	err    error
}

// schedule runs steps as their preconditions complete. Steps with no
// ordering relation between them run concurrently. A failed step moves the
// run to Adapting; exhausted retries escalate to Failed.
func (r *Run) schedule() {
	// Buffered so step goroutines can always report their outcome, even
	// after the scheduler has returned. Each step runs at most
	// MaxRetries+1 times.
	maxRetries := r.engine.cfg.RetryAttempts
	for _, s := range r.fc.Steps {
		if s.MaxRetries > maxRetries {
			maxRetries = s.MaxRetries
		}
	}
	outcomes := make(chan stepOutcome, len(r.fc.Steps)*(maxRetries+2))
	inflight := 0

	for {
		if !r.waitIfPaused() {
			return
		}

		inflight += r.launchReady(outcomes)

		if inflight == 0 {
			if r.allDone() {
				r.complete()
			}
			return
		}

		select {
		case out := <-outcomes:
			inflight--
			if out.err == nil {
				r.markDone(out.stepID)
				continue
			}
			if !r.adapt(out.stepID, out.worker, out.err) {
				return
			}
		case <-r.ctx.Done():
			return
		}
	}
}

// launchReady starts every pending step whose preconditions are done and
// returns how many it launched.
func (r *Run) launchReady(outcomes chan<- stepOutcome) int {
	r.mu.Lock()
	var ready []core.Step
	for _, step := range r.fc.Steps {
		if r.status[step.ID] != stepPending {
			continue
		}
		ok := true
		for _, pre := range step.Preconditions {
			if r.status[pre] != stepDone {
				ok = false
				break
			}
		}
		if ok {
			r.status[step.ID] = stepRunning
			ready = append(ready, step)
		}
	}
	r.mu.Unlock()

	for _, step := range ready {
		step := step
		go func() {
			worker, err := r.runStep(step)
			outcomes <- stepOutcome{stepID: step.ID, worker: worker, err: err}
		}()
	}
	return len(ready)
}

func (r *Run) allDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, step := range r.fc.Steps {
		if r.status[step.ID] != stepDone {
			return false
		}
	}
	return true
}

func (r *Run) markDone(stepID string) {
	r.mu.Lock()
	r.status[stepID] = stepDone
	r.mu.Unlock()
	r.engine.opts.Logger.Debug("step completed", "run_id", r.id, "step", stepID)
}

// runStep executes one step per its interaction kind and returns the worker
// it was routed to.
func (r *Run) runStep(step core.Step) (string, error) {
	switch step.Kind {
	case core.InteractionDelegate:
		return r.runDelegate(step)
	case core.InteractionVerify:
		return r.runVerify(step)
	case core.InteractionCollaborate:
		return r.runCollaborate(step)
	case core.InteractionReport:
		return r.runReport(step)
	default:
		return "", fmt.Errorf("unknown interaction kind %q", step.Kind)
	}
}

func (r *Run) runDelegate(step core.Step) (string, error) {
	worker, err := r.pickWorker(step)
	if err != nil {
		return "", err
	}

	task := core.Task{
		ID:        core.NewID(),
		Objective: r.Flowchart().Objective,
		Input:     step.Payload,
		IssuedBy:  r.coordID,
		SpaceID:   r.currentSpace(),
	}
	msg := core.NewMessage(r.coordID, worker, dispatcher.EncodeTask(task), true)
	msg.SpaceID = task.SpaceID

	resp, err := r.sendAndAwait(msg, step)
	if err != nil {
		return worker, err
	}
	res, err := dispatcher.DecodeResult(resp)
	if err != nil {
		return worker, err
	}

	r.mu.Lock()
	r.results[step.ID] = res
	r.mu.Unlock()
	return worker, nil
}

func (r *Run) runVerify(step core.Step) (string, error) {
	worker, err := r.pickWorker(step)
	if err != nil {
		return "", err
	}

	// The result being verified comes from the step's first precondition.
	var subject core.Result
	r.mu.Lock()
	for _, pre := range step.Preconditions {
		if res, ok := r.results[pre]; ok {
			subject = res
			break
		}
	}
	r.mu.Unlock()

	task := core.Task{
		ID:        core.NewID(),
		Objective: "verify: " + r.Flowchart().Objective,
		Input: map[string]any{
			"task_id": subject.TaskID,
			"output":  subject.Output,
			"notes":   subject.Notes,
		},
		IssuedBy: r.coordID,
		SpaceID:  r.currentSpace(),
	}
	msg := core.NewMessage(r.coordID, worker, dispatcher.EncodeTask(task), true)
	msg.SpaceID = task.SpaceID

	resp, err := r.sendAndAwait(msg, step)
	if err != nil {
		return worker, err
	}
	res, err := dispatcher.DecodeResult(resp)
	if err != nil {
		return worker, err
	}
	if !res.Approved {
		return worker, fmt.Errorf("verifier %s rejected step %s: %s", worker, step.ID, res.Notes)
	}

	r.mu.Lock()
	r.results[step.ID] = res
	r.mu.Unlock()
	return worker, nil
}

// runCollaborate places one worker of each side into the run's shared
// space, creating the space on first use.
func (r *Run) runCollaborate(step core.Step) (string, error) {
	from, err := r.pickOfType(step.FromType, nil)
	if err != nil {
		return "", err
	}
	to, err := r.pickWorker(step)
	if err != nil {
		return to, err
	}

	r.mu.Lock()
	if r.spaceID == "" {
		r.spaceID = r.engine.d.CreateSpace("auto-"+r.id, r.coordID, r.engine.cfg.SpaceCapacity)
	}
	sid := r.spaceID
	r.mu.Unlock()

	if err := r.engine.d.JoinSpace(sid, from); err != nil {
		return from, err
	}
	if err := r.engine.d.JoinSpace(sid, to); err != nil {
		return to, err
	}
	return to, nil
}

func (r *Run) runReport(step core.Step) (string, error) {
	worker, err := r.pickWorker(step)
	if err != nil {
		return "", err
	}

	summary := map[string]any{"run_id": r.id, "results": map[string]any{}}
	r.mu.Lock()
	for id, res := range r.results {
		summary["results"].(map[string]any)[id] = res.Output
	}
	r.mu.Unlock()

	msg := core.NewMessage(r.coordID, worker, summary, false)
	return worker, r.engine.d.Router().SendMessage(msg)
}

// pickWorker selects a team member of the step's target type, preferring
// workers the step has not been routed to before.
func (r *Run) pickWorker(step core.Step) (string, error) {
	r.mu.Lock()
	tried := r.tried[step.ID]
	r.mu.Unlock()
	return r.pickOfType(step.ToType, tried)
}

func (r *Run) pickOfType(t core.WorkerType, exclude map[string]bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.team[t]
	if len(members) == 0 {
		return "", &core.NoAvailableWorkerError{Type: t}
	}
	start := r.rrIdx[t]
	for i := 0; i < len(members); i++ {
		id := members[(start+i)%len(members)]
		if exclude[id] {
			continue
		}
		r.rrIdx[t] = (start + i + 1) % len(members)
		return id, nil
	}
	return "", &core.NoAvailableWorkerError{Type: t}
}

// sendAndAwait sends the message and blocks until its response arrives or
// the step's timeout elapses.
func (r *Run) sendAndAwait(msg core.Message, step core.Step) (core.Message, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = r.engine.cfg.StepTimeout
	}

	waiter := make(chan core.Message, 1)
	r.pendingMu.Lock()
	r.pending[msg.ID] = waiter
	r.pendingMu.Unlock()
	defer func() {
		r.pendingMu.Lock()
		delete(r.pending, msg.ID)
		r.pendingMu.Unlock()
	}()

	if err := r.engine.d.Router().SendMessage(msg); err != nil {
		return core.Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-waiter:
		return resp, nil
	case <-timer.C:
		return core.Message{}, &core.TimeoutError{Operation: "step " + step.ID, Elapsed: timeout}
	case <-r.ctx.Done():
		return core.Message{}, r.ctx.Err()
	}
}

// demux routes responses arriving on the run's coordinator queue to the
// step goroutine awaiting them. Unsolicited messages are dropped.
func (r *Run) demux() {
	for {
		msg, err := r.engine.d.Router().Receive(r.ctx, r.coordID)
		if err != nil {
			return
		}
		r.pendingMu.Lock()
		waiter, ok := r.pending[msg.ReplyTo]
		r.pendingMu.Unlock()
		if ok {
			waiter <- msg
		}
	}
}

// adapt handles a failed step: record the failed worker, re-route to
// another team member or scale the team, and supersede the flowchart with a
// new version. It returns false once the step's retries are exhausted, in
// which case the run is failed.
func (r *Run) adapt(stepID, worker string, cause error) bool {
	if !r.transition(core.FlowchartAdapting) {
		return false
	}

	r.mu.Lock()
	step := r.fc.StepByID(stepID)
	r.attempts[stepID]++
	attempts := r.attempts[stepID]
	maxRetries := step.MaxRetries
	if r.tried[stepID] == nil {
		r.tried[stepID] = make(map[string]bool)
	}
	if worker != "" {
		r.tried[stepID][worker] = true
	}
	tried := len(r.tried[stepID])
	teamSize := len(r.team[step.ToType])
	toType := step.ToType
	r.mu.Unlock()

	r.engine.opts.Logger.Warn("step failed, adapting",
		"run_id", r.id, "step", stepID, "attempt", attempts, "error", cause.Error())

	if attempts > maxRetries {
		r.fail(stepID, &core.StepFailureError{
			FlowchartID: r.Flowchart().ID,
			StepID:      stepID,
			Attempts:    attempts,
			Cause:       cause,
		})
		return false
	}

	// Every team member of the target type failed this step already: scale
	// the team by one before re-routing.
	if tried >= teamSize {
		name := fmt.Sprintf("auto-%s-scale-%d", toType, teamSize+1)
		rec, err := r.engine.d.CreateWorker(toType, name, r.factory(toType))
		if err != nil {
			r.fail(stepID, &core.StepFailureError{
				FlowchartID: r.Flowchart().ID,
				StepID:      stepID,
				Attempts:    attempts,
				Cause:       err,
			})
			return false
		}
		r.mu.Lock()
		r.team[toType] = append(r.team[toType], rec.ID)
		r.mu.Unlock()
		r.engine.opts.Logger.Info("team scaled", "run_id", r.id, "type", string(toType), "worker_id", rec.ID)
	}

	// Supersede the flowchart, keeping lineage, and put the step back into
	// the pool.
	r.mu.Lock()
	next := r.fc.NextVersion()
	if next.Metadata == nil {
		next.Metadata = make(map[string]any)
	}
	next.Metadata["adapted_step"] = stepID
	next.Metadata["adapted_cause"] = cause.Error()
	r.fc = next
	r.status[stepID] = stepPending
	r.mu.Unlock()

	r.engine.d.RecordActivity("", r.coordID, "flowchart_adapted", map[string]any{
		"run_id": r.id, "flowchart_id": next.ID, "prior_id": next.PriorID, "step": stepID,
	})

	return r.transition(core.FlowchartExecuting)
}

func (r *Run) complete() {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return
	}
	r.state = core.FlowchartCompleted
	r.mu.Unlock()

	r.engine.opts.Logger.Info("flowchart completed", "run_id", r.id)
	r.engine.d.RecordActivity("", r.coordID, "flowchart_completed", map[string]any{"run_id": r.id})
}

func (r *Run) fail(stepID string, err error) {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return
	}
	r.state = core.FlowchartFailed
	r.failedStep = stepID
	r.runErr = err
	r.mu.Unlock()

	r.engine.opts.Logger.Error("flowchart failed", "run_id", r.id, "step", stepID, "error", err.Error())
	r.engine.d.RecordActivity("", r.coordID, "flowchart_failed", map[string]any{
		"run_id": r.id, "step": stepID, "error": err.Error(),
	})
	// Abort in-flight step waits; their outcomes land in the buffered
	// channel and are discarded.
	r.cancel()
}

// finish tears the run down: the team is destroyed, the coordinator queue
// detached and the done channel closed.
func (r *Run) finish() {
	r.mu.Lock()
	if !r.state.Terminal() {
		if r.ctx.Err() != nil && r.runErr == nil {
			r.state = core.FlowchartCancelled
		} else if r.runErr == nil {
			r.state = core.FlowchartFailed
			r.runErr = errors.New("run ended without completing")
		} else {
			r.state = core.FlowchartFailed
		}
	}
	r.mu.Unlock()

	r.teardownTeam()
	r.cancel()
	r.engine.d.DetachEndpoint(r.coordID)
	close(r.done)
}
