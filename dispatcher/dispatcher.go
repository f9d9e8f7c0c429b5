// Package dispatcher composes the worker registry, the message router and
// the collaborative space manager into the single entry point agents use.
// It owns the process lifecycle (Start/Stop), binds capability providers to
// registered workers via per-worker delivery loops, and exposes the
// manual-mode operation surface to external callers.
//
// All shared state lives in the explicit Dispatcher object; there are no
// package-level singletons. Lifecycle is a property of the Dispatcher's
// ownership graph: stopping it cancels every delivery loop it spawned.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/collabmesh/core"
	"github.com/hupe1980/collabmesh/logging"
	"github.com/hupe1980/collabmesh/registry"
	"github.com/hupe1980/collabmesh/router"
	"github.com/hupe1980/collabmesh/space"
)

// Options configures a Dispatcher using the functional options pattern.
type Options struct {
	// Config contains the operational parameters shared by all subsystems.
	Config core.Config

	// Logger provides structured logging. Defaults to NoOp if nil.
	Logger logging.Logger

	// Audit receives the session's activity trail. Nil disables auditing.
	Audit core.AuditStore

	// SessionID identifies this orchestration session in audit records.
	// Defaults to a fresh id.
	SessionID string
}

// Dispatcher is the collaborative server: the only component workers talk
// to. It validates every cross-worker interaction against the registry and
// mirrors notable events into the audit trail.
type Dispatcher struct {
	opts      Options
	sessionID string

	registry *registry.Registry
	router   *router.Router
	spaces   *space.Manager

	mu        sync.Mutex
	running   bool
	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	providers map[string]core.CapabilityProvider
	loopStops map[string]context.CancelFunc
}

// New creates a Dispatcher and wires its subsystems together.
func New(optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		Config: core.DefaultConfig,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.SessionID == "" {
		opts.SessionID = core.NewID()
	}

	reg := registry.New(func(o *registry.Options) {
		o.Config = opts.Config
		o.Logger = opts.Logger
	})
	rt := router.New(func(o *router.Options) {
		o.Config = opts.Config
		o.Logger = opts.Logger
	})
	spaces := space.NewManager(reg, rt, func(o *space.Options) {
		o.Config = opts.Config
		o.Logger = opts.Logger
		o.Audit = opts.Audit
		o.SessionID = opts.SessionID
	})

	return &Dispatcher{
		opts:      opts,
		sessionID: opts.SessionID,
		registry:  reg,
		router:    rt,
		spaces:    spaces,
		providers: make(map[string]core.CapabilityProvider),
		loopStops: make(map[string]context.CancelFunc),
	}
}

// SessionID returns the id identifying this orchestration session.
func (d *Dispatcher) SessionID() string { return d.sessionID }

// Config returns the operational parameters this dispatcher runs with.
func (d *Dispatcher) Config() core.Config { return d.opts.Config.Clone() }

// RecordActivity appends a custom record to the session's audit trail. It is
// a no-op when auditing is disabled.
func (d *Dispatcher) RecordActivity(spaceID, actor, action string, details map[string]any) {
	d.audit(spaceID, actor, action, details)
}

// Registry exposes the worker registry for manual-mode callers.
func (d *Dispatcher) Registry() *registry.Registry { return d.registry }

// Router exposes the message router for manual-mode callers.
func (d *Dispatcher) Router() *router.Router { return d.router }

// Spaces exposes the collaborative space manager for manual-mode callers.
func (d *Dispatcher) Spaces() *space.Manager { return d.spaces }

// Start makes the dispatcher accept workers. Starting twice is an error.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("dispatcher already running")
	}
	d.baseCtx, d.cancel = context.WithCancel(context.Background())
	d.running = true
	d.opts.Logger.Info("dispatcher started", "session_id", d.sessionID)
	d.audit("", "dispatcher", "session_started", nil)
	return nil
}

// Stop cancels every delivery loop and waits for them to drain. The
// dispatcher cannot be restarted; create a new one instead.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	d.audit("", "dispatcher", "session_stopped", nil)
	d.opts.Logger.Info("dispatcher stopped", "session_id", d.sessionID)
}

// CreateWorker registers a worker of the given type, attaches its inbound
// queue and spawns the delivery loop driving the capability provider. The
// provider's advertised capabilities become the worker record's capability
// set.
func (d *Dispatcher) CreateWorker(t core.WorkerType, name string, provider core.CapabilityProvider) (*core.WorkerRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil, errors.New("dispatcher not running")
	}

	rec, err := d.registry.Register(t, name, provider.Capabilities())
	if err != nil {
		return nil, err
	}
	d.router.Attach(rec.ID)
	d.providers[rec.ID] = provider

	loopCtx, stop := context.WithCancel(d.baseCtx)
	d.loopStops[rec.ID] = stop
	d.wg.Add(1)
	go d.deliveryLoop(loopCtx, rec.ID, provider)

	d.audit("", rec.ID, "worker_created", map[string]any{"type": string(t), "name": name})
	return rec, nil
}

// DestroyWorker stops the delivery loop, detaches the queue, removes the
// worker from every space and unregisters it. Destroying an unknown id is a
// no-op, mirroring the registry's idempotent unregistration.
func (d *Dispatcher) DestroyWorker(id string) {
	d.mu.Lock()
	stop, ok := d.loopStops[id]
	if ok {
		delete(d.loopStops, id)
		delete(d.providers, id)
	}
	d.mu.Unlock()

	if ok {
		stop()
	}
	d.router.Detach(id)
	d.spaces.RemoveWorkerEverywhere(id)
	d.registry.Unregister(id)
	if ok {
		d.audit("", id, "worker_destroyed", nil)
	}
}

// Send routes a point-to-point message between two registered workers. The
// sender must be known; an unknown recipient surfaces as
// core.UnknownRecipientError.
func (d *Dispatcher) Send(from, to string, payload map[string]any, requiresResponse bool) (string, error) {
	if !d.registry.Known(from) {
		return "", &core.UnknownRecipientError{Recipient: from}
	}
	return d.router.Send(from, to, payload, requiresResponse)
}

// CreateSpace creates a collaborative space.
func (d *Dispatcher) CreateSpace(name, createdBy string, capacity int) string {
	return d.spaces.Create(name, createdBy, capacity)
}

// JoinSpace adds a worker to a space on its behalf.
func (d *Dispatcher) JoinSpace(spaceID, workerID string) error {
	return d.spaces.Join(spaceID, workerID)
}

// LeaveSpace removes a worker from a space.
func (d *Dispatcher) LeaveSpace(spaceID, workerID string) error {
	return d.spaces.Leave(spaceID, workerID)
}

// BroadcastToSpace fans a payload out to a space's participants.
func (d *Dispatcher) BroadcastToSpace(spaceID, from string, payload map[string]any) (string, error) {
	return d.spaces.Broadcast(spaceID, from, payload)
}

// SpaceHistory returns the router's retained message history of a space so
// late joiners can reconstruct context.
func (d *Dispatcher) SpaceHistory(spaceID string) []core.Message {
	return d.router.History(spaceID)
}

// AttachEndpoint creates a router queue for a non-worker endpoint such as
// the flowchart engine's coordinator. Endpoints can receive responses but
// are not registry-known workers.
func (d *Dispatcher) AttachEndpoint(id string) {
	d.router.Attach(id)
}

// DetachEndpoint removes a non-worker endpoint's queue.
func (d *Dispatcher) DetachEndpoint(id string) {
	d.router.Detach(id)
}

// deliveryLoop receives messages for one worker and drives its provider.
// Task messages (RequiresResponse) are executed and answered; every message
// is handed to OnMessage afterwards. The loop exits when the worker is
// destroyed or the dispatcher stops.
func (d *Dispatcher) deliveryLoop(ctx context.Context, workerID string, provider core.CapabilityProvider) {
	defer d.wg.Done()
	for {
		msg, err := d.router.Receive(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Queue vanished (worker destroyed) or receive failed; end loop.
			return
		}
		d.registry.Touch(workerID)

		if msg.RequiresResponse {
			d.handleTask(ctx, workerID, provider, msg)
		}
		provider.OnMessage(msg)
	}
}

func (d *Dispatcher) handleTask(ctx context.Context, workerID string, provider core.CapabilityProvider, msg core.Message) {
	_ = d.registry.MarkBusy(workerID)
	task := DecodeTask(msg)
	res, err := provider.Execute(ctx, task)
	_ = d.registry.CompleteTask(workerID, err == nil)

	resp := core.NewResponse(workerID, msg, EncodeResult(res, err))
	if sendErr := d.router.SendMessage(resp); sendErr != nil {
		d.opts.Logger.Warn("task response undeliverable",
			"worker_id", workerID, "reply_to", msg.ID, "error", sendErr.Error())
	}
}

func (d *Dispatcher) audit(spaceID, actor, action string, details map[string]any) {
	if d.opts.Audit == nil {
		return
	}
	rec := core.NewActivity(d.sessionID, spaceID, actor, action, details)
	if err := d.opts.Audit.Append(context.Background(), rec); err != nil {
		d.opts.Logger.Warn("audit append failed", "error", err.Error())
	}
}

// EncodeTask converts a task into a message payload using the conventional
// envelope keys.
func EncodeTask(task core.Task) map[string]any {
	return map[string]any{
		"task_id":   task.ID,
		"objective": task.Objective,
		"input":     task.Input,
		"issued_by": task.IssuedBy,
		"space_id":  task.SpaceID,
	}
}

// DecodeTask reconstructs a task from a task message.
func DecodeTask(msg core.Message) core.Task {
	task := core.Task{IssuedBy: msg.From, SpaceID: msg.SpaceID}
	if v, ok := msg.Payload["task_id"].(string); ok {
		task.ID = v
	}
	if task.ID == "" {
		task.ID = msg.ID
	}
	if v, ok := msg.Payload["objective"].(string); ok {
		task.Objective = v
	}
	if v, ok := msg.Payload["input"].(map[string]any); ok {
		task.Input = v
	}
	return task
}

// EncodeResult converts an execution outcome into a response payload. A
// non-nil error is carried under the "error" key.
func EncodeResult(res core.Result, err error) map[string]any {
	payload := map[string]any{
		"task_id":  res.TaskID,
		"output":   res.Output,
		"approved": res.Approved,
		"notes":    res.Notes,
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	return payload
}

// DecodeResult reconstructs an execution outcome from a response payload.
func DecodeResult(msg core.Message) (core.Result, error) {
	res := core.Result{}
	if v, ok := msg.Payload["task_id"].(string); ok {
		res.TaskID = v
	}
	if v, ok := msg.Payload["output"].(map[string]any); ok {
		res.Output = v
	}
	if v, ok := msg.Payload["approved"].(bool); ok {
		res.Approved = v
	}
	if v, ok := msg.Payload["notes"].(string); ok {
		res.Notes = v
	}
	if v, ok := msg.Payload["error"].(string); ok && v != "" {
		return res, fmt.Errorf("worker reported failure: %s", v)
	}
	return res, nil
}
