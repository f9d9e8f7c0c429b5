// Package collabmesh provides a high-level façade over the dispatcher and
// the auto-mode flowchart engine, enabling rapid construction of
// collaborative multi-agent systems. Most applications interact with this
// package by:
//  1. Creating a CollabMesh via New() (optionally overriding the default
//     in-memory audit store)
//  2. Registering workers (manual mode) or launching an objective (auto mode)
//  3. Driving collaboration through messages and shared spaces
//
// The façade delegates orchestration to dispatcher.Dispatcher and
// flowchart.Engine while keeping setup and usage ergonomics concise. All
// defaults are safe for local development and testing; production
// deployments typically supply a durable audit store and a structured
// logger.
package collabmesh

import (
	"github.com/hupe1980/collabmesh/audit"
	"github.com/hupe1980/collabmesh/core"
	"github.com/hupe1980/collabmesh/dispatcher"
	"github.com/hupe1980/collabmesh/flowchart"
	"github.com/hupe1980/collabmesh/logging"
	"github.com/hupe1980/collabmesh/recovery"
)

// Options configures the CollabMesh instance.
type Options struct {
	// Config contains the operational parameters shared by all subsystems
	// (capacities, queue depths, timeouts, retry policy).
	Config core.Config

	// AuditStore receives the session's activity trail. Defaults to an
	// in-memory store if nil.
	AuditStore core.AuditStore

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger

	// SessionID identifies this orchestration session in audit records.
	// Defaults to a fresh id.
	SessionID string

	// Estimator sizes auto-mode executor pools from the objective text.
	// Defaults to the built-in clause-counting estimator.
	Estimator flowchart.SubtaskEstimator

	// RequiresDelivery forces at least one verifier into every auto-mode
	// team. Defaults to true.
	RequiresDelivery bool
}

// CollabMesh is the high-level façade aggregating the dispatcher and the
// auto-mode engine.
type CollabMesh struct {
	opts       Options
	dispatcher *dispatcher.Dispatcher
	engine     *flowchart.Engine
	recovery   *recovery.Coordinator
}

// New creates a new CollabMesh instance with optional overrides. Any unset
// service is initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *CollabMesh {
	opts := Options{
		Config:           core.DefaultConfig,
		AuditStore:       audit.NewInMemoryStore(),
		Logger:           logging.NoOpLogger{},
		RequiresDelivery: true,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	d := dispatcher.New(func(o *dispatcher.Options) {
		o.Config = opts.Config
		o.Logger = opts.Logger
		o.Audit = opts.AuditStore
		o.SessionID = opts.SessionID
	})

	e := flowchart.New(d, func(o *flowchart.Options) {
		o.Logger = opts.Logger
		o.RequiresDelivery = opts.RequiresDelivery
		if opts.Estimator != nil {
			o.Estimator = opts.Estimator
		}
	})

	rc := recovery.New(func(o *recovery.Options) {
		o.Config = opts.Config
		o.Logger = opts.Logger
	})

	return &CollabMesh{opts: opts, dispatcher: d, engine: e, recovery: rc}
}

// Start makes the mesh accept workers and runs.
func (m *CollabMesh) Start() error { return m.dispatcher.Start() }

// Stop shuts the mesh down and drains every worker's delivery loop.
func (m *CollabMesh) Stop() { m.dispatcher.Stop() }

// SessionID returns the id identifying this orchestration session.
func (m *CollabMesh) SessionID() string { return m.dispatcher.SessionID() }

// Dispatcher exposes the underlying dispatcher for manual-mode callers that
// need the full registry, router and space surface.
func (m *CollabMesh) Dispatcher() *dispatcher.Dispatcher { return m.dispatcher }

// Engine exposes the auto-mode flowchart engine.
func (m *CollabMesh) Engine() *flowchart.Engine { return m.engine }

// Recovery exposes the recovery coordinator. Wrap calls against the mesh in
// Recovery().Execute to get classification, retry and unavailability
// handling:
//
//	err := mesh.Recovery().Execute(ctx, "router", "send", func() error {
//		_, err := mesh.Send(from, to, payload, false)
//		return err
//	})
func (m *CollabMesh) Recovery() *recovery.Coordinator { return m.recovery }

// CreateWorker registers a worker backed by the given capability provider.
func (m *CollabMesh) CreateWorker(t core.WorkerType, name string, provider core.CapabilityProvider) (*core.WorkerRecord, error) {
	return m.dispatcher.CreateWorker(t, name, provider)
}

// DestroyWorker removes a worker and everything attached to it.
func (m *CollabMesh) DestroyWorker(id string) {
	m.dispatcher.DestroyWorker(id)
}

// Send routes a point-to-point message between two registered workers.
func (m *CollabMesh) Send(from, to string, payload map[string]any, requiresResponse bool) (string, error) {
	return m.dispatcher.Send(from, to, payload, requiresResponse)
}

// CreateSpace creates a collaborative space. A capacity of 0 uses the
// configured default.
func (m *CollabMesh) CreateSpace(name, createdBy string, capacity int) string {
	return m.dispatcher.CreateSpace(name, createdBy, capacity)
}

// JoinSpace adds a worker to a space.
func (m *CollabMesh) JoinSpace(spaceID, workerID string) error {
	return m.dispatcher.JoinSpace(spaceID, workerID)
}

// LeaveSpace removes a worker from a space.
func (m *CollabMesh) LeaveSpace(spaceID, workerID string) error {
	return m.dispatcher.LeaveSpace(spaceID, workerID)
}

// Broadcast fans a payload out to a space's participants.
func (m *CollabMesh) Broadcast(spaceID, from string, payload map[string]any) (string, error) {
	return m.dispatcher.BroadcastToSpace(spaceID, from, payload)
}

// Launch drafts a flowchart for the objective, builds a team and executes
// it in the background (auto mode).
func (m *CollabMesh) Launch(objective string, factory flowchart.ProviderFactory) *flowchart.Run {
	return m.engine.Launch(objective, factory)
}
