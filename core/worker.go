package core

import (
	"context"
	"time"
)

// WorkerType categorizes a worker's role in a collaborative session. The set
// is closed for dispatch purposes; open-ended behavior lives behind the
// CapabilityProvider interface instead of subtypes.
type WorkerType string

const (
	// WorkerTypePlanner decomposes objectives and composes flowcharts.
	WorkerTypePlanner WorkerType = "planner"
	// WorkerTypeExecutor carries out a single delegated task.
	WorkerTypeExecutor WorkerType = "executor"
	// WorkerTypeVerifier approves or rejects an executor's output.
	WorkerTypeVerifier WorkerType = "verifier"
)

// WorkerTypes lists all known worker types in a stable order.
func WorkerTypes() []WorkerType {
	return []WorkerType{WorkerTypePlanner, WorkerTypeExecutor, WorkerTypeVerifier}
}

// WorkerState is the availability state of a registered worker.
type WorkerState string

const (
	// WorkerStateIdle means the worker is registered and accepting assignments.
	WorkerStateIdle WorkerState = "idle"
	// WorkerStateBusy means the worker is currently assigned a task.
	WorkerStateBusy WorkerState = "busy"
	// WorkerStateOffline means the worker is registered but unreachable.
	WorkerStateOffline WorkerState = "offline"
)

// WorkerRecord tracks one registered worker. Records are owned by the
// registry; callers receive snapshots and never share the registry's
// internal instance.
type WorkerRecord struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Type         WorkerType  `json:"type"`
	Capabilities []string    `json:"capabilities"`
	State        WorkerState `json:"state"`
	RegisteredAt time.Time   `json:"registered_at"`
	LastActive   time.Time   `json:"last_active"`

	// ActiveTasks and CompletedTasks feed least-busy selection.
	ActiveTasks    int `json:"active_tasks"`
	CompletedTasks int `json:"completed_tasks"`
}

// HasCapability reports whether the record advertises the named capability.
func (r *WorkerRecord) HasCapability(name string) bool {
	for _, c := range r.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// HasCapabilities reports whether every requirement is advertised.
func (r *WorkerRecord) HasCapabilities(requirements []string) bool {
	for _, req := range requirements {
		if !r.HasCapability(req) {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the record.
func (r *WorkerRecord) Clone() *WorkerRecord {
	clone := *r
	clone.Capabilities = append([]string(nil), r.Capabilities...)
	return &clone
}

// Task is the unit of work the core hands to a capability provider. The core
// never inspects Input beyond passing it through.
type Task struct {
	ID        string         `json:"id"`
	Objective string         `json:"objective"`
	Input     map[string]any `json:"input,omitempty"`
	IssuedBy  string         `json:"issued_by"`
	SpaceID   string         `json:"space_id,omitempty"`
}

// Result is what a capability provider produces for a task. Output is opaque
// to the core; Approved is only meaningful for verifier results.
type Result struct {
	TaskID   string         `json:"task_id"`
	Output   map[string]any `json:"output,omitempty"`
	Approved bool           `json:"approved"`
	Notes    string         `json:"notes,omitempty"`
}

// CapabilityProvider is the contract a worker implementation fulfills so the
// orchestration core can drive it. Execute is the opaque think capability;
// the core treats its output as a black box. OnMessage is invoked by the
// dispatcher's delivery loop for every message routed to the worker.
//
// Implementations must be safe for concurrent OnMessage calls and must
// respect context cancellation in Execute.
type CapabilityProvider interface {
	Capabilities() []string
	Execute(ctx context.Context, task Task) (Result, error)
	OnMessage(msg Message)
}
