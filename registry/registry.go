// Package registry tracks every active worker: its type, capabilities and
// availability state. It is the single authority other subsystems consult to
// decide whether a worker id is known.
//
// All mutating operations are atomic with respect to concurrent callers; in
// particular SelectAvailable claims the chosen worker (marks it busy) inside
// the critical section so two concurrent selections can never return the
// same idle worker for exclusive assignment.
package registry

import (
	"sync"
	"time"

	"github.com/hupe1980/collabmesh/core"
	"github.com/hupe1980/collabmesh/logging"
)

// Options configures a Registry using the functional options pattern.
type Options struct {
	// Config supplies the per-type capacity limits.
	Config core.Config

	// Logger provides structured logging. Defaults to NoOp if nil.
	Logger logging.Logger
}

// Registry is a thread-safe store of worker records keyed by id.
type Registry struct {
	opts    Options
	mu      sync.RWMutex
	workers map[string]*core.WorkerRecord
	halted  *core.InternalError
}

// New creates a Registry with optional overrides.
func New(optFns ...func(o *Options)) *Registry {
	opts := Options{
		Config: core.DefaultConfig,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{opts: opts, workers: make(map[string]*core.WorkerRecord)}
}

// Register adds a worker of the given type and returns its record snapshot.
// It fails with core.CapacityExceededError when the per-type limit is reached.
func (r *Registry) Register(t core.WorkerType, name string, capabilities []string) (*core.WorkerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted != nil {
		return nil, r.halted
	}

	if limit, ok := r.opts.Config.WorkerCapacity[t]; ok {
		count := 0
		for _, w := range r.workers {
			if w.Type == t {
				count++
			}
		}
		if count >= limit {
			return nil, &core.CapacityExceededError{Type: t, Limit: limit}
		}
	}

	now := time.Now().UTC()
	rec := &core.WorkerRecord{
		ID:           core.NewID(),
		Name:         name,
		Type:         t,
		Capabilities: append([]string(nil), capabilities...),
		State:        core.WorkerStateIdle,
		RegisteredAt: now,
		LastActive:   now,
	}

	if _, exists := r.workers[rec.ID]; exists {
		// A colliding UUID means the id space is corrupted; halt rather than
		// overwrite another worker's record.
		r.halted = &core.InternalError{Component: "registry", Detail: "duplicate worker id " + rec.ID}
		return nil, r.halted
	}
	r.workers[rec.ID] = rec

	r.opts.Logger.Debug("worker registered", "worker_id", rec.ID, "type", string(t), "name", name)
	return rec.Clone(), nil
}

// Unregister removes a worker. It is idempotent: removing an absent id is a
// no-op, not an error.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[id]; ok {
		delete(r.workers, id)
		r.opts.Logger.Debug("worker unregistered", "worker_id", id)
	}
}

// Get returns a snapshot of the worker record, if known.
func (r *Registry) Get(id string) (*core.WorkerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Known reports whether the id references a registered worker.
func (r *Registry) Known(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workers[id]
	return ok
}

// FindByType returns snapshots of all workers of the given type.
func (r *Registry) FindByType(t core.WorkerType) []*core.WorkerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []*core.WorkerRecord
	for _, w := range r.workers {
		if w.Type == t {
			res = append(res, w.Clone())
		}
	}
	return res
}

// SelectAvailable picks the least-busy idle worker of the given type whose
// capabilities satisfy every requirement, claims it (marks it busy) and
// returns its snapshot. It fails with core.NoAvailableWorkerError when none
// qualify. The claim happens inside the lock: concurrent callers receive
// distinct workers or an error, never the same one.
func (r *Registry) SelectAvailable(t core.WorkerType, requirements []string) (*core.WorkerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted != nil {
		return nil, r.halted
	}

	var best *core.WorkerRecord
	for _, w := range r.workers {
		if w.Type != t || w.State != core.WorkerStateIdle {
			continue
		}
		if !w.HasCapabilities(requirements) {
			continue
		}
		if best == nil || w.CompletedTasks+w.ActiveTasks < best.CompletedTasks+best.ActiveTasks {
			best = w
		}
	}
	if best == nil {
		return nil, &core.NoAvailableWorkerError{Type: t, Requirements: requirements}
	}

	best.State = core.WorkerStateBusy
	best.ActiveTasks++
	best.LastActive = time.Now().UTC()
	return best.Clone(), nil
}

// MarkBusy transitions a worker to the busy state.
func (r *Registry) MarkBusy(id string) error {
	return r.setState(id, core.WorkerStateBusy)
}

// MarkIdle transitions a worker back to idle, making it selectable again.
func (r *Registry) MarkIdle(id string) error {
	return r.setState(id, core.WorkerStateIdle)
}

// MarkOffline flags a worker as unreachable without removing its record.
func (r *Registry) MarkOffline(id string) error {
	return r.setState(id, core.WorkerStateOffline)
}

func (r *Registry) setState(id string, state core.WorkerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[id]
	if !ok {
		return &core.UnknownRecipientError{Recipient: id}
	}
	rec.State = state
	rec.LastActive = time.Now().UTC()
	return nil
}

// CompleteTask records the outcome of an assignment and returns the worker
// to the idle state.
func (r *Registry) CompleteTask(id string, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[id]
	if !ok {
		return &core.UnknownRecipientError{Recipient: id}
	}
	if rec.ActiveTasks > 0 {
		rec.ActiveTasks--
	}
	if success {
		rec.CompletedTasks++
	}
	rec.State = core.WorkerStateIdle
	rec.LastActive = time.Now().UTC()
	return nil
}

// Touch refreshes a worker's liveness timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.workers[id]; ok {
		rec.LastActive = time.Now().UTC()
	}
}

// EvictInactive removes workers whose last activity is older than the
// threshold and returns how many were evicted. Busy workers are spared.
func (r *Registry) EvictInactive(threshold time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().UTC().Add(-threshold)
	evicted := 0
	for id, w := range r.workers {
		if w.State != core.WorkerStateBusy && w.LastActive.Before(cutoff) {
			delete(r.workers, id)
			evicted++
		}
	}
	if evicted > 0 {
		r.opts.Logger.Info("evicted inactive workers", "count", evicted)
	}
	return evicted
}

// Stats is a point-in-time summary of registry contents.
type Stats struct {
	Total   int
	ByType  map[core.WorkerType]int
	ByState map[core.WorkerState]int
}

// Stats returns a snapshot summary of registered workers.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		Total:   len(r.workers),
		ByType:  make(map[core.WorkerType]int),
		ByState: make(map[core.WorkerState]int),
	}
	for _, w := range r.workers {
		s.ByType[w.Type]++
		s.ByState[w.State]++
	}
	return s
}

// Halted returns the internal error that halted the registry, if any.
func (r *Registry) Halted() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.halted == nil {
		return nil
	}
	return r.halted
}

// Reset clears a halt after external intervention.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halted = nil
}
