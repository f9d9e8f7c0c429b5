// Package space implements collaborative spaces: scoped containers granting
// a bounded set of participants shared access to a whiteboard and a file
// store, with an append-only activity log.
//
// A space's participant set is always a subset of currently registered
// workers; the manager validates joins against a worker directory and the
// dispatcher removes destroyed workers from every space. Spaces are archived
// explicitly, never implicitly.
package space

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/collabmesh/core"
	"github.com/hupe1980/collabmesh/logging"
)

// Directory answers whether a worker id is currently registered. The
// registry satisfies it.
type Directory interface {
	Known(id string) bool
}

// Broadcaster fans a payload out to a space's participants. The router
// satisfies it.
type Broadcaster interface {
	Broadcast(from, spaceID string, payload map[string]any, participants []string) (string, error)
	DropHistory(spaceID string)
}

// Stats is a point-in-time summary of one space.
type Stats struct {
	SpaceID      string
	Participants int
	Capacity     int
	Archived     bool
	Activities   int
	Entries      int
	Files        int
}

// Space is one collaborative container. All methods are invoked through the
// Manager, which holds the instance for its whole lifetime.
type Space struct {
	ID        string
	Name      string
	Capacity  int
	CreatedBy string
	CreatedAt time.Time

	mu           sync.RWMutex
	participants map[string]time.Time
	archived     bool
	activity     []core.ActivityRecord

	whiteboard *Whiteboard
	files      *FileStore
}

// Options configures a Manager using the functional options pattern.
type Options struct {
	// Config supplies the participant capacity bound and lock timeout.
	Config core.Config

	// Logger provides structured logging. Defaults to NoOp if nil.
	Logger logging.Logger

	// Audit receives a mirror of every activity log entry for session
	// replay. Nil disables mirroring.
	Audit core.AuditStore

	// SessionID tags mirrored audit records with the orchestration session.
	SessionID string
}

// Manager creates, resolves and archives collaborative spaces.
type Manager struct {
	opts      Options
	directory Directory
	caster    Broadcaster

	mu     sync.RWMutex
	spaces map[string]*Space
}

// NewManager creates a Manager bound to a worker directory and a broadcaster.
func NewManager(directory Directory, caster Broadcaster, optFns ...func(o *Options)) *Manager {
	opts := Options{
		Config: core.DefaultConfig,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		opts:      opts,
		directory: directory,
		caster:    caster,
		spaces:    make(map[string]*Space),
	}
}

// Create makes a new space and returns its id. A capacity of 0 falls back to
// the configured default.
func (m *Manager) Create(name, createdBy string, capacity int) string {
	if capacity <= 0 {
		capacity = m.opts.Config.SpaceCapacity
	}
	sp := &Space{
		ID:           core.NewID(),
		Name:         name,
		Capacity:     capacity,
		CreatedBy:    createdBy,
		CreatedAt:    time.Now().UTC(),
		participants: make(map[string]time.Time),
		whiteboard:   NewWhiteboard(),
	}
	sp.files = NewFileStore(m.opts.Config.LockTimeout, m.opts.Logger, func(actor, action string, details map[string]any) {
		m.logActivity(sp, actor, action, details)
	})

	m.mu.Lock()
	m.spaces[sp.ID] = sp
	m.mu.Unlock()

	m.logActivity(sp, createdBy, "space_created", map[string]any{"name": name, "capacity": capacity})
	m.opts.Logger.Info("space created", "space_id", sp.ID, "name", name)
	return sp.ID
}

// Get resolves a space by id.
func (m *Manager) Get(spaceID string) (*Space, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sp, ok := m.spaces[spaceID]
	if !ok {
		return nil, fmt.Errorf("space %q not found", spaceID)
	}
	return sp, nil
}

// Join adds a registered worker to the space. Joining past capacity fails
// with core.SpaceFullError. Joining a space the worker already participates
// in succeeds idempotently; this is a deliberate design choice so retried
// joins stay harmless.
func (m *Manager) Join(spaceID, workerID string) error {
	sp, err := m.Get(spaceID)
	if err != nil {
		return err
	}
	if !m.directory.Known(workerID) {
		return &core.UnknownRecipientError{Recipient: workerID}
	}

	sp.mu.Lock()
	if sp.archived {
		sp.mu.Unlock()
		return fmt.Errorf("space %q is archived", spaceID)
	}
	if _, already := sp.participants[workerID]; already {
		sp.mu.Unlock()
		return nil
	}
	if len(sp.participants) >= sp.Capacity {
		capacity := sp.Capacity
		sp.mu.Unlock()
		return &core.SpaceFullError{SpaceID: spaceID, Capacity: capacity}
	}
	sp.participants[workerID] = time.Now().UTC()
	sp.mu.Unlock()

	m.logActivity(sp, workerID, "participant_joined", nil)
	return nil
}

// Leave removes a worker from the space. Absent workers are a no-op.
func (m *Manager) Leave(spaceID, workerID string) error {
	sp, err := m.Get(spaceID)
	if err != nil {
		return err
	}
	sp.mu.Lock()
	_, present := sp.participants[workerID]
	delete(sp.participants, workerID)
	sp.mu.Unlock()
	if present {
		m.logActivity(sp, workerID, "participant_left", nil)
	}
	return nil
}

// RemoveWorkerEverywhere drops a destroyed worker from every space so the
// participant-subset invariant holds after unregistration.
func (m *Manager) RemoveWorkerEverywhere(workerID string) {
	m.mu.RLock()
	spaces := make([]*Space, 0, len(m.spaces))
	for _, sp := range m.spaces {
		spaces = append(spaces, sp)
	}
	m.mu.RUnlock()
	for _, sp := range spaces {
		_ = m.Leave(sp.ID, workerID)
	}
}

// Broadcast sends a payload to every participant except the sender via the
// router. The sender must be a participant.
func (m *Manager) Broadcast(spaceID, from string, payload map[string]any) (string, error) {
	sp, err := m.Get(spaceID)
	if err != nil {
		return "", err
	}
	if !sp.IsParticipant(from) {
		return "", &core.NotAParticipantError{SpaceID: spaceID, WorkerID: from}
	}
	return m.caster.Broadcast(from, spaceID, payload, sp.Participants())
}

// Whiteboard returns the space's whiteboard, gated to current participants.
func (m *Manager) Whiteboard(spaceID, workerID string) (*Whiteboard, error) {
	sp, err := m.Get(spaceID)
	if err != nil {
		return nil, err
	}
	if !sp.IsParticipant(workerID) {
		return nil, &core.NotAParticipantError{SpaceID: spaceID, WorkerID: workerID}
	}
	return sp.whiteboard, nil
}

// Files returns the space's file store, gated to current participants.
func (m *Manager) Files(spaceID, workerID string) (*FileStore, error) {
	sp, err := m.Get(spaceID)
	if err != nil {
		return nil, err
	}
	if !sp.IsParticipant(workerID) {
		return nil, &core.NotAParticipantError{SpaceID: spaceID, WorkerID: workerID}
	}
	return sp.files, nil
}

// LogActivity appends an entry to the space's append-only activity log.
func (m *Manager) LogActivity(spaceID, actor, action string, details map[string]any) error {
	sp, err := m.Get(spaceID)
	if err != nil {
		return err
	}
	m.logActivity(sp, actor, action, details)
	return nil
}

// Activity returns a copy of the space's activity log, oldest first.
func (m *Manager) Activity(spaceID string) ([]core.ActivityRecord, error) {
	sp, err := m.Get(spaceID)
	if err != nil {
		return nil, err
	}
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return append([]core.ActivityRecord(nil), sp.activity...), nil
}

// Archive marks the space archived. Archival is always explicit; the space
// and its history stay resolvable afterwards but reject joins.
func (m *Manager) Archive(spaceID, actor string) error {
	sp, err := m.Get(spaceID)
	if err != nil {
		return err
	}
	sp.mu.Lock()
	sp.archived = true
	sp.mu.Unlock()
	m.caster.DropHistory(spaceID)
	m.logActivity(sp, actor, "space_archived", nil)
	m.opts.Logger.Info("space archived", "space_id", spaceID)
	return nil
}

// List returns the ids of all spaces, or only unarchived ones.
func (m *Manager) List(activeOnly bool) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, sp := range m.spaces {
		if activeOnly && sp.Archived() {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// SpacesFor returns the ids of unarchived spaces the worker participates in.
func (m *Manager) SpacesFor(workerID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, sp := range m.spaces {
		if !sp.Archived() && sp.IsParticipant(workerID) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Stats returns a summary of one space.
func (m *Manager) Stats(spaceID string) (Stats, error) {
	sp, err := m.Get(spaceID)
	if err != nil {
		return Stats{}, err
	}
	sp.mu.RLock()
	stats := Stats{
		SpaceID:      sp.ID,
		Participants: len(sp.participants),
		Capacity:     sp.Capacity,
		Archived:     sp.archived,
		Activities:   len(sp.activity),
	}
	sp.mu.RUnlock()
	// Whiteboard and file store hold their own locks; query them outside
	// sp.mu to keep lock ordering one-way.
	stats.Entries = len(sp.whiteboard.List())
	stats.Files = len(sp.files.List(sp.CreatedBy))
	return stats, nil
}

func (m *Manager) logActivity(sp *Space, actor, action string, details map[string]any) {
	rec := core.NewActivity(m.opts.SessionID, sp.ID, actor, action, details)
	sp.mu.Lock()
	sp.activity = append(sp.activity, rec)
	sp.mu.Unlock()
	if m.opts.Audit != nil {
		if err := m.opts.Audit.Append(context.Background(), rec); err != nil {
			m.opts.Logger.Warn("audit append failed", "error", err.Error())
		}
	}
}

// IsParticipant reports whether the worker is currently a member.
func (sp *Space) IsParticipant(workerID string) bool {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	_, ok := sp.participants[workerID]
	return ok
}

// Participants returns the current participant ids.
func (sp *Space) Participants() []string {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	ids := make([]string, 0, len(sp.participants))
	for id := range sp.participants {
		ids = append(ids, id)
	}
	return ids
}

// Archived reports whether the space has been archived.
func (sp *Space) Archived() bool {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.archived
}
