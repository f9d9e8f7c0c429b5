package space

import (
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/collabmesh/core"
	"github.com/hupe1980/collabmesh/logging"
)

// LockInfo describes the current holder of a file's write lock.
type LockInfo struct {
	WorkerID   string    `json:"worker_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Expired reports whether the lock has outlived the timeout.
func (l LockInfo) Expired(timeout time.Duration) bool {
	return timeout > 0 && time.Since(l.AcquiredAt) > timeout
}

type sharedFile struct {
	id          string
	name        string
	createdBy   string
	createdAt   time.Time
	versions    []core.Version
	permissions map[string]core.Permission
	lock        *LockInfo
}

func (f *sharedFile) permissionFor(workerID string) core.Permission {
	if p, ok := f.permissions[workerID]; ok {
		return p
	}
	// Participants without an explicit entry get write access; restriction
	// is opt-in via Grant/Revoke.
	return core.PermissionWrite
}

// FileStore holds the shared files of one collaborative space, each with an
// append-only version history, a permission map and an exclusive write lock
// with forced expiry.
//
// Lock expiry frees the lock slot for re-acquisition only. An expired lock
// still blocks writes by non-holders: write access is never granted
// implicitly by the passage of time, a waiting worker must acquire the lock
// itself.
type FileStore struct {
	mu          sync.Mutex
	files       map[string]*sharedFile
	byName      map[string]string
	lockTimeout time.Duration
	logger      logging.Logger

	// activity mirrors notable file events (forced lock release) into the
	// owning space's activity log.
	activity func(actor, action string, details map[string]any)
}

// NewFileStore creates an empty file store. The activity callback may be nil.
func NewFileStore(lockTimeout time.Duration, logger logging.Logger, activity func(actor, action string, details map[string]any)) *FileStore {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if activity == nil {
		activity = func(string, string, map[string]any) {}
	}
	return &FileStore{
		files:       make(map[string]*sharedFile),
		byName:      make(map[string]string),
		lockTimeout: lockTimeout,
		logger:      logger,
		activity:    activity,
	}
}

// Create adds a new file with an initial version and returns its id. The
// author becomes the file's admin. Duplicate names are rejected.
func (s *FileStore) Create(name, content, author string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[name]; exists {
		return "", fmt.Errorf("file %q already exists", name)
	}
	f := &sharedFile{
		id:          core.NewID(),
		name:        name,
		createdBy:   author,
		createdAt:   time.Now().UTC(),
		versions:    []core.Version{core.NewVersion(content, author)},
		permissions: map[string]core.Permission{author: core.PermissionAdmin},
	}
	s.files[f.id] = f
	s.byName[name] = f.id
	s.activity(author, "file_created", map[string]any{"file_id": f.id, "name": name})
	return f.id, nil
}

// Read returns the current content together with the version id of the
// snapshot it came from, for optimistic checks by callers.
func (s *FileStore) Read(fileID, workerID string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.get(fileID)
	if err != nil {
		return "", "", err
	}
	if !f.permissionFor(workerID).Allows(core.PermissionRead) {
		return "", "", &core.PermissionDeniedError{FileID: fileID, WorkerID: workerID, Required: core.PermissionRead}
	}
	cur := f.versions[len(f.versions)-1]
	content, _ := cur.Payload.(string)
	return content, cur.VersionID, nil
}

// Update appends a new content version. It fails with core.FileLockedError
// while any other worker holds the lock, expired or not; only an explicit
// lock takeover makes the file writable by someone else.
func (s *FileStore) Update(fileID, content, author string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.get(fileID)
	if err != nil {
		return "", err
	}
	if !f.permissionFor(author).Allows(core.PermissionWrite) {
		return "", &core.PermissionDeniedError{FileID: fileID, WorkerID: author, Required: core.PermissionWrite}
	}
	if f.lock != nil && f.lock.WorkerID != author {
		return "", &core.FileLockedError{FileID: fileID, Holder: f.lock.WorkerID}
	}
	v := core.NewVersion(content, author)
	f.versions = append(f.versions, v)
	return v.VersionID, nil
}

// Lock acquires the exclusive write lock. Re-acquisition by the current
// holder succeeds idempotently. A lock held by another worker fails with
// core.AlreadyLockedError unless it has expired, in which case it is force
// released (logged as an activity event) and granted to the caller.
func (s *FileStore) Lock(fileID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.get(fileID)
	if err != nil {
		return err
	}
	if !f.permissionFor(workerID).Allows(core.PermissionWrite) {
		return &core.PermissionDeniedError{FileID: fileID, WorkerID: workerID, Required: core.PermissionWrite}
	}
	if f.lock != nil {
		if f.lock.WorkerID == workerID {
			return nil
		}
		if !f.lock.Expired(s.lockTimeout) {
			return &core.AlreadyLockedError{FileID: fileID, Holder: f.lock.WorkerID}
		}
		s.forceReleaseLocked(f)
	}
	f.lock = &LockInfo{WorkerID: workerID, AcquiredAt: time.Now().UTC()}
	s.activity(workerID, "file_locked", map[string]any{"file_id": fileID})
	return nil
}

// Unlock releases the lock. It fails with core.NotLockHolderError when the
// caller does not hold it, including when no lock is held at all.
func (s *FileStore) Unlock(fileID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.get(fileID)
	if err != nil {
		return err
	}
	if f.lock == nil || f.lock.WorkerID != workerID {
		return &core.NotLockHolderError{FileID: fileID, WorkerID: workerID}
	}
	f.lock = nil
	s.activity(workerID, "file_unlocked", map[string]any{"file_id": fileID})
	return nil
}

// LockHolder returns the current lock info, if a lock is held.
func (s *FileStore) LockHolder(fileID string) (LockInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.get(fileID)
	if err != nil || f.lock == nil {
		return LockInfo{}, false
	}
	return *f.lock, true
}

// CleanupExpiredLocks force releases every expired lock and returns how many
// were released. Each release is logged as an activity event, never silently
// absorbed.
func (s *FileStore) CleanupExpiredLocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	for _, f := range s.files {
		if f.lock != nil && f.lock.Expired(s.lockTimeout) {
			s.forceReleaseLocked(f)
			f.lock = nil
			released++
		}
	}
	return released
}

// Permissions returns a copy of the per-worker access map of a file. Workers
// missing from the map hold the default write level.
func (s *FileStore) Permissions(fileID string) (map[string]core.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.get(fileID)
	if err != nil {
		return nil, err
	}
	res := make(map[string]core.Permission, len(f.permissions))
	for k, v := range f.permissions {
		res[k] = v
	}
	return res, nil
}

// Grant sets a worker's access level. The grantor needs admin permission.
func (s *FileStore) Grant(fileID, adminID, targetID string, p core.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.get(fileID)
	if err != nil {
		return err
	}
	if !f.permissionFor(adminID).Allows(core.PermissionAdmin) {
		return &core.PermissionDeniedError{FileID: fileID, WorkerID: adminID, Required: core.PermissionAdmin}
	}
	f.permissions[targetID] = p
	s.activity(adminID, "permission_granted", map[string]any{"file_id": fileID, "target": targetID, "permission": string(p)})
	return nil
}

// Revoke removes a worker's access entirely (PermissionNone). The revoker
// needs admin permission.
func (s *FileStore) Revoke(fileID, adminID, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.get(fileID)
	if err != nil {
		return err
	}
	if !f.permissionFor(adminID).Allows(core.PermissionAdmin) {
		return &core.PermissionDeniedError{FileID: fileID, WorkerID: adminID, Required: core.PermissionAdmin}
	}
	f.permissions[targetID] = core.PermissionNone
	s.activity(adminID, "permission_revoked", map[string]any{"file_id": fileID, "target": targetID})
	return nil
}

// History returns the full version chain of a file, oldest first.
func (s *FileStore) History(fileID, workerID string) ([]core.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.get(fileID)
	if err != nil {
		return nil, err
	}
	if !f.permissionFor(workerID).Allows(core.PermissionRead) {
		return nil, &core.PermissionDeniedError{FileID: fileID, WorkerID: workerID, Required: core.PermissionRead}
	}
	return append([]core.Version(nil), f.versions...), nil
}

// List returns the names of all files the worker can read. Order is
// unspecified; callers needing stable output should sort.
func (s *FileStore) List(workerID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, f := range s.files {
		if f.permissionFor(workerID).Allows(core.PermissionRead) {
			names = append(names, f.name)
		}
	}
	return names
}

// FileID resolves a file name to its id.
func (s *FileStore) FileID(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	return id, ok
}

func (s *FileStore) get(fileID string) (*sharedFile, error) {
	f, ok := s.files[fileID]
	if !ok {
		return nil, fmt.Errorf("file %q not found", fileID)
	}
	return f, nil
}

// forceReleaseLocked logs the forced release of f's expired lock. Caller
// holds s.mu and resets f.lock afterwards.
func (s *FileStore) forceReleaseLocked(f *sharedFile) {
	held := time.Since(f.lock.AcquiredAt)
	s.logger.Warn("file lock force released", "file_id", f.id, "holder", f.lock.WorkerID, "held", held)
	s.activity(f.lock.WorkerID, "lock_force_released", map[string]any{"file_id": f.id, "held": held.String()})
}
