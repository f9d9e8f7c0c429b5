package core

import (
	"fmt"
	"time"
)

// CapacityExceededError is returned by the registry when registering a worker
// would exceed the configured per-type capacity limit.
type CapacityExceededError struct {
	Type  WorkerType
	Limit int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("worker capacity exceeded for type %q (limit %d)", e.Type, e.Limit)
}

// NoAvailableWorkerError is returned when no registered worker of the
// requested type satisfies the selection requirements.
type NoAvailableWorkerError struct {
	Type         WorkerType
	Requirements []string
}

func (e *NoAvailableWorkerError) Error() string {
	if len(e.Requirements) == 0 {
		return fmt.Sprintf("no available worker of type %q", e.Type)
	}
	return fmt.Sprintf("no available worker of type %q matching requirements %v", e.Type, e.Requirements)
}

// UnknownRecipientError is returned by the router when a message addresses a
// worker the registry does not know. Delivery failures are surfaced to the
// sender, never silently dropped.
type UnknownRecipientError struct {
	Recipient string
}

func (e *UnknownRecipientError) Error() string {
	return fmt.Sprintf("unknown recipient %q", e.Recipient)
}

// SpaceFullError is returned when joining a collaborative space would exceed
// its participant capacity.
type SpaceFullError struct {
	SpaceID  string
	Capacity int
}

func (e *SpaceFullError) Error() string {
	return fmt.Sprintf("space %q is full (capacity %d)", e.SpaceID, e.Capacity)
}

// NotAParticipantError is returned when a worker that is not a member of a
// collaborative space tries to use its whiteboard or file store.
type NotAParticipantError struct {
	SpaceID  string
	WorkerID string
}

func (e *NotAParticipantError) Error() string {
	return fmt.Sprintf("worker %q is not a participant of space %q", e.WorkerID, e.SpaceID)
}

// FileLockedError is returned by file updates while a different worker holds
// the write lock.
type FileLockedError struct {
	FileID string
	Holder string
}

func (e *FileLockedError) Error() string {
	return fmt.Sprintf("file %q is locked by worker %q", e.FileID, e.Holder)
}

// AlreadyLockedError is returned by lock acquisition while a different worker
// holds the lock. Re-acquisition by the current holder succeeds instead.
type AlreadyLockedError struct {
	FileID string
	Holder string
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf("file %q is already locked by worker %q", e.FileID, e.Holder)
}

// NotLockHolderError is returned when a worker releases a lock it does not hold.
type NotLockHolderError struct {
	FileID   string
	WorkerID string
}

func (e *NotLockHolderError) Error() string {
	return fmt.Sprintf("worker %q does not hold the lock on file %q", e.WorkerID, e.FileID)
}

// PermissionDeniedError is returned when a file operation is attempted by a
// worker whose access level does not allow it.
type PermissionDeniedError struct {
	FileID   string
	WorkerID string
	Required Permission
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("worker %q lacks %q permission on file %q", e.WorkerID, e.Required, e.FileID)
}

// TimeoutError is returned when a blocking wait (receive, step response,
// verification approval) exceeds its deadline. The recovery coordinator
// classifies it as transient.
type TimeoutError struct {
	Operation string
	Elapsed   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %q timed out after %s", e.Operation, e.Elapsed)
}

// TeamBuildFailureError reports the structured shortfall when the flowchart
// engine cannot realize the declared team counts. The run transitions to
// Failed; no partial team ever starts executing.
type TeamBuildFailureError struct {
	FlowchartID string
	Shortfall   map[WorkerType]int
	Cause       error
}

func (e *TeamBuildFailureError) Error() string {
	return fmt.Sprintf("flowchart %q team build failed, shortfall %v: %v", e.FlowchartID, e.Shortfall, e.Cause)
}

// Unwrap exposes the underlying registration error.
func (e *TeamBuildFailureError) Unwrap() error { return e.Cause }

// StepFailureError reports a flowchart step whose retries are exhausted.
type StepFailureError struct {
	FlowchartID string
	StepID      string
	Attempts    int
	Cause       error
}

func (e *StepFailureError) Error() string {
	return fmt.Sprintf("flowchart %q step %q failed after %d attempts: %v", e.FlowchartID, e.StepID, e.Attempts, e.Cause)
}

// Unwrap exposes the underlying step error.
func (e *StepFailureError) Unwrap() error { return e.Cause }

// InternalError marks an invariant violation inside a subsystem (duplicate
// id, corrupted queue state). It is critical: the owning subsystem halts and
// requires an explicit reset before accepting further operations.
type InternalError struct {
	Component string
	Detail    string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal invariant violation in %s: %s", e.Component, e.Detail)
}
