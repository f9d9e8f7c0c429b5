package core

import "time"

// Config defines tuning parameters supplied to the orchestration core by its
// embedder. The core never parses configuration files itself; callers load
// values however they like and hand over a populated Config.
//
// Example:
//
//	cfg := core.DefaultConfig
//	cfg.WorkerCapacity[core.WorkerTypeExecutor] = 8
//	cfg.LockTimeout = 30 * time.Second
type Config struct {
	// WorkerCapacity limits how many workers of each type may be registered
	// at once. A missing entry means the type is unlimited.
	WorkerCapacity map[WorkerType]int

	// SpaceCapacity bounds the participant set of a collaborative space.
	SpaceCapacity int

	// QueueSize is the per-worker inbound message queue depth. A momentarily
	// full queue triggers bounded delivery retries before the send fails.
	QueueSize int

	// HistoryDepth bounds the per-space message history retained for
	// late-joining participants.
	HistoryDepth int

	// MessageTTL is how long an undelivered message stays valid in its
	// queue. Expired messages are dropped at receive time and counted in
	// the router statistics. Zero means messages never expire.
	MessageTTL time.Duration

	// LockTimeout is the duration after which a held file lock is force
	// released. Forced release frees the lock slot only; it never grants
	// implicit write access to anyone else.
	LockTimeout time.Duration

	// RetryAttempts caps transient-error retries in the recovery coordinator
	// and per-step retries in the flowchart engine.
	RetryAttempts int

	// BackoffBase is the initial delay of the exponential backoff schedule.
	BackoffBase time.Duration

	// StepTimeout bounds how long a delegate or verify step waits for its
	// counterpart's response.
	StepTimeout time.Duration

	// MaxExecutors caps executor team sizing regardless of the estimated
	// subtask count.
	MaxExecutors int

	// VerifierRatio is N in "one verifier per N executors".
	VerifierRatio int
}

// DefaultConfig provides safe defaults for local development and tests.
//
// Configuration values:
//   - WorkerCapacity: 4 planners, 16 executors, 8 verifiers
//   - SpaceCapacity: 16 participants
//   - QueueSize: 64 messages per worker
//   - HistoryDepth: 100 messages per space
//   - LockTimeout: 60s forced release
//   - RetryAttempts: 3, BackoffBase: 100ms
//   - StepTimeout: 30s, MaxExecutors: 8, VerifierRatio: 3
var DefaultConfig = Config{
	WorkerCapacity: map[WorkerType]int{
		WorkerTypePlanner:  4,
		WorkerTypeExecutor: 16,
		WorkerTypeVerifier: 8,
	},
	SpaceCapacity: 16,
	QueueSize:     64,
	HistoryDepth:  100,
	LockTimeout:   60 * time.Second,
	RetryAttempts: 3,
	BackoffBase:   100 * time.Millisecond,
	StepTimeout:   30 * time.Second,
	MaxExecutors:  8,
	VerifierRatio: 3,
}

// Clone returns an independent copy so callers can tweak a config without
// mutating shared defaults.
func (c Config) Clone() Config {
	clone := c
	clone.WorkerCapacity = make(map[WorkerType]int, len(c.WorkerCapacity))
	for k, v := range c.WorkerCapacity {
		clone.WorkerCapacity[k] = v
	}
	return clone
}
