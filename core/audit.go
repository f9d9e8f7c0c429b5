package core

import (
	"context"
	"time"
)

// ActivityRecord is one append-only entry in the orchestration audit log.
// Records exist to support replay and audit of a session; they are never
// consulted for business decisions.
type ActivityRecord struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	SpaceID   string         `json:"space_id,omitempty"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewActivity creates a timestamped activity record.
func NewActivity(sessionID, spaceID, actor, action string, details map[string]any) ActivityRecord {
	return ActivityRecord{
		ID:        NewID(),
		SessionID: sessionID,
		SpaceID:   spaceID,
		Actor:     actor,
		Action:    action,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

// AuditStore persists activity records for session replay. Implementations
// must be safe for concurrent use. Append ordering within a session must be
// preserved by List.
type AuditStore interface {
	Append(ctx context.Context, rec ActivityRecord) error
	List(ctx context.Context, sessionID string) ([]ActivityRecord, error)
	ListBySpace(ctx context.Context, spaceID string) ([]ActivityRecord, error)
	Close() error
}
