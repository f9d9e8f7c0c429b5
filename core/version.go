package core

import "time"

// Version is one snapshot in the history of a whiteboard entry or shared
// file. Histories are append-only: updates, reverts and tombstones all add a
// new version, never rewrite an old one.
type Version struct {
	VersionID string    `json:"version_id"`
	Payload   any       `json:"payload"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// NewVersion creates a version snapshot authored now.
func NewVersion(payload any, author string) Version {
	return Version{
		VersionID: NewID(),
		Payload:   payload,
		Author:    author,
		Timestamp: time.Now().UTC(),
	}
}

// Permission is the access level a worker holds on a shared file.
type Permission string

const (
	// PermissionNone denies all access.
	PermissionNone Permission = "none"
	// PermissionRead allows reading content and history.
	PermissionRead Permission = "read"
	// PermissionWrite allows reading, updating and locking.
	PermissionWrite Permission = "write"
	// PermissionAdmin additionally allows granting and revoking permissions.
	PermissionAdmin Permission = "admin"
)

// Allows reports whether the permission level satisfies the required one.
// Levels are strictly ordered: none < read < write < admin.
func (p Permission) Allows(required Permission) bool {
	return p.rank() >= required.rank()
}

func (p Permission) rank() int {
	switch p {
	case PermissionRead:
		return 1
	case PermissionWrite:
		return 2
	case PermissionAdmin:
		return 3
	default:
		return 0
	}
}
