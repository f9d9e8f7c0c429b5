package space

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/collabmesh/core"
)

func newTestFileStore(lockTimeout time.Duration) (*FileStore, *[]string) {
	var events []string
	fs := NewFileStore(lockTimeout, nil, func(actor, action string, details map[string]any) {
		events = append(events, action)
	})
	return fs, &events
}

func TestFileStore_CreateAndRead(t *testing.T) {
	fs, _ := newTestFileStore(time.Minute)
	id, err := fs.Create("notes.txt", "hello", "w1")
	require.NoError(t, err)

	content, versionID, err := fs.Read(id, "w2")
	require.NoError(t, err)
	assert.Equal(t, "hello", content)
	assert.NotEmpty(t, versionID)

	// Duplicate names are rejected.
	_, err = fs.Create("notes.txt", "again", "w1")
	assert.Error(t, err)
}

func TestFileStore_UpdateAppendsVersion(t *testing.T) {
	fs, _ := newTestFileStore(time.Minute)
	id, err := fs.Create("notes.txt", "v1", "w1")
	require.NoError(t, err)

	_, err = fs.Update(id, "v2", "w2")
	require.NoError(t, err)

	content, _, err := fs.Read(id, "w1")
	require.NoError(t, err)
	assert.Equal(t, "v2", content)

	hist, err := fs.History(id, "w1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "v1", hist[0].Payload)
}

func TestFileStore_LockExcludesOtherWriters(t *testing.T) {
	fs, _ := newTestFileStore(time.Minute)
	id, err := fs.Create("notes.txt", "v1", "w1")
	require.NoError(t, err)

	require.NoError(t, fs.Lock(id, "w1"))

	// Re-acquisition by the holder is idempotent.
	require.NoError(t, fs.Lock(id, "w1"))

	err = fs.Lock(id, "w2")
	var lockedErr *core.AlreadyLockedError
	require.ErrorAs(t, err, &lockedErr)
	assert.Equal(t, "w1", lockedErr.Holder)

	_, err = fs.Update(id, "v2", "w2")
	var fileLockedErr *core.FileLockedError
	require.ErrorAs(t, err, &fileLockedErr)

	// The holder can still write.
	_, err = fs.Update(id, "v2", "w1")
	assert.NoError(t, err)
}

func TestFileStore_UnlockByNonHolder(t *testing.T) {
	fs, _ := newTestFileStore(time.Minute)
	id, err := fs.Create("notes.txt", "v1", "w1")
	require.NoError(t, err)

	var notHolderErr *core.NotLockHolderError
	require.ErrorAs(t, fs.Unlock(id, "w1"), &notHolderErr)

	require.NoError(t, fs.Lock(id, "w1"))
	require.ErrorAs(t, fs.Unlock(id, "w2"), &notHolderErr)
	require.NoError(t, fs.Unlock(id, "w1"))
}

func TestFileStore_ExpiredLockSlotReacquirableButNeverImplicitWrite(t *testing.T) {
	fs, events := newTestFileStore(10 * time.Millisecond)
	id, err := fs.Create("notes.txt", "v1", "w1")
	require.NoError(t, err)

	require.NoError(t, fs.Lock(id, "w1"))
	time.Sleep(20 * time.Millisecond)

	// The lock has expired, but expiry never grants implicit write access:
	// w2 must acquire the lock first.
	_, err = fs.Update(id, "v2", "w2")
	var fileLockedErr *core.FileLockedError
	require.ErrorAs(t, err, &fileLockedErr)

	// The slot itself is re-acquirable; the takeover force releases the
	// stale lock and logs it as an activity event.
	require.NoError(t, fs.Lock(id, "w2"))
	assert.Contains(t, *events, "lock_force_released")

	_, err = fs.Update(id, "v2", "w2")
	assert.NoError(t, err)

	holder, ok := fs.LockHolder(id)
	require.True(t, ok)
	assert.Equal(t, "w2", holder.WorkerID)
}

func TestFileStore_CleanupExpiredLocks(t *testing.T) {
	fs, events := newTestFileStore(5 * time.Millisecond)
	id, err := fs.Create("notes.txt", "v1", "w1")
	require.NoError(t, err)
	require.NoError(t, fs.Lock(id, "w1"))

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, fs.CleanupExpiredLocks())
	assert.Contains(t, *events, "lock_force_released")

	_, ok := fs.LockHolder(id)
	assert.False(t, ok)
}

func TestFileStore_Permissions(t *testing.T) {
	fs, _ := newTestFileStore(time.Minute)
	id, err := fs.Create("secret.txt", "v1", "w1")
	require.NoError(t, err)

	// The creator is admin; everyone else starts at the default write level.
	perms, err := fs.Permissions(id)
	require.NoError(t, err)
	assert.Equal(t, core.PermissionAdmin, perms["w1"])

	// Only an admin can grant or revoke.
	var deniedErr *core.PermissionDeniedError
	require.ErrorAs(t, fs.Grant(id, "w2", "w3", core.PermissionRead), &deniedErr)

	require.NoError(t, fs.Grant(id, "w1", "w2", core.PermissionRead))
	_, err = fs.Update(id, "v2", "w2")
	require.ErrorAs(t, err, &deniedErr)
	assert.Equal(t, core.PermissionWrite, deniedErr.Required)

	require.NoError(t, fs.Revoke(id, "w1", "w2"))
	_, _, err = fs.Read(id, "w2")
	require.ErrorAs(t, err, &deniedErr)
	assert.Equal(t, core.PermissionRead, deniedErr.Required)

	// Revoked workers cannot lock either.
	require.ErrorAs(t, fs.Lock(id, "w2"), &deniedErr)
}

func TestFileStore_ListFiltersUnreadable(t *testing.T) {
	fs, _ := newTestFileStore(time.Minute)
	id, err := fs.Create("a.txt", "", "w1")
	require.NoError(t, err)
	_, err = fs.Create("b.txt", "", "w1")
	require.NoError(t, err)
	require.NoError(t, fs.Revoke(id, "w1", "w2"))

	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, fs.List("w1"))
	assert.ElementsMatch(t, []string{"b.txt"}, fs.List("w2"))
}
