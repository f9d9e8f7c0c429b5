package space

import (
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/collabmesh/core"
)

// Entry is a snapshot of one whiteboard entry: its identity, full version
// chain and tombstone flag. Mutating a snapshot does not affect the
// whiteboard.
type Entry struct {
	ID         string         `json:"id"`
	Author     string         `json:"author"`
	Versions   []core.Version `json:"versions"`
	Tombstoned bool           `json:"tombstoned"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Payload returns the entry's current payload: the newest version's snapshot.
func (e *Entry) Payload() any {
	if len(e.Versions) == 0 {
		return nil
	}
	return e.Versions[len(e.Versions)-1].Payload
}

// Whiteboard is the append-only shared surface of a collaborative space.
//
// Entries carry an ordered version history; updates, reverts and removals
// all append versions and never delete history. Concurrent updates to the
// same entry both succeed and land in append order: last write wins by
// append order is the defined semantics here, and entries intentionally
// require no caller-side locking.
type Whiteboard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

// NewWhiteboard creates an empty whiteboard.
func NewWhiteboard() *Whiteboard {
	return &Whiteboard{entries: make(map[string]*Entry)}
}

// Add creates a new entry with an initial version and returns its id.
func (w *Whiteboard) Add(author string, payload any) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	e := &Entry{
		ID:        core.NewID(),
		Author:    author,
		Versions:  []core.Version{core.NewVersion(payload, author)},
		CreatedAt: time.Now().UTC(),
	}
	w.entries[e.ID] = e
	w.order = append(w.order, e.ID)
	return e.ID
}

// Update appends a new version to the entry and returns the version id. It
// never overwrites: the prior payload stays enumerable in the history.
func (w *Whiteboard) Update(entryID, author string, payload any) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[entryID]
	if !ok {
		return "", fmt.Errorf("whiteboard entry %q not found", entryID)
	}
	v := core.NewVersion(payload, author)
	e.Versions = append(e.Versions, v)
	return v.VersionID, nil
}

// Remove tombstones the entry: it disappears from List but its version
// history remains enumerable through Get and History.
func (w *Whiteboard) Remove(entryID, author string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[entryID]
	if !ok {
		return fmt.Errorf("whiteboard entry %q not found", entryID)
	}
	e.Tombstoned = true
	_ = author // recorded by the space activity log, not on the entry
	return nil
}

// Revert appends the payload of the target version as the newest version and
// returns the new version id. History is never truncated; the revert itself
// becomes part of the chain.
func (w *Whiteboard) Revert(entryID, versionID, author string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[entryID]
	if !ok {
		return "", fmt.Errorf("whiteboard entry %q not found", entryID)
	}
	for _, v := range e.Versions {
		if v.VersionID == versionID {
			nv := core.NewVersion(v.Payload, author)
			e.Versions = append(e.Versions, nv)
			return nv.VersionID, nil
		}
	}
	return "", fmt.Errorf("whiteboard entry %q has no version %q", entryID, versionID)
}

// Get returns a snapshot of the entry including tombstoned ones.
func (w *Whiteboard) Get(entryID string) (*Entry, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entries[entryID]
	if !ok {
		return nil, fmt.Errorf("whiteboard entry %q not found", entryID)
	}
	return cloneEntry(e), nil
}

// List returns snapshots of all live (non-tombstoned) entries in creation order.
func (w *Whiteboard) List() []*Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var res []*Entry
	for _, id := range w.order {
		e := w.entries[id]
		if e.Tombstoned {
			continue
		}
		res = append(res, cloneEntry(e))
	}
	return res
}

// ListByAuthor returns live entries created by the given author, in creation order.
func (w *Whiteboard) ListByAuthor(author string) []*Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var res []*Entry
	for _, id := range w.order {
		e := w.entries[id]
		if e.Tombstoned || e.Author != author {
			continue
		}
		res = append(res, cloneEntry(e))
	}
	return res
}

// History returns the full version chain of an entry, oldest first.
func (w *Whiteboard) History(entryID string) ([]core.Version, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entries[entryID]
	if !ok {
		return nil, fmt.Errorf("whiteboard entry %q not found", entryID)
	}
	return append([]core.Version(nil), e.Versions...), nil
}

func cloneEntry(e *Entry) *Entry {
	clone := *e
	clone.Versions = append([]core.Version(nil), e.Versions...)
	return &clone
}
