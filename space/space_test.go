package space

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/collabmesh/core"
)

type fakeDirectory map[string]bool

func (d fakeDirectory) Known(id string) bool { return d[id] }

type fakeBroadcaster struct {
	calls   []string
	targets [][]string
}

func (b *fakeBroadcaster) Broadcast(from, spaceID string, payload map[string]any, participants []string) (string, error) {
	b.calls = append(b.calls, from)
	b.targets = append(b.targets, participants)
	return core.NewID(), nil
}

func (b *fakeBroadcaster) DropHistory(spaceID string) {}

func newTestManager(workers ...string) (*Manager, *fakeBroadcaster) {
	dir := fakeDirectory{}
	for _, w := range workers {
		dir[w] = true
	}
	caster := &fakeBroadcaster{}
	m := NewManager(dir, caster, func(o *Options) {
		cfg := core.DefaultConfig.Clone()
		cfg.SpaceCapacity = 2
		o.Config = cfg
	})
	return m, caster
}

func TestManager_JoinCapacityAndRejoin(t *testing.T) {
	m, _ := newTestManager("w1", "w2", "w3")
	id := m.Create("room", "w1", 2)

	require.NoError(t, m.Join(id, "w1"))
	require.NoError(t, m.Join(id, "w2"))

	// A third join fails with SpaceFull.
	err := m.Join(id, "w3")
	var fullErr *core.SpaceFullError
	require.ErrorAs(t, err, &fullErr)
	assert.Equal(t, 2, fullErr.Capacity)

	// Rejoining is idempotent success, not an error.
	require.NoError(t, m.Join(id, "w1"))

	// After one participant leaves, the third can join.
	require.NoError(t, m.Leave(id, "w2"))
	require.NoError(t, m.Join(id, "w3"))
}

func TestManager_JoinRequiresRegisteredWorker(t *testing.T) {
	m, _ := newTestManager("w1")
	id := m.Create("room", "w1", 0)

	err := m.Join(id, "ghost")
	var unknownErr *core.UnknownRecipientError
	require.ErrorAs(t, err, &unknownErr)
}

func TestManager_AccessorsGatedToParticipants(t *testing.T) {
	m, _ := newTestManager("w1", "w2")
	id := m.Create("room", "w1", 0)
	require.NoError(t, m.Join(id, "w1"))

	_, err := m.Whiteboard(id, "w1")
	require.NoError(t, err)

	var notPartErr *core.NotAParticipantError
	_, err = m.Whiteboard(id, "w2")
	require.ErrorAs(t, err, &notPartErr)
	_, err = m.Files(id, "w2")
	require.ErrorAs(t, err, &notPartErr)

	_, err = m.Broadcast(id, "w2", nil)
	require.ErrorAs(t, err, &notPartErr)
}

func TestManager_BroadcastDelegates(t *testing.T) {
	m, caster := newTestManager("w1", "w2")
	id := m.Create("room", "w1", 0)
	require.NoError(t, m.Join(id, "w1"))
	require.NoError(t, m.Join(id, "w2"))

	_, err := m.Broadcast(id, "w1", map[string]any{"x": 1})
	require.NoError(t, err)
	require.Len(t, caster.calls, 1)
	assert.Equal(t, "w1", caster.calls[0])
	assert.ElementsMatch(t, []string{"w1", "w2"}, caster.targets[0])
}

func TestManager_ActivityLogAppendOnly(t *testing.T) {
	m, _ := newTestManager("w1")
	id := m.Create("room", "w1", 0)
	require.NoError(t, m.Join(id, "w1"))
	require.NoError(t, m.LogActivity(id, "w1", "note", map[string]any{"k": "v"}))

	log, err := m.Activity(id)
	require.NoError(t, err)
	// space_created, participant_joined, note
	require.Len(t, log, 3)
	assert.Equal(t, "space_created", log[0].Action)
	assert.Equal(t, "participant_joined", log[1].Action)
	assert.Equal(t, "note", log[2].Action)
}

func TestManager_ArchiveRejectsJoins(t *testing.T) {
	m, _ := newTestManager("w1", "w2")
	id := m.Create("room", "w1", 0)
	require.NoError(t, m.Join(id, "w1"))
	require.NoError(t, m.Archive(id, "w1"))

	assert.Error(t, m.Join(id, "w2"))
	assert.Empty(t, m.List(true))
	assert.Len(t, m.List(false), 1)

	// Archived spaces stay resolvable for audit.
	log, err := m.Activity(id)
	require.NoError(t, err)
	assert.Equal(t, "space_archived", log[len(log)-1].Action)
}

func TestManager_RemoveWorkerEverywhere(t *testing.T) {
	m, _ := newTestManager("w1", "w2")
	a := m.Create("a", "w1", 0)
	b := m.Create("b", "w1", 0)
	require.NoError(t, m.Join(a, "w1"))
	require.NoError(t, m.Join(b, "w1"))
	require.NoError(t, m.Join(b, "w2"))

	m.RemoveWorkerEverywhere("w1")
	assert.Empty(t, m.SpacesFor("w1"))
	assert.Equal(t, []string{b}, m.SpacesFor("w2"))
}

func TestManager_Stats(t *testing.T) {
	m, _ := newTestManager("w1")
	id := m.Create("room", "w1", 5)
	require.NoError(t, m.Join(id, "w1"))

	wb, err := m.Whiteboard(id, "w1")
	require.NoError(t, err)
	wb.Add("w1", "x")

	fs, err := m.Files(id, "w1")
	require.NoError(t, err)
	_, err = fs.Create("f.txt", "", "w1")
	require.NoError(t, err)

	stats, err := m.Stats(id)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Participants)
	assert.Equal(t, 5, stats.Capacity)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 1, stats.Files)
	assert.False(t, stats.Archived)
}
