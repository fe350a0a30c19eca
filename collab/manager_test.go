package collab

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePersistence stores snapshots in memory.
type fakePersistence struct {
	mu        sync.Mutex
	snapshots map[string][]byte
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{snapshots: make(map[string][]byte)}
}

func (f *fakePersistence) SaveSnapshot(documentID string, snapshot []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[documentID] = snapshot
	return nil
}

func (f *fakePersistence) LoadSnapshot(documentID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots[documentID], nil
}

func newTestManager(bus *LoopbackProvider, user User) *Manager {
	m := NewManager(bus, nil, nil)
	m.SetCurrentUser(user)
	return m
}

func TestJoinRequiresCurrentUser(t *testing.T) {
	m := NewManager(NewLoopbackProvider(), nil, nil)

	_, err := m.JoinSession("doc-1", "proj-1", "src/a.ts")
	assert.ErrorIs(t, err, ErrNoCurrentUser)
}

func TestJoinIsIdempotent(t *testing.T) {
	m := newTestManager(NewLoopbackProvider(), User{ID: "u1", Name: "Ada"})

	first, err := m.JoinSession("doc-1", "proj-1", "src/a.ts")
	require.NoError(t, err)
	second, err := m.JoinSession("doc-1", "proj-1", "src/a.ts")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, StateActive, first.State())
	assert.Equal(t, "src/a.ts", first.FilePath)
}

func TestColorAssignmentDeterministic(t *testing.T) {
	assert.Equal(t, ColorFor("u1"), ColorFor("u1"))

	m := newTestManager(NewLoopbackProvider(), User{ID: "u1", Name: "Ada"})
	user, ok := m.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, ColorFor("u1"), user.Color)
	assert.Contains(t, palette, user.Color)
}

func TestConcurrentEditsConverge(t *testing.T) {
	bus := NewLoopbackProvider()
	ada := newTestManager(bus, User{ID: "u1", Name: "Ada"})
	grace := newTestManager(bus, User{ID: "u2", Name: "Grace"})

	sa, err := ada.JoinSession("doc-1", "proj-1", "src/a.ts")
	require.NoError(t, err)
	sb, err := grace.JoinSession("doc-1", "proj-1", "src/a.ts")
	require.NoError(t, err)

	// Baseline from one side replicates to the other over the bus.
	require.NoError(t, sa.Text().Insert(0, "hello world"))
	require.Equal(t, "hello world", sb.Text().String())

	// Edits to disjoint regions from both sides.
	require.NoError(t, sa.Text().Insert(0, ">> "))
	require.NoError(t, sb.Text().Insert(sb.Text().Len(), " <<"))

	assert.Equal(t, sa.Text().String(), sb.Text().String(), "replicas must converge")
	assert.Equal(t, ">> hello world <<", sa.Text().String())
}

func TestPresencePropagates(t *testing.T) {
	bus := NewLoopbackProvider()
	ada := newTestManager(bus, User{ID: "u1", Name: "Ada"})
	grace := newTestManager(bus, User{ID: "u2", Name: "Grace"})

	sa, err := ada.JoinSession("doc-1", "proj-1", "src/a.ts")
	require.NoError(t, err)
	sb, err := grace.JoinSession("doc-1", "proj-1", "src/a.ts")
	require.NoError(t, err)

	// Join/announce handshake leaves both sides seeing both users.
	assert.Len(t, ada.ActiveUsers(sa), 2)
	assert.Len(t, grace.ActiveUsers(sb), 2)

	require.NoError(t, grace.UpdateCursor(sb, 12, 4))

	var remote *Presence
	for _, p := range ada.Cursors(sa) {
		if p.User.ID == "u2" {
			remote = &p
			break
		}
	}
	require.NotNil(t, remote, "ada must see grace's cursor")
	assert.Equal(t, 12, remote.Line)
	assert.Equal(t, 4, remote.Column)
}

func TestResolveConflictsBookkeeping(t *testing.T) {
	m := newTestManager(NewLoopbackProvider(), User{ID: "u1"})

	s, err := m.JoinSession("doc-1", "proj-1", "src/a.ts")
	require.NoError(t, err)

	require.NoError(t, m.ResolveConflicts(s))
	require.NoError(t, m.ResolveConflicts(s))

	stats := m.SessionStats(s)
	assert.Equal(t, int64(2), stats.Conflicts)

	var stamp string
	ok, err := s.Map().Get("lastResolved", &stamp)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = time.Parse(time.RFC3339, stamp)
	assert.NoError(t, err)
}

func TestSessionStats(t *testing.T) {
	m := newTestManager(NewLoopbackProvider(), User{ID: "u1"})

	s, err := m.JoinSession("doc-1", "proj-1", "src/a.ts")
	require.NoError(t, err)
	require.NoError(t, s.Text().Insert(0, "twelve chars"))

	stats := m.SessionStats(s)
	assert.Equal(t, 1, stats.UserCount)
	assert.Equal(t, 12, stats.DocumentSize)
	assert.Zero(t, stats.Conflicts)
	assert.False(t, stats.LastActivity.IsZero())
}

func TestLeaveSessionTearsDown(t *testing.T) {
	m := newTestManager(NewLoopbackProvider(), User{ID: "u1"})

	s, err := m.JoinSession("doc-1", "proj-1", "src/a.ts")
	require.NoError(t, err)

	require.NoError(t, m.LeaveSession("doc-1"))
	assert.Equal(t, StateDestroyed, s.State())

	_, stillThere := m.Session("doc-1")
	assert.False(t, stillThere)

	// Leaving an unknown session is safe.
	assert.NoError(t, m.LeaveSession("doc-1"))
	assert.NoError(t, m.LeaveSession("never-existed"))
}

func TestLeaveNotifiesPeers(t *testing.T) {
	bus := NewLoopbackProvider()
	ada := newTestManager(bus, User{ID: "u1", Name: "Ada"})
	grace := newTestManager(bus, User{ID: "u2", Name: "Grace"})

	_, err := ada.JoinSession("doc-1", "proj-1", "src/a.ts")
	require.NoError(t, err)
	sb, err := grace.JoinSession("doc-1", "proj-1", "src/a.ts")
	require.NoError(t, err)

	require.NoError(t, ada.LeaveSession("doc-1"))

	users := grace.ActiveUsers(sb)
	require.Len(t, users, 1)
	assert.Equal(t, "u2", users[0].ID)
}

func TestDestroyAllSessions(t *testing.T) {
	m := newTestManager(NewLoopbackProvider(), User{ID: "u1"})

	s1, err := m.JoinSession("doc-1", "p", "a.ts")
	require.NoError(t, err)
	s2, err := m.JoinSession("doc-2", "p", "b.ts")
	require.NoError(t, err)

	require.NoError(t, m.Destroy())
	assert.Equal(t, StateDestroyed, s1.State())
	assert.Equal(t, StateDestroyed, s2.State())

	// Destroy with no sessions is safe.
	assert.NoError(t, m.Destroy())
}

func TestCursorAfterDestroyFails(t *testing.T) {
	m := newTestManager(NewLoopbackProvider(), User{ID: "u1"})

	s, err := m.JoinSession("doc-1", "p", "a.ts")
	require.NoError(t, err)
	require.NoError(t, m.Destroy())

	assert.ErrorIs(t, m.UpdateCursor(s, 1, 1), ErrSessionDestroyed)
	assert.ErrorIs(t, m.ResolveConflicts(s), ErrSessionDestroyed)
}

func TestPersistenceAcrossSessions(t *testing.T) {
	bus := NewLoopbackProvider()
	persistence := newFakePersistence()

	m := NewManager(bus, persistence, nil)
	m.SetCurrentUser(User{ID: "u1"})

	s, err := m.JoinSession("doc-1", "proj-1", "src/a.ts")
	require.NoError(t, err)
	require.NoError(t, s.Text().Insert(0, "durable content"))
	require.NoError(t, m.LeaveSession("doc-1"))

	// A fresh manager restores the document from the snapshot.
	m2 := NewManager(bus, persistence, nil)
	m2.SetCurrentUser(User{ID: "u2"})
	restored, err := m2.JoinSession("doc-1", "proj-1", "src/a.ts")
	require.NoError(t, err)
	assert.Equal(t, "durable content", restored.Text().String())
}
