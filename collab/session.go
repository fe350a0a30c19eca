// Package collab manages collaborative editing sessions: one mergeable
// document per open file, live per-user presence, and conflict/activity
// statistics. Concurrent edits merge through the document itself; the
// session layer only moves updates and presence between participants.
package collab

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/codecollab/syncengine/crdt"
)

// User identifies a collaborator. Color is assigned deterministically
// from the ID; presence state is ephemeral and never persisted.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Color string `json:"color"`
}

// Presence is one user's live cursor state within a session.
type Presence struct {
	User      User      `json:"user"`
	Line      int       `json:"line"`
	Column    int       `json:"column"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionState tracks the per-document lifecycle:
// active → closing → destroyed.
type SessionState string

// Session lifecycle states.
const (
	StateActive    SessionState = "session-active"
	StateClosing   SessionState = "session-closing"
	StateDestroyed SessionState = "destroyed"
)

// Session is one live collaborative document.
type Session struct {
	DocumentID string
	ProjectID  string
	FilePath   string

	doc *crdt.Document

	mu           sync.Mutex
	state        SessionState
	users        map[string]*Presence
	lastActivity time.Time

	updateSub   Subscription
	presenceSub Subscription
}

// Stats is a session statistics snapshot.
type Stats struct {
	UserCount    int       `json:"userCount"`
	DocumentSize int       `json:"documentSize"`
	Conflicts    int64     `json:"conflicts"`
	LastActivity time.Time `json:"lastActivity"`
}

// Document returns the session's mergeable document.
func (s *Session) Document() *crdt.Document {
	return s.doc
}

// Text returns the shared text for reading and fine-grained subscription.
func (s *Session) Text() *crdt.Text {
	return s.doc.Text()
}

// Map returns the shared metadata map.
func (s *Session) Map() *crdt.Map {
	return s.doc.Map()
}

// State returns the session lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// touch records activity.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// setPresence upserts a user's presence entry.
func (s *Session) setPresence(p Presence) {
	s.mu.Lock()
	s.users[p.User.ID] = &p
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// removePresence drops a user, reporting whether any participants remain.
func (s *Session) removePresence(userID string) (remaining int) {
	s.mu.Lock()
	delete(s.users, userID)
	remaining = len(s.users)
	s.mu.Unlock()
	return remaining
}

// updateEnvelope carries one document update between replicas. Site lets
// receivers drop their own echoes.
type updateEnvelope struct {
	Site   string          `json:"site"`
	Update json.RawMessage `json:"update"`
}

// presenceKind tags a presence message.
type presenceKind string

const (
	presenceJoin     presenceKind = "join"
	presenceAnnounce presenceKind = "announce"
	presenceCursor   presenceKind = "cursor"
	presenceLeave    presenceKind = "leave"
)

// presenceEnvelope carries presence traffic. It is ephemeral state, never
// part of the document.
type presenceEnvelope struct {
	Kind   presenceKind `json:"kind"`
	Site   string       `json:"site"`
	User   User         `json:"user"`
	Line   int          `json:"line"`
	Column int          `json:"column"`
	At     time.Time    `json:"at"`
}
