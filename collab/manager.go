package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codecollab/syncengine/crdt"
)

// Common session manager errors.
var (
	// ErrNoCurrentUser is returned when joining before a user is set.
	ErrNoCurrentUser = errors.New("no current user set")

	// ErrSessionDestroyed is returned for operations on a torn-down session.
	ErrSessionDestroyed = errors.New("session destroyed")
)

// Shared metadata map keys used for conflict bookkeeping.
const (
	metaConflicts    = "conflicts"
	metaLastResolved = "lastResolved"
)

// Persistence stores document snapshots across sessions. Optional; a nil
// persistence means documents live only as long as their session.
type Persistence interface {
	SaveSnapshot(documentID string, snapshot []byte) error
	LoadSnapshot(documentID string) ([]byte, error)
}

// Manager owns all live collaboration sessions for one engine instance.
// It is constructed explicitly and torn down with Destroy; there is no
// process-global instance.
type Manager struct {
	provider    Provider
	persistence Persistence
	logger      *slog.Logger
	site        string // replica site ID for documents created here

	mu       sync.Mutex
	current  *User
	sessions map[string]*Session
}

// NewManager creates a session manager over the given provider.
// persistence may be nil.
func NewManager(provider Provider, persistence Persistence, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		provider:    provider,
		persistence: persistence,
		logger:      logger,
		site:        uuid.NewString(),
		sessions:    make(map[string]*Session),
	}
}

// SetCurrentUser sets the identity attached to sessions joined from this
// manager. The color is assigned deterministically from the user ID.
func (m *Manager) SetCurrentUser(u User) {
	u.Color = ColorFor(u.ID)
	m.mu.Lock()
	m.current = &u
	m.mu.Unlock()
}

// CurrentUser returns the configured user.
func (m *Manager) CurrentUser() (User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return User{}, false
	}
	return *m.current, true
}

// JoinSession joins (or creates) the session for documentID. Joining an
// existing session is idempotent and returns the same session. Fails with
// ErrNoCurrentUser until SetCurrentUser is called.
func (m *Manager) JoinSession(documentID, projectID, filePath string) (*Session, error) {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return nil, ErrNoCurrentUser
	}
	user := *m.current

	if s, ok := m.sessions[documentID]; ok {
		m.mu.Unlock()
		s.setPresence(Presence{User: user, UpdatedAt: time.Now()})
		return s, nil
	}
	m.mu.Unlock()

	doc := crdt.NewDocument(m.site + ":" + documentID)
	if m.persistence != nil {
		if snapshot, err := m.persistence.LoadSnapshot(documentID); err == nil && len(snapshot) > 0 {
			if err := doc.ApplyUpdate(snapshot); err != nil {
				m.logger.Warn("Failed to replay document snapshot",
					"documentId", documentID,
					"error", err)
			}
		}
	}

	s := &Session{
		DocumentID: documentID,
		ProjectID:  projectID,
		FilePath:   filePath,
		doc:        doc,
		state:      StateActive,
		users:      make(map[string]*Presence),
	}
	s.setPresence(Presence{User: user, UpdatedAt: time.Now()})

	if err := m.bind(s); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[documentID]; ok {
		// Lost a join race; use the winner and drop our bindings.
		m.mu.Unlock()
		m.unbind(s)
		existing.setPresence(Presence{User: user, UpdatedAt: time.Now()})
		return existing, nil
	}
	m.sessions[documentID] = s
	m.mu.Unlock()

	m.publishPresence(s, presenceEnvelope{
		Kind: presenceJoin,
		Site: m.site,
		User: user,
		At:   time.Now(),
	})

	m.logger.Info("Joined collaboration session",
		"documentId", documentID,
		"filePath", filePath,
		"user", user.ID)
	return s, nil
}

// bind opens the session's network provider: local document updates are
// broadcast, remote updates and presence are merged in.
func (m *Manager) bind(s *Session) error {
	s.doc.Observe(func(update crdt.Update, local bool) {
		if !local {
			return
		}
		data, err := crdt.EncodeUpdate(update)
		if err != nil {
			m.logger.Error("Failed to encode document update", "error", err)
			return
		}
		envelope, err := json.Marshal(updateEnvelope{Site: m.site, Update: data})
		if err != nil {
			return
		}
		if err := m.provider.Publish(updateSubject(s.DocumentID), envelope); err != nil {
			m.logger.Error("Failed to broadcast update",
				"documentId", s.DocumentID,
				"error", err)
		}
		s.touch()
	})

	updateSub, err := m.provider.Subscribe(updateSubject(s.DocumentID), func(data []byte) {
		var envelope updateEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			m.logger.Warn("Malformed update envelope", "error", err)
			return
		}
		if envelope.Site == m.site {
			return // our own echo
		}
		if err := s.doc.ApplyUpdate(envelope.Update); err != nil {
			m.logger.Warn("Failed to apply remote update",
				"documentId", s.DocumentID,
				"error", err)
			return
		}
		s.touch()
	})
	if err != nil {
		return fmt.Errorf("bind session %s: %w", s.DocumentID, err)
	}
	s.updateSub = updateSub

	presenceSub, err := m.provider.Subscribe(presenceSubject(s.DocumentID), func(data []byte) {
		m.handlePresence(s, data)
	})
	if err != nil {
		updateSub.Unsubscribe()
		return fmt.Errorf("bind session %s: %w", s.DocumentID, err)
	}
	s.presenceSub = presenceSub
	return nil
}

// unbind tears down the session's provider subscriptions.
func (m *Manager) unbind(s *Session) {
	if s.updateSub != nil {
		s.updateSub.Unsubscribe()
	}
	if s.presenceSub != nil {
		s.presenceSub.Unsubscribe()
	}
}

// handlePresence merges one remote presence message into the session.
func (m *Manager) handlePresence(s *Session, data []byte) {
	var envelope presenceEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		m.logger.Warn("Malformed presence envelope", "error", err)
		return
	}
	if envelope.Site == m.site {
		return
	}

	switch envelope.Kind {
	case presenceJoin:
		s.setPresence(Presence{User: envelope.User, UpdatedAt: envelope.At})
		// Announce ourselves so the new participant learns who is here.
		if user, ok := m.CurrentUser(); ok {
			m.publishPresence(s, presenceEnvelope{
				Kind: presenceAnnounce,
				Site: m.site,
				User: user,
				At:   time.Now(),
			})
		}
	case presenceAnnounce:
		s.setPresence(Presence{User: envelope.User, UpdatedAt: envelope.At})
	case presenceCursor:
		s.setPresence(Presence{
			User:      envelope.User,
			Line:      envelope.Line,
			Column:    envelope.Column,
			UpdatedAt: envelope.At,
		})
	case presenceLeave:
		s.removePresence(envelope.User.ID)
	}
}

// publishPresence sends one presence message, logging failures rather
// than surfacing them: presence is best-effort.
func (m *Manager) publishPresence(s *Session, envelope presenceEnvelope) {
	data, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	if err := m.provider.Publish(presenceSubject(s.DocumentID), data); err != nil {
		m.logger.Warn("Failed to publish presence",
			"documentId", s.DocumentID,
			"error", err)
	}
}

// UpdateCursor publishes the current user's cursor position to all
// participants. Ephemeral; never part of the document.
func (m *Manager) UpdateCursor(s *Session, line, column int) error {
	user, ok := m.CurrentUser()
	if !ok {
		return ErrNoCurrentUser
	}
	if s.State() == StateDestroyed {
		return ErrSessionDestroyed
	}

	now := time.Now()
	s.setPresence(Presence{User: user, Line: line, Column: column, UpdatedAt: now})
	m.publishPresence(s, presenceEnvelope{
		Kind:   presenceCursor,
		Site:   m.site,
		User:   user,
		Line:   line,
		Column: column,
		At:     now,
	})
	return nil
}

// ResolveConflicts bumps the shared conflict counter and stamps the
// resolution time. Bookkeeping only: the document merges concurrent edits
// by construction, this feeds monitoring.
func (m *Manager) ResolveConflicts(s *Session) error {
	if s.State() == StateDestroyed {
		return ErrSessionDestroyed
	}
	count := s.Map().Int64(metaConflicts)
	if err := s.Map().Set(metaConflicts, count+1); err != nil {
		return err
	}
	return s.Map().Set(metaLastResolved, time.Now().UTC().Format(time.RFC3339))
}

// ActiveUsers returns a snapshot of current presence.
func (m *Manager) ActiveUsers(s *Session) []User {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]User, 0, len(s.users))
	for _, p := range s.users {
		users = append(users, p.User)
	}
	return users
}

// Cursors returns a snapshot of all live cursors.
func (m *Manager) Cursors(s *Session) []Presence {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursors := make([]Presence, 0, len(s.users))
	for _, p := range s.users {
		cursors = append(cursors, *p)
	}
	return cursors
}

// SessionStats returns the session statistics snapshot.
func (m *Manager) SessionStats(s *Session) Stats {
	s.mu.Lock()
	userCount := len(s.users)
	lastActivity := s.lastActivity
	s.mu.Unlock()

	return Stats{
		UserCount:    userCount,
		DocumentSize: s.doc.Size(),
		Conflicts:    s.Map().Int64(metaConflicts),
		LastActivity: lastActivity,
	}
}

// Session returns the live session for documentID, if any.
func (m *Manager) Session(documentID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[documentID]
	return s, ok
}

// LeaveSession removes the current user from a session. The session is
// torn down when its last local participant leaves. Safe to call for
// unknown document IDs.
func (m *Manager) LeaveSession(documentID string) error {
	m.mu.Lock()
	s, ok := m.sessions[documentID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if user, hasUser := m.CurrentUser(); hasUser {
		m.publishPresence(s, presenceEnvelope{
			Kind: presenceLeave,
			Site: m.site,
			User: user,
			At:   time.Now(),
		})
		s.removePresence(user.ID)
	}

	return m.closeSession(s)
}

// closeSession walks the session through closing → destroyed: provider
// unbound, snapshot persisted, resources released.
func (m *Manager) closeSession(s *Session) error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	s.mu.Unlock()

	m.unbind(s)

	if m.persistence != nil {
		if snapshot, err := s.doc.Snapshot(); err == nil {
			if err := m.persistence.SaveSnapshot(s.DocumentID, snapshot); err != nil {
				m.logger.Warn("Failed to persist document snapshot",
					"documentId", s.DocumentID,
					"error", err)
			}
		}
	}

	m.mu.Lock()
	delete(m.sessions, s.DocumentID)
	m.mu.Unlock()

	s.mu.Lock()
	s.state = StateDestroyed
	s.users = make(map[string]*Presence)
	s.mu.Unlock()

	m.logger.Info("Collaboration session closed", "documentId", s.DocumentID)
	return nil
}

// Destroy tears down every session. Safe to call when none exist.
func (m *Manager) Destroy() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if err := m.closeSession(s); err != nil {
			return err
		}
	}
	return nil
}
