package relay

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"storysync/internal/wire"
)

var (
	ErrNotFound = errors.New("relay: session not found")
	ErrKicked   = errors.New("relay: removed from this session")
)

// Session is the relay's record of one collaboration.
type Session struct {
	ID           string
	JoinCode     string
	HostID       string
	IsLobbyOpen  bool
	IsActive     bool
	Draft        wire.StoryDraft
	Participants []wire.Participant
	Kicked       []string
	CreatedAt    time.Time
}

// Wire renders the session for the REST API. Only connected participants
// count toward ParticipantCount.
func (s Session) Wire() wire.Session {
	out := wire.Session{
		ID:           s.ID,
		JoinCode:     s.JoinCode,
		HostID:       s.HostID,
		IsLobbyOpen:  s.IsLobbyOpen,
		IsActive:     s.IsActive,
		Participants: s.Participants,
	}
	for _, p := range s.Participants {
		if p.IsActive {
			out.ParticipantCount++
		}
	}
	d := s.Draft
	out.StoryDraft = &d
	return out
}

// IsKicked reports whether userID was removed by the host.
func (s Session) IsKicked(userID string) bool {
	return slices.Contains(s.Kicked, userID)
}

// Story is a finalized story produced by a successful vote.
type Story struct {
	ID        string
	SessionID string
	Title     string
	Pages     []wire.Page
	Genres    []string
	Category  string
	Authors   []string
	CreatedAt time.Time
}

// SessionStore persists sessions and finalized stories.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	Session(ctx context.Context, id string) (Session, error)
	SessionByCode(ctx context.Context, code string) (Session, error)
	SaveDraft(ctx context.Context, id string, d wire.StoryDraft) error
	SaveParticipants(ctx context.Context, id string, ps []wire.Participant) error
	SetLobbyOpen(ctx context.Context, id string, open bool) error
	EndSession(ctx context.Context, id string) error
	Kick(ctx context.Context, id, userID string) error
	SaveStory(ctx context.Context, st Story) (string, error)
}

// MemoryStore is a SessionStore for a single relay process.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	stories  map[string]Story
}

var _ SessionStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session), stories: make(map[string]Story)}
}

func (m *MemoryStore) CreateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cloneSession(s)
	m.sessions[s.ID] = &c
	return nil
}

func (m *MemoryStore) Session(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return cloneSession(*s), nil
}

func (m *MemoryStore) SessionByCode(_ context.Context, code string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.JoinCode == code && s.IsActive {
			return cloneSession(*s), nil
		}
	}
	return Session{}, ErrNotFound
}

func (m *MemoryStore) SaveDraft(_ context.Context, id string, d wire.StoryDraft) error {
	return m.update(id, func(s *Session) {
		s.Draft = wire.StoryDraft{Title: d.Title, Pages: slices.Clone(d.Pages)}
	})
}

func (m *MemoryStore) SaveParticipants(_ context.Context, id string, ps []wire.Participant) error {
	return m.update(id, func(s *Session) { s.Participants = slices.Clone(ps) })
}

func (m *MemoryStore) SetLobbyOpen(_ context.Context, id string, open bool) error {
	return m.update(id, func(s *Session) { s.IsLobbyOpen = open })
}

func (m *MemoryStore) EndSession(_ context.Context, id string) error {
	return m.update(id, func(s *Session) {
		s.IsActive = false
		s.IsLobbyOpen = false
	})
}

func (m *MemoryStore) Kick(_ context.Context, id, userID string) error {
	return m.update(id, func(s *Session) {
		if !slices.Contains(s.Kicked, userID) {
			s.Kicked = append(s.Kicked, userID)
		}
		s.Participants = slices.DeleteFunc(s.Participants, func(p wire.Participant) bool {
			return p.UserID == userID
		})
	})
}

func (m *MemoryStore) SaveStory(_ context.Context, st Story) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	st.Pages = slices.Clone(st.Pages)
	m.stories[st.ID] = st
	return st.ID, nil
}

// Story returns a finalized story.
func (m *MemoryStore) Story(id string) (Story, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stories[id]
	return st, ok
}

func (m *MemoryStore) update(id string, fn func(s *Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	return nil
}

func cloneSession(s Session) Session {
	s.Draft.Pages = slices.Clone(s.Draft.Pages)
	s.Participants = slices.Clone(s.Participants)
	s.Kicked = slices.Clone(s.Kicked)
	return s
}
