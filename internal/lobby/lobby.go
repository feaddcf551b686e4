// Package lobby drives a collaborator through a session's lifecycle: creating
// or joining it, waiting in the lobby until the host starts, live editing,
// and ending. It also holds the participant roster.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"storysync/internal/wire"
)

var (
	ErrNotHost   = errors.New("lobby: only the host can do that")
	ErrBusy      = errors.New("lobby: already in a session")
	ErrNoSession = errors.New("lobby: not in a session")
)

// State is a lifecycle state.
type State int

const (
	Idle State = iota
	Created
	Joining
	Lobby
	Active
	Ending
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Created:
		return "created"
	case Joining:
		return "joining"
	case Lobby:
		return "lobby"
	case Active:
		return "active"
	case Ending:
		return "ending"
	case Ended:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// API is the session metadata service.
type API interface {
	CreateSession(ctx context.Context, draft wire.StoryDraft) (wire.Session, error)
	GetSession(ctx context.Context, id string) (wire.Session, error)
	StartSession(ctx context.Context, id string) error
	EndSession(ctx context.Context, id string) error
	JoinByCode(ctx context.Context, code string) (wire.Session, error)
	KickParticipant(ctx context.Context, sessionID, userID string) error
}

// Config wires a Machine.
type Config struct {
	Self   string
	API    API
	Logger *slog.Logger
	// OnState runs after every transition.
	OnState func(from, to State)
}

// Machine is the session state machine. It is not safe for concurrent use.
type Machine struct {
	cfg Config
	log *slog.Logger

	state   State
	host    bool
	session wire.Session

	reconnecting bool
	attempt      int

	roster map[string]wire.Participant
	order  []string
}

// New returns a machine in Idle.
func New(cfg Config) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Machine{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "lobby"),
		roster: make(map[string]wire.Participant),
	}
}

func (m *Machine) State() State { return m.state }
func (m *Machine) IsHost() bool { return m.host }
func (m *Machine) Session() wire.Session { return m.session }
func (m *Machine) Live() bool { return m.state == Active }
func (m *Machine) InSession() bool { return m.state >= Created && m.state <= Ending }
func (m *Machine) Reconnecting() (bool, int) { return m.reconnecting, m.attempt }

func (m *Machine) set(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.log.Info("session state", "session_id", m.session.ID, "from", from.String(), "to", to.String())
	if m.cfg.OnState != nil {
		m.cfg.OnState(from, to)
	}
}

func (m *Machine) idle() bool { return m.state == Idle || m.state == Ended }

// Create starts a new session as host, seeded with the host's draft. The
// host skips the lobby.
func (m *Machine) Create(ctx context.Context, draft wire.StoryDraft) (wire.Session, error) {
	if !m.idle() {
		return wire.Session{}, ErrBusy
	}
	s, err := m.cfg.API.CreateSession(ctx, draft)
	if err != nil {
		return wire.Session{}, fmt.Errorf("create session: %w", err)
	}
	m.reset(s, true)
	m.set(Created)
	m.set(Active)
	return s, nil
}

// Join enters a session by join code. A session that is already under way
// is entered directly; otherwise the participant waits in the lobby.
func (m *Machine) Join(ctx context.Context, code string) (wire.Session, error) {
	if !m.idle() {
		return wire.Session{}, ErrBusy
	}
	m.set(Joining)
	s, err := m.cfg.API.JoinByCode(ctx, code)
	if err != nil {
		m.set(Idle)
		return wire.Session{}, fmt.Errorf("join session: %w", err)
	}
	if full, err := m.cfg.API.GetSession(ctx, s.ID); err == nil {
		s = full
	} else {
		m.log.Warn("session details unavailable after join", "session_id", s.ID, "error", err)
	}
	m.reset(s, s.HostID == m.cfg.Self)
	m.enter(s)
	return s, nil
}

// Resume re-enters a session this user was in before a restart.
func (m *Machine) Resume(ctx context.Context, sessionID string) (wire.Session, error) {
	if !m.idle() {
		return wire.Session{}, ErrBusy
	}
	s, err := m.cfg.API.GetSession(ctx, sessionID)
	if err != nil {
		return wire.Session{}, fmt.Errorf("resume session: %w", err)
	}
	if !s.IsActive {
		return wire.Session{}, fmt.Errorf("resume session %s: %w", sessionID, ErrNoSession)
	}
	m.reset(s, s.HostID == m.cfg.Self)
	m.set(Joining)
	m.enter(s)
	return s, nil
}

func (m *Machine) enter(s wire.Session) {
	if m.host || AlreadyStarted(s) {
		m.set(Active)
		return
	}
	m.set(Lobby)
}

// AlreadyStarted reports whether a joiner should bypass the lobby: the host
// closed it, the draft already has written content, or others are already
// in the session.
func AlreadyStarted(s wire.Session) bool {
	return !s.IsLobbyOpen || hasContent(s.StoryDraft) || s.ParticipantCount > 1
}

func hasContent(d *wire.StoryDraft) bool {
	if d == nil {
		return false
	}
	for _, p := range d.Pages {
		if strings.TrimSpace(p.Text) != "" {
			return true
		}
	}
	return false
}

func (m *Machine) reset(s wire.Session, host bool) {
	m.session = s
	m.host = host
	m.reconnecting, m.attempt = false, 0
	m.roster = make(map[string]wire.Participant)
	m.order = nil
	if len(s.Participants) > 0 {
		m.SetRoster(s.Participants)
	}
}

// Start closes the lobby. Host only.
func (m *Machine) Start(ctx context.Context) error {
	if !m.InSession() {
		return ErrNoSession
	}
	if !m.host {
		return ErrNotHost
	}
	if err := m.cfg.API.StartSession(ctx, m.session.ID); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	m.session.IsLobbyOpen = false
	return nil
}

// OnSessionStarted releases a participant held in the lobby.
func (m *Machine) OnSessionStarted() bool {
	m.session.IsLobbyOpen = false
	if m.state != Lobby {
		return false
	}
	m.set(Active)
	return true
}

// End begins ending the session. The host ends it for everyone; anyone
// else only leaves.
func (m *Machine) End(ctx context.Context) error {
	if !m.InSession() {
		return ErrNoSession
	}
	from := m.state
	m.set(Ending)
	if !m.host {
		return nil
	}
	if err := m.cfg.API.EndSession(ctx, m.session.ID); err != nil {
		m.set(from)
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// OnSessionEnded moves to Ended. It reports true only the first time, so a
// repeated session_ended does not tear down twice.
func (m *Machine) OnSessionEnded() bool {
	if m.idle() {
		return false
	}
	m.reconnecting, m.attempt = false, 0
	m.set(Ended)
	return true
}

// Kick removes a participant. Host only.
func (m *Machine) Kick(ctx context.Context, userID string) error {
	if !m.InSession() {
		return ErrNoSession
	}
	if !m.host {
		return ErrNotHost
	}
	if err := m.cfg.API.KickParticipant(ctx, m.session.ID, userID); err != nil {
		return fmt.Errorf("kick %s: %w", userID, err)
	}
	return nil
}

// SetReconnecting records a transport retry while the session stays live.
func (m *Machine) SetReconnecting(attempt int) {
	m.reconnecting, m.attempt = true, attempt
}

// SetConnected clears the reconnecting sub-state.
func (m *Machine) SetConnected() {
	m.reconnecting, m.attempt = false, 0
}

// SetRoster replaces the roster, as carried by init.
func (m *Machine) SetRoster(ps []wire.Participant) {
	m.roster = make(map[string]wire.Participant, len(ps))
	m.order = m.order[:0]
	for _, p := range ps {
		m.upsert(p)
	}
	m.session.ParticipantCount = len(m.order)
}

// OnUserJoined adds or reactivates a participant.
func (m *Machine) OnUserJoined(p wire.Participant) {
	p.IsActive = true
	m.upsert(p)
	m.session.ParticipantCount = len(m.order)
}

// OnUserLeft removes a participant. A host leaving temporarily stays on the
// roster, inactive, since they may reconnect.
func (m *Machine) OnUserLeft(userID string, temporary bool) {
	if p, ok := m.roster[userID]; ok && temporary {
		p.IsActive = false
		m.roster[userID] = p
		return
	}
	m.remove(userID)
}

// OnUserKicked removes a participant. It reports whether the local user was
// the one removed.
func (m *Machine) OnUserKicked(userID string) bool {
	m.remove(userID)
	return userID == m.cfg.Self
}

// Participant looks up a roster entry.
func (m *Machine) Participant(userID string) (wire.Participant, bool) {
	p, ok := m.roster[userID]
	return p, ok
}

// Participants returns the roster in arrival order.
func (m *Machine) Participants() []wire.Participant {
	out := make([]wire.Participant, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.roster[id])
	}
	return out
}

func (m *Machine) upsert(p wire.Participant) {
	if p.UserID == "" {
		return
	}
	if _, ok := m.roster[p.UserID]; !ok {
		m.order = append(m.order, p.UserID)
	}
	m.roster[p.UserID] = p
}

func (m *Machine) remove(userID string) {
	if _, ok := m.roster[userID]; !ok {
		return
	}
	delete(m.roster, userID)
	for i, id := range m.order {
		if id == userID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.session.ParticipantCount = len(m.order)
}
