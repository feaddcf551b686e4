package lobby

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storysync/internal/wire"
)

type fakeAPI struct {
	sessions map[string]wire.Session
	codes    map[string]string
	started  []string
	ended    []string
	kicked   []string
	fail     error
}

func newFakeAPI(sessions ...wire.Session) *fakeAPI {
	f := &fakeAPI{sessions: map[string]wire.Session{}, codes: map[string]string{}}
	for _, s := range sessions {
		f.sessions[s.ID] = s
		f.codes[s.JoinCode] = s.ID
	}
	return f
}

func (f *fakeAPI) CreateSession(_ context.Context, _ wire.StoryDraft) (wire.Session, error) {
	if f.fail != nil {
		return wire.Session{}, f.fail
	}
	s := wire.Session{ID: "s-new", JoinCode: "NEW123", HostID: "me", IsLobbyOpen: true, IsActive: true}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeAPI) GetSession(_ context.Context, id string) (wire.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return wire.Session{}, errors.New("not found")
	}
	return s, nil
}

func (f *fakeAPI) StartSession(_ context.Context, id string) error {
	f.started = append(f.started, id)
	return f.fail
}

func (f *fakeAPI) EndSession(_ context.Context, id string) error {
	f.ended = append(f.ended, id)
	return f.fail
}

func (f *fakeAPI) JoinByCode(_ context.Context, code string) (wire.Session, error) {
	id, ok := f.codes[code]
	if !ok {
		return wire.Session{}, errors.New("invalid code")
	}
	return wire.Session{ID: id}, nil
}

func (f *fakeAPI) KickParticipant(_ context.Context, _, userID string) error {
	f.kicked = append(f.kicked, userID)
	return f.fail
}

func TestCreate_HostSkipsLobby(t *testing.T) {
	var seen []State
	m := New(Config{Self: "me", API: newFakeAPI(), OnState: func(_, to State) { seen = append(seen, to) }})

	s, err := m.Create(context.Background(), wire.StoryDraft{Title: "Tale"})
	require.NoError(t, err)
	assert.Equal(t, "NEW123", s.JoinCode)
	assert.True(t, m.IsHost())
	assert.Equal(t, Active, m.State())
	assert.Equal(t, []State{Created, Active}, seen)

	_, err = m.Create(context.Background(), wire.StoryDraft{Title: "Again"})
	assert.ErrorIs(t, err, ErrBusy)
}

func TestJoin_WaitsInLobbyUntilStarted(t *testing.T) {
	api := newFakeAPI(wire.Session{
		ID: "s1", JoinCode: "ABC", HostID: "host", IsLobbyOpen: true, IsActive: true, ParticipantCount: 1,
		StoryDraft: &wire.StoryDraft{Pages: []wire.Page{{ID: "p1", Text: "  "}}},
	})
	m := New(Config{Self: "me", API: api})

	_, err := m.Join(context.Background(), "ABC")
	require.NoError(t, err)
	assert.Equal(t, Lobby, m.State())
	assert.False(t, m.Live())

	assert.ErrorIs(t, m.Start(context.Background()), ErrNotHost)

	assert.True(t, m.OnSessionStarted())
	assert.Equal(t, Active, m.State())
	assert.False(t, m.OnSessionStarted())
}

func TestJoin_BypassesLobby(t *testing.T) {
	cases := map[string]wire.Session{
		"lobby closed":      {IsLobbyOpen: false, ParticipantCount: 1},
		"draft has content": {IsLobbyOpen: true, ParticipantCount: 1, StoryDraft: &wire.StoryDraft{Pages: []wire.Page{{ID: "p1", Text: "Once"}}}},
		"others already in": {IsLobbyOpen: true, ParticipantCount: 2},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			s.ID, s.JoinCode, s.HostID = "s1", "ABC", "host"
			m := New(Config{Self: "me", API: newFakeAPI(s)})
			_, err := m.Join(context.Background(), "ABC")
			require.NoError(t, err)
			assert.Equal(t, Active, m.State())
		})
	}
}

func TestJoin_BadCodeReturnsToIdle(t *testing.T) {
	m := New(Config{Self: "me", API: newFakeAPI()})
	_, err := m.Join(context.Background(), "NOPE")
	require.Error(t, err)
	assert.Equal(t, Idle, m.State())
}

func TestResume_InactiveSession(t *testing.T) {
	api := newFakeAPI(wire.Session{ID: "s1", JoinCode: "ABC", HostID: "host", IsActive: false})
	m := New(Config{Self: "me", API: api})
	_, err := m.Resume(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, Idle, m.State())
}

func TestResume_HostRejoinsActive(t *testing.T) {
	api := newFakeAPI(wire.Session{ID: "s1", JoinCode: "ABC", HostID: "me", IsLobbyOpen: true, IsActive: true})
	m := New(Config{Self: "me", API: api})
	_, err := m.Resume(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, m.IsHost())
	assert.Equal(t, Active, m.State())
}

func TestEnd_IsIdempotent(t *testing.T) {
	api := newFakeAPI()
	m := New(Config{Self: "me", API: api})
	_, err := m.Create(context.Background(), wire.StoryDraft{Title: "Tale"})
	require.NoError(t, err)

	require.NoError(t, m.End(context.Background()))
	assert.Equal(t, Ending, m.State())
	assert.Equal(t, []string{"s-new"}, api.ended)

	assert.True(t, m.OnSessionEnded())
	assert.False(t, m.OnSessionEnded())
	assert.Equal(t, Ended, m.State())

	assert.ErrorIs(t, m.End(context.Background()), ErrNoSession)
}

func TestEnd_FailureKeepsSessionActive(t *testing.T) {
	api := newFakeAPI()
	m := New(Config{Self: "me", API: api})
	_, err := m.Create(context.Background(), wire.StoryDraft{Title: "Tale"})
	require.NoError(t, err)

	api.fail = errors.New("relay unavailable")
	assert.ErrorIs(t, m.End(context.Background()), api.fail)
	assert.Equal(t, Active, m.State())
	assert.True(t, m.Live())

	api.fail = nil
	require.NoError(t, m.End(context.Background()))
	assert.Equal(t, Ending, m.State())
	assert.Len(t, api.ended, 2)
}

func TestStart_HostClosesLobby(t *testing.T) {
	api := newFakeAPI()
	m := New(Config{Self: "me", API: api})
	_, err := m.Create(context.Background(), wire.StoryDraft{Title: "Tale"})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, []string{"s-new"}, api.started)
	assert.False(t, m.Session().IsLobbyOpen)
}

func TestReconnectingSubstate(t *testing.T) {
	m := New(Config{Self: "me", API: newFakeAPI()})
	_, err := m.Create(context.Background(), wire.StoryDraft{Title: "Tale"})
	require.NoError(t, err)

	m.SetReconnecting(3)
	on, attempt := m.Reconnecting()
	assert.True(t, on)
	assert.Equal(t, 3, attempt)
	assert.Equal(t, Active, m.State())

	m.SetConnected()
	on, _ = m.Reconnecting()
	assert.False(t, on)
}

func TestRoster(t *testing.T) {
	m := New(Config{Self: "me", API: newFakeAPI()})
	m.SetRoster([]wire.Participant{
		{UserID: "host", Username: "h", Role: wire.RoleHost, IsActive: true},
		{UserID: "me", Username: "m", IsActive: true},
	})
	m.OnUserJoined(wire.Participant{UserID: "u3", Username: "c"})
	assert.Len(t, m.Participants(), 3)
	assert.Equal(t, 3, m.Session().ParticipantCount)

	m.OnUserLeft("host", true)
	host, ok := m.Participant("host")
	require.True(t, ok)
	assert.False(t, host.IsActive)

	m.OnUserLeft("u3", false)
	_, ok = m.Participant("u3")
	assert.False(t, ok)

	assert.False(t, m.OnUserKicked("host"))
	assert.True(t, m.OnUserKicked("me"))
	assert.Empty(t, m.Participants())
}

func TestKick_HostOnly(t *testing.T) {
	api := newFakeAPI(wire.Session{ID: "s1", JoinCode: "ABC", HostID: "host", IsLobbyOpen: false, IsActive: true})
	m := New(Config{Self: "me", API: api})
	_, err := m.Join(context.Background(), "ABC")
	require.NoError(t, err)
	assert.ErrorIs(t, m.Kick(context.Background(), "u2"), ErrNotHost)
	assert.Empty(t, api.kicked)
}
