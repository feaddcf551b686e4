package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storysync/internal/presence"
	"storysync/internal/sessionapi"
	"storysync/internal/transport"
	"storysync/internal/wire"
)

type testRelay struct {
	srv   *httptest.Server
	svc   *Service
	store *MemoryStore
	snaps *MemorySnapshots
}

func newTestRelay(t *testing.T, opts Options) *testRelay {
	t.Helper()
	reg := prometheus.NewRegistry()
	tr := &testRelay{store: NewMemoryStore(), snaps: NewMemorySnapshots()}
	tr.svc = NewService(Config{
		Store:     tr.store,
		Snapshots: tr.snaps,
		Metrics:   NewMetrics(reg),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Options:   opts,
	})
	tr.srv = httptest.NewServer(NewServer(tr.svc, reg))
	t.Cleanup(tr.srv.Close)
	return tr
}

func (tr *testRelay) api(uid string) *sessionapi.Client {
	return sessionapi.New(tr.srv.URL, uid, strings.ToUpper(uid[:1])+uid[1:], tr.srv.Client())
}

func (tr *testRelay) wsURL(sessionID, uid string) string {
	return transport.SessionURL("ws"+strings.TrimPrefix(tr.srv.URL, "http"), sessionID, uid, uid, "")
}

type peer struct {
	t      *testing.T
	ws     *websocket.Conn
	frames chan wire.Message
	done   chan error
}

func (tr *testRelay) connect(t *testing.T, sessionID, uid string) *peer {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(tr.wsURL(sessionID, uid), nil)
	require.NoError(t, err)
	p := &peer{t: t, ws: ws, frames: make(chan wire.Message, 256), done: make(chan error, 1)}
	go func() {
		defer close(p.frames)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				p.done <- err
				return
			}
			if m, err := wire.Decode(data); err == nil {
				p.frames <- m
			}
		}
	}()
	t.Cleanup(func() { ws.Close() })
	return p
}

func (p *peer) send(m wire.Message) {
	p.t.Helper()
	require.NoError(p.t, p.ws.WriteJSON(m))
}

// expect skips frames until one of type typ arrives.
func (p *peer) expect(typ string) wire.Message {
	p.t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case m, ok := <-p.frames:
			if !ok {
				p.t.Fatalf("connection closed while waiting for %s", typ)
			}
			if m.Type == typ {
				return m
			}
		case <-timeout:
			p.t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// closeCode waits for the relay to close the connection.
func (p *peer) closeCode() int {
	p.t.Helper()
	select {
	case err := <-p.done:
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		return -1
	case <-time.After(3 * time.Second):
		p.t.Fatal("connection was not closed")
	}
	return 0
}

func (tr *testRelay) hostSession(t *testing.T, pages ...wire.Page) wire.Session {
	t.Helper()
	s, err := tr.api("host").CreateSession(context.Background(), wire.StoryDraft{Title: "Tale", Pages: pages})
	require.NoError(t, err)
	return s
}

func TestSessionAPI_Lifecycle(t *testing.T) {
	tr := newTestRelay(t, Options{})
	ctx := context.Background()
	host, guest := tr.api("host"), tr.api("guest")

	s, err := host.CreateSession(ctx, wire.StoryDraft{Title: "Tale", Pages: []wire.Page{{ID: "p1", Text: "Once"}}})
	require.NoError(t, err)
	assert.Len(t, s.JoinCode, 6)
	assert.Equal(t, "host", s.HostID)
	assert.True(t, s.IsLobbyOpen)
	require.NotNil(t, s.StoryDraft)
	assert.Equal(t, []wire.Page{{ID: "p1", Text: "Once"}}, s.StoryDraft.Pages)

	joined, err := guest.JoinByCode(ctx, " "+strings.ToLower(s.JoinCode)+" ")
	require.NoError(t, err)
	assert.Equal(t, s.ID, joined.ID)

	var apiErr *sessionapi.Error
	err = guest.StartSession(ctx, s.ID)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)

	require.NoError(t, host.StartSession(ctx, s.ID))
	got, err := guest.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, got.IsLobbyOpen)

	require.NoError(t, host.EndSession(ctx, s.ID))
	got, err = guest.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	_, err = guest.JoinByCode(ctx, s.JoinCode)
	assert.ErrorIs(t, err, sessionapi.ErrNotFound)
	_, err = guest.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, sessionapi.ErrNotFound)
}

func TestSessionAPI_RequiresUser(t *testing.T) {
	tr := newTestRelay(t, Options{})
	resp, err := http.Post(tr.srv.URL+"/api/collaborate/sessions", "application/json", strings.NewReader(`{"title":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRelay_InitAndJoin(t *testing.T) {
	tr := newTestRelay(t, Options{})
	s := tr.hostSession(t, wire.Page{ID: "p1", Text: "Once"})

	host := tr.connect(t, s.ID, "host")
	welcome := host.expect(wire.TypeInit)
	assert.Equal(t, "host", welcome.CurrentUserID)
	assert.Equal(t, presence.ColorFor("host"), welcome.YourColor)
	require.NotNil(t, welcome.StoryDraft)
	assert.Equal(t, "Tale", welcome.StoryDraft.Title)
	assert.Equal(t, []wire.Page{{ID: "p1", Text: "Once"}}, welcome.StoryDraft.Pages)
	require.Len(t, welcome.Participants, 1)
	assert.Equal(t, wire.RoleHost, welcome.Participants[0].Role)

	guest := tr.connect(t, s.ID, "guest")
	ginit := guest.expect(wire.TypeInit)
	assert.Len(t, ginit.Participants, 2)

	joined := host.expect(wire.TypeUserJoined)
	assert.Equal(t, "guest", joined.UserID)
	assert.False(t, joined.IsHost)

	host.send(wire.Message{Type: wire.TypePresenceUpdate, CurrentTool: "brush", Activity: wire.ActivityTypingText})
	pres := guest.expect(wire.TypePresenceUpdate)
	assert.Equal(t, "host", pres.UserID)
	assert.Equal(t, "brush", pres.CurrentTool)
	assert.Equal(t, presence.ColorFor("host"), pres.CursorColor)

	got, err := tr.api("guest").GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ParticipantCount)
}

func TestRelay_PageAuthority(t *testing.T) {
	tr := newTestRelay(t, Options{})
	s := tr.hostSession(t, wire.Page{ID: "p1"})
	host := tr.connect(t, s.ID, "host")
	host.expect(wire.TypeInit)
	guest := tr.connect(t, s.ID, "guest")
	guest.expect(wire.TypeInit)

	host.send(wire.Message{Type: wire.TypeAddPage, PageIndex: wire.Int(7)})
	added := host.expect(wire.TypePageAdded)
	assert.Equal(t, 1, *added.PageIndex)
	assert.NotEmpty(t, added.PageID)
	assert.Equal(t, "host", added.UserID)
	assert.Equal(t, added.PageID, guest.expect(wire.TypePageAdded).PageID)

	guest.send(wire.Message{Type: wire.TypeTextEdit, PageID: added.PageID, PageIndex: wire.Int(0), Text: wire.String("second")})
	edit := host.expect(wire.TypeTextEdit)
	assert.Equal(t, 1, *edit.PageIndex, "relay corrects the index from the page id")
	assert.Equal(t, "second", *edit.Text)
	assert.Equal(t, "guest", edit.UserID)

	guest.send(wire.Message{Type: wire.TypePageChange, PageNumber: wire.Int(1)})
	host.expect(wire.TypePageChange)

	host.send(wire.Message{Type: wire.TypeDeletePage, PageID: added.PageID})
	refused := host.expect(wire.TypeError)
	assert.Contains(t, refused.Notice, "being viewed")

	host.send(wire.Message{Type: wire.TypeGetPageViewers})
	viewers := host.expect(wire.TypePageViewersResponse)
	require.Len(t, viewers.PageViewers[1], 1)
	assert.Equal(t, "guest", viewers.PageViewers[1][0].UserID)

	guest.send(wire.Message{Type: wire.TypePageChange, PageNumber: wire.Int(0)})
	host.expect(wire.TypePageChange)
	host.send(wire.Message{Type: wire.TypeDeletePage, PageIndex: wire.Int(1)})
	deleted := guest.expect(wire.TypePageDeleted)
	assert.Equal(t, 1, *deleted.PageIndex)
	assert.Equal(t, added.PageID, deleted.PageID)
	host.expect(wire.TypePageDeleted)

	host.send(wire.Message{Type: wire.TypeDeletePage, PageIndex: wire.Int(0)})
	assert.Contains(t, host.expect(wire.TypeError).Notice, "last remaining page")

	host.send(wire.Message{Type: wire.TypeTitleEdit, Title: "   "})
	host.send(wire.Message{Type: wire.TypeTitleEdit, Title: "Renamed"})
	assert.Equal(t, "Renamed", guest.expect(wire.TypeTitleEdit).Title)

	stored, err := tr.store.Session(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", stored.Draft.Title)
	assert.Equal(t, []wire.Page{{ID: "p1"}}, stored.Draft.Pages)
}

func TestRelay_CanvasRelayAndSnapshot(t *testing.T) {
	tr := newTestRelay(t, Options{})
	s := tr.hostSession(t, wire.Page{ID: "p1"})
	host := tr.connect(t, s.ID, "host")
	host.expect(wire.TypeInit)
	guest := tr.connect(t, s.ID, "guest")
	guest.expect(wire.TypeInit)

	op := &wire.DrawOp{Kind: wire.OpPath, Points: []wire.Point{{X: 1, Y: 1}, {X: 5, Y: 5}}, Color: "#ff0000"}
	host.send(wire.Message{Type: wire.TypeDraw, PageID: "p1", Op: op})
	got := guest.expect(wire.TypeDraw)
	assert.Equal(t, "p1", got.PageID)
	assert.Equal(t, op, got.Op)

	host.send(wire.Message{Type: wire.TypeCanvasSnapshot, IsCoverImage: true, CanvasDataURL: "data:image/png;base64,AAAA"})
	host.send(wire.Message{Type: wire.TypeCanvasSnapshot, PageID: "p1", CanvasDataURL: "data:image/png;base64,BBBB"})
	host.send(wire.Message{Type: wire.TypeTitleEdit, Title: "sync"})
	guest.expect(wire.TypeTitleEdit)

	late := tr.connect(t, s.ID, "late")
	welcome := late.expect(wire.TypeInit)
	assert.Equal(t, map[string]string{
		wire.CoverPageKey: "data:image/png;base64,AAAA",
		"p1":              "data:image/png;base64,BBBB",
	}, welcome.CanvasData)

	host.send(wire.Message{Type: wire.TypeClear, PageID: "p1"})
	guest.expect(wire.TypeClear)
	stored, err := tr.snaps.List(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{wire.CoverPageKey: "data:image/png;base64,AAAA"}, stored)
}

func TestRelay_VoteApprovedAndFinalized(t *testing.T) {
	tr := newTestRelay(t, Options{})
	s := tr.hostSession(t, wire.Page{ID: "p1", Text: "The end"})
	host := tr.connect(t, s.ID, "host")
	host.expect(wire.TypeInit)
	guest := tr.connect(t, s.ID, "guest")
	guest.expect(wire.TypeInit)

	host.send(wire.Message{Type: wire.TypeInitiateVote})
	opened := guest.expect(wire.TypeVoteInitiated)
	assert.Equal(t, "host", opened.InitiatedBy)
	assert.Equal(t, 2, opened.TotalParticipants)

	guest.send(wire.Message{Type: wire.TypeInitiateVote})
	assert.Contains(t, guest.expect(wire.TypeError).Notice, "already in progress")

	host.send(wire.Message{Type: wire.TypeVoteSave, VoteID: opened.VoteID, Vote: wire.Bool(true)})
	update := guest.expect(wire.TypeVoteUpdate)
	assert.Equal(t, 1, update.YesVotes)

	host.send(wire.Message{Type: wire.TypeVoteSave, VoteID: opened.VoteID, Vote: wire.Bool(true)})
	assert.Contains(t, host.expect(wire.TypeError).Notice, "already voted")

	guest.send(wire.Message{Type: wire.TypeVoteSave, VoteID: opened.VoteID, Vote: wire.Bool(true)})
	result := guest.expect(wire.TypeVoteResult)
	assert.True(t, *result.Approved)
	assert.Equal(t, "host", result.InitiatedBy)

	guest.send(wire.Message{Type: wire.TypeFinalizeStory, Genres: []string{"fantasy"}})
	assert.Contains(t, guest.expect(wire.TypeError).Notice, "initiator")

	host.send(wire.Message{Type: wire.TypeFinalizeStory, Genres: []string{"fantasy"}, Category: "kids"})
	fin := guest.expect(wire.TypeStoryFinalized)
	require.NotEmpty(t, fin.StoryID)
	assert.Equal(t, "vote", guest.expect(wire.TypeSessionEnded).EndedBy)
	host.expect(wire.TypeSessionEnded)
	assert.Equal(t, CloseSessionEnded, guest.closeCode())
	assert.Equal(t, CloseSessionEnded, host.closeCode())

	story, ok := tr.store.Story(fin.StoryID)
	require.True(t, ok)
	assert.Equal(t, "Tale", story.Title)
	assert.Equal(t, []wire.Page{{ID: "p1", Text: "The end"}}, story.Pages)
	assert.Equal(t, []string{"fantasy"}, story.Genres)
	assert.ElementsMatch(t, []string{"host", "guest"}, story.Authors)

	stored, err := tr.store.Session(context.Background(), s.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
}

func TestRelay_VoteRejectedByAnyNo(t *testing.T) {
	tr := newTestRelay(t, Options{})
	s := tr.hostSession(t)
	host := tr.connect(t, s.ID, "host")
	host.expect(wire.TypeInit)
	guest := tr.connect(t, s.ID, "guest")
	guest.expect(wire.TypeInit)

	host.send(wire.Message{Type: wire.TypeInitiateVote})
	opened := host.expect(wire.TypeVoteInitiated)
	guest.send(wire.Message{Type: wire.TypeVoteSave, VoteID: opened.VoteID, Vote: wire.Bool(false)})
	result := host.expect(wire.TypeVoteResult)
	assert.False(t, *result.Approved)
	assert.Equal(t, 1, result.NoVotes)

	host.send(wire.Message{Type: wire.TypeFinalizeStory})
	host.expect(wire.TypeError)

	host.send(wire.Message{Type: wire.TypeInitiateVote})
	assert.NotEqual(t, opened.VoteID, guest.expect(wire.TypeVoteInitiated).VoteID)
}

func TestRelay_VoteResolvesWhenVoterLeaves(t *testing.T) {
	tr := newTestRelay(t, Options{})
	s := tr.hostSession(t)
	host := tr.connect(t, s.ID, "host")
	host.expect(wire.TypeInit)
	guest := tr.connect(t, s.ID, "guest")
	guest.expect(wire.TypeInit)

	host.send(wire.Message{Type: wire.TypeInitiateVote})
	opened := host.expect(wire.TypeVoteInitiated)
	host.send(wire.Message{Type: wire.TypeVoteSave, VoteID: opened.VoteID, Vote: wire.Bool(true)})
	host.expect(wire.TypeVoteUpdate)

	guest.ws.Close()
	left := host.expect(wire.TypeUserLeft)
	assert.Equal(t, "guest", left.UserID)
	assert.False(t, left.Temporary)
	assert.True(t, *host.expect(wire.TypeVoteResult).Approved)
}

// approveGuestVote opens a ballot as guest and has both members approve it.
func approveGuestVote(t *testing.T, host, guest *peer) wire.Message {
	t.Helper()
	guest.send(wire.Message{Type: wire.TypeInitiateVote})
	opened := host.expect(wire.TypeVoteInitiated)
	require.Equal(t, "guest", opened.InitiatedBy)
	host.send(wire.Message{Type: wire.TypeVoteSave, VoteID: opened.VoteID, Vote: wire.Bool(true)})
	guest.send(wire.Message{Type: wire.TypeVoteSave, VoteID: opened.VoteID, Vote: wire.Bool(true)})
	require.True(t, *host.expect(wire.TypeVoteResult).Approved)
	return opened
}

func TestRelay_ApprovedSaveCancelledWhenInitiatorLeaves(t *testing.T) {
	tr := newTestRelay(t, Options{})
	s := tr.hostSession(t)
	host := tr.connect(t, s.ID, "host")
	host.expect(wire.TypeInit)
	guest := tr.connect(t, s.ID, "guest")
	guest.expect(wire.TypeInit)

	opened := approveGuestVote(t, host, guest)
	guest.ws.Close()
	host.expect(wire.TypeUserLeft)
	cancelled := host.expect(wire.TypeSaveCancelled)
	assert.Equal(t, opened.VoteID, cancelled.VoteID)
	assert.Equal(t, "guest", cancelled.UserID)

	host.send(wire.Message{Type: wire.TypeInitiateVote})
	assert.NotEqual(t, opened.VoteID, host.expect(wire.TypeVoteInitiated).VoteID)
}

func TestRelay_ApprovedSaveCancelledWhenInitiatorKicked(t *testing.T) {
	tr := newTestRelay(t, Options{})
	s := tr.hostSession(t)
	host := tr.connect(t, s.ID, "host")
	host.expect(wire.TypeInit)
	guest := tr.connect(t, s.ID, "guest")
	guest.expect(wire.TypeInit)

	opened := approveGuestVote(t, host, guest)
	require.NoError(t, tr.api("host").KickParticipant(context.Background(), s.ID, "guest"))
	assert.Equal(t, opened.VoteID, host.expect(wire.TypeSaveCancelled).VoteID)

	host.send(wire.Message{Type: wire.TypeInitiateVote})
	host.expect(wire.TypeVoteInitiated)
}

func TestRelay_HostLeaveIsTemporary(t *testing.T) {
	tr := newTestRelay(t, Options{})
	s := tr.hostSession(t)
	host := tr.connect(t, s.ID, "host")
	host.expect(wire.TypeInit)
	guest := tr.connect(t, s.ID, "guest")
	guest.expect(wire.TypeInit)

	host.ws.Close()
	left := guest.expect(wire.TypeUserLeft)
	assert.Equal(t, "host", left.UserID)
	assert.True(t, left.Temporary)

	again := tr.connect(t, s.ID, "host")
	welcome := again.expect(wire.TypeInit)
	assert.Equal(t, "host", welcome.Participants[0].UserID)
	assert.True(t, welcome.Participants[0].IsActive)
}

func TestRelay_SessionFull(t *testing.T) {
	tr := newTestRelay(t, Options{MaxConnections: 2})
	s := tr.hostSession(t)
	tr.connect(t, s.ID, "host").expect(wire.TypeInit)
	tr.connect(t, s.ID, "a").expect(wire.TypeInit)

	third := tr.connect(t, s.ID, "b")
	assert.Equal(t, CloseSessionFull, third.closeCode())
}

func TestRelay_Kick(t *testing.T) {
	tr := newTestRelay(t, Options{})
	s := tr.hostSession(t)
	host := tr.connect(t, s.ID, "host")
	host.expect(wire.TypeInit)
	guest := tr.connect(t, s.ID, "guest")
	guest.expect(wire.TypeInit)

	ctx := context.Background()
	var apiErr *sessionapi.Error
	require.ErrorAs(t, tr.api("guest").KickParticipant(ctx, s.ID, "host"), &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)

	require.NoError(t, tr.api("host").KickParticipant(ctx, s.ID, "guest"))
	assert.Equal(t, "guest", guest.expect(wire.TypeUserKicked).TargetUserID)
	assert.Equal(t, CloseRemoved, guest.closeCode())
	assert.Equal(t, "guest", host.expect(wire.TypeUserKicked).TargetUserID)

	_, resp, err := websocket.DefaultDialer.Dial(tr.wsURL(s.ID, "guest"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, err = tr.api("guest").JoinByCode(ctx, s.JoinCode)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
}

func TestRelay_StartAndEndOverSocket(t *testing.T) {
	tr := newTestRelay(t, Options{})
	s := tr.hostSession(t)
	host := tr.connect(t, s.ID, "host")
	host.expect(wire.TypeInit)
	guest := tr.connect(t, s.ID, "guest")
	guest.expect(wire.TypeInit)

	guest.send(wire.Message{Type: wire.TypeStartSession})
	assert.Equal(t, "Only the host can do that.", guest.expect(wire.TypeError).Notice)

	host.send(wire.Message{Type: wire.TypeStartSession})
	guest.expect(wire.TypeSessionStarted)

	host.send(wire.Message{Type: wire.TypeEndSession})
	assert.Equal(t, "host", guest.expect(wire.TypeSessionEnded).EndedBy)
	assert.Equal(t, CloseSessionEnded, guest.closeCode())

	_, resp, err := websocket.DefaultDialer.Dial(tr.wsURL(s.ID, "guest"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRelay_Metrics(t *testing.T) {
	tr := newTestRelay(t, Options{})
	s := tr.hostSession(t)
	host := tr.connect(t, s.ID, "host")
	host.expect(wire.TypeInit)
	host.send(wire.Message{Type: wire.TypeRequestPageViewers})
	host.expect(wire.TypePageViewersResponse)

	resp, err := http.Get(tr.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `storysync_relay_frames_total{type="request_page_viewers"} 1`)
	assert.Contains(t, string(body), "storysync_relay_connections 1")
}
