package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"storysync/internal/presence"
	"storysync/internal/vote"
	"storysync/internal/wire"
)

var errSessionFull = errors.New("relay: session is full")

// Hub maps session ids to the rooms live on this process.
type Hub struct {
	svc   *Service
	mu    sync.Mutex
	rooms map[string]*Room
}

func newHub(svc *Service) *Hub {
	return &Hub{svc: svc, rooms: make(map[string]*Room)}
}

// join attaches c to its session's room, starting the room if needed.
func (h *Hub) join(ctx context.Context, sessionID string, c *Client) (*Room, error) {
	for {
		r, err := h.room(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		req := joinRequest{c: c, reply: make(chan error, 1)}
		select {
		case r.register <- req:
			return r, <-req.reply
		case <-r.done:
			// The room emptied and stopped between lookup and register.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (h *Hub) room(ctx context.Context, id string) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[id]; ok {
		return r, nil
	}
	sess, err := h.svc.store.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.IsActive {
		return nil, ErrNotFound
	}
	canvas, err := h.svc.snaps.List(ctx, id)
	if err != nil {
		h.svc.log.Warn("canvas snapshots unavailable", "session_id", id, "error", err)
		canvas = nil
	}
	sub, err := h.svc.broker.Subscribe(ctx, sessionTopic(id))
	if err != nil {
		return nil, fmt.Errorf("room %s: %w", id, err)
	}
	r := newRoom(h.svc, sess, canvas, sub)
	h.rooms[id] = r
	h.svc.metrics.roomOpened()
	go r.run()
	return r, nil
}

func (h *Hub) release(r *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[r.id] == r {
		delete(h.rooms, r.id)
		h.svc.metrics.roomClosed()
	}
}

// Rooms reports how many rooms are live.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

type joinRequest struct {
	c     *Client
	reply chan error
}

type inbound struct {
	c *Client
	m wire.Message
}

type member struct {
	p     wire.Participant
	page  int
	conns int
}

// Room is the authoritative process for one session. All of its state is
// owned by the run goroutine; inbound frames are applied one at a time in
// arrival order, which is the only ordering clients ever see.
type Room struct {
	id  string
	svc *Service
	log *slog.Logger

	session Session
	canvas  map[string]string
	clients map[*Client]struct{}
	members map[string]*member
	order   []string
	ballot  *vote.Ballot
	ended   bool

	register   chan joinRequest
	unregister chan *Client
	inbound    chan inbound
	sub        Subscription
	done       chan struct{}
}

func newRoom(svc *Service, sess Session, canvas map[string]string, sub Subscription) *Room {
	if canvas == nil {
		canvas = make(map[string]string)
	}
	r := &Room{
		id:         sess.ID,
		svc:        svc,
		log:        svc.log.With("session_id", sess.ID),
		session:    sess,
		canvas:     canvas,
		clients:    make(map[*Client]struct{}),
		members:    make(map[string]*member),
		register:   make(chan joinRequest),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 64),
		sub:        sub,
		done:       make(chan struct{}),
	}
	// Known participants start disconnected.
	for _, p := range sess.Participants {
		p.IsActive = false
		r.upsert(p)
	}
	return r
}

func (r *Room) run() {
	r.log.Info("room opened")
	for {
		select {
		case req := <-r.register:
			req.reply <- r.join(req.c)
		case c := <-r.unregister:
			r.drop(c)
		case in := <-r.inbound:
			r.handle(in.c, in.m)
		case payload, ok := <-r.sub.Messages():
			if !ok {
				r.log.Error("broker subscription closed")
				r.ended = true
				break
			}
			r.deliver(payload)
		}
		if r.ended || len(r.clients) == 0 {
			r.stop()
			return
		}
	}
}

func (r *Room) stop() {
	r.svc.hub.release(r)
	close(r.done)
	if err := r.sub.Close(); err != nil {
		r.log.Warn("closing broker subscription", "error", err)
	}
	for c := range r.clients {
		r.closeClient(c, CloseSessionEnded, "session ended")
	}
	r.log.Info("room closed", "ended", r.ended)
}

// receive queues a frame from c. It reports false once the room is gone.
func (r *Room) receive(c *Client, m wire.Message) bool {
	select {
	case r.inbound <- inbound{c: c, m: m}:
		return true
	case <-r.done:
		return false
	}
}

// leave unregisters c from its read goroutine.
func (r *Room) leave(c *Client) {
	select {
	case r.unregister <- c:
	case <-r.done:
	}
}

func (r *Room) join(c *Client) error {
	uid := c.user.UserID
	if r.session.IsKicked(uid) {
		r.svc.metrics.refused("removed")
		return ErrKicked
	}
	if len(r.clients) >= r.svc.opts.MaxConnections {
		r.svc.metrics.refused("full")
		r.log.Warn("session full", "user_id", uid, "connections", len(r.clients))
		return errSessionFull
	}
	r.clients[c] = struct{}{}

	m, known := r.members[uid]
	if !known {
		role := wire.RoleParticipant
		if uid == r.session.HostID {
			role = wire.RoleHost
		}
		m = r.upsert(wire.Participant{UserID: uid, Role: role})
	}
	m.p.Username, m.p.DisplayName = c.user.Username, c.user.DisplayName
	m.p.CursorColor = presence.ColorFor(uid)
	m.p.IsActive = true
	m.conns++

	r.sendTo(c, r.initFrame(uid))
	if m.conns == 1 {
		r.broadcast(wire.Message{
			Type:        wire.TypeUserJoined,
			UserID:      uid,
			Username:    m.p.Username,
			DisplayName: m.p.DisplayName,
			CursorColor: m.p.CursorColor,
			IsHost:      m.p.Role == wire.RoleHost,
		}, c)
	}
	r.saveParticipants()
	r.log.Info("participant connected", "user_id", uid, "connections", len(r.clients))
	return nil
}

func (r *Room) initFrame(uid string) wire.Message {
	d := r.session.Draft
	d.Pages = slices.Clone(d.Pages)
	return wire.Message{
		Type:          wire.TypeInit,
		SessionID:     r.id,
		Participants:  r.participants(),
		StoryDraft:    &d,
		CanvasData:    r.canvasData(),
		YourColor:     presence.ColorFor(uid),
		CurrentUserID: uid,
	}
}

func (r *Room) canvasData() map[string]string {
	if len(r.canvas) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.canvas))
	for k, v := range r.canvas {
		out[k] = v
	}
	return out
}

func (r *Room) drop(c *Client) {
	if _, ok := r.clients[c]; !ok {
		return
	}
	delete(r.clients, c)
	close(c.send)

	uid := c.user.UserID
	m, ok := r.members[uid]
	if !ok {
		return
	}
	m.conns--
	if m.conns > 0 {
		return
	}
	host := uid == r.session.HostID
	if host {
		m.p.IsActive = false
	} else {
		r.remove(uid)
	}
	r.broadcast(wire.Message{
		Type:        wire.TypeUserLeft,
		UserID:      uid,
		Username:    m.p.Username,
		DisplayName: m.p.DisplayName,
		Temporary:   host,
	}, nil)
	r.settleBallot(uid)
	r.saveParticipants()
	r.log.Info("participant disconnected", "user_id", uid, "temporary", host)
}

func (r *Room) closeClient(c *Client, code int, text string) {
	if _, ok := r.clients[c]; !ok {
		return
	}
	delete(r.clients, c)
	c.closeCode, c.closeText = code, text
	close(c.send)
}

// handle applies one inbound frame.
func (r *Room) handle(c *Client, m wire.Message) {
	if _, ok := r.clients[c]; !ok {
		return
	}
	uid := c.user.UserID
	m.SessionID = r.id
	m.UserID = uid
	m.Username = c.user.Username
	m.DisplayName = c.user.DisplayName
	r.svc.metrics.frame(m.Type)

	switch m.Type {
	case wire.TypeTitleEdit:
		if strings.TrimSpace(m.Title) == "" {
			return
		}
		r.session.Draft.Title = m.Title
		r.saveDraft()
		r.broadcast(m, c)
	case wire.TypeTextEdit:
		r.textEdit(c, m)
	case wire.TypePageChange:
		if m.PageNumber == nil || *m.PageNumber < 0 || *m.PageNumber >= len(r.session.Draft.Pages) {
			return
		}
		r.members[uid].page = *m.PageNumber
		r.broadcast(m, c)
	case wire.TypeAddPage:
		r.addPage(m)
	case wire.TypeDeletePage:
		r.deletePage(c, m)
	case wire.TypeGetPageViewers, wire.TypeRequestPageViewers:
		r.sendTo(c, wire.Message{Type: wire.TypePageViewersResponse, SessionID: r.id, PageViewers: r.pageViewers()})
	case wire.TypePresenceUpdate, wire.TypeCursor:
		mem := r.members[uid]
		if m.Activity != "" {
			mem.p.Activity = m.Activity
		}
		if m.CurrentTool != "" {
			mem.p.CurrentTool = m.CurrentTool
		}
		m.CursorColor = mem.p.CursorColor
		r.broadcast(m, c)
	case wire.TypeDraw:
		r.broadcast(m, c)
	case wire.TypeClear:
		r.forgetCanvas(m.PageKey())
		r.broadcast(m, c)
	case wire.TypeCanvasSnapshot:
		r.storeCanvas(m.PageKey(), m.CanvasDataURL)
	case wire.TypeInitiateVote:
		r.initiateVote(c)
	case wire.TypeVoteSave:
		r.castVote(c, m)
	case wire.TypeFinalizeStory:
		r.finalize(c, m)
	case wire.TypeSaveCancelled:
		if r.ballot == nil || r.ballot.Outcome() != vote.Approved || r.ballot.InitiatedBy != uid {
			r.sendError(c, "There is no save to cancel.")
			return
		}
		r.ballot = nil
		r.broadcast(m, c)
	case wire.TypeKickUser:
		r.hostAction(c, func(ctx context.Context) error {
			return r.svc.Kick(ctx, uid, r.id, m.TargetUserID)
		})
	case wire.TypeStartSession:
		r.hostAction(c, func(ctx context.Context) error {
			return r.svc.Start(ctx, uid, r.id)
		})
	case wire.TypeEndSession:
		r.hostAction(c, func(ctx context.Context) error {
			return r.svc.End(ctx, uid, r.id)
		})
	default:
		r.log.Debug("unknown frame type", "type", m.Type, "user_id", uid)
		r.sendError(c, fmt.Sprintf("Unknown message type %q.", m.Type))
	}
}

// resolvePage maps a frame to a page, preferring the stable id.
func (r *Room) resolvePage(m wire.Message) int {
	pages := r.session.Draft.Pages
	if m.PageID != "" {
		if i := slices.IndexFunc(pages, func(p wire.Page) bool { return p.ID == m.PageID }); i >= 0 {
			return i
		}
	}
	if m.PageIndex != nil && *m.PageIndex >= 0 && *m.PageIndex < len(pages) {
		return *m.PageIndex
	}
	return -1
}

func (r *Room) textEdit(c *Client, m wire.Message) {
	if m.Text == nil {
		return
	}
	i := r.resolvePage(m)
	if i < 0 {
		r.sendError(c, "That page no longer exists.")
		return
	}
	r.session.Draft.Pages[i].Text = *m.Text
	m.PageIndex = wire.Int(i)
	m.PageID = r.session.Draft.Pages[i].ID
	r.saveDraft()
	r.broadcast(m, c)
}

func (r *Room) addPage(m wire.Message) {
	pages := r.session.Draft.Pages
	i := len(pages)
	if m.PageIndex != nil && *m.PageIndex >= 0 && *m.PageIndex <= len(pages) {
		i = *m.PageIndex
	}
	p := wire.Page{ID: uuid.NewString()}
	if m.Text != nil {
		p.Text = *m.Text
	}
	r.session.Draft.Pages = slices.Insert(pages, i, p)
	r.saveDraft()
	r.broadcast(wire.Message{
		Type:      wire.TypePageAdded,
		UserID:    m.UserID,
		Username:  m.Username,
		PageIndex: wire.Int(i),
		PageID:    p.ID,
		Text:      wire.String(p.Text),
	}, nil)
}

func (r *Room) deletePage(c *Client, m wire.Message) {
	i := r.resolvePage(m)
	switch {
	case i < 0:
		r.sendError(c, "That page no longer exists.")
		return
	case len(r.session.Draft.Pages) <= 1:
		r.sendError(c, "Cannot delete the last remaining page.")
		return
	}
	for uid, mem := range r.members {
		if uid != c.user.UserID && mem.conns > 0 && mem.page == i {
			r.sendError(c, fmt.Sprintf("Page %d is being viewed by %s.", i+1, mem.p.Name()))
			return
		}
	}
	p := r.session.Draft.Pages[i]
	r.session.Draft.Pages = slices.Delete(r.session.Draft.Pages, i, i+1)
	for _, mem := range r.members {
		switch {
		case mem.page > i:
			mem.page--
		case mem.page == i:
			mem.page = max(0, i-1)
		}
	}
	r.forgetCanvas(p.ID)
	r.saveDraft()
	r.broadcast(wire.Message{
		Type:      wire.TypePageDeleted,
		UserID:    m.UserID,
		Username:  m.Username,
		PageIndex: wire.Int(i),
		PageID:    p.ID,
	}, nil)
}

func (r *Room) pageViewers() map[int][]wire.Viewer {
	out := make(map[int][]wire.Viewer)
	for _, uid := range r.order {
		mem := r.members[uid]
		if mem.conns == 0 || mem.page < 0 {
			continue
		}
		out[mem.page] = append(out[mem.page], wire.Viewer{
			UserID:      uid,
			Username:    mem.p.Username,
			DisplayName: mem.p.DisplayName,
			CursorColor: mem.p.CursorColor,
		})
	}
	return out
}

func (r *Room) storeCanvas(key, dataURL string) {
	if key == "" || dataURL == "" {
		return
	}
	r.canvas[key] = dataURL
	ctx, cancel := r.storeContext()
	defer cancel()
	if err := r.svc.snaps.Put(ctx, r.id, key, dataURL); err != nil {
		r.log.Warn("saving canvas snapshot", "page_key", key, "error", err)
	}
}

func (r *Room) forgetCanvas(key string) {
	if _, ok := r.canvas[key]; !ok {
		return
	}
	delete(r.canvas, key)
	ctx, cancel := r.storeContext()
	defer cancel()
	if err := r.svc.snaps.Delete(ctx, r.id, key); err != nil {
		r.log.Warn("deleting canvas snapshot", "page_key", key, "error", err)
	}
}

func (r *Room) initiateVote(c *Client) {
	if r.ballot != nil {
		r.sendError(c, "A vote is already in progress.")
		return
	}
	r.ballot = vote.NewBallot(uuid.NewString(), c.user.UserID, r.activeCount())
	r.log.Info("vote opened", "vote_id", r.ballot.ID, "initiated_by", c.user.UserID, "total", r.ballot.Total)
	r.broadcast(wire.Message{
		Type:              wire.TypeVoteInitiated,
		UserID:            c.user.UserID,
		Username:          c.user.Username,
		VoteID:            r.ballot.ID,
		InitiatedBy:       c.user.UserID,
		TotalParticipants: r.ballot.Total,
	}, nil)
}

func (r *Room) castVote(c *Client, m wire.Message) {
	b := r.ballot
	if b == nil || b.Outcome() != vote.Pending || (m.VoteID != "" && m.VoteID != b.ID) {
		r.sendError(c, "There is no vote in progress.")
		return
	}
	if m.Vote == nil {
		r.sendError(c, "A vote needs a yes or no.")
		return
	}
	outcome, err := b.Cast(c.user.UserID, *m.Vote)
	if err != nil {
		r.sendError(c, "You have already voted.")
		return
	}
	yes, no := b.Tally()
	r.broadcast(wire.Message{
		Type:              wire.TypeVoteUpdate,
		VoteID:            b.ID,
		Votes:             b.Votes(),
		YesVotes:          yes,
		NoVotes:           no,
		TotalParticipants: b.Total,
	}, nil)
	r.closeVote(outcome)
}

func (r *Room) closeVote(outcome vote.Outcome) {
	b := r.ballot
	if b == nil || outcome == vote.Pending {
		return
	}
	yes, no := b.Tally()
	r.log.Info("vote closed", "vote_id", b.ID, "outcome", outcome.String(), "yes", yes, "no", no)
	r.svc.metrics.voteClosed(outcome.String())
	r.broadcast(wire.Message{
		Type:              wire.TypeVoteResult,
		VoteID:            b.ID,
		InitiatedBy:       b.InitiatedBy,
		Approved:          wire.Bool(outcome == vote.Approved),
		YesVotes:          yes,
		NoVotes:           no,
		TotalParticipants: b.Total,
	}, nil)
	if outcome == vote.Rejected {
		r.ballot = nil
	}
}

func (r *Room) finalize(c *Client, m wire.Message) {
	b := r.ballot
	if b == nil || b.Outcome() != vote.Approved || b.InitiatedBy != c.user.UserID {
		r.sendError(c, "Only the vote initiator can finalize an approved story.")
		return
	}
	ctx, cancel := r.storeContext()
	defer cancel()
	authors := make([]string, 0, len(r.order))
	for _, uid := range r.order {
		authors = append(authors, r.members[uid].p.Name())
	}
	storyID, err := r.svc.store.SaveStory(ctx, Story{
		SessionID: r.id,
		Title:     r.session.Draft.Title,
		Pages:     slices.Clone(r.session.Draft.Pages),
		Genres:    m.Genres,
		Category:  m.Category,
		Authors:   authors,
		CreatedAt: r.svc.now(),
	})
	if err != nil {
		r.log.Error("saving finalized story", "error", err)
		r.sendError(c, "The story could not be saved. Try again.")
		return
	}
	r.svc.metrics.storySaved()
	r.ballot = nil
	r.broadcast(wire.Message{
		Type:    wire.TypeStoryFinalized,
		StoryID: storyID,
		Notice:  "Story saved! Everyone's work is now part of the library.",
	}, nil)
	if err := r.svc.end(ctx, r.id, "vote"); err != nil {
		r.log.Error("ending session after finalize", "error", err)
	}
}

func (r *Room) hostAction(c *Client, fn func(ctx context.Context) error) {
	ctx, cancel := r.storeContext()
	defer cancel()
	err := fn(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrForbidden):
		r.log.Warn("host action refused", "user_id", c.user.UserID, "error", err)
		r.sendError(c, "Only the host can do that.")
	default:
		r.log.Error("host action failed", "user_id", c.user.UserID, "error", err)
		r.sendError(c, "That did not work. Try again.")
	}
}

// deliver fans a broker payload out to this process's connections and
// applies lifecycle events published by any process.
func (r *Room) deliver(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.log.Warn("bad broker payload", "error", err)
		return
	}
	m, err := wire.Decode(env.Frame)
	if err != nil {
		r.log.Warn("bad broker frame", "error", err)
		return
	}
	for c := range r.clients {
		if c.id != env.Skip {
			r.push(c, env.Frame)
		}
	}
	switch m.Type {
	case wire.TypeSessionStarted:
		r.session.IsLobbyOpen = false
	case wire.TypeUserKicked:
		r.kicked(m.TargetUserID)
	case wire.TypeSessionEnded:
		r.session.IsActive = false
		r.ended = true
	}
}

func (r *Room) kicked(uid string) {
	if !r.session.IsKicked(uid) {
		r.session.Kicked = append(r.session.Kicked, uid)
	}
	r.remove(uid)
	for c := range r.clients {
		if c.user.UserID == uid {
			r.closeClient(c, CloseRemoved, "removed from session")
		}
	}
	r.settleBallot(uid)
}

// settleBallot re-evaluates the open ballot after uid left. A pending
// ballot is recounted against the remaining participants; an approved one
// is cancelled when its initiator left.
func (r *Room) settleBallot(uid string) {
	b := r.ballot
	if b == nil {
		return
	}
	switch b.Outcome() {
	case vote.Pending:
		r.closeVote(b.SetTotal(r.activeCount()))
	case vote.Approved:
		if b.InitiatedBy != uid {
			return
		}
		r.ballot = nil
		r.log.Info("approved save cancelled, initiator left", "vote_id", b.ID, "initiated_by", uid)
		r.broadcast(wire.Message{Type: wire.TypeSaveCancelled, VoteID: b.ID, UserID: uid}, nil)
	}
}

// broadcast publishes m to every connection of the session, except skip.
func (r *Room) broadcast(m wire.Message, skip *Client) {
	m.SessionID = r.id
	var skipID string
	if skip != nil {
		skipID = skip.id
	}
	ctx, cancel := r.storeContext()
	defer cancel()
	if err := r.svc.publish(ctx, r.id, m, skipID); err != nil {
		r.log.Error("broadcast failed", "type", m.Type, "error", err)
	}
}

func (r *Room) sendTo(c *Client, m wire.Message) {
	data, err := wire.Encode(m)
	if err != nil {
		r.log.Error("encoding frame", "type", m.Type, "error", err)
		return
	}
	r.push(c, data)
}

func (r *Room) sendError(c *Client, text string) {
	r.sendTo(c, wire.Message{Type: wire.TypeError, SessionID: r.id, Notice: text})
}

// push queues data for c, dropping a connection that cannot keep up.
func (r *Room) push(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		r.log.Warn("send buffer full, dropping connection", "conn_id", c.id, "user_id", c.user.UserID)
		r.closeClient(c, websocket.ClosePolicyViolation, "too slow")
	}
}

func (r *Room) activeCount() int {
	n := 0
	for _, m := range r.members {
		if m.conns > 0 {
			n++
		}
	}
	return n
}

func (r *Room) participants() []wire.Participant {
	out := make([]wire.Participant, 0, len(r.order))
	for _, uid := range r.order {
		m := r.members[uid]
		p := m.p
		if m.page >= 0 && m.conns > 0 {
			p.CurrentPageIndex = wire.Int(m.page)
		}
		out = append(out, p)
	}
	return out
}

func (r *Room) upsert(p wire.Participant) *member {
	if m, ok := r.members[p.UserID]; ok {
		m.p = p
		return m
	}
	m := &member{p: p, page: -1}
	r.members[p.UserID] = m
	r.order = append(r.order, p.UserID)
	return m
}

func (r *Room) remove(uid string) {
	if _, ok := r.members[uid]; !ok {
		return
	}
	delete(r.members, uid)
	r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == uid })
}

func (r *Room) saveDraft() {
	ctx, cancel := r.storeContext()
	defer cancel()
	if err := r.svc.store.SaveDraft(ctx, r.id, r.session.Draft); err != nil {
		r.log.Warn("saving draft", "error", err)
	}
}

func (r *Room) saveParticipants() {
	ctx, cancel := r.storeContext()
	defer cancel()
	if err := r.svc.store.SaveParticipants(ctx, r.id, r.participants()); err != nil {
		r.log.Warn("saving participants", "error", err)
	}
}

func (r *Room) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.svc.opts.StoreTimeout)
}
