// Package presence tracks what each participant is doing right now: where
// their cursor or caret is, which tool they hold, and whether they are typing.
// Presence is a cache; records that stop being refreshed are swept away.
package presence

import (
	"log/slog"
	"sort"
	"time"

	"storysync/internal/clock"
	"storysync/internal/wire"
)

// Kind is what the local user is typing into.
type Kind string

const (
	KindTitle Kind = "title"
	KindText  Kind = "text"
)

// Record is the last known presence of one remote participant.
type Record struct {
	UserID     string
	Name       string
	Color      string
	Cursor     *wire.Point
	CaretIndex *int
	Value      string
	ElementID  string
	Tool       string
	Activity   wire.Activity
	PageIndex  *int
	LastSeen   time.Time
}

// Update is a partial change to the local user's presence. Nil fields are
// left as they were.
type Update struct {
	Cursor     *wire.Point
	CaretIndex *int
	Value      *string
	ElementID  *string
	Tool       *string
}

// Config wires a Tracker.
type Config struct {
	Self     string
	Username string
	Send     wire.Sender
	Clock    clock.Clock
	Logger   *slog.Logger
	// Roster resolves a display name when a frame carries none.
	Roster func(userID string) (wire.Participant, bool)

	Throttle      time.Duration // default 100ms
	TypingTimeout time.Duration // default 3s
	SweepEvery    time.Duration // default 5s
	// Stale is the eviction window. Default 10s, or 30s when Ambient.
	Stale   time.Duration
	Ambient bool
}

type local struct {
	cursor     *wire.Point
	caretIndex *int
	value      *string
	elementID  string
	tool       string
	typing     Kind
	pageIndex  *int
}

// Tracker owns local and remote presence. It is not safe for concurrent use.
type Tracker struct {
	cfg Config
	log *slog.Logger

	me       local
	lastSent time.Time
	trailing clock.Timer
	typingT  clock.Timer

	records map[string]*Record
	sweep   clock.Timer
}

// New returns a tracker. Call Start to begin sweeping.
func New(cfg Config) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = 100 * time.Millisecond
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = 3 * time.Second
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 5 * time.Second
	}
	if cfg.Stale <= 0 {
		cfg.Stale = 10 * time.Second
		if cfg.Ambient {
			cfg.Stale = 30 * time.Second
		}
	}
	return &Tracker{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "presence"),
		records: make(map[string]*Record),
	}
}

// Start arms the periodic sweep.
func (t *Tracker) Start() {
	if t.sweep != nil {
		return
	}
	var tick func()
	tick = func() {
		t.Sweep()
		t.sweep = t.cfg.Clock.AfterFunc(t.cfg.SweepEvery, tick)
	}
	t.sweep = t.cfg.Clock.AfterFunc(t.cfg.SweepEvery, tick)
}

// Stop cancels every timer and forgets remote presence.
func (t *Tracker) Stop() {
	for _, tm := range []clock.Timer{t.sweep, t.trailing, t.typingT} {
		if tm != nil {
			tm.Stop()
		}
	}
	t.sweep, t.trailing, t.typingT = nil, nil, nil
	t.me = local{}
	t.records = make(map[string]*Record)
}

// Activity derives the local typing state.
func (t *Tracker) Activity() wire.Activity {
	switch t.me.typing {
	case KindTitle:
		return wire.ActivityTypingTitle
	case KindText:
		return wire.ActivityTypingText
	}
	return wire.ActivityIdle
}

// SendUpdate merges u into the local presence and broadcasts it. Broadcasts
// are limited to one per throttle window, with a trailing send so the last
// state is never lost; cursor moves are sent at once.
func (t *Tracker) SendUpdate(u Update) {
	if u.Cursor != nil {
		t.me.cursor = u.Cursor
	}
	if u.CaretIndex != nil {
		t.me.caretIndex = u.CaretIndex
	}
	if u.Value != nil {
		t.me.value = u.Value
	}
	if u.ElementID != nil {
		t.me.elementID = *u.ElementID
	}
	if u.Tool != nil {
		t.me.tool = *u.Tool
	}

	if u.Cursor != nil {
		t.flush()
		return
	}
	t.throttled()
}

func (t *Tracker) throttled() {
	if t.trailing != nil {
		return
	}
	wait := t.cfg.Throttle - t.cfg.Clock.Now().Sub(t.lastSent)
	if t.lastSent.IsZero() || wait <= 0 {
		t.flush()
		return
	}
	t.trailing = t.cfg.Clock.AfterFunc(wait, func() {
		t.trailing = nil
		t.flush()
	})
}

func (t *Tracker) flush() {
	if t.trailing != nil {
		t.trailing.Stop()
		t.trailing = nil
	}
	t.lastSent = t.cfg.Clock.Now()
	if t.cfg.Send == nil {
		return
	}
	m := wire.Message{
		Type:           wire.TypePresenceUpdate,
		UserID:         t.cfg.Self,
		Username:       t.cfg.Username,
		CursorPosition: t.me.cursor,
		CaretIndex:     t.me.caretIndex,
		Value:          t.me.value,
		ElementID:      t.me.elementID,
		CurrentTool:    t.me.tool,
		Activity:       t.Activity(),
		PageIndex:      t.me.pageIndex,
	}
	if err := t.cfg.Send.Send(m); err != nil {
		t.log.Debug("presence broadcast failed", "error", err)
	}
}

// StartTyping marks the local user as typing into elementID. Typing stops by
// itself after the typing timeout unless more input arrives.
func (t *Tracker) StartTyping(elementID string, kind Kind, pageIndex *int) {
	changed := t.me.typing != kind || t.me.elementID != elementID
	t.me.typing = kind
	t.me.elementID = elementID
	t.me.pageIndex = pageIndex
	if t.typingT != nil {
		t.typingT.Stop()
	}
	t.typingT = t.cfg.Clock.AfterFunc(t.cfg.TypingTimeout, func() {
		t.typingT = nil
		t.StopTyping()
	})
	if changed {
		t.throttled()
	}
}

// StopTyping returns the local user to idle.
func (t *Tracker) StopTyping() {
	if t.typingT != nil {
		t.typingT.Stop()
		t.typingT = nil
	}
	if t.me.typing == "" {
		return
	}
	t.me.typing = ""
	t.throttled()
}

// OnBlur stops typing if elementID lost focus.
func (t *Tracker) OnBlur(elementID string) {
	if t.me.elementID == elementID {
		t.StopTyping()
	}
}

// OnRemoteUpdate merges a presence_update or cursor frame from another
// participant.
func (t *Tracker) OnRemoteUpdate(m wire.Message) {
	if m.UserID == "" || m.UserID == t.cfg.Self {
		return
	}
	rec, ok := t.records[m.UserID]
	if !ok {
		rec = &Record{UserID: m.UserID, Color: ColorFor(m.UserID)}
		t.records[m.UserID] = rec
	}
	rec.Name = t.resolveName(m, rec.Name)
	if m.CursorColor != "" {
		rec.Color = m.CursorColor
	}
	switch {
	case m.CursorPosition != nil:
		rec.Cursor = m.CursorPosition
	case m.Position != nil:
		rec.Cursor = m.Position
	}
	if m.CaretIndex != nil {
		rec.CaretIndex = m.CaretIndex
	}
	if m.Value != nil {
		rec.Value = *m.Value
	}
	if m.ElementID != "" {
		rec.ElementID = m.ElementID
	}
	if m.CurrentTool != "" {
		rec.Tool = m.CurrentTool
	}
	if m.Activity != "" {
		rec.Activity = m.Activity
	}
	if m.PageIndex != nil {
		rec.PageIndex = m.PageIndex
	}
	rec.LastSeen = t.cfg.Clock.Now()
}

func (t *Tracker) resolveName(m wire.Message, prev string) string {
	switch {
	case m.DisplayName != "":
		return m.DisplayName
	case m.Username != "":
		return m.Username
	}
	if t.cfg.Roster != nil {
		if p, ok := t.cfg.Roster(m.UserID); ok {
			return p.Name()
		}
	}
	if prev != "" {
		return prev
	}
	return "User " + m.UserID
}

// Remove forgets a participant who left.
func (t *Tracker) Remove(userID string) { delete(t.records, userID) }

// Sweep evicts records not refreshed within the staleness window.
func (t *Tracker) Sweep() {
	now := t.cfg.Clock.Now()
	for id, rec := range t.records {
		if now.Sub(rec.LastSeen) > t.cfg.Stale {
			t.log.Debug("evicting stale presence", "user_id", id)
			delete(t.records, id)
		}
	}
}

// Record returns a copy of one participant's presence.
func (t *Tracker) Record(userID string) (Record, bool) {
	rec, ok := t.records[userID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Records returns every remote presence record ordered by user id.
func (t *Tracker) Records() []Record {
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
