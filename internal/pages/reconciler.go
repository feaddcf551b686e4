// Package pages keeps the local ordered page list consistent with the
// authoritative view held by the relay.
//
// The relay is the only source of ordering. Local inserts and deletes in a
// collaboration are sent as intents and applied when the relay's echo comes
// back; events from different senders may arrive in any order, so every
// entry point falls back to index-based gap filling and duplicate detection
// instead of sequence numbers.
package pages

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"storysync/internal/clock"
	"storysync/internal/story"
	"storysync/internal/wire"
)

var (
	ErrEmptyTitle = errors.New("pages: title is empty")
	ErrNoSuchPage = errors.New("pages: no such page")
)

// Hooks lets other components follow page identity changes.
type Hooks struct {
	// PageConfirmed runs when a page's temporary id is replaced.
	PageConfirmed func(oldID, newID string)
	// PageRemoved runs after a page leaves the draft.
	PageRemoved func(id string)
}

// Config wires a Reconciler.
type Config struct {
	Self    string
	StoryID string
	Draft   *story.Draft
	Store   story.Store
	Send    wire.Sender
	Clock   clock.Clock
	Logger  *slog.Logger
	Hooks   Hooks

	// TextDebounce delays local text broadcasts. Default 500ms.
	TextDebounce time.Duration
	// RemoteTextHold is how long a just-applied remote edit suppresses
	// local re-broadcast. Default 100ms.
	RemoteTextHold time.Duration
}

type textKey struct {
	index int
	id    string
}

// Reconciler is the only writer of the story draft. It is not safe for
// concurrent use; call it from the engine's event loop.
type Reconciler struct {
	cfg   Config
	draft *story.Draft
	log   *slog.Logger

	collaborating bool
	current       int
	pendingAdds   int
	viewers       map[string]int

	debounce map[textKey]clock.Timer
	// held maps a page index to the remote text just applied there.
	held map[int]remoteHold
}

type remoteHold struct {
	text  string
	timer clock.Timer
}

// New returns a reconciler in solo mode positioned on page 0.
func New(cfg Config) *Reconciler {
	if cfg.TextDebounce <= 0 {
		cfg.TextDebounce = 500 * time.Millisecond
	}
	if cfg.RemoteTextHold <= 0 {
		cfg.RemoteTextHold = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Draft == nil {
		cfg.Draft = story.NewDraft("")
	}
	return &Reconciler{
		cfg:      cfg,
		draft:    cfg.Draft,
		log:      cfg.Logger.With("component", "pages"),
		viewers:  make(map[string]int),
		debounce: make(map[textKey]clock.Timer),
		held:     make(map[int]remoteHold),
	}
}

// Draft returns the mirror this reconciler owns.
func (r *Reconciler) Draft() *story.Draft { return r.draft }

// SetStoryID points store write-through at a story record.
func (r *Reconciler) SetStoryID(id string) { r.cfg.StoryID = id }

// Current returns the local user's page index.
func (r *Reconciler) Current() int { return r.current }

// SetCollaborating switches between collaboration (intents wait for the
// relay's echo) and solo editing (changes apply locally at once).
func (r *Reconciler) SetCollaborating(on bool) {
	r.collaborating = on
	if !on {
		r.pendingAdds = 0
		r.viewers = make(map[string]int)
		for k, t := range r.debounce {
			t.Stop()
			delete(r.debounce, k)
		}
		for i, h := range r.held {
			h.timer.Stop()
			delete(r.held, i)
		}
	}
}

// ReceivingRemote reports whether a remote text edit was just applied to
// any page.
func (r *Reconciler) ReceivingRemote() bool { return len(r.held) > 0 }

// ApplySnapshot reconciles the draft with a full server page list. The
// snapshot is authoritative: missing pages are inserted, identities and text
// are overwritten. Local pages beyond the server's count are kept and
// logged. Applying the same snapshot twice leaves the draft unchanged.
func (r *Reconciler) ApplySnapshot(title string, server []wire.Page) {
	if title != "" {
		r.setTitle(title)
	}
	for i, sp := range server {
		if i >= r.draft.Len() {
			r.insert(i, sp.ID, sp.Text)
			continue
		}
		p, _ := r.draft.Page(i)
		if sp.ID != "" && p.ID != sp.ID {
			if !p.Pending {
				r.log.Warn("snapshot replaces page identity", "page_index", i, "local_id", p.ID, "server_id", sp.ID)
			}
			r.confirm(i, sp.ID)
		}
		r.setText(i, sp.Text)
	}
	if r.draft.Len() > len(server) {
		r.log.Warn("snapshot has fewer pages than local, keeping extras", "local", r.draft.Len(), "server", len(server))
	}
	r.clampCurrent()
}

// OnPageAdded applies a relay page_added event.
func (r *Reconciler) OnPageAdded(m wire.Message) {
	self := m.UserID == r.cfg.Self
	if self && r.pendingAdds > 0 {
		r.pendingAdds--
	}

	index := r.draft.Len()
	if m.PageIndex != nil {
		index = *m.PageIndex
	}
	if index < 0 {
		r.log.Warn("page_added with negative index", "page_index", index)
		return
	}

	if existing := r.draft.IndexOf(m.PageID); existing >= 0 {
		r.log.Debug("duplicate page_added", "page_id", m.PageID, "page_index", existing)
		if self {
			r.current = existing
		}
		return
	}

	switch {
	case index < r.draft.Len() && m.PageID == "":
		r.log.Debug("page_added already applied", "page_index", index)
		return
	case index < r.draft.Len():
		if p, _ := r.draft.Page(index); p.Pending {
			r.confirm(index, m.PageID)
		} else {
			r.insert(index, m.PageID, textOf(m))
		}
	default:
		for r.draft.Len() < index {
			r.insert(r.draft.Len(), "", "")
		}
		r.insert(index, m.PageID, textOf(m))
	}

	if self {
		r.current = index
	}
}

// OnPageDeleted applies a relay page_deleted event, preferring the explicit
// index over the id.
func (r *Reconciler) OnPageDeleted(m wire.Message) {
	index := r.draft.IndexOf(m.PageID)
	if m.PageIndex != nil {
		index = *m.PageIndex
	}
	if index < 0 || index >= r.draft.Len() {
		r.log.Warn("page_deleted does not resolve to a local page", "page_index", index, "page_id", m.PageID)
		return
	}
	r.remove(index)
	r.shiftViewers(index)
}

// OnTextEdit applies a remote text edit. Echoes of the local user's own
// edits are ignored.
func (r *Reconciler) OnTextEdit(m wire.Message) {
	if m.UserID == r.cfg.Self || m.Text == nil {
		return
	}
	index := r.draft.IndexOf(m.PageID)
	if m.PageIndex != nil {
		index = *m.PageIndex
	}
	if index < 0 {
		r.log.Warn("text_edit does not map to a local page", "page_id", m.PageID)
		return
	}
	for r.draft.Len() <= index {
		r.insert(r.draft.Len(), "", "")
	}

	r.hold(index, *m.Text)
	r.setText(index, *m.Text)
}

// hold marks text as just applied remotely on page index so the editor
// reporting it back is not re-broadcast.
func (r *Reconciler) hold(index int, text string) {
	if h, ok := r.held[index]; ok {
		h.timer.Stop()
	}
	var t clock.Timer
	t = r.cfg.Clock.AfterFunc(r.cfg.RemoteTextHold, func() {
		if h, ok := r.held[index]; ok && h.timer == t {
			delete(r.held, index)
		}
	})
	r.held[index] = remoteHold{text: text, timer: t}
}

// OnTitleEdit applies a remote title edit.
func (r *Reconciler) OnTitleEdit(m wire.Message) {
	if m.UserID == r.cfg.Self || strings.TrimSpace(m.Title) == "" {
		return
	}
	r.setTitle(m.Title)
}

// LocalTitleEdit sets the title and broadcasts it.
func (r *Reconciler) LocalTitleEdit(title string) error {
	if strings.TrimSpace(title) == "" {
		return ErrEmptyTitle
	}
	r.setTitle(title)
	if !r.collaborating {
		return nil
	}
	return r.send(wire.Message{Type: wire.TypeTitleEdit, Title: title})
}

// LocalTextEdit applies the local user's text to a page and schedules a
// debounced broadcast. Text equal to a remote edit just applied to the same
// page is not re-broadcast.
func (r *Reconciler) LocalTextEdit(index int, text string) error {
	p, ok := r.draft.Page(index)
	if !ok {
		return ErrNoSuchPage
	}
	r.setText(index, text)
	if !r.collaborating {
		return nil
	}
	if h, ok := r.held[index]; ok && h.text == text {
		return nil
	}

	key := textKey{index: index, id: p.ID}
	if t, ok := r.debounce[key]; ok {
		t.Stop()
	}
	r.debounce[key] = r.cfg.Clock.AfterFunc(r.cfg.TextDebounce, func() {
		delete(r.debounce, key)
		at := key.index
		if i := r.draft.IndexOf(key.id); i >= 0 {
			at = i
		}
		msg := wire.Message{
			Type:      wire.TypeTextEdit,
			PageIndex: wire.Int(at),
			Text:      wire.String(text),
		}
		if cur, ok := r.draft.Page(at); ok && !cur.Pending {
			msg.PageID = cur.ID
		}
		if err := r.send(msg); err != nil {
			r.log.Warn("text_edit broadcast failed", "page_index", at, "error", err)
		}
	})
	return nil
}

// LocalAddPage requests a new page at index. In a collaboration the draft
// is not touched until the relay echoes page_added.
func (r *Reconciler) LocalAddPage(index int) error {
	if index < 0 || index > r.draft.Len() {
		index = r.draft.Len()
	}
	if !r.collaborating {
		r.insert(index, uuid.NewString(), "")
		r.current = index
		return nil
	}
	r.pendingAdds++
	return r.send(wire.Message{Type: wire.TypeAddPage, PageIndex: wire.Int(index)})
}

// PendingAdds reports page requests still waiting for the relay's echo.
func (r *Reconciler) PendingAdds() int { return r.pendingAdds }

// LocalDeletePage removes a page after checking the deletion guard. In a
// collaboration the deletion is requested from the relay.
func (r *Reconciler) LocalDeletePage(index int) error {
	if err := r.CanDelete(index); err != nil {
		return err
	}
	if !r.collaborating {
		r.remove(index)
		return nil
	}
	p, _ := r.draft.Page(index)
	msg := wire.Message{Type: wire.TypeDeletePage, PageIndex: wire.Int(index)}
	if !p.Pending {
		msg.PageID = p.ID
	}
	return r.send(msg)
}

// Navigate moves the local user to page index and announces it.
func (r *Reconciler) Navigate(index int) error {
	if index < 0 || index >= r.draft.Len() {
		return ErrNoSuchPage
	}
	r.current = index
	if !r.collaborating {
		return nil
	}
	return r.send(wire.Message{Type: wire.TypePageChange, PageNumber: wire.Int(index)})
}

func (r *Reconciler) send(m wire.Message) error {
	if r.cfg.Send == nil {
		return nil
	}
	m.UserID = r.cfg.Self
	return r.cfg.Send.Send(m)
}

func (r *Reconciler) clampCurrent() {
	if r.current >= r.draft.Len() {
		r.current = r.draft.Len() - 1
	}
	if r.current < 0 {
		r.current = 0
	}
}

// insert places a page at index. Pages without an authoritative id get a
// temporary one and the pending marker.
func (r *Reconciler) insert(index int, id, text string) {
	pending := id == ""
	if pending {
		id = "local-" + uuid.NewString()
	}
	r.draft.InsertAt(index, story.Page{ID: id, Text: text, Pending: pending})
	r.persist(func(ctx context.Context, s story.Store) error {
		if err := s.InsertPageAtWithID(ctx, r.cfg.StoryID, index, id); err != nil {
			return err
		}
		if text == "" {
			return nil
		}
		return s.UpdatePage(ctx, r.cfg.StoryID, id, text)
	})
}

func (r *Reconciler) confirm(index int, id string) {
	old, ok := r.draft.Confirm(index, id)
	if !ok || old == id {
		return
	}
	r.log.Debug("page confirmed", "page_index", index, "old_id", old, "page_id", id)
	r.persist(func(ctx context.Context, s story.Store) error {
		return s.RenamePage(ctx, r.cfg.StoryID, old, id)
	})
	if r.cfg.Hooks.PageConfirmed != nil {
		r.cfg.Hooks.PageConfirmed(old, id)
	}
}

// remove deletes page index and moves the local cursor: onto the previous
// page if it was on the deleted one, down by one if it was after it.
func (r *Reconciler) remove(index int) {
	p, ok := r.draft.DeleteAt(index)
	if !ok {
		return
	}
	switch {
	case r.current == index:
		r.current = max(0, index-1)
	case r.current > index:
		r.current--
	}
	r.clampCurrent()
	r.persist(func(ctx context.Context, s story.Store) error {
		return s.DeletePage(ctx, r.cfg.StoryID, p.ID)
	})
	if r.cfg.Hooks.PageRemoved != nil {
		r.cfg.Hooks.PageRemoved(p.ID)
	}
}

func (r *Reconciler) setText(index int, text string) {
	if !r.draft.SetText(index, text) {
		return
	}
	p, _ := r.draft.Page(index)
	r.persist(func(ctx context.Context, s story.Store) error {
		return s.UpdatePage(ctx, r.cfg.StoryID, p.ID, text)
	})
}

func (r *Reconciler) setTitle(title string) {
	if !r.draft.SetTitle(title) {
		return
	}
	r.persist(func(ctx context.Context, s story.Store) error {
		return s.UpdateTitle(ctx, r.cfg.StoryID, title)
	})
}

// persist writes through to the story store. Store failures never block
// reconciliation.
func (r *Reconciler) persist(fn func(ctx context.Context, s story.Store) error) {
	if r.cfg.Store == nil || r.cfg.StoryID == "" {
		return
	}
	if err := fn(context.Background(), r.cfg.Store); err != nil {
		r.log.Warn("story store write failed", "story_id", r.cfg.StoryID, "error", err)
	}
}

func textOf(m wire.Message) string {
	if m.Text == nil {
		return ""
	}
	return *m.Text
}
