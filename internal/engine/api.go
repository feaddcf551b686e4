package engine

import (
	"context"
	"log/slog"

	"storysync/internal/presence"
	"storysync/internal/wire"
)

// SendTitleEdit renames the story.
func (e *Engine) SendTitleEdit(title string) error {
	defer e.touch()
	return e.pages.LocalTitleEdit(title)
}

// SendTextEdit replaces a page's text; the broadcast is debounced.
func (e *Engine) SendTextEdit(index int, text string) error {
	if err := e.editable(); err != nil {
		return err
	}
	defer e.touch()
	p, ok := e.draft.Page(index)
	if ok && e.link != nil {
		e.presence.StartTyping(p.ID, presence.KindText, wire.Int(index))
	}
	return e.pages.LocalTextEdit(index, text)
}

// SendPageChange navigates to a page.
func (e *Engine) SendPageChange(index int) error {
	defer e.touch()
	return e.pages.Navigate(index)
}

// AddPage requests a page at index.
func (e *Engine) AddPage(index int) error {
	if err := e.editable(); err != nil {
		return err
	}
	defer e.touch()
	return e.pages.LocalAddPage(index)
}

// DeletePage requests removal of a page, subject to the deletion guard.
func (e *Engine) DeletePage(index int) error {
	if err := e.editable(); err != nil {
		return err
	}
	defer e.touch()
	return e.pages.LocalDeletePage(index)
}

// editable refuses story changes while a collaborating user is held in the
// lobby. Solo editing is always allowed.
func (e *Engine) editable() error {
	if e.link != nil && !e.lobby.Live() {
		return ErrNotLive
	}
	return nil
}

// RequestPageViewers asks who is on which page.
func (e *Engine) RequestPageViewers() error {
	return e.pages.RequestPageViewers()
}

// UpdatePresence broadcasts a change to the local user's presence.
func (e *Engine) UpdatePresence(u presence.Update) {
	if e.link == nil {
		return
	}
	e.presence.SendUpdate(u)
}

// StartTyping marks the local user as typing in the title or a page.
func (e *Engine) StartTyping(elementID string, kind presence.Kind, pageIndex *int) {
	if e.link == nil {
		return
	}
	e.presence.StartTyping(elementID, kind, pageIndex)
}

// Blur reports that an input lost focus.
func (e *Engine) Blur(elementID string) {
	e.presence.OnBlur(elementID)
}

// InitiateVote proposes finalizing the story.
func (e *Engine) InitiateVote() error {
	if e.link == nil {
		return ErrOffline
	}
	if err := e.editable(); err != nil {
		return err
	}
	return e.vote.Initiate()
}

// VoteToSave casts the local vote.
func (e *Engine) VoteToSave(yes bool) error {
	return e.vote.Cast(yes)
}

// Finalize sends the approved story for saving. Only the vote initiator
// can call it.
func (e *Engine) Finalize(genres []string, category string) error {
	e.captureSnapshots()
	return e.vote.Finalize(genres, category)
}

// CancelFinalize abandons an approved save.
func (e *Engine) CancelFinalize() error {
	return e.vote.CancelFinalize()
}

// SendMessage sends an ad-hoc control frame.
func (e *Engine) SendMessage(m wire.Message) error {
	if m.Type == "" {
		return wire.ErrMissingType
	}
	return e.Send(m)
}

// Draw paints an operation on a page key and replicates it.
func (e *Engine) Draw(key string, op wire.DrawOp) error {
	e.canvas.OnDraw(key, e.selfName(), op)
	if e.link == nil {
		return nil
	}
	return e.Send(canvasFrame(wire.TypeDraw, key, &op))
}

// Clear wipes a page key's canvas and replicates it.
func (e *Engine) Clear(key string) error {
	e.canvas.OnClear(key)
	if e.cfg.Store != nil && e.storyID != "" {
		if err := e.cfg.Store.SaveCanvasData(context.Background(), e.storyID, key, ""); err != nil {
			e.log.Warn("clearing stored canvas", "page_key", key, "error", err)
		}
	}
	if e.link == nil {
		return nil
	}
	return e.Send(canvasFrame(wire.TypeClear, key, nil))
}

func canvasFrame(typ, key string, op *wire.DrawOp) wire.Message {
	m := wire.Message{Type: typ, Op: op}
	if key == wire.CoverPageKey {
		m.IsCoverImage = true
	} else {
		m.PageID = key
	}
	return m
}

func (e *Engine) selfName() string {
	if e.cfg.DisplayName != "" {
		return e.cfg.DisplayName
	}
	if e.cfg.Username != "" {
		return e.cfg.Username
	}
	return "User " + e.cfg.UserID
}

// OpenDeletionPicker starts a page-deletion selection and polls page
// occupancy while it is open.
func (e *Engine) OpenDeletionPicker() {
	e.closePicker()
	e.picker = e.pages.NewPicker()
	e.pollViewers()
}

// TogglePage selects or deselects a page in the open picker.
func (e *Engine) TogglePage(index int) error {
	if e.picker == nil {
		e.OpenDeletionPicker()
	}
	return e.picker.Toggle(index)
}

// SelectedPages returns the picker's selection.
func (e *Engine) SelectedPages() []int {
	if e.picker == nil {
		return nil
	}
	return e.picker.Selected()
}

// ConfirmDeletion deletes the selected pages and closes the picker.
func (e *Engine) ConfirmDeletion() error {
	if e.picker == nil {
		return nil
	}
	if err := e.editable(); err != nil {
		return err
	}
	defer e.touch()
	p := e.picker
	e.closePicker()
	return p.Confirm()
}

// CloseDeletionPicker discards the selection.
func (e *Engine) CloseDeletionPicker() { e.closePicker() }

func (e *Engine) pollViewers() {
	if err := e.pages.RequestPageViewers(); err != nil {
		e.log.Debug("page viewers request failed", "error", err)
	}
	if e.link == nil {
		return
	}
	e.pickerT = e.clock.AfterFunc(e.opts.PickerPoll, func() {
		e.pickerT = nil
		if e.picker != nil {
			e.pollViewers()
		}
	})
}

func (e *Engine) refreshPicker() {
	if e.picker == nil {
		return
	}
	if notice := e.picker.Refresh(); notice != "" {
		e.notify(slog.LevelInfo, notice)
	}
}

func (e *Engine) closePicker() {
	e.picker = nil
	if e.pickerT != nil {
		e.pickerT.Stop()
		e.pickerT = nil
	}
}

func (e *Engine) startSnapshots() {
	if e.snapshotT != nil {
		return
	}
	var tick func()
	tick = func() {
		e.captureSnapshots()
		e.snapshotT = e.clock.AfterFunc(e.opts.SnapshotEvery, tick)
	}
	e.snapshotT = e.clock.AfterFunc(e.opts.SnapshotEvery, tick)
}

// captureSnapshots persists and shares a bitmap of every page key drawn on
// since its last capture.
func (e *Engine) captureSnapshots() {
	now := e.clock.Now()
	for _, key := range e.canvas.Keys() {
		last, ok := e.canvas.LastUpdate(key)
		if !ok || !last.After(e.captured[key]) {
			continue
		}
		url, err := e.canvas.Capture(key)
		if err != nil {
			e.log.Warn("canvas capture failed", "page_key", key, "error", err)
			continue
		}
		e.captured[key] = now
		if e.cfg.Store != nil && e.storyID != "" {
			if err := e.cfg.Store.SaveCanvasData(context.Background(), e.storyID, key, url); err != nil {
				e.log.Warn("saving canvas snapshot", "page_key", key, "error", err)
			}
		}
		if e.link != nil {
			m := canvasFrame(wire.TypeCanvasSnapshot, key, nil)
			m.CanvasDataURL = url
			if err := e.Send(m); err != nil {
				e.log.Debug("canvas snapshot not sent", "page_key", key, "error", err)
			}
		}
	}
}
