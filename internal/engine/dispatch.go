package engine

import (
	"log/slog"

	"storysync/internal/wire"
)

// dispatch applies one inbound frame, then hands it to subscribers.
func (e *Engine) dispatch(m wire.Message) {
	if e.link == nil {
		e.log.Debug("dropping frame outside a session", "type", m.Type)
		return
	}
	defer e.touch()
	e.log.Debug("frame", "type", m.Type, "from", m.UserID)

	switch m.Type {
	case wire.TypeInit:
		e.applyInit(m)
	case wire.TypeTitleEdit:
		e.pages.OnTitleEdit(m)
	case wire.TypeTextEdit:
		e.pages.OnTextEdit(m)
	case wire.TypePageChange:
		e.pages.OnPageChange(m)
	case wire.TypePageAdded:
		e.pages.OnPageAdded(m)
	case wire.TypePageDeleted:
		e.pages.OnPageDeleted(m)
	case wire.TypePageViewersResponse:
		e.pages.OnPageViewers(m)
		e.refreshPicker()
	case wire.TypePresenceUpdate, wire.TypeCursor:
		e.presence.OnRemoteUpdate(m)
	case wire.TypeDraw:
		if m.UserID != e.cfg.UserID && m.Op != nil {
			e.canvas.OnDraw(m.PageKey(), e.nameOf(m), *m.Op)
		}
	case wire.TypeClear:
		if m.UserID != e.cfg.UserID {
			e.canvas.OnClear(m.PageKey())
		}
	case wire.TypeVoteInitiated:
		e.vote.OnInitiated(m)
	case wire.TypeVoteUpdate:
		e.vote.OnUpdate(m)
	case wire.TypeVoteResult:
		e.vote.OnResult(m)
	case wire.TypeSaveCancelled:
		e.vote.OnSaveCancelled(m)
	case wire.TypeStoryFinalized:
		e.vote.OnStoryFinalized(m)
		if m.Notice != "" {
			e.notify(slog.LevelInfo, m.Notice)
		}
	case wire.TypeUserJoined:
		e.onUserJoined(m)
	case wire.TypeUserLeft:
		e.lobby.OnUserLeft(m.UserID, m.Temporary)
		e.pages.ForgetViewer(m.UserID)
		e.presence.Remove(m.UserID)
	case wire.TypeUserKicked:
		e.onUserKicked(m)
	case wire.TypeSessionStarted:
		if e.lobby.OnSessionStarted() {
			e.notify(slog.LevelInfo, "The host started the session.")
		}
	case wire.TypeSessionEnded:
		if !e.lobby.OnSessionEnded() {
			return
		}
		e.emit(m)
		e.leave()
		e.notify(slog.LevelInfo, "The session has ended. Your story is kept as a draft.")
		return
	case wire.TypeError:
		e.notify(slog.LevelWarn, m.Notice)
	default:
		e.log.Debug("unhandled frame", "type", m.Type)
	}
	e.emit(m)
}

// applyInit resynchronizes everything from the relay's full-state
// snapshot. It runs on every connect and is idempotent.
func (e *Engine) applyInit(m wire.Message) {
	if m.CurrentUserID != "" && m.CurrentUserID != e.cfg.UserID {
		e.log.Warn("init addressed to another user", "current_user_id", m.CurrentUserID)
	}
	e.lobby.SetRoster(m.Participants)
	if m.YourColor != "" {
		e.color = m.YourColor
	}
	if m.StoryDraft != nil {
		e.pages.ApplySnapshot(m.StoryDraft.Title, m.StoryDraft.Pages)
	}
	e.canvas.LoadAll(m.CanvasData)
	for key := range m.CanvasData {
		e.captured[key] = e.clock.Now()
	}
	for _, p := range m.Participants {
		if p.CurrentPageIndex != nil {
			e.pages.OnPageChange(wire.Message{UserID: p.UserID, PageNumber: p.CurrentPageIndex})
		}
	}
	if err := e.pages.Navigate(e.pages.Current()); err != nil {
		e.log.Debug("announcing page after init", "error", err)
	}
}

func (e *Engine) onUserJoined(m wire.Message) {
	role := wire.RoleParticipant
	if m.IsHost {
		role = wire.RoleHost
	}
	p := wire.Participant{
		UserID:      m.UserID,
		Username:    m.Username,
		DisplayName: m.DisplayName,
		Role:        role,
		CursorColor: m.CursorColor,
	}
	e.lobby.OnUserJoined(p)
	if m.UserID != e.cfg.UserID {
		e.notify(slog.LevelInfo, p.Name()+" joined.")
	}
}

func (e *Engine) onUserKicked(m wire.Message) {
	target := m.TargetUserID
	if !e.lobby.OnUserKicked(target) {
		e.pages.ForgetViewer(target)
		e.presence.Remove(target)
		return
	}
	e.lobby.OnSessionEnded()
	e.leave()
	e.notify(slog.LevelWarn, "You were removed from the session. Your story is kept as a draft.")
}

// nameOf resolves who sent a frame for display.
func (e *Engine) nameOf(m wire.Message) string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	if p, ok := e.lobby.Participant(m.UserID); ok {
		return p.Name()
	}
	if m.Username != "" {
		return m.Username
	}
	return "User " + m.UserID
}
