package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"storysync/internal/lobby"
	"storysync/internal/transport"
	"storysync/internal/wire"
)

// NewStory starts a fresh solo story with one blank page.
func (e *Engine) NewStory(ctx context.Context, title string) error {
	defer e.touch()
	if e.cfg.Store != nil {
		id, err := e.cfg.Store.CreateStory(ctx, title)
		if err != nil {
			return fmt.Errorf("new story: %w", err)
		}
		e.storyID = id
		e.pages.SetStoryID(id)
	}
	if title != "" {
		if err := e.pages.LocalTitleEdit(title); err != nil {
			return err
		}
	}
	if e.draft.Len() == 0 {
		return e.pages.LocalAddPage(0)
	}
	return nil
}

// CreateSession hosts a new session seeded with the current draft.
func (e *Engine) CreateSession(ctx context.Context) (wire.Session, error) {
	if e.draft.Len() == 0 {
		if err := e.NewStory(ctx, e.draft.Title()); err != nil {
			return wire.Session{}, err
		}
	}
	s, err := e.lobby.Create(ctx, e.draft.Snapshot())
	if err != nil {
		return wire.Session{}, err
	}
	if err := e.connect(ctx, s.ID); err != nil {
		e.lobby.OnSessionEnded()
		return wire.Session{}, err
	}
	return s, nil
}

// JoinSession enters a session by join code. The draft is replaced by the
// session's on the first init.
func (e *Engine) JoinSession(ctx context.Context, code string) (wire.Session, error) {
	s, err := e.lobby.Join(ctx, code)
	if err != nil {
		return wire.Session{}, err
	}
	if err := e.ensureStory(ctx, s); err != nil {
		e.log.Warn("local story unavailable", "error", err)
	}
	if err := e.connect(ctx, s.ID); err != nil {
		e.lobby.OnSessionEnded()
		return wire.Session{}, err
	}
	return s, nil
}

// ResumeSession rejoins the session remembered from a previous run. It
// reports false when there is nothing recent to resume.
func (e *Engine) ResumeSession(ctx context.Context) (wire.Session, bool, error) {
	if e.cfg.Resume == nil {
		return wire.Session{}, false, nil
	}
	id, ok, err := e.cfg.Resume.LoadResume(e.opts.ResumeWindow)
	if err != nil || !ok {
		return wire.Session{}, false, err
	}
	s, err := e.lobby.Resume(ctx, id)
	if err != nil {
		if errors.Is(err, lobby.ErrNoSession) {
			_ = e.cfg.Resume.ClearResume()
		}
		return wire.Session{}, true, err
	}
	if err := e.ensureStory(ctx, s); err != nil {
		e.log.Warn("local story unavailable", "error", err)
	}
	if err := e.connect(ctx, s.ID); err != nil {
		e.lobby.OnSessionEnded()
		return wire.Session{}, true, err
	}
	return s, true, nil
}

func (e *Engine) ensureStory(ctx context.Context, s wire.Session) error {
	if e.storyID != "" || e.cfg.Store == nil {
		return nil
	}
	title := "Collaborative Story"
	if s.StoryDraft != nil && s.StoryDraft.Title != "" {
		title = s.StoryDraft.Title
	}
	id, err := e.cfg.Store.CreateStory(ctx, title)
	if err != nil {
		return err
	}
	e.storyID = id
	e.pages.SetStoryID(id)
	return nil
}

func (e *Engine) connect(ctx context.Context, sessionID string) error {
	link, err := e.cfg.Dial(ctx, transport.Config{
		BaseURL:     e.cfg.RelayURL,
		SessionID:   sessionID,
		UserID:      e.cfg.UserID,
		Username:    e.cfg.Username,
		DisplayName: e.cfg.DisplayName,
		Logger:      e.log,
		Resume:      e.cfg.Resume,
		OnMessage: func(m wire.Message) {
			e.cfg.Post(func() { e.dispatch(m) })
		},
		OnEvent: func(ev transport.Event) {
			e.cfg.Post(func() { e.onLinkEvent(ev) })
		},
		BaseDelay:   e.opts.ReconnectBase,
		MaxAttempts: e.opts.ReconnectTries,
	})
	if err != nil {
		return fmt.Errorf("connect to session %s: %w", sessionID, err)
	}
	e.link = link
	e.pages.SetCollaborating(true)
	e.presence.Start()
	e.startSnapshots()
	e.log.Info("collaborating", "session_id", sessionID, "host", e.lobby.IsHost())
	return nil
}

func (e *Engine) onLinkEvent(ev transport.Event) {
	if e.link == nil {
		return
	}
	switch ev.Kind {
	case transport.Connected:
		e.lobby.SetConnected()
		if ev.Resumed {
			e.notify(slog.LevelInfo, "Reconnected. Resynchronizing the story.")
		}
	case transport.Closed:
		if e.lobby.OnSessionEnded() {
			e.leave()
			e.notify(slog.LevelInfo, "The session has ended. Your story is kept as a draft.")
		}
	case transport.Reconnecting:
		e.lobby.SetReconnecting(ev.Attempt)
		e.notify(slog.LevelWarn, fmt.Sprintf("Connection lost. Reconnecting (attempt %d)...", ev.Attempt))
	case transport.Failed:
		text := "Could not reconnect. Retry or continue solo."
		switch {
		case errors.Is(ev.Err, transport.ErrSessionFull):
			text = "The session is full."
		case errors.Is(ev.Err, transport.ErrRemoved):
			text = "You were removed from the session."
		}
		e.notify(slog.LevelError, text)
		e.emit(wire.Message{Type: wire.TypeReconnectionFailed, SessionID: e.lobby.Session().ID, Notice: text})
	}
}

// Retry reconnects after a reconnection failure.
func (e *Engine) Retry() {
	if e.link != nil {
		e.link.Retry()
	}
}

// Cancel abandons a failed connection and returns to solo editing.
func (e *Engine) Cancel() {
	if e.link == nil {
		return
	}
	e.link.Cancel()
	e.link = nil
	if e.lobby.OnSessionEnded() {
		e.leave()
	}
}

// StartSession releases the lobby. Host only.
func (e *Engine) StartSession(ctx context.Context) error {
	return e.lobby.Start(ctx)
}

// EndSession ends the session for everyone when hosting, or leaves it.
func (e *Engine) EndSession(ctx context.Context) error {
	if err := e.lobby.End(ctx); err != nil {
		return err
	}
	if !e.lobby.IsHost() {
		if e.lobby.OnSessionEnded() {
			e.leave()
		}
	}
	return nil
}

// Kick removes a participant. Host only.
func (e *Engine) Kick(ctx context.Context, userID string) error {
	return e.lobby.Kick(ctx, userID)
}

// leave tears collaboration down and keeps the story locally.
func (e *Engine) leave() {
	defer e.touch()
	e.closePicker()
	if e.snapshotT != nil {
		e.snapshotT.Stop()
		e.snapshotT = nil
	}
	e.captureSnapshots()
	e.presence.Stop()
	saved := e.vote.StoryID() != ""
	e.vote.OnSessionEnded()
	e.pages.SetCollaborating(false)
	if e.link != nil {
		if err := e.link.Close(); err != nil {
			e.log.Warn("closing session link", "error", err)
		}
		e.link = nil
	}
	if e.cfg.Store != nil && e.storyID != "" {
		ctx := context.Background()
		mark := e.cfg.Store.MarkAsDraft
		if saved {
			mark = e.cfg.Store.MarkAsSaved
		}
		if err := mark(ctx, e.storyID); err != nil {
			e.log.Warn("marking story status", "story_id", e.storyID, "error", err)
		}
	}
	e.log.Info("left session", "session_id", e.lobby.Session().ID, "saved", saved)
}
