// Package engine composes the page reconciler, canvas replicator, presence
// tracker, session lifecycle and vote protocol behind one event loop.
//
// Every inbound frame, timer callback and UI intent runs as a callback on
// that loop, one at a time. Methods on Engine are loop-side: call them from
// callbacks, from handlers registered with On, or through Do.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"storysync/internal/canvas"
	"storysync/internal/clock"
	"storysync/internal/lobby"
	"storysync/internal/pages"
	"storysync/internal/presence"
	"storysync/internal/story"
	"storysync/internal/transport"
	"storysync/internal/vote"
	"storysync/internal/wire"
)

// ErrOffline is returned when a frame cannot be sent because no session
// link is up.
var ErrOffline = errors.New("engine: not connected to a session")

// ErrNotLive is returned when story edits or votes are attempted while the
// local user still waits in the lobby.
var ErrNotLive = errors.New("engine: session has not started")

// Options holds the engine's timing and sizing knobs. Zero fields take the
// defaults listed.
type Options struct {
	TextDebounce     time.Duration // 500ms
	RemoteTextHold   time.Duration // 100ms
	PresenceThrottle time.Duration // 100ms
	TypingTimeout    time.Duration // 3s
	PresenceSweep    time.Duration // 5s
	PresenceStale    time.Duration // 10s
	FinalizeTimeout  time.Duration // 10s
	WaitTimeout      time.Duration // 15s
	CanvasLogLimit   int           // 100
	BadgeTTL         time.Duration // 30s
	PulseTTL         time.Duration // 5s
	SnapshotEvery    time.Duration // 30s
	PickerPoll       time.Duration // 2s
	ChangedDebounce  time.Duration // 50ms
	ResumeWindow     time.Duration // 1h
	ReconnectBase    time.Duration // 1s
	ReconnectTries   int           // 5
}

func (o Options) withDefaults() Options {
	if o.SnapshotEvery <= 0 {
		o.SnapshotEvery = 30 * time.Second
	}
	if o.PickerPoll <= 0 {
		o.PickerPoll = 2 * time.Second
	}
	if o.ChangedDebounce <= 0 {
		o.ChangedDebounce = 50 * time.Millisecond
	}
	if o.ResumeWindow <= 0 {
		o.ResumeWindow = time.Hour
	}
	return o
}

// Notice is a toast-worthy message for the UI.
type Notice struct {
	Level slog.Level
	Text  string
}

// Link is a live session channel.
type Link interface {
	wire.Sender
	Close() error
	Retry()
	Cancel()
}

// DialFunc opens a Link.
type DialFunc func(ctx context.Context, cfg transport.Config) (Link, error)

// ResumeStore remembers a session across restarts.
type ResumeStore interface {
	transport.ResumeStore
	LoadResume(maxAge time.Duration) (string, bool, error)
}

// Config wires an Engine.
type Config struct {
	UserID      string
	Username    string
	DisplayName string

	// RelayURL is the relay's websocket root, e.g. ws://localhost:8081.
	RelayURL string
	API      lobby.API
	Store    story.Store
	Resume   ResumeStore
	Dial     DialFunc

	Clock  clock.Clock
	Logger *slog.Logger
	// Post hands a callback to the event loop. By default callbacks are
	// queued for Run.
	Post func(func())

	Options Options

	OnNotice  func(Notice)
	OnChanged func(version uint64)
}

type handler struct {
	id int
	fn func(wire.Message)
}

// Engine is one collaborator's sync engine.
type Engine struct {
	cfg   Config
	opts  Options
	log   *slog.Logger
	clock clock.Clock
	queue chan func()

	draft    *story.Draft
	pages    *pages.Reconciler
	canvas   *canvas.Replicator
	presence *presence.Tracker
	lobby    *lobby.Machine
	vote     *vote.Protocol

	link    Link
	storyID string
	color   string

	handlers    map[string][]handler
	nextHandler int

	picker    *pages.Picker
	pickerT   clock.Timer
	snapshotT clock.Timer
	captured  map[string]time.Time
	changedT  clock.Timer
	seenVer   uint64
}

// New builds an engine in solo mode.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Dial == nil {
		cfg.Dial = dialTransport
	}
	e := &Engine{
		cfg:      cfg,
		opts:     cfg.Options.withDefaults(),
		log:      cfg.Logger.With("user_id", cfg.UserID),
		queue:    make(chan func(), 1024),
		handlers: make(map[string][]handler),
		captured: make(map[string]time.Time),
	}
	post := cfg.Post
	if post == nil {
		post = func(f func()) { e.queue <- f }
	}
	e.cfg.Post = post
	e.clock = clock.Posted(cfg.Clock, post)

	o := e.opts
	e.draft = story.NewDraft("")
	e.canvas = canvas.New(canvas.Config{
		Clock:    e.clock,
		Logger:   e.log,
		LogLimit: o.CanvasLogLimit,
		BadgeTTL: o.BadgeTTL,
		PulseTTL: o.PulseTTL,
	})
	e.pages = pages.New(pages.Config{
		Self:   cfg.UserID,
		Draft:  e.draft,
		Store:  cfg.Store,
		Send:   e,
		Clock:  e.clock,
		Logger: e.log,
		Hooks: pages.Hooks{
			PageConfirmed: e.canvas.Rekey,
			PageRemoved:   e.canvas.Forget,
		},
		TextDebounce:   o.TextDebounce,
		RemoteTextHold: o.RemoteTextHold,
	})
	e.lobby = lobby.New(lobby.Config{
		Self:   cfg.UserID,
		API:    cfg.API,
		Logger: e.log,
	})
	e.presence = presence.New(presence.Config{
		Self:          cfg.UserID,
		Username:      cfg.Username,
		Send:          e,
		Clock:         e.clock,
		Logger:        e.log,
		Roster:        e.lobby.Participant,
		Throttle:      o.PresenceThrottle,
		TypingTimeout: o.TypingTimeout,
		SweepEvery:    o.PresenceSweep,
		Stale:         o.PresenceStale,
	})
	e.vote = vote.New(vote.Config{
		Self:   cfg.UserID,
		Send:   e,
		Clock:  e.clock,
		Logger: e.log,
		Hooks: vote.Hooks{
			NeedDetails: func(string) {
				e.notify(slog.LevelInfo, "Everyone agreed. Choose genres and finalize the story.")
			},
			Resume: func(reason string) { e.notify(slog.LevelInfo, reason) },
			Expired: func(vote.Phase) {
				e.notify(slog.LevelWarn, "The session did not close in time. Returning to solo editing.")
				if e.lobby.OnSessionEnded() {
					e.leave()
				}
			},
		},
		FinalizeTimeout: o.FinalizeTimeout,
		WaitTimeout:     o.WaitTimeout,
	})
	return e
}

func dialTransport(ctx context.Context, cfg transport.Config) (Link, error) {
	c, err := transport.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Run processes queued callbacks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case f := <-e.queue:
			f()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Do runs fn on the event loop and waits for it. It must not be called from
// the loop itself.
func (e *Engine) Do(fn func()) {
	done := make(chan struct{})
	e.cfg.Post(func() {
		defer close(done)
		fn()
	})
	<-done
}

// On subscribes to frames of one type, delivered after the engine has
// applied them. The returned func unsubscribes.
func (e *Engine) On(typ string, fn func(wire.Message)) func() {
	e.nextHandler++
	id := e.nextHandler
	e.handlers[typ] = append(e.handlers[typ], handler{id: id, fn: fn})
	return func() {
		hs := e.handlers[typ]
		for i, h := range hs {
			if h.id == id {
				e.handlers[typ] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

func (e *Engine) emit(m wire.Message) {
	for _, h := range e.handlers[m.Type] {
		h.fn(m)
	}
}

func (e *Engine) notify(level slog.Level, text string) {
	e.log.Log(context.Background(), level, "notice", "text", text)
	if e.cfg.OnNotice != nil {
		e.cfg.OnNotice(Notice{Level: level, Text: text})
	}
}

// Send stamps a frame with the session and sender and writes it to the
// link. It is the Sender every component uses.
func (e *Engine) Send(m wire.Message) error {
	if e.link == nil {
		return ErrOffline
	}
	m.SessionID = e.lobby.Session().ID
	if m.UserID == "" {
		m.UserID = e.cfg.UserID
	}
	if m.Username == "" {
		m.Username = e.cfg.Username
	}
	if m.Timestamp == 0 {
		m.Timestamp = e.clock.Now().UnixMilli()
	}
	return e.link.Send(m)
}

// touch schedules a debounced change notification when the draft moved.
func (e *Engine) touch() {
	if e.cfg.OnChanged == nil || e.changedT != nil || e.draft.Version() == e.seenVer {
		return
	}
	e.changedT = e.clock.AfterFunc(e.opts.ChangedDebounce, func() {
		e.changedT = nil
		if v := e.draft.Version(); v != e.seenVer {
			e.seenVer = v
			e.cfg.OnChanged(v)
		}
	})
}

func (e *Engine) Draft() *story.Draft { return e.draft }
func (e *Engine) Pages() *pages.Reconciler { return e.pages }
func (e *Engine) Canvas() *canvas.Replicator { return e.canvas }
func (e *Engine) Presence() *presence.Tracker { return e.presence }
func (e *Engine) Lobby() *lobby.Machine { return e.lobby }
func (e *Engine) Vote() *vote.Protocol { return e.vote }
func (e *Engine) StoryID() string { return e.storyID }
func (e *Engine) Color() string { return e.color }
func (e *Engine) Collaborating() bool { return e.link != nil }
