package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"storysync/internal/wire"
)

// ErrForbidden is returned when a non-host attempts a host action.
var ErrForbidden = errors.New("relay: only the host can do that")

const joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Options tunes the relay.
type Options struct {
	// MaxConnections caps concurrent connections per session. Default 10.
	MaxConnections int
	// JoinCodeLength is the length of generated join codes. Default 6.
	JoinCodeLength int
	// StoreTimeout bounds store calls made from a room. Default 5s.
	StoreTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConnections <= 0 {
		o.MaxConnections = 10
	}
	if o.JoinCodeLength <= 0 {
		o.JoinCodeLength = 6
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	return o
}

// Config wires a Service.
type Config struct {
	Store     SessionStore
	Broker    Broker
	Snapshots SnapshotStore
	Metrics   *Metrics
	Logger    *slog.Logger
	Options   Options
}

// Service owns session lifecycle and the rooms of this process.
type Service struct {
	store   SessionStore
	broker  Broker
	snaps   SnapshotStore
	metrics *Metrics
	log     *slog.Logger
	opts    Options
	hub     *Hub
	now     func() time.Time
}

// NewService builds a relay service. Nil stores default to in-memory ones.
func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Broker == nil {
		cfg.Broker = NewMemoryBroker(cfg.Logger)
	}
	if cfg.Snapshots == nil {
		cfg.Snapshots = NewMemorySnapshots()
	}
	s := &Service{
		store:   cfg.Store,
		broker:  cfg.Broker,
		snaps:   cfg.Snapshots,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		opts:    cfg.Options.withDefaults(),
		now:     time.Now,
	}
	s.hub = newHub(s)
	return s
}

// Create opens a session hosted by hostID, seeded with the host's draft.
// Seeded pages keep their ids so the host's local pages stay canonical.
func (s *Service) Create(ctx context.Context, hostID, title string, pages []wire.Page) (Session, error) {
	seeded := make([]wire.Page, 0, len(pages))
	for _, p := range pages {
		if p.ID == "" || strings.HasPrefix(p.ID, "local-") {
			p.ID = uuid.NewString()
		}
		seeded = append(seeded, p)
	}
	if len(seeded) == 0 {
		seeded = append(seeded, wire.Page{ID: uuid.NewString()})
	}
	if strings.TrimSpace(title) == "" {
		title = "Collaborative Story"
	}
	sess := Session{
		ID:          uuid.NewString(),
		JoinCode:    s.joinCode(),
		HostID:      hostID,
		IsLobbyOpen: true,
		IsActive:    true,
		Draft:       wire.StoryDraft{Title: title, Pages: seeded},
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	s.log.Info("session created", "session_id", sess.ID, "host_id", hostID, "pages", len(seeded))
	return sess, nil
}

func (s *Service) joinCode() string {
	b := make([]byte, s.opts.JoinCodeLength)
	for i := range b {
		b[i] = joinCodeAlphabet[rand.IntN(len(joinCodeAlphabet))]
	}
	return string(b)
}

// Get returns a session.
func (s *Service) Get(ctx context.Context, id string) (Session, error) {
	return s.store.Session(ctx, id)
}

// Join resolves a join code for userID.
func (s *Service) Join(ctx context.Context, userID, code string) (Session, error) {
	sess, err := s.store.SessionByCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return Session{}, err
	}
	if sess.IsKicked(userID) {
		return Session{}, ErrKicked
	}
	return sess, nil
}

// Start closes the lobby and releases waiting participants.
func (s *Service) Start(ctx context.Context, actor, id string) error {
	if _, err := s.hostSession(ctx, actor, id); err != nil {
		return err
	}
	if err := s.store.SetLobbyOpen(ctx, id, false); err != nil {
		return fmt.Errorf("start session %s: %w", id, err)
	}
	return s.publish(ctx, id, wire.Message{Type: wire.TypeSessionStarted, SessionID: id, UserID: actor}, "")
}

// End ends the session for everyone. Only the host may end it.
func (s *Service) End(ctx context.Context, actor, id string) error {
	if _, err := s.hostSession(ctx, actor, id); err != nil {
		return err
	}
	return s.end(ctx, id, "host")
}

func (s *Service) end(ctx context.Context, id, endedBy string) error {
	if err := s.store.EndSession(ctx, id); err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	s.log.Info("session ended", "session_id", id, "ended_by", endedBy)
	return s.publish(ctx, id, wire.Message{Type: wire.TypeSessionEnded, SessionID: id, EndedBy: endedBy}, "")
}

// Kick removes target from the session and closes their connections.
func (s *Service) Kick(ctx context.Context, actor, id, target string) error {
	sess, err := s.hostSession(ctx, actor, id)
	if err != nil {
		return err
	}
	if target == "" || target == sess.HostID {
		return fmt.Errorf("kick %q: %w", target, ErrForbidden)
	}
	if err := s.store.Kick(ctx, id, target); err != nil {
		return fmt.Errorf("kick %s: %w", target, err)
	}
	s.log.Info("participant kicked", "session_id", id, "user_id", target)
	return s.publish(ctx, id, wire.Message{Type: wire.TypeUserKicked, SessionID: id, UserID: actor, TargetUserID: target}, "")
}

func (s *Service) hostSession(ctx context.Context, actor, id string) (Session, error) {
	sess, err := s.store.Session(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if !sess.IsActive {
		return Session{}, ErrNotFound
	}
	if actor != sess.HostID {
		return Session{}, ErrForbidden
	}
	return sess, nil
}

// envelope carries one broadcast frame through the broker. Skip names a
// connection that must not receive it.
type envelope struct {
	Skip  string          `json:"skip,omitempty"`
	Frame json.RawMessage `json:"frame"`
}

func (s *Service) publish(ctx context.Context, sessionID string, m wire.Message, skip string) error {
	frame, err := wire.Encode(m)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{Skip: skip, Frame: frame})
	if err != nil {
		return err
	}
	return s.broker.Publish(ctx, sessionTopic(sessionID), payload)
}
