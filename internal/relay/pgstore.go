package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"storysync/internal/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS collab_sessions (
	id           TEXT PRIMARY KEY,
	join_code    TEXT NOT NULL,
	host_id      TEXT NOT NULL,
	lobby_open   BOOLEAN NOT NULL,
	active       BOOLEAN NOT NULL,
	draft        JSONB NOT NULL,
	participants JSONB NOT NULL,
	kicked       JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS collab_sessions_join_code ON collab_sessions (join_code) WHERE active;
CREATE TABLE IF NOT EXISTS collab_stories (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	title      TEXT NOT NULL,
	pages      JSONB NOT NULL,
	genres     JSONB NOT NULL,
	category   TEXT NOT NULL,
	authors    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);`

const selectSession = `SELECT id, join_code, host_id, lobby_open, active, draft, participants, kicked, created_at FROM collab_sessions`

// PGStore is a SessionStore on Postgres, shared by every relay process.
type PGStore struct {
	pool *pgxpool.Pool
}

var _ SessionStore = (*PGStore)(nil)

// OpenPG connects to Postgres and creates the tables if needed.
func OpenPG(ctx context.Context, url string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (p *PGStore) Close() { p.pool.Close() }

func (p *PGStore) CreateSession(ctx context.Context, s Session) error {
	draft, participants, kicked, err := encodeSession(s)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO collab_sessions
		(id, join_code, host_id, lobby_open, active, draft, participants, kicked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.JoinCode, s.HostID, s.IsLobbyOpen, s.IsActive, draft, participants, kicked, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", s.ID, err)
	}
	return nil
}

func (p *PGStore) Session(ctx context.Context, id string) (Session, error) {
	return scanSession(p.pool.QueryRow(ctx, selectSession+` WHERE id = $1`, id))
}

func (p *PGStore) SessionByCode(ctx context.Context, code string) (Session, error) {
	return scanSession(p.pool.QueryRow(ctx, selectSession+` WHERE join_code = $1 AND active ORDER BY created_at DESC LIMIT 1`, code))
}

func (p *PGStore) SaveDraft(ctx context.Context, id string, d wire.StoryDraft) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return p.exec(ctx, id, `UPDATE collab_sessions SET draft = $2 WHERE id = $1`, id, data)
}

func (p *PGStore) SaveParticipants(ctx context.Context, id string, ps []wire.Participant) error {
	data, err := json.Marshal(ps)
	if err != nil {
		return err
	}
	return p.exec(ctx, id, `UPDATE collab_sessions SET participants = $2 WHERE id = $1`, id, data)
}

func (p *PGStore) SetLobbyOpen(ctx context.Context, id string, open bool) error {
	return p.exec(ctx, id, `UPDATE collab_sessions SET lobby_open = $2 WHERE id = $1`, id, open)
}

func (p *PGStore) EndSession(ctx context.Context, id string) error {
	return p.exec(ctx, id, `UPDATE collab_sessions SET active = FALSE, lobby_open = FALSE WHERE id = $1`, id)
}

func (p *PGStore) Kick(ctx context.Context, id, userID string) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		s, err := scanSession(tx.QueryRow(ctx, selectSession+` WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if !slices.Contains(s.Kicked, userID) {
			s.Kicked = append(s.Kicked, userID)
		}
		s.Participants = slices.DeleteFunc(s.Participants, func(p wire.Participant) bool {
			return p.UserID == userID
		})
		_, participants, kicked, err := encodeSession(s)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE collab_sessions SET participants = $2, kicked = $3 WHERE id = $1`, id, participants, kicked)
		return err
	})
}

func (p *PGStore) SaveStory(ctx context.Context, st Story) (string, error) {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now()
	}
	pages, err := json.Marshal(st.Pages)
	if err != nil {
		return "", err
	}
	genres, err := json.Marshal(st.Genres)
	if err != nil {
		return "", err
	}
	authors, err := json.Marshal(st.Authors)
	if err != nil {
		return "", err
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO collab_stories
		(id, session_id, title, pages, genres, category, authors, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		st.ID, st.SessionID, st.Title, pages, genres, st.Category, authors, st.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert story for session %s: %w", st.SessionID, err)
	}
	return st.ID, nil
}

func (p *PGStore) exec(ctx context.Context, id, sql string, args ...any) error {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeSession(s Session) (draft, participants, kicked []byte, err error) {
	if s.Participants == nil {
		s.Participants = []wire.Participant{}
	}
	if s.Kicked == nil {
		s.Kicked = []string{}
	}
	if draft, err = json.Marshal(s.Draft); err != nil {
		return
	}
	if participants, err = json.Marshal(s.Participants); err != nil {
		return
	}
	kicked, err = json.Marshal(s.Kicked)
	return
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		s                           Session
		draft, participants, kicked []byte
	)
	err := row.Scan(&s.ID, &s.JoinCode, &s.HostID, &s.IsLobbyOpen, &s.IsActive, &draft, &participants, &kicked, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal(draft, &s.Draft); err != nil {
		return Session{}, fmt.Errorf("decode draft: %w", err)
	}
	if err := json.Unmarshal(participants, &s.Participants); err != nil {
		return Session{}, fmt.Errorf("decode participants: %w", err)
	}
	if err := json.Unmarshal(kicked, &s.Kicked); err != nil {
		return Session{}, fmt.Errorf("decode kicked: %w", err)
	}
	return s, nil
}
