// Package transport is the reconnecting websocket channel between a
// collaborator and the relay. Frames are delivered to a handler as they
// arrive; unexpected drops are retried with bounded exponential backoff.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"storysync/internal/wire"
)

// Close codes the relay uses to refuse or end a connection for good.
const (
	CloseSessionFull  = 4002
	CloseRemoved      = 4003
	CloseSessionEnded = 4004
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrSessionFull  = errors.New("transport: session is full")
	ErrRemoved      = errors.New("transport: removed from the session")
	ErrClosed       = errors.New("transport: closed")
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// EventKind is a connection state change.
type EventKind int

const (
	Connected EventKind = iota
	Reconnecting
	Failed
	Closed
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Event reports a state change. Resumed is set on a Connected that followed
// a drop; Attempt counts retries for Reconnecting.
type Event struct {
	Kind    EventKind
	Attempt int
	Resumed bool
	Err     error
}

// ResumeStore remembers the session to offer resuming after a restart.
type ResumeStore interface {
	SaveResume(sessionID string) error
	ClearResume() error
}

// Config wires a Conn.
type Config struct {
	// BaseURL is the relay's websocket root, e.g. ws://localhost:8081.
	BaseURL     string
	SessionID   string
	UserID      string
	Username    string
	DisplayName string

	Dialer *websocket.Dialer
	Header http.Header
	Logger *slog.Logger
	Resume ResumeStore

	// OnMessage and OnEvent run on the transport's goroutines.
	OnMessage func(wire.Message)
	OnEvent   func(Event)

	// BaseDelay is the first retry delay, doubled per attempt. Default 1s.
	BaseDelay time.Duration
	// MaxAttempts bounds retries before Failed. Default 5.
	MaxAttempts int
}

// link is one websocket connection and its write queue.
type link struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Conn is a session channel. It is safe for concurrent use.
type Conn struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	link     *link
	closed   bool
	retrying bool
	cancel   context.CancelFunc
	policy   backoff.BackOff
}

// SessionURL builds the websocket address of a session.
func SessionURL(base, sessionID, userID, username, displayName string) string {
	q := url.Values{}
	q.Set("user_id", userID)
	if username != "" {
		q.Set("username", username)
	}
	if displayName != "" {
		q.Set("display_name", displayName)
	}
	return fmt.Sprintf("%s/ws/collaborate/%s?%s", strings.TrimRight(base, "/"), url.PathEscape(sessionID), q.Encode())
}

// Dial opens the session channel. The first connection is not retried.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	c := &Conn{
		cfg: cfg,
		log: cfg.Logger.With("component", "transport", "session_id", cfg.SessionID),
	}
	c.policy = c.newPolicy()
	if err := c.connect(ctx, false); err != nil {
		return nil, err
	}
	return c, nil
}

// newPolicy doubles the delay from BaseDelay with no jitter and gives up
// after MaxAttempts.
func (c *Conn) newPolicy() backoff.BackOff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         c.cfg.BaseDelay << uint(c.cfg.MaxAttempts),
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(c.cfg.MaxAttempts))
}

func (c *Conn) connect(ctx context.Context, resumed bool) error {
	u := SessionURL(c.cfg.BaseURL, c.cfg.SessionID, c.cfg.UserID, c.cfg.Username, c.cfg.DisplayName)
	ws, resp, err := c.cfg.Dialer.DialContext(ctx, u, c.cfg.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", c.cfg.SessionID, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", c.cfg.SessionID, err)
	}

	l := &link{ws: ws, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	c.link = l
	c.retrying = false
	c.policy.Reset()
	c.mu.Unlock()

	if c.cfg.Resume != nil {
		if err := c.cfg.Resume.SaveResume(c.cfg.SessionID); err != nil {
			c.log.Warn("saving resume record failed", "error", err)
		}
	}
	c.log.Info("connected", "resumed", resumed)
	go c.writePump(l)
	go c.readPump(l)
	c.emit(Event{Kind: Connected, Resumed: resumed})
	return nil
}

// Send queues a frame. It fails fast while disconnected.
func (c *Conn) Send(m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.link == nil {
		return ErrNotConnected
	}
	select {
	case c.link.send <- data:
		return nil
	default:
		return fmt.Errorf("send %s: write queue full", m.Type)
	}
}

// Connected reports whether a live link exists.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Retry starts a fresh round of reconnect attempts after Failed.
func (c *Conn) Retry() {
	c.mu.Lock()
	if c.closed || c.link != nil || c.retrying {
		c.mu.Unlock()
		return
	}
	c.policy.Reset()
	c.mu.Unlock()
	c.startReconnect()
}

// Cancel abandons reconnecting and closes the channel.
func (c *Conn) Cancel() {
	c.shutdown(false)
}

// Close ends the session channel cleanly and forgets the resume record.
func (c *Conn) Close() error {
	c.shutdown(true)
	return nil
}

func (c *Conn) shutdown(clean bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	l := c.link
	c.link = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	if l != nil {
		close(l.send)
	}
	if clean && c.cfg.Resume != nil {
		if err := c.cfg.Resume.ClearResume(); err != nil {
			c.log.Warn("clearing resume record failed", "error", err)
		}
	}
	c.emit(Event{Kind: Closed})
}

func (c *Conn) emit(e Event) {
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(e)
	}
}

func (c *Conn) readPump(l *link) {
	defer close(l.done)
	l.ws.SetReadDeadline(time.Now().Add(pongWait))
	l.ws.SetPongHandler(func(string) error {
		return l.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	var err error
	for {
		var data []byte
		_, data, err = l.ws.ReadMessage()
		if err != nil {
			break
		}
		m, derr := wire.Decode(data)
		if derr != nil {
			c.log.Warn("dropping malformed frame", "error", derr)
			continue
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(m)
		}
	}
	c.dropped(l, err)
}

func (c *Conn) writePump(l *link) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.ws.Close()
	}()
	for {
		select {
		case data, ok := <-l.send:
			l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				l.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := l.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("write failed", "error", err)
				return
			}
		case <-ticker.C:
			l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-l.done:
			return
		}
	}
}

// dropped handles the end of a link's read loop.
func (c *Conn) dropped(l *link, err error) {
	c.mu.Lock()
	if c.closed || c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	c.mu.Unlock()
	close(l.send)

	switch {
	case websocket.IsCloseError(err, CloseSessionFull):
		c.log.Warn("relay refused connection", "reason", "session full")
		c.emit(Event{Kind: Failed, Err: ErrSessionFull})
		return
	case websocket.IsCloseError(err, CloseRemoved):
		c.log.Warn("relay refused connection", "reason", "removed")
		c.emit(Event{Kind: Failed, Err: ErrRemoved})
		return
	case websocket.IsCloseError(err, CloseSessionEnded):
		c.log.Info("relay ended the session")
		if c.cfg.Resume != nil {
			if err := c.cfg.Resume.ClearResume(); err != nil {
				c.log.Warn("clearing resume record failed", "error", err)
			}
		}
		c.emit(Event{Kind: Closed})
		return
	}
	c.log.Warn("connection lost", "error", err)
	c.startReconnect()
}

func (c *Conn) startReconnect() {
	c.mu.Lock()
	if c.closed || c.retrying {
		c.mu.Unlock()
		return
	}
	c.retrying = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()
	go c.reconnect(ctx)
}

func (c *Conn) reconnect(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		c.mu.Lock()
		delay := c.policy.NextBackOff()
		c.mu.Unlock()
		if delay == backoff.Stop {
			c.mu.Lock()
			c.retrying = false
			c.mu.Unlock()
			c.log.Error("giving up reconnecting", "attempts", attempt-1)
			c.emit(Event{Kind: Failed, Attempt: attempt - 1, Err: ErrNotConnected})
			return
		}
		c.emit(Event{Kind: Reconnecting, Attempt: attempt})
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		err := c.connect(ctx, true)
		if err == nil {
			return
		}
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			return
		}
		c.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}
}
