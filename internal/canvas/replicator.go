// Package canvas replicates drawing operations between collaborators' page
// canvases. Remote operations are painted on a per-page preview surface and
// kept in a bounded log so late viewers can replay recent strokes.
package canvas

import (
	"fmt"
	"log/slog"
	"time"

	"storysync/internal/clock"
	"storysync/internal/wire"
)

const (
	DefaultWidth  = 500
	DefaultHeight = 500
)

// Entry is one logged operation.
type Entry struct {
	Op     wire.DrawOp
	Author string
	At     time.Time
}

// Badge describes recent remote drawing on a page.
type Badge struct {
	Author  string
	At      time.Time
	Pulsing bool
}

// Config wires a Replicator.
type Config struct {
	Clock  clock.Clock
	Logger *slog.Logger

	Width, Height int
	// LogLimit bounds the per-page operation log. Default 100.
	LogLimit int
	// BadgeTTL is how long a page shows recent activity. Default 30s.
	BadgeTTL time.Duration
	// PulseTTL is how long the badge pulses after a stroke. Default 5s.
	PulseTTL time.Duration
}

type page struct {
	surface    *Surface
	log        []Entry
	lastUpdate time.Time
	snapshot   string
	badge      Badge
}

// Replicator owns every page's preview state. It is not safe for concurrent
// use.
type Replicator struct {
	cfg   Config
	log   *slog.Logger
	pages map[string]*page
}

// New returns an empty replicator.
func New(cfg Config) *Replicator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = DefaultHeight
	}
	if cfg.LogLimit <= 0 {
		cfg.LogLimit = 100
	}
	if cfg.BadgeTTL <= 0 {
		cfg.BadgeTTL = 30 * time.Second
	}
	if cfg.PulseTTL <= 0 {
		cfg.PulseTTL = 5 * time.Second
	}
	return &Replicator{
		cfg:   cfg,
		log:   cfg.Logger.With("component", "canvas"),
		pages: make(map[string]*page),
	}
}

func (r *Replicator) page(key string) *page {
	p, ok := r.pages[key]
	if !ok {
		p = &page{surface: NewSurface(r.cfg.Width, r.cfg.Height)}
		r.pages[key] = p
	}
	return p
}

// OnDraw logs and paints a remote operation. Unknown operation types are
// skipped, and a failure painting one operation does not affect the log.
func (r *Replicator) OnDraw(key, author string, op wire.DrawOp) {
	if !knownKind(op.Kind) {
		r.log.Warn("skipping unknown draw operation", "page_key", key, "op_type", op.Kind)
		return
	}
	now := r.cfg.Clock.Now()
	p := r.page(key)
	p.log = append(p.log, Entry{Op: op, Author: author, At: now})
	if over := len(p.log) - r.cfg.LogLimit; over > 0 {
		p.log = append(p.log[:0:0], p.log[over:]...)
	}
	p.lastUpdate = now
	p.badge = Badge{Author: author, At: now}
	if err := r.paint(p.surface, op); err != nil {
		r.log.Error("draw operation failed", "page_key", key, "op_type", op.Kind, "error", err)
	}
}

func (r *Replicator) paint(s *Surface, op wire.DrawOp) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("paint %s: %v", op.Kind, v)
		}
	}()
	return s.Apply(op)
}

// OnClear empties a page's preview, log and activity badge.
func (r *Replicator) OnClear(key string) {
	p := r.page(key)
	p.surface.Clear()
	p.log = nil
	p.snapshot = ""
	p.badge = Badge{}
	p.lastUpdate = r.cfg.Clock.Now()
}

// Entries returns a copy of the page's operation log, oldest first.
func (r *Replicator) Entries(key string) []Entry {
	p, ok := r.pages[key]
	if !ok {
		return nil
	}
	return append([]Entry(nil), p.log...)
}

// LastUpdate returns when the page last changed.
func (r *Replicator) LastUpdate(key string) (time.Time, bool) {
	p, ok := r.pages[key]
	if !ok || p.lastUpdate.IsZero() {
		return time.Time{}, false
	}
	return p.lastUpdate, true
}

// Activity returns the page's recent-drawing badge. It fades after the badge
// window and pulses only right after a stroke.
func (r *Replicator) Activity(key string) (Badge, bool) {
	p, ok := r.pages[key]
	if !ok || p.badge.At.IsZero() {
		return Badge{}, false
	}
	age := r.cfg.Clock.Now().Sub(p.badge.At)
	if age >= r.cfg.BadgeTTL {
		return Badge{}, false
	}
	b := p.badge
	b.Pulsing = age < r.cfg.PulseTTL
	return b, true
}

// Surface returns the page's preview surface, creating it if needed.
func (r *Replicator) Surface(key string) *Surface { return r.page(key).surface }

// Capture encodes the page's preview as a PNG data URL and remembers it as
// the page's latest snapshot.
func (r *Replicator) Capture(key string) (string, error) {
	p := r.page(key)
	url, err := p.surface.Capture()
	if err != nil {
		return "", err
	}
	p.snapshot = url
	return url, nil
}

// Snapshot returns the last captured or loaded snapshot for a page.
func (r *Replicator) Snapshot(key string) string {
	if p, ok := r.pages[key]; ok {
		return p.snapshot
	}
	return ""
}

// Load repaints a page's preview from a snapshot. The operation log is kept;
// it only describes strokes drawn after the snapshot.
func (r *Replicator) Load(key, dataURL string) error {
	if dataURL == "" {
		return nil
	}
	p := r.page(key)
	if err := p.surface.Load(dataURL); err != nil {
		return fmt.Errorf("load snapshot for %s: %w", key, err)
	}
	p.snapshot = dataURL
	p.lastUpdate = r.cfg.Clock.Now()
	return nil
}

// LoadAll repaints every page present in an init canvas map.
func (r *Replicator) LoadAll(data map[string]string) {
	for key, url := range data {
		if err := r.Load(key, url); err != nil {
			r.log.Warn("skipping canvas snapshot", "page_key", key, "error", err)
		}
	}
}

// Rekey moves a page's state to its confirmed id.
func (r *Replicator) Rekey(oldKey, newKey string) {
	p, ok := r.pages[oldKey]
	if !ok || oldKey == newKey {
		return
	}
	delete(r.pages, oldKey)
	r.pages[newKey] = p
}

// Forget drops a removed page.
func (r *Replicator) Forget(key string) { delete(r.pages, key) }

// Keys lists pages with preview state.
func (r *Replicator) Keys() []string {
	out := make([]string, 0, len(r.pages))
	for k := range r.pages {
		out = append(out, k)
	}
	return out
}

func knownKind(k wire.OpKind) bool {
	switch k {
	case wire.OpPath, wire.OpBrush, wire.OpShape, wire.OpText, wire.OpEraser:
		return true
	}
	return false
}
