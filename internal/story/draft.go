// Package story holds the shared StoryDraft mirror and the port to the local
// story store that persists it.
package story

import "storysync/internal/wire"

// Page is one page of the local mirror. Pending pages carry a temporary id
// generated locally and are waiting for an authoritative id.
type Page struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Pending bool   `json:"pending,omitempty"`
}

// Draft is the single owned mirror of the shared story. It is not safe for
// concurrent use; the engine's event loop is its only caller. Every mutation
// bumps Version so views can observe changes without being re-triggered by
// each handler.
type Draft struct {
	title   string
	pages   []Page
	version uint64
}

// NewDraft returns a draft with the given title and pages.
func NewDraft(title string, pages ...Page) *Draft {
	d := &Draft{title: title}
	d.pages = append(d.pages, pages...)
	return d
}

func (d *Draft) Title() string { return d.title }
func (d *Draft) Len() int { return len(d.pages) }
func (d *Draft) Version() uint64 { return d.version }

// SetTitle replaces the title, reporting whether it changed.
func (d *Draft) SetTitle(title string) bool {
	if d.title == title {
		return false
	}
	d.title = title
	d.version++
	return true
}

// Page returns the page at index i.
func (d *Draft) Page(i int) (Page, bool) {
	if i < 0 || i >= len(d.pages) {
		return Page{}, false
	}
	return d.pages[i], true
}

// Pages returns a copy of the ordered page list.
func (d *Draft) Pages() []Page {
	out := make([]Page, len(d.pages))
	copy(out, d.pages)
	return out
}

// IndexOf returns the index of the page with the given id, or -1.
func (d *Draft) IndexOf(id string) int {
	if id == "" {
		return -1
	}
	for i, p := range d.pages {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// InsertAt inserts p at index i, clamped to [0, Len].
func (d *Draft) InsertAt(i int, p Page) int {
	if i < 0 {
		i = 0
	}
	if i > len(d.pages) {
		i = len(d.pages)
	}
	d.pages = append(d.pages, Page{})
	copy(d.pages[i+1:], d.pages[i:])
	d.pages[i] = p
	d.version++
	return i
}

// DeleteAt removes and returns the page at index i.
func (d *Draft) DeleteAt(i int) (Page, bool) {
	if i < 0 || i >= len(d.pages) {
		return Page{}, false
	}
	p := d.pages[i]
	d.pages = append(d.pages[:i], d.pages[i+1:]...)
	d.version++
	return p, true
}

// SetText replaces the text of page i, reporting whether it changed.
func (d *Draft) SetText(i int, text string) bool {
	if i < 0 || i >= len(d.pages) || d.pages[i].Text == text {
		return false
	}
	d.pages[i].Text = text
	d.version++
	return true
}

// Confirm gives page i its authoritative id and clears the pending marker.
// It returns the id the page carried before.
func (d *Draft) Confirm(i int, id string) (string, bool) {
	if i < 0 || i >= len(d.pages) {
		return "", false
	}
	old := d.pages[i].ID
	if old == id && !d.pages[i].Pending {
		return old, true
	}
	d.pages[i].ID = id
	d.pages[i].Pending = false
	d.version++
	return old, true
}

// Snapshot renders the draft as a wire snapshot.
func (d *Draft) Snapshot() wire.StoryDraft {
	s := wire.StoryDraft{Title: d.title, Pages: make([]wire.Page, len(d.pages))}
	for i, p := range d.pages {
		s.Pages[i] = wire.Page{ID: p.ID, Text: p.Text}
	}
	return s
}
