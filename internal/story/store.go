package story

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for unknown stories or pages.
var ErrNotFound = errors.New("story: not found")

// Status tracks whether a story is still a draft.
type Status string

const (
	StatusDraft Status = "draft"
	StatusSaved Status = "saved"
)

// Record is a persisted story.
type Record struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Pages     []Page    `json:"pages"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	SyncedAt  time.Time `json:"synced_at,omitempty"`
}

// Store is the persistent story/page store the sync engine writes through to.
// Canvas data is a bitmap data URL; an empty string clears it.
type Store interface {
	CreateStory(ctx context.Context, title string) (string, error)
	Story(ctx context.Context, storyID string) (Record, error)
	UpdateTitle(ctx context.Context, storyID, title string) error
	AddPage(ctx context.Context, storyID string) (Page, error)
	AddPageWithID(ctx context.Context, storyID, pageID string) error
	InsertPageAt(ctx context.Context, storyID string, index int) (Page, error)
	InsertPageAtWithID(ctx context.Context, storyID string, index int, pageID string) error
	RenamePage(ctx context.Context, storyID, oldID, newID string) error
	UpdatePage(ctx context.Context, storyID, pageID, text string) error
	DeletePage(ctx context.Context, storyID, pageID string) error
	SaveCanvasData(ctx context.Context, storyID, pageKey, dataURL string) error
	GetCanvasData(ctx context.Context, storyID, pageKey string) (string, error)
	MarkAsDraft(ctx context.Context, storyID string) error
	MarkAsSaved(ctx context.Context, storyID string) error
	SyncToBackend(ctx context.Context, storyID string) error
}
