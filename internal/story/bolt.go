package story

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketStories = []byte("stories")
	bucketCanvas  = []byte("canvas")
	bucketResume  = []byte("resume")
	keyResume     = []byte("session")
)

// Uploader pushes a story to a remote backend. BoltStore calls it from
// SyncToBackend when configured.
type Uploader func(ctx context.Context, rec Record) error

// BoltStore is a Store backed by a local bbolt file. It also remembers the
// collaboration session to resume after a restart.
type BoltStore struct {
	db     *bolt.DB
	upload Uploader
	now    func() time.Time
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens or creates the store at path.
func OpenBolt(path string, upload Uploader) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open story store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketStories, bucketCanvas, bucketResume} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init story store: %w", err)
	}
	return &BoltStore{db: db, upload: upload, now: time.Now}, nil
}

// Close releases the underlying file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) CreateStory(ctx context.Context, title string) (string, error) {
	id := uuid.NewString()
	rec := Record{ID: id, Title: title, Status: StatusDraft, UpdatedAt: s.now()}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putRecord(tx, rec)
	})
	if err != nil {
		return "", fmt.Errorf("create story: %w", err)
	}
	return id, nil
}

func (s *BoltStore) Story(ctx context.Context, storyID string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx, storyID)
		return err
	})
	return rec, err
}

func (s *BoltStore) UpdateTitle(ctx context.Context, storyID, title string) error {
	return s.mutate(storyID, func(rec *Record) error {
		rec.Title = title
		return nil
	})
}

func (s *BoltStore) AddPage(ctx context.Context, storyID string) (Page, error) {
	p := Page{ID: uuid.NewString()}
	err := s.mutate(storyID, func(rec *Record) error {
		rec.Pages = append(rec.Pages, p)
		return nil
	})
	return p, err
}

func (s *BoltStore) AddPageWithID(ctx context.Context, storyID, pageID string) error {
	return s.mutate(storyID, func(rec *Record) error {
		rec.Pages = append(rec.Pages, Page{ID: pageID})
		return nil
	})
}

func (s *BoltStore) InsertPageAt(ctx context.Context, storyID string, index int) (Page, error) {
	p := Page{ID: uuid.NewString()}
	err := s.InsertPageAtWithID(ctx, storyID, index, p.ID)
	return p, err
}

func (s *BoltStore) InsertPageAtWithID(ctx context.Context, storyID string, index int, pageID string) error {
	return s.mutate(storyID, func(rec *Record) error {
		if index < 0 || index > len(rec.Pages) {
			index = len(rec.Pages)
		}
		rec.Pages = append(rec.Pages, Page{})
		copy(rec.Pages[index+1:], rec.Pages[index:])
		rec.Pages[index] = Page{ID: pageID}
		return nil
	})
}

func (s *BoltStore) RenamePage(ctx context.Context, storyID, oldID, newID string) error {
	err := s.mutate(storyID, func(rec *Record) error {
		i := pageIndex(rec.Pages, oldID)
		if i < 0 {
			return fmt.Errorf("page %s: %w", oldID, ErrNotFound)
		}
		rec.Pages[i].ID = newID
		return nil
	})
	if err != nil {
		return err
	}
	// Canvas data follows the page.
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCanvas)
		data := b.Get(canvasKey(storyID, oldID))
		if data == nil {
			return nil
		}
		if err := b.Put(canvasKey(storyID, newID), append([]byte(nil), data...)); err != nil {
			return err
		}
		return b.Delete(canvasKey(storyID, oldID))
	})
}

func (s *BoltStore) UpdatePage(ctx context.Context, storyID, pageID, text string) error {
	return s.mutate(storyID, func(rec *Record) error {
		i := pageIndex(rec.Pages, pageID)
		if i < 0 {
			return fmt.Errorf("page %s: %w", pageID, ErrNotFound)
		}
		rec.Pages[i].Text = text
		return nil
	})
}

func (s *BoltStore) DeletePage(ctx context.Context, storyID, pageID string) error {
	return s.mutate(storyID, func(rec *Record) error {
		i := pageIndex(rec.Pages, pageID)
		if i < 0 {
			return fmt.Errorf("page %s: %w", pageID, ErrNotFound)
		}
		rec.Pages = append(rec.Pages[:i], rec.Pages[i+1:]...)
		return nil
	})
}

func (s *BoltStore) SaveCanvasData(ctx context.Context, storyID, pageKey, dataURL string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCanvas)
		if dataURL == "" {
			return b.Delete(canvasKey(storyID, pageKey))
		}
		return b.Put(canvasKey(storyID, pageKey), []byte(dataURL))
	})
}

func (s *BoltStore) GetCanvasData(ctx context.Context, storyID, pageKey string) (string, error) {
	var out string
	err := s.db.View(func(tx *bolt.Tx) error {
		out = string(tx.Bucket(bucketCanvas).Get(canvasKey(storyID, pageKey)))
		return nil
	})
	return out, err
}

func (s *BoltStore) MarkAsDraft(ctx context.Context, storyID string) error {
	return s.mutate(storyID, func(rec *Record) error {
		rec.Status = StatusDraft
		return nil
	})
}

func (s *BoltStore) MarkAsSaved(ctx context.Context, storyID string) error {
	return s.mutate(storyID, func(rec *Record) error {
		rec.Status = StatusSaved
		return nil
	})
}

func (s *BoltStore) SyncToBackend(ctx context.Context, storyID string) error {
	rec, err := s.Story(ctx, storyID)
	if err != nil {
		return err
	}
	if s.upload != nil {
		if err := s.upload(ctx, rec); err != nil {
			return fmt.Errorf("sync story %s: %w", storyID, err)
		}
	}
	return s.mutate(storyID, func(rec *Record) error {
		rec.SyncedAt = s.now()
		return nil
	})
}

// SaveResume remembers the session to offer resuming after a restart.
func (s *BoltStore) SaveResume(sessionID string) error {
	data, err := json.Marshal(resumeRecord{SessionID: sessionID, SavedAt: s.now()})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResume).Put(keyResume, data)
	})
}

// LoadResume returns the remembered session if it is younger than maxAge.
// Expired records are cleared.
func (s *BoltStore) LoadResume(maxAge time.Duration) (string, bool, error) {
	var rec resumeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketResume).Get(keyResume)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil || rec.SessionID == "" {
		return "", false, err
	}
	if s.now().Sub(rec.SavedAt) >= maxAge {
		return "", false, s.ClearResume()
	}
	return rec.SessionID, true, nil
}

// ClearResume forgets the remembered session.
func (s *BoltStore) ClearResume() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResume).Delete(keyResume)
	})
}

type resumeRecord struct {
	SessionID string    `json:"session_id"`
	SavedAt   time.Time `json:"saved_at"`
}

func (s *BoltStore) mutate(storyID string, fn func(rec *Record) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, storyID)
		if err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.UpdatedAt = s.now()
		return putRecord(tx, rec)
	})
}

func getRecord(tx *bolt.Tx, storyID string) (Record, error) {
	data := tx.Bucket(bucketStories).Get([]byte(storyID))
	if data == nil {
		return Record{}, fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode story %s: %w", storyID, err)
	}
	return rec, nil
}

func putRecord(tx *bolt.Tx, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketStories).Put([]byte(rec.ID), data)
}

func canvasKey(storyID, pageKey string) []byte {
	return []byte(storyID + "/" + pageKey)
}

func pageIndex(pages []Page, id string) int {
	for i, p := range pages {
		if p.ID == id {
			return i
		}
	}
	return -1
}
