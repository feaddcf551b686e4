package pages

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storysync/internal/story"
	"storysync/internal/testutil"
	"storysync/internal/wire"
)

type recorder struct {
	sent []wire.Message
}

func (r *recorder) Send(m wire.Message) error {
	r.sent = append(r.sent, m)
	return nil
}

func (r *recorder) ofType(typ string) []wire.Message {
	var out []wire.Message
	for _, m := range r.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func newTestReconciler(t *testing.T, self string, pages ...story.Page) (*Reconciler, *recorder, *testutil.FakeClock) {
	t.Helper()
	rec := &recorder{}
	clk := testutil.NewFakeClock()
	r := New(Config{
		Self:  self,
		Draft: story.NewDraft("Tale", pages...),
		Send:  rec,
		Clock: clk,
	})
	r.SetCollaborating(true)
	return r, rec, clk
}

func texts(d *story.Draft) []string {
	var out []string
	for _, p := range d.Pages() {
		out = append(out, p.Text)
	}
	return out
}

func snapshotPages() []wire.Page {
	return []wire.Page{
		{ID: "p1", Text: "once"},
		{ID: "p2", Text: "upon"},
		{ID: "p3", Text: "a time"},
	}
}

func TestApplySnapshot_Idempotent(t *testing.T) {
	r, _, _ := newTestReconciler(t, "u1", story.Page{ID: "p1", Text: "old"})

	r.ApplySnapshot("Tale", snapshotPages())
	first := r.Draft().Pages()
	v := r.Draft().Version()

	r.ApplySnapshot("Tale", snapshotPages())
	assert.Equal(t, first, r.Draft().Pages())
	assert.Equal(t, v, r.Draft().Version())
	assert.Equal(t, []string{"once", "upon", "a time"}, texts(r.Draft()))
}

func TestApplySnapshot_RemapsPendingIDs(t *testing.T) {
	var remaps [][2]string
	r, _, _ := newTestReconciler(t, "u1")
	r.cfg.Hooks.PageConfirmed = func(oldID, newID string) {
		remaps = append(remaps, [2]string{oldID, newID})
	}

	r.OnPageAdded(wire.Message{Type: wire.TypePageAdded, UserID: "u2", PageIndex: wire.Int(1)})
	require.Equal(t, 2, r.Draft().Len())
	p, _ := r.Draft().Page(0)
	require.True(t, p.Pending)

	r.ApplySnapshot("", snapshotPages()[:2])

	for i, want := range []string{"p1", "p2"} {
		got, _ := r.Draft().Page(i)
		assert.Equal(t, want, got.ID)
		assert.False(t, got.Pending)
	}
	assert.Len(t, remaps, 2)
}

func TestApplySnapshot_KeepsSurplusPages(t *testing.T) {
	r, _, _ := newTestReconciler(t, "u1",
		story.Page{ID: "p1"}, story.Page{ID: "p2"}, story.Page{ID: "p3"}, story.Page{ID: "extra", Text: "mine"})
	require.NoError(t, r.Navigate(3))

	r.ApplySnapshot("", snapshotPages())

	require.Equal(t, 4, r.Draft().Len())
	assert.Equal(t, 3, r.Draft().IndexOf("extra"))
	p, _ := r.Draft().Page(3)
	assert.Equal(t, "mine", p.Text)
	assert.Equal(t, 3, r.Current())
}

func TestOnPageAdded_FillsGap(t *testing.T) {
	r, _, _ := newTestReconciler(t, "u1", story.Page{ID: "p0"})

	r.OnPageAdded(wire.Message{
		Type:      wire.TypePageAdded,
		UserID:    "u2",
		PageIndex: wire.Int(3),
		PageID:    "p3",
		Text:      wire.String("dragons"),
	})

	require.Equal(t, 4, r.Draft().Len())
	assert.Equal(t, []string{"", "", "", "dragons"}, texts(r.Draft()))
	for _, i := range []int{1, 2} {
		p, _ := r.Draft().Page(i)
		assert.True(t, p.Pending, "gap page %d should be pending", i)
	}
	p, _ := r.Draft().Page(3)
	assert.Equal(t, "p3", p.ID)
}

func TestOnPageAdded_RemoteNeverMovesFocus(t *testing.T) {
	r, _, _ := newTestReconciler(t, "userB",
		story.Page{ID: "p0"}, story.Page{ID: "p1"}, story.Page{ID: "p2"})
	require.NoError(t, r.Navigate(2))

	r.OnPageAdded(wire.Message{Type: wire.TypePageAdded, UserID: "userA", PageIndex: wire.Int(1), PageID: "new"})

	assert.Equal(t, 4, r.Draft().Len())
	assert.Equal(t, 2, r.Current())
}

func TestOnPageAdded_OwnEchoMovesFocusOnce(t *testing.T) {
	r, rec, _ := newTestReconciler(t, "u1", story.Page{ID: "p0"})

	require.NoError(t, r.LocalAddPage(1))
	assert.Equal(t, 1, r.Draft().Len(), "local add must wait for the echo")
	require.Len(t, rec.ofType(wire.TypeAddPage), 1)
	assert.Equal(t, 1, r.PendingAdds())

	echo := wire.Message{Type: wire.TypePageAdded, UserID: "u1", PageIndex: wire.Int(1), PageID: "srv"}
	r.OnPageAdded(echo)
	r.OnPageAdded(echo)

	assert.Equal(t, 2, r.Draft().Len())
	assert.Equal(t, 1, r.Current())
	assert.Equal(t, 0, r.PendingAdds())
}

func TestOnPageAdded_DuplicateWithoutID(t *testing.T) {
	r, _, _ := newTestReconciler(t, "u1", story.Page{ID: "p0"}, story.Page{ID: "p1"})

	r.OnPageAdded(wire.Message{Type: wire.TypePageAdded, UserID: "u2", PageIndex: wire.Int(1)})

	assert.Equal(t, 2, r.Draft().Len())
}

func TestOnPageDeleted_AdjustsCursor(t *testing.T) {
	cases := []struct {
		name    string
		current int
		deleted int
		want    int
	}{
		{"on deleted page", 2, 2, 1},
		{"on first page deleted", 0, 0, 0},
		{"after deleted page", 3, 1, 2},
		{"before deleted page", 0, 2, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _, _ := newTestReconciler(t, "u1",
				story.Page{ID: "a"}, story.Page{ID: "b"}, story.Page{ID: "c"}, story.Page{ID: "d"})
			require.NoError(t, r.Navigate(tc.current))

			r.OnPageDeleted(wire.Message{Type: wire.TypePageDeleted, UserID: "u2", PageIndex: wire.Int(tc.deleted)})

			assert.Equal(t, 3, r.Draft().Len())
			assert.Equal(t, tc.want, r.Current())
		})
	}
}

func TestOnPageDeleted_ByIDAndUnknown(t *testing.T) {
	var removed []string
	r, _, _ := newTestReconciler(t, "u1", story.Page{ID: "a"}, story.Page{ID: "b"})
	r.cfg.Hooks.PageRemoved = func(id string) { removed = append(removed, id) }

	r.OnPageDeleted(wire.Message{Type: wire.TypePageDeleted, PageID: "missing"})
	r.OnPageDeleted(wire.Message{Type: wire.TypePageDeleted, PageIndex: wire.Int(7)})
	assert.Equal(t, 2, r.Draft().Len())

	r.OnPageDeleted(wire.Message{Type: wire.TypePageDeleted, PageID: "b"})
	assert.Equal(t, 1, r.Draft().Len())
	assert.Equal(t, []string{"b"}, removed)
}

func TestOnTextEdit_IgnoresOwnEcho(t *testing.T) {
	r, _, _ := newTestReconciler(t, "u1", story.Page{ID: "a", Text: "mine"})
	v := r.Draft().Version()

	r.OnTextEdit(wire.Message{Type: wire.TypeTextEdit, UserID: "u1", PageIndex: wire.Int(0), Text: wire.String("echo")})
	r.OnTextEdit(wire.Message{Type: wire.TypeTextEdit, UserID: "u1", PageIndex: wire.Int(4), Text: wire.String("echo")})

	assert.Equal(t, v, r.Draft().Version())
	assert.Equal(t, []string{"mine"}, texts(r.Draft()))
}

func TestOnTextEdit_PrefersIndexAndSynthesizesPages(t *testing.T) {
	r, _, _ := newTestReconciler(t, "u1", story.Page{ID: "a"}, story.Page{ID: "b"})

	r.OnTextEdit(wire.Message{Type: wire.TypeTextEdit, UserID: "u2", PageID: "a", PageIndex: wire.Int(1), Text: wire.String("by index")})
	assert.Equal(t, []string{"", "by index"}, texts(r.Draft()))

	r.OnTextEdit(wire.Message{Type: wire.TypeTextEdit, UserID: "u2", PageIndex: wire.Int(3), Text: wire.String("far")})
	assert.Equal(t, []string{"", "by index", "", "far"}, texts(r.Draft()))

	r.OnTextEdit(wire.Message{Type: wire.TypeTextEdit, UserID: "u2", PageID: "a", Text: wire.String("by id")})
	assert.Equal(t, "by id", texts(r.Draft())[0])
}

func TestLocalTextEdit_DebouncedAndEchoSafe(t *testing.T) {
	r, rec, clk := newTestReconciler(t, "u1", story.Page{ID: "a"})

	require.NoError(t, r.LocalTextEdit(0, "h"))
	clk.Advance(200 * time.Millisecond)
	require.NoError(t, r.LocalTextEdit(0, "he"))
	clk.Advance(200 * time.Millisecond)
	require.NoError(t, r.LocalTextEdit(0, "hey"))
	assert.Empty(t, rec.ofType(wire.TypeTextEdit))

	clk.Advance(500 * time.Millisecond)
	edits := rec.ofType(wire.TypeTextEdit)
	require.Len(t, edits, 1)
	assert.Equal(t, "hey", *edits[0].Text)
	assert.Equal(t, 0, *edits[0].PageIndex)
	assert.Equal(t, "a", edits[0].PageID)
	assert.Equal(t, "u1", edits[0].UserID)

	// Remote text applied, then the editor reports the same value back.
	r.OnTextEdit(wire.Message{Type: wire.TypeTextEdit, UserID: "u2", PageIndex: wire.Int(0), Text: wire.String("theirs")})
	require.NoError(t, r.LocalTextEdit(0, "theirs"))
	clk.Advance(time.Second)
	assert.Len(t, rec.ofType(wire.TypeTextEdit), 1)
	assert.False(t, r.ReceivingRemote())
}

func TestLocalTextEdit_RemoteEditOnOtherPageDoesNotSuppress(t *testing.T) {
	r, rec, clk := newTestReconciler(t, "u1", story.Page{ID: "a"}, story.Page{ID: "b"})

	r.OnTextEdit(wire.Message{Type: wire.TypeTextEdit, UserID: "u2", PageIndex: wire.Int(1), Text: wire.String("theirs")})
	require.True(t, r.ReceivingRemote())
	require.NoError(t, r.LocalTextEdit(0, "my final sentence"))
	clk.Advance(5 * time.Second)

	edits := rec.ofType(wire.TypeTextEdit)
	require.Len(t, edits, 1)
	assert.Equal(t, "my final sentence", *edits[0].Text)
	assert.Equal(t, 0, *edits[0].PageIndex)
	assert.False(t, r.ReceivingRemote())
}

func TestLocalTextEdit_NewTextOnHeldPageIsSent(t *testing.T) {
	r, rec, clk := newTestReconciler(t, "u1", story.Page{ID: "a"})

	r.OnTextEdit(wire.Message{Type: wire.TypeTextEdit, UserID: "u2", PageIndex: wire.Int(0), Text: wire.String("theirs")})
	require.NoError(t, r.LocalTextEdit(0, "theirs and mine"))
	clk.Advance(time.Second)

	edits := rec.ofType(wire.TypeTextEdit)
	require.Len(t, edits, 1)
	assert.Equal(t, "theirs and mine", *edits[0].Text)
}

func TestLocalTitleEdit_RefusesEmpty(t *testing.T) {
	r, rec, _ := newTestReconciler(t, "u1", story.Page{ID: "a"})

	assert.ErrorIs(t, r.LocalTitleEdit("   "), ErrEmptyTitle)
	require.NoError(t, r.LocalTitleEdit("Dragons"))
	assert.Equal(t, "Dragons", r.Draft().Title())
	assert.Len(t, rec.ofType(wire.TypeTitleEdit), 1)

	r.OnTitleEdit(wire.Message{Type: wire.TypeTitleEdit, UserID: "u1", Title: "echo"})
	r.OnTitleEdit(wire.Message{Type: wire.TypeTitleEdit, UserID: "u2", Title: ""})
	assert.Equal(t, "Dragons", r.Draft().Title())
}

func TestSoloMode_AppliesLocally(t *testing.T) {
	r, rec, _ := newTestReconciler(t, "u1", story.Page{ID: "a"})
	r.SetCollaborating(false)

	require.NoError(t, r.LocalAddPage(1))
	assert.Equal(t, 2, r.Draft().Len())
	assert.Equal(t, 1, r.Current())

	require.NoError(t, r.LocalDeletePage(0))
	assert.Equal(t, 1, r.Draft().Len())
	assert.Empty(t, rec.sent)
}

func TestReconciler_WritesThroughToStore(t *testing.T) {
	ctx := context.Background()
	s, err := story.OpenBolt(filepath.Join(t.TempDir(), "s.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	storyID, err := s.CreateStory(ctx, "")
	require.NoError(t, err)

	r := New(Config{Self: "u1", StoryID: storyID, Store: s, Clock: testutil.NewFakeClock()})
	r.SetCollaborating(true)
	r.ApplySnapshot("Stars", snapshotPages())
	r.OnPageDeleted(wire.Message{Type: wire.TypePageDeleted, PageIndex: wire.Int(0)})

	rec, err := s.Story(ctx, storyID)
	require.NoError(t, err)
	assert.Equal(t, "Stars", rec.Title)
	require.Len(t, rec.Pages, 2)
	assert.Equal(t, "p2", rec.Pages[0].ID)
	assert.Equal(t, "upon", rec.Pages[0].Text)
}
