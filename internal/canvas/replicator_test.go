package canvas

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storysync/internal/testutil"
	"storysync/internal/wire"
)

func stroke(x float64) wire.DrawOp {
	return wire.DrawOp{
		Kind:        wire.OpPath,
		Points:      []wire.Point{{X: x, Y: 10}, {X: x + 5, Y: 20}},
		Color:       "#FF6B6B",
		StrokeWidth: 4,
	}
}

func TestReplicator_LogKeepsMostRecent(t *testing.T) {
	r := New(Config{Clock: testutil.NewFakeClock()})
	for i := 0; i < 150; i++ {
		r.OnDraw("p1", "u2", stroke(float64(i)))
	}
	entries := r.Entries("p1")
	require.Len(t, entries, 100)
	assert.Equal(t, 50.0, entries[0].Op.Points[0].X)
	assert.Equal(t, 149.0, entries[99].Op.Points[0].X)
}

func TestReplicator_UnknownOpSkipped(t *testing.T) {
	r := New(Config{Clock: testutil.NewFakeClock()})
	r.OnDraw("p1", "u2", wire.DrawOp{Kind: "sparkles"})
	r.OnDraw("p1", "u2", stroke(1))
	assert.Len(t, r.Entries("p1"), 1)
}

func TestReplicator_BadFillDoesNotCorruptLog(t *testing.T) {
	r := New(Config{Clock: testutil.NewFakeClock()})
	r.OnDraw("p1", "u2", wire.DrawOp{Kind: wire.OpShape, ShapeType: "hexagon", Bounds: &wire.Rect{Width: 10, Height: 10}})
	r.OnDraw("p1", "u2", stroke(1))
	assert.Len(t, r.Entries("p1"), 2)
	assert.NotZero(t, r.Surface("p1").Image().At(2, 12))
}

func TestReplicator_ActivityBadge(t *testing.T) {
	clk := testutil.NewFakeClock()
	r := New(Config{Clock: clk})
	_, ok := r.Activity("p1")
	assert.False(t, ok)

	r.OnDraw("p1", "u2", stroke(1))
	b, ok := r.Activity("p1")
	require.True(t, ok)
	assert.Equal(t, "u2", b.Author)
	assert.True(t, b.Pulsing)

	clk.Advance(6 * time.Second)
	b, ok = r.Activity("p1")
	require.True(t, ok)
	assert.False(t, b.Pulsing)

	clk.Advance(25 * time.Second)
	_, ok = r.Activity("p1")
	assert.False(t, ok)
}

func TestReplicator_ClearResetsPage(t *testing.T) {
	r := New(Config{Clock: testutil.NewFakeClock()})
	r.OnDraw("p1", "u2", stroke(1))
	_, drawing := r.Activity("p1")
	require.True(t, drawing)

	r.OnClear("p1")
	assert.Empty(t, r.Entries("p1"))
	_, drawing = r.Activity("p1")
	assert.False(t, drawing)
	_, _, _, a := r.Surface("p1").Image().At(2, 12).RGBA()
	assert.Zero(t, a)
}

func TestReplicator_CaptureAndLoad(t *testing.T) {
	src := New(Config{Clock: testutil.NewFakeClock()})
	src.OnDraw("cover", "u2", wire.DrawOp{
		Kind:      wire.OpShape,
		ShapeType: "rectangle",
		Filled:    true,
		Color:     "#4ECDC4",
		Bounds:    &wire.Rect{X: 10, Y: 10, Width: 20, Height: 20},
	})
	url, err := src.Capture("cover")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "data:image/png;base64,"))
	assert.Equal(t, url, src.Snapshot("cover"))

	dst := New(Config{Clock: testutil.NewFakeClock()})
	dst.LoadAll(map[string]string{"cover": url, "broken": "data:image/png;base64,!!"})
	r, g, b, _ := dst.Surface("cover").Image().At(15, 15).RGBA()
	assert.Equal(t, uint32(0x4e4e), r)
	assert.Equal(t, uint32(0xcdcd), g)
	assert.Equal(t, uint32(0xc4c4), b)
	assert.Empty(t, dst.Snapshot("broken"))
}

func TestReplicator_Rekey(t *testing.T) {
	r := New(Config{Clock: testutil.NewFakeClock()})
	r.OnDraw("local-1", "u2", stroke(1))
	r.Rekey("local-1", "p9")
	assert.Empty(t, r.Entries("local-1"))
	assert.Len(t, r.Entries("p9"), 1)

	r.Forget("p9")
	assert.Empty(t, r.Keys())
}

func TestSurface_EraserClears(t *testing.T) {
	s := NewSurface(50, 50)
	require.NoError(t, s.Apply(wire.DrawOp{Kind: wire.OpShape, ShapeType: "rectangle", Filled: true, Color: "#000", Bounds: &wire.Rect{Width: 50, Height: 50}}))
	require.NoError(t, s.Apply(wire.DrawOp{Kind: wire.OpEraser, Points: []wire.Point{{X: 25, Y: 25}}, Size: 10}))
	_, _, _, a := s.Image().At(25, 25).RGBA()
	assert.Zero(t, a)
	_, _, _, a = s.Image().At(2, 2).RGBA()
	assert.NotZero(t, a)
}

func TestSurface_MarkerIsTranslucent(t *testing.T) {
	s := NewSurface(50, 50)
	require.NoError(t, s.Apply(wire.DrawOp{Kind: wire.OpBrush, BrushType: "marker", Color: "#FF0000", StrokeWidth: 6, Points: []wire.Point{{X: 5, Y: 25}, {X: 45, Y: 25}}}))
	_, _, _, a := s.Image().At(25, 25).RGBA()
	assert.Less(t, a, uint32(0xffff))
	assert.NotZero(t, a)
}

func TestSurface_TextAndShapes(t *testing.T) {
	s := NewSurface(100, 100)
	require.NoError(t, s.Apply(wire.DrawOp{Kind: wire.OpText, Text: "Hi", X: 10, Y: 30, Color: "#5F27CD"}))
	require.NoError(t, s.Apply(wire.DrawOp{Kind: wire.OpShape, ShapeType: "circle", Bounds: &wire.Rect{X: 50, Y: 50, Width: 40, Height: 40}}))
	require.NoError(t, s.Apply(wire.DrawOp{Kind: wire.OpShape, ShapeType: "line", Bounds: &wire.Rect{X: 0, Y: 90, Width: 100, Height: 0}}))
	require.ErrorIs(t, s.Apply(wire.DrawOp{Kind: "laser"}), ErrUnknownOp)
}

func TestParseColor(t *testing.T) {
	c := ParseColor("#FECA57")
	assert.Equal(t, uint8(0xFE), c.R)
	assert.Equal(t, uint8(0xCA), c.G)
	assert.Equal(t, uint8(0x57), c.B)
	assert.Equal(t, ParseColor("#fff"), ParseColor("#ffffff"))
	assert.Equal(t, uint8(0), ParseColor("nope").R)
}
