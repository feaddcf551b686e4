package canvas

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"strconv"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"storysync/internal/wire"
)

const dataURLPrefix = "data:image/png;base64,"

// ErrUnknownOp is returned for drawing operations the surface cannot paint.
var ErrUnknownOp = errors.New("canvas: unknown operation")

// Surface is a raster preview layer. Remote operations are painted here so
// they never contend with the canvas the local user is drawing on.
type Surface struct {
	img *image.NRGBA
}

// NewSurface returns a transparent surface of the given size.
func NewSurface(width, height int) *Surface {
	return &Surface{img: image.NewNRGBA(image.Rect(0, 0, width, height))}
}

// Image exposes the current pixels.
func (s *Surface) Image() image.Image { return s.img }

// Clear makes every pixel transparent.
func (s *Surface) Clear() {
	draw.Draw(s.img, s.img.Bounds(), image.Transparent, image.Point{}, draw.Src)
}

// Load replaces the surface content with a decoded base image.
func (s *Surface) Load(dataURL string) error {
	img, err := DecodeDataURL(dataURL)
	if err != nil {
		return err
	}
	s.Clear()
	draw.Draw(s.img, s.img.Bounds(), img, img.Bounds().Min, draw.Over)
	return nil
}

// Capture encodes the surface as a PNG data URL.
func (s *Surface) Capture() (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, s.img); err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	return DataURL(buf.Bytes()), nil
}

// Apply paints one operation.
func (s *Surface) Apply(op wire.DrawOp) error {
	switch op.Kind {
	case wire.OpPath, wire.OpBrush:
		s.brush(op)
	case wire.OpShape:
		return s.shape(op)
	case wire.OpText:
		s.text(op)
	case wire.OpEraser:
		s.erase(op)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, op.Kind)
	}
	return nil
}

func (s *Surface) brush(op wire.DrawOp) {
	if len(op.Points) == 0 {
		return
	}
	c := ParseColor(op.Color)
	width := orDefault(op.StrokeWidth, 2)
	alpha := 1.0
	blur := 0.0
	switch op.BrushType {
	case "marker":
		alpha = 0.7
	case "soft":
		blur = width / 2
	case "airbrush":
		blur = width
	}
	if blur > 0 {
		halo := strokeMask(s.img.Bounds(), op.Points, width+2*blur)
		s.composite(halo, c, 0.3)
	}
	s.composite(strokeMask(s.img.Bounds(), op.Points, width), c, alpha)
}

func (s *Surface) shape(op wire.DrawOp) error {
	if op.Bounds == nil {
		return nil
	}
	b := *op.Bounds
	c := ParseColor(op.Color)
	width := orDefault(op.StrokeWidth, 2)
	switch op.ShapeType {
	case "rectangle", "rect":
		if op.Filled {
			r := image.Rect(int(b.X), int(b.Y), int(b.X+b.Width), int(b.Y+b.Height))
			draw.Draw(s.img, r.Intersect(s.img.Bounds()), image.NewUniform(c), image.Point{}, draw.Over)
			return nil
		}
		pts := []wire.Point{{X: b.X, Y: b.Y}, {X: b.X + b.Width, Y: b.Y}, {X: b.X + b.Width, Y: b.Y + b.Height}, {X: b.X, Y: b.Y + b.Height}, {X: b.X, Y: b.Y}}
		s.composite(strokeMask(s.img.Bounds(), pts, width), c, 1)
	case "circle":
		cx, cy := b.X+b.Width/2, b.Y+b.Height/2
		radius := math.Min(b.Width, b.Height) / 2
		if op.Filled {
			m := image.NewAlpha(s.img.Bounds())
			stampDisc(m, cx, cy, radius)
			s.composite(m, c, 1)
			return nil
		}
		steps := max(16, int(2*math.Pi*radius/2))
		pts := make([]wire.Point, 0, steps+1)
		for i := 0; i <= steps; i++ {
			a := 2 * math.Pi * float64(i) / float64(steps)
			pts = append(pts, wire.Point{X: cx + radius*math.Cos(a), Y: cy + radius*math.Sin(a)})
		}
		s.composite(strokeMask(s.img.Bounds(), pts, width), c, 1)
	case "line":
		pts := []wire.Point{{X: b.X, Y: b.Y}, {X: b.X + b.Width, Y: b.Y + b.Height}}
		s.composite(strokeMask(s.img.Bounds(), pts, width), c, 1)
	default:
		return fmt.Errorf("%w: shape %q", ErrUnknownOp, op.ShapeType)
	}
	return nil
}

// text stamps a label with a fixed bitmap face; requested font sizes are
// not scaled on the preview.
func (s *Surface) text(op wire.DrawOp) {
	if op.Text == "" {
		return
	}
	d := font.Drawer{
		Dst:  s.img,
		Src:  image.NewUniform(ParseColor(op.Color)),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(int(op.X), int(op.Y)),
	}
	d.DrawString(op.Text)
}

// erase subtracts along the stroke, like a destination-out composite.
func (s *Surface) erase(op wire.DrawOp) {
	if len(op.Points) == 0 {
		return
	}
	m := strokeMask(s.img.Bounds(), op.Points, orDefault(op.Size, 10))
	b := s.img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			ma := m.AlphaAt(x, y).A
			if ma == 0 {
				continue
			}
			c := s.img.NRGBAAt(x, y)
			c.A = uint8(uint32(c.A) * uint32(0xff-ma) / 0xff)
			s.img.SetNRGBA(x, y, c)
		}
	}
}

func (s *Surface) composite(mask *image.Alpha, c color.NRGBA, alpha float64) {
	c.A = uint8(float64(c.A) * alpha)
	draw.DrawMask(s.img, s.img.Bounds(), image.NewUniform(c), image.Point{}, mask, s.img.Bounds().Min, draw.Over)
}

// strokeMask covers a polyline of the given width with round caps and joins.
func strokeMask(bounds image.Rectangle, pts []wire.Point, width float64) *image.Alpha {
	m := image.NewAlpha(bounds)
	r := width / 2
	if len(pts) == 1 {
		stampDisc(m, pts[0].X, pts[0].Y, r)
		return m
	}
	step := math.Max(1, r/2)
	for i := 1; i < len(pts); i++ {
		a, b := pts[i-1], pts[i]
		dist := math.Hypot(b.X-a.X, b.Y-a.Y)
		n := int(math.Ceil(dist / step))
		for k := 0; k <= n; k++ {
			t := 0.0
			if n > 0 {
				t = float64(k) / float64(n)
			}
			stampDisc(m, a.X+(b.X-a.X)*t, a.Y+(b.Y-a.Y)*t, r)
		}
	}
	return m
}

func stampDisc(m *image.Alpha, cx, cy, r float64) {
	if r < 0.5 {
		r = 0.5
	}
	box := image.Rect(int(cx-r), int(cy-r), int(cx+r)+1, int(cy+r)+1).Intersect(m.Bounds())
	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			dx, dy := float64(x)+0.5-cx, float64(y)+0.5-cy
			if dx*dx+dy*dy <= r*r {
				m.SetAlpha(x, y, color.Alpha{A: 0xff})
			}
		}
	}
}

// ParseColor reads #rgb or #rrggbb, falling back to opaque black.
func ParseColor(s string) color.NRGBA {
	black := color.NRGBA{A: 0xff}
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return black
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return black
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}

// DecodeDataURL decodes a PNG data URL.
func DecodeDataURL(dataURL string) (image.Image, error) {
	raw, err := PNGBytes(dataURL)
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode png: %w", err)
	}
	return img, nil
}

// PNGBytes extracts the encoded PNG from a data URL.
func PNGBytes(dataURL string) ([]byte, error) {
	enc, ok := strings.CutPrefix(dataURL, dataURLPrefix)
	if !ok {
		return nil, errors.New("canvas: not a png data url")
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("decode data url: %w", err)
	}
	return raw, nil
}

// DataURL wraps encoded PNG bytes as a data URL.
func DataURL(pngData []byte) string {
	return dataURLPrefix + base64.StdEncoding.EncodeToString(pngData)
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
