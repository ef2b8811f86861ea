// Package overlay draws detection results over the analyzed image.
package overlay

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"

	"github.com/crackvision/crack-detector/internal/detection"
)

// MaxWidth caps the rendered overlay width; larger uploads are scaled down.
const MaxWidth = 1920

// MaxPixels bounds the declared size of an image accepted for decoding.
const MaxPixels = 50_000_000

const strokeWidth = 3

// ErrTooLarge is returned for images whose header declares more than MaxPixels.
var ErrTooLarge = errors.New("image dimensions exceed limit")

var (
	colorHigh   = color.RGBA{R: 239, G: 68, B: 68, A: 255}
	colorMedium = color.RGBA{R: 249, G: 115, B: 22, A: 255}
	colorLow    = color.RGBA{R: 234, G: 179, B: 8, A: 255}
	labelText   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// ConfidenceColor returns the stroke color for a confidence score.
func ConfidenceColor(confidence float64) color.RGBA {
	switch {
	case confidence >= 0.8:
		return colorHigh
	case confidence >= 0.5:
		return colorMedium
	default:
		return colorLow
	}
}

// CheckSize reads only the image header and rejects images over MaxPixels.
func CheckSize(data []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode image header: %w", err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)
	}
	return nil
}

// Decode decodes a PNG, JPEG, GIF, or WebP image of at most MaxPixels.
func Decode(data []byte) (image.Image, string, error) {
	if err := CheckSize(data); err != nil {
		return nil, "", err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// Render copies src and draws every prediction on it. Coordinates are in the
// space of analyzed; a zero size means the coordinates match src.
func Render(src image.Image, predictions []detection.Prediction, analyzed detection.ImageSize) *image.RGBA {
	sb := src.Bounds()
	outW, outH := sb.Dx(), sb.Dy()
	if outW > MaxWidth {
		outH = int(math.Round(float64(outH) * MaxWidth / float64(outW)))
		outW = MaxWidth
	}

	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))
	if outW == sb.Dx() {
		draw.Draw(dst, dst.Bounds(), src, sb.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, sb, draw.Src, nil)
	}

	refW, refH := float64(sb.Dx()), float64(sb.Dy())
	if analyzed.Width > 0 && analyzed.Height > 0 {
		refW, refH = float64(analyzed.Width), float64(analyzed.Height)
	}
	sx, sy := float64(outW)/refW, float64(outH)/refH

	for _, p := range predictions {
		c := ConfidenceColor(p.Confidence)
		g := p.Geometry
		if g.Shape == detection.ShapePolygon && len(g.Points) > 1 {
			for i := range g.Points {
				a := g.Points[i]
				b := g.Points[(i+1)%len(g.Points)]
				drawLine(dst, a.X*sx, a.Y*sy, b.X*sx, b.Y*sy, c)
			}
		} else if minX, minY, maxX, maxY := g.Bounds(); finite(minX, minY, maxX, maxY) {
			drawRect(dst, image.Rect(
				int(math.Round(minX*sx)), int(math.Round(minY*sy)),
				int(math.Round(maxX*sx)), int(math.Round(maxY*sy)),
			), c)
		}

		minX, minY, _, _ := g.Bounds()
		if !finite(minX, minY) {
			continue
		}
		drawLabel(dst, int(math.Round(minX*sx)), int(math.Round(minY*sy)),
			fmt.Sprintf("%s %.0f%%", p.Label, p.Confidence*100), c)
	}
	return dst
}

// RenderPNG decodes data, renders the result over it, and encodes PNG.
func RenderPNG(data []byte, result *detection.Result) ([]byte, error) {
	img, _, err := Decode(data)
	if err != nil {
		return nil, err
	}
	var predictions []detection.Prediction
	var analyzed detection.ImageSize
	if result != nil {
		predictions = result.Predictions
		analyzed = result.Image
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, Render(img, predictions, analyzed)); err != nil {
		return nil, fmt.Errorf("encode overlay: %w", err)
	}
	return buf.Bytes(), nil
}

func drawRect(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Canon()
	fill := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+strokeWidth),
		image.Rect(r.Min.X, r.Max.Y-strokeWidth, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+strokeWidth, r.Max.Y),
		image.Rect(r.Max.X-strokeWidth, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), fill, image.Point{}, draw.Over)
	}
}

func drawLine(dst *image.RGBA, x0, y0, x1, y1 float64, c color.RGBA) {
	x0, y0, x1, y1, ok := clipSegment(x0, y0, x1, y1, dst.Bounds().Inset(-strokeWidth))
	if !ok {
		return
	}
	steps := int(math.Ceil(math.Max(math.Abs(x1-x0), math.Abs(y1-y0))))
	if steps == 0 {
		steps = 1
	}
	half := strokeWidth / 2
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		x := int(math.Round(x0 + (x1-x0)*t))
		y := int(math.Round(y0 + (y1-y0)*t))
		for dy := -half; dy <= half; dy++ {
			for dx := -half; dx <= half; dx++ {
				if (image.Point{X: x + dx, Y: y + dy}).In(dst.Bounds()) {
					dst.SetRGBA(x+dx, y+dy, c)
				}
			}
		}
	}
}

// clipSegment clips a segment to r (Liang-Barsky). ok is false when no part
// of it lies inside r or an endpoint is not finite.
func clipSegment(x0, y0, x1, y1 float64, r image.Rectangle) (float64, float64, float64, float64, bool) {
	if !finite(x0, y0, x1, y1) {
		return 0, 0, 0, 0, false
	}
	dx, dy := x1-x0, y1-y0
	t0, t1 := 0.0, 1.0
	edges := [4][2]float64{
		{-dx, x0 - float64(r.Min.X)},
		{dx, float64(r.Max.X) - x0},
		{-dy, y0 - float64(r.Min.Y)},
		{dy, float64(r.Max.Y) - y0},
	}
	for _, e := range edges {
		p, q := e[0], e[1]
		if p == 0 {
			if q < 0 {
				return 0, 0, 0, 0, false
			}
			continue
		}
		t := q / p
		if p < 0 {
			t0 = math.Max(t0, t)
		} else {
			t1 = math.Min(t1, t)
		}
	}
	if t0 > t1 {
		return 0, 0, 0, 0, false
	}
	cx0, cy0 := x0+t0*dx, y0+t0*dy
	cx1, cy1 := x0+t1*dx, y0+t1*dy
	if !finite(cx0, cy0, cx1, cy1) {
		return 0, 0, 0, 0, false
	}
	return cx0, cy0, cx1, cy1, true
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// drawLabel writes text on a filled tag above (x, y), or below it at the top edge.
func drawLabel(dst *image.RGBA, x, y int, text string, bg color.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelText),
		Face: face,
	}
	width := d.MeasureString(text).Ceil() + 6
	height := face.Height + 4

	top := y - height
	if top < 0 {
		top = y
	}
	x = max(0, min(x, dst.Bounds().Dx()-width))
	tag := image.Rect(x, top, x+width, top+height).Intersect(dst.Bounds())
	draw.Draw(dst, tag, image.NewUniform(bg), image.Point{}, draw.Src)

	d.Dot = fixed.Point26_6{X: fixed.I(x + 3), Y: fixed.I(top + face.Ascent + 2)}
	d.DrawString(text)
}
