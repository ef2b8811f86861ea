package overlay

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crackvision/crack-detector/internal/detection"
)

func grayImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetRGBA(x, y, color.RGBA{R: 128, G: 128, B: 128, A: 255})
		}
	}
	return img
}

func TestRenderBox(t *testing.T) {
	src := grayImage(200, 200)
	preds := []detection.Prediction{{
		Label:      "crack",
		Confidence: 0.9,
		Geometry:   detection.Geometry{Shape: detection.ShapeBox, Box: detection.Box{X: 100, Y: 120, Width: 60, Height: 40}},
	}}

	out := Render(src, preds, detection.ImageSize{})
	require.Equal(t, src.Bounds(), out.Bounds())

	// Left edge of the box at (70, 120).
	require.Equal(t, colorHigh, out.RGBAAt(70, 120))
	// Interior untouched.
	require.Equal(t, color.RGBA{R: 128, G: 128, B: 128, A: 255}, out.RGBAAt(100, 120))
	// Source untouched.
	require.Equal(t, color.RGBA{R: 128, G: 128, B: 128, A: 255}, src.RGBAAt(70, 120))
}

func TestRenderScalesToAnalyzedSize(t *testing.T) {
	src := grayImage(200, 100)
	preds := []detection.Prediction{{
		Label:      "crack",
		Confidence: 0.6,
		Geometry:   detection.Geometry{Shape: detection.ShapeBox, Box: detection.Box{X: 50, Y: 25, Width: 20, Height: 10}},
	}}

	// The service analyzed a half-size copy.
	out := Render(src, preds, detection.ImageSize{Width: 100, Height: 50})
	require.Equal(t, colorMedium, out.RGBAAt(80, 50))
}

func TestRenderPolygon(t *testing.T) {
	src := grayImage(100, 100)
	preds := []detection.Prediction{{
		Label:      "crack",
		Confidence: 0.3,
		Geometry: detection.Geometry{
			Shape:  detection.ShapePolygon,
			Points: []detection.Point{{X: 20, Y: 60}, {X: 80, Y: 60}, {X: 50, Y: 90}},
		},
	}}
	out := Render(src, preds, detection.ImageSize{})
	require.Equal(t, colorLow, out.RGBAAt(50, 60))
}

func TestRenderDownscalesWideImages(t *testing.T) {
	out := Render(grayImage(MaxWidth*2, 100), nil, detection.ImageSize{})
	require.Equal(t, MaxWidth, out.Bounds().Dx())
	require.Equal(t, 50, out.Bounds().Dy())
}

func TestRenderPNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, grayImage(64, 48)))

	out, err := RenderPNG(buf.Bytes(), &detection.Result{Predictions: []detection.Prediction{{
		Label: "crack", Confidence: 0.95,
		Geometry: detection.Geometry{Shape: detection.ShapeBox, Box: detection.Box{X: 32, Y: 24, Width: 20, Height: 20}},
	}}})
	require.NoError(t, err)

	img, format, err := Decode(out)
	require.NoError(t, err)
	require.Equal(t, "png", format)
	require.Equal(t, 64, img.Bounds().Dx())

	_, err = RenderPNG([]byte("not an image"), nil)
	require.Error(t, err)
}

// pngHeader returns a PNG that declares w x h grayscale pixels and carries no image data.
func pngHeader(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	chunk := make([]byte, 4+13)
	copy(chunk, "IHDR")
	binary.BigEndian.PutUint32(chunk[4:], w)
	binary.BigEndian.PutUint32(chunk[8:], h)
	chunk[12] = 8
	_ = binary.Write(&buf, binary.BigEndian, uint32(13))
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestDecodeRejectsOversizedDimensions(t *testing.T) {
	data := pngHeader(12000, 12000)

	err := CheckSize(data)
	require.ErrorIs(t, err, ErrTooLarge)

	_, _, err = Decode(data)
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = RenderPNG(data, nil)
	require.ErrorIs(t, err, ErrTooLarge)

	require.NoError(t, CheckSize(pngHeader(4000, 3000)))
}

func TestRenderFarOutPolygonIsClipped(t *testing.T) {
	src := grayImage(64, 64)
	preds := []detection.Prediction{
		{
			Label:      "crack",
			Confidence: 0.9,
			Geometry: detection.Geometry{
				Shape:  detection.ShapePolygon,
				Points: []detection.Point{{X: 0, Y: 0}, {X: 2e8, Y: 0}, {X: 0, Y: 30}},
			},
		},
		{
			Label:      "crack",
			Confidence: 0.9,
			Geometry: detection.Geometry{
				Shape:  detection.ShapePolygon,
				Points: []detection.Point{{X: 1e12, Y: -1e12}, {X: -1e12, Y: 1e12}},
			},
		},
	}

	start := time.Now()
	out := Render(src, preds, detection.ImageSize{})
	require.Less(t, time.Since(start), 2*time.Second)

	// The visible parts of the edges below the label are still drawn.
	require.Equal(t, colorHigh, out.RGBAAt(40, 30))
	require.Equal(t, colorHigh, out.RGBAAt(0, 25))
}

func TestRenderSkipsNonFinitePoints(t *testing.T) {
	src := grayImage(64, 64)
	preds := []detection.Prediction{
		{
			Label:      "crack",
			Confidence: 0.9,
			Geometry: detection.Geometry{
				Shape:  detection.ShapePolygon,
				Points: []detection.Point{{X: 10, Y: 10}, {X: math.NaN(), Y: 5}, {X: 50, Y: 50}},
			},
		},
		{
			Label:      "crack",
			Confidence: 0.3,
			Geometry: detection.Geometry{
				Shape: detection.ShapeBox,
				Box:   detection.Box{X: math.Inf(1), Y: 20, Width: 10, Height: 10},
			},
		},
	}

	var out *image.RGBA
	require.NotPanics(t, func() { out = Render(src, preds, detection.ImageSize{}) })
	// The finite closing edge from (50,50) back to (10,10) is drawn.
	require.Equal(t, colorHigh, out.RGBAAt(30, 30))
	// The infinite box leaves no stroke behind.
	for x := range 64 {
		require.NotEqual(t, colorLow, out.RGBAAt(x, 20))
	}
}

func TestConfidenceColor(t *testing.T) {
	require.Equal(t, colorHigh, ConfidenceColor(0.8))
	require.Equal(t, colorMedium, ConfidenceColor(0.5))
	require.Equal(t, colorLow, ConfidenceColor(0.49))
}
