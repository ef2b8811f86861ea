package webui

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crackvision/crack-detector/internal/camera"
	"github.com/crackvision/crack-detector/internal/detection"
	"github.com/crackvision/crack-detector/internal/platform"
)

type funcService func(ctx context.Context, req detection.Request) (*detection.Result, error)

func (f funcService) Detect(ctx context.Context, req detection.Request) (*detection.Result, error) {
	return f(ctx, req)
}

func onePrediction(context.Context, detection.Request) (*detection.Result, error) {
	return &detection.Result{
		Image: detection.ImageSize{Width: 16, Height: 16},
		Predictions: []detection.Prediction{{
			Label:      "crack",
			Confidence: 0.87,
			Geometry: detection.Geometry{
				Shape: detection.ShapeBox,
				Box:   detection.Box{X: 8, Y: 8, Width: 6, Height: 6},
			},
		}},
	}, nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: 200, G: 200, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// declaredPNG returns a PNG header claiming w x h pixels with no image data behind it.
func declaredPNG(w, h uint32) []byte {
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

func newTestController(t *testing.T, devices int, svc detection.Service) *Controller {
	t.Helper()
	session := camera.NewSession(platform.NewTestPattern(devices), nil)
	t.Cleanup(session.Close)
	client := detection.NewClient(svc, time.Second, nil)
	return NewController(session, client)
}

func configure(t *testing.T, c *Controller) {
	t.Helper()
	threshold := 0.4
	require.NoError(t, c.SaveConfig(ConfigForm{APIKey: "rf_secret_1234", ModelEndpoint: "cracks/3", Threshold: &threshold}))
}

func TestSaveConfig(t *testing.T) {
	c := newTestController(t, 1, funcService(onePrediction))

	threshold := 0.6
	require.NoError(t, c.SaveConfig(ConfigForm{APIKey: "  key-abc  ", ModelEndpoint: " ws/cracks/3\t", Threshold: &threshold}))
	cfg := c.client.Config()
	assert.Equal(t, "key-abc", cfg.APIKey)
	assert.Equal(t, "ws/cracks/3", cfg.ModelEndpoint)
	assert.Equal(t, 0.6, cfg.Threshold)

	// Omitted threshold keeps the current value.
	require.NoError(t, c.SaveConfig(ConfigForm{APIKey: "key-def", ModelEndpoint: "cracks/4"}))
	assert.Equal(t, 0.6, c.client.Config().Threshold)
}

func TestSaveConfigRequiresBothFields(t *testing.T) {
	c := newTestController(t, 1, funcService(onePrediction))

	tests := []ConfigForm{
		{APIKey: "", ModelEndpoint: "cracks/3"},
		{APIKey: "   ", ModelEndpoint: "cracks/3"},
		{APIKey: "key", ModelEndpoint: ""},
		{APIKey: "key", ModelEndpoint: " \n "},
	}
	for _, form := range tests {
		err := c.SaveConfig(form)
		assert.ErrorIs(t, err, ErrConfigRequired)
	}
	assert.False(t, c.client.IsConfigured())
}

func TestSaveConfigRejectsThreshold(t *testing.T) {
	c := newTestController(t, 1, funcService(onePrediction))
	threshold := 1.5
	err := c.SaveConfig(ConfigForm{APIKey: "key", ModelEndpoint: "cracks/3", Threshold: &threshold})
	require.Error(t, err)
	assert.False(t, c.client.IsConfigured())
}

func TestShowDevicePicker(t *testing.T) {
	assert.False(t, ShowDevicePicker(nil))
	assert.False(t, ShowDevicePicker([]camera.Device{{ID: "a"}}))
	assert.True(t, ShowDevicePicker([]camera.Device{{ID: "a"}, {ID: "b"}}))
}

func TestDeviceLabel(t *testing.T) {
	assert.Equal(t, "Rear Camera", DeviceLabel(camera.Device{ID: "0123456789", Label: "Rear Camera"}))
	assert.Equal(t, "Camera 01234567...", DeviceLabel(camera.Device{ID: "0123456789"}))
	assert.Equal(t, "Camera abc...", DeviceLabel(camera.Device{ID: "abc"}))
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "", MaskAPIKey(""))
	assert.Equal(t, "****", MaskAPIKey("abc"))
	assert.Equal(t, "****1234", MaskAPIKey("rf_secret_1234"))
}

func TestCaptureFilename(t *testing.T) {
	at := time.Date(2024, 3, 9, 14, 5, 7, 123, time.FixedZone("JST", 9*3600))
	assert.Equal(t, "crack-analysis-2024-03-09T05-05-07.png", CaptureFilename(at))
}

func TestCaptureRequiresActiveCamera(t *testing.T) {
	c := newTestController(t, 1, funcService(onePrediction))

	_, err := c.Capture()
	require.ErrorIs(t, err, camera.ErrNotActive)
	assert.Equal(t, "camera_inactive", errorKind(err))

	st := c.StartCamera(context.Background(), "")
	require.Equal(t, camera.StateActive, st.State)

	d, err := c.Capture()
	require.NoError(t, err)
	assert.Equal(t, "image/png", d.ContentType)
	assert.Regexp(t, `^crack-analysis-\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}\.png$`, d.Filename)
	_, err = png.Decode(bytes.NewReader(d.Data))
	require.NoError(t, err)
	assert.Equal(t, 1, c.captures.Summary().Count)

	v := c.View(context.Background())
	assert.Equal(t, 1, v.Captures)
	require.NotNil(t, v.LastCapture)
	assert.Equal(t, d.Filename, v.LastCapture.LastFilename)
	assert.Equal(t, st.DeviceID, v.LastCapture.LastDevice)
	assert.Equal(t, len(d.Data), v.LastCapture.BytesWritten)
	assert.False(t, v.LastCapture.LastAt.IsZero())

	c.StopCamera()
	_, err = c.Capture()
	require.ErrorIs(t, err, camera.ErrNotActive)
}

func TestDetectUploadRejectsNonImage(t *testing.T) {
	c := newTestController(t, 1, funcService(onePrediction))
	configure(t, c)

	_, err := c.DetectUpload(context.Background(), "notes.txt", []byte("hello, world"))
	require.ErrorIs(t, err, ErrNotImage)

	_, err = c.DetectUpload(context.Background(), "empty.png", nil)
	require.ErrorIs(t, err, detection.ErrEmptyImage)

	_, err = c.RetryDetection(context.Background())
	require.ErrorIs(t, err, ErrNoUpload)
}

func TestDetectUploadRejectsOversizedDimensions(t *testing.T) {
	calls := 0
	c := newTestController(t, 1, funcService(func(ctx context.Context, req detection.Request) (*detection.Result, error) {
		calls++
		return onePrediction(ctx, req)
	}))
	configure(t, c)

	_, err := c.DetectUpload(context.Background(), "bomb.png", declaredPNG(12000, 12000))
	require.ErrorIs(t, err, ErrNotImage)
	assert.Equal(t, "invalid_image", errorKind(err))
	assert.Zero(t, calls)
	assert.False(t, c.HasUpload())

	_, err = c.Overlay()
	require.ErrorIs(t, err, ErrNoUpload)
}

func TestHasUpload(t *testing.T) {
	c := newTestController(t, 1, funcService(func(context.Context, detection.Request) (*detection.Result, error) {
		return nil, &detection.Failure{Kind: detection.KindTimeout, Err: context.DeadlineExceeded}
	}))
	configure(t, c)
	assert.False(t, c.HasUpload())

	_, err := c.DetectUpload(context.Background(), "wall.png", pngBytes(t, 16, 16))
	require.ErrorIs(t, err, detection.ErrTimeout)
	assert.True(t, c.HasUpload())
}

func TestDetectUploadNotConfigured(t *testing.T) {
	calls := 0
	c := newTestController(t, 1, funcService(func(ctx context.Context, req detection.Request) (*detection.Result, error) {
		calls++
		return onePrediction(ctx, req)
	}))

	_, err := c.DetectUpload(context.Background(), "wall.png", pngBytes(t, 16, 16))
	require.ErrorIs(t, err, detection.ErrNotConfigured)
	assert.Zero(t, calls)

	result, lastErr := c.LastOutcome()
	assert.Nil(t, result)
	assert.ErrorIs(t, lastErr, detection.ErrNotConfigured)
}

func TestDetectUploadRetainedForRetry(t *testing.T) {
	var mu sync.Mutex
	fail := true
	c := newTestController(t, 1, funcService(func(ctx context.Context, req detection.Request) (*detection.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, &detection.Failure{Kind: detection.KindNetworkFailure, Err: errors.New("connection reset")}
		}
		return onePrediction(ctx, req)
	}))
	configure(t, c)

	data := pngBytes(t, 16, 16)
	_, err := c.DetectUpload(context.Background(), "wall.png", data)
	require.ErrorIs(t, err, detection.ErrNetworkFailure)

	_, lastErr := c.LastOutcome()
	require.ErrorIs(t, lastErr, detection.ErrNetworkFailure)

	mu.Lock()
	fail = false
	mu.Unlock()

	result, err := c.RetryDetection(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Predictions, 1)

	last, lastErr := c.LastOutcome()
	assert.NoError(t, lastErr)
	assert.Same(t, result, last)

	history, version := c.history.Snapshot()
	require.Len(t, history, 2)
	assert.Equal(t, 2, version)
	assert.Equal(t, 1, history[0].NumPredictions)
	assert.Equal(t, "network_failure", history[1].ErrorKind)

	overlayPNG, err := c.Overlay()
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(overlayPNG))
	require.NoError(t, err)
}

func TestStaleResultDoesNotReplaceNewerUpload(t *testing.T) {
	first := pngBytes(t, 16, 16)
	second := pngBytes(t, 20, 20)
	release := make(chan struct{})
	started := make(chan struct{})

	c := newTestController(t, 1, funcService(func(ctx context.Context, req detection.Request) (*detection.Result, error) {
		if bytes.Equal(req.Image, first) {
			close(started)
			<-release
			return &detection.Result{Predictions: []detection.Prediction{{Label: "old", Confidence: 0.9}}}, nil
		}
		return &detection.Result{Predictions: []detection.Prediction{{Label: "new", Confidence: 0.7}}}, nil
	}))
	configure(t, c)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.DetectUpload(context.Background(), "first.png", first)
	}()
	<-started

	result, err := c.DetectUpload(context.Background(), "second.png", second)
	require.NoError(t, err)
	require.Equal(t, "new", result.Predictions[0].Label)

	close(release)
	<-done

	last, _ := c.LastOutcome()
	require.NotNil(t, last)
	assert.Equal(t, "new", last.Predictions[0].Label)

	// Both requests still land in the history.
	history, _ := c.history.Snapshot()
	assert.Len(t, history, 2)
}

func TestView(t *testing.T) {
	c := newTestController(t, 2, funcService(onePrediction))
	configure(t, c)
	c.now = func() time.Time { return time.Unix(1700000000, 0) }

	v := c.View(context.Background())
	assert.True(t, v.ShowDevicePicker)
	require.Len(t, v.Devices, 2)
	assert.Equal(t, "Test Pattern 1", v.Devices[0].Label)
	assert.Equal(t, camera.StateInactive, v.Camera.State)
	assert.Equal(t, "****1234", v.Config.APIKey)
	assert.Equal(t, "cracks/3", v.Config.ModelEndpoint)
	assert.True(t, v.Configured)
	assert.False(t, v.Detecting)
	assert.Nil(t, v.Upload)
	assert.Nil(t, v.LastResult)
	assert.Nil(t, v.LastError)
	assert.Equal(t, float64(1700000000), v.Timestamp)

	_, err := c.DetectUpload(context.Background(), "wall.png", pngBytes(t, 16, 16))
	require.NoError(t, err)

	v = c.View(context.Background())
	require.NotNil(t, v.Upload)
	assert.Equal(t, "wall.png", v.Upload.Filename)
	assert.Equal(t, "image/png", v.Upload.ContentType)
	require.NotNil(t, v.LastResult)
	assert.Len(t, v.History, 1)
	assert.Equal(t, 1, v.HistoryVersion)
}

func TestViewCameraError(t *testing.T) {
	session := camera.NewSession(&platform.TestPattern{Count: 1, Deny: true}, nil)
	t.Cleanup(session.Close)
	c := NewController(session, detection.NewClient(funcService(onePrediction), time.Second, nil))

	c.StartCamera(context.Background(), "")
	v := c.View(context.Background())
	assert.Equal(t, camera.StateError, v.Camera.State)
	assert.Equal(t, "permission_denied", v.Camera.ErrorKind)
	assert.NotEmpty(t, v.Camera.ErrorMessage)

	c.DismissCameraError()
	v = c.View(context.Background())
	assert.Equal(t, camera.StateInactive, v.Camera.State)
	assert.Empty(t, v.Camera.ErrorMessage)
}
