package webui

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/crackvision/crack-detector/internal/camera"
	"github.com/crackvision/crack-detector/internal/detection"
	"github.com/crackvision/crack-detector/internal/logger"
	"github.com/crackvision/crack-detector/internal/overlay"
)

var (
	// ErrConfigRequired is returned by SaveConfig when a credential field is blank.
	ErrConfigRequired = errors.New("API key and model endpoint are required")
	// ErrNoUpload is returned when an operation needs an uploaded image and there is none.
	ErrNoUpload = errors.New("no image has been uploaded")
	// ErrNotImage is returned for uploads that do not sniff as an image.
	ErrNotImage = errors.New("upload is not an image")
)

// ConfigForm is the configuration form as submitted by the user.
// A nil Threshold keeps the current value.
type ConfigForm struct {
	APIKey        string   `json:"api_key"`
	ModelEndpoint string   `json:"model_endpoint"`
	Threshold     *float64 `json:"threshold,omitempty"`
}

// Download is a file handed to the browser.
type Download struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Upload is an image retained for detection and retries.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
	UploadedAt  time.Time

	seq uint64
}

// Controller binds user actions to the camera session and the detection client.
type Controller struct {
	session  *camera.Session
	client   *detection.Client
	captures *CaptureLog
	history  *History
	now      func() time.Time

	mu         sync.Mutex
	upload     *Upload
	uploadSeq  uint64
	lastResult *detection.Result
	lastErr    error
}

// NewController wires a session and a client.
func NewController(session *camera.Session, client *detection.Client) *Controller {
	return &Controller{
		session:  session,
		client:   client,
		captures: NewCaptureLog(),
		history:  NewHistory(),
		now:      time.Now,
	}
}

// ShowDevicePicker reports whether the device picker should be offered.
func ShowDevicePicker(devices []camera.Device) bool {
	return len(devices) > 1
}

// DeviceLabel returns the label shown in the device picker.
func DeviceLabel(d camera.Device) string {
	if d.Label != "" {
		return d.Label
	}
	id := d.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return "Camera " + id + "..."
}

// MaskAPIKey hides all but the last four characters of key.
func MaskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	r := []rune(key)
	if len(r) <= 4 {
		return "****"
	}
	return "****" + string(r[len(r)-4:])
}

// SaveConfig trims the form and applies it to the detection client.
func (c *Controller) SaveConfig(form ConfigForm) error {
	cfg := c.client.Config()
	cfg.APIKey = strings.TrimSpace(form.APIKey)
	cfg.ModelEndpoint = strings.TrimSpace(form.ModelEndpoint)
	if form.Threshold != nil {
		cfg.Threshold = *form.Threshold
	}
	if cfg.APIKey == "" || cfg.ModelEndpoint == "" {
		return ErrConfigRequired
	}
	return c.client.Configure(cfg)
}

// Devices lists cameras. A provider failure yields an empty list and the error.
func (c *Controller) Devices(ctx context.Context) ([]camera.Device, error) {
	devices, err := c.session.Devices(ctx)
	if err != nil {
		logger.Warn("HTTP", "Device enumeration failed: %v", err)
		return []camera.Device{}, err
	}
	return devices, nil
}

// StartCamera starts the camera on deviceID, or the default device when empty.
func (c *Controller) StartCamera(ctx context.Context, deviceID string) camera.Status {
	return c.session.Start(ctx, deviceID)
}

// StopCamera stops the camera.
func (c *Controller) StopCamera() camera.Status {
	return c.session.Stop()
}

// SwitchCamera moves the session to deviceID.
func (c *Controller) SwitchCamera(ctx context.Context, deviceID string) camera.Status {
	return c.session.SwitchCamera(ctx, deviceID)
}

// DismissCameraError clears the camera error banner.
func (c *Controller) DismissCameraError() camera.Status {
	return c.session.DismissError()
}

// PreviewJPEG returns the current live frame for the preview.
func (c *Controller) PreviewJPEG() ([]byte, bool) {
	return c.session.PreviewJPEG()
}

// Capture samples the live frame as a PNG download. No detection is run.
func (c *Controller) Capture() (*Download, error) {
	snap, err := c.session.CaptureFrame()
	if err != nil {
		return nil, err
	}
	filename := c.captures.Record(snap)
	logger.Info("HTTP", "Captured %s from %q (%d bytes)", filename, snap.DeviceID, len(snap.Data))
	return &Download{Filename: filename, ContentType: snap.ContentType, Data: snap.Data}, nil
}

// DetectUpload retains an uploaded image and submits it for detection.
// The upload is kept on failure so it can be retried.
func (c *Controller) DetectUpload(ctx context.Context, filename string, data []byte) (*detection.Result, error) {
	if len(data) == 0 {
		return nil, detection.ErrEmptyImage
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return nil, ErrNotImage
	}
	// Formats the overlay cannot read are still sent for detection.
	if err := overlay.CheckSize(data); errors.Is(err, overlay.ErrTooLarge) {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	if filename == "" {
		filename = "upload"
	}

	c.mu.Lock()
	c.uploadSeq++
	up := &Upload{
		Filename:    filename,
		ContentType: contentType,
		Data:        data,
		UploadedAt:  c.now(),
		seq:         c.uploadSeq,
	}
	c.upload = up
	c.lastResult = nil
	c.lastErr = nil
	c.mu.Unlock()

	return c.runDetection(ctx, up)
}

// HasUpload reports whether an upload is retained for retries.
func (c *Controller) HasUpload() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upload != nil
}

// RetryDetection re-submits the retained upload.
func (c *Controller) RetryDetection(ctx context.Context) (*detection.Result, error) {
	c.mu.Lock()
	up := c.upload
	c.mu.Unlock()
	if up == nil {
		return nil, ErrNoUpload
	}
	return c.runDetection(ctx, up)
}

func (c *Controller) runDetection(ctx context.Context, up *Upload) (*detection.Result, error) {
	result, err := c.client.Detect(ctx, up.Data)
	c.history.Record(up.Filename, c.now(), result, err)

	c.mu.Lock()
	// A newer upload owns the displayed result.
	if c.upload != nil && c.upload.seq == up.seq {
		c.lastResult = result
		c.lastErr = err
	}
	c.mu.Unlock()
	return result, err
}

// Overlay renders the latest result over the retained upload as PNG.
func (c *Controller) Overlay() ([]byte, error) {
	c.mu.Lock()
	up, result := c.upload, c.lastResult
	c.mu.Unlock()
	if up == nil {
		return nil, ErrNoUpload
	}
	return overlay.RenderPNG(up.Data, result)
}

// LastOutcome returns the displayed result or failure.
func (c *Controller) LastOutcome() (*detection.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResult, c.lastErr
}

// CameraView is the camera section of the screen.
type CameraView struct {
	camera.Status
	ErrorMessage string `json:"error,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
}

func newCameraView(st camera.Status) CameraView {
	return CameraView{
		Status:       st,
		ErrorMessage: st.ErrorMessage(),
		ErrorKind:    st.ErrorKind(),
	}
}

// DeviceView is one device picker entry.
type DeviceView struct {
	ID    string `json:"device_id"`
	Label string `json:"label"`
}

// ConfigView is the configuration form with the key masked.
type ConfigView struct {
	APIKey        string  `json:"api_key_masked"`
	ModelEndpoint string  `json:"model_endpoint"`
	Threshold     float64 `json:"threshold"`
}

// UploadView describes the retained upload.
type UploadView struct {
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int       `json:"size"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// ErrorView is a failure rendered as a notification.
type ErrorView struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// View is everything the screen renders.
type View struct {
	Devices          []DeviceView      `json:"devices"`
	DevicesError     string            `json:"devices_error,omitempty"`
	ShowDevicePicker bool              `json:"show_device_picker"`
	Camera           CameraView        `json:"camera"`
	Config           ConfigView        `json:"config"`
	Configured       bool              `json:"configured"`
	Detecting        bool              `json:"detecting"`
	Upload           *UploadView       `json:"upload"`
	LastResult       *detection.Result `json:"last_result"`
	LastError        *ErrorView        `json:"last_error"`
	History          []HistoryEntry    `json:"history"`
	HistoryVersion   int               `json:"history_version"`
	Captures         int               `json:"capture_count"`
	LastCapture      *CaptureSummary   `json:"last_capture"`
	Timestamp        float64           `json:"timestamp"`
}

// View snapshots the screen state.
func (c *Controller) View(ctx context.Context) View {
	devices, devErr := c.Devices(ctx)
	status := c.session.Status()
	cfg := c.client.Config()
	history, version := c.history.Snapshot()

	v := View{
		Devices:          make([]DeviceView, 0, len(devices)),
		ShowDevicePicker: ShowDevicePicker(devices),
		Camera:           newCameraView(status),
		Config: ConfigView{
			APIKey:        MaskAPIKey(cfg.APIKey),
			ModelEndpoint: cfg.ModelEndpoint,
			Threshold:     cfg.Threshold,
		},
		Configured:     cfg.IsConfigured(),
		Detecting:      c.client.IsDetecting(),
		History:        history,
		HistoryVersion: version,
		Timestamp:      float64(c.now().Unix()),
	}
	if devErr != nil {
		v.DevicesError = devErr.Error()
	}
	if captures := c.captures.Summary(); captures.Count > 0 {
		v.Captures = captures.Count
		v.LastCapture = &captures
	}
	for _, d := range devices {
		v.Devices = append(v.Devices, DeviceView{ID: d.ID, Label: DeviceLabel(d)})
	}

	c.mu.Lock()
	if c.upload != nil {
		v.Upload = &UploadView{
			Filename:    c.upload.Filename,
			ContentType: c.upload.ContentType,
			Size:        len(c.upload.Data),
			UploadedAt:  c.upload.UploadedAt,
		}
	}
	v.LastResult = c.lastResult
	if c.lastErr != nil {
		v.LastError = &ErrorView{Message: c.lastErr.Error(), Kind: errorKind(c.lastErr)}
	}
	c.mu.Unlock()

	return v
}

// errorKind names an error for JSON payloads.
func errorKind(err error) string {
	if k := detection.KindOf(err); k != 0 {
		return k.String()
	}
	switch {
	case errors.Is(err, camera.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, camera.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, camera.ErrNotActive):
		return "camera_inactive"
	case errors.Is(err, ErrConfigRequired):
		return "config_required"
	case errors.Is(err, ErrNotImage), errors.Is(err, detection.ErrEmptyImage):
		return "invalid_image"
	case errors.Is(err, ErrNoUpload):
		return "no_upload"
	default:
		return "internal"
	}
}
