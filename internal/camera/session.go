// Package camera owns the live camera: device enumeration, exclusive stream
// acquisition, and still frame capture.
//
// A Session is a small state machine (inactive, acquiring, active, error).
// Every acquisition attempt is tagged with a generation number. When the
// attempt completes, its stream is bound only if no later Start, Stop, or
// SwitchCamera has bumped the generation in the meantime; a superseded stream
// is released immediately.
package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"image/png"
	"sync"
	"time"

	"github.com/crackvision/crack-detector/internal/logger"
	"github.com/crackvision/crack-detector/internal/metrics"
)

const defaultJPEGQuality = 75

// Session manages the single live stream of the camera.
type Session struct {
	provider Provider
	metrics  *metrics.Metrics
	now      func() time.Time

	mu            sync.Mutex
	state         State
	generation    uint64
	cancelPending context.CancelFunc
	stream        Stream
	deviceID      string
	err           error
}

// NewSession creates an inactive session over the given provider. m may be nil.
func NewSession(provider Provider, m *metrics.Metrics) *Session {
	return &Session{
		provider: provider,
		metrics:  m,
		now:      time.Now,
	}
}

// Devices returns the cameras currently exposed by the platform, never nil on success.
func (s *Session) Devices(ctx context.Context) ([]Device, error) {
	devices, err := s.provider.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate cameras: %w", err)
	}
	if devices == nil {
		devices = []Device{}
	}
	return devices, nil
}

// Status returns the current session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Start acquires the camera identified by deviceID, or the platform default when empty.
// Failures are recorded in the returned Status rather than returned as errors.
// If a later Start, Stop, or SwitchCamera supersedes this call before the platform
// answers, the acquired stream is released and the returned Status reflects the
// later call.
func (s *Session) Start(ctx context.Context, deviceID string) Status {
	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.generation++
	gen := s.generation
	if s.cancelPending != nil {
		s.cancelPending()
	}
	s.cancelPending = cancel
	prev := s.stream
	s.stream = nil
	s.state = StateAcquiring
	s.err = nil
	if deviceID != "" {
		s.deviceID = deviceID
	}
	s.mu.Unlock()

	if prev != nil {
		s.release(prev, false)
	}

	logger.Debug("Camera", "Acquiring device %q (generation %d)", deviceID, gen)
	stream, err := s.provider.Acquire(acquireCtx, deviceID)

	s.mu.Lock()
	if gen != s.generation {
		status := s.statusLocked()
		s.mu.Unlock()

		s.metrics.ObserveAcquisition("superseded")
		if stream != nil {
			logger.Info("Camera", "Releasing superseded stream from device %q (generation %d)", stream.DeviceID(), gen)
			s.release(stream, status.Active)
		}
		return status
	}
	s.cancelPending = nil

	if err != nil {
		s.state = StateError
		s.err = classify(err)
		status := s.statusLocked()
		s.mu.Unlock()

		if stream != nil {
			s.release(stream, false)
		}
		s.metrics.ObserveAcquisition(status.ErrorKind())
		logger.Warn("Camera", "Failed to acquire device %q: %v", deviceID, status.Error)
		return status
	}

	s.stream = stream
	s.state = StateActive
	s.deviceID = stream.DeviceID()
	status := s.statusLocked()
	s.mu.Unlock()

	s.metrics.ObserveAcquisition("ok")
	logger.Info("Camera", "Camera %q active", status.DeviceID)
	return status
}

// Stop releases the active stream and cancels any pending acquisition.
// Stopping an inactive session is a no-op.
func (s *Session) Stop() Status {
	s.mu.Lock()
	if s.state != StateAcquiring && s.stream == nil {
		status := s.statusLocked()
		s.mu.Unlock()
		return status
	}

	s.generation++
	if s.cancelPending != nil {
		s.cancelPending()
		s.cancelPending = nil
	}
	stream := s.stream
	s.stream = nil
	s.state = StateInactive
	s.err = nil
	status := s.statusLocked()
	s.mu.Unlock()

	if stream != nil {
		s.release(stream, false)
	}
	logger.Info("Camera", "Camera stopped")
	return status
}

// SwitchCamera stops the current stream and starts deviceID. The previous device
// is not restored if the new one fails.
func (s *Session) SwitchCamera(ctx context.Context, deviceID string) Status {
	s.Stop()
	return s.Start(ctx, deviceID)
}

// DismissError clears a recorded acquisition failure.
func (s *Session) DismissError() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateError {
		s.state = StateInactive
		s.err = nil
	}
	return s.statusLocked()
}

// CaptureFrame samples the current frame and encodes it as PNG.
// It does not disturb the live stream.
func (s *Session) CaptureFrame() (*Snapshot, error) {
	stream, gen := s.activeStream()
	if stream == nil {
		s.metrics.ObserveCapture(false)
		return nil, ErrNotActive
	}

	img, err := stream.ReadFrame()
	if !s.isCurrent(gen) {
		s.metrics.ObserveCapture(false)
		return nil, ErrNotActive
	}
	if err != nil {
		s.metrics.ObserveCapture(false)
		return nil, fmt.Errorf("sample frame: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		s.metrics.ObserveCapture(false)
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	s.metrics.ObserveCapture(true)
	bounds := img.Bounds()
	return &Snapshot{
		Data:        buf.Bytes(),
		ContentType: "image/png",
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		DeviceID:    stream.DeviceID(),
		CapturedAt:  s.now(),
	}, nil
}

// PreviewJPEG encodes the current frame for the live preview.
// ok is false when the session is not active or sampling failed.
func (s *Session) PreviewJPEG() ([]byte, bool) {
	stream, gen := s.activeStream()
	if stream == nil {
		return nil, false
	}

	img, err := stream.ReadFrame()
	if err != nil {
		logger.Debug("Camera", "Preview frame read failed: %v", err)
		return nil, false
	}
	if !s.isCurrent(gen) {
		return nil, false
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: defaultJPEGQuality}); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

// activeStream returns the bound stream and its generation, or nil when inactive.
// Frames are read outside s.mu since a read may block until the next frame.
func (s *Session) activeStream() (Stream, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || s.stream == nil {
		return nil, 0
	}
	return s.stream, s.generation
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation == gen && s.state == StateActive
}

// Close stops the session.
func (s *Session) Close() {
	s.Stop()
}

func (s *Session) statusLocked() Status {
	return Status{
		State:    s.state,
		Active:   s.state == StateActive,
		DeviceID: s.deviceID,
		Error:    s.err,
	}
}

func (s *Session) release(stream Stream, activeAfter bool) {
	if err := stream.Release(); err != nil {
		logger.Warn("Camera", "Failed to release device %q: %v", stream.DeviceID(), err)
	}
	s.metrics.ObserveRelease(activeAfter)
}

// classify maps a provider failure onto the camera error taxonomy.
func classify(err error) error {
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}
