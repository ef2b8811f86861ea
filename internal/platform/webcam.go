//go:build mediadevices
// +build mediadevices

package platform

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"strings"
	"sync"

	driverutils "github.com/pion/mediadevices/pkg/driver"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"golang.org/x/image/draw"

	"github.com/crackvision/crack-detector/internal/camera"
	"github.com/crackvision/crack-detector/internal/logger"
)

// Webcam exposes the host's video capture devices through pion/mediadevices.
type Webcam struct {
	getDrivers func() []driverutils.Driver
}

// NewWebcam initializes the camera drivers.
func NewWebcam() (*Webcam, error) {
	mediadevicescamera.Initialize()
	return &Webcam{
		getDrivers: func() []driverutils.Driver {
			return driverutils.GetManager().Query(driverutils.FilterVideoRecorder())
		},
	}, nil
}

// Devices implements camera.Provider.
func (w *Webcam) Devices(ctx context.Context) ([]camera.Device, error) {
	drivers := w.getDrivers()
	devices := make([]camera.Device, 0, len(drivers))
	for _, d := range drivers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		devices = append(devices, camera.Device{ID: d.ID(), Label: driverLabel(d)})
	}
	return devices, nil
}

func driverLabel(d driverutils.Driver) string {
	labelParts := strings.Split(d.Info().Label, mediadevicescamera.LabelSeparator)
	return labelParts[0]
}

// Acquire implements camera.Provider.
func (w *Webcam) Acquire(ctx context.Context, deviceID string) (camera.Stream, error) {
	drivers := w.getDrivers()
	if len(drivers) == 0 {
		return nil, fmt.Errorf("%w: no cameras found", camera.ErrDeviceUnavailable)
	}

	var d driverutils.Driver
	if deviceID == "" {
		d = drivers[0]
	} else {
		for _, candidate := range drivers {
			if candidate.ID() == deviceID {
				d = candidate
				break
			}
		}
	}
	if d == nil {
		return nil, fmt.Errorf("%w: unknown device %q", camera.ErrDeviceUnavailable, deviceID)
	}
	if d.Status() == driverutils.StateRunning {
		return nil, fmt.Errorf("%w: device %q is in use", camera.ErrDeviceUnavailable, d.ID())
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", camera.ErrDeviceUnavailable, err)
	}

	if d.Status() == driverutils.StateClosed {
		if err := d.Open(); err != nil {
			return nil, classifyDriverError(err)
		}
	}

	recorder, ok := d.(driverutils.VideoRecorder)
	if !ok {
		_ = d.Close()
		return nil, fmt.Errorf("%w: device %q cannot record video", camera.ErrDeviceUnavailable, d.ID())
	}

	props := d.Properties()
	if len(props) == 0 {
		_ = d.Close()
		return nil, fmt.Errorf("%w: device %q reports no video modes", camera.ErrDeviceUnavailable, d.ID())
	}
	reader, err := recorder.VideoRecord(pickMode(props))
	if err != nil {
		_ = d.Close()
		return nil, classifyDriverError(err)
	}

	logger.Info("Camera", "Opened webcam %q (%s)", d.ID(), driverLabel(d))
	return &webcamStream{driver: d, reader: reader}, nil
}

// pickMode prefers the mode closest to 640x480.
func pickMode(props []prop.Media) prop.Media {
	best := props[0]
	bestScore := -1
	for _, p := range props {
		dw := p.Video.Width - 640
		dh := p.Video.Height - 480
		score := dw*dw + dh*dh
		if bestScore < 0 || score < bestScore {
			best, bestScore = p, score
		}
	}
	return best
}

func classifyDriverError(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %v", camera.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", camera.ErrDeviceUnavailable, err)
}

type webcamStream struct {
	mu       sync.Mutex
	driver   driverutils.Driver
	reader   video.Reader
	released bool
}

func (s *webcamStream) DeviceID() string { return s.driver.ID() }

// ReadFrame copies the driver frame so it survives the reader's release.
func (s *webcamStream) ReadFrame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, fmt.Errorf("%w: stream released", camera.ErrDeviceUnavailable)
	}

	img, release, err := s.reader.Read()
	if release != nil {
		defer release()
	}
	if err != nil {
		return nil, fmt.Errorf("read webcam frame: %w", err)
	}

	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst, nil
}

func (s *webcamStream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	return s.driver.Close()
}
