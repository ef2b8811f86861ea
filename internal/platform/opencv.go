//go:build gocv
// +build gocv

package platform

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"github.com/crackvision/crack-detector/internal/camera"
	"github.com/crackvision/crack-detector/internal/logger"
)

// OpenCV captures from V4L/DirectShow devices through gocv.
// OpenCV cannot enumerate devices, so indices 0..Indices-1 are opened once to test them.
type OpenCV struct {
	Indices int
}

// NewOpenCV returns a provider scanning the first indices device numbers.
func NewOpenCV(indices int) (*OpenCV, error) {
	if indices <= 0 {
		indices = DefaultOpenCVIndices
	}
	return &OpenCV{Indices: indices}, nil
}

func openCVID(index int) string {
	return "opencv-" + strconv.Itoa(index)
}

func parseOpenCVID(id string) (int, error) {
	index, err := strconv.Atoi(strings.TrimPrefix(id, "opencv-"))
	if err != nil || index < 0 {
		return 0, fmt.Errorf("%w: unknown device %q", camera.ErrDeviceUnavailable, id)
	}
	return index, nil
}

// Devices implements camera.Provider.
func (o *OpenCV) Devices(ctx context.Context) ([]camera.Device, error) {
	devices := []camera.Device{}
	for i := range o.Indices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vc, err := gocv.VideoCaptureDevice(i)
		if err != nil {
			continue
		}
		if vc.IsOpened() {
			devices = append(devices, camera.Device{ID: openCVID(i), Label: fmt.Sprintf("Video device %d", i)})
		}
		vc.Close()
	}
	return devices, nil
}

// Acquire implements camera.Provider.
func (o *OpenCV) Acquire(ctx context.Context, deviceID string) (camera.Stream, error) {
	index := 0
	if deviceID != "" {
		var err error
		if index, err = parseOpenCVID(deviceID); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", camera.ErrDeviceUnavailable, err)
	}

	vc, err := gocv.VideoCaptureDevice(index)
	if err != nil {
		return nil, fmt.Errorf("%w: open device %d: %v", camera.ErrDeviceUnavailable, index, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: device %d did not open", camera.ErrDeviceUnavailable, index)
	}

	logger.Info("Camera", "Opened OpenCV device %d", index)
	return &openCVStream{id: openCVID(index), capture: vc, mat: gocv.NewMat()}, nil
}

type openCVStream struct {
	id string

	mu       sync.Mutex
	capture  *gocv.VideoCapture
	mat      gocv.Mat
	released bool
}

func (s *openCVStream) DeviceID() string { return s.id }

func (s *openCVStream) ReadFrame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, fmt.Errorf("%w: stream released", camera.ErrDeviceUnavailable)
	}
	if ok := s.capture.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, fmt.Errorf("%w: no frame from %s", camera.ErrDeviceUnavailable, s.id)
	}
	img, err := s.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	return img, nil
}

func (s *openCVStream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	if err := s.mat.Close(); err != nil {
		return err
	}
	return s.capture.Close()
}
