//go:build !mediadevices
// +build !mediadevices

package platform

import (
	"context"
	"errors"

	"github.com/crackvision/crack-detector/internal/camera"
)

var errWebcamDisabled = errors.New("webcam provider requires the mediadevices build tag")

// Webcam is unavailable in this build.
type Webcam struct{}

// NewWebcam returns an error when built without the mediadevices tag.
func NewWebcam() (*Webcam, error) {
	return nil, errWebcamDisabled
}

// Devices implements camera.Provider.
func (w *Webcam) Devices(ctx context.Context) ([]camera.Device, error) {
	_ = ctx
	return nil, errWebcamDisabled
}

// Acquire implements camera.Provider.
func (w *Webcam) Acquire(ctx context.Context, deviceID string) (camera.Stream, error) {
	_ = ctx
	_ = deviceID
	return nil, errWebcamDisabled
}
