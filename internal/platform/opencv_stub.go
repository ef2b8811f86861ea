//go:build !gocv
// +build !gocv

package platform

import (
	"context"
	"errors"

	"github.com/crackvision/crack-detector/internal/camera"
)

var errOpenCVDisabled = errors.New("opencv provider requires the gocv build tag")

// OpenCV is unavailable in this build.
type OpenCV struct {
	Indices int
}

// NewOpenCV returns an error when built without the gocv tag.
func NewOpenCV(indices int) (*OpenCV, error) {
	_ = indices
	return nil, errOpenCVDisabled
}

// Devices implements camera.Provider.
func (o *OpenCV) Devices(ctx context.Context) ([]camera.Device, error) {
	_ = ctx
	return nil, errOpenCVDisabled
}

// Acquire implements camera.Provider.
func (o *OpenCV) Acquire(ctx context.Context, deviceID string) (camera.Stream, error) {
	_ = ctx
	_ = deviceID
	return nil, errOpenCVDisabled
}
