// Package platform provides the camera capability implementations behind camera.Provider.
package platform

import (
	"fmt"
	"strings"

	"github.com/crackvision/crack-detector/internal/camera"
)

// Provider names accepted by Open.
const (
	NameTestPattern = "testpattern"
	NameWebcam      = "webcam"
	NameOpenCV      = "opencv"
)

// DefaultOpenCVIndices is the number of device indices the OpenCV provider tries.
const DefaultOpenCVIndices = 4

// Open returns the camera provider registered under name.
func Open(name string) (camera.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameTestPattern:
		return NewTestPattern(2), nil
	case NameWebcam:
		w, err := NewWebcam()
		if err != nil {
			return nil, err
		}
		return w, nil
	case NameOpenCV:
		o, err := NewOpenCV(DefaultOpenCVIndices)
		if err != nil {
			return nil, err
		}
		return o, nil
	default:
		return nil, fmt.Errorf("unknown camera provider %q (want %s, %s or %s)",
			name, NameTestPattern, NameWebcam, NameOpenCV)
	}
}
