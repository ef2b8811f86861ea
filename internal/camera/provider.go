package camera

import (
	"context"
	"image"
)

// Provider is the platform camera capability.
// Implementations wrap their failures with ErrPermissionDenied or ErrDeviceUnavailable.
type Provider interface {
	// Devices enumerates the cameras currently exposed by the platform.
	Devices(ctx context.Context) ([]Device, error)
	// Acquire opens exclusive access to a camera. An empty deviceID selects the platform default.
	Acquire(ctx context.Context, deviceID string) (Stream, error)
}

// Stream is a live video handle bound to a single device.
type Stream interface {
	DeviceID() string
	// ReadFrame samples the current frame.
	ReadFrame() (image.Image, error)
	// Release frees the underlying hardware. Release must tolerate repeated calls
	// and may run while a ReadFrame is in flight.
	Release() error
}
