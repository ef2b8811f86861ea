package camera

import (
	"errors"
	"time"
)

var (
	// ErrPermissionDenied reports that the platform refused camera access.
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrDeviceUnavailable reports that no camera exists, the device is busy, or the id is unknown.
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	// ErrNotActive is returned by frame operations when no stream is bound.
	ErrNotActive = errors.New("camera is not active")
)

// Device is a camera exposed by the platform.
type Device struct {
	ID    string `json:"device_id"`
	Label string `json:"label"`
}

// State is the session lifecycle state.
type State int

const (
	StateInactive State = iota
	StateAcquiring
	StateActive
	StateError
)

var stateNames = map[State]string{
	StateInactive:  "inactive",
	StateAcquiring: "acquiring",
	StateActive:    "active",
	StateError:     "error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a point-in-time view of a Session.
type Status struct {
	State    State  `json:"state"`
	Active   bool   `json:"active"`
	DeviceID string `json:"selected_device_id"`
	Error    error  `json:"-"`
}

// ErrorMessage returns the recorded failure text, or "" when there is none.
func (s Status) ErrorMessage() string {
	if s.Error == nil {
		return ""
	}
	return s.Error.Error()
}

// ErrorKind classifies the recorded failure as permission_denied or device_unavailable.
func (s Status) ErrorKind() string {
	switch {
	case s.Error == nil:
		return ""
	case errors.Is(s.Error, ErrPermissionDenied):
		return "permission_denied"
	default:
		return "device_unavailable"
	}
}

// Snapshot is a still frame encoded from the live stream.
type Snapshot struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
	DeviceID    string
	CapturedAt  time.Time
}
